package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestObserveFetch(t *testing.T) {
	before := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("fetch.example", "ok"))
	bytesBefore := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("fetch.example"))

	ObserveFetch("https://fetch.example/a", "ok", 128, 20*time.Millisecond)
	ObserveFetch("https://fetch.example/b", "ok", 0, 5*time.Millisecond)

	require.InDelta(t, before+2, testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("fetch.example", "ok")), 0)
	require.InDelta(t, bytesBefore+128, testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("fetch.example")), 0)
}

func TestFrontierGauges(t *testing.T) {
	SetFrontierDepth(7)
	require.InDelta(t, 7, testutil.ToFloat64(frontierDepth), 0)

	before := testutil.ToFloat64(frontierRejectionsTotal.WithLabelValues("duplicate"))
	ObserveFrontierRejection("duplicate")
	require.InDelta(t, before+1, testutil.ToFloat64(frontierRejectionsTotal.WithLabelValues("duplicate")), 0)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
