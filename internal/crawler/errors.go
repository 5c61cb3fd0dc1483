package crawler

import (
	"errors"
	"fmt"
)

// Frontier rejections.
var (
	ErrDuplicate       = errors.New("url already seen for job")
	ErrFrontierFull    = errors.New("job frontier is full")
	ErrBudgetExhausted = errors.New("job page budget exhausted")
	ErrJobClosed       = errors.New("job no longer accepts urls")
)

// Orchestrator and query errors surfaced to the request layer.
var (
	ErrNotFound         = errors.New("job not found")
	ErrInvalidScope     = errors.New("invalid crawl scope")
	ErrTerminal         = errors.New("job already finished")
	ErrInvalidQuery     = errors.New("invalid search query")
	ErrInvalidPageToken = errors.New("invalid page token")
	ErrPoolStalled      = errors.New("fetch pool made no progress")
)

// IsRejection reports whether err is one of the frontier rejections.
func IsRejection(err error) bool {
	return errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrFrontierFull) ||
		errors.Is(err, ErrBudgetExhausted) ||
		errors.Is(err, ErrJobClosed)
}

// RejectionReason maps a rejection error to a short metric label.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrFrontierFull):
		return "frontier_full"
	case errors.Is(err, ErrBudgetExhausted):
		return "budget_exhausted"
	case errors.Is(err, ErrJobClosed):
		return "job_closed"
	default:
		return "other"
	}
}

func errUnknownValue(kind, raw string) error {
	return fmt.Errorf("unknown %s %q", kind, raw)
}

// HTTPStatusError reports a fetch that completed with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d", e.StatusCode)
}
