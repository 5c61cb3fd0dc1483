package search

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
)

// cursor is the opaque content of a page token.
type cursor struct {
	Score       float64 `json:"s"`
	URL         string  `json:"u"`
	Fingerprint string  `json:"q"`
}

func encodeToken(c cursor) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeToken(token string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: %v", crawler.ErrInvalidPageToken, err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("%w: %v", crawler.ErrInvalidPageToken, err)
	}
	if c.URL == "" || c.Fingerprint == "" || math.IsNaN(c.Score) || math.IsInf(c.Score, 0) {
		return cursor{}, fmt.Errorf("%w: incomplete cursor", crawler.ErrInvalidPageToken)
	}
	return c, nil
}
