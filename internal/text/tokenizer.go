// Package text turns page and query text into index terms.
//
// Documents and queries must go through the same Analyzer so that a query
// term matches the terms recorded for a page regardless of case or inflection.
package text

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
)

// DefaultTitleWeight multiplies the frequency of terms found in a page title.
const DefaultTitleWeight = 3

// Analyzer lowercases text, splits it on anything that is not a letter or a
// digit and optionally reduces each token to its English stem.
type Analyzer struct {
	Stem        bool
	TitleWeight float64
}

// NewAnalyzer returns an Analyzer. A non-positive titleWeight selects
// DefaultTitleWeight.
func NewAnalyzer(stem bool, titleWeight float64) Analyzer {
	if titleWeight <= 0 {
		titleWeight = DefaultTitleWeight
	}
	return Analyzer{Stem: stem, TitleWeight: titleWeight}
}

// Tokens returns the terms of s in order, duplicates included.
func (a Analyzer) Tokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if !a.Stem {
		return fields
	}
	for i, f := range fields {
		if stemmed := english.Stem(f, true); stemmed != "" {
			fields[i] = stemmed
		}
	}
	return fields
}

// QueryTerms returns the distinct terms of a query in first-seen order.
func (a Analyzer) QueryTerms(query string) []string {
	tokens := a.Tokens(query)
	seen := make(map[string]struct{}, len(tokens))
	terms := tokens[:0]
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		terms = append(terms, tok)
	}
	return terms
}

// Frequencies counts terms in a page. Title occurrences count TitleWeight
// times, body occurrences once.
func (a Analyzer) Frequencies(title, body string) map[string]float64 {
	weight := a.TitleWeight
	if weight <= 0 {
		weight = DefaultTitleWeight
	}
	freq := make(map[string]float64)
	for _, tok := range a.Tokens(title) {
		freq[tok] += weight
	}
	for _, tok := range a.Tokens(body) {
		freq[tok]++
	}
	return freq
}
