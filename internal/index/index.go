// Package index holds the in-memory inverted index searched by the query planner.
package index

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
	"github.com/JakeFAU/crawlsearch/internal/metrics"
)

// DefaultShards is used when Config.Shards is not positive.
const DefaultShards = 16

var errEmptyURL = errors.New("index: document url is empty")

// Config controls index layout.
type Config struct {
	Shards int
}

// Cursor marks the last hit of a previous window. Hits strictly after it in
// (score desc, url asc) order are returned by Lookup.
type Cursor struct {
	Score float64
	URL   string
}

// Index is an inverted index partitioned by URL hash. Writers lock one shard;
// readers take every shard's read lock in a fixed order and so observe a
// consistent snapshot.
type Index struct {
	shards []*shard
	size   atomic.Int64
}

type shard struct {
	mu       sync.RWMutex
	docs     map[string]*doc
	postings map[string]map[string]float64
}

type doc struct {
	page  crawler.IndexedPage
	terms map[string]float64
}

// New returns an empty Index.
func New(cfg Config) *Index {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{
			docs:     make(map[string]*doc),
			postings: make(map[string]map[string]float64),
		}
	}
	return &Index{shards: shards}
}

func (ix *Index) shardFor(url string) *shard {
	return ix.shards[xxhash.Sum64String(url)%uint64(len(ix.shards))]
}

// Index stores a page and its term frequencies, replacing any previous version
// of the same URL together with all of its postings. A write whose IndexedAt
// is older than the stored version is ignored and reported as false.
func (ix *Index) Index(d crawler.Document) (bool, error) {
	url := d.Page.URL
	if url == "" {
		return false, errEmptyURL
	}
	terms := make(map[string]float64, len(d.Terms))
	for term, tf := range d.Terms {
		if term != "" && tf > 0 {
			terms[term] = tf
		}
	}

	s := ix.shardFor(url)
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.docs[url]; ok {
		if old.page.IndexedAt.After(d.Page.IndexedAt) {
			return false, nil
		}
		s.removePostings(url, old.terms)
	} else {
		metrics.SetIndexDocuments(int(ix.size.Add(1)))
	}

	s.docs[url] = &doc{page: d.Page, terms: terms}
	for term, tf := range terms {
		plist, ok := s.postings[term]
		if !ok {
			plist = make(map[string]float64)
			s.postings[term] = plist
		}
		plist[url] = tf
	}
	return true, nil
}

func (s *shard) removePostings(url string, terms map[string]float64) {
	for term := range terms {
		plist := s.postings[term]
		delete(plist, url)
		if len(plist) == 0 {
			delete(s.postings, term)
		}
	}
}

// Get returns the stored page for url.
func (ix *Index) Get(url string) (crawler.IndexedPage, bool) {
	s := ix.shardFor(url)
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[url]
	if !ok {
		return crawler.IndexedPage{}, false
	}
	return d.page, true
}

// Len returns the number of indexed pages.
func (ix *Index) Len() int {
	return int(ix.size.Load())
}

// Lookup scores every page containing at least one of terms and returns up to
// limit hits following after (nil starts at the top) in (score desc, url asc)
// order. more reports whether further hits exist beyond the window.
//
// A page scores the sum over query terms of (1 + ln tf) * ln(1 + N/df), where
// N is the number of indexed pages and df the number containing the term.
// Frequencies below one count as one.
func (ix *Index) Lookup(terms []string, after *Cursor, limit int) (hits []crawler.ScoredPage, more bool) {
	if limit <= 0 || len(terms) == 0 {
		return nil, false
	}

	for _, s := range ix.shards {
		s.mu.RLock()
	}
	defer func() {
		for _, s := range ix.shards {
			s.mu.RUnlock()
		}
	}()

	total := 0
	df := make([]int, len(terms))
	for _, s := range ix.shards {
		total += len(s.docs)
		for i, term := range terms {
			df[i] += len(s.postings[term])
		}
	}
	if total == 0 {
		return nil, false
	}
	idf := make([]float64, len(terms))
	for i := range terms {
		if df[i] > 0 {
			idf[i] = math.Log(1 + float64(total)/float64(df[i]))
		}
	}

	top := newTopK(limit + 1)
	scores := make(map[string]float64)
	for _, s := range ix.shards {
		clear(scores)
		for i, term := range terms {
			for url, tf := range s.postings[term] {
				scores[url] += (1 + math.Log(math.Max(tf, 1))) * idf[i]
			}
		}
		for url, score := range scores {
			if after != nil && !ranksBefore(after.Score, after.URL, score, url) {
				continue
			}
			top.offer(crawler.ScoredPage{Page: s.docs[url].page, Score: score})
		}
	}

	hits = top.sorted()
	if len(hits) > limit {
		return hits[:limit], true
	}
	return hits, false
}

// ranksBefore reports whether (aScore, aURL) precedes (bScore, bURL).
func ranksBefore(aScore float64, aURL string, bScore float64, bURL string) bool {
	if aScore != bScore {
		return aScore > bScore
	}
	return aURL < bURL
}
