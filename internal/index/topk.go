package index

import (
	"container/heap"
	"sort"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
)

// topK keeps the k best hits seen so far. The heap root is the worst kept hit.
type topK struct {
	k     int
	items hitHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make(hitHeap, 0, k)}
}

func (t *topK) offer(hit crawler.ScoredPage) {
	if t.items.Len() < t.k {
		heap.Push(&t.items, hit)
		return
	}
	worst := t.items[0]
	if ranksBefore(hit.Score, hit.Page.URL, worst.Score, worst.Page.URL) {
		t.items[0] = hit
		heap.Fix(&t.items, 0)
	}
}

func (t *topK) sorted() []crawler.ScoredPage {
	out := make([]crawler.ScoredPage, len(t.items))
	copy(out, t.items)
	sort.Slice(out, func(i, j int) bool {
		return ranksBefore(out[i].Score, out[i].Page.URL, out[j].Score, out[j].Page.URL)
	})
	return out
}

type hitHeap []crawler.ScoredPage

func (h hitHeap) Len() int { return len(h) }

func (h hitHeap) Less(i, j int) bool {
	return ranksBefore(h[j].Score, h[j].Page.URL, h[i].Score, h[i].Page.URL)
}

func (h hitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) { *h = append(*h, x.(crawler.ScoredPage)) }

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
