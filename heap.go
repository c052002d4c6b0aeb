package rcpilot

import "container/heap"

// poorestEntry is one candidate master tracked by the poorest-N heap:
// its node id and its current replica count.
type poorestEntry struct {
	id    string
	count int
}

// poorestHeap is a bounded max-heap of size n keyed by replica count:
// the root is always the entry with the *largest* count currently
// admitted, so a new candidate with a smaller count can displace it
// in O(log n); a candidate that cannot displace the current max is
// rejected in O(1).
type poorestHeap struct {
	n       int
	entries []poorestEntry
}

func newPoorestHeap(n int) *poorestHeap {
	h := &poorestHeap{n: n}
	heap.Init(h)
	return h
}

func (h *poorestHeap) Len() int { return len(h.entries) }
func (h *poorestHeap) Less(i, j int) bool {
	// max-heap: larger count sorts first so it sits at the root
	return h.entries[i].count > h.entries[j].count
}
func (h *poorestHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *poorestHeap) Push(x interface{}) {
	h.entries = append(h.entries, x.(poorestEntry))
}
func (h *poorestHeap) Pop() interface{} {
	old := h.entries
	last := old[len(old)-1]
	h.entries = old[:len(old)-1]
	return last
}

// Offer admits (id, count) into the bounded heap. O(1) if it cannot
// displace the current max (heap already at capacity n and count is
// not smaller than the root); O(log n) otherwise.
func (h *poorestHeap) Offer(id string, count int) {
	if h.n <= 0 {
		return
	}
	if len(h.entries) < h.n {
		heap.Push(h, poorestEntry{id: id, count: count})
		return
	}
	if count < h.entries[0].count {
		h.entries[0] = poorestEntry{id: id, count: count}
		heap.Fix(h, 0)
	}
}

// Entries returns the heap's current contents, unordered.
func (h *poorestHeap) Entries() []poorestEntry {
	return append([]poorestEntry{}, h.entries...)
}

// PoorestN returns the n entries from candidates with the smallest
// count. With n == 1 the earliest of several equally small candidates
// is returned; for larger n, which of several candidates tied at the
// cut-off is kept follows heap order, not input order.
func PoorestN(candidates []poorestEntry, n int) []poorestEntry {
	h := newPoorestHeap(n)
	for _, c := range candidates {
		h.Offer(c.id, c.count)
	}
	return h.Entries()
}
