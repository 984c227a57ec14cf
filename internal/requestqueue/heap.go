package requestqueue

import "container/heap"

// requestHeap orders pending requests by descending priority. Ties are broken
// by the monotonic sequence number assigned at (re)insertion, so requests of
// equal priority dispatch FIFO. Implements heap.Interface; all access happens
// under the owning queue's mutex.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil // avoid holding settled requests alive
	r.index = -1
	*h = old[:n-1]
	return r
}

// push inserts a request maintaining heap order.
func (h *requestHeap) push(r *request) {
	heap.Push(h, r)
}

// pop removes and returns the highest-priority request, or nil when empty.
func (h *requestHeap) pop() *request {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*request)
}
