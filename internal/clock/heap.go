package clock

import (
	"container/heap"
	"time"
)

// timerHeap orders pending fake timers by deadline (earliest first);
// seq breaks ties so timers armed earlier fire first.
type timerHeap []*fakeTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].when.Equal(h[j].when) {
		return h[i].when.Before(h[j].when)
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*fakeTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h *timerHeap) peek() (*fakeTimer, bool) {
	if len(*h) == 0 {
		return nil, false
	}
	return (*h)[0], true
}

func heapPush(h *timerHeap, t *fakeTimer) { heap.Push(h, t) }

func heapPop(h *timerHeap) *fakeTimer { return heap.Pop(h).(*fakeTimer) }

func heapRemove(h *timerHeap, t *fakeTimer) bool {
	if t.index < 0 || t.index >= len(*h) || (*h)[t.index] != t {
		return false
	}
	heap.Remove(h, t.index)
	return true
}

// dueBefore reports whether the earliest timer is due at or before target.
func (h *timerHeap) dueBefore(target time.Time) bool {
	t, ok := h.peek()
	return ok && !t.when.After(target)
}
