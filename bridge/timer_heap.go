package bridge

import (
	"container/heap"
	"time"
)

// timer is one deadline handled by the driver loop.
type timer struct {
	at    time.Time
	fire  func()
	index int
}

// timerHeap orders caller deadlines, handshake timeouts and close timeouts
// so the loop can wait for the earliest one.
type timerHeap struct {
	queue []*timer
}

func newTimerHeap() *timerHeap {
	h := &timerHeap{
		queue: make([]*timer, 0),
	}

	heap.Init(h)

	return h
}

func (h *timerHeap) Len() int {
	return len(h.queue)
}

func (h *timerHeap) Less(i, j int) bool {
	return h.queue[i].at.Before(h.queue[j].at)
}

func (h *timerHeap) Swap(i, j int) {
	h.queue[i], h.queue[j] = h.queue[j], h.queue[i]
	h.queue[i].index = i
	h.queue[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(h.queue)
	h.queue = append(h.queue, t)
}

func (h *timerHeap) Pop() any {
	old := h.queue
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	h.queue = old[0 : n-1]
	return t
}

func (h *timerHeap) add(at time.Time, fire func()) *timer {
	t := &timer{at: at, fire: fire}
	heap.Push(h, t)
	return t
}

// remove cancels t. It is a no-op for nil or already fired timers.
func (h *timerHeap) remove(t *timer) {
	if t == nil || t.index < 0 || t.index >= len(h.queue) || h.queue[t.index] != t {
		return
	}
	heap.Remove(h, t.index)
}

// next returns the earliest deadline.
func (h *timerHeap) next() (time.Time, bool) {
	if len(h.queue) == 0 {
		return time.Time{}, false
	}
	return h.queue[0].at, true
}

// expire fires every timer due at now, earliest first.
func (h *timerHeap) expire(now time.Time) {
	for len(h.queue) > 0 && !h.queue[0].at.After(now) {
		t := heap.Pop(h).(*timer)
		t.fire()
	}
}
