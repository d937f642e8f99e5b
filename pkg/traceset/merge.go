package traceset

import (
	"container/heap"

	"github.com/kubescape/tracestate/pkg/event"
)

type cursor struct {
	trace  int
	stream int
	s      event.Stream
	time   event.Time
}

// cursorHeap orders cursors by the time of their next event, then by trace
// index, then by stream index.
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.time != b.time {
		return a.time < b.time
	}
	if a.trace != b.trace {
		return a.trace < b.trace
	}
	return a.stream < b.stream
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// merger walks several sub-streams in timestamp order. The heap reflects the
// stream cursors as of the last resync; moving a cursor behind the merger's
// back requires another resync.
type merger struct {
	cursors []*cursor
	heap    cursorHeap
	skip    func(trace int) bool
}

func newMerger(skip func(trace int) bool) *merger {
	return &merger{skip: skip}
}

func (m *merger) add(trace int, streams []event.Stream) {
	for i, s := range streams {
		m.cursors = append(m.cursors, &cursor{trace: trace, stream: i, s: s})
	}
}

func (m *merger) resync() {
	m.heap = m.heap[:0]
	for _, c := range m.cursors {
		if m.skip != nil && m.skip(c.trace) {
			continue
		}
		if ev, ok := c.s.Peek(); ok {
			c.time = ev.Time
			m.heap = append(m.heap, c)
		}
	}
	heap.Init(&m.heap)
}

// peek returns the next event in merge order without consuming it.
func (m *merger) peek() (*cursor, *event.Event, bool) {
	for len(m.heap) > 0 {
		c := m.heap[0]
		if ev, ok := c.s.Peek(); ok {
			return c, ev, true
		}
		heap.Pop(&m.heap)
	}
	return nil, nil, false
}

// advance consumes the event returned by the last peek.
func (m *merger) advance() {
	if len(m.heap) == 0 {
		return
	}
	c := m.heap[0]
	c.s.Advance()
	if ev, ok := c.s.Peek(); ok {
		c.time = ev.Time
		heap.Fix(&m.heap, 0)
		return
	}
	heap.Pop(&m.heap)
}

func (m *merger) nextTime() event.Time {
	if _, ev, ok := m.peek(); ok {
		return ev.Time
	}
	return event.TimeInfinite
}
