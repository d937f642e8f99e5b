package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrOutOfOrder     = errors.New("event timestamp goes backwards")
	ErrSeekOutOfRange = errors.New("seek offset out of range")
)

// Offset is the index of the next event to be read from a sub-stream.
type Offset uint64

// Stream is one time-ordered sub-stream of a trace, typically a per-CPU
// buffer. A stream is a cursor: Peek returns the event at the current offset
// and Advance moves past it.
type Stream interface {
	Name() string
	CPU() uint32
	Tell() Offset
	Peek() (*Event, bool)
	Advance()
	Seek(off Offset) error
	// SeekTime moves to the first event with a timestamp at or after t.
	SeekTime(t Time)
	Position() StreamPosition
	Len() int
	// Clone returns an independent cursor over the same events.
	Clone() Stream
}

type streamData struct {
	mu     sync.RWMutex
	events []Event
}

// SliceStream is an in-memory Stream. Events may be appended while the
// stream is read, which is how live traces grow.
type SliceStream struct {
	name string
	cpu  uint32
	data *streamData
	next int
}

var _ Stream = (*SliceStream)(nil)

func NewSliceStream(name string, cpu uint32, events ...Event) (*SliceStream, error) {
	s := &SliceStream{
		name: name,
		cpu:  cpu,
		data: &streamData{},
	}
	if err := s.Append(events...); err != nil {
		return nil, err
	}
	return s, nil
}

// Append adds events at the end of the stream. Timestamps must not decrease.
func (s *SliceStream) Append(events ...Event) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	for i := range events {
		ev := events[i]
		ev.CPU = s.cpu
		if n := len(s.data.events); n > 0 && ev.Time < s.data.events[n-1].Time {
			return fmt.Errorf("stream %s: event %s at %s after %s: %w",
				s.name, ev.Key(), ev.Time, s.data.events[n-1].Time, ErrOutOfOrder)
		}
		s.data.events = append(s.data.events, ev)
	}
	return nil
}

func (s *SliceStream) Name() string { return s.name }

func (s *SliceStream) CPU() uint32 { return s.cpu }

func (s *SliceStream) Tell() Offset { return Offset(s.next) }

func (s *SliceStream) Len() int {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	return len(s.data.events)
}

func (s *SliceStream) Peek() (*Event, bool) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	if s.next >= len(s.data.events) {
		return nil, false
	}
	return &s.data.events[s.next], true
}

func (s *SliceStream) Advance() {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	if s.next < len(s.data.events) {
		s.next++
	}
}

func (s *SliceStream) Seek(off Offset) error {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	if int(off) > len(s.data.events) {
		return fmt.Errorf("stream %s: offset %d beyond %d events: %w", s.name, off, len(s.data.events), ErrSeekOutOfRange)
	}
	s.next = int(off)
	return nil
}

func (s *SliceStream) SeekTime(t Time) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	events := s.data.events
	s.next = sort.Search(len(events), func(i int) bool {
		return events[i].Time >= t
	})
}

func (s *SliceStream) Position() StreamPosition {
	if ev, ok := s.Peek(); ok {
		return StreamPosition{Offset: s.Tell(), Time: ev.Time}
	}
	return StreamPosition{Offset: s.Tell(), Time: TimeInfinite, End: true}
}

func (s *SliceStream) Clone() Stream {
	return &SliceStream{
		name: s.name,
		cpu:  s.cpu,
		data: s.data,
		next: s.next,
	}
}
