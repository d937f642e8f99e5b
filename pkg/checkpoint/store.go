// Package checkpoint keeps the periodic state snapshots of a trace and
// persists them to checkpoint files.
package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/DmitriyVTitov/size"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/tracestate"
)

var ErrCheckpointOrder = errors.New("checkpoint does not follow the last stored one")

// Checkpoint is an immutable snapshot of a trace state. Time is the time of
// the last event processed before the snapshot and Ordinal the number of
// events processed since the start of the trace.
type Checkpoint struct {
	Time     event.Time
	Ordinal  uint64
	State    *tracestate.Snapshot
	Position event.TracePosition
}

// Store is the ordered checkpoint list of one trace.
type Store struct {
	mu   sync.RWMutex
	list []*Checkpoint
}

func NewStore() *Store {
	return &Store{}
}

// Add appends cp. Its time and ordinal must both exceed the last stored ones.
func (s *Store) Add(cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.list); n > 0 {
		last := s.list[n-1]
		if cp.Time <= last.Time || cp.Ordinal <= last.Ordinal {
			return fmt.Errorf("checkpoint at [%s] ordinal %d after [%s] ordinal %d: %w",
				cp.Time, cp.Ordinal, last.Time, last.Ordinal, ErrCheckpointOrder)
		}
	}
	s.list = append(s.list, cp)
	return nil
}

// Closest returns the last checkpoint taken strictly before t.
func (s *Store) Closest(t event.Time) (*Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.list), func(i int) bool {
		return s.list[i].Time >= t
	})
	if i == 0 {
		return nil, false
	}
	return s.list[i-1], true
}

// ClosestOrdinal returns the last checkpoint with an ordinal at or below n.
func (s *Store) ClosestOrdinal(n uint64) (*Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.list), func(i int) bool {
		return s.list[i].Ordinal > n
	})
	if i == 0 {
		return nil, false
	}
	return s.list[i-1], true
}

func (s *Store) Last() (*Checkpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.list) == 0 {
		return nil, false
	}
	return s.list[len(s.list)-1], true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

// All returns the checkpoints in order.
func (s *Store) All() []*Checkpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Checkpoint(nil), s.list...)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = nil
}

// Footprint estimates the memory held by the stored snapshots, in bytes.
func (s *Store) Footprint() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return size.Of(s.list)
}
