// Package traceset drives a set of traces through one merged cursor. Each
// trace rebuilds its own state, takes periodic checkpoints and seeks by
// restoring the closest one.
package traceset

import (
	"fmt"

	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/metricsmanager"
	"go.uber.org/multierr"
)

// Position is the cursor of a whole traceset, one entry per trace.
type Position []event.TracePosition

// Consumed returns the number of events read over all traces.
func (p Position) Consumed() uint64 {
	var n uint64
	for _, tp := range p {
		n += tp.Consumed()
	}
	return n
}

// Time returns the time of the next event over all traces.
func (p Position) Time() event.Time {
	t := event.TimeInfinite
	for _, tp := range p {
		if tt := tp.Time(); tt < t {
			t = tt
		}
	}
	return t
}

func (p Position) Equal(o Position) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if !p[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (p Position) Clone() Position {
	if p == nil {
		return nil
	}
	out := make(Position, len(p))
	for i, tp := range p {
		out[i] = tp.Clone()
	}
	return out
}

// Traceset merges the events of its traces in timestamp order. Ties are
// broken by trace order, then by sub-stream order.
type Traceset struct {
	traces     []*Trace
	byName     map[string]*Trace
	merge      *merger
	current    *event.Event
	currentCPU uint32
	currentTr  *Trace
	metrics    metricsmanager.MetricsManager
}

func New(metrics metricsmanager.MetricsManager) *Traceset {
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	ts := &Traceset{
		byName:  make(map[string]*Trace),
		metrics: metrics,
	}
	ts.merge = newMerger(func(i int) bool { return !ts.traces[i].Healthy() })
	return ts
}

// Add appends a trace. Adding a trace changes the traceset structure, so
// every trace goes back to its start.
func (ts *Traceset) Add(t *Trace) error {
	if _, ok := ts.byName[t.Name()]; ok {
		return fmt.Errorf("%s: %w", t.Name(), ErrDuplicateTrace)
	}
	ts.traces = append(ts.traces, t)
	ts.byName[t.Name()] = t
	ts.merge.add(len(ts.traces)-1, t.Streams())
	return ts.Reset()
}

// Reset rewinds every trace to its start.
func (ts *Traceset) Reset() error {
	var err error
	for _, t := range ts.traces {
		err = multierr.Append(err, t.Reset())
	}
	ts.current = nil
	ts.currentTr = nil
	ts.merge.resync()
	return err
}

func (ts *Traceset) Traces() []*Trace {
	return ts.traces
}

func (ts *Traceset) Trace(name string) (*Trace, bool) {
	t, ok := ts.byName[name]
	return t, ok
}

func (ts *Traceset) Len() int {
	return len(ts.traces)
}

// Healthy reports whether at least one trace is still enabled.
func (ts *Traceset) Healthy() bool {
	for _, t := range ts.traces {
		if t.Healthy() {
			return true
		}
	}
	return false
}

// Live reports whether a healthy trace may still grow.
func (ts *Traceset) Live() bool {
	for _, t := range ts.traces {
		if t.Healthy() && t.Live() {
			return true
		}
	}
	return false
}

func (ts *Traceset) Position() Position {
	p := make(Position, len(ts.traces))
	for i, t := range ts.traces {
		p[i] = t.Position()
	}
	return p
}

// Resync rebuilds the merge order from the trace cursors. Call it after a
// cursor moved outside the traceset or a live stream grew.
func (ts *Traceset) Resync() {
	ts.merge.resync()
}

// At reports whether the cursor of every healthy trace equals p.
func (ts *Traceset) At(p Position) bool {
	if len(p) != len(ts.traces) {
		return false
	}
	for i, t := range ts.traces {
		if t.Healthy() && !t.Position().Equal(p[i]) {
			return false
		}
	}
	return true
}

// NextTime returns the time of the next event, or event.TimeInfinite.
func (ts *Traceset) NextTime() event.Time {
	return ts.merge.nextTime()
}

func (ts *Traceset) Exhausted() bool {
	_, _, ok := ts.merge.peek()
	return !ok
}

// LastTime returns the time of the most recent event processed on any
// healthy trace, and false when none was processed yet.
func (ts *Traceset) LastTime() (event.Time, bool) {
	var last event.Time
	seen := false
	for _, t := range ts.traces {
		if !t.Healthy() || t.Ordinal() == 0 {
			continue
		}
		if !seen || t.LastTime() > last {
			last = t.LastTime()
		}
		seen = true
	}
	return last, seen
}

// Covers reports whether the cursor sits exactly at time t: every event
// before t was processed and none at or after t.
func (ts *Traceset) Covers(t event.Time) bool {
	if last, ok := ts.LastTime(); ok && last >= t {
		return false
	}
	return t <= ts.NextTime()
}

// SeekTime moves every healthy trace to time t.
func (ts *Traceset) SeekTime(t event.Time) error {
	var err error
	for _, tr := range ts.traces {
		if !tr.Healthy() {
			continue
		}
		_, serr := tr.SeekClosest(t)
		err = multierr.Append(err, serr)
	}
	ts.current = nil
	ts.currentTr = nil
	ts.merge.resync()
	return err
}

// SeekPosition moves every healthy trace to the exact position p.
func (ts *Traceset) SeekPosition(p Position) error {
	if len(p) != len(ts.traces) {
		return fmt.Errorf("position covers %d traces, traceset has %d", len(p), len(ts.traces))
	}
	var err error
	for i, tr := range ts.traces {
		if !tr.Healthy() {
			continue
		}
		_, serr := tr.SeekPosition(p[i])
		err = multierr.Append(err, serr)
	}
	ts.current = nil
	ts.currentTr = nil
	ts.merge.resync()
	return err
}

// Process delivers events in merge order to every hook until the next event
// is at or after endTime, maxEvents events were delivered, or the cursor
// reached endPos. A negative maxEvents and a nil endPos leave those bounds
// unset. The first hook error stops processing.
func (ts *Traceset) Process(endTime event.Time, maxEvents int, endPos Position) (int, error) {
	var target, consumed uint64
	if endPos != nil {
		target = endPos.Consumed()
		consumed = ts.Position().Consumed()
	}
	n := 0
	for maxEvents < 0 || n < maxEvents {
		if endPos != nil && consumed >= target {
			break
		}
		c, ev, ok := ts.merge.peek()
		if !ok || ev.Time >= endTime {
			break
		}
		ts.merge.advance()
		consumed++
		n++
		tr := ts.traces[c.trace]
		ts.current = ev
		ts.currentCPU = c.s.CPU()
		ts.currentTr = tr
		ts.metrics.ReportEvent(tr.Name())
		if err := tr.process(ev, true); err != nil {
			if !tr.Healthy() {
				ts.merge.resync()
			}
			return n, err
		}
	}
	return n, nil
}

// Current returns the event being delivered, or the last one delivered.
func (ts *Traceset) Current() (*event.Event, bool) {
	return ts.current, ts.current != nil
}

// CurrentCPU returns the CPU of the sub-stream the current event came from.
func (ts *Traceset) CurrentCPU() uint32 {
	return ts.currentCPU
}

// CurrentTrace returns the trace the current event came from.
func (ts *Traceset) CurrentTrace() (*Trace, bool) {
	return ts.currentTr, ts.currentTr != nil
}

// SaveCheckpoints snapshots every healthy trace at its current position.
func (ts *Traceset) SaveCheckpoints() int {
	n := 0
	for _, t := range ts.traces {
		if t.SaveCheckpoint() {
			n++
		}
	}
	return n
}
