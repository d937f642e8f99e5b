package traceset

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/tracestate/pkg/checkpoint"
	"github.com/kubescape/tracestate/pkg/dispatcher"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/metricsmanager"
	"github.com/kubescape/tracestate/pkg/tracestate"
)

// DefaultSaveInterval is the number of processed events between two
// checkpoints when Options leaves it unset.
const DefaultSaveInterval = 50000

type Options struct {
	NumCPUs      int
	SaveInterval uint64
	Live         bool
	Metrics      metricsmanager.MetricsManager
}

// Trace is one trace of a traceset: its sub-streams, the state rebuilt from
// them, the hooks dispatching events into that state and the checkpoints
// taken along the way.
//
// A Trace is not safe for concurrent use. Callers serialize access through
// the per-trace lock.
type Trace struct {
	name         string
	streams      []event.Stream
	schema       *event.Schema
	state        *tracestate.TraceState
	dispatcher   *dispatcher.Dispatcher
	store        *checkpoint.Store
	saveInterval uint64
	ordinal      uint64
	lastTime     event.Time
	live         bool
	detached     bool
	err          error
	metrics      metricsmanager.MetricsManager
}

func NewTrace(name string, streams []event.Stream, schema *event.Schema, opts Options) *Trace {
	if opts.SaveInterval == 0 {
		opts.SaveInterval = DefaultSaveInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = metricsmanager.NewMetricsMock()
	}
	numCPUs := opts.NumCPUs
	for _, s := range streams {
		if int(s.CPU()) >= numCPUs {
			numCPUs = int(s.CPU()) + 1
		}
	}
	t := &Trace{
		name:         name,
		streams:      streams,
		schema:       schema,
		state:        tracestate.New(numCPUs),
		dispatcher:   dispatcher.New(schema),
		store:        checkpoint.NewStore(),
		saveInterval: opts.SaveInterval,
		live:         opts.Live,
		metrics:      opts.Metrics,
	}
	t.state.Attach(t.dispatcher)
	return t
}

// FromFiles builds a trace over streams loaded by event.LoadTraceDir.
func FromFiles(name string, files *event.TraceFiles, opts Options) *Trace {
	streams := make([]event.Stream, len(files.Streams))
	for i, s := range files.Streams {
		streams[i] = s
	}
	if opts.NumCPUs < files.NumCPUs {
		opts.NumCPUs = files.NumCPUs
	}
	return NewTrace(name, streams, files.Schema, opts)
}

func (t *Trace) Name() string { return t.name }

func (t *Trace) State() *tracestate.TraceState { return t.state }

func (t *Trace) Store() *checkpoint.Store { return t.store }

func (t *Trace) Dispatcher() *dispatcher.Dispatcher { return t.dispatcher }

func (t *Trace) Schema() *event.Schema { return t.schema }

func (t *Trace) Streams() []event.Stream { return t.streams }

func (t *Trace) Live() bool { return t.live }

// SetLive marks the trace as still growing. A live trace is never considered
// finished when its streams run dry.
func (t *Trace) SetLive(live bool) { t.live = live }

// Err returns the error that disabled the trace, if any.
func (t *Trace) Err() error { return t.err }

func (t *Trace) Healthy() bool { return t.err == nil }

func (t *Trace) disabled() error {
	return fmt.Errorf("%w: %w", ErrTraceDisabled, t.err)
}

// Ordinal returns the number of events processed since the trace start.
func (t *Trace) Ordinal() uint64 { return t.ordinal }

// LastTime returns the time of the last processed event.
func (t *Trace) LastTime() event.Time { return t.lastTime }

func (t *Trace) Position() event.TracePosition {
	return event.PositionOf(t.streams)
}

func (t *Trace) fail(err error) error {
	if t.err == nil {
		t.err = &TraceError{Trace: t.name, Err: err}
		if !t.detached {
			t.metrics.ReportTraceFailed(t.name)
			logger.L().Error("Trace - disabled after a fatal state error",
				helpers.String("trace", t.name),
				helpers.Error(err))
		}
	}
	return t.err
}

// process runs the hooks bound to ev, which the caller has already consumed
// from its stream. Consumer hooks only run when deliver is set. A state
// handler error disables the trace; a consumer hook error is returned as is.
func (t *Trace) process(ev *event.Event, deliver bool) error {
	var err error
	if deliver {
		err = t.dispatcher.Dispatch(ev)
	} else {
		err = t.dispatcher.DispatchState(ev)
	}
	t.ordinal++
	t.lastTime = ev.Time
	if err != nil {
		var stateErr *tracestate.HandlerError
		if errors.As(err, &stateErr) {
			return t.fail(err)
		}
		return err
	}
	if t.ordinal%t.saveInterval == 0 {
		t.SaveCheckpoint()
	}
	return nil
}

// SaveCheckpoint snapshots the current state unless a checkpoint at or
// beyond the current position is already stored. It reports whether a
// checkpoint was added.
func (t *Trace) SaveCheckpoint() bool {
	if t.detached || t.err != nil || t.ordinal == 0 {
		return false
	}
	if last, ok := t.store.Last(); ok && (last.Ordinal >= t.ordinal || last.Time >= t.lastTime) {
		return false
	}
	cp := &checkpoint.Checkpoint{
		Time:     t.lastTime,
		Ordinal:  t.ordinal,
		State:    t.state.Snapshot(),
		Position: t.Position(),
	}
	if err := t.store.Add(cp); err != nil {
		logger.L().Debug("Trace - checkpoint discarded",
			helpers.String("trace", t.name),
			helpers.Error(err))
		return false
	}
	t.metrics.ReportCheckpoint(t.name)
	return true
}

// Reset brings the state and every cursor back to the trace start.
func (t *Trace) Reset() error {
	t.state.Reset()
	t.ordinal = 0
	t.lastTime = event.TimeZero
	for _, s := range t.streams {
		if err := s.Seek(0); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trace) restore(cp *checkpoint.Checkpoint) error {
	if err := event.SeekStreams(t.streams, cp.Position); err != nil {
		return err
	}
	t.state.Restore(cp.State)
	t.ordinal = cp.Ordinal
	t.lastTime = cp.Time
	return nil
}

// replay feeds the state handlers every event until stop returns true. stop
// sees the next event and the number of events replayed so far.
func (t *Trace) replay(stop func(ev *event.Event, n int) bool) (int, error) {
	m := newMerger(nil)
	m.add(0, t.streams)
	m.resync()
	n := 0
	for {
		_, ev, ok := m.peek()
		if !ok || stop(ev, n) {
			return n, nil
		}
		m.advance()
		n++
		if err := t.process(ev, false); err != nil {
			return n, err
		}
	}
}

// SeekClosest rebuilds the state at time ts: every event before ts has been
// processed and every cursor sits at or after ts. The state is restored from
// the closest checkpoint before ts, or from the trace start, and the gap is
// replayed through the state handlers only. It returns the number of
// replayed events.
func (t *Trace) SeekClosest(ts event.Time) (int, error) {
	if t.err != nil {
		return 0, t.disabled()
	}
	cp, ok := t.store.Closest(ts)
	switch {
	case t.lastTime < ts && (!ok || t.ordinal >= cp.Ordinal):
		// the current state is already between the checkpoint and ts
	case ok:
		if err := t.restore(cp); err != nil {
			return 0, t.fail(err)
		}
	default:
		if err := t.Reset(); err != nil {
			return 0, t.fail(err)
		}
	}
	n, err := t.replay(func(ev *event.Event, _ int) bool { return ev.Time >= ts })
	t.reportReplay(n)
	return n, err
}

// SeekPosition rebuilds the state at an exact trace position previously
// obtained from Position.
func (t *Trace) SeekPosition(pos event.TracePosition) (int, error) {
	if t.err != nil {
		return 0, t.disabled()
	}
	if len(pos) != len(t.streams) {
		return 0, t.fail(&PositionMismatchError{Trace: t.name, Want: pos, Reached: t.ordinal})
	}
	if t.Position().Equal(pos) {
		return 0, nil
	}
	target := pos.Consumed()
	cp, ok := t.store.ClosestOrdinal(target)
	switch {
	case t.ordinal <= target && (!ok || t.ordinal >= cp.Ordinal):
		// replay forward from the current position
	case ok:
		if err := t.restore(cp); err != nil {
			return 0, t.fail(err)
		}
	default:
		if err := t.Reset(); err != nil {
			return 0, t.fail(err)
		}
	}
	n, err := t.replay(func(*event.Event, int) bool { return t.ordinal >= target })
	t.reportReplay(n)
	if err != nil {
		return n, err
	}
	if !t.Position().Equal(pos) {
		return n, t.fail(&PositionMismatchError{Trace: t.name, Want: pos.Clone(), Reached: t.ordinal})
	}
	return n, nil
}

func (t *Trace) reportReplay(n int) {
	if n == 0 || t.detached {
		return
	}
	t.metrics.ReportReplay(t.name, n)
	logger.L().Debug("Trace - replayed events to reach seek target",
		helpers.String("trace", t.name),
		helpers.Int("events", n))
}

// view returns a detached copy of the trace: cloned cursors and state, the
// shared checkpoint list read only, and no consumer hooks.
func (t *Trace) view() *Trace {
	streams := make([]event.Stream, len(t.streams))
	for i, s := range t.streams {
		streams[i] = s.Clone()
	}
	v := &Trace{
		name:         t.name,
		streams:      streams,
		schema:       t.schema,
		state:        t.state.Clone(),
		dispatcher:   dispatcher.New(t.schema),
		store:        t.store,
		saveInterval: t.saveInterval,
		ordinal:      t.ordinal,
		lastTime:     t.lastTime,
		live:         t.live,
		detached:     true,
		metrics:      t.metrics,
	}
	v.state.Attach(v.dispatcher)
	return v
}

// StateAt returns the state of the trace at time ts without moving the
// trace's own cursors. The returned state belongs to the caller.
func (t *Trace) StateAt(ts event.Time) (*tracestate.TraceState, error) {
	if t.err != nil {
		return nil, t.disabled()
	}
	v := t.view()
	if _, err := v.SeekClosest(ts); err != nil {
		return nil, err
	}
	return v.state, nil
}

// Precompute walks the trace forward from its last checkpoint through the
// state handlers, taking checkpoints on the way. It processes at most
// maxEvents events and reports whether the end of the trace was reached.
func (t *Trace) Precompute(maxEvents int) (int, bool, error) {
	if t.err != nil {
		return 0, true, t.disabled()
	}
	if last, ok := t.store.Last(); ok && t.ordinal < last.Ordinal {
		if err := t.restore(last); err != nil {
			return 0, true, t.fail(err)
		}
	}
	n, err := t.replay(func(_ *event.Event, n int) bool { return maxEvents > 0 && n >= maxEvents })
	if err != nil {
		return n, true, err
	}
	return n, t.Exhausted(), nil
}

// Exhausted reports whether every sub-stream is at its end.
func (t *Trace) Exhausted() bool {
	for _, s := range t.streams {
		if _, ok := s.Peek(); ok {
			return false
		}
	}
	return true
}

// LoadFile installs the checkpoints and name tables of a checkpoint file.
// Checkpoints not beyond the last stored one are ignored.
func (t *Trace) LoadFile(f *checkpoint.File) (int, error) {
	if f.Header.NumCPUs != 0 && int(f.Header.NumCPUs) != t.state.NumCPUs() {
		return 0, fmt.Errorf("trace %s: file has %d cpus, trace %d: %w",
			t.name, f.Header.NumCPUs, t.state.NumCPUs(), ErrCPUMismatch)
	}
	if f.Names != nil {
		t.state.Names.Merge(f.Names)
	}
	added := 0
	for _, cp := range f.Checkpoints {
		if len(cp.Position) != len(t.streams) {
			return added, fmt.Errorf("trace %s: checkpoint at [%s] has %d stream positions, trace %d",
				t.name, cp.Time, len(cp.Position), len(t.streams))
		}
		if last, ok := t.store.Last(); ok && (cp.Ordinal <= last.Ordinal || cp.Time <= last.Time) {
			continue
		}
		if err := t.store.Add(cp); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// File exports the checkpoints of the trace for persisting.
func (t *Trace) File(session uuid.UUID) *checkpoint.File {
	return &checkpoint.File{
		Header: checkpoint.Header{
			Session: session,
			Trace:   t.name,
			NumCPUs: uint64(t.state.NumCPUs()),
		},
		Names:       t.state.Names,
		Checkpoints: t.store.All(),
	}
}
