// Package scheduler serves many event requests over one traceset. Requests
// whose windows overlap share a single pass over the events: each step
// drives the traceset over one bounded chunk and every in-flight request sees
// the chunk through its own hooks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/metricsmanager"
	"github.com/kubescape/tracestate/pkg/resourcelocks"
	"github.com/kubescape/tracestate/pkg/traceset"
	"go.uber.org/multierr"
)

// DefaultChunkNumEvents bounds the events processed by one step when Config
// leaves it unset.
const DefaultChunkNumEvents = 6000

var ErrRequestRegistered = errors.New("events request already registered")

// Result tells the caller of Step whether to call it again.
type Result uint8

const (
	Done Result = iota
	WorkRemains
	RetryLater
)

func (r Result) String() string {
	switch r {
	case Done:
		return "done"
	case WorkRemains:
		return "work_remains"
	case RetryLater:
		return "retry_later"
	}
	return "unknown"
}

type Config struct {
	ChunkNumEvents      int
	CheckpointOnSuspend bool
}

// Scheduler is driven by repeated Step calls from a single goroutine. Only
// the trace locks are shared with other goroutines.
type Scheduler struct {
	ts         *traceset.Traceset
	locks      *resourcelocks.ResourceLocks
	cfg        Config
	metrics    metricsmanager.MetricsManager
	pending    []*EventsRequest
	inFlight   []*EventsRequest
	byID       map[uuid.UUID]*EventsRequest
	owners     map[string]mapset.Set[uuid.UUID]
	lastPos    traceset.Position
	lastEvents int
}

func New(ts *traceset.Traceset, locks *resourcelocks.ResourceLocks, cfg Config, metrics metricsmanager.MetricsManager) *Scheduler {
	if cfg.ChunkNumEvents <= 0 {
		cfg.ChunkNumEvents = DefaultChunkNumEvents
	}
	if locks == nil {
		locks = resourcelocks.New()
	}
	if metrics == nil {
		metrics = metricsmanager.NewMetricsMock()
	}
	return &Scheduler{
		ts:      ts,
		locks:   locks,
		cfg:     cfg,
		metrics: metrics,
		byID:    make(map[uuid.UUID]*EventsRequest),
		owners:  make(map[string]mapset.Set[uuid.UUID]),
	}
}

// Register queues r as pending and returns its ID.
func (s *Scheduler) Register(r *EventsRequest) (uuid.UUID, error) {
	if r.ID != uuid.Nil {
		if _, ok := s.byID[r.ID]; ok {
			return r.ID, fmt.Errorf("%s: %w", r.ID, ErrRequestRegistered)
		}
	} else {
		r.ID = uuid.New()
	}
	r.state = statePending
	r.remaining = r.NumEvents
	s.pending = append(s.pending, r)
	s.byID[r.ID] = r
	ids, ok := s.owners[r.Owner]
	if !ok {
		ids = mapset.NewThreadUnsafeSet[uuid.UUID]()
		s.owners[r.Owner] = ids
	}
	ids.Add(r.ID)
	return r.ID, nil
}

// Cancel removes every request of owner and returns how many were removed.
func (s *Scheduler) Cancel(owner string) int {
	ids, ok := s.owners[owner]
	if !ok {
		return 0
	}
	n := 0
	for _, id := range ids.ToSlice() {
		if s.CancelRequest(id) {
			n++
		}
	}
	return n
}

// CancelRequest removes one request. A request that already started gets
// its after-request hook with Canceled.
func (s *Scheduler) CancelRequest(id uuid.UUID) bool {
	r, ok := s.byID[id]
	if !ok {
		return false
	}
	r.unregister()
	s.finish(r, Canceled, r.started)
	return true
}

// Owners returns the owners with at least one live request.
func (s *Scheduler) Owners() []string {
	out := make([]string, 0, len(s.owners))
	for owner := range s.owners {
		out = append(out, owner)
	}
	slices.Sort(out)
	return out
}

func (s *Scheduler) Request(id uuid.UUID) (*EventsRequest, bool) {
	r, ok := s.byID[id]
	return r, ok
}

func (s *Scheduler) Pending() int  { return len(s.pending) }
func (s *Scheduler) InFlight() int { return len(s.inFlight) }

// LastStepEvents returns the number of events the last step delivered.
func (s *Scheduler) LastStepEvents() int { return s.lastEvents }

// Restructure prepares the requests for a change of the traceset
// structure: in-flight requests go back to pending and exact start
// positions that no longer fit become start times.
func (s *Scheduler) Restructure() {
	for _, r := range slices.Clone(s.inFlight) {
		s.requeue(r, s.ts.Position())
	}
	for _, r := range s.pending {
		if r.StartPosition != nil {
			r.StartTime = r.StartPosition.Time()
			r.StartPosition = nil
		}
	}
	s.lastPos = nil
}

// finish removes r from every list. The after-request hook runs when notify
// is set.
func (s *Scheduler) finish(r *EventsRequest, reason Reason, notify bool) {
	s.pending = slices.DeleteFunc(s.pending, func(o *EventsRequest) bool { return o == r })
	s.inFlight = slices.DeleteFunc(s.inFlight, func(o *EventsRequest) bool { return o == r })
	delete(s.byID, r.ID)
	if ids, ok := s.owners[r.Owner]; ok {
		ids.Remove(r.ID)
		if ids.Cardinality() == 0 {
			delete(s.owners, r.Owner)
		}
	}
	r.state = stateDone
	if notify {
		r.afterRequest(reason)
	}
	s.metrics.ReportRequestDone(reason.String())
	logger.L().Debug("Scheduler - request done",
		helpers.String("owner", r.Owner),
		helpers.String("id", r.ID.String()),
		helpers.String("reason", reason.String()))
}

func (s *Scheduler) retire(r *EventsRequest, reason Reason) {
	s.finish(r, reason, true)
}

// requeue turns an in-flight request back into a pending one resuming at pos.
func (s *Scheduler) requeue(r *EventsRequest, pos traceset.Position) {
	s.inFlight = slices.DeleteFunc(s.inFlight, func(o *EventsRequest) bool { return o == r })
	r.StartPosition = pos.Clone()
	r.state = statePending
	s.pending = append(s.pending, r)
}

func (s *Scheduler) promote(r *EventsRequest) {
	s.pending = slices.DeleteFunc(s.pending, func(o *EventsRequest) bool { return o == r })
	r.state = stateInFlight
	s.inFlight = append(s.inFlight, r)
	r.beforeRequest()
	r.beforeChunk()
	r.register(s.ts.Traces())
}

func (s *Scheduler) traceNames() []string {
	names := make([]string, 0, s.ts.Len())
	for _, t := range s.ts.Traces() {
		names = append(names, t.Name())
	}
	return names
}

// Step serves one bounded chunk of events to the requests. Hooks called
// during the step find ctx in EventsRequest.Context.
func (s *Scheduler) Step(ctx context.Context) (Result, error) {
	for _, r := range slices.Concat(s.pending, s.inFlight) {
		r.ctx = ctx
	}
	res, err := s.step()
	s.metrics.ReportStep(res.String())
	return res, err
}

func (s *Scheduler) step() (Result, error) {
	s.lastEvents = 0
	if len(s.pending) == 0 && len(s.inFlight) == 0 {
		return Done, nil
	}
	if !s.ts.Healthy() {
		for _, r := range slices.Concat(s.inFlight, s.pending) {
			s.retire(r, EndOfTrace)
		}
		return Done, nil
	}
	names := s.traceNames()
	if !s.locks.TryLockAll(names) {
		return RetryLater, nil
	}
	defer s.locks.UnlockAll(names)
	s.ts.Resync()

	for _, r := range slices.Clone(s.pending) {
		if r.stop.Load() {
			s.finish(r, Completed, r.started)
		}
	}
	if len(s.inFlight) > 0 && s.mustRequeue() {
		pos := s.lastPos
		if pos == nil {
			pos = s.ts.Position()
		}
		for _, r := range slices.Clone(s.inFlight) {
			s.requeue(r, pos)
		}
	}

	var errs error
	if len(s.inFlight) == 0 {
		errs = s.startGroup()
	} else {
		for _, r := range s.inFlight {
			r.beforeChunk()
			r.register(s.ts.Traces())
		}
	}
	s.promoteAtCursor()

	if len(s.inFlight) > 0 {
		endTime, budget, endPos := s.horizon()
		n, err := s.ts.Process(endTime, budget, endPos)
		s.lastEvents = n
		errs = multierr.Append(errs, err)
		s.endChunk(n)
	}

	if s.cfg.CheckpointOnSuspend {
		s.ts.SaveCheckpoints()
	}
	s.lastPos = s.ts.Position()
	if errs != nil {
		logger.L().Warning("Scheduler - step failed", helpers.Error(errs))
	}
	if len(s.pending) == 0 && len(s.inFlight) == 0 {
		return Done, errs
	}
	return WorkRemains, errs
}

// mustRequeue reports whether the in-flight requests lost their cursor: it
// moved since the previous step, or a pending request needs a backward seek.
func (s *Scheduler) mustRequeue() bool {
	if s.lastPos != nil && !s.ts.At(s.lastPos) {
		logger.L().Debug("Scheduler - cursor moved between steps, requeueing in-flight requests")
		return true
	}
	for _, r := range s.pending {
		if r.behind(s.ts) {
			return true
		}
	}
	return false
}

// startGroup seeks to the earliest pending start and makes the requests
// starting there in flight.
func (s *Scheduler) startGroup() error {
	var byTime, byPos []*EventsRequest
	for _, r := range s.pending {
		if r.StartPosition == nil {
			switch {
			case len(byTime) == 0 || r.StartTime < byTime[0].StartTime:
				byTime = []*EventsRequest{r}
			case r.StartTime == byTime[0].StartTime:
				byTime = append(byTime, r)
			}
			continue
		}
		switch {
		case len(byPos) == 0 || r.StartPosition.Consumed() < byPos[0].StartPosition.Consumed():
			byPos = []*EventsRequest{r}
		case r.StartPosition.Equal(byPos[0].StartPosition):
			byPos = append(byPos, r)
		}
	}

	var group []*EventsRequest
	var err error
	if len(byPos) > 0 && (len(byTime) == 0 || byPos[0].StartPosition.Time() < byTime[0].StartTime) {
		group = byPos
		if pos := group[0].StartPosition; !s.ts.At(pos) {
			err = s.ts.SeekPosition(pos)
		}
	} else {
		group = byTime
		if t := group[0].StartTime; !s.ts.Covers(t) {
			err = s.ts.SeekTime(t)
		}
	}
	if err != nil {
		return err
	}
	for _, r := range group {
		s.promote(r)
	}
	return nil
}

// promoteAtCursor makes every pending request starting exactly at the cursor
// in flight.
func (s *Scheduler) promoteAtCursor() {
	for _, r := range slices.Clone(s.pending) {
		if r.startsAt(s.ts) {
			s.promote(r)
		}
	}
}

// horizon bounds the next chunk: it ends before the first in-flight end or
// the first pending start ahead of the cursor.
func (s *Scheduler) horizon() (event.Time, int, traceset.Position) {
	endTime := event.TimeInfinite
	budget := s.cfg.ChunkNumEvents
	var endPos traceset.Position
	minPos := func(p traceset.Position) {
		if endPos == nil || p.Consumed() < endPos.Consumed() {
			endPos = p
		}
	}
	for _, r := range s.inFlight {
		endTime = min(endTime, r.EndTime)
		if r.NumEvents != Unlimited {
			budget = min(budget, r.remaining)
		}
		if r.EndPosition != nil {
			minPos(r.EndPosition)
		}
	}
	last, seen := s.ts.LastTime()
	consumed := s.ts.Position().Consumed()
	for _, r := range s.pending {
		if r.StartPosition != nil {
			if r.StartPosition.Consumed() > consumed {
				minPos(r.StartPosition)
			}
			continue
		}
		if !seen || r.StartTime > last {
			endTime = min(endTime, r.StartTime)
		}
	}
	return endTime, budget, endPos
}

// endChunk closes the chunk of n events for every in-flight request and
// retires the finished ones.
func (s *Scheduler) endChunk(n int) {
	next := s.ts.NextTime()
	exhausted := s.ts.Exhausted()
	consumed := s.ts.Position().Consumed()
	for _, r := range slices.Clone(s.inFlight) {
		r.unregister()
		r.afterChunk()
		if r.NumEvents != Unlimited {
			r.remaining -= n
		}
		switch {
		case r.NumEvents != Unlimited && r.remaining <= 0,
			r.stop.Load(),
			!exhausted && next >= r.EndTime,
			r.EndPosition != nil && consumed >= r.EndPosition.Consumed():
			s.retire(r, Completed)
		}
	}
	if len(s.inFlight) == 0 || !exhausted {
		return
	}
	if s.ts.Live() {
		pos := s.ts.Position()
		for _, r := range slices.Clone(s.inFlight) {
			s.requeue(r, pos)
		}
		return
	}
	for _, r := range slices.Clone(s.inFlight) {
		s.retire(r, EndOfTrace)
	}
}

// CurrentCPU returns the CPU of the sub-stream of the event being delivered.
func (s *Scheduler) CurrentCPU() uint32 {
	return s.ts.CurrentCPU()
}

// CurrentTrace returns the trace of the event being delivered.
func (s *Scheduler) CurrentTrace() (*traceset.Trace, bool) {
	return s.ts.CurrentTrace()
}
