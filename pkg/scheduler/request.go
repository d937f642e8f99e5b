package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/kubescape/tracestate/pkg/dispatcher"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/traceset"
)

// Unlimited leaves the event count of a request unbounded.
const Unlimited = -1

// Reason tells an after-request hook why its request ended.
type Reason uint8

const (
	Completed Reason = iota
	Canceled
	EndOfTrace
)

func (r Reason) String() string {
	switch r {
	case Completed:
		return "completed"
	case Canceled:
		return "canceled"
	case EndOfTrace:
		return "end_of_trace"
	}
	return "unknown"
}

type requestState uint8

const (
	statePending requestState = iota
	stateInFlight
	stateDone
)

// EventHook receives the events of one type.
type EventHook struct {
	Channel string
	Event   string
	Fields  []string
	Handler dispatcher.Handler
}

// Hooks are the callbacks of a request. Every field is optional.
type Hooks struct {
	BeforeRequest func(r *EventsRequest)
	BeforeChunk   func(r *EventsRequest)
	Event         dispatcher.Handler
	ByType        []EventHook
	AfterChunk    func(r *EventsRequest)
	AfterRequest  func(r *EventsRequest, reason Reason)
}

// EventsRequest asks for the events in a window of the traceset. The window
// starts at StartPosition when set, else at StartTime, and ends before
// EndTime, at EndPosition or after NumEvents events, whichever comes first.
type EventsRequest struct {
	ID            uuid.UUID
	Owner         string
	StartTime     event.Time
	StartPosition traceset.Position
	EndTime       event.Time
	EndPosition   traceset.Position
	NumEvents     int
	Hooks         Hooks

	ctx       context.Context
	state     requestState
	started   bool
	stop      atomic.Bool
	remaining int
	hooks     []hookRef
}

type hookRef struct {
	trace *traceset.Trace
	id    dispatcher.ID
}

// NewEventsRequest returns an unbounded request starting at the beginning of
// the traceset.
func NewEventsRequest(owner string, hooks Hooks) *EventsRequest {
	return &EventsRequest{
		Owner:     owner,
		EndTime:   event.TimeInfinite,
		NumEvents: Unlimited,
		Hooks:     hooks,
	}
}

// Stop asks the scheduler to end the request after the current chunk.
func (r *EventsRequest) Stop() {
	r.stop.Store(true)
}

// Remaining returns how many events the request may still receive, or
// Unlimited.
func (r *EventsRequest) Remaining() int {
	if r.NumEvents == Unlimited {
		return Unlimited
	}
	return r.remaining
}

// Context returns the context of the step calling the hooks of the request.
func (r *EventsRequest) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *EventsRequest) Pending() bool  { return r.state == statePending }
func (r *EventsRequest) InFlight() bool { return r.state == stateInFlight }
func (r *EventsRequest) Done() bool     { return r.state == stateDone }

func (r *EventsRequest) beforeRequest() {
	if r.started {
		return
	}
	r.started = true
	if r.Hooks.BeforeRequest != nil {
		r.Hooks.BeforeRequest(r)
	}
}

func (r *EventsRequest) beforeChunk() {
	if r.Hooks.BeforeChunk != nil {
		r.Hooks.BeforeChunk(r)
	}
}

func (r *EventsRequest) afterChunk() {
	if r.Hooks.AfterChunk != nil {
		r.Hooks.AfterChunk(r)
	}
}

func (r *EventsRequest) afterRequest(reason Reason) {
	if r.Hooks.AfterRequest != nil {
		r.Hooks.AfterRequest(r, reason)
	}
}

// register binds the event hooks of r to the dispatcher of every healthy
// trace.
func (r *EventsRequest) register(traces []*traceset.Trace) {
	for _, t := range traces {
		if !t.Healthy() {
			continue
		}
		d := t.Dispatcher()
		if r.Hooks.Event != nil {
			id, _ := d.Register(dispatcher.Registration{Priority: dispatcher.Consumer, Handler: r.Hooks.Event})
			r.hooks = append(r.hooks, hookRef{trace: t, id: id})
		}
		for _, h := range r.Hooks.ByType {
			id, ok := d.Register(dispatcher.Registration{
				Channel:  h.Channel,
				Event:    h.Event,
				Fields:   h.Fields,
				Priority: dispatcher.Consumer,
				Handler:  h.Handler,
			})
			if ok {
				r.hooks = append(r.hooks, hookRef{trace: t, id: id})
			}
		}
	}
}

func (r *EventsRequest) unregister() {
	for _, h := range r.hooks {
		h.trace.Dispatcher().Unregister(h.id)
	}
	r.hooks = r.hooks[:0]
}

// startsAt reports whether the request starts exactly at the cursor.
func (r *EventsRequest) startsAt(ts *traceset.Traceset) bool {
	if r.StartPosition != nil {
		return ts.At(r.StartPosition)
	}
	return ts.Covers(r.StartTime)
}

// behind reports whether reaching the start of the request needs a backward
// seek.
func (r *EventsRequest) behind(ts *traceset.Traceset) bool {
	if r.StartPosition != nil {
		return !ts.At(r.StartPosition) && r.StartPosition.Consumed() < ts.Position().Consumed()
	}
	last, ok := ts.LastTime()
	return ok && r.StartTime <= last
}
