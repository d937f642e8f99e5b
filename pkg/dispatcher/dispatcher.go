// Package dispatcher routes decoded events to the hooks registered on a
// trace. State handlers always run before consumer hooks.
package dispatcher

import (
	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/tracestate/pkg/event"
)

// Priority orders handler groups at dispatch time.
type Priority uint8

const (
	StateUpdate Priority = iota
	Consumer
	numPriorities
)

func (p Priority) String() string {
	if p == StateUpdate {
		return "state"
	}
	return "consumer"
}

type Handler func(ev *event.Event) error

// Registration binds a handler to an event type. Empty Channel and Event make
// a catch-all registration. Fields lists the fields the handler needs.
type Registration struct {
	Channel  string
	Event    string
	Fields   []string
	Priority Priority
	Handler  Handler
}

func (r Registration) catchAll() bool {
	return r.Channel == "" && r.Event == ""
}

// ID identifies a registration for removal.
type ID uint64

type entry struct {
	id      ID
	handler Handler
}

type Dispatcher struct {
	schema   *event.Schema
	nextID   ID
	keyed    [numPriorities]map[event.Key][]entry
	catchAll [numPriorities][]entry
	index    map[ID]Registration
	skipped  int
}

// New creates a dispatcher checking registrations against schema. A nil
// schema accepts every registration.
func New(schema *event.Schema) *Dispatcher {
	d := &Dispatcher{
		schema: schema,
		index:  make(map[ID]Registration),
	}
	for p := range d.keyed {
		d.keyed[p] = make(map[event.Key][]entry)
	}
	return d
}

// Register adds a handler. Registrations for event types or fields absent
// from the schema are skipped and reported with ok false.
func (d *Dispatcher) Register(reg Registration) (id ID, ok bool) {
	if reg.Priority >= numPriorities {
		reg.Priority = Consumer
	}
	if !reg.catchAll() && d.schema != nil && !d.schema.Has(reg.Channel, reg.Event, reg.Fields...) {
		d.skipped++
		logger.L().Debug("Dispatcher - event type absent from trace, hook skipped",
			helpers.String("channel", reg.Channel),
			helpers.String("event", reg.Event),
			helpers.Interface("fields", reg.Fields))
		return 0, false
	}
	d.nextID++
	id = d.nextID
	e := entry{id: id, handler: reg.Handler}
	if reg.catchAll() {
		d.catchAll[reg.Priority] = append(d.catchAll[reg.Priority], e)
	} else {
		key := event.Key{Channel: reg.Channel, Name: reg.Event}
		d.keyed[reg.Priority][key] = append(d.keyed[reg.Priority][key], e)
	}
	d.index[id] = reg
	return id, true
}

// RegisterAll registers every handler and returns the ids of the ones kept.
func (d *Dispatcher) RegisterAll(regs []Registration) []ID {
	ids := make([]ID, 0, len(regs))
	for _, r := range regs {
		if id, ok := d.Register(r); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (d *Dispatcher) Unregister(id ID) bool {
	reg, ok := d.index[id]
	if !ok {
		return false
	}
	delete(d.index, id)
	if reg.catchAll() {
		d.catchAll[reg.Priority] = without(d.catchAll[reg.Priority], id)
		return true
	}
	key := event.Key{Channel: reg.Channel, Name: reg.Event}
	rest := without(d.keyed[reg.Priority][key], id)
	if len(rest) == 0 {
		delete(d.keyed[reg.Priority], key)
	} else {
		d.keyed[reg.Priority][key] = rest
	}
	return true
}

func (d *Dispatcher) UnregisterAll(ids []ID) {
	for _, id := range ids {
		d.Unregister(id)
	}
}

// Dispatch runs the state handlers then the consumer hooks bound to ev. The
// first handler error stops dispatch.
func (d *Dispatcher) Dispatch(ev *event.Event) error {
	for p := range numPriorities {
		if err := d.dispatch(p, ev); err != nil {
			return err
		}
	}
	return nil
}

// DispatchState runs the state handlers only. Seeks replay events this way.
func (d *Dispatcher) DispatchState(ev *event.Event) error {
	return d.dispatch(StateUpdate, ev)
}

func (d *Dispatcher) dispatch(p Priority, ev *event.Event) error {
	if err := d.run(d.keyed[p][ev.Key()], ev); err != nil {
		return err
	}
	return d.run(d.catchAll[p], ev)
}

// run calls the handlers of entries in order. A handler may unregister
// others while ev is dispatched; those are not called anymore.
func (d *Dispatcher) run(entries []entry, ev *event.Event) error {
	for _, e := range entries {
		if _, ok := d.index[e.id]; !ok {
			continue
		}
		if err := e.handler(ev); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of active registrations.
func (d *Dispatcher) Len() int {
	return len(d.index)
}

// Skipped returns how many registrations were dropped for absent event types.
func (d *Dispatcher) Skipped() int {
	return d.skipped
}

func without(entries []entry, id ID) []entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}
