package event

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Schema records which event types a trace declares and the fields each one
// carries. Handlers registered for absent types are skipped by the dispatcher.
type Schema struct {
	events map[Key]mapset.Set[string]
}

func NewSchema() *Schema {
	return &Schema{events: make(map[Key]mapset.Set[string])}
}

// Declare adds an event type and its fields to the schema.
func (s *Schema) Declare(channel, name string, fields ...string) {
	key := Key{Channel: channel, Name: name}
	set, ok := s.events[key]
	if !ok {
		set = mapset.NewSet[string]()
		s.events[key] = set
	}
	for _, f := range fields {
		set.Add(f)
	}
}

// Observe declares the type and fields of a decoded event.
func (s *Schema) Observe(ev *Event) {
	fields := make([]string, 0, len(ev.Fields))
	for f := range ev.Fields {
		fields = append(fields, f)
	}
	s.Declare(ev.Channel, ev.Name, fields...)
}

// Has reports whether the event type exists and carries every listed field.
func (s *Schema) Has(channel, name string, fields ...string) bool {
	set, ok := s.events[Key{Channel: channel, Name: name}]
	if !ok {
		return false
	}
	if len(fields) == 0 {
		return true
	}
	return set.Contains(fields...)
}

// Keys returns the declared event types in a stable order.
func (s *Schema) Keys() []Key {
	keys := make([]Key, 0, len(s.events))
	for k := range s.events {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Channel != keys[j].Channel {
			return keys[i].Channel < keys[j].Channel
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

func (s *Schema) Len() int {
	return len(s.events)
}
