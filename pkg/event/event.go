// Package event holds the decoded trace event model consumed by the state
// engine: timestamps, field accessors, schema lookup and sub-stream cursors.
package event

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Time is a trace timestamp in nanoseconds.
type Time uint64

const (
	TimeZero     Time = 0
	TimeInfinite Time = math.MaxUint64
)

func (t Time) String() string {
	if t == TimeInfinite {
		return "inf"
	}
	return fmt.Sprintf("%d.%09d", uint64(t)/1e9, uint64(t)%1e9)
}

// ParseTime reads a time written by Time.String, or a plain count of
// nanoseconds.
func ParseTime(s string) (Time, error) {
	if s == "inf" {
		return TimeInfinite, nil
	}
	sec, frac, ok := strings.Cut(s, ".")
	if !ok {
		ns, err := strconv.ParseUint(s, 10, 64)
		return Time(ns), err
	}
	if len(frac) == 0 || len(frac) > 9 {
		return 0, fmt.Errorf("parse time %q: want at most 9 fractional digits", s)
	}
	secs, err := strconv.ParseUint(sec, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	ns, err := strconv.ParseUint(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	return Time(secs*1e9 + ns), nil
}

// Key identifies an event type inside a trace.
type Key struct {
	Channel string
	Name    string
}

func (k Key) String() string {
	return k.Channel + "." + k.Name
}

// Fields maps field names to decoded values.
type Fields map[string]any

// Event is one decoded trace record.
type Event struct {
	Time    Time   `json:"time"`
	CPU     uint32 `json:"cpu"`
	Channel string `json:"channel"`
	Name    string `json:"event"`
	Fields  Fields `json:"fields,omitempty"`
}

func (e *Event) Key() Key {
	return Key{Channel: e.Channel, Name: e.Name}
}

// Has reports whether the event carries the named field.
func (e *Event) Has(field string) bool {
	_, ok := e.Fields[field]
	return ok
}

// Uint returns the named field as an unsigned integer, zero when missing.
func (e *Event) Uint(field string) uint64 {
	switch v := e.Fields[field].(type) {
	case uint64:
		return v
	case uint32:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint8:
		return uint64(v)
	case uint:
		return uint64(v)
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case int32:
		return uint64(v)
	case float64:
		return uint64(v)
	case json.Number:
		if u, err := parseUint(v); err == nil {
			return u
		}
	}
	return 0
}

// Int returns the named field as a signed integer, zero when missing.
func (e *Event) Int(field string) int64 {
	switch v := e.Fields[field].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case uint:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return 0
}

// Str returns the named field as a string, empty when missing.
func (e *Event) Str(field string) string {
	switch v := e.Fields[field].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case []byte:
		return string(v)
	}
	return ""
}

func (e *Event) String() string {
	return fmt.Sprintf("[%s] cpu %d %s", e.Time, e.CPU, e.Key())
}

func parseUint(n json.Number) (uint64, error) {
	return strconv.ParseUint(n.String(), 10, 64)
}
