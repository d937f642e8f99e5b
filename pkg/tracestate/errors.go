package tracestate

import (
	"fmt"

	"github.com/kubescape/tracestate/pkg/event"
)

// ForkCollisionError reports a fork whose child pid is still registered,
// which means the trace clocks are not synchronized.
type ForkCollisionError struct {
	PID           uint64
	CPU           uint32
	CreationTime  event.Time
	InsertionTime event.Time
	ForkTime      event.Time
}

func (e *ForkCollisionError) Error() string {
	return fmt.Sprintf("process %d created at [%s] and inserted at [%s] before fork on cpu %d [%s]: unsynchronized trace clocks",
		e.PID, e.CreationTime, e.InsertionTime, e.CPU, e.ForkTime)
}

// HandlerError wraps the failure of a state handler with the event it was
// processing.
type HandlerError struct {
	Key  event.Key
	Time event.Time
	CPU  uint32
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("state handler %s at [%s] on cpu %d: %v", e.Key, e.Time, e.CPU, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
