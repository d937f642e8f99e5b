package traceset

import (
	"errors"
	"fmt"

	"github.com/kubescape/tracestate/pkg/event"
)

var (
	ErrTraceDisabled  = errors.New("trace is disabled")
	ErrDuplicateTrace = errors.New("trace already in traceset")
	ErrCPUMismatch    = errors.New("checkpoint file cpu count differs from trace")
)

// PositionMismatchError reports a seek to an exact position that the replay
// stepped over without matching it.
type PositionMismatchError struct {
	Trace   string
	Want    event.TracePosition
	Reached uint64
}

func (e *PositionMismatchError) Error() string {
	return fmt.Sprintf("trace %s: position %d events in is unreachable, replay stopped at %d",
		e.Trace, e.Want.Consumed(), e.Reached)
}

// TraceError ties a fatal error to the trace it disabled.
type TraceError struct {
	Trace string
	Err   error
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("trace %s: %v", e.Trace, e.Err)
}

func (e *TraceError) Unwrap() error {
	return e.Err
}
