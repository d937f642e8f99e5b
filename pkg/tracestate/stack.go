package tracestate

import "github.com/kubescape/tracestate/pkg/event"

// ModeStack is the mode stack of a resource. The bottom entry is the base
// mode; popping the base resets it to the unknown mode.
type ModeStack[M ~uint8] struct {
	Modes []M
}

func NewModeStack[M ~uint8](base M) ModeStack[M] {
	return ModeStack[M]{Modes: []M{base}}
}

func (s *ModeStack[M]) Push(m M) {
	s.Modes = append(s.Modes, m)
}

// Pop removes the top mode. At depth one the base becomes unknown.
func (s *ModeStack[M]) Pop(unknown M) {
	if len(s.Modes) <= 1 {
		s.Modes = []M{unknown}
		return
	}
	s.Modes = s.Modes[:len(s.Modes)-1]
}

// SetBase truncates the stack to a single mode.
func (s *ModeStack[M]) SetBase(m M) {
	s.Modes = []M{m}
}

func (s *ModeStack[M]) Top() M {
	if len(s.Modes) == 0 {
		var zero M
		return zero
	}
	return s.Modes[len(s.Modes)-1]
}

func (s *ModeStack[M]) Depth() int {
	return len(s.Modes)
}

func (s ModeStack[M]) clone() ModeStack[M] {
	return ModeStack[M]{Modes: append([]M(nil), s.Modes...)}
}

// Frame is one execution context of a process.
type Frame struct {
	Mode    Mode
	Submode string
	Status  Status
	Entry   event.Time
	Change  event.Time
	CumCPU  event.Time
}

// ExecutionStack is the stack of nested execution contexts of a process.
// It always holds at least one frame.
type ExecutionStack struct {
	Frames []Frame
}

func NewExecutionStack(frames ...Frame) ExecutionStack {
	if len(frames) == 0 {
		frames = []Frame{{Mode: ModeUnknown, Submode: SubmodeUnknown, Status: StatusUnnamed}}
	}
	return ExecutionStack{Frames: frames}
}

// Top returns the current frame.
func (s *ExecutionStack) Top() *Frame {
	return &s.Frames[len(s.Frames)-1]
}

// Bottom returns the base frame.
func (s *ExecutionStack) Bottom() *Frame {
	return &s.Frames[0]
}

func (s *ExecutionStack) Depth() int {
	return len(s.Frames)
}

// Push enters a nested context. The new frame inherits the status of the
// frame it interrupts.
func (s *ExecutionStack) Push(mode Mode, submode string, now event.Time) {
	status := s.Top().Status
	s.Frames = append(s.Frames, Frame{
		Mode:    mode,
		Submode: submode,
		Status:  status,
		Entry:   now,
		Change:  now,
	})
}

// Pop leaves the current context. It returns false and leaves the stack
// untouched when the top frame is not in mode or is the last frame.
func (s *ExecutionStack) Pop(mode Mode, now event.Time) bool {
	if s.Top().Mode != mode || len(s.Frames) == 1 {
		return false
	}
	s.Frames = s.Frames[:len(s.Frames)-1]
	s.Top().Change = now
	return true
}

// SetBase truncates the stack to the given single frame.
func (s *ExecutionStack) SetBase(f Frame) {
	s.Frames = []Frame{f}
}

func (s ExecutionStack) clone() ExecutionStack {
	return ExecutionStack{Frames: append([]Frame(nil), s.Frames...)}
}

// UserStack is the user-space function call stack of a process.
type UserStack struct {
	Calls   []uint64
	Current uint64
}

func (u *UserStack) PushFunction(ptr uint64) {
	u.Calls = append(u.Calls, ptr)
	u.Current = ptr
}

// PopFunction returns from ptr. It returns false when ptr is not the current
// function or the stack is empty.
func (u *UserStack) PopFunction(ptr uint64) bool {
	if len(u.Calls) == 0 || ptr != u.Current {
		return false
	}
	u.Calls = u.Calls[:len(u.Calls)-1]
	if len(u.Calls) == 0 {
		u.Current = 0
	} else {
		u.Current = u.Calls[len(u.Calls)-1]
	}
	return true
}

func (u UserStack) clone() UserStack {
	if len(u.Calls) == 0 {
		return UserStack{Current: u.Current}
	}
	return UserStack{Calls: append([]uint64(nil), u.Calls...), Current: u.Current}
}
