package tracestate

import (
	"github.com/kubescape/tracestate/pkg/dispatcher"
	"github.com/kubescape/tracestate/pkg/event"
)

// Channels of the events the state handlers consume.
const (
	ChannelKernel  = "kernel"
	ChannelFS      = "fs"
	ChannelUser    = "userspace"
	ChannelTask    = "task_state"
	ChannelGlobal  = "global_state"
	ChannelIRQ     = "irq_state"
	ChannelSyscall = "syscall_state"
	ChannelSoftIRQ = "softirq_state"
	ChannelKprobe  = "kprobe_state"
	ChannelBlock   = "block"
)

const (
	EventSyscallEntry = "syscall_entry"
	EventSyscallExit  = "syscall_exit"
	EventTrapEntry    = "trap_entry"
	EventTrapExit     = "trap_exit"
	EventIRQEntry     = "irq_entry"
	EventIRQExit      = "irq_exit"
	EventSchedule     = "sched_schedule"
	EventFork         = "process_fork"
	EventExec         = "exec"
	EventStatedumpEnd = "statedump_end"
)

type hook struct {
	channel string
	event   string
	fields  []string
	handle  func(s *TraceState, ev *event.Event) error
}

var stateHooks = []hook{
	{ChannelKernel, EventSyscallEntry, []string{"syscall_id"}, (*TraceState).syscallEntry},
	{ChannelKernel, EventSyscallExit, nil, (*TraceState).syscallExit},
	{ChannelKernel, EventTrapEntry, []string{"trap_id"}, (*TraceState).trapEntry},
	{ChannelKernel, EventTrapExit, nil, (*TraceState).trapExit},
	{ChannelKernel, "page_fault_entry", []string{"trap_id"}, (*TraceState).trapEntry},
	{ChannelKernel, "page_fault_exit", nil, (*TraceState).trapExit},
	{ChannelKernel, "page_fault_nosem_entry", []string{"trap_id"}, (*TraceState).trapEntry},
	{ChannelKernel, "page_fault_nosem_exit", nil, (*TraceState).trapExit},
	{ChannelKernel, EventIRQEntry, []string{"irq_id"}, (*TraceState).irqEntry},
	{ChannelKernel, EventIRQExit, nil, (*TraceState).irqExit},
	{ChannelKernel, "softirq_raise", []string{"softirq_id"}, (*TraceState).softIRQRaise},
	{ChannelKernel, "softirq_entry", []string{"softirq_id"}, (*TraceState).softIRQEntry},
	{ChannelKernel, "softirq_exit", nil, (*TraceState).softIRQExit},
	{ChannelKernel, EventSchedule, []string{"prev_pid", "next_pid", "prev_state"}, (*TraceState).schedSchedule},
	{ChannelKernel, EventFork, []string{"parent_pid", "child_pid"}, (*TraceState).processFork},
	{ChannelKernel, "kthread_create", []string{"pid"}, (*TraceState).kthreadCreate},
	{ChannelKernel, "process_exit", []string{"pid"}, (*TraceState).processExit},
	{ChannelKernel, "process_free", []string{"pid"}, (*TraceState).processFree},
	{ChannelFS, EventExec, []string{"filename"}, (*TraceState).exec},
	{ChannelUser, "thread_brand", []string{"name"}, (*TraceState).threadBrand},
	{ChannelUser, "function_entry", []string{"this_fn", "call_site"}, (*TraceState).functionEntry},
	{ChannelUser, "function_exit", []string{"this_fn", "call_site"}, (*TraceState).functionExit},
	{ChannelTask, "process_state", []string{"pid", "parent_pid", "name", "type"}, (*TraceState).processState},
	{ChannelGlobal, EventStatedumpEnd, nil, (*TraceState).statedumpEnd},
	{ChannelIRQ, "interrupt", []string{"action", "irq_id"}, (*TraceState).interrupt},
	{ChannelSyscall, "sys_call_table", []string{"id", "address", "symbol"}, (*TraceState).syscallTable},
	{ChannelSoftIRQ, "softirq_vec", []string{"id", "address", "symbol"}, (*TraceState).softIRQVec},
	{ChannelKprobe, "kprobe_table", []string{"ip", "symbol"}, (*TraceState).kprobeTable},
	{ChannelBlock, "_blk_request_issue", []string{"major", "minor", "direction"}, (*TraceState).bdevIssue},
	{ChannelBlock, "_blk_request_complete", []string{"major", "minor", "direction"}, (*TraceState).bdevComplete},
}

// Registrations returns the state handlers of s, ready to be registered on a
// dispatcher. Handler failures are wrapped in a HandlerError.
func (s *TraceState) Registrations() []dispatcher.Registration {
	regs := make([]dispatcher.Registration, 0, len(stateHooks))
	for _, h := range stateHooks {
		handle := h.handle
		regs = append(regs, dispatcher.Registration{
			Channel:  h.channel,
			Event:    h.event,
			Fields:   h.fields,
			Priority: dispatcher.StateUpdate,
			Handler: func(ev *event.Event) error {
				if err := handle(s, ev); err != nil {
					return &HandlerError{Key: ev.Key(), Time: ev.Time, CPU: ev.CPU, Err: err}
				}
				return nil
			},
		})
	}
	return regs
}

// Attach registers the state handlers of s on d and returns the ids kept.
func (s *TraceState) Attach(d *dispatcher.Dispatcher) []dispatcher.ID {
	return d.RegisterAll(s.Registrations())
}
