package tracestate

import (
	"testing"

	"github.com/kubescape/tracestate/pkg/dispatcher"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kev(t event.Time, cpu uint32, name string, fields event.Fields) *event.Event {
	return &event.Event{Time: t, CPU: cpu, Channel: ChannelKernel, Name: name, Fields: fields}
}

func sched(t event.Time, cpu uint32, prev, next uint64, prevState int64) *event.Event {
	return kev(t, cpu, EventSchedule, event.Fields{"prev_pid": prev, "next_pid": next, "prev_state": prevState})
}

func newAttached(t *testing.T, numCPUs int) (*TraceState, *dispatcher.Dispatcher) {
	t.Helper()
	s := New(numCPUs)
	d := dispatcher.New(nil)
	require.Len(t, s.Attach(d), len(stateHooks))
	return s, d
}

func apply(t *testing.T, d *dispatcher.Dispatcher, events ...*event.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, d.Dispatch(ev), ev.String())
	}
}

func TestNameTable(t *testing.T) {
	n := NewNames()
	syscalls := n.Table(SyscallNames)
	assert.Equal(t, 256, syscalls.Len())
	assert.Equal(t, "syscall 7", n.Resolve(SyscallNames, 7))
	assert.Equal(t, "trap 14", n.Resolve(TrapNames, 14))
	assert.Equal(t, "irq 3", n.Resolve(IRQNames, 3))
	assert.Equal(t, "softirq 1", n.Resolve(SoftIRQNames, 1))

	// Growth doubles, or reaches id+1 for far ids
	assert.Equal(t, "syscall 300", n.Resolve(SyscallNames, 300))
	assert.Equal(t, 512, syscalls.Len())
	assert.Equal(t, "syscall 5000", n.Resolve(SyscallNames, 5000))
	assert.Equal(t, 5001, syscalls.Len())

	syscalls.Set(7, "sys_open")
	assert.Equal(t, "sys_open", n.Resolve(SyscallNames, 7))
	assert.False(t, syscalls.IsPlaceholder(7))
	assert.True(t, syscalls.IsPlaceholder(8))

	// Growing again never reverts a real name
	syscalls.EnsureCapacity(20000)
	assert.Equal(t, "sys_open", n.Resolve(SyscallNames, 7))
	assert.Equal(t, map[uint64]string{7: "sys_open"}, syscalls.Real())

	n.SetKprobe(0xffff0010, "do_fork")
	c := n.Clone()
	c.Table(SyscallNames).Set(8, "sys_close")
	c.SetKprobe(0xffff0020, "do_exit")
	assert.Equal(t, "syscall 8", n.Resolve(SyscallNames, 8))
	_, ok := n.Kprobe(0xffff0020)
	assert.False(t, ok)

	fresh := NewNames()
	fresh.Merge(c)
	assert.Equal(t, "sys_close", fresh.Resolve(SyscallNames, 8))
	sym, ok := fresh.Kprobe(0xffff0010)
	assert.True(t, ok)
	assert.Equal(t, "do_fork", sym)
}

func TestModeStack(t *testing.T) {
	s := NewModeStack(CPUIdle)
	s.Push(CPUIRQ)
	s.Push(CPUSoftIRQ)
	assert.Equal(t, CPUSoftIRQ, s.Top())
	assert.Equal(t, 3, s.Depth())

	s.Pop(CPUUnknown)
	s.Pop(CPUUnknown)
	assert.Equal(t, CPUIdle, s.Top())

	// Popping the base leaves an unknown base
	s.Pop(CPUUnknown)
	assert.Equal(t, []CPUMode{CPUUnknown}, s.Modes)
	s.Pop(CPUUnknown)
	assert.Equal(t, 1, s.Depth())

	s.Push(CPUTrap)
	s.SetBase(CPUBusy)
	assert.Equal(t, []CPUMode{CPUBusy}, s.Modes)
}

func TestExecutionStack(t *testing.T) {
	s := NewExecutionStack(Frame{Mode: ModeUser, Submode: SubmodeNone, Status: StatusRun})
	s.Push(ModeSyscall, "sys_read", 10)
	top := s.Top()
	assert.Equal(t, Frame{Mode: ModeSyscall, Submode: "sys_read", Status: StatusRun, Entry: 10, Change: 10}, *top)

	// Mismatched mode is ignored
	assert.False(t, s.Pop(ModeIRQ, 11))
	assert.Equal(t, 2, s.Depth())

	assert.True(t, s.Pop(ModeSyscall, 12))
	assert.Equal(t, event.Time(12), s.Top().Change)

	// The last frame is never popped
	assert.False(t, s.Pop(ModeUser, 13))
	assert.Equal(t, 1, s.Depth())
}

func TestUserStack(t *testing.T) {
	var u UserStack
	assert.False(t, u.PopFunction(0))

	u.PushFunction(0x10)
	u.PushFunction(0x20)
	assert.Equal(t, uint64(0x20), u.Current)

	assert.False(t, u.PopFunction(0x10))
	assert.True(t, u.PopFunction(0x20))
	assert.Equal(t, uint64(0x10), u.Current)
	assert.True(t, u.PopFunction(0x10))
	assert.Equal(t, uint64(0), u.Current)
	assert.Empty(t, u.Calls)
}

func TestRegistry(t *testing.T) {
	traces := NewUserTraces()
	traces.Add(7, UserTraceRef{Name: "ust_7_a", Created: 50})
	traces.Add(7, UserTraceRef{Name: "ust_7_b", Created: 5})
	r := NewRegistry(traces)

	idle0 := r.FindOrCreate(0, 0, 0)
	idle1 := r.FindOrCreate(1, 0, 0)
	assert.NotSame(t, idle0, idle1)
	assert.Same(t, idle0, r.Find(0, 0))

	p := r.FindOrCreate(0, 7, 3)
	assert.Same(t, p, r.Find(1, 7))
	assert.Equal(t, event.TimeZero, p.CreationTime)
	assert.Equal(t, event.Time(3), p.InsertionTime)
	assert.Equal(t, []Frame{{Mode: ModeUnknown, Submode: SubmodeUnknown, Status: StatusUnnamed}}, p.Stack.Frames)
	assert.Equal(t, "ust_7_b", p.UserTrace)

	child := r.Create(p, 1, 8, 8, "bash", 20)
	assert.Equal(t, uint64(7), child.PPID)
	assert.Equal(t, event.Time(20), child.CreationTime)
	assert.Equal(t, []Frame{
		{Mode: ModeUser, Submode: SubmodeNone, Status: StatusRun, Entry: 20, Change: 20},
		{Mode: ModeSyscall, Submode: SubmodeNone, Status: StatusWaitFork, Entry: 20, Change: 20},
	}, child.Stack.Frames)

	orphan := r.Create(nil, 0, 9, 9, "init", 30)
	assert.Equal(t, uint64(0), orphan.PPID)
	assert.Equal(t, event.TimeZero, orphan.CreationTime)

	assert.Equal(t, 5, r.Len())
	procs := r.Processes()
	require.Len(t, procs, 5)
	assert.Same(t, idle0, procs[0])
	assert.Same(t, idle1, procs[1])
}

func TestTwoPhaseRelease(t *testing.T) {
	for _, name := range []string{"schedule first", "free first"} {
		t.Run(name, func(t *testing.T) {
			s, d := newAttached(t, 1)
			apply(t, d, sched(1, 0, 0, 42, 0))

			events := []*event.Event{
				sched(5, 0, 42, 0, 64),
				kev(6, 0, "process_free", event.Fields{"pid": uint64(42)}),
			}
			if name == "free first" {
				events[0], events[1] = events[1], events[0]
				events[0].Time, events[1].Time = 5, 6
			}

			apply(t, d, events[0])
			p := s.Process(0, 42)
			require.NotNil(t, p, "a single signal keeps the process")
			if name == "schedule first" {
				assert.Equal(t, StatusDead, p.Stack.Top().Status)
			}

			apply(t, d, events[1])
			assert.Nil(t, s.Process(0, 42))
			// The idle task is never released
			assert.NotNil(t, s.Process(0, 0))
		})
	}
}

func TestTrapScenario(t *testing.T) {
	s, d := newAttached(t, 2)

	assert.Equal(t, uint64(0), s.RunningProcess(0).PID)
	apply(t, d, sched(10, 0, 0, 42, 0))
	p := s.RunningProcess(0)
	assert.Equal(t, uint64(42), p.PID)
	assert.Equal(t, StatusRun, p.Stack.Top().Status)
	assert.Equal(t, CPUBusy, s.Resources.CPUs[0].Modes.Top())

	idle := s.Process(0, 0)
	assert.Equal(t, Frame{Mode: ModeSyscall, Submode: SubmodeUnknown, Status: StatusWait, Entry: 10, Change: 10}, *idle.Stack.Top())

	apply(t, d, kev(12, 0, EventTrapEntry, event.Fields{"trap_id": uint64(14)}))
	apply(t, d, kev(13, 1, "softirq_raise", event.Fields{"softirq_id": uint64(1)}))
	top := s.RunningProcess(0).Stack.Top()
	assert.Equal(t, ModeTrap, top.Mode)
	assert.Equal(t, "trap 14", top.Submode)
	assert.Equal(t, []CPUMode{CPUBusy, CPUTrap}, s.Resources.CPUs[0].Modes.Modes)
	assert.Equal(t, int64(14), s.Resources.CPUs[0].LastTrap)
	assert.Equal(t, uint64(1), s.Resources.Traps[14].Running)

	apply(t, d, kev(15, 0, EventTrapExit, nil))
	assert.Equal(t, ModeUnknown, s.RunningProcess(0).Stack.Top().Mode)
	assert.Equal(t, uint64(0), s.Resources.Traps[14].Running)
	assert.Equal(t, []CPUMode{CPUBusy}, s.Resources.CPUs[0].Modes.Modes)

	apply(t, d, sched(20, 0, 42, 0, 1))
	assert.Equal(t, uint64(0), s.RunningProcess(0).PID)
	assert.Equal(t, StatusWait, p.Stack.Top().Status)
	assert.Equal(t, event.Time(5), p.Stack.Top().CumCPU)
	assert.Equal(t, CPUIdle, s.Resources.CPUs[0].Modes.Top())
}

func TestScheduleInDuringTrap(t *testing.T) {
	s, d := newAttached(t, 2)
	apply(t, d,
		sched(10, 0, 0, 42, 0),
		kev(12, 0, EventTrapEntry, event.Fields{"trap_id": uint64(14)}),
		sched(13, 0, 42, 0, 1),
		sched(14, 1, 0, 42, 0),
	)
	assert.Equal(t, uint32(1), s.Process(1, 42).CPU)
	assert.Equal(t, []CPUMode{CPUBusy, CPUTrap}, s.Resources.CPUs[1].Modes.Modes)
	assert.Equal(t, []CPUMode{CPUIdle}, s.Resources.CPUs[0].Modes.Modes)
}

func TestScheduleOutStatus(t *testing.T) {
	tests := []struct {
		name      string
		prevState int64
		exited    bool
		want      Status
	}{
		{name: "preempted", prevState: 0, want: StatusWaitCPU},
		{name: "blocked", prevState: 1, want: StatusWait},
		{name: "exited", prevState: 1, exited: true, want: StatusZombie},
		{name: "dead", prevState: 32, want: StatusDead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d := newAttached(t, 1)
			apply(t, d, sched(1, 0, 0, 42, 0))
			if tt.exited {
				apply(t, d, kev(2, 0, "process_exit", event.Fields{"pid": uint64(42)}))
			}
			apply(t, d, sched(3, 0, 42, 0, tt.prevState))
			assert.Equal(t, tt.want, s.Process(0, 42).Stack.Top().Status)
		})
	}
}

func TestForkCollision(t *testing.T) {
	s, d := newAttached(t, 1)
	apply(t, d, sched(1, 0, 0, 50, 0), sched(4, 0, 50, 100, 0))

	err := d.Dispatch(kev(5, 0, EventFork, event.Fields{"parent_pid": uint64(50), "child_pid": uint64(100)}))
	require.Error(t, err)
	var collision *ForkCollisionError
	require.ErrorAs(t, err, &collision)
	assert.Equal(t, uint64(100), collision.PID)
	assert.Equal(t, event.Time(4), collision.InsertionTime)
	assert.Equal(t, event.Time(5), collision.ForkTime)
	var handlerErr *HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Equal(t, EventFork, handlerErr.Key.Name)
	assert.NotNil(t, s.Process(0, 100))
}

func TestForkExecBrand(t *testing.T) {
	s, d := newAttached(t, 1)
	apply(t, d,
		sched(1, 0, 0, 50, 0),
		&event.Event{Time: 2, Channel: ChannelFS, Name: EventExec, Fields: event.Fields{"filename": "/bin/sh"}},
		&event.Event{Time: 3, Channel: ChannelUser, Name: "thread_brand", Fields: event.Fields{"name": "worker"}},
		kev(4, 0, EventFork, event.Fields{"parent_pid": uint64(50), "child_pid": uint64(51), "child_tgid": uint64(50)}),
	)
	child := s.Process(0, 51)
	require.NotNil(t, child)
	assert.Equal(t, "/bin/sh", child.Name)
	assert.Equal(t, "worker", child.Brand)
	assert.Equal(t, uint64(50), child.TGID)
	assert.Equal(t, uint64(50), child.PPID)

	apply(t, d, &event.Event{Time: 5, Channel: ChannelFS, Name: EventExec, Fields: event.Fields{"filename": "/bin/ls"}})
	parent := s.Process(0, 50)
	assert.Equal(t, "/bin/ls", parent.Name)
	assert.Equal(t, Unbranded, parent.Brand)
}

func TestSyscallsAndInterrupts(t *testing.T) {
	s, d := newAttached(t, 1)
	apply(t, d,
		&event.Event{Time: 1, Channel: ChannelSyscall, Name: "sys_call_table", Fields: event.Fields{"id": uint64(3), "address": uint64(0xc0de), "symbol": "sys_read"}},
		&event.Event{Time: 1, Channel: ChannelIRQ, Name: "interrupt", Fields: event.Fields{"action": "timer", "irq_id": uint64(0)}},
		// Syscalls of the idle task are not tracked
		kev(2, 0, EventSyscallEntry, event.Fields{"syscall_id": uint64(3)}),
		sched(3, 0, 0, 42, 0),
		kev(4, 0, EventSyscallEntry, event.Fields{"syscall_id": uint64(3)}),
		kev(5, 0, EventIRQEntry, event.Fields{"irq_id": uint64(0)}),
	)
	assert.Equal(t, 1, s.Process(0, 0).Stack.Depth())
	p := s.RunningProcess(0)
	require.Equal(t, 3, p.Stack.Depth())
	assert.Equal(t, "sys_read", p.Stack.Frames[1].Submode)
	assert.Equal(t, Frame{Mode: ModeIRQ, Submode: "timer", Status: StatusRun, Entry: 5, Change: 5}, *p.Stack.Top())
	assert.Equal(t, []IRQMode{IRQUnknown, IRQBusy}, s.Resources.IRQs[0].Modes.Modes)
	assert.Equal(t, []CPUMode{CPUBusy, CPUIRQ}, s.Resources.CPUs[0].Modes.Modes)

	apply(t, d,
		kev(6, 0, EventIRQExit, nil),
		// A stray exit is absorbed
		kev(7, 0, EventIRQExit, nil),
		kev(8, 0, EventSyscallExit, nil),
	)
	assert.Equal(t, 1, p.Stack.Depth())
	assert.Equal(t, event.Time(8), p.Stack.Top().Change)
	assert.Equal(t, []IRQMode{IRQUnknown}, s.Resources.IRQs[0].Modes.Modes)
	assert.Equal(t, []CPUMode{CPUUnknown}, s.Resources.CPUs[0].Modes.Modes)
}

func TestSoftIRQ(t *testing.T) {
	s, d := newAttached(t, 1)
	apply(t, d,
		&event.Event{Time: 1, Channel: ChannelSoftIRQ, Name: "softirq_vec", Fields: event.Fields{"id": uint64(1), "address": uint64(1), "symbol": "timer_softirq"}},
		kev(2, 0, "softirq_raise", event.Fields{"softirq_id": uint64(1)}),
	)
	assert.Equal(t, SoftIRQState{Pending: 1}, s.Resources.SoftIRQs[1])

	apply(t, d, kev(3, 0, "softirq_entry", event.Fields{"softirq_id": uint64(1)}))
	assert.Equal(t, SoftIRQState{Running: 1}, s.Resources.SoftIRQs[1])
	assert.Equal(t, "timer_softirq", s.RunningProcess(0).Stack.Top().Submode)
	assert.Equal(t, int64(1), s.Resources.CPUs[0].LastSoftIRQ)

	apply(t, d, kev(4, 0, "softirq_exit", nil))
	assert.Equal(t, SoftIRQState{}, s.Resources.SoftIRQs[1])

	// Far ids grow the tables
	apply(t, d, kev(5, 0, "softirq_raise", event.Fields{"softirq_id": uint64(700)}))
	assert.Equal(t, uint64(1), s.Resources.SoftIRQs[700].Pending)
	assert.Equal(t, "softirq 700", s.Names.Resolve(SoftIRQNames, 700))
}

func TestBlockDevices(t *testing.T) {
	s, d := newAttached(t, 1)
	dev := event.Fields{"major": uint64(8), "minor": uint64(1), "direction": uint64(0)}
	apply(t, d,
		&event.Event{Time: 1, Channel: ChannelBlock, Name: "_blk_request_issue", Fields: dev},
		&event.Event{Time: 2, Channel: ChannelBlock, Name: "_blk_request_issue", Fields: event.Fields{"major": uint64(8), "minor": uint64(1), "direction": uint64(1)}},
	)
	code := DevCode(8, 1)
	assert.Equal(t, uint64(8<<20|1), code)
	assert.Equal(t, []BdevMode{BdevUnknown, BdevReading, BdevWriting}, s.Resources.Bdevs[code].Modes.Modes)

	apply(t, d,
		&event.Event{Time: 3, Channel: ChannelBlock, Name: "_blk_request_complete", Fields: dev},
		&event.Event{Time: 4, Channel: ChannelBlock, Name: "_blk_request_complete", Fields: dev},
	)
	assert.Equal(t, []BdevMode{BdevUnknown}, s.Resources.Bdevs[code].Modes.Modes)
}

func TestStatedump(t *testing.T) {
	s, d := newAttached(t, 2)
	state := func(t event.Time, pid, ppid uint64, name, typ string) *event.Event {
		return &event.Event{Time: t, Channel: ChannelTask, Name: "process_state", Fields: event.Fields{
			"pid": pid, "parent_pid": ppid, "name": name, "type": typ,
			"mode": "USER_MODE", "submode": "NONE", "status": "WAIT", "tgid": pid,
		}}
	}
	apply(t, d,
		state(1, 0, 0, "swapper", "KERNEL_THREAD"),
		state(2, 1, 0, "init", "USER_THREAD"),
		state(3, 2, 0, "kthreadd", "KERNEL_THREAD"),
		state(4, 300, 1, "sshd", "USER_THREAD"),
	)
	for cpu := range uint32(2) {
		idle := s.Process(cpu, 0)
		assert.Equal(t, "swapper", idle.Name)
		assert.Equal(t, KernelThread, idle.Type)
	}
	sshd := s.Process(0, 300)
	assert.Equal(t, uint64(1), sshd.PPID)
	assert.Equal(t, []Frame{{Mode: ModeUnknown, Submode: SubmodeUnknown, Status: StatusUnnamed, Entry: 4, Change: 4}}, sshd.Stack.Frames)

	// An update keeps the stack of a known process
	apply(t, d, state(5, 300, 1, "sshd-session", "USER_THREAD"))
	assert.Equal(t, "sshd-session", sshd.Name)
	assert.Equal(t, 1, sshd.Stack.Depth())

	apply(t, d, &event.Event{Time: 10, Channel: ChannelGlobal, Name: EventStatedumpEnd})
	assert.Equal(t, []Frame{
		{Mode: ModeUser, Submode: SubmodeNone, Status: StatusRun, Entry: 10, Change: 10},
		{Mode: ModeSyscall, Submode: SubmodeNone, Status: StatusRun, Entry: 10, Change: 10},
	}, sshd.Stack.Frames)
	assert.Equal(t, []Frame{
		{Mode: ModeSyscall, Submode: SubmodeNone, Status: StatusWait, Entry: 10, Change: 10},
	}, s.Process(0, 2).Stack.Frames)
}

func TestKernelThreadCreate(t *testing.T) {
	s, d := newAttached(t, 1)
	apply(t, d,
		sched(1, 0, 0, 42, 0),
		kev(2, 0, EventSyscallEntry, event.Fields{"syscall_id": uint64(56)}),
		kev(3, 0, EventFork, event.Fields{"parent_pid": uint64(42), "child_pid": uint64(43)}),
		kev(4, 0, "kthread_create", event.Fields{"pid": uint64(43)}),
	)
	kt := s.Process(0, 43)
	assert.Equal(t, KernelThread, kt.Type)
	require.Equal(t, 1, kt.Stack.Depth())
	assert.Equal(t, ModeSyscall, kt.Stack.Top().Mode)
	assert.Equal(t, StatusRun, kt.Stack.Top().Status)
}

func TestUserFunctions(t *testing.T) {
	s, d := newAttached(t, 1)
	fn := func(t event.Time, name string, ptr uint64) *event.Event {
		return &event.Event{Time: t, Channel: ChannelUser, Name: name, Fields: event.Fields{"this_fn": ptr, "call_site": uint64(0)}}
	}
	apply(t, d,
		sched(1, 0, 0, 42, 0),
		fn(2, "function_entry", 0x400),
		fn(3, "function_entry", 0x500),
		fn(4, "function_exit", 0x400),
	)
	u := s.RunningProcess(0).User
	assert.Equal(t, []uint64{0x400, 0x500}, u.Calls)

	apply(t, d, fn(5, "function_exit", 0x500))
	assert.Equal(t, uint64(0x400), s.RunningProcess(0).User.Current)
}

func TestKprobeTable(t *testing.T) {
	s, d := newAttached(t, 1)
	apply(t, d, &event.Event{Time: 1, Channel: ChannelKprobe, Name: "kprobe_table", Fields: event.Fields{"ip": uint64(0xffff1000), "symbol": "vfs_read"}})
	sym, ok := s.Names.Kprobe(0xffff1000)
	assert.True(t, ok)
	assert.Equal(t, "vfs_read", sym)
}

func TestSnapshotRestore(t *testing.T) {
	s, d := newAttached(t, 2)
	apply(t, d,
		sched(1, 0, 0, 42, 0),
		kev(2, 0, EventIRQEntry, event.Fields{"irq_id": uint64(9)}),
		kev(3, 1, EventFork, event.Fields{"parent_pid": uint64(0), "child_pid": uint64(77)}),
	)
	snap := s.Snapshot()
	assert.Same(t, snap.Running[0], findByPID(snap.Processes, 42))

	apply(t, d,
		kev(4, 0, EventIRQExit, nil),
		sched(5, 0, 42, 77, 1),
	)
	assert.NotEqual(t, snap, s.Snapshot())

	s.Restore(snap)
	assert.Equal(t, snap, s.Snapshot())
	assert.Equal(t, uint64(42), s.RunningProcess(0).PID)
	assert.Same(t, s.RunningProcess(0), s.Process(0, 42))

	// Mutating the restored state leaves the snapshot untouched
	s.RunningProcess(0).Name = "changed"
	assert.Equal(t, Unnamed, findByPID(snap.Processes, 42).Name)

	// Names survive a reset
	s.Names.Table(IRQNames).Set(9, "eth0")
	s.Reset()
	assert.Equal(t, "eth0", s.Names.Resolve(IRQNames, 9))
	assert.Equal(t, 2, s.Procs.Len())
	assert.Equal(t, New(2).Snapshot(), s.Snapshot())
}

func TestSnapshotKeepsReleasedRunningProcess(t *testing.T) {
	s, d := newAttached(t, 2)
	apply(t, d,
		sched(1, 0, 0, 42, 0),
		sched(2, 1, 0, 43, 0),
		// 43 frees 42 while 42 still runs on cpu 0
		kev(3, 1, "process_exit", event.Fields{"pid": uint64(42)}),
		kev(4, 1, "process_free", event.Fields{"pid": uint64(42)}),
		kev(5, 1, "process_free", event.Fields{"pid": uint64(42)}),
	)
	assert.Nil(t, s.Process(0, 42))
	assert.Equal(t, uint64(42), s.RunningProcess(0).PID)

	c := s.Clone()
	assert.Equal(t, uint64(42), c.RunningProcess(0).PID)
	assert.Equal(t, s.Snapshot(), c.Snapshot())
}

func findByPID(procs []*Process, pid uint64) *Process {
	for _, p := range procs {
		if p.PID == pid {
			return p
		}
	}
	return nil
}
