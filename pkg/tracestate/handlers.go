package tracestate

import (
	"strings"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/tracestate/pkg/event"
)

// Task states of the outgoing process of a schedule event.
const (
	taskRunning = 0
	exitDead    = 32
	taskDead    = 64
)

// running returns the process running on the CPU of ev.
func (s *TraceState) running(ev *event.Event) *Process {
	s.ensureCPU(ev.CPU)
	return s.Running[ev.CPU]
}

func (s *TraceState) cpuState(ev *event.Event) *CPUState {
	s.ensureCPU(ev.CPU)
	return &s.Resources.CPUs[ev.CPU]
}

func (s *TraceState) pushFrame(ev *event.Event, mode Mode, submode string) {
	s.running(ev).Stack.Push(mode, submode, ev.Time)
}

func (s *TraceState) popFrame(ev *event.Event, mode Mode) {
	p := s.running(ev)
	if p.Stack.Pop(mode, ev.Time) {
		return
	}
	logger.L().Debug("TraceState - execution stack pop ignored",
		helpers.String("event", ev.Key().String()),
		helpers.String("time", ev.Time.String()),
		helpers.Int("cpu", int(ev.CPU)),
		helpers.Int("pid", int(p.PID)),
		helpers.String("expected", mode.String()),
		helpers.String("top", p.Stack.Top().Mode.String()),
		helpers.Int("depth", p.Stack.Depth()))
}

func (s *TraceState) syscallEntry(ev *event.Event) error {
	if s.running(ev).PID == 0 {
		return nil
	}
	s.pushFrame(ev, ModeSyscall, s.Names.Resolve(SyscallNames, ev.Uint("syscall_id")))
	return nil
}

func (s *TraceState) syscallExit(ev *event.Event) error {
	if s.running(ev).PID == 0 {
		return nil
	}
	s.popFrame(ev, ModeSyscall)
	return nil
}

func (s *TraceState) trapEntry(ev *event.Event) error {
	id := ev.Uint("trap_id")
	s.pushFrame(ev, ModeTrap, s.Names.Resolve(TrapNames, id))
	cpu := s.cpuState(ev)
	cpu.Modes.Push(CPUTrap)
	cpu.LastTrap = int64(id)
	s.Resources.Trap(id).Running++
	return nil
}

func (s *TraceState) trapExit(ev *event.Event) error {
	s.popFrame(ev, ModeTrap)
	cpu := s.cpuState(ev)
	cpu.Modes.Pop(CPUUnknown)
	if cpu.LastTrap != NoID {
		if t := s.Resources.Trap(uint64(cpu.LastTrap)); t.Running > 0 {
			t.Running--
		}
	}
	return nil
}

func (s *TraceState) irqEntry(ev *event.Event) error {
	id := ev.Uint("irq_id")
	s.pushFrame(ev, ModeIRQ, s.Names.Resolve(IRQNames, id))
	cpu := s.cpuState(ev)
	cpu.Modes.Push(CPUIRQ)
	cpu.LastIRQ = int64(id)
	s.Resources.IRQ(id).Modes.Push(IRQBusy)
	return nil
}

func (s *TraceState) irqExit(ev *event.Event) error {
	s.popFrame(ev, ModeIRQ)
	cpu := s.cpuState(ev)
	cpu.Modes.Pop(CPUUnknown)
	if cpu.LastIRQ != NoID {
		s.Resources.IRQ(uint64(cpu.LastIRQ)).Modes.Pop(IRQUnknown)
	}
	return nil
}

func (s *TraceState) softIRQRaise(ev *event.Event) error {
	id := ev.Uint("softirq_id")
	s.Names.Table(SoftIRQNames).EnsureCapacity(id)
	s.Resources.SoftIRQ(id).Pending = 1
	return nil
}

func (s *TraceState) softIRQEntry(ev *event.Event) error {
	id := ev.Uint("softirq_id")
	s.pushFrame(ev, ModeSoftIRQ, s.Names.Resolve(SoftIRQNames, id))
	cpu := s.cpuState(ev)
	cpu.Modes.Push(CPUSoftIRQ)
	cpu.LastSoftIRQ = int64(id)
	sirq := s.Resources.SoftIRQ(id)
	if sirq.Pending > 0 {
		sirq.Pending--
	}
	sirq.Running++
	return nil
}

func (s *TraceState) softIRQExit(ev *event.Event) error {
	s.popFrame(ev, ModeSoftIRQ)
	cpu := s.cpuState(ev)
	if cpu.LastSoftIRQ != NoID {
		if sirq := s.Resources.SoftIRQ(uint64(cpu.LastSoftIRQ)); sirq.Running > 0 {
			sirq.Running--
		}
	}
	cpu.Modes.Pop(CPUUnknown)
	return nil
}

func (s *TraceState) schedSchedule(ev *event.Event) error {
	now := ev.Time
	prevPID := ev.Uint("prev_pid")
	nextPID := ev.Uint("next_pid")
	prevState := ev.Int("prev_state")

	out := s.running(ev)
	top := out.Stack.Top()
	if out.PID == 0 && top.Mode == ModeUnknown {
		if prevPID == 0 {
			// The idle task is known to wait in a syscall at its first
			// schedule-out.
			top.Mode = ModeSyscall
			top.Status = StatusWait
			top.Entry = now
			top.Change = now
		}
	} else {
		if top.Status == StatusExit {
			top.Status = StatusZombie
		} else if prevState == taskRunning {
			top.Status = StatusWaitCPU
		} else {
			top.Status = StatusWait
		}
		if now > top.Change {
			top.CumCPU += now - top.Change
		}
		top.Change = now
		if prevState == exitDead || prevState == taskDead {
			if !s.Procs.Release(out) {
				top.Status = StatusDead
			}
		}
	}

	in := s.Procs.FindOrCreate(ev.CPU, nextPID, now)
	s.Running[ev.CPU] = in
	in.CPU = ev.CPU
	in.Stack.Top().Status = StatusRun
	in.Stack.Top().Change = now

	cpu := s.cpuState(ev)
	if nextPID == 0 {
		cpu.Modes.SetBase(CPUIdle)
	} else {
		cpu.Modes.SetBase(CPUBusy)
		if in.Stack.Top().Mode == ModeTrap {
			cpu.Modes.Push(CPUTrap)
		}
	}
	return nil
}

func (s *TraceState) processFork(ev *event.Event) error {
	childPID := ev.Uint("child_pid")
	parent := s.running(ev)
	if child := s.Procs.Find(ev.CPU, childPID); child != nil {
		return &ForkCollisionError{
			PID:           childPID,
			CPU:           ev.CPU,
			CreationTime:  child.CreationTime,
			InsertionTime: child.InsertionTime,
			ForkTime:      ev.Time,
		}
	}
	child := s.Procs.Create(parent, ev.CPU, childPID, ev.Uint("child_tgid"), parent.Name, ev.Time)
	child.Brand = parent.Brand
	return nil
}

func (s *TraceState) kthreadCreate(ev *event.Event) error {
	p := s.Procs.FindOrCreate(ev.CPU, ev.Uint("pid"), event.TimeZero)
	if p.Stack.Top().Status != StatusDead {
		base := *p.Stack.Bottom()
		base.Mode = ModeSyscall
		p.Stack.SetBase(base)
	}
	p.Type = KernelThread
	return nil
}

func (s *TraceState) processExit(ev *event.Event) error {
	if p := s.Procs.Find(ev.CPU, ev.Uint("pid")); p != nil {
		p.Stack.Top().Status = StatusExit
	}
	return nil
}

func (s *TraceState) processFree(ev *event.Event) error {
	pid := ev.Uint("pid")
	if pid == 0 {
		logger.L().Debug("TraceState - free of the idle task ignored",
			helpers.String("time", ev.Time.String()))
		return nil
	}
	if p := s.Procs.Find(ev.CPU, pid); p != nil {
		s.Procs.Release(p)
	}
	return nil
}

func (s *TraceState) exec(ev *event.Event) error {
	p := s.running(ev)
	p.Name = ev.Str("filename")
	p.Brand = Unbranded
	return nil
}

func (s *TraceState) threadBrand(ev *event.Event) error {
	s.running(ev).Brand = ev.Str("name")
	return nil
}

func (s *TraceState) functionEntry(ev *event.Event) error {
	s.running(ev).User.PushFunction(ev.Uint("this_fn"))
	return nil
}

func (s *TraceState) functionExit(ev *event.Event) error {
	p := s.running(ev)
	fn := ev.Uint("this_fn")
	if !p.User.PopFunction(fn) {
		logger.L().Debug("TraceState - user function pop ignored",
			helpers.String("time", ev.Time.String()),
			helpers.Int("pid", int(p.PID)),
			helpers.Interface("function", fn),
			helpers.Interface("current", p.User.Current))
	}
	return nil
}

// parseProcessType accepts the enum label or its numeric value.
func parseProcessType(ev *event.Event) ProcessType {
	if label := ev.Str("type"); strings.Contains(strings.ToUpper(label), "KERNEL") {
		return KernelThread
	}
	if ev.Uint("type") == uint64(KernelThread) {
		return KernelThread
	}
	return UserThread
}

func (s *TraceState) processState(ev *event.Event) error {
	pid := ev.Uint("pid")
	parentPID := ev.Uint("parent_pid")
	name := ev.Str("name")
	tgid := ev.Uint("tgid")
	typ := parseProcessType(ev)

	if pid == 0 {
		for cpu := range s.Running {
			p := s.Procs.Find(uint32(cpu), 0)
			if p == nil {
				continue
			}
			p.PPID = parentPID
			p.TGID = tgid
			p.Name = name
			p.Type = KernelThread
		}
		return nil
	}

	p := s.Procs.Find(ev.CPU, pid)
	if p != nil {
		// Forked during the dump or scheduled in before it.
		p.PPID = parentPID
		p.TGID = tgid
		p.Name = name
		p.Type = typ
		return nil
	}
	parent := s.Procs.Find(ev.CPU, parentPID)
	p = s.Procs.Create(parent, ev.CPU, pid, tgid, name, ev.Time)
	p.Stack.SetBase(Frame{Mode: ModeUnknown, Submode: SubmodeUnknown, Status: StatusUnnamed, Entry: ev.Time, Change: ev.Time})
	p.Type = typ
	return nil
}

func (s *TraceState) statedumpEnd(ev *event.Event) error {
	now := ev.Time
	for _, p := range s.Procs.Processes() {
		fixProcess(p, now)
	}
	return nil
}

// fixProcess gives a plausible bottom frame to a process whose mode was
// still unknown at the end of the state dump.
func fixProcess(p *Process, now event.Time) {
	base := p.Stack.Bottom()
	if base.Mode != ModeUnknown {
		return
	}
	base.Submode = SubmodeNone
	base.Entry = now
	base.Change = now
	base.CumCPU = 0
	if p.Type == KernelThread {
		base.Mode = ModeSyscall
		if base.Status == StatusUnnamed {
			base.Status = StatusWait
		}
		return
	}
	base.Mode = ModeUser
	if base.Status == StatusUnnamed {
		base.Status = StatusRun
	}
	if p.Stack.Depth() == 1 {
		status := base.Status
		if status == StatusWaitFork {
			status = StatusWait
		}
		p.Stack.Frames = append(p.Stack.Frames, Frame{
			Mode:    ModeSyscall,
			Submode: SubmodeNone,
			Status:  status,
			Entry:   now,
			Change:  now,
		})
	}
}

func (s *TraceState) interrupt(ev *event.Event) error {
	s.Names.Table(IRQNames).Set(ev.Uint("irq_id"), ev.Str("action"))
	return nil
}

func (s *TraceState) syscallTable(ev *event.Event) error {
	s.Names.Table(SyscallNames).Set(ev.Uint("id"), ev.Str("symbol"))
	return nil
}

func (s *TraceState) softIRQVec(ev *event.Event) error {
	s.Names.Table(SoftIRQNames).Set(ev.Uint("id"), ev.Str("symbol"))
	return nil
}

func (s *TraceState) kprobeTable(ev *event.Event) error {
	s.Names.SetKprobe(ev.Uint("ip"), ev.Str("symbol"))
	return nil
}

func (s *TraceState) bdevIssue(ev *event.Event) error {
	mode := BdevWriting
	if ev.Uint("direction") == 0 {
		mode = BdevReading
	}
	s.Resources.Bdev(DevCode(ev.Uint("major"), ev.Uint("minor"))).Modes.Push(mode)
	return nil
}

func (s *TraceState) bdevComplete(ev *event.Event) error {
	s.Resources.Bdev(DevCode(ev.Uint("major"), ev.Uint("minor"))).Modes.Pop(BdevUnknown)
	return nil
}
