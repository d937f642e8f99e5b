package tracestate

import (
	"math"
	"sort"

	"github.com/kubescape/tracestate/pkg/event"
)

// AnyCPU is the CPU component of the registry key of every process but the
// per-CPU idle tasks.
const AnyCPU uint32 = math.MaxUint32

type ProcessKey struct {
	PID uint64
	CPU uint32
}

// KeyOf returns the registry key of pid seen on cpu. Pid 0 names the idle task
// of each CPU.
func KeyOf(cpu uint32, pid uint64) ProcessKey {
	if pid == 0 {
		return ProcessKey{PID: 0, CPU: cpu}
	}
	return ProcessKey{PID: pid, CPU: AnyCPU}
}

// Process is the state of one task. UserTrace names the per-pid user-space
// trace of the process, if any. FreeEvents counts release signals.
type Process struct {
	PID           uint64
	TGID          uint64
	PPID          uint64
	CPU           uint32
	Type          ProcessType
	Name          string
	Brand         string
	CreationTime  event.Time
	InsertionTime event.Time
	Stack         ExecutionStack
	User          UserStack
	UserTrace     string
	FreeEvents    int
}

func (p *Process) Key() ProcessKey {
	return KeyOf(p.CPU, p.PID)
}

func (p *Process) clone() *Process {
	c := *p
	c.Stack = p.Stack.clone()
	c.User = p.User.clone()
	return &c
}

// Registry indexes the processes of a trace.
type Registry struct {
	procs      map[ProcessKey]*Process
	userTraces *UserTraces
}

// NewRegistry creates an empty registry. New processes are linked to their
// user-space trace found in userTraces, which may be nil.
func NewRegistry(userTraces *UserTraces) *Registry {
	return &Registry{
		procs:      make(map[ProcessKey]*Process),
		userTraces: userTraces,
	}
}

func (r *Registry) Find(cpu uint32, pid uint64) *Process {
	return r.procs[KeyOf(cpu, pid)]
}

// FindOrCreate returns the process, creating one with an unknown birth and a
// single unknown frame when it is not registered.
func (r *Registry) FindOrCreate(cpu uint32, pid uint64, now event.Time) *Process {
	if p := r.Find(cpu, pid); p != nil {
		return p
	}
	p := &Process{
		PID:           pid,
		TGID:          pid,
		CPU:           cpu,
		InsertionTime: now,
		Stack:         NewExecutionStack(),
	}
	p.UserTrace, _ = r.userTraces.Find(pid, now)
	r.procs[p.Key()] = p
	return p
}

// Create registers a process born from parent at now. It starts in user mode
// waiting for its first schedule.
func (r *Registry) Create(parent *Process, cpu uint32, pid, tgid uint64, name string, now event.Time) *Process {
	p := &Process{
		PID:           pid,
		TGID:          tgid,
		CPU:           cpu,
		Name:          name,
		InsertionTime: now,
		Stack: NewExecutionStack(
			Frame{Mode: ModeUser, Submode: SubmodeNone, Status: StatusRun, Entry: now, Change: now},
			Frame{Mode: ModeSyscall, Submode: SubmodeNone, Status: StatusWaitFork, Entry: now, Change: now},
		),
	}
	if parent != nil {
		p.PPID = parent.PID
		p.CreationTime = now
	}
	p.UserTrace, _ = r.userTraces.Find(pid, now)
	r.procs[p.Key()] = p
	return p
}

// Release signals that the process is gone. Removal takes two signals, one
// from the schedule-out of a dead process and one from the free event, in
// either order. It reports whether the process was removed.
func (r *Registry) Release(p *Process) bool {
	if p.PID == 0 {
		return false
	}
	p.FreeEvents++
	if p.FreeEvents < 2 {
		return false
	}
	delete(r.procs, p.Key())
	return true
}

func (r *Registry) Len() int {
	return len(r.procs)
}

// Processes returns every registered process ordered by pid then cpu.
func (r *Registry) Processes() []*Process {
	out := make([]*Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PID != out[j].PID {
			return out[i].PID < out[j].PID
		}
		return out[i].CPU < out[j].CPU
	})
	return out
}

// Insert registers p under its key, replacing any process with that key.
func (r *Registry) Insert(p *Process) {
	r.procs[p.Key()] = p
}
