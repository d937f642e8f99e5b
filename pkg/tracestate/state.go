// Package tracestate reconstructs the state of the traced system from decoded
// kernel events: processes with their execution stacks, CPUs, interrupt
// lines, soft-IRQs, traps and block devices.
package tracestate

import (
	"github.com/kubescape/tracestate/pkg/event"
)

// TraceState is the root state of one trace. Names and UserTraces are trace
// level and survive Reset and Restore; everything else is rebuilt from events.
// Running holds the process running on each CPU and is never nil.
type TraceState struct {
	Names      *Names
	UserTraces *UserTraces
	Procs      *Registry
	Running    []*Process
	Resources  Resources
}

func New(numCPUs int) *TraceState {
	if numCPUs < 1 {
		numCPUs = 1
	}
	s := &TraceState{
		Names:      NewNames(),
		UserTraces: NewUserTraces(),
		Running:    make([]*Process, numCPUs),
	}
	s.Reset()
	return s
}

// Reset puts the state back to the start of the trace: only the idle task of
// each CPU exists and every resource is in its unknown mode.
func (s *TraceState) Reset() {
	n := len(s.Running)
	s.Procs = NewRegistry(s.UserTraces)
	s.Running = make([]*Process, n)
	s.Resources = newResources(n)
	for cpu := range s.Running {
		s.Running[cpu] = s.Procs.FindOrCreate(uint32(cpu), 0, event.TimeZero)
	}
}

func (s *TraceState) NumCPUs() int {
	return len(s.Running)
}

// RunningProcess returns the process running on cpu.
func (s *TraceState) RunningProcess(cpu uint32) *Process {
	if int(cpu) >= len(s.Running) {
		return nil
	}
	return s.Running[cpu]
}

// Process looks up pid as seen from cpu.
func (s *TraceState) Process(cpu uint32, pid uint64) *Process {
	return s.Procs.Find(cpu, pid)
}

// ensureCPU grows the per-CPU tables for events of a CPU beyond the declared
// count.
func (s *TraceState) ensureCPU(cpu uint32) {
	for uint32(len(s.Running)) <= cpu {
		next := uint32(len(s.Running))
		s.Running = append(s.Running, s.Procs.FindOrCreate(next, 0, event.TimeZero))
		s.Resources.CPUs = append(s.Resources.CPUs, newCPUState())
	}
}

// Snapshot is a deep copy of the event-derived part of a trace state.
// Running entries share pointers with Processes when the running process is
// registered.
type Snapshot struct {
	Processes []*Process
	Running   []*Process
	Resources Resources
}

// Snapshot copies the current state. The copy shares nothing with s.
func (s *TraceState) Snapshot() *Snapshot {
	return copyState(s.Procs.Processes(), s.Running, &s.Resources)
}

// Restore replaces the event-derived state with a copy of snap.
func (s *TraceState) Restore(snap *Snapshot) {
	c := copyState(snap.Processes, snap.Running, &snap.Resources)
	s.Procs = NewRegistry(s.UserTraces)
	for _, p := range c.Processes {
		s.Procs.Insert(p)
	}
	s.Running = c.Running
	s.Resources = c.Resources
}

// Clone returns an independent trace state sharing nothing mutable with s.
func (s *TraceState) Clone() *TraceState {
	c := &TraceState{
		Names:      s.Names.Clone(),
		UserTraces: s.UserTraces,
		Running:    make([]*Process, len(s.Running)),
	}
	c.Restore(s.Snapshot())
	return c
}

func copyState(procs, running []*Process, res *Resources) *Snapshot {
	copies := make(map[*Process]*Process, len(procs))
	snap := &Snapshot{
		Processes: make([]*Process, len(procs)),
		Running:   make([]*Process, len(running)),
		Resources: res.clone(),
	}
	for i, p := range procs {
		c := p.clone()
		copies[p] = c
		snap.Processes[i] = c
	}
	for cpu, p := range running {
		c, ok := copies[p]
		if !ok {
			c = p.clone()
			copies[p] = c
		}
		snap.Running[cpu] = c
	}
	return snap
}
