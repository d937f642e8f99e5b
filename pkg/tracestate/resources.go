package tracestate

// NoID marks a CPU that has not served an IRQ, soft-IRQ or trap yet.
const NoID int64 = -1

type CPUState struct {
	Modes       ModeStack[CPUMode]
	LastIRQ     int64
	LastSoftIRQ int64
	LastTrap    int64
}

func newCPUState() CPUState {
	return CPUState{
		Modes:       NewModeStack(CPUUnknown),
		LastIRQ:     NoID,
		LastSoftIRQ: NoID,
		LastTrap:    NoID,
	}
}

type IRQState struct {
	Modes ModeStack[IRQMode]
}

type SoftIRQState struct {
	Pending uint64
	Running uint64
}

type TrapState struct {
	Running uint64
}

type BdevState struct {
	Modes ModeStack[BdevMode]
}

// DevCode builds the block device key the way the kernel MKDEV macro does.
func DevCode(major, minor uint64) uint64 {
	return major<<20 | minor
}

// Resources holds the per-trace resource tables.
type Resources struct {
	CPUs     []CPUState
	IRQs     []IRQState
	SoftIRQs []SoftIRQState
	Traps    []TrapState
	Bdevs    map[uint64]*BdevState
}

func newResources(numCPUs int) Resources {
	r := Resources{
		CPUs:  make([]CPUState, numCPUs),
		Bdevs: make(map[uint64]*BdevState),
	}
	for i := range r.CPUs {
		r.CPUs[i] = newCPUState()
	}
	r.IRQs = make([]IRQState, initialNameTableSize)
	for i := range r.IRQs {
		r.IRQs[i] = IRQState{Modes: NewModeStack(IRQUnknown)}
	}
	r.SoftIRQs = make([]SoftIRQState, initialNameTableSize)
	r.Traps = make([]TrapState, initialNameTableSize)
	return r
}

// grownLen follows the growth rule of the name tables.
func grownLen(n int, id uint64) int {
	return int(max(id+1, uint64(n)*2))
}

// IRQ returns the state of an interrupt line, growing the table when needed.
func (r *Resources) IRQ(id uint64) *IRQState {
	if uint64(len(r.IRQs)) <= id {
		for i := grownLen(len(r.IRQs), id) - len(r.IRQs); i > 0; i-- {
			r.IRQs = append(r.IRQs, IRQState{Modes: NewModeStack(IRQUnknown)})
		}
	}
	return &r.IRQs[id]
}

func (r *Resources) SoftIRQ(id uint64) *SoftIRQState {
	if uint64(len(r.SoftIRQs)) <= id {
		r.SoftIRQs = append(r.SoftIRQs, make([]SoftIRQState, grownLen(len(r.SoftIRQs), id)-len(r.SoftIRQs))...)
	}
	return &r.SoftIRQs[id]
}

func (r *Resources) Trap(id uint64) *TrapState {
	if uint64(len(r.Traps)) <= id {
		r.Traps = append(r.Traps, make([]TrapState, grownLen(len(r.Traps), id)-len(r.Traps))...)
	}
	return &r.Traps[id]
}

// Bdev returns the state of a block device, creating it with an unknown mode.
func (r *Resources) Bdev(devcode uint64) *BdevState {
	b, ok := r.Bdevs[devcode]
	if !ok {
		b = &BdevState{Modes: NewModeStack(BdevUnknown)}
		r.Bdevs[devcode] = b
	}
	return b
}

func (r *Resources) clone() Resources {
	c := Resources{
		CPUs:     make([]CPUState, len(r.CPUs)),
		IRQs:     make([]IRQState, len(r.IRQs)),
		SoftIRQs: append([]SoftIRQState(nil), r.SoftIRQs...),
		Traps:    append([]TrapState(nil), r.Traps...),
		Bdevs:    make(map[uint64]*BdevState, len(r.Bdevs)),
	}
	for i, cpu := range r.CPUs {
		cpu.Modes = cpu.Modes.clone()
		c.CPUs[i] = cpu
	}
	for i, irq := range r.IRQs {
		c.IRQs[i] = IRQState{Modes: irq.Modes.clone()}
	}
	for dev, b := range r.Bdevs {
		c.Bdevs[dev] = &BdevState{Modes: b.Modes.clone()}
	}
	return c
}
