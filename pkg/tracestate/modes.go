package tracestate

// Mode is the execution mode of a process stack frame.
type Mode uint8

const (
	ModeUnknown Mode = iota
	ModeUser
	ModeSyscall
	ModeTrap
	ModeIRQ
	ModeSoftIRQ
)

var modeNames = [...]string{"MODE_UNKNOWN", "USER_MODE", "SYSCALL", "TRAP", "IRQ", "SOFTIRQ"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "MODE_INVALID"
}

// Status is the scheduling status of a process stack frame.
type Status uint8

const (
	StatusUnnamed Status = iota
	StatusWaitFork
	StatusWaitCPU
	StatusExit
	StatusZombie
	StatusWait
	StatusRun
	StatusDead
)

var statusNames = [...]string{"UNNAMED", "WAIT_FORK", "WAIT_CPU", "EXIT", "ZOMBIE", "WAIT", "RUN", "DEAD"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "STATUS_INVALID"
}

// ProcessType tells user threads from kernel threads.
type ProcessType uint8

const (
	UserThread ProcessType = iota
	KernelThread
)

func (t ProcessType) String() string {
	if t == KernelThread {
		return "KERNEL_THREAD"
	}
	return "USER_THREAD"
}

// Submodes that are not taken from the name tables.
const (
	SubmodeNone    = "NONE"
	SubmodeUnknown = "UNKNOWN"
)

// Unbranded is the brand of a process that never issued thread_brand.
const Unbranded = ""

// Unnamed is the name of a process whose command is not known yet.
const Unnamed = ""

// CPUMode is the state of a CPU resource.
type CPUMode uint8

const (
	CPUUnknown CPUMode = iota
	CPUIdle
	CPUBusy
	CPUIRQ
	CPUSoftIRQ
	CPUTrap
)

var cpuModeNames = [...]string{"CPU_UNKNOWN", "CPU_IDLE", "CPU_BUSY", "CPU_IRQ", "CPU_SOFT_IRQ", "CPU_TRAP"}

func (m CPUMode) String() string {
	if int(m) < len(cpuModeNames) {
		return cpuModeNames[m]
	}
	return "CPU_INVALID"
}

// IRQMode is the state of an interrupt line.
type IRQMode uint8

const (
	IRQUnknown IRQMode = iota
	IRQIdle
	IRQBusy
)

var irqModeNames = [...]string{"IRQ_UNKNOWN", "IRQ_IDLE", "IRQ_BUSY"}

func (m IRQMode) String() string {
	if int(m) < len(irqModeNames) {
		return irqModeNames[m]
	}
	return "IRQ_INVALID"
}

// BdevMode is the state of a block device.
type BdevMode uint8

const (
	BdevUnknown BdevMode = iota
	BdevIdle
	BdevBusy
	BdevReading
	BdevWriting
)

var bdevModeNames = [...]string{"BDEV_UNKNOWN", "BDEV_IDLE", "BDEV_BUSY", "BDEV_BUSY_READING", "BDEV_BUSY_WRITING"}

func (m BdevMode) String() string {
	if int(m) < len(bdevModeNames) {
		return bdevModeNames[m]
	}
	return "BDEV_INVALID"
}
