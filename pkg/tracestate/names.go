package tracestate

import "fmt"

// NameKind selects one of the id to name tables of a trace.
type NameKind uint8

const (
	SyscallNames NameKind = iota
	TrapNames
	IRQNames
	SoftIRQNames
)

var namePrefixes = [...]string{"syscall", "trap", "irq", "softirq"}

func (k NameKind) String() string {
	if int(k) < len(namePrefixes) {
		return namePrefixes[k]
	}
	return fmt.Sprintf("names(%d)", uint8(k))
}

const initialNameTableSize = 256

// NameTable maps dynamically discovered ids to names. Unknown ids get a
// placeholder such as "syscall 7" until a dump event provides the symbol.
// The table only grows.
type NameTable struct {
	kind  NameKind
	names []string
	real  []bool
}

func NewNameTable(kind NameKind, size int) *NameTable {
	t := &NameTable{kind: kind}
	t.grow(size)
	return t
}

func (t *NameTable) Kind() NameKind {
	return t.kind
}

func (t *NameTable) Len() int {
	return len(t.names)
}

// EnsureCapacity grows the table so that id is a valid index, doubling its
// size or growing to id+1, whichever is larger.
func (t *NameTable) EnsureCapacity(id uint64) {
	n := uint64(len(t.names))
	if id < n {
		return
	}
	size := max(id+1, n*2)
	t.grow(int(size))
}

// Resolve returns the name of id, growing the table when needed.
func (t *NameTable) Resolve(id uint64) string {
	t.EnsureCapacity(id)
	return t.names[id]
}

// Set installs the authoritative name of id.
func (t *NameTable) Set(id uint64, name string) {
	t.EnsureCapacity(id)
	t.names[id] = name
	t.real[id] = true
}

// IsPlaceholder reports whether id still carries a synthesized name.
func (t *NameTable) IsPlaceholder(id uint64) bool {
	if id >= uint64(len(t.names)) {
		return true
	}
	return !t.real[id]
}

// Real returns the authoritative entries of the table.
func (t *NameTable) Real() map[uint64]string {
	out := make(map[uint64]string)
	for i, ok := range t.real {
		if ok {
			out[uint64(i)] = t.names[i]
		}
	}
	return out
}

func (t *NameTable) grow(size int) {
	for i := len(t.names); i < size; i++ {
		t.names = append(t.names, fmt.Sprintf("%s %d", t.kind, i))
		t.real = append(t.real, false)
	}
}

func (t *NameTable) clone() *NameTable {
	return &NameTable{
		kind:  t.kind,
		names: append([]string(nil), t.names...),
		real:  append([]bool(nil), t.real...),
	}
}

// Names groups the name tables of a trace together with the kprobe symbols.
// Names are trace level: they survive resets and checkpoint restores.
type Names struct {
	tables  [4]*NameTable
	kprobes map[uint64]string
}

func NewNames() *Names {
	n := &Names{kprobes: make(map[uint64]string)}
	for k := range n.tables {
		n.tables[k] = NewNameTable(NameKind(k), initialNameTableSize)
	}
	return n
}

func (n *Names) Table(kind NameKind) *NameTable {
	return n.tables[kind]
}

func (n *Names) Resolve(kind NameKind, id uint64) string {
	return n.tables[kind].Resolve(id)
}

func (n *Names) Kprobe(ip uint64) (string, bool) {
	sym, ok := n.kprobes[ip]
	return sym, ok
}

func (n *Names) SetKprobe(ip uint64, symbol string) {
	n.kprobes[ip] = symbol
}

func (n *Names) Kprobes() map[uint64]string {
	out := make(map[uint64]string, len(n.kprobes))
	for ip, sym := range n.kprobes {
		out[ip] = sym
	}
	return out
}

// Merge installs every authoritative name of other into n.
func (n *Names) Merge(other *Names) {
	for k, t := range other.tables {
		for id, name := range t.Real() {
			n.tables[k].Set(id, name)
		}
	}
	for ip, sym := range other.kprobes {
		n.kprobes[ip] = sym
	}
}

func (n *Names) Clone() *Names {
	c := &Names{kprobes: n.Kprobes()}
	for k, t := range n.tables {
		c.tables[k] = t.clone()
	}
	return c
}
