package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/tracestate"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

const (
	fileMagic   = "TSCKPT\x00\x01"
	FileVersion = 1
)

var (
	ErrBadMagic          = errors.New("not a checkpoint file")
	ErrVersion           = errors.New("unsupported checkpoint file version")
	ErrTruncatedSnapshot = errors.New("truncated checkpoint snapshot")
	ErrUnexpectedRecord  = errors.New("unexpected checkpoint record")
	ErrUnknownQuark      = errors.New("reference to an unknown quark")
)

// File is the decoded content of a checkpoint file.
type File struct {
	Header      Header
	Names       *tracestate.Names
	Checkpoints []*Checkpoint
}

// Encode writes f as a stream of tagged records.
func Encode(w io.Writer, f *File) error {
	e := newEncoder(w)
	e.raw([]byte(fileMagic))
	h := f.Header
	h.Version = FileVersion
	e.record(&h)
	if f.Names != nil {
		encodeNames(e, f.Names)
	}
	for _, cp := range f.Checkpoints {
		encodeCheckpoint(e, cp)
	}
	return e.flush()
}

func encodeNames(e *encoder, names *tracestate.Names) {
	for _, kind := range []tracestate.NameKind{tracestate.SyscallNames, tracestate.TrapNames, tracestate.IRQNames, tracestate.SoftIRQNames} {
		entries := names.Table(kind).Real()
		for _, id := range sortedKeys(entries) {
			value := e.quark(entries[id])
			e.record(&NameEntry{Kind: kind, ID: id, Value: value})
		}
	}
	kprobes := names.Kprobes()
	for _, ip := range sortedKeys(kprobes) {
		sym := e.quark(kprobes[ip])
		e.record(&KprobeEntry{IP: ip, Symbol: sym})
	}
}

func encodeCheckpoint(e *encoder, cp *Checkpoint) {
	e.record(&CheckpointBegin{Time: cp.Time, Ordinal: cp.Ordinal})
	snap := cp.State
	registered := make(map[*tracestate.Process]bool, len(snap.Processes))
	for _, p := range snap.Processes {
		encodeProcess(e, p, false)
		registered[p] = true
	}
	detached := make(map[*tracestate.Process]bool)
	for _, p := range snap.Running {
		if !registered[p] && !detached[p] {
			encodeProcess(e, p, true)
			detached[p] = true
		}
	}
	res := &snap.Resources
	for _, cpu := range res.CPUs {
		e.record(&CPURecord{Modes: cpu.Modes.Modes, LastIRQ: cpu.LastIRQ, LastSoftIRQ: cpu.LastSoftIRQ, LastTrap: cpu.LastTrap})
	}
	for _, irq := range res.IRQs {
		e.record(&IRQRecord{Modes: irq.Modes.Modes})
	}
	for _, s := range res.SoftIRQs {
		e.record(&SoftIRQRecord{Pending: s.Pending, Running: s.Running})
	}
	for _, t := range res.Traps {
		e.record(&TrapRecord{Running: t.Running})
	}
	for _, dev := range sortedKeys(res.Bdevs) {
		e.record(&BdevRecord{Dev: dev, Modes: res.Bdevs[dev].Modes.Modes})
	}
	for cpu, p := range snap.Running {
		e.record(&RunningRecord{CPU: uint32(cpu), PID: p.PID, Detached: detached[p]})
	}
	for _, sp := range cp.Position {
		e.record(&StreamPositionRecord{Offset: uint64(sp.Offset), Time: sp.Time, End: sp.End})
	}
	e.record(&CheckpointEnd{})
}

func encodeProcess(e *encoder, p *tracestate.Process, detached bool) {
	rec := &ProcessRecord{
		PID:             p.PID,
		TGID:            p.TGID,
		PPID:            p.PPID,
		CPU:             p.CPU,
		Type:            p.Type,
		Name:            e.quark(p.Name),
		Brand:           e.quark(p.Brand),
		UserTrace:       e.quark(p.UserTrace),
		CreationTime:    p.CreationTime,
		InsertionTime:   p.InsertionTime,
		FreeEvents:      uint64(p.FreeEvents),
		CurrentFunction: p.User.Current,
		Detached:        detached,
	}
	frames := make([]FrameRecord, len(p.Stack.Frames))
	for i, f := range p.Stack.Frames {
		frames[i] = FrameRecord{
			Mode:    f.Mode,
			Submode: e.quark(f.Submode),
			Status:  f.Status,
			Entry:   f.Entry,
			Change:  f.Change,
			CumCPU:  f.CumCPU,
		}
	}
	e.record(rec)
	for i := range frames {
		e.record(&frames[i])
	}
	for _, ptr := range p.User.Calls {
		e.record(&UserCallRecord{Ptr: ptr})
	}
}

// Decode reads a checkpoint file. When the input ends inside a snapshot, the
// complete checkpoints are returned together with ErrTruncatedSnapshot.
func Decode(r io.Reader) (*File, error) {
	rd := newReader(r)
	magic := rd.bytes(len(fileMagic))
	if rd.err != nil || !bytes.Equal(magic, []byte(fileMagic)) {
		return nil, ErrBadMagic
	}
	b := newBuilder()
	for {
		tag, err := rd.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec, err := readRecord(tag, rd)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, err
		}
		if err := b.apply(rec); err != nil {
			return nil, err
		}
	}
	if !b.headerSeen {
		return nil, fmt.Errorf("missing header: %w", ErrUnexpectedRecord)
	}
	if b.cp != nil {
		return b.file, fmt.Errorf("checkpoint at [%s] ordinal %d: %w", b.cp.Time, b.cp.Ordinal, ErrTruncatedSnapshot)
	}
	if rd.err != nil {
		return b.file, fmt.Errorf("after %d checkpoints: %w", len(b.file.Checkpoints), rd.err)
	}
	return b.file, nil
}

// builder assembles decoded records into a File. Snapshots are committed
// only when their end record is read.
type builder struct {
	file       *File
	headerSeen bool
	quarks     map[uint64]string
	cp         *Checkpoint
	registered map[tracestate.ProcessKey]*tracestate.Process
	detached   map[tracestate.ProcessKey]*tracestate.Process
	proc       *tracestate.Process
}

func newBuilder() *builder {
	return &builder{
		file:   &File{Names: tracestate.NewNames()},
		quarks: make(map[uint64]string),
	}
}

func (b *builder) quark(id uint64) (string, error) {
	s, ok := b.quarks[id]
	if !ok {
		return "", fmt.Errorf("quark %d: %w", id, ErrUnknownQuark)
	}
	return s, nil
}

func (b *builder) inSnapshot(rec Record) error {
	if b.cp == nil {
		return fmt.Errorf("%w: %T outside a checkpoint", ErrUnexpectedRecord, rec)
	}
	return nil
}

func (b *builder) apply(rec Record) error {
	if _, ok := rec.(*Header); !ok && !b.headerSeen {
		return fmt.Errorf("%w: %T before the header", ErrUnexpectedRecord, rec)
	}
	switch r := rec.(type) {
	case *Header:
		if b.headerSeen {
			return fmt.Errorf("%w: second header", ErrUnexpectedRecord)
		}
		if r.Version != FileVersion {
			return fmt.Errorf("version %d: %w", r.Version, ErrVersion)
		}
		b.file.Header = *r
		b.headerSeen = true
	case *Quark:
		b.quarks[r.ID] = r.Value
	case *NameEntry:
		if r.Kind > tracestate.SoftIRQNames {
			return fmt.Errorf("%w: name table %d", ErrUnexpectedRecord, r.Kind)
		}
		value, err := b.quark(r.Value)
		if err != nil {
			return err
		}
		b.file.Names.Table(r.Kind).Set(r.ID, value)
	case *KprobeEntry:
		sym, err := b.quark(r.Symbol)
		if err != nil {
			return err
		}
		b.file.Names.SetKprobe(r.IP, sym)
	case *CheckpointBegin:
		if b.cp != nil {
			return fmt.Errorf("%w: nested checkpoint", ErrUnexpectedRecord)
		}
		b.cp = &Checkpoint{
			Time:    r.Time,
			Ordinal: r.Ordinal,
			State: &tracestate.Snapshot{
				Resources: tracestate.Resources{Bdevs: make(map[uint64]*tracestate.BdevState)},
			},
		}
		b.registered = make(map[tracestate.ProcessKey]*tracestate.Process)
		b.detached = make(map[tracestate.ProcessKey]*tracestate.Process)
		b.proc = nil
	case *ProcessRecord:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		return b.process(r)
	case *FrameRecord:
		if b.proc == nil {
			return fmt.Errorf("%w: frame without a process", ErrUnexpectedRecord)
		}
		submode, err := b.quark(r.Submode)
		if err != nil {
			return err
		}
		b.proc.Stack.Frames = append(b.proc.Stack.Frames, tracestate.Frame{
			Mode:    r.Mode,
			Submode: submode,
			Status:  r.Status,
			Entry:   r.Entry,
			Change:  r.Change,
			CumCPU:  r.CumCPU,
		})
	case *UserCallRecord:
		if b.proc == nil {
			return fmt.Errorf("%w: user call without a process", ErrUnexpectedRecord)
		}
		b.proc.User.Calls = append(b.proc.User.Calls, r.Ptr)
	case *CPURecord:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		res := &b.cp.State.Resources
		res.CPUs = append(res.CPUs, tracestate.CPUState{
			Modes:       tracestate.ModeStack[tracestate.CPUMode]{Modes: r.Modes},
			LastIRQ:     r.LastIRQ,
			LastSoftIRQ: r.LastSoftIRQ,
			LastTrap:    r.LastTrap,
		})
	case *IRQRecord:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		res := &b.cp.State.Resources
		res.IRQs = append(res.IRQs, tracestate.IRQState{Modes: tracestate.ModeStack[tracestate.IRQMode]{Modes: r.Modes}})
	case *SoftIRQRecord:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		res := &b.cp.State.Resources
		res.SoftIRQs = append(res.SoftIRQs, tracestate.SoftIRQState{Pending: r.Pending, Running: r.Running})
	case *TrapRecord:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		res := &b.cp.State.Resources
		res.Traps = append(res.Traps, tracestate.TrapState{Running: r.Running})
	case *BdevRecord:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		b.cp.State.Resources.Bdevs[r.Dev] = &tracestate.BdevState{Modes: tracestate.ModeStack[tracestate.BdevMode]{Modes: r.Modes}}
	case *RunningRecord:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		return b.running(r)
	case *StreamPositionRecord:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		b.cp.Position = append(b.cp.Position, event.StreamPosition{Offset: event.Offset(r.Offset), Time: r.Time, End: r.End})
	case *CheckpointEnd:
		if err := b.inSnapshot(rec); err != nil {
			return err
		}
		if err := b.complete(); err != nil {
			return fmt.Errorf("checkpoint at [%s] ordinal %d: %w", b.cp.Time, b.cp.Ordinal, err)
		}
		b.file.Checkpoints = append(b.file.Checkpoints, b.cp)
		b.cp = nil
		b.proc = nil
	default:
		return fmt.Errorf("%w: %T", ErrUnexpectedRecord, rec)
	}
	return nil
}

func (b *builder) process(r *ProcessRecord) error {
	var names [3]string
	for i, id := range []uint64{r.Name, r.Brand, r.UserTrace} {
		s, err := b.quark(id)
		if err != nil {
			return err
		}
		names[i] = s
	}
	p := &tracestate.Process{
		PID:           r.PID,
		TGID:          r.TGID,
		PPID:          r.PPID,
		CPU:           r.CPU,
		Type:          r.Type,
		Name:          names[0],
		Brand:         names[1],
		UserTrace:     names[2],
		CreationTime:  r.CreationTime,
		InsertionTime: r.InsertionTime,
		FreeEvents:    int(r.FreeEvents),
		User:          tracestate.UserStack{Current: r.CurrentFunction},
	}
	if r.Detached {
		b.detached[p.Key()] = p
	} else {
		b.registered[p.Key()] = p
		b.cp.State.Processes = append(b.cp.State.Processes, p)
	}
	b.proc = p
	return nil
}

// complete checks that the snapshot being built can be restored: every
// process has a frame, every mode stack a base, and every CPU of the
// trace a running process.
func (b *builder) complete() error {
	for _, procs := range []map[tracestate.ProcessKey]*tracestate.Process{b.registered, b.detached} {
		for _, p := range procs {
			if len(p.Stack.Frames) == 0 {
				return fmt.Errorf("%w: process %d has no frame", ErrUnexpectedRecord, p.PID)
			}
		}
	}
	snap := b.cp.State
	res := &snap.Resources
	if n := b.file.Header.NumCPUs; n != 0 && uint64(len(res.CPUs)) != n {
		return fmt.Errorf("%w: %d cpu records for %d cpus", ErrUnexpectedRecord, len(res.CPUs), n)
	}
	if len(res.CPUs) == 0 {
		return fmt.Errorf("%w: no cpu record", ErrUnexpectedRecord)
	}
	if len(snap.Running) != len(res.CPUs) {
		return fmt.Errorf("%w: %d running records for %d cpus", ErrUnexpectedRecord, len(snap.Running), len(res.CPUs))
	}
	for cpu, p := range snap.Running {
		if p == nil {
			return fmt.Errorf("%w: cpu %d runs no process", ErrUnexpectedRecord, cpu)
		}
	}
	for cpu, c := range res.CPUs {
		if c.Modes.Depth() == 0 {
			return fmt.Errorf("%w: cpu %d has an empty mode stack", ErrUnexpectedRecord, cpu)
		}
	}
	for irq, q := range res.IRQs {
		if q.Modes.Depth() == 0 {
			return fmt.Errorf("%w: irq %d has an empty mode stack", ErrUnexpectedRecord, irq)
		}
	}
	for dev, d := range res.Bdevs {
		if d.Modes.Depth() == 0 {
			return fmt.Errorf("%w: block device %d has an empty mode stack", ErrUnexpectedRecord, dev)
		}
	}
	return nil
}

func (b *builder) running(r *RunningRecord) error {
	key := tracestate.KeyOf(r.CPU, r.PID)
	procs := b.registered
	if r.Detached {
		procs = b.detached
	}
	p, ok := procs[key]
	if !ok {
		return fmt.Errorf("%w: cpu %d runs unknown process %d", ErrUnexpectedRecord, r.CPU, r.PID)
	}
	snap := b.cp.State
	for uint32(len(snap.Running)) <= r.CPU {
		snap.Running = append(snap.Running, nil)
	}
	snap.Running[r.CPU] = p
	return nil
}

// WriteFile persists f at path. The file is written aside and renamed so a
// crash never leaves a partial file behind.
func WriteFile(fs afero.Fs, path string, f *File) error {
	tmp := path + ".tmp"
	out, err := fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint file: %w", err)
	}
	err = Encode(out, f)
	err = multierr.Append(err, out.Close())
	if err != nil {
		return multierr.Append(fmt.Errorf("write checkpoint file %s: %w", path, err), fs.Remove(tmp))
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}

// ReadFile loads the checkpoint file at path.
func ReadFile(fs afero.Fs, path string) (*File, error) {
	in, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint file: %w", err)
	}
	defer in.Close()
	f, err := Decode(in)
	if err != nil {
		return f, fmt.Errorf("read checkpoint file %s: %w", path, err)
	}
	return f, nil
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
