package checkpoint

import (
	"github.com/google/uuid"
	"github.com/kubescape/tracestate/pkg/event"
	"github.com/kubescape/tracestate/pkg/tracestate"
)

// Tag identifies the kind of a checkpoint file record.
type Tag uint8

const (
	TagHeader Tag = iota + 1
	TagQuark
	TagName
	TagKprobe
	TagCheckpointBegin
	TagProcess
	TagFrame
	TagUserCall
	TagCPU
	TagIRQ
	TagSoftIRQ
	TagTrap
	TagBdev
	TagRunning
	TagStreamPosition
	TagCheckpointEnd
)

// Record is one entry of a checkpoint file. The concrete record types form a
// closed set, one per Tag.
type Record interface {
	Tag() Tag
	appendTo(b []byte) []byte
}

// Header opens every checkpoint file.
type Header struct {
	Version uint64
	Session uuid.UUID
	Trace   string
	NumCPUs uint64
}

// Quark interns a string. Later records refer to it by ID.
type Quark struct {
	ID    uint64
	Value string
}

// NameEntry is an authoritative entry of a name table.
type NameEntry struct {
	Kind  tracestate.NameKind
	ID    uint64
	Value uint64
}

type KprobeEntry struct {
	IP     uint64
	Symbol uint64
}

type CheckpointBegin struct {
	Time    event.Time
	Ordinal uint64
}

// ProcessRecord starts a process. Its frames and user calls follow it.
// Detached processes are no longer registered but still run on a CPU.
type ProcessRecord struct {
	PID             uint64
	TGID            uint64
	PPID            uint64
	CPU             uint32
	Type            tracestate.ProcessType
	Name            uint64
	Brand           uint64
	UserTrace       uint64
	CreationTime    event.Time
	InsertionTime   event.Time
	FreeEvents      uint64
	CurrentFunction uint64
	Detached        bool
}

type FrameRecord struct {
	Mode    tracestate.Mode
	Submode uint64
	Status  tracestate.Status
	Entry   event.Time
	Change  event.Time
	CumCPU  event.Time
}

type UserCallRecord struct {
	Ptr uint64
}

type CPURecord struct {
	Modes       []tracestate.CPUMode
	LastIRQ     int64
	LastSoftIRQ int64
	LastTrap    int64
}

type IRQRecord struct {
	Modes []tracestate.IRQMode
}

type SoftIRQRecord struct {
	Pending uint64
	Running uint64
}

type TrapRecord struct {
	Running uint64
}

type BdevRecord struct {
	Dev   uint64
	Modes []tracestate.BdevMode
}

type RunningRecord struct {
	CPU      uint32
	PID      uint64
	Detached bool
}

type StreamPositionRecord struct {
	Offset uint64
	Time   event.Time
	End    bool
}

type CheckpointEnd struct{}

func (*Header) Tag() Tag               { return TagHeader }
func (*Quark) Tag() Tag                { return TagQuark }
func (*NameEntry) Tag() Tag            { return TagName }
func (*KprobeEntry) Tag() Tag          { return TagKprobe }
func (*CheckpointBegin) Tag() Tag      { return TagCheckpointBegin }
func (*ProcessRecord) Tag() Tag        { return TagProcess }
func (*FrameRecord) Tag() Tag          { return TagFrame }
func (*UserCallRecord) Tag() Tag       { return TagUserCall }
func (*CPURecord) Tag() Tag            { return TagCPU }
func (*IRQRecord) Tag() Tag            { return TagIRQ }
func (*SoftIRQRecord) Tag() Tag        { return TagSoftIRQ }
func (*TrapRecord) Tag() Tag           { return TagTrap }
func (*BdevRecord) Tag() Tag           { return TagBdev }
func (*RunningRecord) Tag() Tag        { return TagRunning }
func (*StreamPositionRecord) Tag() Tag { return TagStreamPosition }
func (*CheckpointEnd) Tag() Tag        { return TagCheckpointEnd }

func (r *Header) appendTo(b []byte) []byte {
	b = appendUvarint(b, r.Version)
	b = append(b, r.Session[:]...)
	b = appendString(b, r.Trace)
	return appendUvarint(b, r.NumCPUs)
}

func (r *Quark) appendTo(b []byte) []byte {
	b = appendUvarint(b, r.ID)
	return appendString(b, r.Value)
}

func (r *NameEntry) appendTo(b []byte) []byte {
	b = append(b, byte(r.Kind))
	b = appendUvarint(b, r.ID)
	return appendUvarint(b, r.Value)
}

func (r *KprobeEntry) appendTo(b []byte) []byte {
	b = appendUvarint(b, r.IP)
	return appendUvarint(b, r.Symbol)
}

func (r *CheckpointBegin) appendTo(b []byte) []byte {
	b = appendUvarint(b, uint64(r.Time))
	return appendUvarint(b, r.Ordinal)
}

func (r *ProcessRecord) appendTo(b []byte) []byte {
	b = appendUvarint(b, r.PID)
	b = appendUvarint(b, r.TGID)
	b = appendUvarint(b, r.PPID)
	b = appendUvarint(b, uint64(r.CPU))
	b = append(b, byte(r.Type))
	b = appendUvarint(b, r.Name)
	b = appendUvarint(b, r.Brand)
	b = appendUvarint(b, r.UserTrace)
	b = appendUvarint(b, uint64(r.CreationTime))
	b = appendUvarint(b, uint64(r.InsertionTime))
	b = appendUvarint(b, r.FreeEvents)
	b = appendUvarint(b, r.CurrentFunction)
	return appendBool(b, r.Detached)
}

func (r *FrameRecord) appendTo(b []byte) []byte {
	b = append(b, byte(r.Mode))
	b = appendUvarint(b, r.Submode)
	b = append(b, byte(r.Status))
	b = appendUvarint(b, uint64(r.Entry))
	b = appendUvarint(b, uint64(r.Change))
	return appendUvarint(b, uint64(r.CumCPU))
}

func (r *UserCallRecord) appendTo(b []byte) []byte {
	return appendUvarint(b, r.Ptr)
}

func (r *CPURecord) appendTo(b []byte) []byte {
	b = appendModes(b, r.Modes)
	b = appendVarint(b, r.LastIRQ)
	b = appendVarint(b, r.LastSoftIRQ)
	return appendVarint(b, r.LastTrap)
}

func (r *IRQRecord) appendTo(b []byte) []byte {
	return appendModes(b, r.Modes)
}

func (r *SoftIRQRecord) appendTo(b []byte) []byte {
	b = appendUvarint(b, r.Pending)
	return appendUvarint(b, r.Running)
}

func (r *TrapRecord) appendTo(b []byte) []byte {
	return appendUvarint(b, r.Running)
}

func (r *BdevRecord) appendTo(b []byte) []byte {
	b = appendUvarint(b, r.Dev)
	return appendModes(b, r.Modes)
}

func (r *RunningRecord) appendTo(b []byte) []byte {
	b = appendUvarint(b, uint64(r.CPU))
	b = appendUvarint(b, r.PID)
	return appendBool(b, r.Detached)
}

func (r *StreamPositionRecord) appendTo(b []byte) []byte {
	b = appendUvarint(b, r.Offset)
	b = appendUvarint(b, uint64(r.Time))
	return appendBool(b, r.End)
}

func (*CheckpointEnd) appendTo(b []byte) []byte {
	return b
}

// readRecord decodes the body of a record of the given tag.
func readRecord(tag Tag, r *reader) (Record, error) {
	var rec Record
	switch tag {
	case TagHeader:
		h := &Header{Version: r.uvarint()}
		h.Session = r.uuid()
		h.Trace = r.string()
		h.NumCPUs = r.uvarint()
		rec = h
	case TagQuark:
		rec = &Quark{ID: r.uvarint(), Value: r.string()}
	case TagName:
		rec = &NameEntry{Kind: tracestate.NameKind(r.byte()), ID: r.uvarint(), Value: r.uvarint()}
	case TagKprobe:
		rec = &KprobeEntry{IP: r.uvarint(), Symbol: r.uvarint()}
	case TagCheckpointBegin:
		rec = &CheckpointBegin{Time: event.Time(r.uvarint()), Ordinal: r.uvarint()}
	case TagProcess:
		rec = &ProcessRecord{
			PID:             r.uvarint(),
			TGID:            r.uvarint(),
			PPID:            r.uvarint(),
			CPU:             uint32(r.uvarint()),
			Type:            tracestate.ProcessType(r.byte()),
			Name:            r.uvarint(),
			Brand:           r.uvarint(),
			UserTrace:       r.uvarint(),
			CreationTime:    event.Time(r.uvarint()),
			InsertionTime:   event.Time(r.uvarint()),
			FreeEvents:      r.uvarint(),
			CurrentFunction: r.uvarint(),
			Detached:        r.bool(),
		}
	case TagFrame:
		rec = &FrameRecord{
			Mode:    tracestate.Mode(r.byte()),
			Submode: r.uvarint(),
			Status:  tracestate.Status(r.byte()),
			Entry:   event.Time(r.uvarint()),
			Change:  event.Time(r.uvarint()),
			CumCPU:  event.Time(r.uvarint()),
		}
	case TagUserCall:
		rec = &UserCallRecord{Ptr: r.uvarint()}
	case TagCPU:
		rec = &CPURecord{
			Modes:       readModes[tracestate.CPUMode](r),
			LastIRQ:     r.varint(),
			LastSoftIRQ: r.varint(),
			LastTrap:    r.varint(),
		}
	case TagIRQ:
		rec = &IRQRecord{Modes: readModes[tracestate.IRQMode](r)}
	case TagSoftIRQ:
		rec = &SoftIRQRecord{Pending: r.uvarint(), Running: r.uvarint()}
	case TagTrap:
		rec = &TrapRecord{Running: r.uvarint()}
	case TagBdev:
		rec = &BdevRecord{Dev: r.uvarint(), Modes: readModes[tracestate.BdevMode](r)}
	case TagRunning:
		rec = &RunningRecord{CPU: uint32(r.uvarint()), PID: r.uvarint(), Detached: r.bool()}
	case TagStreamPosition:
		rec = &StreamPositionRecord{Offset: r.uvarint(), Time: event.Time(r.uvarint()), End: r.bool()}
	case TagCheckpointEnd:
		rec = &CheckpointEnd{}
	default:
		return nil, &UnknownTagError{Tag: tag}
	}
	if r.err != nil {
		return nil, r.err
	}
	return rec, nil
}
