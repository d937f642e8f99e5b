package event

// StreamPosition saves a sub-stream cursor. Time is the timestamp of the
// event at Offset, or TimeInfinite when the stream is exhausted.
type StreamPosition struct {
	Offset Offset
	Time   Time
	End    bool
}

// TracePosition holds the cursor of every sub-stream of a trace, in stream
// order.
type TracePosition []StreamPosition

// Time returns the timestamp of the next event over all sub-streams.
func (p TracePosition) Time() Time {
	t := TimeInfinite
	for _, sp := range p {
		if !sp.End && sp.Time < t {
			t = sp.Time
		}
	}
	return t
}

// Consumed returns how many events were read to reach this position.
func (p TracePosition) Consumed() uint64 {
	var n uint64
	for _, sp := range p {
		n += uint64(sp.Offset)
	}
	return n
}

func (p TracePosition) Equal(o TracePosition) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i].Offset != o[i].Offset {
			return false
		}
	}
	return true
}

func (p TracePosition) Clone() TracePosition {
	if p == nil {
		return nil
	}
	out := make(TracePosition, len(p))
	copy(out, p)
	return out
}

// PositionOf saves the cursors of the given streams.
func PositionOf(streams []Stream) TracePosition {
	pos := make(TracePosition, len(streams))
	for i, s := range streams {
		pos[i] = s.Position()
	}
	return pos
}

// SeekStreams moves every stream back to a saved position.
func SeekStreams(streams []Stream, pos TracePosition) error {
	for i, s := range streams {
		if i >= len(pos) {
			break
		}
		if err := s.Seek(pos[i].Offset); err != nil {
			return err
		}
	}
	return nil
}
