package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// maxStringLen bounds the strings read from a checkpoint file.
const maxStringLen = 1 << 20

type UnknownTagError struct {
	Tag Tag
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("unknown checkpoint record tag %d", e.Tag)
}

func appendUvarint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

func appendVarint(b []byte, v int64) []byte {
	return binary.AppendVarint(b, v)
}

func appendString(b []byte, s string) []byte {
	b = binary.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendModes[M ~uint8](b []byte, modes []M) []byte {
	b = binary.AppendUvarint(b, uint64(len(modes)))
	for _, m := range modes {
		b = append(b, byte(m))
	}
	return b
}

// reader decodes record fields. The first error sticks and turns every
// further read into a no-op.
type reader struct {
	br  *bufio.Reader
	err error
}

func newReader(r io.Reader) *reader {
	return &reader{br: bufio.NewReader(r)}
}

func (r *reader) fail(err error) {
	if err == nil || r.err != nil {
		return
	}
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	r.err = err
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadUvarint(r.br)
	r.fail(err)
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, err := binary.ReadVarint(r.br)
	r.fail(err)
	return v
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	c, err := r.br.ReadByte()
	r.fail(err)
	return c
}

func (r *reader) bool() bool {
	return r.byte() != 0
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	buf := make([]byte, n)
	_, err := io.ReadFull(r.br, buf)
	r.fail(err)
	return buf
}

func (r *reader) string() string {
	n := r.uvarint()
	if n > maxStringLen {
		r.fail(fmt.Errorf("string of %d bytes exceeds %d", n, maxStringLen))
		return ""
	}
	return string(r.bytes(int(n)))
}

func (r *reader) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.bytes(len(id)))
	return id
}

func readModes[M ~uint8](r *reader) []M {
	n := r.uvarint()
	if n > maxStringLen {
		r.fail(fmt.Errorf("mode stack of %d entries exceeds %d", n, maxStringLen))
		return nil
	}
	raw := r.bytes(int(n))
	if r.err != nil {
		return nil
	}
	modes := make([]M, len(raw))
	for i, c := range raw {
		modes[i] = M(c)
	}
	return modes
}

// next reads the tag of the next record. A clean end of input returns io.EOF.
func (r *reader) next() (Tag, error) {
	c, err := r.br.ReadByte()
	if err != nil {
		return 0, err
	}
	return Tag(c), nil
}

type encoder struct {
	w      *bufio.Writer
	buf    []byte
	quarks map[string]uint64
	err    error
}

func newEncoder(w io.Writer) *encoder {
	return &encoder{
		w:      bufio.NewWriter(w),
		quarks: make(map[string]uint64),
	}
}

func (e *encoder) raw(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *encoder) record(r Record) {
	e.buf = append(e.buf[:0], byte(r.Tag()))
	e.buf = r.appendTo(e.buf)
	e.raw(e.buf)
}

// quark returns the id of s, emitting a Quark record the first time s is seen.
func (e *encoder) quark(s string) uint64 {
	if id, ok := e.quarks[s]; ok {
		return id
	}
	id := uint64(len(e.quarks))
	e.quarks[s] = id
	e.record(&Quark{ID: id, Value: s})
	return id
}

func (e *encoder) flush() error {
	if e.err != nil {
		return e.err
	}
	return e.w.Flush()
}
