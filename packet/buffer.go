package packet

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Reader decodes big-endian fields from a byte slice. The first out-of-range
// read records an error and every later read returns zero values, so a decoder
// can read a whole structure and check Err once.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader creates a reader over data. The reader does not copy data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.data) - r.off
}

func (r *Reader) take(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data)-r.off {
		r.err = fmt.Errorf("%w: %s needs %d bytes, %d remain", ErrLengthOverflow, field, n, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n : r.off+n]
	r.off += n
	return b
}

// Uint8 reads one byte.
func (r *Reader) Uint8() uint8 {
	b := r.take(1, "uint8")
	if b == nil {
		return 0
	}
	return b[0]
}

// Uint16 reads a big-endian uint16.
func (r *Reader) Uint16() uint16 {
	b := r.take(2, "uint16")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// Uint32 reads a big-endian uint32.
func (r *Reader) Uint32() uint32 {
	b := r.take(4, "uint32")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Int32 reads a big-endian int32.
func (r *Reader) Int32() int32 {
	return int32(r.Uint32())
}

// Bytes reads n bytes. The result aliases the underlying slice.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n, "bytes")
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) {
	r.take(n, "skip")
}

// Rest returns every unread byte.
func (r *Reader) Rest() []byte {
	return r.take(r.Remaining(), "rest")
}

// Int32LV reads a field prefixed by an int32 length that counts itself.
func (r *Reader) Int32LV(field string) []byte {
	n := r.Int32()
	if r.err != nil {
		return nil
	}
	if n < 4 {
		r.err = fmt.Errorf("%w: %s declares length %d", ErrLengthOverflow, field, n)
		return nil
	}
	return r.take(int(n)-4, field)
}

// Uint16LV reads a field prefixed by a uint16 length that excludes itself.
func (r *Reader) Uint16LV(field string) []byte {
	n := r.Uint16()
	return r.take(int(n), field)
}

// Writer encodes big-endian fields.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter creates an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Uint8 writes one byte.
func (w *Writer) Uint8(v uint8) *Writer {
	w.buf.WriteByte(v)
	return w
}

// Uint16 writes a big-endian uint16.
func (w *Writer) Uint16(v uint16) *Writer {
	w.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	return w
}

// Uint32 writes a big-endian uint32.
func (w *Writer) Uint32(v uint32) *Writer {
	w.buf.Write(binary.BigEndian.AppendUint32(nil, v))
	return w
}

// Int32 writes a big-endian int32.
func (w *Writer) Int32(v int32) *Writer {
	return w.Uint32(uint32(v))
}

// Write appends raw bytes.
func (w *Writer) Write(b []byte) *Writer {
	w.buf.Write(b)
	return w
}

// Int32LV writes b prefixed by an int32 length that counts itself.
func (w *Writer) Int32LV(b []byte) *Writer {
	w.Int32(int32(len(b) + 4))
	return w.Write(b)
}

// Uint16LV writes b prefixed by a uint16 length that excludes itself.
func (w *Writer) Uint16LV(b []byte) *Writer {
	w.Uint16(uint16(len(b)))
	return w.Write(b)
}

// Len returns the number of bytes written.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}
