package packet

import (
	"fmt"
	"sort"
)

// TLVMap holds tag/value entries decoded from a login response.
type TLVMap map[uint32][]byte

// Get returns the value for tag and whether it was present.
func (m TLVMap) Get(tag uint32) ([]byte, bool) {
	v, ok := m[tag]
	return v, ok
}

// Has reports whether tag is present.
func (m TLVMap) Has(tag uint32) bool {
	_, ok := m[tag]
	return ok
}

// Tags returns the present tags in ascending order.
func (m TLVMap) Tags() []uint32 {
	tags := make([]uint32, 0, len(m))
	for t := range m {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// ReadTLVMap decodes a sequence of tag (tagSize bytes), uint16 length and value
// entries. A tag whose low byte is 0xFF ends the sequence. When
// suppressDuplicates is set the first occurrence of a tag wins and later
// values are consumed and dropped; otherwise the last occurrence wins.
func ReadTLVMap(data []byte, tagSize int, suppressDuplicates bool) (TLVMap, error) {
	if tagSize != 1 && tagSize != 2 && tagSize != 4 {
		return nil, fmt.Errorf("tlv: unsupported tag size %d", tagSize)
	}
	r := NewReader(data)
	m := make(TLVMap)
	for r.Remaining() > tagSize {
		var tag uint32
		switch tagSize {
		case 1:
			tag = uint32(r.Uint8())
		case 2:
			tag = uint32(r.Uint16())
		case 4:
			tag = r.Uint32()
		}
		if tag&0xFF == 0xFF {
			break
		}
		value := r.Uint16LV("tlv value")
		if err := r.Err(); err != nil {
			return m, fmt.Errorf("tlv 0x%x: %w", tag, err)
		}
		if _, seen := m[tag]; seen && suppressDuplicates {
			continue
		}
		m[tag] = value
	}
	return m, nil
}

// TLVWriter accumulates tag/value entries and counts them.
type TLVWriter struct {
	w     *Writer
	count uint16
}

// NewTLVWriter creates an empty TLV writer.
func NewTLVWriter() *TLVWriter {
	return &TLVWriter{w: NewWriter()}
}

// Add appends one entry with a two-byte tag.
func (t *TLVWriter) Add(tag uint16, value []byte) *TLVWriter {
	t.w.Uint16(tag).Uint16LV(value)
	t.count++
	return t
}

// AddFunc appends one entry whose value is produced by fn.
func (t *TLVWriter) AddFunc(tag uint16, fn func(w *Writer)) *TLVWriter {
	inner := NewWriter()
	fn(inner)
	return t.Add(tag, inner.Bytes())
}

// Count returns the number of entries written.
func (t *TLVWriter) Count() uint16 {
	return t.count
}

// Bytes returns the encoded entries without a count prefix.
func (t *TLVWriter) Bytes() []byte {
	return t.w.Bytes()
}
