package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderStickyError(t *testing.T) {
	r := NewReader([]byte{0x00, 0x01, 0x02})
	assert.Equal(t, uint16(1), r.Uint16())
	assert.Equal(t, uint32(0), r.Uint32())
	require.ErrorIs(t, r.Err(), ErrLengthOverflow)

	// later reads keep returning zero values
	assert.Equal(t, uint8(0), r.Uint8())
	assert.Equal(t, 0, r.Remaining())
}

func TestReaderLengthPrefixed(t *testing.T) {
	data := NewWriter().Int32LV([]byte("abc")).Uint16LV([]byte("de")).Bytes()
	r := NewReader(data)
	assert.Equal(t, []byte("abc"), r.Int32LV("a"))
	assert.Equal(t, []byte("de"), r.Uint16LV("b"))
	assert.NoError(t, r.Err())
	assert.Equal(t, 0, r.Remaining())
}

func TestReaderInt32LVBelowPrefix(t *testing.T) {
	r := NewReader([]byte{0, 0, 0, 3, 1, 2, 3})
	assert.Nil(t, r.Int32LV("field"))
	assert.ErrorIs(t, r.Err(), ErrLengthOverflow)
}

func TestReaderBytesDoNotGrowIntoTail(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	r := NewReader(data)
	head := r.Bytes(2)
	head = append(head, 9)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
	assert.Equal(t, []byte{1, 2, 9}, head)
}
