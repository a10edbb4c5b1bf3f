package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	ZeroBytes(data)
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, data)

	assert.NotPanics(t, func() { ZeroBytes(nil) })
	assert.NotPanics(t, func() { ZeroBytes([]byte{}) })
}
