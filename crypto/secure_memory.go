package crypto

import (
	"crypto/subtle"
	"runtime"
)

// ZeroBytes erases the contents of a byte slice containing key material.
func ZeroBytes(data []byte) {
	if data == nil {
		return
	}
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zeros)
	runtime.KeepAlive(data)
}
