package packet

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/opd-ai/imcore/limits"
)

// inflate decompresses a zlib body, refusing output beyond the frame limit.
func inflate(packed []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limits.MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if len(out) > limits.MaxFrameSize {
		return nil, fmt.Errorf("inflate: %w: body exceeds %d bytes", limits.ErrFieldTooLarge, limits.MaxFrameSize)
	}
	return out, nil
}

// deflate compresses a body for the zlib compression marker.
func deflate(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	return buf.Bytes(), nil
}
