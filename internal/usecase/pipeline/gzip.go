package pipeline

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// maxInflatedSize bounds decompression so a tiny frame cannot expand without limit.
const maxInflatedSize = 64 << 20

// Gzip compresses payloads on send and decompresses them on receive.
// level follows compress/gzip; 0 selects gzip.DefaultCompression.
func Gzip(level int) (Transform, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if _, err := gzip.NewWriterLevel(io.Discard, level); err != nil {
		return Transform{}, fmt.Errorf("gzip level %d: %w", level, err)
	}

	return Transform{
		Name: "gzip",
		Encode: func(p []byte) ([]byte, error) {
			var buf bytes.Buffer
			zw, err := gzip.NewWriterLevel(&buf, level)
			if err != nil {
				return nil, err
			}
			if _, err := zw.Write(p); err != nil {
				return nil, err
			}
			if err := zw.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Decode: func(p []byte) ([]byte, error) {
			zr, err := gzip.NewReader(bytes.NewReader(p))
			if err != nil {
				return nil, err
			}
			defer zr.Close()
			out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
			if err != nil {
				return nil, err
			}
			if len(out) > maxInflatedSize {
				return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxInflatedSize)
			}
			return out, nil
		},
	}, nil
}
