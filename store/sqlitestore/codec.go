package sqlitestore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Content blobs are stored with a one-byte encoding prefix so the column can
// hold either raw or zstd-compressed bytes.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

// compressionThreshold is the minimum content size before compression is
// attempted; zstd overhead is not worth it for smaller payloads.
const compressionThreshold = 2048

// maxDecompressedSize is the hard cap during decompression to prevent
// compression bombs.
const maxDecompressedSize = 128 * 1024 * 1024

// contentCodec compresses content blobs where beneficial. The pooled
// encoder and decoder are goroutine-safe and reused across calls.
type contentCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newContentCodec() (*contentCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &contentCodec{encoder: enc, decoder: dec}, nil
}

func (c *contentCodec) close() {
	c.encoder.Close()
	c.decoder.Close()
}

// encode returns the blob to store: compressed when the content is large
// enough and compression actually wins, identity otherwise.
func (c *contentCodec) encode(content []byte) []byte {
	if len(content) < compressionThreshold {
		return append([]byte{encodingIdentity}, content...)
	}

	compressed := c.encoder.EncodeAll(content, []byte{encodingZstd})
	if len(compressed) >= len(content)+1 {
		return append([]byte{encodingIdentity}, content...)
	}
	return compressed
}

// decode reverses encode.
func (c *contentCodec) decode(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty content blob")
	}

	switch blob[0] {
	case encodingIdentity:
		return blob[1:], nil
	case encodingZstd:
		content, err := c.decoder.DecodeAll(blob[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
		return content, nil
	default:
		return nil, fmt.Errorf("unknown content encoding %d", blob[0])
	}
}
