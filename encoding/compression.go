package encoding

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compressor compresses payloads with pooled zstd encoders
type Compressor struct {
	level       zstd.EncoderLevel
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCompressor returns a compressor for config level 1-4, or nil for 0
func NewCompressor(level int) *Compressor {
	if level <= 0 {
		return nil
	}
	return &Compressor{level: LevelToZstd(level)}
}

// Compress returns the zstd-compressed form of data
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if ok {
		enc.Reset(&buf)
	} else {
		var err error
		enc, err = zstd.NewWriter(&buf, zstd.WithEncoderLevel(c.level))
		if err != nil {
			return nil, err
		}
	}
	defer c.encoderPool.Put(enc)

	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if ok {
		if err := dec.Reset(bytes.NewReader(data)); err != nil {
			return nil, err
		}
	} else {
		var err error
		dec, err = zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
	}
	defer c.decoderPool.Put(dec)

	return io.ReadAll(dec)
}

// LevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func LevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
