package snapshotcodec

import (
	"github.com/klauspost/compress/zstd"
)

// Compressor wraps a reusable zstd encoder/decoder pair for snapshot blobs.
// Safe for concurrent use.
type Compressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCompressor uses the given zstd level (1-22); 0 means the library default.
func NewCompressor(level int) (*Compressor, error) {
	opts := []zstd.EOption{}
	if level > 0 {
		opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	enc, err := zstd.NewWriter(nil, opts...)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &Compressor{enc: enc, dec: dec}, nil
}

func (c *Compressor) Compress(b []byte) []byte {
	return c.enc.EncodeAll(b, make([]byte, 0, len(b)))
}

func (c *Compressor) Decompress(b []byte) ([]byte, error) {
	return c.dec.DecodeAll(b, nil)
}

func (c *Compressor) Close() {
	c.dec.Close()
	_ = c.enc.Close()
}
