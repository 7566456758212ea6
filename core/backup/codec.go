package backup

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec is the pluggable compression capability of the chunk pipeline.
// Implementations must be safe for concurrent use.
type Codec interface {
	Name() string
	Compress(plaintext []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

// NewCodec constructs a codec by name ("zstd", "gzip", "none"). Level 0
// selects the codec's default.
func NewCodec(name string, level int) (Codec, error) {
	switch name {
	case "zstd":
		return newZstdCodec(level)
	case "gzip":
		return newGzipCodec(level)
	case "none", "":
		return noopCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec(level int) (*zstdCodec, error) {
	encLevel := zstd.SpeedDefault
	if level > 0 {
		encLevel = zstd.EncoderLevelFromZstd(level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) Name() string { return "zstd" }

func (c *zstdCodec) Compress(plaintext []byte) ([]byte, error) {
	return c.enc.EncodeAll(plaintext, nil), nil
}

func (c *zstdCodec) Decompress(compressed []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

type gzipCodec struct {
	level int
}

func newGzipCodec(level int) (gzipCodec, error) {
	if level == 0 {
		level = gzip.DefaultCompression
	}
	if level < gzip.HuffmanOnly || level > gzip.BestCompression {
		return gzipCodec{}, fmt.Errorf("gzip level %d out of range", level)
	}
	return gzipCodec{level: level}, nil
}

func (c gzipCodec) Name() string { return "gzip" }

func (c gzipCodec) Compress(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gzipCodec) Decompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}
	return out, nil
}

type noopCodec struct{}

func (noopCodec) Name() string                          { return "none" }
func (noopCodec) Compress(p []byte) ([]byte, error)     { return p, nil }
func (noopCodec) Decompress(c []byte) ([]byte, error)   { return c, nil }
