package backup

import (
	"fmt"
	"io"
)

// chunker splits a source stream into size-bounded chunks. Sources
// smaller than the bound yield a single chunk; an empty source yields
// none.
type chunker struct {
	r    io.Reader
	size int
}

func newChunker(r io.Reader, size int) *chunker {
	return &chunker{r: r, size: size}
}

// next returns the next chunk, or io.EOF when the source is exhausted.
func (c *chunker) next() ([]byte, error) {
	buf := make([]byte, c.size)
	n, err := io.ReadFull(c.r, buf)
	switch {
	case err == nil:
		return buf, nil
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		if n > 0 {
			return buf[:n], nil
		}
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("failed to read source: %w", err)
	}
}
