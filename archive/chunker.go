package archive

import (
	"fmt"
	"io"

	resticRabin "github.com/restic/chunker"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// defMinSize is the default minimal size of a rabin chunk.
	defMinSize = 512 * kiB
	// defMaxSize is the default maximal size of a rabin chunk.
	defMaxSize = 8 * miB
)

// Rabin lightly wraps restic's chunker on the slight chance that we
// might need to replace it someday.
type Rabin struct {
	Poly    resticRabin.Pol
	C       *resticRabin.Chunker
	MinSize uint
	MaxSize uint
}

// Init fills in default bounds.  The polynomial must be the one the
// archive was configured with; chunk boundaries depend on it.
func (c Rabin) Init() (res *Rabin, err error) {
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	if c.Poly == 0 {
		return nil, fmt.Errorf("rabin polynomial not set")
	}
	if !c.Poly.Irreducible() {
		return nil, fmt.Errorf("rabin polynomial %v is reducible", c.Poly)
	}
	return &c, nil
}

func (c *Rabin) Start(rd io.Reader) {
	c.C = resticRabin.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
}

// Next returns the next chunk.  chunk.Data aliases buf, which must be
// at least MaxSize bytes; callers have to finish with the chunk
// before the next call.  The last call yields io.EOF.
func (c *Rabin) Next(buf []byte) (chunk resticRabin.Chunk, err error) {
	return c.C.Next(buf)
}
