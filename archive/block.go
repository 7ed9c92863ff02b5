package archive

import (
	"bufio"
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dsnet/compress/bzip2"
	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	. "github.com/stevegt/goadapt"
	"github.com/zeebo/blake3"
	"golang.org/x/exp/mmap"
)

// Hasher turns a block into its hex digest.
type Hasher func(data []byte) string

// NewHasher returns the hasher for algo.  Both supported algorithms
// produce 512-bit digests, so block names are 128 hex characters
// either way.
func NewHasher(algo string) (h Hasher, err error) {
	switch algo {
	case "sha512":
		return func(data []byte) string {
			sum := sha512.Sum512(data)
			return hex.EncodeToString(sum[:])
		}, nil
	case "blake3":
		return func(data []byte) string {
			sum := blake3.Sum512(data)
			return hex.EncodeToString(sum[:])
		}, nil
	}
	return nil, fmt.Errorf("%w: hash %s", syscall.ENOSYS, algo)
}

// Compressor produces the on-disk form of a block.
type Compressor interface {
	Name() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
}

// bzip2Compressor writes 900k-block bzip2 streams, the format archives
// shared with other deduba implementations are in.
type bzip2Compressor struct{}

func (bzip2Compressor) Name() string { return "bzip2" }

func (bzip2Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
}

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return "zstd" }

func (zstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
}

type lz4Compressor struct{}

func (lz4Compressor) Name() string { return "lz4" }

func (lz4Compressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

// NewCompressor returns the compressor for name.
func NewCompressor(name string) (c Compressor, err error) {
	switch name {
	case "bzip2":
		return bzip2Compressor{}, nil
	case "zstd":
		return zstdCompressor{}, nil
	case "lz4":
		return lz4Compressor{}, nil
	}
	return nil, fmt.Errorf("%w: compression %s", syscall.ENOSYS, name)
}

// frame magic numbers as they appear on disk
var (
	bzip2Magic = []byte("BZh")
	zstdMagic  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic   = []byte{0x04, 0x22, 0x4d, 0x18}
)

// Decompress reads a whole compressed block.  The codec is taken from
// the frame header, so blocks written with different compressors can
// sit side by side in one archive.
func Decompress(rd io.Reader) (data []byte, err error) {
	defer Return(&err)
	br := bufio.NewReader(rd)
	magic, err := br.Peek(4)
	Ck(err)
	switch {
	case bytes.HasPrefix(magic, bzip2Magic):
		dec, err := bzip2.NewReader(br, nil)
		Ck(err)
		defer dec.Close()
		return ioutil.ReadAll(dec)
	case bytes.Equal(magic, zstdMagic):
		dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		Ck(err)
		defer dec.Close()
		return ioutil.ReadAll(dec)
	case bytes.Equal(magic, lz4Magic):
		return ioutil.ReadAll(lz4.NewReader(br))
	}
	return nil, fmt.Errorf("unknown frame magic %x", magic)
}

// writeBlock compresses data into a pending file and moves it to path
// once it is complete, so a reader never sees a partial block.  It
// returns the compressed size.
func writeBlock(comp Compressor, path string, data []byte) (packed int64, err error) {
	defer Return(&err)

	err = os.MkdirAll(filepath.Dir(path), 0755)
	Ck(err)

	pf, err := renameio.TempFile("", path)
	Ck(err)
	defer pf.Cleanup()

	w, err := comp.NewWriter(pf)
	Ck(err)
	n, err := w.Write(data)
	Ck(err)
	Assert(n == len(data), "short write")
	err = w.Close()
	Ck(err)

	fi, err := pf.Stat()
	Ck(err)
	packed = fi.Size()

	err = pf.CloseAtomicallyReplace()
	Ck(err)
	return
}

// readBlock decompresses the block file at path.  Block files are
// replaced atomically and never rewritten in place, so they can be
// mapped rather than read.
func readBlock(path string) (data []byte, err error) {
	m, err := mmap.Open(path)
	if err != nil {
		return
	}
	defer m.Close()
	return Decompress(io.NewSectionReader(m, 0, int64(m.Len())))
}
