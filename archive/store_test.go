package archive

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
	"github.com/stevegt/readercomp"
	"github.com/t7a/deduba/config"
)

const testDirPrefix = "deduba"

func mkbuf(s string) []byte {
	tmp := []byte(s)
	return tmp
}

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// setup returns a store in a fresh archive root.  mods adjust the
// config before the store is opened.
func setup(t *testing.T, mods ...func(c *config.Config)) *Store {
	var err error
	var dir string

	debug := os.Getenv("DEBUG")
	if debug == "1" {
		dir, err = ioutil.TempDir("", testDirPrefix)
		Ck(err)
		fmt.Println(dir)
		// no cleanup
	} else {
		dir = t.TempDir()
		// automatically cleaned up
	}

	cfg := config.Default(false)
	cfg.ArchiveRoot = dir
	for _, mod := range mods {
		mod(cfg)
	}
	s, err := New(cfg)
	tassert(t, err == nil, "New: %v", err)
	err = s.BuildIndex()
	tassert(t, err == nil, "BuildIndex: %v", err)
	return s
}

// reopen returns a second store over the same storage root.
func reopen(t *testing.T, s *Store, mods ...func(c *config.Config)) *Store {
	cfg := config.Default(false)
	cfg.ArchiveRoot = filepath.Dir(s.Dir)
	cfg.PrefixSplitThreshold = s.Threshold
	cfg.ChunkSize = s.ChunkSize
	for _, mod := range mods {
		mod(cfg)
	}
	s2, err := New(cfg)
	tassert(t, err == nil, "New: %v", err)
	err = s2.BuildIndex()
	tassert(t, err == nil, "BuildIndex: %v", err)
	return s2
}

func threshold(n int) func(c *config.Config) {
	return func(c *config.Config) { c.PrefixSplitThreshold = n }
}

var digestRe = regexp.MustCompile(`^[0-9a-f]{128}$`)

func TestNewCreatesDataDir(t *testing.T) {
	s := setup(t)
	fi, err := os.Stat(s.Dir)
	tassert(t, err == nil, "%v", err)
	tassert(t, fi.IsDir(), "not a dir")
	tassert(t, fi.Mode().Perm() == config.DataDirMode, "mode %o", fi.Mode().Perm())
}

func TestSaveDataHello(t *testing.T) {
	s := setup(t)
	data := mkbuf("Hello, World!")
	digest, err := s.SaveData(data)
	tassert(t, err == nil, "SaveData: %v", err)
	tassert(t, digestRe.MatchString(digest), "bad digest %q", digest)

	prefix, ok := s.Index.Lookup(digest)
	tassert(t, ok, "digest not indexed")
	path := filepath.Join(s.Dir, prefix, digest)
	got, err := readBlock(path)
	tassert(t, err == nil, "%v", err)
	tassert(t, bytes.Equal(got, data), "expected %q got %q", data, got)

	stats := s.Stats()
	tassert(t, stats["saved_blocks"] == 1, "saved_blocks %d", stats["saved_blocks"])
	tassert(t, stats["saved_bytes"] == int64(len(data)), "saved_bytes %d", stats["saved_bytes"])
	tassert(t, stats["packed_bytes"] > 0, "packed_bytes %d", stats["packed_bytes"])
}

func TestSaveDataHelloSharded(t *testing.T) {
	s := setup(t, threshold(1))
	for _, x := range []string{"one", "two"} {
		_, err := s.SaveData(mkbuf(x))
		tassert(t, err == nil, "%v", err)
	}
	data := mkbuf("Hello, World!")
	digest, err := s.SaveData(data)
	tassert(t, err == nil, "%v", err)

	path := filepath.Join(s.Dir, digest[:2], digest)
	got, err := readBlock(path)
	tassert(t, err == nil, "%v", err)
	tassert(t, bytes.Equal(got, data), "expected %q got %q", data, got)
	tassert(t, s.Stats()["saved_blocks"] == 3, "saved_blocks %d", s.Stats()["saved_blocks"])
}

func TestSaveDataDuplicate(t *testing.T) {
	s := setup(t)
	data := mkbuf("duplicate-data")
	digest1, err := s.SaveData(data)
	tassert(t, err == nil, "%v", err)
	digest2, err := s.SaveData(data)
	tassert(t, err == nil, "%v", err)
	tassert(t, digest1 == digest2, "digests differ: %s %s", digest1, digest2)

	stats := s.Stats()
	tassert(t, stats["saved_blocks"] == 1, "saved_blocks %d", stats["saved_blocks"])
	tassert(t, stats["duplicate_blocks"] == 1, "duplicate_blocks %d", stats["duplicate_blocks"])
	tassert(t, stats["duplicate_bytes"] == int64(len(data)), "duplicate_bytes %d", stats["duplicate_bytes"])
}

func TestSaveDataProperties(t *testing.T) {
	s := setup(t, threshold(3))
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		data := make([]byte, r.Intn(5000)+1)
		r.Read(data)
		digest, err := s.SaveData(data)
		tassert(t, err == nil, "%v", err)
		before := s.Stats()
		again, err := s.SaveData(data)
		tassert(t, err == nil, "%v", err)
		tassert(t, again == digest, "digest changed")
		after := s.Stats()
		tassert(t, after["saved_blocks"] == before["saved_blocks"], "second save counted as saved")
		tassert(t, after["duplicate_blocks"] == before["duplicate_blocks"]+1, "second save not counted as duplicate")

		got, err := s.Load(digest)
		tassert(t, err == nil, "Load: %v", err)
		tassert(t, bytes.Equal(got, data), "block %d round trip failed", i)
	}
}

func TestSaveDataWriteFailure(t *testing.T) {
	s := setup(t)
	data := mkbuf("nowhere to go")
	digest := s.hash(data)
	// a directory squatting on the block's name makes the rename fail
	err := os.Mkdir(filepath.Join(s.Dir, digest), 0755)
	tassert(t, err == nil, "%v", err)

	got, err := s.SaveData(data)
	tassert(t, got == digest, "digest not returned on failure: %q", got)
	tassert(t, errors.Is(err, ErrCompression), "expected compression failure, got %v", err)
	_, ok := s.Index.Lookup(digest)
	tassert(t, ok, "index entry retracted")
	tassert(t, s.Stats()["saved_blocks"] == 1, "attempted write not counted")
}

func TestSaveStream(t *testing.T) {
	s := setup(t, func(c *config.Config) { c.ChunkSize = 16 * 1024 })
	size := 32 * 1024
	buf := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(buf)

	var calls int
	var total int64
	digests, err := s.SaveStream(bytes.NewReader(buf), int64(size), "test", func(n int64) {
		calls++
		total += n
	})
	tassert(t, err == nil, "SaveStream: %v", err)
	tassert(t, len(digests) >= 2, "digests %d", len(digests))
	tassert(t, calls > 1, "progress called %d times", calls)
	tassert(t, total == int64(size), "progress total %d", total)

	// the chain reassembles the stream
	var out []byte
	for _, digest := range digests {
		block, err := s.Load(digest)
		tassert(t, err == nil, "%v", err)
		out = append(out, block...)
	}
	ok, err := readercomp.Equal(bytes.NewReader(out), bytes.NewReader(buf), 4096)
	tassert(t, err == nil, "readercomp.Equal: %v", err)
	tassert(t, ok, "reassembled stream differs")
}

func TestSaveStreamShort(t *testing.T) {
	s := setup(t, func(c *config.Config) { c.ChunkSize = 10 })
	digests, err := s.SaveStream(bytes.NewReader(mkbuf("0123456789abcde")), 100, "short", nil)
	tassert(t, err == nil, "%v", err)
	tassert(t, len(digests) == 2, "digests %d", len(digests))

	digests, err = s.SaveStream(bytes.NewReader(nil), 0, "empty", nil)
	tassert(t, err == nil && len(digests) == 0, "empty stream: %v %v", digests, err)

	// only size bytes are consumed
	rd := bytes.NewReader(mkbuf("0123456789abcde"))
	digests, err = s.SaveStream(rd, 5, "prefix", nil)
	tassert(t, err == nil && len(digests) == 1, "prefix stream: %v %v", digests, err)
	tassert(t, rd.Len() == 10, "read too far: %d left", rd.Len())
}

type failReader struct{}

func (failReader) Read(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestSaveStreamReadError(t *testing.T) {
	s := setup(t)
	_, err := s.SaveStream(failReader{}, 100, "broken", nil)
	tassert(t, errors.Cause(err) == io.ErrClosedPipe, "got %v", err)
}

// stallReader returns its data, then empty reads with no error
// forever.
type stallReader struct {
	data []byte
}

func (r *stallReader) Read(p []byte) (int, error) {
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestSaveStreamStall(t *testing.T) {
	for _, chunker := range []string{"fixed", "rabin"} {
		s := setup(t, func(c *config.Config) {
			c.Chunker = chunker
			c.ChunkSize = 10
		})
		var digests []string
		var err error
		done := make(chan bool)
		go func() {
			digests, err = s.SaveStream(&stallReader{data: mkbuf("abc")}, 100, "stall", nil)
			close(done)
		}()
		select {
		case <-done:
			tassert(t, err == nil, "%s: %v", chunker, err)
			tassert(t, len(digests) == 1, "%s: digests %d", chunker, len(digests))
			got, err := s.Load(digests[0])
			tassert(t, err == nil, "%v", err)
			tassert(t, string(got) == "abc", "%s: got %q", chunker, got)
		case <-time.After(10 * time.Second):
			t.Fatalf("%s: stream never ended", chunker)
		}
	}
}

func TestLoadMissing(t *testing.T) {
	s := setup(t)
	_, err := s.Load("abcd")
	tassert(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestConcurrentSaveData(t *testing.T) {
	s := setup(t, threshold(8))
	var blocks [][]byte
	for i := 0; i < 200; i++ {
		blocks = append(blocks, mkbuf(fmt.Sprintf("block %d", i)))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// every worker saves every block, starting at a different offset
			for i := range blocks {
				_, err := s.SaveData(blocks[(i+w*25)%len(blocks)])
				if err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	wg.Wait()

	stats := s.Stats()
	tassert(t, stats["saved_blocks"] == int64(len(blocks)), "saved_blocks %d", stats["saved_blocks"])
	tassert(t, stats["duplicate_blocks"] == int64(7*len(blocks)), "duplicate_blocks %d", stats["duplicate_blocks"])
	tassert(t, s.Index.Len() == len(blocks), "indexed %d", s.Index.Len())
	for _, data := range blocks {
		got, err := s.Load(s.hash(data))
		tassert(t, err == nil, "Load: %v", err)
		tassert(t, bytes.Equal(got, data), "block %q corrupted", data)
	}

	// a rebuilt index agrees with the live one
	s2 := reopen(t, s)
	for _, data := range blocks {
		digest := s.hash(data)
		p1, _ := s.Index.Lookup(digest)
		p2, ok := s2.Index.Lookup(digest)
		tassert(t, ok && p1 == p2, "%s: live %q rebuilt %q", digest, p1, p2)
	}
}
