package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/deduba/config"
)

// Store is a content-addressable block store.  Dir is the storage
// root.  Blocks start out directly in Dir; once a directory holds
// more than Threshold entries it is split into 256 shard
// subdirectories named by the next two hex characters of the digests
// it holds.
type Store struct {
	Dir       string
	ChunkSize int64
	Threshold int
	Verbose   bool
	Index     *Index

	chunker string
	rabin   Rabin
	hash    Hasher
	comp    Compressor

	// reorg serializes shard splits
	reorg sync.Mutex

	savedBlocks int64
	savedBytes  int64
	dupBlocks   int64
	dupBytes    int64
	packedBytes int64
}

// New opens the store under cfg.DataPath(), creating the directory if
// the archive is new.  Call BuildIndex before saving anything into an
// existing archive.
func New(cfg *config.Config) (s *Store, err error) {
	defer Return(&err)

	err = cfg.Validate()
	Ck(err)

	s = &Store{
		Dir:       cfg.DataPath(),
		ChunkSize: cfg.ChunkSize,
		Threshold: cfg.PrefixSplitThreshold,
		Verbose:   cfg.Verbose,
		Index:     &Index{},
		chunker:   cfg.Chunker,
	}
	s.hash, err = NewHasher(cfg.Hash)
	Ck(err)
	s.comp, err = NewCompressor(cfg.Compression)
	Ck(err)
	if s.chunker == "rabin" {
		var r *Rabin
		r, err = Rabin{
			Poly:    resticRabin.Pol(cfg.RabinPoly),
			MinSize: cfg.MinChunkSize,
			MaxSize: cfg.MaxChunkSize,
		}.Init()
		Ck(err)
		s.rabin = *r
	}

	err = os.MkdirAll(s.Dir, config.DataDirMode)
	Ck(err)
	err = os.Chmod(s.Dir, config.DataDirMode)
	Ck(err)
	return
}

// TargetPathForHash decides where a new block goes.  If digest is
// already stored it returns fresh == false and no path.  Otherwise it
// registers digest in the index, splitting an over-full directory on
// the way, and returns the absolute path the block must be written
// to.
func (s *Store) TargetPathForHash(digest string) (path string, fresh bool) {
	if prefix, ok := s.Index.Lookup(digest); ok {
		s.countPacked(s.blockPath(prefix, digest))
		return "", false
	}

	prefix := ""
	for _, candidate := range candidatePrefixes(digest) {
		if s.Index.HasPrefix(candidate) {
			prefix = candidate
			break
		}
	}

	if s.Index.Count(prefix) > s.Threshold {
		prefix = s.split(prefix, digest)
	}

	if !s.Index.register(digest, prefix) {
		// lost a race with another caller saving the same block
		return "", false
	}
	path = s.blockPath(prefix, digest)
	if s.Verbose {
		log.Infof("placing %s under %q", digest, prefix)
	}
	return path, true
}

func (s *Store) countPacked(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		log.Debugf("duplicate block missing on disk: %v", err)
		return
	}
	atomic.AddInt64(&s.packedBytes, fi.Size())
}

// split reorganizes prefix if it still needs it once we hold the
// reorg lock, then returns the shard below prefix that digest
// belongs in.
func (s *Store) split(prefix, digest string) string {
	s.reorg.Lock()
	defer s.reorg.Unlock()

	set := s.Index.set(prefix)
	set.mu.Lock()
	if s.needsSplit(set) {
		s.reorganize(prefix, set)
	}
	set.mu.Unlock()

	shard := shardOf(digest, prefixDepth(prefix))
	if shard == "" {
		return prefix
	}
	sub := joinPrefix(prefix, shard)
	if !s.Index.HasPrefix(sub) {
		// the shard directory couldn't be created
		return prefix
	}
	return sub
}

// needsSplit must be called with set.mu held.  A directory that
// already holds all 256 shards and no blocks was split by someone
// else while we waited for the lock.
func (s *Store) needsSplit(set *childSet) bool {
	if len(set.children) <= s.Threshold {
		return false
	}
	markers := 0
	for child := range set.children {
		if !isDirMarker(child) {
			return true
		}
		markers++
	}
	return markers < 256
}

// reorganize must be called with the reorg lock and set.mu held.
func (s *Store) reorganize(prefix string, set *childSet) {
	depth := prefixDepth(prefix)
	dir := s.prefixPath(prefix)
	log.Debugf("splitting %q (%d entries)", prefix, len(set.children))

	for n := 0; n < 256; n++ {
		shard := fmt.Sprintf("%02x", n)
		marker := dirMarker(shard)
		if _, ok := set.children[marker]; ok {
			continue
		}
		err := os.MkdirAll(filepath.Join(dir, shard), 0755)
		if err != nil {
			log.Errorf("splitting %q: %v", prefix, err)
			continue
		}
		set.children[marker] = struct{}{}
		s.Index.set(joinPrefix(prefix, shard))
	}

	var moved, failed int
	for child := range set.children {
		if isDirMarker(child) {
			continue
		}
		shard := shardOf(child, depth)
		if shard == "" {
			continue
		}
		if _, ok := set.children[dirMarker(shard)]; !ok {
			continue
		}
		sub := joinPrefix(prefix, shard)
		err := os.Rename(s.blockPath(prefix, child), s.blockPath(sub, child))
		if err != nil {
			// the block stays where it is, and so does its index entry
			log.Error(errors.Wrapf(ErrMove, "%s to %q: %v", child, sub, err))
			failed++
			continue
		}
		delete(set.children, child)
		s.Index.digests.Store(child, sub)
		s.Index.set(sub).add(child)
		moved++
	}
	log.Debugf("split %q: moved %d blocks, %d failed", prefix, moved, failed)
}

// SaveData stores one block and returns its digest.  The saved
// counters are bumped before the write is attempted, and a failed
// write leaves the digest registered; the error is logged and
// returned along with the digest.
func (s *Store) SaveData(data []byte) (digest string, err error) {
	digest = s.hash(data)
	path, fresh := s.TargetPathForHash(digest)
	if !fresh {
		atomic.AddInt64(&s.dupBlocks, 1)
		atomic.AddInt64(&s.dupBytes, int64(len(data)))
		return digest, nil
	}

	atomic.AddInt64(&s.savedBlocks, 1)
	atomic.AddInt64(&s.savedBytes, int64(len(data)))
	packed, err := writeBlock(s.comp, path, data)
	if err != nil {
		err = errors.Wrapf(ErrCompression, "%s: %v", path, err)
		log.Error(err)
		return digest, err
	}
	atomic.AddInt64(&s.packedBytes, packed)
	return digest, nil
}

// stopReader ends a stream at the first read that returns no data.
type stopReader struct {
	io.Reader
}

func (r stopReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

// SaveStream stores size bytes from rd as a chain of blocks and
// returns their digests in order.  progress, if not nil, is called
// with the number of bytes consumed after each block.  A stream that
// ends early, or returns a read with no data, is not an error; its
// chain just covers less.  Write
// failures are logged by SaveData and don't stop the stream.
func (s *Store) SaveStream(rd io.Reader, size int64, tag string, progress func(int64)) (digests []string, err error) {
	rd = stopReader{rd}
	if s.chunker == "rabin" {
		return s.saveRabin(rd, size, tag, progress)
	}

	bufsize := s.ChunkSize
	if size < bufsize {
		bufsize = size
	}
	if bufsize <= 0 {
		return
	}
	buf := make([]byte, bufsize)
	for size > 0 {
		want := bufsize
		if size < want {
			want = size
		}
		n, err := io.ReadFull(rd, buf[:want])
		if n > 0 {
			digest, _ := s.SaveData(buf[:n])
			digests = append(digests, digest)
			size -= int64(n)
			if progress != nil {
				progress(int64(n))
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if size > 0 {
				log.Debugf("%s: stream ended %d bytes short", tag, size)
			}
			break
		}
		if err != nil {
			return digests, errors.Wrapf(err, "reading %s", tag)
		}
	}
	return
}

func (s *Store) saveRabin(rd io.Reader, size int64, tag string, progress func(int64)) (digests []string, err error) {
	if size <= 0 {
		return
	}
	chunker := s.rabin
	chunker.Start(io.LimitReader(rd, size))

	bufsize := int64(chunker.MaxSize)
	if size < bufsize {
		bufsize = size
	}
	buf := make([]byte, bufsize)
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return digests, errors.Wrapf(err, "reading %s", tag)
		}
		digest, _ := s.SaveData(chunk.Data)
		digests = append(digests, digest)
		if progress != nil {
			progress(int64(chunk.Length))
		}
	}
	return
}

// Load returns the content of a stored block.
func (s *Store) Load(digest string) (data []byte, err error) {
	prefix, ok := s.Index.Lookup(digest)
	if !ok {
		return nil, fmt.Errorf("%s: %w", digest, os.ErrNotExist)
	}
	return readBlock(s.blockPath(prefix, digest))
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() map[string]int64 {
	return map[string]int64{
		"saved_blocks":     atomic.LoadInt64(&s.savedBlocks),
		"saved_bytes":      atomic.LoadInt64(&s.savedBytes),
		"duplicate_blocks": atomic.LoadInt64(&s.dupBlocks),
		"duplicate_bytes":  atomic.LoadInt64(&s.dupBytes),
		"packed_bytes":     atomic.LoadInt64(&s.packedBytes),
	}
}
