package archive

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Index mirrors the storage tree in memory.  It maps every stored
// digest to the prefix holding it, and every prefix to its children:
// digests, and shard directories written as "xx/".  The disk layout
// is the source of truth; the index is rebuilt from it by BuildIndex
// at startup and kept in step with every placement after that.
type Index struct {
	digests  sync.Map // digest -> prefix
	prefixes sync.Map // prefix -> *childSet
}

type childSet struct {
	mu       sync.Mutex
	children map[string]struct{}
}

// Lookup returns the prefix a digest is stored under.
func (idx *Index) Lookup(digest string) (prefix string, ok bool) {
	v, ok := idx.digests.Load(digest)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// HasPrefix reports whether prefix is a known shard directory.
func (idx *Index) HasPrefix(prefix string) bool {
	_, ok := idx.prefixes.Load(prefix)
	return ok
}

// Count returns the number of children under prefix.
func (idx *Index) Count(prefix string) int {
	v, ok := idx.prefixes.Load(prefix)
	if !ok {
		return 0
	}
	set := v.(*childSet)
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.children)
}

// Children returns the sorted children of prefix.
func (idx *Index) Children(prefix string) (children []string) {
	v, ok := idx.prefixes.Load(prefix)
	if !ok {
		return
	}
	set := v.(*childSet)
	set.mu.Lock()
	for child := range set.children {
		children = append(children, child)
	}
	set.mu.Unlock()
	sort.Strings(children)
	return
}

// Len returns the number of indexed digests.
func (idx *Index) Len() (n int) {
	idx.digests.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return
}

// set returns the child set of prefix, creating it if needed.
func (idx *Index) set(prefix string) *childSet {
	v, ok := idx.prefixes.Load(prefix)
	if ok {
		return v.(*childSet)
	}
	v, _ = idx.prefixes.LoadOrStore(prefix, &childSet{children: map[string]struct{}{}})
	return v.(*childSet)
}

// register records digest under prefix.  It returns false if some
// other caller registered the same digest first.
func (idx *Index) register(digest, prefix string) bool {
	set := idx.set(prefix)
	set.mu.Lock()
	defer set.mu.Unlock()
	_, loaded := idx.digests.LoadOrStore(digest, prefix)
	if loaded {
		return false
	}
	set.children[digest] = struct{}{}
	return true
}

func (set *childSet) add(child string) {
	set.mu.Lock()
	set.children[child] = struct{}{}
	set.mu.Unlock()
}

// BuildIndex scans the storage tree and records every shard and
// block it finds.  Anything else is logged and skipped.  Calling it
// again rescans without disturbing what is already indexed.
func (s *Store) BuildIndex() (err error) {
	type dir struct {
		prefix string
		path   string
	}
	stack := []dir{{prefix: "", path: s.Dir}}
	var blocks, shards, bad int
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(d.path)
		if err != nil {
			if d.prefix == "" {
				return errors.Wrapf(err, "scanning %s", d.path)
			}
			log.Errorf("scanning %s: %v", d.path, err)
			continue
		}

		set := s.Index.set(d.prefix)
		var subdirs []dir
		for _, entry := range entries {
			name := entry.Name()
			switch {
			case entry.IsDir() && isShard(name):
				set.add(dirMarker(name))
				sub := joinPrefix(d.prefix, name)
				s.Index.set(sub)
				subdirs = append(subdirs, dir{prefix: sub, path: filepath.Join(d.path, name)})
				shards++
			case !entry.IsDir() && isDigest(name):
				s.Index.digests.Store(name, d.prefix)
				set.add(name)
				blocks++
			default:
				log.Warn(errors.Wrapf(ErrMalformedEntry, "%s", filepath.Join(d.path, name)))
				bad++
			}
		}
		// push in reverse so shards are visited in sorted order
		for i := len(subdirs) - 1; i >= 0; i-- {
			stack = append(stack, subdirs[i])
		}
	}
	log.Debugf("indexed %d blocks in %d shards under %s, %d bad entries", blocks, shards, s.Dir, bad)
	return
}
