package backup

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/deduba/osmeta"
)

// Store is what a session needs from the archive.
type Store interface {
	osmeta.StreamSaver
	Stats() map[string]int64
}

// entry is one queued filesystem path.
type entry struct {
	path   string
	parent *listing // nil for a root
	slot   int
	st     *osmeta.Stat
}

// identity is a filesystem object's (device, inode) pair.
type identity struct {
	dev uint64
	ino uint64
}

type inodeState int

const (
	pending inodeState = iota
	done
	failed
)

// inode tracks one identity through the run.  Paths that turn out to
// be hard links to a pending inode wait on it.
type inode struct {
	state   inodeState
	isDir   bool
	id      []string
	waiters []*entry
}

// job is the expensive part of processing an entry; it runs on a
// worker.  dir is set for directories whose children have all
// finished.
type job struct {
	e   *entry
	key identity
	dir *listing
}

type result struct {
	job    *job
	id     []string
	blocks int
	took   time.Duration
	err    error
}

// Session is one backup run.  The dispatcher goroutine in Run owns
// every map and counter here except bytes, which workers bump while
// streaming.
type Session struct {
	Store   Store
	OS      osmeta.API
	Archive string // canonical archive root; never backed up
	Workers int
	Verbose bool
	RunLog  *RunLog
	Status  *Status

	devices map[uint64]bool
	fs2ino  map[identity]*inode
	queue   []*entry
	ready   []*job
	results chan *result

	inFlight int
	roots    []Root

	files      int64
	dirs       int64
	failed     int64
	pruned     int64
	duplicates int64
	bytes      int64 // atomic
	current    string
}

// NewSession returns a session writing into store.  archive is the
// canonical path of the archive root.
func NewSession(store Store, api osmeta.API, archive string, workers int) *Session {
	if workers < 1 {
		workers = 1
	}
	return &Session{
		Store:   store,
		OS:      api,
		Archive: archive,
		Workers: workers,
		RunLog:  discardLog(),
	}
}

// within reports whether path is dir or below it.
func within(path, dir string) bool {
	if dir == "" {
		return false
	}
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
}

// Run backs up the given roots.  It returns an error only if the run
// can't start; failures of individual entries are logged and
// counted.
func (s *Session) Run(paths []string) (err error) {
	s.devices = map[uint64]bool{}
	s.fs2ino = map[identity]*inode{}
	s.queue = nil
	s.ready = nil
	s.roots = nil

	seen := map[string]bool{}
	var roots []string
	for _, path := range paths {
		canon, err := s.OS.Canonical(path)
		if err != nil {
			return err
		}
		if within(canon, s.Archive) {
			return fmt.Errorf("refusing to back up %s: inside archive %s", canon, s.Archive)
		}
		if !seen[canon] {
			seen[canon] = true
			roots = append(roots, canon)
		}
	}
	sort.Strings(roots)
	for _, root := range roots {
		st, err := s.OS.Stat(root)
		if err != nil {
			return err
		}
		s.devices[st.Dev] = true
		s.queue = append(s.queue, &entry{path: root, slot: -1})
	}

	pool, err := ants.NewPool(s.Workers)
	if err != nil {
		return
	}
	defer pool.Release()
	s.results = make(chan *result, s.Workers)

	for {
		for s.inFlight < s.Workers {
			j := s.next()
			if j == nil {
				break
			}
			s.inFlight++
			err := pool.Submit(func() { s.results <- s.process(j) })
			if err != nil {
				s.inFlight--
				s.handle(&result{job: j, err: err})
			}
		}
		if s.inFlight == 0 && len(s.ready) == 0 && len(s.queue) == 0 {
			break
		}
		if s.inFlight == 0 {
			continue
		}
		res := <-s.results
		s.inFlight--
		s.handle(res)
		s.Status.Update(s.Snapshot(), false)
	}
	s.Status.Done(s.Snapshot())

	for key, in := range s.fs2ino {
		if in.state == pending {
			// only directories that wait on each other get here
			log.Warnf("inode %d on device %d never finished; %d links dropped", key.ino, key.dev, len(in.waiters))
		}
	}

	sort.Slice(s.roots, func(i, j int) bool { return s.roots[i].Path < s.roots[j].Path })
	return nil
}

// next returns the next job to hand to a worker: finished directories
// first, then whatever dispatching the queue turns up.  It returns nil
// when there is nothing to do until a running job finishes.
func (s *Session) next() *job {
	if len(s.ready) > 0 {
		j := s.ready[0]
		s.ready = s.ready[1:]
		return j
	}
	for len(s.queue) > 0 {
		e := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		j := s.dispatch(e)
		if j != nil {
			return j
		}
		if len(s.ready) > 0 {
			j := s.ready[0]
			s.ready = s.ready[1:]
			return j
		}
	}
	return nil
}

// dispatch does the cheap part of processing an entry in the
// dispatcher: the pruning guard, stat, the identity check, and
// listing directories.
func (s *Session) dispatch(e *entry) *job {
	s.current = e.path

	canon, err := s.OS.Canonical(e.path)
	if err != nil {
		s.fail(e, err)
		return nil
	}
	if within(canon, s.Archive) {
		s.prune(e, "inside archive "+s.Archive)
		return nil
	}

	st, err := s.OS.Stat(e.path)
	if err != nil {
		s.fail(e, err)
		return nil
	}
	e.st = st
	if !s.devices[st.Dev] {
		s.prune(e, fmt.Sprintf("device %d is not a backup root's", st.Dev))
		return nil
	}

	key := identity{dev: st.Dev, ino: st.Ino}
	if in, ok := s.fs2ino[key]; ok {
		s.duplicates++
		switch {
		case in.state == done:
			s.RunLog.Duplicate(in.id, e.path, st.Size)
			s.childDone(e, in.id, true)
		case in.state == failed:
			s.RunLog.Failed(e.path, fmt.Errorf("hard link to an inode that failed"))
			s.childDone(e, nil, false)
		case in.isDir && inside(e, key):
			// a directory reached from below itself, e.g. through a
			// bind mount
			log.Warnf("%s: directory cycle, recording an empty reference", e.path)
			s.RunLog.Duplicate(nil, e.path, st.Size)
			s.childDone(e, nil, true)
		default:
			in.waiters = append(in.waiters, e)
		}
		return nil
	}

	in := &inode{isDir: st.Type == osmeta.TypeDirectory}
	s.fs2ino[key] = in
	if !in.isDir {
		return &job{e: e, key: key}
	}

	children, err := s.OS.ListDirectory(e.path)
	if err != nil {
		in.state = failed
		s.fail(e, err)
		return nil
	}
	names := make([]string, len(children))
	for i, child := range children {
		names[i] = filepath.Base(child)
	}
	l := newListing(e, key, names)
	for i, child := range children {
		s.queue = append(s.queue, &entry{path: child, parent: l, slot: i})
	}
	if l.pending == 0 {
		return &job{e: e, key: key, dir: l}
	}
	return nil
}

// inside reports whether e lies below the directory with identity
// key.
func inside(e *entry, key identity) bool {
	for l := e.parent; l != nil; l = l.entry.parent {
		if l.key == key {
			return true
		}
	}
	return false
}

// process runs on a worker.  It stores the entry's content, completes
// its metadata, and stores the resulting inode record.
func (s *Session) process(j *job) (res *result) {
	res = &result{job: j}
	start := time.Now()
	path := j.e.path
	st := j.e.st

	var hashes []string
	var err error
	switch st.Type {
	case osmeta.TypeRegular:
		if st.Size > 0 {
			hashes, err = s.saveFile(path, st.Size)
		}
	case osmeta.TypeSymlink:
		var target string
		target, err = s.OS.ReadLink(path)
		if err == nil {
			hashes, err = s.Store.SaveStream(strings.NewReader(target), int64(len(target)), path+" $data readlink", nil)
		}
	case osmeta.TypeDirectory:
		data := j.dir.pack()
		hashes, err = s.Store.SaveStream(bytes.NewReader(data), int64(len(data)), path+" $data $dirtmp", nil)
	}
	if err != nil {
		res.err = err
		return
	}

	ext, err := s.OS.CompleteMetadata(path, st, s.Store)
	if err != nil {
		res.err = err
		return
	}

	rec := &inodeRecord{st: st, ext: ext, hashes: hashes}
	data := rec.pack()
	res.id, err = s.Store.SaveStream(bytes.NewReader(data), int64(len(data)), path+" $data @inode", nil)
	if err != nil {
		res.err = err
		return
	}
	res.blocks = len(hashes)
	res.took = time.Since(start)
	return
}

func (s *Session) saveFile(path string, size int64) (hashes []string, err error) {
	rc, err := s.OS.Open(path)
	if err != nil {
		return
	}
	defer rc.Close()
	return s.Store.SaveStream(rc, size, path, func(n int64) {
		atomic.AddInt64(&s.bytes, n)
	})
}

// handle folds a worker's result back into the session.
func (s *Session) handle(res *result) {
	j := res.job
	in := s.fs2ino[j.key]
	e := j.e

	if res.err != nil {
		in.state = failed
		s.fail(e, res.err)
		for _, w := range in.waiters {
			s.RunLog.Failed(w.path, fmt.Errorf("hard link to %s, which failed", e.path))
			s.childDone(w, nil, false)
		}
		in.waiters = nil
		return
	}

	in.state = done
	in.id = res.id
	if in.isDir {
		s.dirs++
	} else {
		s.files++
	}
	s.RunLog.Stored(res.id, e.path, e.st.Size, res.blocks, res.took)
	if s.Verbose {
		log.Infof("%s %s", strings.Join(res.id, ","), e.path)
	}
	s.childDone(e, res.id, true)
	for _, w := range in.waiters {
		s.RunLog.Duplicate(res.id, w.path, w.st.Size)
		s.childDone(w, res.id, true)
	}
	in.waiters = nil
}

// childDone reports a finished entry to its parent listing.  ok is
// false for entries that were abandoned.  The parent becomes ready
// once its last child reports.
func (s *Session) childDone(e *entry, id []string, ok bool) {
	if e.parent == nil {
		if ok {
			s.roots = append(s.roots, Root{Path: e.path, ID: id})
		}
		return
	}
	l := e.parent
	if ok {
		l.set(e.slot, id)
	}
	l.pending--
	if l.pending == 0 {
		s.ready = append(s.ready, &job{e: l.entry, key: l.key, dir: l})
	}
}

func (s *Session) fail(e *entry, err error) {
	s.failed++
	s.RunLog.Failed(e.path, err)
	s.report(fmt.Sprintf("%s: %v", e.path, err))
	s.childDone(e, nil, false)
}

func (s *Session) prune(e *entry, why string) {
	s.pruned++
	s.RunLog.Pruned(e.path, why)
	s.report(fmt.Sprintf("pruning %s: %s", e.path, why))
	s.childDone(e, nil, false)
}

// report shows an error on the console without stopping the run.
func (s *Session) report(msg string) {
	if s.Status != nil {
		s.Status.Error(msg)
		return
	}
	log.Error(msg)
}

// Snapshot returns the current progress.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		Files:  s.files,
		Dirs:   s.dirs,
		Queued: int64(len(s.queue)),
		Failed: s.failed,
		Bytes:  atomic.LoadInt64(&s.bytes),
		Path:   s.current,
	}
}

// Roots returns the roots that were stored, with their identities.
func (s *Session) Roots() []Root {
	return s.roots
}

// Counters returns the run's totals.
func (s *Session) Counters() (files, dirs, duplicates, failed, pruned, bytes int64) {
	return s.files, s.dirs, s.duplicates, s.failed, s.pruned, atomic.LoadInt64(&s.bytes)
}
