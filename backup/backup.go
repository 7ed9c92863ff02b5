package backup

import (
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/deduba/archive"
	"github.com/t7a/deduba/config"
	"github.com/t7a/deduba/osmeta"
)

// Backup stores paths into the archive described by cfg and returns
// the run's manifest, which has already been saved to the archive.
// status may be nil.  An error means the run could not start or could
// not be recorded; individual entries that fail are only counted.
func Backup(cfg *config.Config, api osmeta.API, paths []string, status *Status) (m *Manifest, err error) {
	defer Return(&err)
	start := time.Now()
	m = newManifest(start)

	store, err := archive.New(cfg)
	Ck(err)
	archiveRoot, err := filepath.Abs(cfg.ArchiveRoot)
	Ck(err)
	archiveRoot, err = filepath.EvalSymlinks(archiveRoot)
	Ck(err)

	rl, err := OpenRunLog(cfg.ArchiveRoot, start)
	Ck(err)
	defer rl.Close()
	rl.WithField("run", m.RunID).Infof("backup of %v into %s", paths, archiveRoot)

	err = store.BuildIndex()
	Ck(err)
	log.Debugf("index holds %d blocks", store.Index.Len())

	sess := NewSession(store, api, archiveRoot, cfg.Workers)
	sess.RunLog = rl
	sess.Status = status
	sess.Verbose = cfg.Verbose
	err = sess.Run(paths)
	Ck(err)

	m.Finished = time.Now()
	m.Hash = cfg.Hash
	m.Compression = cfg.Compression
	m.Chunker = cfg.Chunker
	m.Roots = sess.Roots()
	m.Files, m.Dirs, m.Duplicates, m.Failed, m.Pruned, m.Bytes = sess.Counters()
	m.Stats = store.Stats()
	m.LogPath = rl.Path

	rl.WithFields(log.Fields{
		"files":  m.Files,
		"dirs":   m.Dirs,
		"failed": m.Failed,
	}).Infof("done in %s", m.Finished.Sub(start).Round(time.Millisecond))
	var keys []string
	for k := range m.Stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rl.Infof("%s: %d", k, m.Stats[k])
	}

	_, err = m.Save(cfg.ArchiveRoot)
	Ck(err)
	return
}
