package backup

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

const (
	logPrefix     = "log_"
	logLatest     = "log_latest"
	logTimeFormat = "2006-01-02-15-04-05"
)

// RunLog is the per-run audit trail kept in the archive root: one
// line per processed inode, plus every failure.
type RunLog struct {
	*logrus.Logger
	Path string
	fh   *os.File
}

// OpenRunLog creates log_<timestamp> in dir and points log_latest at
// it.
func OpenRunLog(dir string, start time.Time) (rl *RunLog, err error) {
	defer Return(&err)
	name := logPrefix + start.Format(logTimeFormat)
	path := filepath.Join(dir, name)
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	Ck(err)

	logger := logrus.New()
	logger.SetOutput(fh)
	logger.SetLevel(logrus.InfoLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339Nano,
	})
	rl = &RunLog{Logger: logger, Path: path, fh: fh}

	err = renameio.Symlink(name, filepath.Join(dir, logLatest))
	if err != nil {
		fh.Close()
		return nil, err
	}
	return
}

// discardLog is used when a session runs without a run log.
func discardLog() *RunLog {
	logger := logrus.New()
	logger.SetOutput(ioutil.Discard)
	return &RunLog{Logger: logger}
}

func (rl *RunLog) Close() error {
	if rl.fh == nil {
		return nil
	}
	return rl.fh.Close()
}

// Stored records a freshly stored inode.
func (rl *RunLog) Stored(id []string, path string, size int64, blocks int, took time.Duration) {
	rl.WithFields(logrus.Fields{
		"id":   strings.Join(id, ","),
		"path": path,
	}).Infof("[%d -> %d blocks: %s]", size, blocks, took.Round(time.Microsecond))
}

// Duplicate records a hard link to an inode already stored this run.
func (rl *RunLog) Duplicate(id []string, path string, size int64) {
	rl.WithFields(logrus.Fields{
		"id":   strings.Join(id, ","),
		"path": path,
	}).Infof("[OLD: %d -> duplicate]", size)
}

// Failed records an abandoned entry.
func (rl *RunLog) Failed(path string, err error) {
	rl.WithField("path", path).WithError(err).Error("failed")
}

// Pruned records an entry the pruning guard refused.
func (rl *RunLog) Pruned(path, why string) {
	rl.WithField("path", path).Errorf("pruning: %s", why)
}
