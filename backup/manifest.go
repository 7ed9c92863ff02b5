package backup

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	. "github.com/stevegt/goadapt"
	"github.com/vmihailenco/msgpack"
)

const manifestDir = "runs"

// Root is a backup root and the digest chain of its inode record.
type Root struct {
	Path string   `msgpack:"path"`
	ID   []string `msgpack:"id"`
}

// Manifest summarizes one run.  It is the entry point for anything
// that later wants to find a run's trees in the archive.
type Manifest struct {
	RunID       string           `msgpack:"run_id"`
	Started     time.Time        `msgpack:"started"`
	Finished    time.Time        `msgpack:"finished"`
	Hash        string           `msgpack:"hash"`
	Compression string           `msgpack:"compression"`
	Chunker     string           `msgpack:"chunker"`
	Roots       []Root           `msgpack:"roots"`
	Files       int64            `msgpack:"files"`
	Dirs        int64            `msgpack:"dirs"`
	Duplicates  int64            `msgpack:"duplicates"`
	Failed      int64            `msgpack:"failed"`
	Pruned      int64            `msgpack:"pruned"`
	Bytes       int64            `msgpack:"bytes"`
	Stats       map[string]int64 `msgpack:"stats"`
	LogPath     string           `msgpack:"log"`
}

func newManifest(start time.Time) *Manifest {
	return &Manifest{
		RunID:   uuid.New().String(),
		Started: start,
	}
}

// Save writes the manifest to runs/<timestamp>.msgpack under dir and
// returns its path.
func (m *Manifest) Save(dir string) (path string, err error) {
	defer Return(&err)
	buf, err := msgpack.Marshal(m)
	Ck(err)
	runs := filepath.Join(dir, manifestDir)
	err = os.MkdirAll(runs, 0755)
	Ck(err)
	path = filepath.Join(runs, m.Started.Format(logTimeFormat)+"-"+m.RunID[:8]+".msgpack")
	err = renameio.WriteFile(path, buf, 0644)
	Ck(err)
	return
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (m *Manifest, err error) {
	defer Return(&err)
	buf, err := ioutil.ReadFile(path)
	Ck(err)
	m = &Manifest{}
	err = msgpack.Unmarshal(buf, m)
	Ck(err)
	return
}
