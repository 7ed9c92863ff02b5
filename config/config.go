// Package config holds the settings of one backup archive.  The
// settings that affect the on-disk layout are persisted next to the
// archive in deduba.yaml so later runs hash, compress, and chunk the
// same way the first one did.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"gopkg.in/yaml.v3"
)

const (
	kiB = 1024
	miB = 1024 * kiB
	giB = 1024 * miB

	// EnvArchiveRoot overrides the archive root in both modes.
	EnvArchiveRoot = "DEDU_ARCHIVE_ROOT"

	// FileName is the name of the settings file in the archive root.
	FileName = "deduba.yaml"

	// DataDirMode is the mode of the block storage directory.
	DataDirMode = 0711

	ProductionRoot = "/archive/backup"
	testingDirName = "ARCHIVE5"

	DefChunkSize            = 1 * giB
	DefPrefixSplitThreshold = 255
	DefMinChunkSize         = 512 * kiB
	DefMaxChunkSize         = 8 * miB

	// DefRabinPoly is an irreducible polynomial produced by
	// chunker.RandomPolynomial.  It must not change once an archive
	// holds rabin-chunked blocks.
	DefRabinPoly = 0x25d92e975e1aa3
)

// Config describes an archive and how a run writes into it.
// ArchiveRoot, Verbose, and Testing come from the command line and
// the environment; everything else is persisted in deduba.yaml.
type Config struct {
	ArchiveRoot string `yaml:"-"`
	Verbose     bool   `yaml:"-"`
	Testing     bool   `yaml:"-"`

	Hash                 string `yaml:"hash"`        // sha512 or blake3
	Compression          string `yaml:"compression"` // bzip2, zstd or lz4
	Chunker              string `yaml:"chunker"`     // fixed or rabin
	ChunkSize            int64  `yaml:"chunk_size"`
	MinChunkSize         uint   `yaml:"min_chunk_size"`
	MaxChunkSize         uint   `yaml:"max_chunk_size"`
	RabinPoly            uint64 `yaml:"rabin_poly"`
	PrefixSplitThreshold int    `yaml:"prefix_split_threshold"`
	Workers              int    `yaml:"workers"`
}

// Default returns the settings a fresh archive starts with.  The
// archive root is the testing root unless production is set; the
// DEDU_ARCHIVE_ROOT environment variable overrides either.
func Default(production bool) *Config {
	c := &Config{
		Testing:              !production,
		Hash:                 "sha512",
		Compression:          "bzip2",
		Chunker:              "fixed",
		ChunkSize:            DefChunkSize,
		MinChunkSize:         DefMinChunkSize,
		MaxChunkSize:         DefMaxChunkSize,
		RabinPoly:            DefRabinPoly,
		PrefixSplitThreshold: DefPrefixSplitThreshold,
		Workers:              1,
	}
	c.ArchiveRoot = DefaultRoot(production)
	return c
}

// DefaultRoot returns the archive root for the given mode.
func DefaultRoot(production bool) string {
	root := os.Getenv(EnvArchiveRoot)
	if root != "" {
		return root
	}
	if production {
		return ProductionRoot
	}
	return filepath.Join(os.TempDir(), testingDirName)
}

// DataPath is the directory the archive store keeps its blocks in.
func (c *Config) DataPath() string {
	return filepath.Join(c.ArchiveRoot, "DATA")
}

// Path is the location of the settings file.
func (c *Config) Path() string {
	return filepath.Join(c.ArchiveRoot, FileName)
}

// Validate checks the settings for values the store can't work with.
func (c *Config) Validate() (err error) {
	switch c.Hash {
	case "sha512", "blake3":
	default:
		return fmt.Errorf("unknown hash: %q", c.Hash)
	}
	switch c.Compression {
	case "bzip2", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown compression: %q", c.Compression)
	}
	switch c.Chunker {
	case "fixed":
	case "rabin":
		if c.MinChunkSize == 0 || c.MaxChunkSize < c.MinChunkSize {
			return fmt.Errorf("bad rabin chunk bounds: %d..%d", c.MinChunkSize, c.MaxChunkSize)
		}
		if c.RabinPoly == 0 {
			return fmt.Errorf("rabin chunker needs a polynomial")
		}
	default:
		return fmt.Errorf("unknown chunker: %q", c.Chunker)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive: %d", c.ChunkSize)
	}
	if c.PrefixSplitThreshold < 1 {
		return fmt.Errorf("prefix split threshold must be positive: %d", c.PrefixSplitThreshold)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive: %d", c.Workers)
	}
	return
}

// Load overlays the YAML file at path onto c.  A missing file is not
// an error; Load reports whether it found one.
func (c *Config) Load(path string) (found bool, err error) {
	defer Return(&err)
	buf, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	Ck(err)
	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return true, errors.Wrapf(err, "parsing %s", path)
	}
	return true, c.Validate()
}

// Save writes the persistent settings to the archive root.
func (c *Config) Save() (err error) {
	defer Return(&err)
	err = c.Validate()
	Ck(err)
	buf, err := yaml.Marshal(c)
	Ck(err)
	err = os.MkdirAll(c.ArchiveRoot, 0755)
	Ck(err)
	err = renameio.WriteFile(c.Path(), buf, 0644)
	Ck(err)
	return
}

// Open loads the archive's settings file, creating it from the
// current values if the archive doesn't have one yet.
func (c *Config) Open() (err error) {
	found, err := c.Load(c.Path())
	if err != nil {
		return
	}
	if found {
		log.Debugf("loaded %s", c.Path())
		return
	}
	log.Debugf("creating %s", c.Path())
	return c.Save()
}
