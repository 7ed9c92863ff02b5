package main

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/deduba/backup"
	"github.com/t7a/deduba/config"
	"github.com/t7a/deduba/osmeta"
	"golang.org/x/term"
)

func init() {
	var debug string
	debug = os.Getenv("DEBUG")
	if debug == "1" {
		log.SetLevel(log.DebugLevel)
	}
	logrus.SetReportCaller(true)
	formatter := &logrus.TextFormatter{
		CallerPrettyfier: caller(),
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyFile: "caller",
		},
	}
	formatter.TimestampFormat = "15:04:05.999999999"
	logrus.SetFormatter(formatter)
}

// caller returns string presentation of log caller which is formatted as
// `/path/to/file.go:line_number`. e.g. `/internal/app/api.go:25`
func caller() func(*runtime.Frame) (function string, file string) {
	return func(f *runtime.Frame) (function string, file string) {
		p, _ := os.Getwd()
		return "", fmt.Sprintf("%s:%d gid %d", strings.TrimPrefix(f.File, p), f.Line, getGID())
	}
}

// getGID returns the id of the calling goroutine, for telling worker
// log lines apart.
func getGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

const usage = `deduba

Back up directory trees into a deduplicating archive.

A root inside the archive stops the run.  Anything below a root that
leads into the archive is pruned and reported as an error.

Usage:
  deduba [-v] [-p] [-q] [-a <archive>] [-c <config>] [-w <n>] <path>...

Options:
  -h --help      Show this screen.
  --version      Show version.
  -v --verbose   Log every stored entry and block placement.
  -p --production  Use the production archive root.
  -q --quiet     No status line or summary.
  -a <archive>   Archive root; overrides $DEDU_ARCHIVE_ROOT.
  -c <config>    Settings for a new archive, in deduba.yaml format.
  -w <n>         Number of worker goroutines.
`

// exit codes
const (
	rcBadArgs = 22
	rcBackup  = 42
	rcConfig  = 43
)

type Opts struct {
	Verbose    bool
	Production bool
	Quiet      bool
	Archive    string `docopt:"-a"`
	Config     string `docopt:"-c"`
	Workers    string `docopt:"-w"`
	Path       []string
}

func main() {
	// see https://github.com/google/go-cmdtest
	os.Exit(run())
}

func run() (rc int) {
	var msg string
	defer func() {
		if len(msg) > 0 {
			log.Error(msg)
		}
	}()
	defer Halt(&rc, &msg)

	parser := &docopt.Parser{
		OptionsFirst: false,
		HelpHandler:  docopt.PrintHelpOnly,
	}
	o, err := parser.ParseArgs(usage, os.Args[1:], "0.0")
	if err != nil {
		return rcBadArgs
	}
	if o == nil {
		// help or version was printed
		return 0
	}
	var opts Opts
	err = o.Bind(&opts)
	if err != nil {
		log.Error(err)
		return rcBadArgs
	}
	log.Debug(opts)

	cfg, err := configure(opts)
	if err != nil {
		log.Error(err)
		return rcConfig
	}

	var status *backup.Status
	if !opts.Quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		status = backup.NewStatus(os.Stderr)
	}

	m, err := backup.Backup(cfg, osmeta.New(), opts.Path, status)
	if err != nil {
		log.Error(err)
		return rcBackup
	}

	if !opts.Quiet {
		for _, root := range m.Roots {
			fmt.Printf("%s %s\n", strings.Join(root.ID, ","), root.Path)
		}
		fmt.Printf("%d files, %d dirs, %d duplicates, %d failed, %d pruned, %s read in %s\n",
			m.Files, m.Dirs, m.Duplicates, m.Failed, m.Pruned,
			humanize.Bytes(uint64(m.Bytes)), m.Finished.Sub(m.Started).Round(time.Millisecond))
		fmt.Printf("log: %s\n", m.LogPath)
	}
	return 0
}

// configure builds the run's settings.  The archive's own deduba.yaml
// wins over -c, so an existing archive keeps hashing and chunking the
// way it started.
func configure(opts Opts) (cfg *config.Config, err error) {
	cfg = config.Default(opts.Production)
	cfg.Verbose = opts.Verbose
	if opts.Archive != "" {
		cfg.ArchiveRoot = opts.Archive
	}
	if opts.Config != "" {
		found, err := cfg.Load(opts.Config)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%s: %w", opts.Config, os.ErrNotExist)
		}
	}
	err = cfg.Open()
	if err != nil {
		return
	}
	if opts.Workers != "" {
		cfg.Workers, err = strconv.Atoi(opts.Workers)
		if err != nil {
			return nil, fmt.Errorf("bad worker count: %q", opts.Workers)
		}
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	log.Debugf("archive %s, %d workers", cfg.ArchiveRoot, cfg.Workers)
	return
}
