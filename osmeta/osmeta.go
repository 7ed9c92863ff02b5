// Package osmeta collects the operating-system metadata of filesystem
// objects: stat data, directory listings, link targets, owner names,
// ACLs, and extended attributes.  The backup engine only sees the
// typed records and error kinds defined here.
package osmeta

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// FileType is the decoded S_IFMT part of a mode.
type FileType int

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeFIFO
	TypeSocket
)

var typeFlags = map[FileType]string{
	TypeUnknown:     "unknown",
	TypeRegular:     "reg",
	TypeDirectory:   "dir",
	TypeSymlink:     "lnk",
	TypeCharDevice:  "chr",
	TypeBlockDevice: "blk",
	TypeFIFO:        "fifo",
	TypeSocket:      "sock",
}

// Flag is the short name recorded in inode records.
func (t FileType) Flag() string {
	return typeFlags[t]
}

func (t FileType) String() string {
	return t.Flag()
}

// Stat is the minimal metadata of one filesystem object, as returned
// by lstat.  Times are in nanoseconds since the epoch.
type Stat struct {
	Type  FileType
	Dev   uint64
	Ino   uint64
	Mode  uint32 // st_mode as lstat returns it, type bits included
	Nlink uint64
	Uid   uint32
	Gid   uint32
	Rdev  uint64
	Size  int64
	Mtime int64
	Ctime int64
}

// Extended is the metadata CompleteMetadata adds to a Stat.  ACL and
// xattr payloads have already been stored; only their digest chains
// are kept here.
type Extended struct {
	UserName   string
	GroupName  string
	ACL        []string
	DefaultACL []string
	Xattr      map[string][]string
}

// StreamSaver stores a byte stream and returns its digest chain.
type StreamSaver interface {
	SaveStream(rd io.Reader, size int64, tag string, progress func(int64)) ([]string, error)
}

// API is what the backup engine needs from the operating system.
type API interface {
	// Stat does not follow symlinks.
	Stat(path string) (*Stat, error)
	// ListDirectory returns the sorted absolute paths of the
	// entries in a directory.
	ListDirectory(path string) ([]string, error)
	ReadLink(path string) (string, error)
	// Canonical resolves every symlink in the directory part of
	// path, leaving the final component alone.
	Canonical(path string) (string, error)
	// Open returns the content of a regular file.
	Open(path string) (io.ReadCloser, error)
	// CompleteMetadata resolves owner names and stores the ACL and
	// xattr payloads through saver.
	CompleteMetadata(path string, st *Stat, saver StreamSaver) (*Extended, error)
}

// Kind classifies errors so callers never look at platform errors.
type Kind int

const (
	Unknown Kind = iota
	NotFound
	PermissionDenied
	IOError
	NotSupported
	InvalidArgument
	NotADirectory
	NotASymlink
)

var kindNames = map[Kind]string{
	Unknown:          "unknown error",
	NotFound:         "not found",
	PermissionDenied: "permission denied",
	IOError:          "i/o error",
	NotSupported:     "not supported",
	InvalidArgument:  "invalid argument",
	NotADirectory:    "not a directory",
	NotASymlink:      "not a symlink",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Error is returned by every API method.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or Unknown if err didn't come from
// this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// NewError wraps err with op and path, classifying it by errno.
func NewError(op, path string, err error) *Error {
	return &Error{Kind: classify(err), Op: op, Path: path, Err: err}
}

func classify(err error) Kind {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return NotFound
		case syscall.EACCES, syscall.EPERM:
			return PermissionDenied
		case syscall.ENOTSUP, syscall.ENOSYS:
			return NotSupported
		case syscall.EINVAL:
			return InvalidArgument
		case syscall.ENOTDIR:
			return NotADirectory
		}
		return IOError
	}
	switch {
	case os.IsNotExist(err):
		return NotFound
	case os.IsPermission(err):
		return PermissionDenied
	}
	return Unknown
}
