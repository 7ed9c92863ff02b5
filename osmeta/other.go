//go:build !linux

package osmeta

import (
	"io"
)

// Unsupported answers every call with NotSupported.
type Unsupported struct{}

// New returns the collaborator for the running platform.
func New() API {
	return Unsupported{}
}

func (Unsupported) Stat(path string) (*Stat, error) {
	return nil, &Error{Kind: NotSupported, Op: "lstat", Path: path}
}

func (Unsupported) ListDirectory(path string) ([]string, error) {
	return nil, &Error{Kind: NotSupported, Op: "readdir", Path: path}
}

func (Unsupported) ReadLink(path string) (string, error) {
	return "", &Error{Kind: NotSupported, Op: "readlink", Path: path}
}

func (Unsupported) Canonical(path string) (string, error) {
	return "", &Error{Kind: NotSupported, Op: "realpath", Path: path}
}

func (Unsupported) Open(path string) (io.ReadCloser, error) {
	return nil, &Error{Kind: NotSupported, Op: "open", Path: path}
}

func (Unsupported) CompleteMetadata(path string, st *Stat, saver StreamSaver) (*Extended, error) {
	return nil, &Error{Kind: NotSupported, Op: "metadata", Path: path}
}
