package archive

import (
	"github.com/pkg/errors"
)

var (
	// ErrCompression means a block's digest is known but its
	// compressed form could not be written.
	ErrCompression = errors.New("compression failure")
	// ErrMove means a block could not be moved into a new shard.
	ErrMove = errors.New("move failure")
	// ErrMalformedEntry marks a name in the storage tree that is
	// neither a shard nor a block.
	ErrMalformedEntry = errors.New("malformed archive entry")
)
