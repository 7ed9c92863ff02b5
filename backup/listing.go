package backup

import (
	"github.com/t7a/deduba/sdata"
)

// listing accumulates a directory's children as they finish.  Each
// child owns a slot in sorted order, so the packed listing doesn't
// depend on the order the children complete in.
type listing struct {
	entry   *entry
	key     identity
	names   []string
	ids     [][]string
	present []bool
	pending int
}

func newListing(e *entry, key identity, names []string) *listing {
	return &listing{
		entry:   e,
		key:     key,
		names:   names,
		ids:     make([][]string, len(names)),
		present: make([]bool, len(names)),
		pending: len(names),
	}
}

// set records a finished child.  A nil id is kept as an absent
// reference.
func (l *listing) set(slot int, id []string) {
	l.ids[slot] = id
	l.present[slot] = true
}

// pack returns the listing as a list of [name, chain] pairs.
// Children that failed are left out.
func (l *listing) pack() []byte {
	out := []interface{}{}
	for i, name := range l.names {
		if !l.present[i] {
			continue
		}
		var id interface{}
		if l.ids[i] != nil {
			id = chain(l.ids[i])
		}
		out = append(out, []interface{}{name, id})
	}
	return sdata.Pack(out)
}
