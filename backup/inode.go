package backup

import (
	"sort"

	"github.com/t7a/deduba/osmeta"
	"github.com/t7a/deduba/sdata"
)

// Keys of a packed inode record.  A record is a list of [key, value]
// pairs in this order.
const (
	keyFlags      = "fl"
	keyMode       = "md"
	keyNlink      = "nl"
	keyUid        = "ui"
	keyUserName   = "un"
	keyGid        = "gi"
	keyGroupName  = "gn"
	keyRdev       = "rd"
	keySize       = "sz"
	keyMtime      = "mt"
	keyCtime      = "ct"
	keyDevice     = "dv"
	keyFileIndex  = "fi"
	keyHashes     = "hs"
	keyACL        = "ac"
	keyDefaultACL = "da"
	keyXattr      = "xa"
)

// inodeRecord is the metadata of one filesystem object plus the
// digest chains of everything stored for it.
type inodeRecord struct {
	st     *osmeta.Stat
	ext    *osmeta.Extended
	hashes []string
}

func chain(ids []string) []interface{} {
	out := make([]interface{}, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func pair(key string, val interface{}) []interface{} {
	return []interface{}{key, val}
}

func (r *inodeRecord) pack() []byte {
	st := r.st
	ext := r.ext
	if ext == nil {
		ext = &osmeta.Extended{}
	}

	var names []string
	for name := range ext.Xattr {
		names = append(names, name)
	}
	sort.Strings(names)
	xattrs := []interface{}{}
	for _, name := range names {
		xattrs = append(xattrs, pair(name, chain(ext.Xattr[name])))
	}

	rec := []interface{}{
		pair(keyFlags, []interface{}{st.Type.Flag()}),
		pair(keyMode, int64(st.Mode)),
		pair(keyNlink, int64(st.Nlink)),
		pair(keyUid, int64(st.Uid)),
		pair(keyUserName, ext.UserName),
		pair(keyGid, int64(st.Gid)),
		pair(keyGroupName, ext.GroupName),
		pair(keyRdev, int64(st.Rdev)),
		pair(keySize, st.Size),
		pair(keyMtime, st.Mtime),
		pair(keyCtime, st.Ctime),
		pair(keyDevice, int64(st.Dev)),
		pair(keyFileIndex, int64(st.Ino)),
		pair(keyHashes, chain(r.hashes)),
		pair(keyACL, chain(ext.ACL)),
		pair(keyDefaultACL, chain(ext.DefaultACL)),
		pair(keyXattr, xattrs),
	}
	return sdata.Pack(rec)
}
