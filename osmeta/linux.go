//go:build linux

package osmeta

import (
	"bytes"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	xattrACLAccess  = "system.posix_acl_access"
	xattrACLDefault = "system.posix_acl_default"
)

// Linux reads metadata with lstat(2) and the l*xattr(2) family, so
// symlinks are described rather than followed.
type Linux struct{}

// New returns the collaborator for the running platform.
func New() API {
	return &Linux{}
}

func (Linux) Stat(path string) (st *Stat, err error) {
	var raw unix.Stat_t
	err = unix.Lstat(path, &raw)
	if err != nil {
		return nil, NewError("lstat", path, err)
	}
	st = &Stat{
		Type:  fileType(raw.Mode),
		Dev:   uint64(raw.Dev),
		Ino:   uint64(raw.Ino),
		Mode:  raw.Mode,
		Nlink: uint64(raw.Nlink),
		Uid:   raw.Uid,
		Gid:   raw.Gid,
		Rdev:  uint64(raw.Rdev),
		Size:  raw.Size,
		Mtime: raw.Mtim.Nano(),
		Ctime: raw.Ctim.Nano(),
	}
	return
}

func fileType(mode uint32) FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return TypeRegular
	case unix.S_IFDIR:
		return TypeDirectory
	case unix.S_IFLNK:
		return TypeSymlink
	case unix.S_IFCHR:
		return TypeCharDevice
	case unix.S_IFBLK:
		return TypeBlockDevice
	case unix.S_IFIFO:
		return TypeFIFO
	case unix.S_IFSOCK:
		return TypeSocket
	}
	return TypeUnknown
}

func (Linux) ListDirectory(path string) (children []string, err error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, NewError("readdir", path, err)
	}
	for _, entry := range entries {
		children = append(children, filepath.Join(path, entry.Name()))
	}
	sort.Strings(children)
	return
}

func (Linux) ReadLink(path string) (target string, err error) {
	target, err = os.Readlink(path)
	if err != nil {
		e := NewError("readlink", path, err)
		if e.Kind == InvalidArgument {
			e.Kind = NotASymlink
		}
		return "", e
	}
	return
}

func (Linux) Canonical(path string) (canon string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", NewError("abs", path, err)
	}
	dir, base := filepath.Split(abs)
	if base == "" {
		// the root directory
		return abs, nil
	}
	dir, err = filepath.EvalSymlinks(dir)
	if err != nil {
		return "", NewError("realpath", path, err)
	}
	return filepath.Join(dir, base), nil
}

// Open reads path with plain reads, never a mapping: the file may
// shrink while it is being backed up.
func (Linux) Open(path string) (rc io.ReadCloser, err error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, NewError("open", path, err)
	}
	return fh, nil
}

func (l Linux) CompleteMetadata(path string, st *Stat, saver StreamSaver) (ext *Extended, err error) {
	ext = &Extended{
		UserName:  userName(st.Uid),
		GroupName: groupName(st.Gid),
		Xattr:     map[string][]string{},
	}

	names, err := listXattr(path)
	if err != nil {
		e := NewError("llistxattr", path, err)
		if e.Kind != NotSupported {
			return nil, e
		}
		log.Debugf("%s: %v", path, e)
		return ext, nil
	}

	for _, name := range names {
		val, err := getXattr(path, name)
		if err != nil {
			e := NewError("lgetxattr "+name, path, err)
			if e.Kind == NotSupported {
				log.Debugf("%v", e)
				continue
			}
			return nil, e
		}
		tag := path + " $data xattr " + name
		hashes, err := saver.SaveStream(bytes.NewReader(val), int64(len(val)), tag, nil)
		if err != nil {
			return nil, NewError("save "+name, path, err)
		}
		switch name {
		case xattrACLAccess:
			ext.ACL = hashes
		case xattrACLDefault:
			if st.Type == TypeDirectory {
				ext.DefaultACL = hashes
			}
		default:
			ext.Xattr[name] = hashes
		}
	}
	return
}

func listXattr(path string) (names []string, err error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil || size == 0 {
		return
	}
	buf := make([]byte, size)
	size, err = unix.Llistxattr(path, buf)
	if err != nil {
		return
	}
	for _, name := range strings.Split(string(buf[:size]), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return
}

func getXattr(path, name string) (val []byte, err error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil || size == 0 {
		return []byte{}, err
	}
	val = make([]byte, size)
	size, err = unix.Lgetxattr(path, name, val)
	if err != nil {
		return
	}
	return val[:size], nil
}

func userName(uid uint32) string {
	id := strconv.FormatUint(uint64(uid), 10)
	u, err := user.LookupId(id)
	if err != nil {
		return id
	}
	return u.Username
}

func groupName(gid uint32) string {
	id := strconv.FormatUint(uint64(gid), 10)
	g, err := user.LookupGroupId(id)
	if err != nil {
		return id
	}
	return g.Name
}
