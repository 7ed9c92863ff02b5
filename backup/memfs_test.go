package backup

import (
	"fmt"
	"io"
	"io/ioutil"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/t7a/deduba/osmeta"
)

// node is one object in a memfs.  Hard links share a node.
type node struct {
	st     osmeta.Stat
	data   string
	target string
	xattr  map[string]string
}

// memfs is an in-memory osmeta.API.  It is filled before a run and
// only read during it.
type memfs struct {
	nodes     map[string]*node
	canonical map[string]string
	failOpen  map[string]bool
	failList  map[string]bool
	failMeta  map[string]bool
	ino       uint64
}

func newMemfs() *memfs {
	fs := &memfs{
		nodes:     map[string]*node{},
		canonical: map[string]string{},
		failOpen:  map[string]bool{},
		failList:  map[string]bool{},
		failMeta:  map[string]bool{},
	}
	fs.dir("/")
	return fs
}

// typeBits are the st_mode type bits lstat reports.
var typeBits = map[osmeta.FileType]uint32{
	osmeta.TypeRegular:   0100000,
	osmeta.TypeDirectory: 0040000,
	osmeta.TypeSymlink:   0120000,
}

func (fs *memfs) add(path string, typ osmeta.FileType, mode uint32) *node {
	fs.ino++
	mode |= typeBits[typ]
	n := &node{st: osmeta.Stat{
		Type:  typ,
		Dev:   1,
		Ino:   fs.ino,
		Mode:  mode,
		Nlink: 1,
		Uid:   1000,
		Gid:   1000,
		Mtime: 1600000000 * 1e9,
		Ctime: 1600000000 * 1e9,
	}}
	fs.nodes[path] = n
	return n
}

func (fs *memfs) dir(path string) *node {
	return fs.add(path, osmeta.TypeDirectory, 0755)
}

func (fs *memfs) file(path, data string) *node {
	n := fs.add(path, osmeta.TypeRegular, 0644)
	n.data = data
	n.st.Size = int64(len(data))
	return n
}

func (fs *memfs) symlink(path, target string) *node {
	n := fs.add(path, osmeta.TypeSymlink, 0777)
	n.target = target
	n.st.Size = int64(len(target))
	return n
}

func (fs *memfs) link(path, existing string) {
	n := fs.nodes[existing]
	n.st.Nlink++
	fs.nodes[path] = n
}

func (fs *memfs) get(op, path string) (*node, error) {
	n, ok := fs.nodes[path]
	if !ok {
		return nil, osmeta.NewError(op, path, syscall.ENOENT)
	}
	return n, nil
}

func (fs *memfs) Stat(path string) (*osmeta.Stat, error) {
	n, err := fs.get("stat", path)
	if err != nil {
		return nil, err
	}
	st := n.st
	return &st, nil
}

func (fs *memfs) ListDirectory(path string) (paths []string, err error) {
	if fs.failList[path] {
		return nil, osmeta.NewError("readdir", path, syscall.EACCES)
	}
	n, err := fs.get("readdir", path)
	if err != nil {
		return
	}
	if n.st.Type != osmeta.TypeDirectory {
		return nil, osmeta.NewError("readdir", path, syscall.ENOTDIR)
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	for p := range fs.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		if strings.Contains(p[len(prefix):], "/") {
			continue
		}
		paths = append(paths, p)
	}
	// names that are listed but can't be stat'ed
	for p := range fs.canonical {
		if filepath.Dir(p) == path && fs.nodes[p] == nil {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return
}

func (fs *memfs) ReadLink(path string) (string, error) {
	n, err := fs.get("readlink", path)
	if err != nil {
		return "", err
	}
	if n.st.Type != osmeta.TypeSymlink {
		return "", &osmeta.Error{Kind: osmeta.NotASymlink, Op: "readlink", Path: path}
	}
	return n.target, nil
}

func (fs *memfs) Canonical(path string) (string, error) {
	if c, ok := fs.canonical[path]; ok {
		return c, nil
	}
	return filepath.Clean(path), nil
}

func (fs *memfs) Open(path string) (io.ReadCloser, error) {
	if fs.failOpen[path] {
		return nil, osmeta.NewError("open", path, syscall.EIO)
	}
	n, err := fs.get("open", path)
	if err != nil {
		return nil, err
	}
	return ioutil.NopCloser(strings.NewReader(n.data)), nil
}

func (fs *memfs) CompleteMetadata(path string, st *osmeta.Stat, saver osmeta.StreamSaver) (ext *osmeta.Extended, err error) {
	if fs.failMeta[path] {
		return nil, osmeta.NewError("listxattr", path, syscall.EIO)
	}
	n, err := fs.get("listxattr", path)
	if err != nil {
		return
	}
	ext = &osmeta.Extended{
		UserName:  fmt.Sprintf("user%d", st.Uid),
		GroupName: fmt.Sprintf("group%d", st.Gid),
		Xattr:     map[string][]string{},
	}
	for name, val := range n.xattr {
		ext.Xattr[name], err = saver.SaveStream(strings.NewReader(val), int64(len(val)), path+" $data xattr "+name, nil)
		if err != nil {
			return
		}
	}
	return
}
