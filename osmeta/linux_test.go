//go:build linux

package osmeta

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stevegt/readercomp"
	"golang.org/x/sys/unix"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// saver records what CompleteMetadata asks to store.
type saver struct {
	tags []string
}

func (s *saver) SaveStream(rd io.Reader, size int64, tag string, progress func(int64)) ([]string, error) {
	s.tags = append(s.tags, tag)
	return []string{"0123"}, nil
}

func TestStatTypes(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	link := filepath.Join(dir, "link")
	err := ioutil.WriteFile(file, []byte("content"), 0640)
	tassert(t, err == nil, "%v", err)
	err = os.Symlink("file", link)
	tassert(t, err == nil, "%v", err)

	api := New()

	st, err := api.Stat(dir)
	tassert(t, err == nil, "%v", err)
	tassert(t, st.Type == TypeDirectory, "type %v", st.Type)

	st, err = api.Stat(file)
	tassert(t, err == nil, "%v", err)
	tassert(t, st.Type == TypeRegular, "type %v", st.Type)
	tassert(t, st.Size == 7, "size %d", st.Size)
	tassert(t, st.Mode&^unix.S_IFMT == 0640, "mode %o", st.Mode)
	tassert(t, st.Mode&unix.S_IFMT == unix.S_IFREG, "type bits missing from mode %o", st.Mode)
	tassert(t, st.Nlink == 1, "nlink %d", st.Nlink)
	tassert(t, st.Mtime > 0, "mtime %d", st.Mtime)

	st, err = api.Stat(link)
	tassert(t, err == nil, "%v", err)
	tassert(t, st.Type == TypeSymlink, "lstat followed the link: %v", st.Type)

	target, err := api.ReadLink(link)
	tassert(t, err == nil && target == "file", "target %q err %v", target, err)

	_, err = api.ReadLink(file)
	tassert(t, KindOf(err) == NotASymlink, "kind %v", KindOf(err))

	_, err = api.Stat(filepath.Join(dir, "missing"))
	tassert(t, KindOf(err) == NotFound, "kind %v", KindOf(err))

	_, err = api.ListDirectory(file)
	tassert(t, KindOf(err) == NotADirectory, "kind %v", KindOf(err))
}

func TestHardLinkIdentity(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	err := ioutil.WriteFile(a, []byte("x"), 0644)
	tassert(t, err == nil, "%v", err)
	err = os.Link(a, b)
	tassert(t, err == nil, "%v", err)

	api := New()
	sa, err := api.Stat(a)
	tassert(t, err == nil, "%v", err)
	sb, err := api.Stat(b)
	tassert(t, err == nil, "%v", err)
	tassert(t, sa.Dev == sb.Dev && sa.Ino == sb.Ino, "identities differ")
	tassert(t, sa.Nlink == 2, "nlink %d", sa.Nlink)
}

func TestListDirectorySorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"c", "a", "b"} {
		err := ioutil.WriteFile(filepath.Join(dir, name), nil, 0644)
		tassert(t, err == nil, "%v", err)
	}
	got, err := New().ListDirectory(dir)
	tassert(t, err == nil, "%v", err)
	tassert(t, len(got) == 3, "got %v", got)
	for i, name := range []string{"a", "b", "c"} {
		expect := filepath.Join(dir, name)
		tassert(t, got[i] == expect, "expected %s got %s", expect, got[i])
	}
}

func TestCanonicalKeepsFinalLink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	err := os.Mkdir(real, 0755)
	tassert(t, err == nil, "%v", err)
	alias := filepath.Join(dir, "alias")
	err = os.Symlink(real, alias)
	tassert(t, err == nil, "%v", err)

	api := New()
	realDir, err := filepath.EvalSymlinks(dir)
	tassert(t, err == nil, "%v", err)

	got, err := api.Canonical(filepath.Join(alias, "x"))
	tassert(t, err == nil, "%v", err)
	expect := filepath.Join(realDir, "real", "x")
	tassert(t, got == expect, "expected %s got %s", expect, got)

	got, err = api.Canonical(alias)
	tassert(t, err == nil, "%v", err)
	expect = filepath.Join(realDir, "alias")
	tassert(t, got == expect, "expected %s got %s", expect, got)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	content := bytes.Repeat([]byte("0123456789"), 10000)
	err := ioutil.WriteFile(path, content, 0644)
	tassert(t, err == nil, "%v", err)

	rc, err := New().Open(path)
	tassert(t, err == nil, "%v", err)
	defer rc.Close()
	ok, err := readercomp.Equal(rc, bytes.NewReader(content), 4096)
	tassert(t, err == nil, "readercomp.Equal: %v", err)
	tassert(t, ok, "content differs")

	_, err = New().Open(filepath.Join(dir, "missing"))
	tassert(t, KindOf(err) == NotFound, "kind %v", KindOf(err))
}

func TestOpenTruncated(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	err := ioutil.WriteFile(path, bytes.Repeat([]byte("x"), 1<<20), 0644)
	tassert(t, err == nil, "%v", err)

	rc, err := New().Open(path)
	tassert(t, err == nil, "%v", err)
	defer rc.Close()
	buf := make([]byte, 4096)
	n, err := io.ReadFull(rc, buf)
	tassert(t, err == nil && n == len(buf), "n %d err %v", n, err)

	// shrinks under the reader
	err = os.Truncate(path, 0)
	tassert(t, err == nil, "%v", err)
	m, err := io.Copy(ioutil.Discard, rc)
	tassert(t, err == nil, "%v", err)
	tassert(t, m == 0, "read %d bytes past the end", m)
}

func TestCompleteMetadata(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	err := ioutil.WriteFile(path, []byte("x"), 0644)
	tassert(t, err == nil, "%v", err)

	api := New()
	st, err := api.Stat(path)
	tassert(t, err == nil, "%v", err)

	s := &saver{}
	ext, err := api.CompleteMetadata(path, st, s)
	tassert(t, err == nil, "%v", err)
	tassert(t, ext.UserName != "", "empty user name")
	tassert(t, ext.GroupName != "", "empty group name")
	tassert(t, ext.Xattr != nil, "nil xattr map")
	// one stored payload per recorded attribute
	n := len(ext.Xattr)
	if ext.ACL != nil {
		n++
	}
	tassert(t, len(s.tags) == n, "stored %d payloads for %d attrs", len(s.tags), n)
}

func TestKindOf(t *testing.T) {
	tassert(t, KindOf(nil) == Unknown, "nil kind")
	err := NewError("open", "/x", os.ErrPermission)
	tassert(t, err.Kind == PermissionDenied, "kind %v", err.Kind)
	tassert(t, KindOf(err) == PermissionDenied, "KindOf %v", KindOf(err))
}
