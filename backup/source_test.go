package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func scanSource(t *testing.T, p *Project, root string) *Source {
	src := p.sources.InsertOrGet(newSource(p, root))
	assert.NoError(t, src.Update())
	return src
}

func TestScanNestedTree(t *testing.T) {
	logger := createLogger()
	logger.Debugf("======== Test: %s", t.Name())
	root := t.TempDir()
	writeAged(t, filepath.Join(root, "a.txt"), "hello", 10*time.Second)
	writeAged(t, filepath.Join(root, "sub/deep/c.txt"), "nested", 10*time.Second)
	writeAged(t, filepath.Join(root, "empty.txt"), "", 10*time.Second)

	p := newTestProject(t, t.TempDir(), nil)
	src := scanSource(t, p, root)
	assert.Equal(t, []string{"a.txt", "empty.txt", "sub/deep/c.txt"}, src.files.Keys())

	a, _ := src.files.Get("a.txt")
	assert.Equal(t, int64(5), a.size)
	assert.Equal(t, a.mtime, a.mtime.Truncate(time.Second))
	assert.Empty(t, a.sha1)
	assert.Nil(t, a.stream)
}

func TestScanSymlinks(t *testing.T) {
	logger := createLogger()
	logger.Debugf("======== Test: %s", t.Name())
	root := t.TempDir()
	writeAged(t, filepath.Join(root, "a.txt"), "hello", 10*time.Second)
	writeAged(t, filepath.Join(root, "dir/b.txt"), "inner", 10*time.Second)
	assert.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link.txt")))
	assert.NoError(t, os.Symlink(filepath.Join(root, "dir"), filepath.Join(root, "dirlink")))
	assert.NoError(t, os.Symlink(filepath.Join(root, "nowhere"), filepath.Join(root, "dangling")))

	p := newTestProject(t, t.TempDir(), nil)
	src := scanSource(t, p, root)
	// file symlinks are followed, directory and dangling symlinks are not
	assert.Equal(t, []string{"a.txt", "dir/b.txt", "link.txt"}, src.files.Keys())
}

func TestUpdateSweepsDeadFiles(t *testing.T) {
	logger := createLogger()
	logger.Debugf("======== Test: %s", t.Name())
	root := t.TempDir()
	writeAged(t, filepath.Join(root, "a.txt"), "hello", 10*time.Second)
	writeAged(t, filepath.Join(root, "b.txt"), "world", 10*time.Second)

	p := newTestProject(t, t.TempDir(), nil)
	src := scanSource(t, p, root)
	assert.Equal(t, 2, src.files.Len())
	src.modified = false

	assert.NoError(t, os.Remove(filepath.Join(root, "b.txt")))
	assert.NoError(t, src.Update())
	assert.Equal(t, []string{"a.txt"}, src.files.Keys())
	assert.True(t, src.modified)
}

func TestUpdateReplacesOnNewerMtime(t *testing.T) {
	logger := createLogger()
	logger.Debugf("======== Test: %s", t.Name())
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	writeAged(t, target, "hello", 10*time.Second)

	p := newTestProject(t, t.TempDir(), nil)
	src := scanSource(t, p, root)
	a, _ := src.files.Get("a.txt")
	a.sha1 = helloSha1
	a.attach(&Stream{volume: "dummy", name: "0"})
	src.modified = false

	// an unchanged rescan keeps the entry, the digest and the stream
	assert.NoError(t, src.Update())
	kept, _ := src.files.Get("a.txt")
	assert.Same(t, a, kept)
	assert.Equal(t, helloSha1, kept.sha1)
	assert.NotNil(t, kept.stream)
	assert.False(t, src.modified)

	// a newer mtime replaces the entry, dropping digest and stream
	writeAged(t, target, "HELLO", 0)
	assert.NoError(t, src.Update())
	fresh, _ := src.files.Get("a.txt")
	assert.NotSame(t, a, fresh)
	assert.Empty(t, fresh.sha1)
	assert.Nil(t, fresh.stream)
	assert.True(t, src.modified)
}

func TestUpdateBorrowsMetadata(t *testing.T) {
	logger := createLogger()
	logger.Debugf("======== Test: %s", t.Name())
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	writeAged(t, target, "hello", 10*time.Second)

	p := newTestProject(t, t.TempDir(), nil)
	src := scanSource(t, p, root)
	a, _ := src.files.Get("a.txt")
	a.sha1 = helloSha1
	src.modified = false

	info, err := os.Stat(target)
	assert.NoError(t, err)
	assert.NoError(t, os.Chmod(target, 0600))
	assert.NoError(t, os.Chtimes(target, info.ModTime(), info.ModTime()))

	assert.NoError(t, src.Update())
	kept, _ := src.files.Get("a.txt")
	assert.Same(t, a, kept)
	assert.Equal(t, uint32(0600), kept.mode)
	assert.Equal(t, helloSha1, kept.sha1)
	assert.True(t, src.modified)
}

func TestAttachSecondStreamPanics(t *testing.T) {
	f := &File{path: "a.txt"}
	f.attach(&Stream{volume: "v", name: "0"})
	assert.Panics(t, func() { f.attach(&Stream{volume: "v", name: "1"}) })
}

func TestSourceIDStable(t *testing.T) {
	assert.Equal(t, SourceID("/some/root"), SourceID("/some/root"))
	assert.NotEqual(t, SourceID("/some/root"), SourceID("/other/root"))
	assert.Regexp(t, `^[0-9a-z]+$`, SourceID("/some/root"))
}
