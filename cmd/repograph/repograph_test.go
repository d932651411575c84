// Tests for repograph

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/okhlybov/rockup/backup"
)

func writeAged(t *testing.T, fname, contents string, age time.Duration) {
	if err := os.MkdirAll(filepath.Dir(fname), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(fname)
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(f, contents)
	f.Close()
	mtime := time.Now().Add(-age).Truncate(time.Second)
	if err := os.Chtimes(fname, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestBuildGraph(t *testing.T) {
	logger := logrus.New()
	repo := t.TempDir()
	src := t.TempDir()
	writeAged(t, filepath.Join(src, "a.txt"), "hello", 10*time.Second)
	writeAged(t, filepath.Join(src, "b.bin"), strings.Repeat("\x00", 2<<20), 10*time.Second)

	p, err := backup.NewProject(logger, repo, nil)
	assert.NoError(t, err)
	id1, err := p.Backup([]string{src}, true)
	assert.NoError(t, err)

	writeAged(t, filepath.Join(src, "a.txt"), "HELLO", 0)
	p2, err := backup.NewProject(logger, repo, nil)
	assert.NoError(t, err)
	id2, err := p2.Backup([]string{src}, false)
	assert.NoError(t, err)

	g, err := buildGraph(p, logger)
	assert.NoError(t, err)
	out := g.String()
	assert.Contains(t, out, "Snapshot: "+id1)
	assert.Contains(t, out, "Snapshot: "+id2)
	assert.Contains(t, out, "Source: "+backup.SourceID(src))
	assert.Contains(t, out, "Volume: ")
}

func TestBuildGraphEmptyRepository(t *testing.T) {
	logger := logrus.New()
	p, err := backup.NewProject(logger, t.TempDir(), nil)
	assert.NoError(t, err)
	_, err = buildGraph(p, logger)
	assert.Error(t, err)
}
