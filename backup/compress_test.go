package backup

import (
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRatio(t *testing.T) {
	p := newTestProject(t, t.TempDir(), nil)
	assert.Equal(t, 0.5, p.ratio("src/main.go"))
	assert.Equal(t, 0.5, p.ratio("README"))
	assert.Equal(t, 1.05, p.ratio("photos/cat.jpg"))
	assert.Equal(t, 1.05, p.ratio("media/clip.mp4"))
	assert.Equal(t, 1.05, p.ratio("dist/bundle.zip"))
	assert.Equal(t, 1.05, p.ratio("doc/report.docx"))
	assert.Equal(t, 1.05, p.ratio("repo/.git/objects/ab/cdef0123"))
	assert.Equal(t, 1.05, p.ratio(".git/objects/pack/pack-1234.pack"))
}

func TestRatioConfiguredPatterns(t *testing.T) {
	opts := &ProjectOptions{PackedPaths: []*regexp.Regexp{regexp.MustCompile(`\.blob$`)}}
	p := newTestProject(t, t.TempDir(), opts)
	assert.Equal(t, 1.05, p.ratio("data/x.blob"))
	assert.Equal(t, 0.5, p.ratio("data/x.text"))
}

func TestCompressible(t *testing.T) {
	p := newTestProject(t, t.TempDir(), nil)
	// 100*0.5 + 18 + len("a.txt")+1 = 74 < 100
	assert.True(t, p.compressible(&File{path: "a.txt", size: 100}))
	// 5*0.5 + 18 + 6 = 26.5, not worth the overhead
	assert.False(t, p.compressible(&File{path: "a.txt", size: 5}))
	// packed payloads only ever grow
	assert.False(t, p.compressible(&File{path: "a.jpg", size: 1 << 20}))
}

func TestCompressorPolicies(t *testing.T) {
	logger := createLogger()
	logger.Debugf("======== Test: %s", t.Name())
	root := t.TempDir()

	enforce := newTestProject(t, t.TempDir(), &ProjectOptions{Compression: "enforce"})
	_, f := fixtureFile(t, enforce, root, "tiny.txt", "hi")
	assert.Equal(t, GzipCompressor, enforce.compressorFor(f))

	disable := newTestProject(t, t.TempDir(), &ProjectOptions{Compression: "disable"})
	_, f = fixtureFile(t, disable, root, "big.txt", strings.Repeat("text ", 100))
	assert.Empty(t, disable.compressorFor(f))

	auto := newTestProject(t, t.TempDir(), nil)
	_, f = fixtureFile(t, auto, root, "auto.txt", strings.Repeat("text ", 100))
	assert.Equal(t, GzipCompressor, auto.compressorFor(f))
}

func TestCompressorSniffsPackedHead(t *testing.T) {
	logger := createLogger()
	logger.Debugf("======== Test: %s", t.Name())
	// PNG payload hiding behind a .txt extension - magic bytes win
	contents := "\x89PNG\r\n\x1a\n" + strings.Repeat("\x00", 300)
	p := newTestProject(t, t.TempDir(), nil)
	_, f := fixtureFile(t, p, t.TempDir(), "sneaky.txt", contents)
	assert.True(t, p.compressible(f))
	assert.Empty(t, p.compressorFor(f))
}

func TestPlanBuckets(t *testing.T) {
	logger := createLogger()
	logger.Debugf("======== Test: %s", t.Name())
	p := newTestProject(t, t.TempDir(), nil)
	small1 := candidate{f: &File{path: "s1.txt", size: 10}}
	small2 := candidate{f: &File{path: "s2.txt", size: 20}}
	big := candidate{f: &File{path: "big.bin", size: 4 << 20}}
	packed := candidate{f: &File{path: "clip.mp4", size: 1000}}

	catFiles, copyFiles := p.plan([]candidate{big, small2, packed, small1})
	assert.Equal(t, []string{"s1.txt", "s2.txt", "clip.mp4"}, candidatePaths(catFiles))
	assert.Equal(t, []string{"big.bin"}, candidatePaths(copyFiles))
}

func TestPlanLoneCatFilePromoted(t *testing.T) {
	p := newTestProject(t, t.TempDir(), nil)
	small := candidate{f: &File{path: "s1.txt", size: 10}}
	big := candidate{f: &File{path: "big.bin", size: 4 << 20}}

	catFiles, copyFiles := p.plan([]candidate{small, big})
	assert.Empty(t, catFiles)
	assert.Equal(t, []string{"s1.txt", "big.bin"}, candidatePaths(copyFiles))
}

func TestPlanPolicyOverrides(t *testing.T) {
	small := candidate{f: &File{path: "s1.txt", size: 10}}
	big := candidate{f: &File{path: "big.bin", size: 4 << 20}}

	cat := newTestProject(t, t.TempDir(), &ProjectOptions{VolumeType: "cat"})
	catFiles, copyFiles := cat.plan([]candidate{small, big})
	assert.Equal(t, 2, len(catFiles))
	assert.Empty(t, copyFiles)

	cp := newTestProject(t, t.TempDir(), &ProjectOptions{VolumeType: "copy"})
	catFiles, copyFiles = cp.plan([]candidate{small, big})
	assert.Empty(t, catFiles)
	assert.Equal(t, 2, len(copyFiles))
}

func candidatePaths(files []candidate) []string {
	paths := make([]string, 0, len(files))
	for _, c := range files {
		paths = append(paths, c.f.path)
	}
	return paths
}

func TestTokenMonotonic(t *testing.T) {
	repo := t.TempDir()
	p := newTestProject(t, repo, nil)
	t1 := p.newToken()
	t2 := p.newToken()
	assert.NotEqual(t, t1, t2)
	assert.Regexp(t, `^[0-9a-z]+$`, t1)

	// tokens already naming repository artifacts are skipped
	taken := p.newToken()
	writeToFile(filepath.Join(repo, taken+manifestSuffix), "x")
	p2 := newTestProject(t, repo, nil)
	for i := 0; i < 5; i++ {
		assert.NotEqual(t, taken, p2.newToken())
	}
}
