package backup

import (
	"fmt"
	"hash/crc32"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/okhlybov/rockup/identity"
)

// SourceID - a stable 32-bit hash of the source root directory path rendered
// in base 36, so the same root reuses the same identifier across snapshots.
func SourceID(root string) string {
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(root))), 36)
}

// Source - one backed up directory tree: an identifier, an absolute root and
// a registry of files keyed by slash-separated relative path.
type Source struct {
	project  *Project
	id       string
	root     string
	files    *identity.Map[*File]
	modified bool
}

func newSource(p *Project, root string) *Source {
	return &Source{project: p, id: SourceID(root), root: root, files: identity.NewMap[*File]()}
}

// loadedSource reconstructs a source from a manifest, trusting the stored id.
func loadedSource(p *Project, id string, root string) *Source {
	return &Source{project: p, id: id, root: root, files: identity.NewMap[*File]()}
}

func (s *Source) Key() string {
	return s.id
}

func (s *Source) ID() string {
	return s.id
}

func (s *Source) Root() string {
	return s.root
}

func (s *Source) Files() []*File {
	return s.files.Values()
}

// File - one regular file within a source. The SHA-1 is of the file contents
// and is only set for non-empty files once their bytes have gone through a
// stream. Relative path is the identity across snapshots.
type File struct {
	source string // owning source id
	path   string // slash-separated path relative to the source root
	mtime  time.Time
	size   int64
	mode   uint32
	uid    int
	gid    int
	sha1   string
	stream *Stream
	live   bool
}

func (f *File) Key() string {
	return f.path
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Size() int64 {
	return f.size
}

func (f *File) Sha1() string {
	return f.sha1
}

func (f *File) Stream() *Stream {
	return f.stream
}

// attach binds a stream to the file. A file carries at most one stream -
// a second attach is a programming error.
func (f *File) attach(s *Stream) {
	if f.stream != nil {
		panic(fmt.Sprintf("stream already attached to file %s", f.path))
	}
	f.stream = s
}

func statOwner(sys interface{}) (uid int, gid int) {
	if st, ok := sys.(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return 0, 0
}

func newFile(sourceID string, rel string, info os.FileInfo) *File {
	uid, gid := statOwner(info.Sys())
	return &File{
		source: sourceID,
		path:   rel,
		mtime:  info.ModTime().Truncate(time.Second),
		size:   info.Size(),
		mode:   uint32(info.Mode().Perm()),
		uid:    uid,
		gid:    gid,
		live:   true,
	}
}

// Update rescans the source root and diffs it against the remembered file
// table. Files remembered from a previous snapshot but now gone are dropped;
// files whose on-disk mtime moved forward are replaced (losing their SHA-1 and
// stream reference so they get backed up again); otherwise the remembered
// entry survives, borrowing fresh metadata if mode/uid/gid drifted.
func (s *Source) Update() error {
	for _, f := range s.files.Values() {
		f.live = false
	}
	if err := s.scan(""); err != nil {
		return err
	}
	for _, f := range s.files.Values() {
		if !f.live {
			s.project.logger.Debugf("Gone: %s/%s", s.id, f.path)
			s.files.Delete(f.path)
			s.modified = true
		}
	}
	return nil
}

// scan walks one directory level, in os.ReadDir order. Unreadable entries are
// skipped with a warning. Symlinks are followed only when they resolve to
// regular files; symlinked directories are not descended.
func (s *Source) scan(rel string) error {
	dir := filepath.Join(s.root, filepath.FromSlash(rel))
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.project.logger.Warnf("Skipping unreadable directory %s: %v", dir, err)
		return nil
	}
	for _, e := range entries {
		crel := path.Join(rel, e.Name())
		full := filepath.Join(s.root, filepath.FromSlash(crel))
		if e.Type()&os.ModeSymlink != 0 {
			info, err := os.Stat(full)
			if err != nil {
				s.project.logger.Warnf("Skipping unresolvable symlink %s: %v", full, err)
				continue
			}
			if info.Mode().IsRegular() {
				s.observe(crel, info)
			}
			continue
		}
		if e.IsDir() {
			if err := s.scan(crel); err != nil {
				return err
			}
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			s.project.logger.Warnf("Skipping unreadable file %s: %v", full, err)
			continue
		}
		s.observe(crel, info)
	}
	return nil
}

func (s *Source) observe(rel string, info os.FileInfo) {
	mtime := info.ModTime().Truncate(time.Second)
	existing, ok := s.files.Get(rel)
	if !ok {
		s.project.logger.Debugf("New: %s/%s", s.id, rel)
		s.files.InsertOrGet(newFile(s.id, rel, info))
		s.modified = true
		return
	}
	if mtime.After(existing.mtime) {
		s.project.logger.Debugf("Changed: %s/%s", s.id, rel)
		s.files.Replace(newFile(s.id, rel, info))
		s.modified = true
		return
	}
	existing.live = true
	uid, gid := statOwner(info.Sys())
	mode := uint32(info.Mode().Perm())
	if existing.mode != mode || existing.uid != uid || existing.gid != gid {
		s.project.logger.Debugf("Metadata changed: %s/%s", s.id, rel)
		existing.mode = mode
		existing.uid = uid
		existing.gid = gid
		s.modified = true
	}
}

// filePath returns the absolute on-disk path of a file belonging to this source.
func (s *Source) filePath(f *File) string {
	return filepath.Join(s.root, filepath.FromSlash(f.path))
}
