package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// CatVolume - a single repository file concatenating every stream of the
// session. Stream names are monotonic integers in creation order; each stream
// records the exclusive (offset, size) byte region it occupies. The shared
// file is opened append-only by the first writer and closed when the volume
// is stored or rolled back - per-stream writers never close it.
type CatVolume struct {
	project  *Project
	id       string // carries the .cat suffix literally
	isNew    bool
	modified bool
	file     *os.File
	offset   int64
	next     int
}

func newCatVolume(p *Project) *CatVolume {
	return &CatVolume{project: p, id: p.newToken() + catSuffix, isNew: true}
}

// loadedCatVolume reconstructs a read-only volume mentioned by a manifest.
func loadedCatVolume(p *Project, id string) *CatVolume {
	return &CatVolume{project: p, id: id}
}

func (v *CatVolume) Key() string {
	return v.id
}

func (v *CatVolume) ID() string {
	return v.id
}

func (v *CatVolume) Kind() VolumeKind {
	return KindCat
}

func (v *CatVolume) IsNew() bool {
	return v.isNew
}

func (v *CatVolume) Modified() bool {
	return v.modified
}

func (v *CatVolume) path() string {
	return filepath.Join(v.project.dir, v.id)
}

func (v *CatVolume) Stream(f *File) (*Stream, error) {
	if !v.isNew {
		panic(fmt.Sprintf("stream creation on read-only volume %s", v.id))
	}
	s := &Stream{volume: v.id, name: strconv.Itoa(v.next), compressor: v.project.compressorFor(f)}
	v.next++
	f.attach(s)
	return s, nil
}

// open readies the shared append-only file, remembering the write offset.
func (v *CatVolume) open() error {
	if v.file != nil {
		return nil
	}
	f, err := os.OpenFile(v.path(), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	v.file = f
	v.offset = info.Size()
	return nil
}

// catRegion appends to the shared file, advancing the volume offset.
type catRegion struct {
	vol *CatVolume
}

func (w *catRegion) Write(b []byte) (int, error) {
	n, err := w.vol.file.Write(b)
	w.vol.offset += int64(n)
	return n, err
}

func (v *CatVolume) Writer(s *Stream) (io.WriteCloser, error) {
	if !v.isNew {
		panic(fmt.Sprintf("write to read-only volume %s", v.id))
	}
	if err := v.open(); err != nil {
		return nil, err
	}
	v.modified = true
	start := v.offset
	s.offset = start
	// Closing a per-stream writer flushes the encoder and seals the region;
	// the shared file stays open until the volume is stored.
	return newStreamSink(s, &catRegion{vol: v}, func() error {
		s.size = v.offset - start
		return nil
	}), nil
}

func (v *CatVolume) Reader(s *Stream) (io.ReadCloser, error) {
	f, err := os.Open(v.path())
	if err != nil {
		return nil, err
	}
	return newStreamSource(s, io.NewSectionReader(f, s.offset, s.size), f)
}

func (v *CatVolume) Store() error {
	if !v.modified || v.project.dryRun {
		v.project.logger.Debugf("Volume %s unchanged, nothing to store", v.id)
		return nil
	}
	if v.file != nil {
		err := v.file.Close()
		v.file = nil
		if err != nil {
			return err
		}
	}
	v.project.logger.Infof("Stored cat volume %s", v.id)
	return nil
}

func (v *CatVolume) Rollback() error {
	if !v.modified || v.project.dryRun {
		return nil
	}
	v.project.logger.Infof("Rolling back cat volume %s", v.id)
	if v.file != nil {
		v.file.Close()
		v.file = nil
	}
	if err := os.Remove(v.path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
