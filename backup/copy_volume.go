package backup

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
)

// CopyVolume - a directory under the repository holding one stream file per
// backed up file, laid out as <source-id>/<relative-path>[.gz], or as
// <xx>/<rest> random tokens when stream name obfuscation is on.
type CopyVolume struct {
	project  *Project
	id       string
	isNew    bool
	modified bool
	names    map[string]bool // stream names taken within this volume
}

func newCopyVolume(p *Project) *CopyVolume {
	return &CopyVolume{project: p, id: p.newToken(), isNew: true, names: make(map[string]bool)}
}

// loadedCopyVolume reconstructs a read-only volume mentioned by a manifest.
func loadedCopyVolume(p *Project, id string) *CopyVolume {
	return &CopyVolume{project: p, id: id, names: make(map[string]bool)}
}

func (v *CopyVolume) Key() string {
	return v.id
}

func (v *CopyVolume) ID() string {
	return v.id
}

func (v *CopyVolume) Kind() VolumeKind {
	return KindCopy
}

func (v *CopyVolume) IsNew() bool {
	return v.isNew
}

func (v *CopyVolume) Modified() bool {
	return v.modified
}

func (v *CopyVolume) dir() string {
	return filepath.Join(v.project.dir, v.id)
}

// streamPath resolves a stream to its on-disk file; the compressor extension
// is derived here, the stream name itself never carries it.
func (v *CopyVolume) streamPath(s *Stream) string {
	p := filepath.Join(v.dir(), filepath.FromSlash(s.name))
	if s.compressor == GzipCompressor {
		p += ".gz"
	}
	return p
}

func (v *CopyVolume) Stream(f *File) (*Stream, error) {
	if !v.isNew {
		panic(fmt.Sprintf("stream creation on read-only volume %s", v.id))
	}
	var name string
	if v.project.obfuscate {
		name = v.obfuscatedName()
	} else {
		name = f.source + "/" + f.path
		if v.names[name] {
			return nil, fmt.Errorf("%w: %s in volume %s", ErrStreamExists, name, v.id)
		}
	}
	s := &Stream{volume: v.id, name: name, compressor: v.project.compressorFor(f)}
	f.attach(s)
	v.names[name] = true
	return s, nil
}

// obfuscatedName draws random 32-bit base-36 tokens until one is free within
// the volume, split as <xx>/<rest>.
func (v *CopyVolume) obfuscatedName() string {
	for {
		tok := strconv.FormatUint(uint64(rand.Uint32()), 36)
		for len(tok) < 7 {
			tok = "0" + tok
		}
		name := tok[:2] + "/" + tok[2:]
		if !v.names[name] {
			return name
		}
	}
}

func (v *CopyVolume) Writer(s *Stream) (io.WriteCloser, error) {
	if !v.isNew {
		panic(fmt.Sprintf("write to read-only volume %s", v.id))
	}
	target := v.streamPath(s)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrStreamExists, target)
		}
		return nil, err
	}
	v.modified = true
	return newStreamSink(s, f, f.Close), nil
}

func (v *CopyVolume) Reader(s *Stream) (io.ReadCloser, error) {
	f, err := os.Open(v.streamPath(s))
	if err != nil {
		return nil, err
	}
	return newStreamSource(s, f, f)
}

func (v *CopyVolume) Store() error {
	if !v.modified || v.project.dryRun {
		v.project.logger.Debugf("Volume %s unchanged, nothing to store", v.id)
		return nil
	}
	v.project.logger.Infof("Stored copy volume %s", v.id)
	return nil
}

func (v *CopyVolume) Rollback() error {
	if !v.modified || v.project.dryRun {
		return nil
	}
	v.project.logger.Infof("Rolling back copy volume %s", v.id)
	return os.RemoveAll(v.dir())
}
