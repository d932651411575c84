package backup

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const manifestSuffix = ".json.gz"
const manifestVersion = 0

// On-disk manifest layout: a gzip-wrapped, pretty-printed JSON object.
// encoding/json serializes map keys in sorted order, which keeps the byte
// layout stable across encode/decode/encode round trips.
type manifestDoc struct {
	Version *int                  `json:"version"`
	Session string                `json:"session"`
	Mtime   string                `json:"mtime"`
	Sources map[string]*sourceDoc `json:"sources"`
}

type sourceDoc struct {
	Root  string              `json:"root"`
	Files map[string]*fileDoc `json:"files"`
}

type fileDoc struct {
	Mtime  string     `json:"mtime"`
	Mode   uint32     `json:"mode"`
	Uid    int        `json:"uid"`
	Gid    int        `json:"gid"`
	Size   int64      `json:"size,omitempty"`
	Sha1   string     `json:"sha1,omitempty"`
	Stream *streamDoc `json:"stream,omitempty"`
}

type streamDoc struct {
	Name       string `json:"name,omitempty"` // copy streams only
	Volume     string `json:"volume"`
	Offset     *int64 `json:"offset,omitempty"` // cat streams only
	Size       *int64 `json:"size,omitempty"`   // cat streams only
	Sha1       string `json:"sha1"`
	Compressor string `json:"compressor,omitempty"`
}

// Manifest - one snapshot's metadata record, immutable once written. A new
// manifest is identified by a base-36 rendering of its creation time in
// centiseconds and carries a fresh session UUID.
type Manifest struct {
	project  *Project
	id       string
	session  string
	mtime    time.Time
	doc      *manifestDoc
	isNew    bool
	modified bool
}

func newManifest(p *Project) *Manifest {
	return &Manifest{
		project: p,
		id:      p.newToken(),
		session: uuid.New().String(),
		mtime:   time.Now(),
		isNew:   true,
	}
}

func (m *Manifest) Key() string {
	return m.id
}

func (m *Manifest) ID() string {
	return m.id
}

func (m *Manifest) Session() string {
	return m.session
}

func (m *Manifest) Mtime() time.Time {
	return m.mtime
}

func (m *Manifest) path() string {
	return filepath.Join(m.project.dir, m.id+manifestSuffix)
}

// ManifestIDs lists the snapshot identifiers present in the repository in
// ascending order.
func (p *Project) ManifestIDs() ([]string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("backup directory not accessible: %v", err)
	}
	ids := make([]string, 0)
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), manifestSuffix) {
			ids = append(ids, strings.TrimSuffix(e.Name(), manifestSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LatestManifestID returns the lexicographically greatest snapshot id, or an
// empty string for an empty repository.
func (p *Project) LatestManifestID() (string, error) {
	ids, err := p.ManifestIDs()
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[len(ids)-1], nil
}

// LoadManifest reads and parses <id>.json.gz, verifying the format version
// and the presence of a session. Loading does not touch the registries - see
// Upload.
func (p *Project) LoadManifest(id string) (*Manifest, error) {
	name := filepath.Join(p.dir, id+manifestSuffix)
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %v", id, err)
	}
	defer gz.Close()
	doc := &manifestDoc{}
	if err := json.NewDecoder(gz).Decode(doc); err != nil {
		return nil, fmt.Errorf("manifest %s: %v", id, err)
	}
	if doc.Version == nil || *doc.Version != manifestVersion {
		return nil, fmt.Errorf("%w: manifest %s", ErrManifestVersion, id)
	}
	if doc.Session == "" {
		return nil, fmt.Errorf("%w: manifest %s", ErrManifestSession, id)
	}
	mtime, err := time.Parse(time.RFC3339, doc.Mtime)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: bad mtime: %v", id, err)
	}
	p.logger.Debugf("Loaded manifest %s, session %s", id, doc.Session)
	return &Manifest{project: p, id: id, session: doc.Session, mtime: mtime, doc: doc}, nil
}

// Upload applies a loaded manifest to the project registries, recreating
// sources, files with their stream references, and read-only volumes.
func (m *Manifest) Upload() error {
	if m.doc == nil {
		panic(fmt.Sprintf("upload of manifest %s which was not loaded", m.id))
	}
	p := m.project
	srcIDs := make([]string, 0, len(m.doc.Sources))
	for id := range m.doc.Sources {
		srcIDs = append(srcIDs, id)
	}
	sort.Strings(srcIDs)
	for _, srcID := range srcIDs {
		sd := m.doc.Sources[srcID]
		src := p.sources.InsertOrGet(loadedSource(p, srcID, sd.Root))
		paths := make([]string, 0, len(sd.Files))
		for rel := range sd.Files {
			paths = append(paths, rel)
		}
		sort.Strings(paths)
		for _, rel := range paths {
			fd := sd.Files[rel]
			mtime, err := time.Parse(time.RFC3339, fd.Mtime)
			if err != nil {
				return fmt.Errorf("manifest %s: file %s: bad mtime: %v", m.id, rel, err)
			}
			f := &File{
				source: srcID,
				path:   rel,
				mtime:  mtime,
				size:   fd.Size,
				mode:   fd.Mode,
				uid:    fd.Uid,
				gid:    fd.Gid,
				sha1:   fd.Sha1,
			}
			if fd.Stream != nil {
				vol := p.insertLoadedVolume(fd.Stream.Volume)
				s := &Stream{
					volume:     vol.ID(),
					name:       fd.Stream.Name,
					compressor: fd.Stream.Compressor,
					sha1:       fd.Stream.Sha1,
				}
				if fd.Stream.Offset != nil {
					s.offset = *fd.Stream.Offset
				}
				if fd.Stream.Size != nil {
					s.size = *fd.Stream.Size
				}
				f.attach(s)
			}
			src.files.InsertOrGet(f)
		}
	}
	p.manifests.InsertOrGet(m)
	return nil
}

// insertLoadedVolume obtains the registry entry for a volume referenced by a
// manifest, creating a read-only one keyed on its id when first seen. The
// volume kind is carried by the id itself - cat identifiers end in .cat.
func (p *Project) insertLoadedVolume(id string) Volume {
	var v Volume
	if strings.HasSuffix(id, catSuffix) {
		v = loadedCatVolume(p, id)
	} else {
		v = loadedCopyVolume(p, id)
	}
	return p.volumes.InsertOrGet(v)
}

// snapshot builds the serializable tree from the current registries. Every
// file is re-serialized with its existing stream reference, so each manifest
// is self-sufficient even when the bytes live in older volumes.
func (m *Manifest) snapshot() *manifestDoc {
	version := manifestVersion
	doc := &manifestDoc{
		Version: &version,
		Session: m.session,
		Mtime:   m.mtime.Format(time.RFC3339),
		Sources: make(map[string]*sourceDoc),
	}
	for _, src := range m.project.sources.Values() {
		sd := &sourceDoc{Root: src.root, Files: make(map[string]*fileDoc)}
		for _, f := range src.files.Values() {
			fd := &fileDoc{
				Mtime: f.mtime.Format(time.RFC3339),
				Mode:  f.mode,
				Uid:   f.uid,
				Gid:   f.gid,
			}
			if f.size > 0 {
				fd.Size = f.size
				fd.Sha1 = f.sha1
				if f.stream != nil {
					fd.Stream = &streamDoc{
						Volume:     f.stream.volume,
						Sha1:       f.stream.sha1,
						Compressor: f.stream.compressor,
					}
					if strings.HasSuffix(f.stream.volume, catSuffix) {
						offset, size := f.stream.offset, f.stream.size
						fd.Stream.Offset = &offset
						fd.Stream.Size = &size
					} else {
						fd.Stream.Name = f.stream.name
					}
				}
			}
			sd.Files[f.path] = fd
		}
		doc.Sources[src.id] = sd
	}
	return doc
}

// Store writes <id>.json.gz as gzip-streamed pretty JSON via a temporary file
// renamed into place. Only new manifests may be stored; an existing file is
// never overwritten.
func (m *Manifest) Store() error {
	if m.project.dryRun {
		m.project.logger.Infof("Dry run: would store manifest %s", m.id)
		return nil
	}
	if !m.isNew {
		m.project.logger.Debugf("Manifest %s unchanged, nothing to store", m.id)
		return nil
	}
	target := m.path()
	if _, err := os.Stat(target); err == nil {
		return fmt.Errorf("refusing to overwrite manifest %s", m.id)
	}
	m.doc = m.snapshot()
	tmp := target + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)
	enc.SetIndent("", "  ")
	err = enc.Encode(m.doc)
	if err == nil {
		err = gz.Close()
	} else {
		gz.Close()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, target)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	m.modified = true
	m.project.logger.Infof("Stored manifest %s", m.id)
	return nil
}

func (m *Manifest) Rollback() error {
	if !m.modified || m.project.dryRun {
		return nil
	}
	m.project.logger.Infof("Rolling back manifest %s", m.id)
	m.modified = false
	return os.Remove(m.path())
}

// ManifestInfo - summary of one snapshot, for listing and graph tooling.
type ManifestInfo struct {
	ID      string
	Session string
	Mtime   time.Time
	Sources []ManifestSourceInfo
}

// ManifestSourceInfo - per-source rollup within a snapshot.
type ManifestSourceInfo struct {
	ID      string
	Root    string
	Files   int
	Bytes   int64
	Volumes map[string]int // volume id -> number of streams referenced
}

// Describe loads a manifest and summarizes it without touching the registries.
func (p *Project) Describe(id string) (*ManifestInfo, error) {
	m, err := p.LoadManifest(id)
	if err != nil {
		return nil, err
	}
	info := &ManifestInfo{ID: m.id, Session: m.session, Mtime: m.mtime}
	srcIDs := make([]string, 0, len(m.doc.Sources))
	for sid := range m.doc.Sources {
		srcIDs = append(srcIDs, sid)
	}
	sort.Strings(srcIDs)
	for _, sid := range srcIDs {
		sd := m.doc.Sources[sid]
		si := ManifestSourceInfo{ID: sid, Root: sd.Root, Volumes: make(map[string]int)}
		for _, fd := range sd.Files {
			si.Files++
			si.Bytes += fd.Size
			if fd.Stream != nil {
				si.Volumes[fd.Stream.Volume]++
			}
		}
		info.Sources = append(info.Sources, si)
	}
	return info, nil
}
