package backup

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
)

// Planning thresholds: small files coalesce into a single cat volume until
// the estimated cat payload reaches 1 GiB; anything estimated at 1 MiB or
// more goes to the copy volume.
const catStreamLimit = 1 << 20
const catVolumeLimit = 1 << 30

// candidate - one file queued for backup along with its owning source.
type candidate struct {
	src *Source
	f   *File
}

// Backup runs one incremental (or full) backup of the given source roots and
// returns the new snapshot id. Steps: load and apply the latest manifest
// unless a full backup was forced, rescan every root, plan the changed files
// into cat/copy buckets, stream them, then store volumes and finally the
// manifest. Any failure past volume creation rolls the session back.
func (p *Project) Backup(roots []string, full bool) (string, error) {
	if full {
		p.logger.Infof("Full backup into %s", p.dir)
	} else {
		latest, err := p.LatestManifestID()
		if err != nil {
			return "", err
		}
		if latest == "" {
			p.logger.Infof("Empty repository %s, running full backup", p.dir)
		} else {
			m, err := p.LoadManifest(latest)
			if err != nil {
				return "", err
			}
			if err := m.Upload(); err != nil {
				return "", err
			}
			p.logger.Infof("Incremental backup against snapshot %s", latest)
		}
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return "", err
		}
		src := p.sources.InsertOrGet(newSource(p, abs))
		if err := src.Update(); err != nil {
			return "", err
		}
	}

	var candidates []candidate
	var total int64
	for _, src := range p.sources.Values() {
		for _, f := range src.files.Values() {
			if f.stream == nil && f.size > 0 {
				candidates = append(candidates, candidate{src, f})
				total += f.size
			}
		}
	}

	catBucket, copyBucket := p.plan(candidates)
	p.logger.Infof("Backing up %d files (%s): %d coalesced, %d separate",
		len(candidates), humanize.Bytes(uint64(total)), len(catBucket), len(copyBucket))

	var catVol, copyVol Volume
	if len(catBucket) > 0 {
		catVol = p.volumes.InsertOrGet(newCatVolume(p))
	}
	if len(copyBucket) > 0 {
		copyVol = p.volumes.InsertOrGet(newCopyVolume(p))
	}
	m := newManifest(p)

	err := func() error {
		if p.dryRun {
			p.logger.Infof("Dry run - would write snapshot %s", m.id)
			for _, c := range catBucket {
				p.logger.Infof("Dry run: %s/%s (%s) -> %s", c.src.id, c.f.path,
					humanize.Bytes(uint64(c.f.size)), catVol.ID())
			}
			for _, c := range copyBucket {
				p.logger.Infof("Dry run: %s/%s (%s) -> %s", c.src.id, c.f.path,
					humanize.Bytes(uint64(c.f.size)), copyVol.ID())
			}
		} else {
			for _, c := range catBucket {
				if err := p.backupFile(catVol, c.src, c.f); err != nil {
					return err
				}
			}
			for _, c := range copyBucket {
				if err := p.backupFile(copyVol, c.src, c.f); err != nil {
					return err
				}
			}
		}
		if catVol != nil {
			if err := catVol.Store(); err != nil {
				return err
			}
		}
		if copyVol != nil {
			if err := copyVol.Store(); err != nil {
				return err
			}
		}
		return m.Store()
	}()
	if err != nil {
		p.rollback(m, catVol, copyVol)
		return "", err
	}
	p.manifests.InsertOrGet(m)
	return m.id, nil
}

// plan distributes the candidates between the cat and copy buckets. With the
// auto policy, files are taken in ascending order of estimated compressed
// size and coalesced while both the per-file and the cumulative limits hold;
// a lone cat file is promoted to the copy bucket so a cat volume is never
// created for a single stream.
func (p *Project) plan(files []candidate) (catFiles, copyFiles []candidate) {
	switch p.volumeType {
	case VolumeCat:
		return files, nil
	case VolumeCopy:
		return nil, files
	}
	sorted := append([]candidate(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return p.compressedSize(sorted[i].f) < p.compressedSize(sorted[j].f)
	})
	var accumulated float64
	i := 0
	for ; i < len(sorted); i++ {
		estimated := p.compressedSize(sorted[i].f)
		if accumulated >= catVolumeLimit || estimated >= catStreamLimit {
			break
		}
		accumulated += estimated
	}
	catFiles, copyFiles = sorted[:i], sorted[i:]
	if len(catFiles) == 1 {
		copyFiles = append([]candidate{catFiles[0]}, copyFiles...)
		catFiles = nil
	}
	return catFiles, copyFiles
}

// backupFile streams one source file into its volume, folding SHA-1
// computation into the write path so the bytes are read exactly once.
func (p *Project) backupFile(v Volume, src *Source, f *File) error {
	if p.failCopy != "" && p.failCopy == f.path {
		return fmt.Errorf("simulated copy failure: %s", f.path)
	}
	in, err := os.Open(src.filePath(f))
	if err != nil {
		return err
	}
	defer in.Close()
	s, err := v.Stream(f)
	if err != nil {
		return err
	}
	w, err := v.Writer(s)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	f.sha1 = s.sha1
	p.logger.Debugf("Backed up %s/%s (%s) to %s/%s",
		src.id, f.path, humanize.Bytes(uint64(f.size)), v.ID(), s.name)
	return nil
}

// rollback undoes a failed session: manifest first, then the volumes.
// Individual failures are logged and suppressed so the original error is what
// surfaces to the caller.
func (p *Project) rollback(m *Manifest, vols ...Volume) {
	if m != nil {
		if err := m.Rollback(); err != nil {
			p.logger.Errorf("Manifest %s rollback failed: %v", m.id, err)
		}
	}
	for _, v := range vols {
		if v == nil {
			continue
		}
		if err := v.Rollback(); err != nil {
			p.logger.Errorf("Volume %s rollback failed: %v", v.ID(), err)
		}
	}
}

// Restore reconstructs the latest snapshot into an empty (or absent)
// destination directory, one subdirectory per source id, verifying every
// non-empty file against its recorded SHA-1.
func (p *Project) Restore(dest string) (string, error) {
	entries, err := os.ReadDir(dest)
	if err == nil {
		if len(entries) > 0 {
			return "", fmt.Errorf("%w: %s", ErrDestinationNotEmpty, dest)
		}
	} else if os.IsNotExist(err) {
		if !p.dryRun {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return "", err
			}
		}
	} else {
		return "", err
	}

	latest, err := p.LatestManifestID()
	if err != nil {
		return "", err
	}
	if latest == "" {
		return "", fmt.Errorf("no snapshots in %s", p.dir)
	}
	m, err := p.LoadManifest(latest)
	if err != nil {
		return "", err
	}
	if err := m.Upload(); err != nil {
		return "", err
	}
	p.logger.Infof("Restoring snapshot %s into %s", latest, dest)

	for _, src := range p.sources.Values() {
		sdir := filepath.Join(dest, src.id)
		if p.dryRun {
			p.logger.Infof("Dry run: would restore %d files of %s into %s",
				src.files.Len(), src.id, sdir)
			continue
		}
		if err := os.MkdirAll(sdir, 0755); err != nil {
			return "", err
		}
		for _, f := range src.files.Values() {
			if err := p.restoreFile(sdir, src, f); err != nil {
				return "", err
			}
		}
	}
	return latest, nil
}

func (p *Project) restoreFile(sdir string, src *Source, f *File) error {
	target := filepath.Join(sdir, filepath.FromSlash(f.path))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if f.size == 0 {
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		return p.restoreMeta(target, f)
	}
	if f.stream == nil {
		return fmt.Errorf("file %s/%s has no stream", src.id, f.path)
	}
	vol, ok := p.volumes.Get(f.stream.volume)
	if !ok {
		return fmt.Errorf("unknown volume %s for %s/%s", f.stream.volume, src.id, f.path)
	}
	in, err := vol.Reader(f.stream)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	digest := sha1.New()
	_, err = io.Copy(io.MultiWriter(out, digest), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return err
	}
	sum := hex.EncodeToString(digest.Sum(nil))
	if sum != f.stream.sha1 {
		os.Remove(target)
		return fmt.Errorf("%w: %s/%s: got %s, want %s", ErrIntegrity, src.id, f.path, sum, f.stream.sha1)
	}
	return p.restoreMeta(target, f)
}

// restoreMeta reapplies mode, mtime and ownership. Ownership is best effort -
// an unprivileged restore logs and carries on.
func (p *Project) restoreMeta(target string, f *File) error {
	if err := os.Chmod(target, os.FileMode(f.mode)); err != nil {
		return err
	}
	if err := os.Chtimes(target, f.mtime, f.mtime); err != nil {
		return err
	}
	if err := os.Chown(target, f.uid, f.gid); err != nil {
		p.logger.Warnf("Failed to chown %s: %v", target, err)
	}
	return nil
}
