package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/okhlybov/rockup/identity"
)

// VolumeType - policy selecting which volume kinds a backup may create
type VolumeType int

const (
	VolumeAuto VolumeType = iota
	VolumeCopy
	VolumeCat
)

func (v VolumeType) String() string {
	return [...]string{"auto", "copy", "cat"}[v]
}

func ParseVolumeType(s string) (VolumeType, error) {
	switch s {
	case "", "auto":
		return VolumeAuto, nil
	case "copy":
		return VolumeCopy, nil
	case "cat":
		return VolumeCat, nil
	}
	return VolumeAuto, fmt.Errorf("invalid volume type: %s", s)
}

// Compression - policy deciding whether streams get gzipped
type Compression int

const (
	CompressAuto Compression = iota
	CompressEnforce
	CompressDisable
)

func (c Compression) String() string {
	return [...]string{"auto", "enforce", "disable"}[c]
}

func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "auto":
		return CompressAuto, nil
	case "enforce":
		return CompressEnforce, nil
	case "disable":
		return CompressDisable, nil
	}
	return CompressAuto, fmt.Errorf("invalid compression policy: %s", s)
}

// ProjectOptions - caller-supplied policies for a backup/restore session
type ProjectOptions struct {
	VolumeType  string // auto, copy or cat
	Compression string // auto, enforce or disable
	Obfuscate   bool   // Obfuscate stream names within copy volumes
	DryRun      bool   // Plan and log only - no filesystem mutation
	PackedPaths []*regexp.Regexp
}

// Project - a session object binding a repository directory to the registries
// of sources, volumes and manifests. One Project drives one backup or restore.
type Project struct {
	logger      *logrus.Logger
	dir         string
	volumeType  VolumeType
	compression Compression
	obfuscate   bool
	dryRun      bool
	packedPaths []*regexp.Regexp
	sources     *identity.Map[*Source]
	volumes     *identity.Map[Volume]
	manifests   *identity.Map[*Manifest]
	lastToken   int64
	failCopy    string // For testing only - fail when backing up this relative path
}

func NewProject(logger *logrus.Logger, dir string, opts *ProjectOptions) (*Project, error) {
	if opts == nil {
		opts = &ProjectOptions{}
	}
	vt, err := ParseVolumeType(opts.VolumeType)
	if err != nil {
		return nil, err
	}
	cp, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("backup directory not accessible: %v", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup directory is not a directory: %s", dir)
	}
	p := &Project{
		logger:      logger,
		dir:         dir,
		volumeType:  vt,
		compression: cp,
		obfuscate:   opts.Obfuscate,
		dryRun:      opts.DryRun,
		packedPaths: opts.PackedPaths,
		sources:     identity.NewMap[*Source](),
		volumes:     identity.NewMap[Volume](),
		manifests:   identity.NewMap[*Manifest](),
	}
	return p, nil
}

// Dir returns the repository directory this project is bound to.
func (p *Project) Dir() string {
	return p.dir
}

// newToken returns a base-36 time-derived token (epoch seconds x 100) unique
// within both this session and the repository directory.
func (p *Project) newToken() string {
	t := time.Now().UnixMilli() / 10
	if t <= p.lastToken {
		t = p.lastToken + 1
	}
	for ; ; t++ {
		tok := strconv.FormatInt(t, 36)
		if !p.tokenTaken(tok) {
			p.lastToken = t
			return tok
		}
	}
}

// tokenTaken reports whether a token already names a manifest, a copy volume
// directory or a cat volume file in the repository.
func (p *Project) tokenTaken(tok string) bool {
	for _, name := range []string{tok + manifestSuffix, tok, tok + catSuffix} {
		if _, err := os.Stat(filepath.Join(p.dir, name)); err == nil {
			return true
		}
	}
	return false
}
