package backup

import (
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/h2non/filetype"
)

// gzipOverhead models the minimum gzip framing cost: 10 byte header plus
// 8 byte trailer, with the stored file name and its NUL accounted separately.
const gzipOverhead = 18

// Already-packed payloads: compressing these again costs more than it saves.
var packedExtensions = map[string]bool{
	".gz": true, ".tgz": true, ".bz2": true, ".tbz2": true, ".xz": true, ".txz": true,
	".zst": true, ".lz4": true, ".7z": true, ".zip": true, ".rar": true,
	".jar": true, ".war": true, ".apk": true, ".pack": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".heic": true,
	".mp3": true, ".m4a": true, ".aac": true, ".ogg": true, ".oga": true, ".opus": true, ".flac": true,
	".mp4": true, ".m4v": true, ".mkv": true, ".avi": true, ".mov": true, ".webm": true,
	".docx": true, ".xlsx": true, ".pptx": true, ".odt": true, ".ods": true, ".odp": true,
}

var packedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.git/objects/`),
}

// ratio estimates the compressed/uncompressed size ratio for a relative path:
// 1.05 for payloads that are already packed, 0.5 otherwise.
func (p *Project) ratio(rel string) float64 {
	if packedExtensions[strings.ToLower(path.Ext(rel))] {
		return 1.05
	}
	for _, re := range packedPatterns {
		if re.MatchString(rel) {
			return 1.05
		}
	}
	for _, re := range p.packedPaths {
		if re.MatchString(rel) {
			return 1.05
		}
	}
	return 0.5
}

// compressedSize is the planning estimate of a file's size once streamed.
func (p *Project) compressedSize(f *File) float64 {
	return float64(f.size) * p.ratio(f.path)
}

// compressible reports whether gzipping the file is expected to shrink it
// past the gzip overhead for its stream name.
func (p *Project) compressible(f *File) bool {
	name := path.Base(f.path)
	return p.compressedSize(f)+gzipOverhead+float64(len(name)+1) < float64(f.size)
}

// compressorFor picks the stream compressor for a file under the project's
// compression policy. In auto mode the first 261 bytes of the source are also
// sniffed - a packed container not caught by the path tables stays raw.
func (p *Project) compressorFor(f *File) string {
	switch p.compression {
	case CompressEnforce:
		return GzipCompressor
	case CompressDisable:
		return ""
	}
	if !p.compressible(f) {
		return ""
	}
	if src, ok := p.sources.Get(f.source); ok && packedHead(src.filePath(f)) {
		return ""
	}
	return GzipCompressor
}

// packedHead sniffs the leading bytes of a file for already-compressed
// container formats (images, video, audio, archives).
func packedHead(name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 261)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false
	}
	head = head[:n]
	return filetype.IsImage(head) || filetype.IsVideo(head) || filetype.IsAudio(head) || filetype.IsArchive(head)
}
