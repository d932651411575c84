package backup

import (
	"compress/gzip"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

const catSuffix = ".cat"

// GzipCompressor is the only stream compressor currently supported; an empty
// compressor means the stream bytes are stored raw.
const GzipCompressor = "gzip"

// VolumeKind - copy (directory of per-file streams) or cat (one concatenated file)
type VolumeKind int

const (
	KindCopy VolumeKind = iota
	KindCat
)

func (k VolumeKind) String() string {
	return [...]string{"copy", "cat"}[k]
}

// Stream - a named slice of volume storage carrying one file's bytes. The
// SHA-1 is always that of the uncompressed source bytes. For cat streams,
// offset/size describe the exclusive (compressed) byte region within the cat
// file.
type Stream struct {
	volume     string // owning volume id
	name       string // unique within the volume
	compressor string // GzipCompressor or empty
	sha1       string
	offset     int64
	size       int64
}

func (s *Stream) Volume() string {
	return s.volume
}

func (s *Stream) Name() string {
	return s.name
}

func (s *Stream) Compressor() string {
	return s.compressor
}

func (s *Stream) Sha1() string {
	return s.sha1
}

func (s *Stream) Region() (offset int64, size int64) {
	return s.offset, s.size
}

// Volume - one output container of file bytes in a snapshot.
type Volume interface {
	Key() string
	ID() string
	Kind() VolumeKind
	IsNew() bool
	Modified() bool
	// Stream creates a stream for the file and attaches it. Only valid on
	// volumes created this session - loaded volumes are read-only.
	Stream(f *File) (*Stream, error)
	// Writer returns the byte sink for a stream: SHA-1 of the bytes written is
	// folded into the write path, with optional gzip encoding downstream.
	Writer(s *Stream) (io.WriteCloser, error)
	// Reader returns a byte source over the stream, decompressing if needed.
	Reader(s *Stream) (io.ReadCloser, error)
	// Store finalizes the on-disk artifact. No-op when the volume is unmodified.
	Store() error
	// Rollback removes the on-disk artifact iff the volume was modified. Safe
	// to call after partial writes.
	Rollback() error
}

// streamSink - the write pipeline shared by both volume kinds: caller bytes
// fan out to a SHA-1 hasher and to the encoder (gzip or the raw sink), so
// source bytes are streamed exactly once.
type streamSink struct {
	stream *Stream
	digest hash.Hash
	out    io.Writer
	gz     *gzip.Writer
	closed bool
	// onClose finalizes the underlying sink (closing a copy stream file,
	// releasing a cat region). Called exactly once.
	onClose func() error
}

func newStreamSink(s *Stream, raw io.Writer, onClose func() error) *streamSink {
	sink := &streamSink{stream: s, digest: sha1.New(), out: raw, onClose: onClose}
	if s.compressor == GzipCompressor {
		sink.gz = gzip.NewWriter(raw)
		sink.out = sink.gz
	}
	return sink
}

func (w *streamSink) Write(b []byte) (int, error) {
	w.digest.Write(b)
	return w.out.Write(b)
}

func (w *streamSink) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.stream.sha1 = hex.EncodeToString(w.digest.Sum(nil))
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			if w.onClose != nil {
				w.onClose()
			}
			return err
		}
	}
	if w.onClose != nil {
		return w.onClose()
	}
	return nil
}

// streamSource - read side of the pipeline: optional gzip decode over the raw
// byte region, closing every layer on Close.
type streamSource struct {
	r       io.Reader
	closers []io.Closer
}

func newStreamSource(s *Stream, raw io.Reader, closers ...io.Closer) (*streamSource, error) {
	src := &streamSource{r: raw, closers: closers}
	if s.compressor == GzipCompressor {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("stream %s/%s: %v", s.volume, s.name, err)
		}
		src.r = gz
		src.closers = append([]io.Closer{gz}, src.closers...)
	}
	return src, nil
}

func (r *streamSource) Read(b []byte) (int, error) {
	return r.r.Read(b)
}

func (r *streamSource) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
