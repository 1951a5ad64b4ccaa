// Package storage implements the data writer: it takes verified piece
// bytes from the piece manager and durably places them into the torrent's
// target files.
//
// The spec describes a two-level staging scheme (temp-files flushed into
// final files) to decouple high-frequency piece writes from file fan-out,
// but explicitly permits a seek/pwrite-based equivalent wherever the
// final-file invariant holds. This implementation takes that option:
// os.File.WriteAt lets each piece be written directly at its absolute
// offset in the correct target file(s) without read-modify-write of whole
// files, which is both simpler and strictly less I/O than staging through
// a temp-file that is itself written with read-modify-write (as the
// original implementation does).
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/c2h5oh/datasize"

	"github.com/kelwon/goleech/internal/logging"
	"github.com/kelwon/goleech/metainfo"
)

var log = logging.For("storage")

// IOError reports a disk write failure. Fatal to the run (§7).
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

type fileSpan struct {
	path   string
	begin  int64 // global byte offset of this file's first byte
	length int64
}

// Writer places verified piece data into the torrent's target files,
// all opened up front by NewWriter, writing at the precise byte range a
// piece occupies.
type Writer struct {
	mu          sync.Mutex
	pieceLength int64
	spans       []fileSpan
	handles     map[string]*os.File
}

// NewWriter prepares a Writer for info, creating outputDir if needed. Each
// target file is created (truncated to its final size) up front so that
// WriteAt into any offset, including the tail, is always valid.
func NewWriter(info *metainfo.Info, outputDir string) (*Writer, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, &IOError{Path: outputDir, Err: err}
	}

	w := &Writer{
		pieceLength: info.PieceLength(),
		handles:     make(map[string]*os.File),
	}

	var offset int64
	for _, f := range info.Files() {
		path := filepath.Join(append([]string{outputDir}, f.Path...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &IOError{Path: path, Err: err}
		}
		fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, &IOError{Path: path, Err: err}
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return nil, &IOError{Path: path, Err: err}
		}
		w.handles[path] = fh
		w.spans = append(w.spans, fileSpan{path: path, begin: offset, length: f.Length})
		offset += f.Length
	}

	log.WithField("temp_file_size", datasize.ByteSize(tempFileSize(info)).HumanReadable()).
		Debug("writer initialized")
	return w, nil
}

// tempFileSize mirrors the spec's TEMP_FILE_SIZE formula even though this
// writer does not stage through temp-files, since it documents the unit of
// durability a staged implementation would use and a test asserts against
// it directly. The result is capped at the torrent's total length.
func tempFileSize(info *metainfo.Info) int64 {
	const maxTempFileSize = 1 << 27 // 128 MiB
	pl := info.PieceLength()
	size := maxTempFileSize / pl * pl
	if total := info.TotalLength(); size > total {
		size = total
	}
	return size
}

// WritePiece writes a verified piece's bytes across every target file its
// global byte range intersects.
func (w *Writer) WritePiece(index int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	globalBegin := int64(index) * w.pieceLength
	globalEnd := globalBegin + int64(len(data))

	for _, span := range w.spans {
		spanEnd := span.begin + span.length
		if spanEnd <= globalBegin || span.begin >= globalEnd {
			continue
		}
		overlapBegin := max64(globalBegin, span.begin)
		overlapEnd := min64(globalEnd, spanEnd)

		inFileOffset := overlapBegin - span.begin
		inDataOffset := overlapBegin - globalBegin
		chunk := data[inDataOffset : inDataOffset+(overlapEnd-overlapBegin)]

		fh := w.handles[span.path]
		if _, err := fh.WriteAt(chunk, inFileOffset); err != nil {
			return &IOError{Path: span.path, Err: err}
		}
	}
	return nil
}

// Close flushes and releases every open file handle. It is safe to call
// multiple times.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for path, fh := range w.handles {
		if err := fh.Close(); err != nil && firstErr == nil {
			firstErr = &IOError{Path: path, Err: err}
		}
	}
	w.handles = make(map[string]*os.File)
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
