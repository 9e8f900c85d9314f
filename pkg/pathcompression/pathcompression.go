// Package pathcompression unpacks tar and zip archives, packs file trees into
// zip archives and compresses single files with gzip.
//
// Every writer in this package produces its output under a temporary name in
// the destination directory and renames it into place only after the last
// byte was written, so an interrupted or failed run never leaves a partial
// archive behind under the final name. Unpacking is the exception: entries
// are materialized one by one and a cancelled run keeps what was extracted.
package pathcompression

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/paulschiretz/pgl-transfer/pkg/pathcompressionmetrics"
)

var (
	// ErrTotalFailure is returned when not a single entry could be written.
	ErrTotalFailure = errors.New("no entry could be processed")
	// ErrIllegalPath rejects archive entries that would land outside the output root.
	ErrIllegalPath = errors.New("illegal file path in archive")
	// ErrNotArchive is returned for inputs whose format has no entries to unpack.
	ErrNotArchive = errors.New("not an archive")
)

// Metrics is the counter sink used by all operations of this package.
type Metrics = pathcompressionmetrics.Metrics

// AttemptFunc runs op for the entry called name and decides what a failure
// means. A nil return counts the entry as done, a non-nil return as failed.
// Returning context.Canceled stops the whole operation.
type AttemptFunc func(name string, op func() error) error

// runDirect is the AttemptFunc used when none is configured.
func runDirect(_ string, op func() error) error { return op() }

// Stats summarizes one pack or unpack run.
type Stats struct {
	// Entries is the number of entries written.
	Entries int
	// Kept counts existing targets left alone by the overwrite behavior.
	Kept int
	// Failed counts entries whose write failed and was skipped.
	Failed int
	// Incomplete is set when entries were left out on purpose, such as
	// symbolic links when packing a zip archive.
	Incomplete bool
	// Warnings holds non-fatal header problems found while unpacking, and
	// entries left damaged in the archive while packing.
	Warnings []error
}

// secureFileOpen verifies that the file at path is the same one we expected(TOCTOU check).
// Ensure the file we opened is the same one we discovered in the walk.
// This prevents attacks where a file is swapped for a symlink after discovery.
func secureFileOpen(absFilePath string, expected os.FileInfo) (*os.File, error) {
	f, err := os.Open(absFilePath)
	if err != nil {
		return nil, err
	}

	openedInfo, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat opened file: %w", err)
	}

	// 1. Check if it's the same physical file (Inode check)
	if !os.SameFile(expected, openedInfo) {
		f.Close()
		return nil, fmt.Errorf("file changed during packing (TOCTOU): %s", absFilePath)
	}

	// 2. Check if the size changed. The entry header is built from 'expected'.
	if openedInfo.Size() != expected.Size() {
		f.Close()
		return nil, fmt.Errorf("file size changed during packing: %s", absFilePath)
	}

	return f, nil
}

// metricWriter wraps an io.Writer and updates metrics on every write.
type metricWriter struct {
	w       io.Writer
	metrics Metrics
}

func (mw *metricWriter) Write(p []byte) (n int, err error) {
	n, err = mw.w.Write(p)
	if n > 0 {
		mw.metrics.AddBytesWritten(int64(n))
	}
	return
}

// metricReader wraps an io.Reader and updates metrics on every read.
type metricReader struct {
	r       io.Reader
	metrics Metrics
}

func (mr *metricReader) Read(p []byte) (n int, err error) {
	n, err = mr.r.Read(p)
	if n > 0 {
		mr.metrics.AddBytesRead(int64(n))
	}
	return
}

// metricReaderAt wraps an io.ReaderAt and updates metrics on every read.
type metricReaderAt struct {
	r       io.ReaderAt
	metrics Metrics
}

func (mr *metricReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	n, err = mr.r.ReadAt(p, off)
	if n > 0 {
		mr.metrics.AddBytesRead(int64(n))
	}
	return
}

// contextReader fails the next Read once ctx is done, so large copies stop at
// buffer granularity.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// removeOnError deletes path when *errp is set. Used with defer.
func removeOnError(path string, errp *error) {
	if *errp != nil {
		os.Remove(path)
	}
}
