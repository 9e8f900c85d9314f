package tarformat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// ErrPAXOverflow is returned when a rebuilt extended header would need more
// blocks than the original one.
var ErrPAXOverflow = errors.New("rebuilt PAX header does not fit its original blocks")

// ErrBeforeEpoch is returned for an mtime before 1970, which the header's
// unsigned mtime field cannot hold.
var ErrBeforeEpoch = errors.New("mtime before 1970 cannot be stored in a tar header")

// ReaderWriterAt is the random access a retime needs.
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// RetimeFile sets the mtime of every entry of the TAR file at path to mtime.
// The file keeps its size and entry order. It returns the number of headers
// rewritten.
func RetimeFile(ctx context.Context, path string, mtime time.Time) (int, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	n, err := Retime(ctx, f, mtime)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close %s: %w", path, cerr)
	}
	return n, err
}

// Retime rewrites the mtime field and checksum of every header in f. Local
// PAX headers are rebuilt without atime and ctime and with the new mtime,
// zero padded to their original block count. The walk stops at the first
// zero, short or unreadable block. Cancellation is checked between headers.
// Times before 1970 are rejected with ErrBeforeEpoch.
func Retime(ctx context.Context, f ReaderWriterAt, mtime time.Time) (int, error) {
	if mtime.Unix() < 0 {
		return 0, fmt.Errorf("%w: %s", ErrBeforeEpoch, mtime.Format(time.RFC3339))
	}
	var block [BlockSize]byte
	var offset int64
	var paxSize *int64
	rewritten := 0

	for {
		if err := ctx.Err(); err != nil {
			return rewritten, err
		}
		n, err := f.ReadAt(block[:], offset)
		if n < BlockSize {
			if err != nil && err != io.EOF {
				return rewritten, fmt.Errorf("failed to read header at offset %d: %w", offset, err)
			}
			return rewritten, nil
		}
		if isZeroBlock(block[:]) {
			return rewritten, nil
		}
		h, err := ParseHeader(block[:])
		if err != nil {
			return rewritten, nil
		}

		bodySize := h.Size
		if h.Type.Tag == TypeXHeader {
			newSize, err := retimePAXBody(f, offset+BlockSize, h.Size, mtime)
			if err != nil {
				return rewritten, fmt.Errorf("extended header at offset %d: %w", offset, err)
			}
			formatOctal(block[sizeOff:sizeOff+sizeLen], newSize)
			paxSize, err = nextEntrySize(f, offset+BlockSize, newSize)
			if err != nil {
				return rewritten, fmt.Errorf("extended header at offset %d: %w", offset, err)
			}
		} else if h.Type.Tag != TypeXGlobal && h.Type.Tag != TypeGNULong && h.Type.Tag != TypeGNULink {
			if paxSize != nil {
				bodySize = *paxSize
				paxSize = nil
			}
		}

		formatOctal(block[mtimeOff:mtimeOff+mtimeLen], mtime.Unix())
		writeChecksum(block[:])
		if _, err := f.WriteAt(block[:], offset); err != nil {
			return rewritten, fmt.Errorf("failed to write header at offset %d: %w", offset, err)
		}
		rewritten++

		// The body of an extended header keeps its original block count.
		offset += BlockSize + BodyBlocks(bodySize)*BlockSize
	}
}

// retimePAXBody rebuilds the extended header body at off in place and returns its new length.
func retimePAXBody(f ReaderWriterAt, off, size int64, mtime time.Time) (int64, error) {
	capacity := BodyBlocks(size) * BlockSize
	if capacity > 1<<20 {
		return 0, fmt.Errorf("%w: extended header of %d bytes", ErrUnreadable, size)
	}
	buf := make([]byte, capacity)
	if _, err := f.ReadAt(buf, off); err != nil {
		return 0, fmt.Errorf("failed to read extended header: %w", err)
	}
	records, err := splitPAXRecords(buf[:size])
	if err != nil {
		return 0, err
	}

	var b strings.Builder
	for _, rec := range records {
		switch rec[0] {
		case "atime", "ctime":
			continue
		case "mtime":
			b.WriteString(paxRecord("mtime", FormatPAXTime(mtime)))
		default:
			b.WriteString(paxRecord(rec[0], rec[1]))
		}
	}
	if int64(b.Len()) > capacity {
		return 0, ErrPAXOverflow
	}
	if BodyBlocks(int64(b.Len())) < BodyBlocks(size) {
		// Keep the block count readable from the size field by filling the
		// last block with a comment record.
		filler, ok := commentRecord(max(size, int64(b.Len())+minCommentLen)-int64(b.Len()), capacity-int64(b.Len()))
		if !ok {
			return 0, ErrPAXOverflow
		}
		b.WriteString(filler)
	}

	out := make([]byte, capacity)
	copy(out, b.String())
	if _, err := f.WriteAt(out, off); err != nil {
		return 0, fmt.Errorf("failed to write extended header: %w", err)
	}
	return int64(b.Len()), nil
}

// nextEntrySize returns the size override carried by the rebuilt extended
// header at off, if any.
func nextEntrySize(f ReaderWriterAt, off, size int64) (*int64, error) {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("failed to read extended header: %w", err)
	}
	return parsePAX(buf).size, nil
}

const minCommentLen = int64(len("12 comment=\n"))

// commentRecord returns a comment record of length n, or of the next
// achievable length up to limit.
func commentRecord(n, limit int64) (string, bool) {
	for ; n <= limit; n++ {
		for v := max(n-minCommentLen-2, 0); v <= n; v++ {
			rec := paxRecord("comment", strings.Repeat(" ", int(v)))
			if int64(len(rec)) == n {
				return rec, true
			}
			if int64(len(rec)) > n {
				break
			}
		}
	}
	return "", false
}
