package tarformat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Reader walks the entries of a TAR stream.
type Reader struct {
	r      io.Reader
	offset int64
	// remaining body bytes of the current entry and the padding after them.
	remaining int64
	padding   int64
	block     [BlockSize]byte
}

// NewReader reads a TAR stream from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Offset is the stream position of the reader.
func (tr *Reader) Offset() int64 { return tr.offset }

// paxOverrides holds the fields a local PAX header replaces in the next entry.
type paxOverrides struct {
	linkPath *string
	path     *string
	mtime    *time.Time
	size     *int64
	warnings []error
}

// Next advances to the next entry, skipping whatever is left of the current
// one. It returns io.EOF at the first all-zero block or at the end of the stream.
func (tr *Reader) Next() (*Header, error) {
	if err := tr.skip(tr.remaining + tr.padding); err != nil {
		return nil, err
	}
	tr.remaining, tr.padding = 0, 0

	var pax paxOverrides
	var longName, longLink *string
	for {
		offset := tr.offset
		if _, err := io.ReadFull(tr.r, tr.block[:]); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: truncated header at offset %d: %v", ErrUnreadable, offset, err)
		}
		tr.offset += BlockSize
		if isZeroBlock(tr.block[:]) {
			return nil, io.EOF
		}

		h, err := ParseHeader(tr.block[:])
		if err != nil {
			return nil, fmt.Errorf("header at offset %d: %w", offset, err)
		}
		h.Offset = offset

		switch h.Type.Tag {
		case TypeXGlobal:
			if err := tr.skip(BodyBlocks(h.Size) * BlockSize); err != nil {
				return nil, err
			}
			continue
		case TypeXHeader:
			body, err := tr.readBody(h.Size)
			if err != nil {
				return nil, err
			}
			pax = parsePAX(body)
			continue
		case TypeGNULong, TypeGNULink:
			body, err := tr.readBody(h.Size)
			if err != nil {
				return nil, err
			}
			s := cString(body)
			if h.Type.Tag == TypeGNULong {
				longName = &s
			} else {
				longLink = &s
			}
			continue
		}

		if longName != nil {
			h.Name = *longName
		}
		if longLink != nil {
			h.LinkName = *longLink
		}
		pax.apply(h)
		tr.remaining = h.Size
		tr.padding = BodyBlocks(h.Size)*BlockSize - h.Size
		return h, nil
	}
}

// Read reads from the body of the current entry.
func (tr *Reader) Read(p []byte) (int, error) {
	if tr.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > tr.remaining {
		p = p[:tr.remaining]
	}
	n, err := tr.r.Read(p)
	tr.remaining -= int64(n)
	tr.offset += int64(n)
	if err == io.EOF && tr.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (tr *Reader) readBody(size int64) ([]byte, error) {
	if size > 1<<20 {
		return nil, fmt.Errorf("%w: extended header of %d bytes", ErrUnreadable, size)
	}
	body := make([]byte, BodyBlocks(size)*BlockSize)
	if _, err := io.ReadFull(tr.r, body); err != nil {
		return nil, fmt.Errorf("%w: truncated extended header: %v", ErrUnreadable, err)
	}
	tr.offset += int64(len(body))
	return body[:size], nil
}

func (tr *Reader) skip(n int64) error {
	if n <= 0 {
		return nil
	}
	if s, ok := tr.r.(io.Seeker); ok {
		if _, err := s.Seek(n, io.SeekCurrent); err == nil {
			tr.offset += n
			return nil
		}
	}
	copied, err := io.CopyN(io.Discard, tr.r, n)
	tr.offset += copied
	if err != nil {
		return fmt.Errorf("%w: truncated entry body: %v", ErrUnreadable, err)
	}
	return nil
}

// parsePAX scans the records of a local extended header line by line. On
// each line the keys are tried in the order linkpath, path, mtime, size and
// the first one found wins; the rest of that line is ignored.
func parsePAX(body []byte) paxOverrides {
	var pax paxOverrides
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		if v, ok := paxValue(line, "linkpath"); ok {
			pax.linkPath = &v
		} else if v, ok := paxValue(line, "path"); ok {
			pax.path = &v
		} else if v, ok := paxValue(line, "mtime"); ok {
			t, err := ParsePAXTime(v)
			if err != nil {
				pax.warnings = append(pax.warnings, fmt.Errorf("invalid PAX mtime %q: %w", v, err))
				continue
			}
			pax.mtime = &t
		} else if v, ok := paxValue(line, "size"); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				pax.warnings = append(pax.warnings, fmt.Errorf("invalid PAX size %q", v))
				continue
			}
			pax.size = &n
		}
	}
	return pax
}

// paxValue finds " key=" in a record line and returns everything after it.
func paxValue(line, key string) (string, bool) {
	marker := " " + key + "="
	i := strings.Index(line, marker)
	if i < 0 {
		return "", false
	}
	return line[i+len(marker):], true
}

func (p *paxOverrides) apply(h *Header) {
	if p.linkPath != nil {
		h.LinkName = *p.linkPath
	}
	if p.path != nil {
		h.Name = *p.path
	}
	if p.mtime != nil {
		h.ModTime = *p.mtime
	}
	if p.size != nil {
		h.Size = *p.size
	}
	if len(p.warnings) > 0 {
		h.Warning = errors.Join(append([]error{h.Warning}, p.warnings...)...)
	}
}

// ParsePAXTime parses "<seconds>[.<fraction>]".
func ParsePAXTime(s string) (time.Time, error) {
	secStr, fracStr, hasFrac := strings.Cut(s, ".")
	secs, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if !hasFrac {
		return time.Unix(secs, 0), nil
	}
	if fracStr == "" || strings.TrimLeft(fracStr, "0123456789") != "" {
		return time.Time{}, fmt.Errorf("invalid fraction %q", fracStr)
	}
	if len(fracStr) > 9 {
		fracStr = fracStr[:9]
	}
	nsecs, _ := strconv.ParseInt(fracStr+strings.Repeat("0", 9-len(fracStr)), 10, 64)
	if len(secStr) > 0 && secStr[0] == '-' {
		return time.Unix(secs, -nsecs), nil
	}
	return time.Unix(secs, nsecs), nil
}

// FormatPAXTime formats t with microsecond precision, e.g. "1700000000.000000".
func FormatPAXTime(t time.Time) string {
	secs := t.Unix()
	usecs := int64(t.Nanosecond()) / 1000
	if secs < 0 && usecs > 0 {
		return fmt.Sprintf("-%d.%06d", -(secs + 1), 1_000_000-usecs)
	}
	return fmt.Sprintf("%d.%06d", secs, usecs)
}

// paxRecord encodes "<len> key=value\n" where len counts the whole record.
func paxRecord(key, value string) string {
	payload := " " + key + "=" + value + "\n"
	size := len(payload)
	for {
		n := len(strconv.Itoa(size)) + len(payload)
		if n == size {
			break
		}
		size = n
	}
	return strconv.Itoa(size) + payload
}

// splitPAXRecords splits a PAX body into its length-prefixed records.
func splitPAXRecords(body []byte) ([][2]string, error) {
	var records [][2]string
	for len(body) > 0 {
		sp := bytes.IndexByte(body, ' ')
		if sp <= 0 {
			return nil, fmt.Errorf("invalid PAX record: missing length")
		}
		n, err := strconv.Atoi(string(body[:sp]))
		if err != nil || n <= sp || n > len(body) || n > math.MaxInt32 {
			return nil, fmt.Errorf("invalid PAX record length %q", body[:sp])
		}
		rec := body[sp+1 : n]
		if len(rec) == 0 || rec[len(rec)-1] != '\n' {
			return nil, fmt.Errorf("invalid PAX record: missing newline")
		}
		key, value, ok := strings.Cut(string(rec[:len(rec)-1]), "=")
		if !ok {
			return nil, fmt.Errorf("invalid PAX record: missing '='")
		}
		records = append(records, [2]string{key, value})
		body = body[n:]
	}
	return records, nil
}
