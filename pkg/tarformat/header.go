// Package tarformat reads TAR headers block by block and rewrites header
// timestamps in place.
//
// The parser is deliberately forgiving: a bad checksum or an unparseable
// mode or mtime is attached to the entry as a Warning and reading goes on.
// Only a header whose type or size cannot be determined stops the stream,
// because without the size the next header cannot be located.
package tarformat

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BlockSize is the TAR record granularity.
const BlockSize = 512

// Field offsets of the ustar header.
const (
	nameOff, nameLen         = 0, 100
	modeOff, modeLen         = 100, 8
	sizeOff, sizeLen         = 124, 12
	mtimeOff, mtimeLen       = 136, 12
	chksumOff, chksumLen     = 148, 8
	typeOff                  = 156
	linkOff, linkLen         = 157, 100
	magicOff, magicLen       = 257, 6
	versionOff, versionLen   = 263, 2
	prefixOff, prefixLen     = 345, 155
	ustarMagic, gnuMagic     = "ustar\x00", "ustar "
	ustarVersion, gnuVersion = "00", " \x00"
)

// Raw type flags with special meaning to the reader.
const (
	TypeReg     byte = '0'
	TypeRegA    byte = 0
	TypeLink    byte = '1'
	TypeSymlink byte = '2'
	TypeDir     byte = '5'
	TypeXHeader byte = 'x'
	TypeXGlobal byte = 'g'
	TypeGNULong byte = 'L'
	TypeGNULink byte = 'K'
)

var (
	// ErrUnreadable means the type or size of a header could not be
	// determined, so the rest of the stream cannot be located.
	ErrUnreadable = errors.New("unreadable tar header")
	// ErrChecksum is attached as a warning when the stored checksum matches
	// neither the signed nor the unsigned byte sum.
	ErrChecksum = errors.New("tar header checksum mismatch")
)

// Kind is the closed set of entry kinds.
type Kind int

const (
	RegularFile Kind = iota
	Directory
	SymbolicLink
	// Other covers every type flag without a kind of its own, including hard
	// links ('1'); EntryType.Tag carries the raw flag.
	Other
)

func (k Kind) String() string {
	switch k {
	case RegularFile:
		return "file"
	case Directory:
		return "dir"
	case SymbolicLink:
		return "symlink"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("unknown_kind(%d)", int(k))
	}
}

// EntryType is the decoded type flag. Tag is the raw byte from the header.
type EntryType struct {
	Kind Kind
	Tag  byte
}

// IsHardLink reports whether the entry refers to an earlier entry by name.
func (t EntryType) IsHardLink() bool { return t.Kind == Other && t.Tag == TypeLink }

func typeOf(flag byte) EntryType {
	switch flag {
	case TypeReg, TypeRegA:
		return EntryType{Kind: RegularFile, Tag: flag}
	case TypeSymlink:
		return EntryType{Kind: SymbolicLink, Tag: flag}
	case TypeDir:
		return EntryType{Kind: Directory, Tag: flag}
	default:
		return EntryType{Kind: Other, Tag: flag}
	}
}

// Header is one decoded archive entry.
type Header struct {
	Name     string
	Type     EntryType
	Size     int64
	ModTime  time.Time
	LinkName string
	// Mode holds the rwx permission bits only.
	Mode os.FileMode
	// Warning is a non-fatal problem found while decoding this header.
	Warning error
	// Offset is the position of the header block in the stream.
	Offset int64
}

// FileInfoMode combines the kind and permission bits into an os.FileMode.
func (h *Header) FileInfoMode() os.FileMode {
	switch h.Type.Kind {
	case Directory:
		return h.Mode | os.ModeDir
	case SymbolicLink:
		return h.Mode | os.ModeSymlink
	default:
		return h.Mode
	}
}

// BodyBlocks is the number of 512-byte blocks following a header of the given size.
func BodyBlocks(size int64) int64 {
	return (size + BlockSize - 1) / BlockSize
}

func isZeroBlock(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// parseNumeric decodes an octal field, or a base-256 field when the high bit
// of the first byte is set.
func parseNumeric(b []byte) (int64, error) {
	if len(b) > 0 && b[0]&0x80 != 0 {
		if b[0]&0x40 != 0 {
			return 0, fmt.Errorf("negative base-256 value")
		}
		var n int64
		for i, c := range b {
			if i == 0 {
				c &= 0x7f
			}
			if n > (1<<55)-1 {
				return 0, fmt.Errorf("base-256 value overflows")
			}
			n = n<<8 | int64(c)
		}
		return n, nil
	}
	s := strings.Trim(cString(b), " \x00")
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}

// checksums returns the unsigned and signed byte sums of the block, with the
// checksum field counted as ASCII spaces.
func checksums(block []byte) (unsigned, signed int64) {
	for i, c := range block {
		if i >= chksumOff && i < chksumOff+chksumLen {
			c = ' '
		}
		unsigned += int64(c)
		signed += int64(int8(c))
	}
	return unsigned, signed
}

func verifyChecksum(block []byte) error {
	stored, err := parseNumeric(block[chksumOff : chksumOff+chksumLen])
	if err != nil {
		return fmt.Errorf("%w: unparseable checksum field: %v", ErrChecksum, err)
	}
	unsigned, signed := checksums(block)
	if stored != unsigned && stored != signed {
		return fmt.Errorf("%w: stored %d, computed %d", ErrChecksum, stored, unsigned)
	}
	return nil
}

// ParseHeader decodes one 512-byte header block. The returned error is
// non-nil only when the header is unreadable; softer problems end up in
// Header.Warning.
func ParseHeader(block []byte) (*Header, error) {
	if len(block) < BlockSize {
		return nil, fmt.Errorf("%w: short block of %d bytes", ErrUnreadable, len(block))
	}
	h := &Header{Type: typeOf(block[typeOff])}

	size, err := parseNumeric(block[sizeOff : sizeOff+sizeLen])
	if err != nil || size < 0 {
		return nil, fmt.Errorf("%w: invalid size field %q", ErrUnreadable, cString(block[sizeOff:sizeOff+sizeLen]))
	}
	h.Size = size

	var warnings []error
	if err := verifyChecksum(block); err != nil {
		warnings = append(warnings, err)
	}

	h.Name = cString(block[nameOff : nameOff+nameLen])
	magic := string(block[magicOff : magicOff+magicLen])
	version := string(block[versionOff : versionOff+versionLen])
	if magic == ustarMagic && version == ustarVersion {
		if prefix := cString(block[prefixOff : prefixOff+prefixLen]); prefix != "" {
			h.Name = prefix + "/" + h.Name
		}
	}
	if h.Name == "" {
		warnings = append(warnings, errors.New("empty entry name"))
	}
	h.LinkName = cString(block[linkOff : linkOff+linkLen])

	if mode, err := parseNumeric(block[modeOff : modeOff+modeLen]); err != nil {
		warnings = append(warnings, fmt.Errorf("invalid mode field: %w", err))
	} else {
		h.Mode = os.FileMode(mode) & os.ModePerm
	}

	if mtime, err := parseNumeric(block[mtimeOff : mtimeOff+mtimeLen]); err != nil {
		warnings = append(warnings, fmt.Errorf("invalid mtime field: %w", err))
	} else {
		h.ModTime = time.Unix(mtime, 0)
	}

	h.Warning = errors.Join(warnings...)
	return h, nil
}

// formatOctal writes n as a NUL terminated, zero padded octal number filling
// the field. Values that do not fit use base-256.
func formatOctal(field []byte, n int64) {
	digits := len(field) - 1
	s := strconv.FormatInt(n, 8)
	if n >= 0 && len(s) <= digits {
		copy(field, strings.Repeat("0", digits-len(s))+s)
		field[digits] = 0
		return
	}
	for i := len(field) - 1; i >= 0; i-- {
		field[i] = byte(n)
		n >>= 8
	}
	field[0] |= 0x80
}

// writeChecksum recomputes the checksum of a header block in place using
// the "%06o\x00 " layout.
func writeChecksum(block []byte) {
	unsigned, _ := checksums(block)
	field := block[chksumOff : chksumOff+chksumLen]
	formatOctal(field[:7], unsigned)
	field[7] = ' '
}
