package tarformat

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// --- Helpers ---

// rawHeader builds a ustar header block with a valid checksum.
func rawHeader(name string, typ byte, size, mtime int64) []byte {
	b := make([]byte, BlockSize)
	copy(b[nameOff:], name)
	formatOctal(b[modeOff:modeOff+modeLen], 0644)
	formatOctal(b[sizeOff:sizeOff+sizeLen], size)
	formatOctal(b[mtimeOff:mtimeOff+mtimeLen], mtime)
	b[typeOff] = typ
	copy(b[magicOff:], ustarMagic)
	copy(b[versionOff:], ustarVersion)
	writeChecksum(b)
	return b
}

func padBody(body string) []byte {
	b := make([]byte, BodyBlocks(int64(len(body)))*BlockSize)
	copy(b, body)
	return b
}

func endOfArchive() []byte {
	return make([]byte, 2*BlockSize)
}

type testEntry struct {
	hdr  *tar.Header
	body string
}

func buildTar(t *testing.T, entries []testEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		e.hdr.Size = int64(len(e.body))
		if err := tw.WriteHeader(e.hdr); err != nil {
			t.Fatalf("failed to write header %s: %v", e.hdr.Name, err)
		}
		if _, err := io.WriteString(tw, e.body); err != nil {
			t.Fatalf("failed to write body %s: %v", e.hdr.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, data []byte) ([]*Header, []string) {
	t.Helper()
	tr := NewReader(bytes.NewReader(data))
	var headers []*Header
	var bodies []string
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("failed to read body of %s: %v", h.Name, err)
		}
		headers = append(headers, h)
		bodies = append(bodies, string(body))
	}
	return headers, bodies
}

// --- Tests ---

func TestReaderDecodesStandardArchive(t *testing.T) {
	mtime := time.Unix(1600000000, 0)
	longName := strings.Repeat("d/", 60) + "long.txt"
	data := buildTar(t, []testEntry{
		{hdr: &tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0755, ModTime: mtime}},
		{hdr: &tar.Header{Name: "dir/a.txt", Typeflag: tar.TypeReg, Mode: 0640, ModTime: mtime}, body: "hello"},
		{hdr: &tar.Header{Name: "dir/link", Typeflag: tar.TypeSymlink, Linkname: "a.txt", Mode: 0777, ModTime: mtime}},
		{hdr: &tar.Header{Name: "dir/hard", Typeflag: tar.TypeLink, Linkname: "dir/a.txt", ModTime: mtime}},
		{hdr: &tar.Header{Name: longName, Typeflag: tar.TypeReg, Mode: 0600, ModTime: mtime}, body: strings.Repeat("x", 1000)},
	})

	headers, bodies := readAll(t, data)
	if len(headers) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(headers))
	}
	testCases := []struct {
		name string
		kind Kind
		mode os.FileMode
		link string
		body string
	}{
		{"dir/", Directory, 0755, "", ""},
		{"dir/a.txt", RegularFile, 0640, "", "hello"},
		{"dir/link", SymbolicLink, 0777, "a.txt", ""},
		{"dir/hard", Other, 0, "dir/a.txt", ""},
		{longName, RegularFile, 0600, "", strings.Repeat("x", 1000)},
	}
	for i, tc := range testCases {
		h := headers[i]
		if h.Name != tc.name || h.Type.Kind != tc.kind || h.Mode != tc.mode || h.LinkName != tc.link {
			t.Errorf("entry %d: got name=%q kind=%v mode=%v link=%q", i, h.Name, h.Type.Kind, h.Mode, h.LinkName)
		}
		if bodies[i] != tc.body {
			t.Errorf("entry %d: unexpected body of %d bytes", i, len(bodies[i]))
		}
		if !h.ModTime.Equal(mtime) {
			t.Errorf("entry %d: expected mtime %v, got %v", i, mtime, h.ModTime)
		}
		if h.Warning != nil {
			t.Errorf("entry %d: unexpected warning %v", i, h.Warning)
		}
	}
	if !headers[3].Type.IsHardLink() {
		t.Error("expected hard link entry")
	}
	if headers[0].Offset != 0 {
		t.Errorf("first header offset: got %d", headers[0].Offset)
	}
}

func TestCorruptedChecksumIsWarning(t *testing.T) {
	block := rawHeader("file.txt", TypeReg, 3, 1000)
	block[chksumOff+2] ^= 0x01
	data := append(block, padBody("abc")...)
	data = append(data, endOfArchive()...)

	headers, bodies := readAll(t, data)
	if len(headers) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(headers))
	}
	h := headers[0]
	if h.Name != "file.txt" || h.Size != 3 || h.Type.Kind != RegularFile || bodies[0] != "abc" {
		t.Errorf("unexpected entry %+v body=%q", h, bodies[0])
	}
	if !errors.Is(h.Warning, ErrChecksum) {
		t.Errorf("expected checksum warning, got %v", h.Warning)
	}
}

func TestSignedChecksumAccepted(t *testing.T) {
	block := rawHeader("caf\xe9.txt", TypeReg, 0, 1000)
	_, signed := checksums(block)
	formatOctal(block[chksumOff:chksumOff+7], signed)
	block[chksumOff+7] = ' '

	h, err := ParseHeader(block)
	if err != nil {
		t.Fatal(err)
	}
	if h.Warning != nil {
		t.Errorf("signed checksum should be accepted, got %v", h.Warning)
	}
}

func TestPAXMtimeOverridesHeader(t *testing.T) {
	body := paxRecord("mtime", "1700000000.000000")
	var data []byte
	data = append(data, rawHeader("PaxHeaders/file.txt", TypeXHeader, int64(len(body)), 0)...)
	data = append(data, padBody(body)...)
	data = append(data, rawHeader("file.txt", TypeReg, 2, 5)...)
	data = append(data, padBody("hi")...)
	data = append(data, endOfArchive()...)

	headers, bodies := readAll(t, data)
	if len(headers) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(headers))
	}
	if want := time.Unix(1700000000, 0); !headers[0].ModTime.Equal(want) {
		t.Errorf("expected mtime %v, got %v", want, headers[0].ModTime)
	}
	if headers[0].Offset != BlockSize*2 {
		t.Errorf("expected header offset %d, got %d", BlockSize*2, headers[0].Offset)
	}
	if bodies[0] != "hi" {
		t.Errorf("unexpected body %q", bodies[0])
	}
}

func TestPAXScanOrder(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		wantName string
		wantLink string
		wantSize int64
	}{
		{
			name:     "PathAndSize",
			body:     paxRecord("path", "long/name.txt") + paxRecord("size", "4"),
			wantName: "long/name.txt",
			wantSize: 4,
		},
		{
			// Both keys on one line: linkpath is tried first and wins.
			name:     "LinkpathWinsOnSharedLine",
			body:     "40 path=ignored.txt linkpath=target.txt\n",
			wantName: "plain.txt",
			wantLink: "target.txt",
			wantSize: 4,
		},
		{
			name:     "GlobalRecordsIgnored",
			body:     paxRecord("comment", "nothing to see"),
			wantName: "plain.txt",
			wantSize: 4,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var data []byte
			data = append(data, rawHeader("g", TypeXGlobal, int64(len("15 path=global\n")), 0)...)
			data = append(data, padBody("15 path=global\n")...)
			data = append(data, rawHeader("x", TypeXHeader, int64(len(tc.body)), 0)...)
			data = append(data, padBody(tc.body)...)
			data = append(data, rawHeader("plain.txt", TypeReg, 4, 0)...)
			data = append(data, padBody("data")...)
			data = append(data, endOfArchive()...)

			headers, _ := readAll(t, data)
			if len(headers) != 1 {
				t.Fatalf("expected 1 entry, got %d", len(headers))
			}
			h := headers[0]
			if h.Name != tc.wantName || h.LinkName != tc.wantLink || h.Size != tc.wantSize {
				t.Errorf("got name=%q link=%q size=%d", h.Name, h.LinkName, h.Size)
			}
		})
	}
}

func TestUnreadableHeader(t *testing.T) {
	block := rawHeader("bad.bin", TypeReg, 0, 0)
	copy(block[sizeOff:sizeOff+sizeLen], "zzzzzzzzzzz\x00")
	writeChecksum(block)
	data := append(rawHeader("ok.txt", TypeReg, 0, 0), block...)

	tr := NewReader(bytes.NewReader(data))
	if h, err := tr.Next(); err != nil || h.Name != "ok.txt" {
		t.Fatalf("first entry: %v, %v", h, err)
	}
	if _, err := tr.Next(); !errors.Is(err, ErrUnreadable) {
		t.Errorf("expected ErrUnreadable, got %v", err)
	}
}

func TestTruncatedStream(t *testing.T) {
	data := append(rawHeader("a.txt", TypeReg, 600, 0), []byte("short")...)
	tr := NewReader(bytes.NewReader(data))
	if _, err := tr.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(tr); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}
}

func TestNumericFields(t *testing.T) {
	testCases := []int64{0, 1, 0777, 8589934591, 8589934592, 1 << 40}
	for _, n := range testCases {
		field := make([]byte, 12)
		formatOctal(field, n)
		got, err := parseNumeric(field)
		if err != nil || got != n {
			t.Errorf("roundtrip %d: got %d, %v", n, got, err)
		}
	}
	if _, err := parseNumeric([]byte("12 9\x00")); err == nil {
		t.Error("expected error for non-octal digits")
	}
}

func TestPAXTime(t *testing.T) {
	testCases := []struct {
		in   string
		want time.Time
	}{
		{"1700000000", time.Unix(1700000000, 0)},
		{"1700000000.000000", time.Unix(1700000000, 0)},
		{"1700000000.5", time.Unix(1700000000, 500000000)},
		{"1700000000.1234567891", time.Unix(1700000000, 123456789)},
	}
	for _, tc := range testCases {
		got, err := ParsePAXTime(tc.in)
		if err != nil || !got.Equal(tc.want) {
			t.Errorf("ParsePAXTime(%q) = %v, %v", tc.in, got, err)
		}
	}
	for _, bad := range []string{"", "abc", "1.", "1.x"} {
		if _, err := ParsePAXTime(bad); err == nil {
			t.Errorf("ParsePAXTime(%q) should fail", bad)
		}
	}
	if got := FormatPAXTime(time.Unix(1700000000, 250000000)); got != "1700000000.250000" {
		t.Errorf("FormatPAXTime = %q", got)
	}
	if got := paxRecord("path", "a"); got != "9 path=a\n" {
		t.Errorf("paxRecord = %q", got)
	}
}

func TestRetimePreservesLayout(t *testing.T) {
	old := time.Unix(1500000000, 123456789)
	data := buildTar(t, []testEntry{
		{hdr: &tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0755, ModTime: old}},
		{hdr: &tar.Header{
			Name: "dir/a.txt", Typeflag: tar.TypeReg, Mode: 0644, ModTime: old,
			AccessTime: old, ChangeTime: old, Format: tar.FormatPAX,
		}, body: "alpha"},
		{hdr: &tar.Header{Name: "dir/b.txt", Typeflag: tar.TypeReg, Mode: 0644, ModTime: time.Unix(1500000000, 0)}, body: strings.Repeat("b", 700)},
	})
	path := filepath.Join(t.TempDir(), "a.tar")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	before, beforeBodies := readAll(t, data)

	stamp := time.Unix(1700000000, 0)
	n, err := RetimeFile(context.Background(), path, stamp)
	if err != nil {
		t.Fatalf("RetimeFile failed: %v", err)
	}
	if n < 3 {
		t.Errorf("expected at least 3 rewritten headers, got %d", n)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(data) {
		t.Fatalf("archive length changed from %d to %d", len(data), len(after))
	}

	headers, bodies := readAll(t, after)
	if len(headers) != len(before) {
		t.Fatalf("entry count changed from %d to %d", len(before), len(headers))
	}
	for i, h := range headers {
		if h.Name != before[i].Name || h.Size != before[i].Size || bodies[i] != beforeBodies[i] {
			t.Errorf("entry %d changed: %q/%d -> %q/%d", i, before[i].Name, before[i].Size, h.Name, h.Size)
		}
		if !h.ModTime.Equal(stamp) {
			t.Errorf("entry %d: expected mtime %v, got %v", i, stamp, h.ModTime)
		}
		if h.Warning != nil {
			t.Errorf("entry %d: unexpected warning %v", i, h.Warning)
		}
	}

	// The standard library must agree, including on the dropped atime/ctime.
	std := tar.NewReader(bytes.NewReader(after))
	for i := 0; ; i++ {
		h, err := std.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("archive/tar rejected the rewritten archive: %v", err)
		}
		if !h.ModTime.Equal(stamp) {
			t.Errorf("archive/tar entry %d: mtime %v", i, h.ModTime)
		}
		if _, ok := h.PAXRecords["atime"]; ok {
			t.Errorf("archive/tar entry %d: atime record survived", i)
		}
	}
}

func TestRetimeCancelled(t *testing.T) {
	data := buildTar(t, []testEntry{
		{hdr: &tar.Header{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0644, ModTime: time.Unix(1, 0)}, body: "a"},
	})
	path := filepath.Join(t.TempDir(), "a.tar")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := RetimeFile(ctx, path, time.Unix(2, 0))
	if !errors.Is(err, context.Canceled) || n != 0 {
		t.Errorf("expected cancellation before any rewrite, got %d, %v", n, err)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(after, data) {
		t.Error("cancelled retime modified the archive")
	}
}

func TestRetimeRejectsTimeBeforeEpoch(t *testing.T) {
	data := buildTar(t, []testEntry{
		{hdr: &tar.Header{Name: "a.txt", Typeflag: tar.TypeReg, Mode: 0644, ModTime: time.Unix(1, 0)}, body: "a"},
	})
	path := filepath.Join(t.TempDir(), "a.tar")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	n, err := RetimeFile(context.Background(), path, time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC))
	if !errors.Is(err, ErrBeforeEpoch) || n != 0 {
		t.Errorf("expected ErrBeforeEpoch before any rewrite, got %d, %v", n, err)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(after, data) {
		t.Error("rejected retime modified the archive")
	}
}

func TestRetimeShrinkingPAXKeepsBlocks(t *testing.T) {
	body := paxRecord("atime", "1."+strings.Repeat("0", 600)) + paxRecord("mtime", "5")
	var data []byte
	data = append(data, rawHeader("x", TypeXHeader, int64(len(body)), 0)...)
	data = append(data, padBody(body)...)
	data = append(data, rawHeader("file.txt", TypeReg, 2, 5)...)
	data = append(data, padBody("hi")...)
	data = append(data, endOfArchive()...)
	if BodyBlocks(int64(len(body))) != 2 {
		t.Fatalf("test body should span 2 blocks, got %d bytes", len(body))
	}

	path := filepath.Join(t.TempDir(), "pax.tar")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	stamp := time.Unix(1700000000, 0)
	if _, err := RetimeFile(context.Background(), path, stamp); err != nil {
		t.Fatalf("RetimeFile failed: %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(data) {
		t.Fatalf("archive length changed from %d to %d", len(data), len(after))
	}

	std := tar.NewReader(bytes.NewReader(after))
	h, err := std.Next()
	if err != nil {
		t.Fatalf("archive/tar rejected the rewritten archive: %v", err)
	}
	if h.Name != "file.txt" || !h.ModTime.Equal(stamp) {
		t.Errorf("unexpected entry %q mtime %v", h.Name, h.ModTime)
	}
	if _, ok := h.PAXRecords["atime"]; ok {
		t.Error("atime record survived")
	}
	b, _ := io.ReadAll(std)
	if string(b) != "hi" {
		t.Errorf("unexpected body %q", b)
	}
}
