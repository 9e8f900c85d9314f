package vfs

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompression"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// tarProvider mounts plain and compressed tar archives.
type tarProvider struct {
	format pathcompression.Format
}

// tarMount remembers every header in archive order for the rewrite.
type tarMount struct {
	format  pathcompression.Format
	headers []*tar.Header
}

func (p tarProvider) Format() pathcompression.Format { return p.format }

func (p tarProvider) Mount(ctx context.Context, path string) (_ *Mount, retErr error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	in, closeIn, err := decompressor(p.format, bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer closeIn()

	tm := &tarMount{format: p.format}
	m, err := newMount(path, tm)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			m.Close()
		}
	}()

	type dirTime struct {
		path    string
		modTime time.Time
	}
	var dirs []dirTime

	tr := tar.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		tm.headers = append(tm.headers, hdr)

		staged, err := m.stagedPath(hdr.Name)
		if err != nil {
			return nil, err
		}
		if staged == m.staging {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(staged), util.UserWritableDirPerms); err != nil {
			return nil, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(staged, util.UserWritableDirPerms); err != nil {
				return nil, err
			}
			dirs = append(dirs, dirTime{path: staged, modTime: hdr.ModTime})
		case tar.TypeReg:
			if err := stageFile(ctx, staged, tr, hdr.ModTime); err != nil {
				return nil, err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, staged); err != nil {
				plog.Debug("Could not stage symlink", "entry", hdr.Name, "error", err)
				continue
			}
			util.Lchtimes(staged, hdr.ModTime, hdr.ModTime)
		case tar.TypeLink:
			target, err := m.stagedPath(hdr.Linkname)
			if err != nil {
				return nil, err
			}
			if err := os.Link(target, staged); err != nil {
				plog.Debug("Could not stage hard link", "entry", hdr.Name, "error", err)
			}
		}
	}

	// Deepest first, after all content was staged.
	for i := len(dirs) - 1; i >= 0; i-- {
		os.Chtimes(dirs[i].path, dirs[i].modTime, dirs[i].modTime)
	}
	return m, nil
}

// stageFile writes the body of one entry.
func stageFile(ctx context.Context, staged string, r io.Reader, mtime time.Time) error {
	out, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, contextReader{ctx: ctx, r: r}); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(staged, mtime, mtime)
}

func (tm *tarMount) commit(ctx context.Context, m *Mount, tmp *os.File) error {
	bw := bufio.NewWriter(tmp)
	out, closeOut, err := compressor(tm.format, bw)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(out)
	for _, h := range tm.headers {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr := *h
		// Access and change times would contradict the new modification time.
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}

		staged, err := m.stagedPath(hdr.Name)
		if err != nil {
			return err
		}
		info, statErr := os.Lstat(staged)
		if statErr == nil {
			hdr.ModTime = info.ModTime().Truncate(time.Second)
		}

		isReg := hdr.Typeflag == tar.TypeReg
		if isReg {
			if statErr != nil {
				return fmt.Errorf("staged entry %s is missing: %w", hdr.Name, statErr)
			}
			// Nested archives may have been rewritten.
			hdr.Size = info.Size()
		}
		if err := tw.WriteHeader(&hdr); err != nil {
			return fmt.Errorf("failed to write header %s: %w", hdr.Name, err)
		}
		if isReg {
			if err := copyFrom(ctx, tw, staged); err != nil {
				return err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := closeOut(); err != nil {
		return err
	}
	return bw.Flush()
}

// copyFrom appends the content of path to w.
func copyFrom(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, contextReader{ctx: ctx, r: f})
	return err
}

// decompressor wraps r according to the tar flavour.
func decompressor(format pathcompression.Format, r io.Reader) (io.Reader, func(), error) {
	switch format {
	case pathcompression.TarGz:
		gz, err := pgzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case pathcompression.TarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return r, func() {}, nil
	}
}

// compressor wraps w according to the tar flavour. The returned close
// function flushes the compressed stream without closing w.
func compressor(format pathcompression.Format, w io.Writer) (io.Writer, func() error, error) {
	switch format {
	case pathcompression.TarGz:
		gz := pgzip.NewWriter(w)
		return gz, gz.Close, nil
	case pathcompression.TarZst:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		return zw, zw.Close, nil
	default:
		return w, func() error { return nil }, nil
	}
}
