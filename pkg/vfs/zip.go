package vfs

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompression"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// Extra field IDs that carry timestamps.
const (
	ntfsExtraID    = 0x000a
	extTimeExtraID = 0x5455
	unixExtraID    = 0x5855
)

// zipProvider mounts zip and jar archives.
type zipProvider struct{}

// zipMount rewrites by walking the original central directory again.
type zipMount struct{}

func (zipProvider) Format() pathcompression.Format { return pathcompression.Zip }

func (zipProvider) Mount(ctx context.Context, path string) (_ *Mount, retErr error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip file: %w", err)
	}
	defer zr.Close()

	m, err := newMount(path, zipMount{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			m.Close()
		}
	}()

	var dirs []*zip.File
	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		staged, err := m.stagedPath(zf.Name)
		if err != nil {
			return nil, err
		}
		if staged == m.staging {
			continue
		}
		mode := zf.Mode()
		if mode.IsDir() {
			if err := os.MkdirAll(staged, util.UserWritableDirPerms); err != nil {
				return nil, err
			}
			dirs = append(dirs, zf)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(staged), util.UserWritableDirPerms); err != nil {
			return nil, err
		}

		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open entry %s: %w", zf.Name, err)
		}
		if mode&os.ModeSymlink != 0 {
			target, err := io.ReadAll(io.LimitReader(rc, 4096))
			rc.Close()
			if err != nil {
				return nil, err
			}
			if err := os.Symlink(string(target), staged); err != nil {
				plog.Debug("Could not stage symlink", "entry", zf.Name, "error", err)
				continue
			}
			util.Lchtimes(staged, zf.Modified, zf.Modified)
			continue
		}
		err = stageFile(ctx, staged, rc, zf.Modified)
		rc.Close()
		if err != nil {
			return nil, err
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		staged, _ := m.stagedPath(dirs[i].Name)
		os.Chtimes(staged, dirs[i].Modified, dirs[i].Modified)
	}
	return m, nil
}

func (zipMount) commit(ctx context.Context, m *Mount, tmp *os.File) error {
	zr, err := zip.OpenReader(m.archive)
	if err != nil {
		return fmt.Errorf("failed to reopen zip file: %w", err)
	}
	defer zr.Close()

	bw := bufio.NewWriter(tmp)
	zw := zip.NewWriter(bw)
	if err := zw.SetComment(zr.Comment); err != nil {
		return err
	}

	for _, zf := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr := zf.FileHeader
		hdr.Extra = stripTimeExtras(hdr.Extra)
		if hdr.Method != zip.Store {
			hdr.Method = zip.Deflate
		}

		staged, err := m.stagedPath(zf.Name)
		if err != nil {
			return err
		}
		info, statErr := os.Lstat(staged)
		if statErr == nil {
			hdr.Modified = info.ModTime()
		}

		w, err := zw.CreateHeader(&hdr)
		if err != nil {
			return fmt.Errorf("failed to write header %s: %w", zf.Name, err)
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			continue
		case statErr != nil:
			// Not staged: keep the original content.
			if err := copyEntry(ctx, w, zf); err != nil {
				return err
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(staged)
			if err != nil {
				return err
			}
			if _, err := io.WriteString(w, target); err != nil {
				return err
			}
		default:
			if err := copyFrom(ctx, w, staged); err != nil {
				return err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

func copyEntry(ctx context.Context, w io.Writer, zf *zip.File) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, contextReader{ctx: ctx, r: rc})
	return err
}

// stripTimeExtras drops the timestamp extra fields so the rewritten
// modification time is the only one recorded for an entry.
func stripTimeExtras(extra []byte) []byte {
	var out []byte
	for len(extra) >= 4 {
		id := binary.LittleEndian.Uint16(extra[0:2])
		size := int(binary.LittleEndian.Uint16(extra[2:4]))
		if 4+size > len(extra) {
			// Malformed tail, keep as is.
			out = append(out, extra...)
			break
		}
		field := extra[:4+size]
		extra = extra[4+size:]
		switch id {
		case ntfsExtraID, extTimeExtraID, unixExtraID:
			continue
		}
		out = append(out, field...)
	}
	return out
}
