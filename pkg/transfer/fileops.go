package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/pool"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// DefaultBufferSize is the copy buffer size used when a job has no pool of its own.
const DefaultBufferSize = 256 * 1024

var defaultBufferPool = pool.NewFixedBuffer(DefaultBufferSize)

// contextReader fails the next Read once ctx is done, so a copy stops at buffer granularity.
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

// writeAtomic creates dst by writing into a temporary sibling which is renamed
// into place after fill succeeded and perm and mtime were applied. An existing
// dst is replaced. On any error the temporary file is removed and dst is untouched.
func writeAtomic(dst string, perm os.FileMode, mtime time.Time, fill func(io.Writer) error) error {
	dstDir := filepath.Dir(dst)
	out, err := os.CreateTemp(dstDir, "pgl-transfer-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file in %s: %w", dstDir, err)
	}
	tempPath := out.Name()
	defer func() {
		if tempPath != "" {
			os.Remove(tempPath)
		}
	}()

	if err := fill(out); err != nil {
		out.Close()
		return err
	}
	// Keep the owner able to replace or delete the copy later.
	if err := out.Chmod(util.WithUserWritePermission(perm)); err != nil {
		out.Close()
		return fmt.Errorf("failed to set permissions on temporary file %s: %w", tempPath, err)
	}
	// Close before Chtimes, flushing may touch the modification time.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file %s: %w", tempPath, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(tempPath, mtime, mtime); err != nil {
			return fmt.Errorf("failed to set timestamps on %s: %w", tempPath, err)
		}
	}
	if err := os.Rename(tempPath, dst); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	tempPath = ""
	return nil
}

// copyFile copies a regular file, preserving permission bits and mtime. The
// source stream is tracked so Cancel can interrupt a blocked read.
func copyFile(w *Worker, bufPool *pool.FixedBufferPool, src, dst string, info os.FileInfo) error {
	if bufPool == nil {
		bufPool = defaultBufferPool
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	untrack := w.Track(in)
	defer func() {
		untrack()
		in.Close()
	}()

	return writeAtomic(dst, info.Mode().Perm(), info.ModTime(), func(out io.Writer) error {
		bufPtr := bufPool.Get()
		defer bufPool.Put(bufPtr)
		if _, err := io.CopyBuffer(out, contextReader{ctx: w.Context(), r: in}, *bufPtr); err != nil {
			if w.Cancelled() {
				return context.Canceled
			}
			return fmt.Errorf("failed to copy content from %s to %s: %w", src, dst, err)
		}
		return nil
	})
}

// copySymlink recreates the link at src as dst, replacing dst atomically.
func copySymlink(src, dst string, info os.FileInfo) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", src, err)
	}

	dstDir := filepath.Dir(dst)
	f, err := os.CreateTemp(dstDir, "pgl-transfer-symlink-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to generate temp name for symlink: %w", err)
	}
	tempName := f.Name()
	f.Close()
	// Only the unique name is needed.
	os.Remove(tempName)
	defer func() {
		if tempName != "" {
			os.Remove(tempName)
		}
	}()

	if err := os.Symlink(target, tempName); err != nil {
		if runtime.GOOS == "windows" && strings.Contains(err.Error(), "privilege") {
			return fmt.Errorf("failed to create symlink (requires Admin or Developer Mode): %w", err)
		}
		return fmt.Errorf("failed to create symlink %s -> %s: %w", tempName, target, err)
	}
	// Link times are best effort, not every platform can set them.
	_ = util.Lchtimes(tempName, info.ModTime(), info.ModTime())

	if err := os.Rename(tempName, dst); err != nil {
		return fmt.Errorf("failed to rename temp symlink to %s: %w", dst, err)
	}
	tempName = ""
	return nil
}

// copyItem dispatches on the source type.
func copyItem(w *Worker, bufPool *pool.FixedBufferPool, src, dst string, info os.FileInfo) error {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return copySymlink(src, dst, info)
	case info.Mode().IsRegular():
		return copyFile(w, bufPool, src, dst, info)
	default:
		return fmt.Errorf("cannot copy %s: unsupported file type %s", src, info.Mode().Type())
	}
}

// applyDirAttributes copies permission bits and mtime of a source directory.
// The owner keeps full access so the tree can be modified later.
func applyDirAttributes(dst string, info os.FileInfo) error {
	perm := util.WithUserExecutePermission(util.WithUserWritePermission(info.Mode().Perm()))
	if err := os.Chmod(dst, perm); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", dst, err)
	}
	return nil
}

// duplicateName returns the first free "<stem> - Copy<ext>" or
// "<stem> - Copy (N)<ext>" sibling of path.
func duplicateName(path string) string {
	dir, base := filepath.Split(path)
	stem, ext := util.SplitExt(base)
	candidate := filepath.Join(dir, stem+" - Copy"+ext)
	for n := 2; ; n++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s - Copy (%d)%s", stem, n, ext))
	}
}
