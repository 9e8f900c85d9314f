package pathcompression

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/pool"
	"github.com/paulschiretz/pgl-transfer/pkg/tarformat"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// Unpacker materializes the entries of tar and zip archives on disk.
type Unpacker struct {
	BufferPool *pool.FixedBufferPool
	Metrics    Metrics
	// Overwrite decides what happens to files that already exist.
	Overwrite OverwriteBehavior
	// Attempt wraps the write of every entry. Defaults to running it directly.
	Attempt AttemptFunc
}

// entry is the format independent view of one archive member.
type entry struct {
	name     string
	kind     tarformat.Kind
	hardLink bool
	mode     os.FileMode
	modTime  time.Time
	size     int64
	linkName string
	// body returns the content of regular files and the target of symlinks
	// stored as content (zip).
	body func() (io.ReadCloser, error)
}

// dirTime is a directory whose attributes are applied once all content was written.
type dirTime struct {
	path    string
	mode    os.FileMode
	modTime time.Time
}

// unpackRun holds the state of one Unpack call.
type unpackRun struct {
	*Unpacker
	ctx   context.Context
	root  string
	stats Stats
	dirs  []dirTime
}

func (u *Unpacker) defaults() {
	if u.BufferPool == nil {
		u.BufferPool = pool.NewFixedBuffer(256 * 1024)
	}
	if u.Metrics == nil {
		u.Metrics = &pathcompressionmetrics.NoopMetrics{}
	}
	if u.Attempt == nil {
		u.Attempt = runDirect
	}
}

// Unpack extracts archivePath below outRoot. The format is derived from the
// archive name. A cancelled run returns the context error and keeps the
// entries written so far; a header whose type or size cannot be decoded ends
// the run with an error wrapping tarformat.ErrUnreadable.
func (u *Unpacker) Unpack(ctx context.Context, archivePath, outRoot string) (Stats, error) {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return Stats{}, err
	}
	return u.UnpackFormat(ctx, format, archivePath, outRoot)
}

// UnpackFormat is Unpack with an explicit format.
func (u *Unpacker) UnpackFormat(ctx context.Context, format Format, archivePath, outRoot string) (Stats, error) {
	u.defaults()
	if format == Gzip {
		return Stats{}, fmt.Errorf("%s: %w", archivePath, ErrNotArchive)
	}

	root, err := filepath.Abs(outRoot)
	if err != nil {
		return Stats{}, err
	}
	if err := os.MkdirAll(root, util.UserWritableDirPerms); err != nil {
		return Stats{}, fmt.Errorf("failed to create output directory %s: %w", root, err)
	}

	plog.Notice("EXTRACT", "source", archivePath, "target", root)

	run := &unpackRun{Unpacker: u, ctx: ctx, root: root}
	if format == Zip {
		err = run.unpackZip(archivePath)
	} else {
		err = run.unpackTar(format, archivePath)
	}
	// Directory attributes are applied even when the run stopped early, so the
	// part that was extracted looks like the archive.
	run.applyDirTimes()

	if err != nil {
		u.Metrics.AddArchivesFailed(1)
		return run.stats, err
	}
	u.Metrics.AddArchivesExtracted(1)
	return run.stats, nil
}

func (r *unpackRun) unpackTar(format Format, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	var in io.Reader = &metricReader{r: f, metrics: r.Metrics}
	switch format {
	case TarGz:
		gz, err := pgzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		in = gz
	case TarZst:
		zr, err := zstd.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to open zstd stream: %w", err)
		}
		defer zr.Close()
		in = zr
	}

	tr := tarformat.NewReader(in)
	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		h, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if h.Warning != nil {
			plog.Warn("Damaged archive header", "archive", archivePath, "entry", h.Name, "warning", h.Warning)
			r.stats.Warnings = append(r.stats.Warnings, fmt.Errorf("%s: %w", h.Name, h.Warning))
		}
		e := entry{
			name:     h.Name,
			kind:     h.Type.Kind,
			hardLink: h.Type.IsHardLink(),
			mode:     h.Mode,
			modTime:  h.ModTime,
			size:     h.Size,
			linkName: h.LinkName,
			body:     func() (io.ReadCloser, error) { return io.NopCloser(tr), nil },
		}
		if err := r.materialize(e); err != nil {
			return err
		}
	}
}

func (r *unpackRun) unpackZip(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open zip file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat zip file: %w", err)
	}

	zr, err := zip.NewReader(&metricReaderAt{r: f, metrics: r.Metrics}, info.Size())
	if err != nil {
		return fmt.Errorf("failed to create zip reader: %w", err)
	}

	for _, zf := range zr.File {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		mode := zf.Mode()
		e := entry{
			name:    zf.Name,
			kind:    tarformat.RegularFile,
			mode:    mode.Perm(),
			modTime: zf.Modified,
			size:    int64(zf.UncompressedSize64),
			body:    zf.Open,
		}
		switch {
		case mode.IsDir():
			e.kind = tarformat.Directory
		case mode&os.ModeSymlink != 0:
			e.kind = tarformat.SymbolicLink
		case !mode.IsRegular():
			e.kind = tarformat.Other
		}
		if err := r.materialize(e); err != nil {
			return err
		}
	}
	return nil
}

// target maps an entry name to a path below the output root. Symlinks in
// the parent directories are resolved inside the root, the last element is
// kept as is so links and files are replaced rather than followed.
func (r *unpackRun) target(name string) (string, error) {
	rel := strings.TrimLeft(util.DenormalizePath(name), string(os.PathSeparator))
	rel = filepath.Clean(rel)
	if rel == "." {
		return r.root, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrIllegalPath, name)
	}
	parent, err := securejoin.SecureJoin(r.root, filepath.Dir(rel))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrIllegalPath, name, err)
	}
	return filepath.Join(parent, filepath.Base(rel)), nil
}

// materialize writes one entry through the Attempt hook. Only cancellation
// is returned; per entry failures are counted.
func (r *unpackRun) materialize(e entry) error {
	r.Metrics.AddEntriesProcessed(1)
	err := r.Attempt(e.name, func() error { return r.write(e) })
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || r.ctx.Err() != nil:
		return context.Canceled
	default:
		r.stats.Failed++
		r.Metrics.AddEntriesSkipped(1)
		return nil
	}
}

func (r *unpackRun) write(e entry) error {
	absTarget, err := r.target(e.name)
	if err != nil {
		return err
	}
	if absTarget == r.root {
		if e.kind == tarformat.Directory {
			r.dirs = append(r.dirs, dirTime{path: absTarget, mode: e.mode, modTime: e.modTime})
		}
		return nil
	}

	if e.kind == tarformat.Directory {
		if err := os.MkdirAll(absTarget, util.UserWritableDirPerms); err != nil {
			return err
		}
		r.dirs = append(r.dirs, dirTime{path: absTarget, mode: e.mode, modTime: e.modTime})
		r.stats.Entries++
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(absTarget), util.UserWritableDirPerms); err != nil {
		return err
	}

	if e.kind == tarformat.Other && !e.hardLink {
		plog.Warn("Skipping unsupported archive entry", "entry", e.name, "mode", e.mode)
		r.stats.Kept++
		return nil
	}

	shouldWrite, err := handleOverwrite(absTarget, e.modTime, e.size, r.Overwrite)
	if err != nil {
		return err
	}
	if !shouldWrite {
		r.stats.Kept++
		r.Metrics.AddEntriesSkipped(1)
		return nil
	}

	// Security: Remove the file if it exists to prevent following a symlink
	// created by a previous entry (Symlink Interception).
	_ = os.Remove(absTarget)

	switch {
	case e.kind == tarformat.SymbolicLink:
		err = r.writeSymlink(e, absTarget)
	case e.hardLink:
		err = r.writeHardLink(e, absTarget)
	default:
		err = r.writeFile(e, absTarget)
	}
	if err != nil {
		return err
	}
	r.stats.Entries++
	return nil
}

func (r *unpackRun) writeFile(e entry, absTarget string) error {
	rc, err := e.body()
	if err != nil {
		return err
	}
	defer rc.Close()

	// Security: Strip SUID and SGID bits to prevent privilege escalation.
	perm := util.WithUserWritePermission(e.mode.Perm())
	out, err := os.OpenFile(absTarget, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() {
		if out != nil {
			out.Close()
		}
	}()

	bufPtr := r.BufferPool.Get()
	defer r.BufferPool.Put(bufPtr)

	mw := &metricWriter{w: out, metrics: r.Metrics}
	n, err := io.CopyBuffer(mw, contextReader{ctx: r.ctx, r: rc}, *bufPtr)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", absTarget, err)
	}
	if n != e.size {
		return fmt.Errorf("failed to write %s: %w", absTarget, io.ErrUnexpectedEOF)
	}

	err = out.Close()
	out = nil
	if err != nil {
		return err
	}
	// The umask may have cleared bits the archive asked for.
	if err := os.Chmod(absTarget, perm); err != nil {
		return err
	}
	return os.Chtimes(absTarget, e.modTime, e.modTime)
}

func (r *unpackRun) writeSymlink(e entry, absTarget string) error {
	linkTarget := e.linkName
	if linkTarget == "" && e.body != nil {
		// Zip stores the link target as the entry content.
		rc, err := e.body()
		if err != nil {
			return err
		}
		b, err := io.ReadAll(io.LimitReader(rc, 4096))
		rc.Close()
		if err != nil {
			return err
		}
		linkTarget = string(b)
	}
	r.Metrics.AddBytesWritten(int64(len(linkTarget)))

	if err := os.Symlink(linkTarget, absTarget); err != nil {
		if !errors.Is(err, errors.ErrUnsupported) && !os.IsPermission(err) {
			return err
		}
		// No symlink support on this system: keep the target as a plain file.
		plog.Warn("Symbolic link stored as file", "path", absTarget, "target", linkTarget, "reason", err)
		if err := os.WriteFile(absTarget, []byte(linkTarget), util.UserWritableFilePerms); err != nil {
			return err
		}
		return os.Chtimes(absTarget, e.modTime, e.modTime)
	}
	if err := util.Lchtimes(absTarget, e.modTime, e.modTime); err != nil {
		plog.Debug("Could not set symlink times", "path", absTarget, "error", err)
	}
	return nil
}

func (r *unpackRun) writeHardLink(e entry, absTarget string) error {
	linkSrc, err := r.target(e.linkName)
	if err != nil {
		return err
	}
	if err := os.Link(linkSrc, absTarget); err != nil {
		return fmt.Errorf("failed to link %s to %s: %w", absTarget, linkSrc, err)
	}
	return nil
}

// applyDirTimes sets directory modes and times deepest first, after their
// content was written.
func (r *unpackRun) applyDirTimes() {
	sort.SliceStable(r.dirs, func(i, j int) bool {
		return len(r.dirs[i].path) > len(r.dirs[j].path)
	})
	for _, d := range r.dirs {
		mode := util.WithUserExecutePermission(util.WithUserWritePermission(d.mode.Perm()))
		if err := os.Chmod(d.path, mode); err != nil {
			plog.Debug("Could not set directory mode", "path", d.path, "error", err)
		}
		if err := os.Chtimes(d.path, d.modTime, d.modTime); err != nil {
			plog.Debug("Could not set directory times", "path", d.path, "error", err)
		}
	}
}
