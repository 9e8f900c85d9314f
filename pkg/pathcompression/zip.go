package pathcompression

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/pool"
	"github.com/paulschiretz/pgl-transfer/pkg/treewalk"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// ErrChangedWhilePacking is reported for a file whose content differed
// between measuring and writing it.
var ErrChangedWhilePacking = errors.New("file changed while packing")

// ErrDamagedEntry marks a Stats warning for an entry that was written to the
// archive but failed part-way through.
var ErrDamagedEntry = errors.New("archive holds a damaged entry")

// Packer writes file trees into zip archives.
type Packer struct {
	BufferPool *pool.FixedBufferPool
	Metrics    Metrics
	Level      Level
	// Attempt wraps the write of every entry. Defaults to running it directly.
	Attempt AttemptFunc

	flateOnce sync.Once
	flatePool *sync.Pool
}

// Wrapper to return flate writer to pool on close
type pooledFlateWriter struct {
	*flate.Writer
	pool *sync.Pool
}

func (w *pooledFlateWriter) Close() error {
	err := w.Writer.Close()
	w.pool.Put(w.Writer)
	return err
}

func (p *Packer) defaults() {
	if p.BufferPool == nil {
		p.BufferPool = pool.NewFixedBuffer(256 * 1024)
	}
	if p.Metrics == nil {
		p.Metrics = &pathcompressionmetrics.NoopMetrics{}
	}
	if p.Attempt == nil {
		p.Attempt = runDirect
	}
	p.flateOnce.Do(func() {
		lvl := p.Level.flateLevel()
		p.flatePool = &sync.Pool{
			New: func() any {
				fw, _ := flate.NewWriter(io.Discard, lvl)
				return fw
			},
		}
	})
}

// packRun holds the state of one Pack call.
type packRun struct {
	*Packer
	ctx   context.Context
	zw    *zip.Writer
	root  string
	buf   []byte
	stats Stats
	// fatal is a write error on the archive itself.
	fatal error
}

// Pack writes every source into the zip archive at archivePath. Directories
// contribute their content with names relative to themselves, files are
// stored under their base name. On cancellation or when no entry could be
// written the archive is not created.
func (p *Packer) Pack(ctx context.Context, sources []string, archivePath string) (stats Stats, retErr error) {
	p.defaults()

	// 1. Create Temp File
	// We create it in the same directory as the target to ensure atomic rename.
	trgF, err := os.CreateTemp(filepath.Dir(archivePath), "pgl-transfer-*.tmp")
	if err != nil {
		return Stats{}, fmt.Errorf("failed to create temp archive: %w", err)
	}
	tempTrgPath := trgF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			trgF.Close()
			os.Remove(tempTrgPath)
			p.Metrics.AddArchivesFailed(1)
		}
	}()

	// 2. Write Archive Content
	run := &packRun{Packer: p, ctx: ctx}
	if err := run.writeZip(trgF, sources); err != nil {
		return run.stats, err
	}

	// 3. Close explicitly to flush to disk before rename
	if err := trgF.Close(); err != nil {
		return run.stats, fmt.Errorf("failed to close temp file: %w", err)
	}

	// 4. Atomic Rename
	if err := os.Rename(tempTrgPath, archivePath); err != nil {
		return run.stats, fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}

	p.Metrics.AddArchivesCreated(1)
	plog.Notice("PACK", "archive", archivePath, "entries", run.stats.Entries)
	return run.stats, nil
}

func (r *packRun) writeZip(out io.Writer, sources []string) (retErr error) {
	mw := &metricWriter{w: out, metrics: r.Metrics}
	bufWriter := bufio.NewWriterSize(mw, int(r.BufferPool.Size()))

	r.zw = zip.NewWriter(bufWriter)

	// Optimization: Register compressor using the Pool
	r.zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		fw := r.flatePool.Get().(*flate.Writer)
		fw.Reset(out)
		return &pooledFlateWriter{Writer: fw, pool: r.flatePool}, nil
	})

	// Robust cleanup
	defer func() {
		if err := r.zw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("zip writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	bufPtr := r.BufferPool.Get()
	defer r.BufferPool.Put(bufPtr)
	r.buf = *bufPtr

	for _, src := range sources {
		if err := r.ctx.Err(); err != nil {
			return err
		}
		r.root = filepath.Clean(src)
		action, err := treewalk.Walk(treewalk.OS, r.root, r)
		if err != nil {
			if os.IsNotExist(err) {
				plog.Warn("Source vanished before packing", "path", src)
				continue
			}
			return fmt.Errorf("failed to walk %s: %w", src, err)
		}
		if action == treewalk.Terminate {
			break
		}
	}

	if r.fatal != nil {
		return r.fatal
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if r.stats.Failed > 0 && r.stats.Entries == 0 {
		return fmt.Errorf("%w: %d entries failed", ErrTotalFailure, r.stats.Failed)
	}
	return nil
}

// entryName is the archive name of path: relative to the walk root for
// directory sources, the base name for file sources.
func (r *packRun) entryName(path string) string {
	rel, err := filepath.Rel(r.root, path)
	if err != nil || rel == "." {
		rel = filepath.Base(path)
	}
	return util.NormalizePath(rel)
}

// step runs op for one entry and maps its outcome onto a walk action.
func (r *packRun) step(name string, op func() error) treewalk.Action {
	if r.ctx.Err() != nil {
		return treewalk.Terminate
	}
	r.Metrics.AddEntriesProcessed(1)
	err := r.Attempt(name, op)
	switch {
	case r.fatal != nil:
		return treewalk.Terminate
	case err == nil:
		r.stats.Entries++
	case errors.Is(err, context.Canceled) || r.ctx.Err() != nil:
		return treewalk.Terminate
	default:
		r.stats.Failed++
		r.Metrics.AddEntriesSkipped(1)
	}
	return treewalk.Continue
}

func (r *packRun) EnterDir(path string, info os.FileInfo) treewalk.Action {
	if path == r.root {
		return treewalk.Continue
	}
	name := r.entryName(path) + "/"
	plog.Notice("ADD", "source", r.root, "dir", name)
	return r.step(name, func() error {
		header := &zip.FileHeader{
			Name:     name,
			Method:   zip.Store,
			Modified: info.ModTime(),
		}
		header.SetMode(info.Mode())
		if _, err := r.zw.CreateHeader(header); err != nil {
			r.fatal = fmt.Errorf("failed to write zip header for %s: %w", name, err)
			return r.fatal
		}
		return nil
	})
}

func (r *packRun) LeaveDir(string, os.FileInfo) treewalk.Action {
	if r.ctx.Err() != nil {
		return treewalk.Terminate
	}
	return treewalk.Continue
}

func (r *packRun) DirError(path string, err error) treewalk.Action {
	return r.step(r.entryName(path)+"/", func() error { return err })
}

func (r *packRun) VisitFile(path string, info os.FileInfo) treewalk.Action {
	name := r.entryName(path)
	if !info.Mode().IsRegular() {
		// Links and special files have no portable zip representation.
		plog.Warn("Not packed", "path", path, "mode", info.Mode().Type())
		r.stats.Incomplete = true
		return treewalk.Continue
	}
	plog.Notice("ADD", "source", r.root, "file", name)
	return r.step(name, func() error { return r.writeFile(path, name, info) })
}

// writeFile measures the file in a first streaming pass, then writes the
// deflate entry and checks the written bytes against the measurement. A file
// that cannot be read fails before anything is written to the archive.
func (r *packRun) writeFile(path, name string, info os.FileInfo) error {
	crc, size, err := r.measure(path, info)
	if err != nil {
		return err
	}

	f, err := secureFileOpen(path, info)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to create zip header for %s: %w", name, err)
	}
	header.Name = name
	header.Method = zip.Deflate
	header.CRC32 = crc
	header.UncompressedSize64 = uint64(size)

	w, err := r.zw.CreateHeader(header)
	if err != nil {
		r.fatal = fmt.Errorf("failed to write zip header for %s: %w", name, err)
		return r.fatal
	}

	h := crc32.NewIEEE()
	in := io.TeeReader(&metricReader{r: contextReader{ctx: r.ctx, r: f}, metrics: r.Metrics}, h)
	n, err := io.CopyBuffer(w, in, r.buf)
	if err != nil {
		if r.ctx.Err() != nil {
			return context.Canceled
		}
		return r.damaged(name, fmt.Errorf("failed to pack %s: %w", path, err))
	}
	if n != size || h.Sum32() != crc {
		return r.damaged(name, fmt.Errorf("%w: %s", ErrChangedWhilePacking, path))
	}
	return nil
}

// damaged records that the entry name was already started in the zip stream
// when err happened. The entry stays in the archive with partial or changed
// content, so it is reported as a warning next to the failure.
func (r *packRun) damaged(name string, err error) error {
	r.stats.Warnings = append(r.stats.Warnings, fmt.Errorf("%w %s: %w", ErrDamagedEntry, name, err))
	return err
}

// measure streams the file once and returns its CRC-32 and length.
func (r *packRun) measure(path string, info os.FileInfo) (uint32, int64, error) {
	f, err := secureFileOpen(path, info)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	h := crc32.NewIEEE()
	n, err := io.CopyBuffer(h, contextReader{ctx: r.ctx, r: f}, r.buf)
	if err != nil {
		if r.ctx.Err() != nil {
			return 0, 0, context.Canceled
		}
		return 0, 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return h.Sum32(), n, nil
}
