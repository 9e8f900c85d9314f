package pathcompression

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/pool"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// GzipExt is appended to compressed files.
const GzipExt = ".gz"

// Codec compresses and decompresses single files with gzip.
type Codec struct {
	BufferPool *pool.FixedBufferPool
	Metrics    Metrics
	Level      Level
}

func (c *Codec) defaults() {
	if c.BufferPool == nil {
		c.BufferPool = pool.NewFixedBuffer(256 * 1024)
	}
	if c.Metrics == nil {
		c.Metrics = &pathcompressionmetrics.NoopMetrics{}
	}
}

// CompressedName is the default output of Compress for src.
func CompressedName(src string) string {
	return src + GzipExt
}

// DecompressedName is the default output of Decompress for src: the name
// without its gzip extension, with ".tgz" turning into ".tar".
func DecompressedName(src string) string {
	lower := strings.ToLower(src)
	switch {
	case strings.HasSuffix(lower, ".tgz"):
		return src[:len(src)-len(".tgz")] + ".tar"
	case strings.HasSuffix(lower, GzipExt):
		return src[:len(src)-len(GzipExt)]
	default:
		return src + ".out"
	}
}

// Compress writes the gzip compressed content of src to dst. The output gets
// the modification time of src. On failure or cancellation dst is not created.
func (c *Codec) Compress(ctx context.Context, src, dst string) error {
	c.defaults()
	return c.convert(ctx, "GZIP", src, dst, func(out io.Writer, in io.Reader, info os.FileInfo) error {
		gz, err := pgzip.NewWriterLevel(out, c.Level.gzipLevel())
		if err != nil {
			return err
		}
		gz.Name = filepath.Base(src)
		gz.ModTime = info.ModTime()

		bufPtr := c.BufferPool.Get()
		defer c.BufferPool.Put(bufPtr)
		if _, err := io.CopyBuffer(gz, in, *bufPtr); err != nil {
			gz.Close()
			return err
		}
		return gz.Close()
	})
}

// Decompress writes the decompressed content of the gzip file src to dst.
// The output gets the modification time of src. On failure or cancellation
// dst is not created.
func (c *Codec) Decompress(ctx context.Context, src, dst string) error {
	c.defaults()
	return c.convert(ctx, "GUNZIP", src, dst, func(out io.Writer, in io.Reader, _ os.FileInfo) error {
		gz, err := pgzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()

		bufPtr := c.BufferPool.Get()
		defer c.BufferPool.Put(bufPtr)
		_, err = io.CopyBuffer(out, gz, *bufPtr)
		return err
	})
}

// convert runs fn from src into a temp file next to dst and renames it into
// place once fn succeeded.
func (c *Codec) convert(ctx context.Context, verb, src, dst string, fn func(out io.Writer, in io.Reader, info os.FileInfo) error) (retErr error) {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", src)
	}

	in, err := secureFileOpen(src, info)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "pgl-transfer-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	mr := &metricReader{r: contextReader{ctx: ctx, r: in}, metrics: c.Metrics}
	mw := &metricWriter{w: tmp, metrics: c.Metrics}
	if err := fn(mw, mr, info); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to convert %s: %w", src, err)
	}

	if err := tmp.Chmod(util.WithUserWritePermission(info.Mode().Perm())); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chtimes(tmpPath, info.ModTime(), info.ModTime()); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("failed to rename temp file to final path: %w", err)
	}
	plog.Notice(verb, "source", src, "target", dst)
	return nil
}
