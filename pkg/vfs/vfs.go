// Package vfs exposes archives as directory trees.
//
// Mounting an archive extracts it into a private staging directory and hands
// out a billy.Filesystem rooted there, so callers walk and modify archive
// content with the same code they use for local directories. Commit writes
// the staged tree back into the archive, keeping the original entry order.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompression"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// ErrNoProvider is returned for files no provider can mount.
var ErrNoProvider = errors.New("no virtual filesystem provider for file")

// Provider mounts archives of one format.
type Provider interface {
	// Format names the archive format the provider handles.
	Format() pathcompression.Format
	// Mount stages the archive at path and returns the mounted tree.
	Mount(ctx context.Context, path string) (*Mount, error)
}

// schemes maps lower-case extensions to their providers. Built on first use
// and read-only afterwards.
var schemes = sync.OnceValue(func() map[string]Provider {
	zipP := zipProvider{}
	return map[string]Provider{
		".zip":     zipP,
		".jar":     zipP,
		".tar":     tarProvider{format: pathcompression.Tar},
		".tar.gz":  tarProvider{format: pathcompression.TarGz},
		".tgz":     tarProvider{format: pathcompression.TarGz},
		".tar.zst": tarProvider{format: pathcompression.TarZst},
	}
})

// Lookup returns the provider for path, chosen by its extension.
func Lookup(path string) (Provider, bool) {
	_, ext := util.SplitExt(filepath.Base(path))
	p, ok := schemes()[strings.ToLower(ext)]
	return p, ok
}

// Extensions lists all mountable extensions in sorted order.
func Extensions() []string {
	exts := make([]string, 0, len(schemes()))
	for ext := range schemes() {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// MountFile mounts path with the provider registered for its extension.
func MountFile(ctx context.Context, path string) (*Mount, error) {
	p, ok := Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, path)
	}
	return p.Mount(ctx, path)
}

// committer writes a staged tree back into its archive.
type committer interface {
	commit(ctx context.Context, m *Mount, tmp *os.File) error
}

// Mount is a staged archive.
type Mount struct {
	archive string
	staging string
	fs      billy.Filesystem
	writer  committer
}

func newMount(archive string, writer committer) (*Mount, error) {
	staging, err := os.MkdirTemp("", "pgl-transfer-mount-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Mount{
		archive: archive,
		staging: staging,
		fs:      osfs.New(staging),
		writer:  writer,
	}, nil
}

// Archive returns the path of the mounted archive.
func (m *Mount) Archive() string { return m.archive }

// FS returns the staged tree. Its root "" is the archive root.
func (m *Mount) FS() billy.Filesystem { return m.fs }

// RealPath maps a name of the staged tree onto the local disk.
func (m *Mount) RealPath(name string) string {
	return filepath.Join(m.staging, filepath.FromSlash(name))
}

// stagedPath maps an archive entry name into the staging directory. Names
// escaping the archive root are rejected.
func (m *Mount) stagedPath(name string) (string, error) {
	rel := filepath.Clean(strings.TrimLeft(util.DenormalizePath(name), string(os.PathSeparator)))
	if rel == "." {
		return m.staging, nil
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", pathcompression.ErrIllegalPath, name)
	}
	parent, err := securejoin.SecureJoin(m.staging, filepath.Dir(rel))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", pathcompression.ErrIllegalPath, name, err)
	}
	return filepath.Join(parent, filepath.Base(rel)), nil
}

// Commit rewrites the archive from the staged tree. Entry order and content
// are kept, entry times are taken from the staged files.
func (m *Mount) Commit(ctx context.Context) (retErr error) {
	info, err := os.Stat(m.archive)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.archive), "pgl-transfer-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if retErr != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := m.writer.commit(ctx, m, tmp); err != nil {
		return fmt.Errorf("failed to rewrite %s: %w", m.archive, err)
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, m.archive); err != nil {
		return fmt.Errorf("failed to replace %s: %w", m.archive, err)
	}
	return nil
}

// Close removes the staging directory. Uncommitted changes are lost.
func (m *Mount) Close() error {
	return os.RemoveAll(m.staging)
}

// Dir returns the local directory path as a filesystem.
func Dir(path string) billy.Filesystem {
	return osfs.New(path)
}

// Chtimes sets the modification time of name in fsys without following a
// trailing symlink.
func Chtimes(fsys billy.Filesystem, name string, info os.FileInfo, mtime time.Time) error {
	isLink := info != nil && info.Mode()&os.ModeSymlink != 0
	if ch, ok := fsys.(billy.Change); ok && !isLink {
		return ch.Chtimes(name, mtime, mtime)
	}
	path := fsys.Join(fsys.Root(), name)
	if isLink {
		return util.Lchtimes(path, mtime, mtime)
	}
	return os.Chtimes(path, mtime, mtime)
}

// contextReader fails the next Read once ctx is done.
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
