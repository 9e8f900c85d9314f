// Package retime stamps modification times onto file trees, descending into
// archives it finds on the way.
package retime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/paulschiretz/pgl-transfer/pkg/hints"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/treewalk"
	"github.com/paulschiretz/pgl-transfer/pkg/vfs"
)

// maxNestingDepth bounds the recursion into archives inside archives.
const maxNestingDepth = 8

// Propagator stamps one modification time onto everything it visits.
type Propagator struct {
	// Recursive descends into directories. Without it only the given
	// paths themselves are stamped.
	Recursive bool
	// Nested mounts archives found during a recursive walk and stamps their
	// entries too. Only extensions listed in Extensions are mounted; an
	// empty list allows every extension vfs can mount.
	Nested     bool
	Extensions []string
	// Attempt wraps every stamp. Defaults to running it directly.
	Attempt func(path string, op func() error) error
}

// Stats counts what a Stamp call did.
type Stats struct {
	Stamped int
	Mounted int
	Failed  int
}

// stampRun holds the state of one Stamp call.
type stampRun struct {
	*Propagator
	ctx   context.Context
	mtime time.Time
	stats Stats
}

// tree is one walk: a local directory or a mounted archive.
type tree struct {
	fs    billy.Filesystem
	root  string
	depth int
	// realPath maps names of fs onto the local disk.
	realPath func(name string) string
}

// Stamp sets the modification time of path, and of its content when
// recursive, to mtime. Paths that vanish during the run are not failures.
// A cancelled run returns context.Canceled.
func (p *Propagator) Stamp(ctx context.Context, path string, mtime time.Time) (Stats, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Stats{}, err
	}
	run := &stampRun{Propagator: p, ctx: ctx, mtime: mtime}

	parent := filepath.Dir(abs)
	t := &tree{
		fs:       vfs.Dir(parent),
		root:     filepath.Base(abs),
		realPath: func(name string) string { return filepath.Join(parent, name) },
	}
	err = run.walk(t)
	return run.stats, err
}

func (r *stampRun) attempt(path string, op func() error) error {
	var err error
	if r.Attempt != nil {
		err = r.Attempt(path, op)
	} else {
		err = op()
	}
	switch {
	case err == nil, hints.IsHint(err):
		return nil
	case errors.Is(err, context.Canceled) || r.ctx.Err() != nil:
		return context.Canceled
	default:
		r.stats.Failed++
		return err
	}
}

// stamp sets the time of one name in t.
func (r *stampRun) stamp(t *tree, name string, info os.FileInfo) treewalk.Action {
	if err := r.ctx.Err(); err != nil {
		return treewalk.Terminate
	}
	err := r.attempt(t.realPath(name), func() error {
		if err := vfs.Chtimes(t.fs, name, info, r.mtime); err != nil {
			return hints.Vanished(err)
		}
		r.stats.Stamped++
		plog.Notice("RETIME", "path", t.realPath(name))
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return treewalk.Terminate
	}
	return treewalk.Continue
}

func (r *stampRun) walk(t *tree) error {
	h := treewalk.Funcs{
		Enter: func(name string, info os.FileInfo) treewalk.Action {
			if r.ctx.Err() != nil {
				return treewalk.Terminate
			}
			if !r.Recursive {
				// Not descending: LeaveDir will not run, stamp now.
				if r.stamp(t, name, info) == treewalk.Terminate {
					return treewalk.Terminate
				}
				return treewalk.SkipSubtree
			}
			return treewalk.Continue
		},
		Visit: func(name string, info os.FileInfo) treewalk.Action {
			if r.Recursive && r.Nested && info.Mode().IsRegular() && r.mountable(name) {
				if r.descend(t, name) == treewalk.Terminate {
					return treewalk.Terminate
				}
			}
			return r.stamp(t, name, info)
		},
		Leave: func(name string, info os.FileInfo) treewalk.Action {
			if t.depth > 0 && name == t.root {
				// The staging root of a mount is not an entry.
				return treewalk.Continue
			}
			return r.stamp(t, name, info)
		},
	}

	_, err := treewalk.Walk(t.fs, t.root, h)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Debug("Nothing to stamp", "path", t.realPath(t.root))
			return nil
		}
		return err
	}
	return r.ctx.Err()
}

func (r *stampRun) mountable(name string) bool {
	if _, ok := vfs.Lookup(name); !ok {
		return false
	}
	if len(r.Extensions) == 0 {
		return true
	}
	lower := strings.ToLower(name)
	for _, ext := range r.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// descend mounts the archive name of t, stamps its entries and writes it
// back. The time of the directory holding the archive is restored
// afterwards; the archive itself is stamped by the caller.
func (r *stampRun) descend(t *tree, name string) treewalk.Action {
	if t.depth >= maxNestingDepth {
		plog.Warn("Archive nesting too deep, not descending", "path", t.realPath(name))
		return treewalk.Continue
	}
	archive := t.realPath(name)
	err := r.attempt(archive, func() error {
		return r.updateArchive(archive, t.depth+1)
	})
	if errors.Is(err, context.Canceled) {
		return treewalk.Terminate
	}
	return treewalk.Continue
}

func (r *stampRun) updateArchive(archive string, depth int) error {
	parent := filepath.Dir(archive)
	parentInfo, parentErr := os.Stat(parent)

	m, err := vfs.MountFile(r.ctx, archive)
	if err != nil {
		return hints.Vanished(err)
	}
	defer m.Close()
	r.stats.Mounted++

	inner := &tree{fs: m.FS(), root: "", depth: depth, realPath: m.RealPath}
	if err := r.walk(inner); err != nil {
		return err
	}
	if err := m.Commit(r.ctx); err != nil {
		return err
	}

	// Replacing the archive touched its directory.
	if parentErr == nil {
		if err := os.Chtimes(parent, parentInfo.ModTime(), parentInfo.ModTime()); err != nil {
			plog.Debug("Could not restore directory time", "path", parent, "error", err)
		}
	}
	return nil
}

// String describes the run settings for logs.
func (p *Propagator) String() string {
	return fmt.Sprintf("recursive=%t nested=%t extensions=%v", p.Recursive, p.Nested, p.Extensions)
}
