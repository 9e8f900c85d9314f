package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-transfer/pkg/decision"
	"github.com/paulschiretz/pgl-transfer/pkg/hints"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/pool"
	"github.com/paulschiretz/pgl-transfer/pkg/treewalk"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// CopyJob copies every source into the destination directory.
type CopyJob struct {
	// Fetcher downloads the targets of internet shortcuts when the request
	// asks to follow indirections. Without one, shortcuts are copied as files.
	Fetcher    Fetcher
	BufferPool *pool.FixedBufferPool
}

func (j *CopyJob) Run(w *Worker) error {
	return relocateSources(w, &relocator{fetcher: j.Fetcher, bufPool: j.BufferPool})
}

// MoveJob moves every source into the destination directory. Directories are
// recreated and removed item by item, so a move can cross volumes and settle
// conflicts per file. A source directory is only removed when everything in
// it was relocated.
type MoveJob struct {
	BufferPool *pool.FixedBufferPool
}

func (j *MoveJob) Run(w *Worker) error {
	return relocateSources(w, &relocator{move: true, bufPool: j.BufferPool})
}

func relocateSources(w *Worker, proto *relocator) error {
	req := w.Request()
	if err := req.Validate(); err != nil {
		return err
	}

	dst := filepath.Clean(req.Destination)
	if missing := missingDirs(dst); len(missing) > 0 {
		err := w.attempt(dst, true, false, func() error {
			return os.MkdirAll(dst, util.UserWritableDirPerms)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("failed to create destination %s: %w", dst, err)
		}
		for _, dir := range missing {
			w.AddCreated(dir)
		}
	}

	for _, src := range req.Sources {
		if w.Cancelled() {
			return context.Canceled
		}
		src = filepath.Clean(src)
		r := &relocator{
			w:        w,
			move:     proto.move,
			fetcher:  proto.fetcher,
			bufPool:  proto.bufPool,
			destRoot: filepath.Join(dst, filepath.Base(src)),
		}
		action, walkErr := treewalk.Walk(treewalk.OS, src, r)
		if walkErr != nil {
			// Only the root can fail here, everything below goes through the handler.
			err := w.attempt(src, false, false, func() error { return hints.Vanished(walkErr) })
			if errors.Is(err, context.Canceled) {
				return err
			}
			continue
		}
		if action == treewalk.Terminate && w.Cancelled() {
			return context.Canceled
		}
	}
	return nil
}

// missingDirs returns dir and each of its ancestors that does not exist yet,
// up to the first one that does.
func missingDirs(dir string) []string {
	var missing []string
	for {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			return missing
		}
		missing = append(missing, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			return missing
		}
		dir = parent
	}
}

type relocFrame struct {
	src     string
	dst     string
	info    os.FileInfo
	created bool
	// skipped is set when anything below src stayed behind.
	skipped bool
}

// relocator is the treewalk handler shared by copy and move.
type relocator struct {
	w        *Worker
	move     bool
	fetcher  Fetcher
	bufPool  *pool.FixedBufferPool
	destRoot string
	stack    []*relocFrame
}

func (r *relocator) target(path string) string {
	if len(r.stack) == 0 {
		return r.destRoot
	}
	top := r.stack[len(r.stack)-1]
	dst, err := treewalk.Relocate(top.src, top.dst, path)
	if err != nil {
		return filepath.Join(top.dst, filepath.Base(path))
	}
	return dst
}

func (r *relocator) markSkipped() {
	if len(r.stack) > 0 {
		r.stack[len(r.stack)-1].skipped = true
	}
}

func (r *relocator) verb() string {
	if r.move {
		return "MOVE"
	}
	return "COPY"
}

// renamed validates a rename proposal, falling back to a generated name.
func (r *relocator) renamed(dst, proposed string) string {
	p, err := decision.ValidateRename(dst, proposed)
	if err != nil {
		plog.Warn("Rejected rename proposal, using a generated name", "destination", dst, "proposed", proposed, "error", err)
		return decision.SuggestName(dst)
	}
	return p
}

func (r *relocator) EnterDir(path string, info os.FileInfo) treewalk.Action {
	w := r.w
	if w.Cancelled() {
		return treewalk.Terminate
	}
	w.SetCurrent(path)

	f := &relocFrame{src: path, dst: r.target(path), info: info}
	replaceFile := false
	if dinfo, err := os.Lstat(f.dst); err == nil {
		if os.SameFile(info, dinfo) {
			plog.Debug("Skipping directory, destination is the source", "path", path)
			r.markSkipped()
			return treewalk.SkipSubtree
		}
		c := w.ResolveConflict(decision.ConflictRequest{Source: path, Destination: f.dst, IsDir: true})
		switch c.Action {
		case decision.Cancel:
			return treewalk.Terminate
		case decision.Skip, decision.SkipAll:
			plog.Notice("SKIP", "path", path)
			r.markSkipped()
			return treewalk.SkipSubtree
		case decision.Rename:
			f.dst = r.renamed(f.dst, c.NewPath)
		default:
			if dinfo.IsDir() {
				// Merge into the existing directory.
				r.stack = append(r.stack, f)
				return treewalk.Continue
			}
			replaceFile = true
		}
	}

	err := w.attempt(path, true, false, func() error {
		if replaceFile {
			if err := os.Remove(f.dst); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", f.dst, err)
			}
		}
		if err := os.Mkdir(f.dst, util.UserWritableDirPerms); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to create directory %s: %w", f.dst, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return treewalk.Terminate
		}
		r.markSkipped()
		return treewalk.SkipSubtree
	}
	f.created = true
	w.AddCreated(f.dst)
	r.stack = append(r.stack, f)
	return treewalk.Continue
}

func (r *relocator) DirError(path string, readErr error) treewalk.Action {
	err := r.w.attempt(path, false, false, func() error { return hints.Vanished(readErr) })
	if errors.Is(err, context.Canceled) {
		return treewalk.Terminate
	}
	if err != nil {
		r.markSkipped()
	}
	return treewalk.Continue
}

func (r *relocator) LeaveDir(path string, info os.FileInfo) treewalk.Action {
	w := r.w
	f := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]

	if f.created {
		err := w.attempt(f.dst, true, false, func() error { return applyDirAttributes(f.dst, f.info) })
		if errors.Is(err, context.Canceled) {
			return treewalk.Terminate
		}
	}
	if !r.move {
		return treewalk.Continue
	}
	if f.skipped {
		r.markSkipped()
		return treewalk.Continue
	}

	removed := false
	err := w.attempt(path, true, false, func() error {
		if err := os.Remove(path); err != nil {
			return hints.Vanished(fmt.Errorf("failed to remove source directory %s: %w", path, err))
		}
		removed = true
		return nil
	})
	switch {
	case errors.Is(err, context.Canceled):
		return treewalk.Terminate
	case err != nil:
		r.markSkipped()
	case removed:
		w.AddRemoved(path)
	}
	return treewalk.Continue
}

func (r *relocator) VisitFile(path string, info os.FileInfo) treewalk.Action {
	w := r.w
	if w.Cancelled() {
		return treewalk.Terminate
	}
	w.SetCurrent(path)

	dst := r.target(path)
	fetch := !r.move && r.fetcher != nil && w.Request().FollowIndirection &&
		info.Mode().IsRegular() && IsIndirection(path)
	if fetch {
		dst = indirectionTarget(dst)
	}

	replaceDir := false
	if dinfo, err := os.Lstat(dst); err == nil {
		if os.SameFile(info, dinfo) {
			if r.move {
				// Already where it should be.
				r.markSkipped()
				return treewalk.Continue
			}
			dst = duplicateName(dst)
		} else {
			c := w.ResolveConflict(decision.ConflictRequest{Source: path, Destination: dst})
			switch c.Action {
			case decision.Cancel:
				return treewalk.Terminate
			case decision.Skip, decision.SkipAll:
				plog.Notice("SKIP", "path", path)
				r.markSkipped()
				return treewalk.Continue
			case decision.Rename:
				dst = r.renamed(dst, c.NewPath)
			default:
				replaceDir = dinfo.IsDir()
			}
		}
	}

	err := w.Attempt(path, true, func() error {
		if replaceDir {
			if err := os.RemoveAll(dst); err != nil {
				return fmt.Errorf("failed to remove %s: %w", dst, err)
			}
		}
		switch {
		case fetch:
			return fetchShortcut(w, r.fetcher, path, dst, info)
		case r.move:
			return moveItem(w, r.bufPool, path, dst, info)
		default:
			return copyItem(w, r.bufPool, path, dst, info)
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return treewalk.Terminate
		}
		r.markSkipped()
		return treewalk.Continue
	}

	w.AddCreated(dst)
	if r.move {
		w.AddRemoved(path)
	}
	plog.Notice(r.verb(), "source", path, "destination", dst)
	return treewalk.Continue
}

// moveItem renames src onto dst when both are on the same volume and falls
// back to copy and delete otherwise. An existing dst is replaced.
func moveItem(w *Worker, bufPool *pool.FixedBufferPool, src, dst string, info os.FileInfo) error {
	if same, err := util.SameVolume(filepath.Dir(src), filepath.Dir(dst)); err == nil && same {
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
		}
		return nil
	}
	if err := copyItem(w, bufPool, src, dst, info); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("failed to remove %s after copying it: %w", src, err)
	}
	return nil
}
