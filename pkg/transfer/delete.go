package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-transfer/pkg/hints"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/treewalk"
)

// DeleteJob removes every source. Files go on visit, directories once they
// have been emptied. Paths that are already gone are not failures.
type DeleteJob struct{}

func (j *DeleteJob) Run(w *Worker) error {
	req := w.Request()
	if err := req.Validate(); err != nil {
		return err
	}
	for _, src := range req.Sources {
		if w.Cancelled() {
			return context.Canceled
		}
		d := &deleter{w: w}
		action, walkErr := treewalk.Walk(treewalk.OS, filepath.Clean(src), d)
		if walkErr != nil {
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

type deleter struct {
	w *Worker
	// skipped[i] is set when something below the i-th open directory stayed.
	skipped []bool
}

func (d *deleter) markSkipped() {
	if n := len(d.skipped); n > 0 {
		d.skipped[n-1] = true
	}
}

func (d *deleter) remove(path string) treewalk.Action {
	removed := false
	err := d.w.Attempt(path, true, func() error {
		if err := os.Remove(path); err != nil {
			return hints.Vanished(fmt.Errorf("failed to delete %s: %w", path, err))
		}
		removed = true
		return nil
	})
	switch {
	case errors.Is(err, context.Canceled):
		return treewalk.Terminate
	case err != nil:
		d.markSkipped()
	case removed:
		d.w.AddRemoved(path)
		plog.Notice("DELETE", "path", path)
	}
	return treewalk.Continue
}

func (d *deleter) EnterDir(path string, info os.FileInfo) treewalk.Action {
	if d.w.Cancelled() {
		return treewalk.Terminate
	}
	d.w.SetCurrent(path)
	d.skipped = append(d.skipped, false)
	return treewalk.Continue
}

func (d *deleter) VisitFile(path string, info os.FileInfo) treewalk.Action {
	if d.w.Cancelled() {
		return treewalk.Terminate
	}
	d.w.SetCurrent(path)
	return d.remove(path)
}

func (d *deleter) DirError(path string, readErr error) treewalk.Action {
	err := d.w.attempt(path, false, false, func() error { return hints.Vanished(readErr) })
	if errors.Is(err, context.Canceled) {
		return treewalk.Terminate
	}
	if err != nil {
		d.markSkipped()
	}
	return treewalk.Continue
}

func (d *deleter) LeaveDir(path string, info os.FileInfo) treewalk.Action {
	n := len(d.skipped)
	skipped := d.skipped[n-1]
	d.skipped = d.skipped[:n-1]
	if skipped {
		d.markSkipped()
		return treewalk.Continue
	}
	if d.w.Cancelled() {
		return treewalk.Terminate
	}
	return d.remove(path)
}
