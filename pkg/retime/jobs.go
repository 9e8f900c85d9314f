package retime

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/hints"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/tarformat"
	"github.com/paulschiretz/pgl-transfer/pkg/transfer"
)

// TouchJob stamps MTime onto every request source with a Propagator.
type TouchJob struct {
	Propagator Propagator
	MTime      time.Time
}

func (j *TouchJob) Run(w *transfer.Worker) error {
	p := j.Propagator
	p.Attempt = func(path string, op func() error) error {
		w.SetCurrent(path)
		// Stamping is idempotent, so a retry is always safe.
		return w.Attempt(path, true, op)
	}
	plog.Debug("Stamping times", "settings", p.String(), "mtime", j.MTime)
	for _, src := range w.Request().Sources {
		if w.Cancelled() {
			return context.Canceled
		}
		_, walkErr := p.Stamp(w.Context(), src, j.MTime)
		if errors.Is(walkErr, context.Canceled) {
			return walkErr
		}
		if walkErr != nil {
			// The walk itself failed, e.g. the source is unreadable.
			if err := w.Attempt(src, false, func() error { return walkErr }); errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
	return nil
}

// TarRetimeJob rewrites the entry times of plain tar files in place. The
// tar file itself gets MTime as well.
type TarRetimeJob struct {
	MTime time.Time
}

func (j *TarRetimeJob) Run(w *transfer.Worker) error {
	for _, src := range w.Request().Sources {
		if w.Cancelled() {
			return context.Canceled
		}
		w.SetCurrent(src)
		err := w.Attempt(src, true, func() error {
			n, err := tarformat.RetimeFile(w.Context(), src, j.MTime)
			if err != nil {
				return hints.Vanished(err)
			}
			plog.Notice("RETIME", "path", src, "entries", n)
			return os.Chtimes(src, j.MTime, j.MTime)
		})
		if errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
