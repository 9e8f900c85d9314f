package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// ErrPathsBusy is returned when a job would touch paths an active job is using.
var ErrPathsBusy = errors.New("paths are in use by another job")

// Registry tracks the running jobs of one front-end so it can refuse
// overlapping jobs and block shutdown until every job has finished.
type Registry struct {
	mu      sync.Mutex
	workers map[*Worker][]string
	wg      sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[*Worker][]string)}
}

func requestPaths(req Request) []string {
	paths := make([]string, 0, len(req.Sources)+1)
	for _, s := range req.Sources {
		paths = append(paths, filepath.Clean(s))
	}
	if req.Destination != "" {
		paths = append(paths, filepath.Clean(req.Destination))
	}
	return paths
}

func overlaps(a, b []string) bool {
	for _, p := range a {
		for _, q := range b {
			if util.IsSameOrAncestor(p, q) || util.IsSameOrAncestor(q, p) {
				return true
			}
		}
	}
	return false
}

// Add registers w. It must be called before w is started. The worker leaves
// the registry on its own once it has finished.
func (r *Registry) Add(w *Worker) error {
	paths := requestPaths(w.Request())

	r.mu.Lock()
	defer r.mu.Unlock()
	for other, otherPaths := range r.workers {
		if overlaps(paths, otherPaths) {
			return fmt.Errorf("cannot start %s job: %w (active %s job)", w.Request().Kind, ErrPathsBusy, other.Request().Kind)
		}
	}
	r.workers[w] = paths
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		<-w.Done()
		r.mu.Lock()
		delete(r.workers, w)
		r.mu.Unlock()
	}()
	return nil
}

// Active returns the workers that have not finished yet.
func (r *Registry) Active() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := make([]*Worker, 0, len(r.workers))
	for w := range r.workers {
		active = append(active, w)
	}
	return active
}

// CancelAll cancels every active worker.
func (r *Registry) CancelAll() {
	for _, w := range r.Active() {
		w.Cancel()
	}
}

// Wait blocks until every registered worker has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
