package decision

import "context"

// Rendezvous is a Resolver that forwards every question to ui, executed on a
// Loop. The asking goroutine blocks on a single-slot reply channel until the
// loop has produced an answer, the job context is cancelled, or the loop is closed.
type Rendezvous struct {
	loop *Loop
	ui   Resolver
}

// NewRendezvous marshals ui onto loop.
func NewRendezvous(loop *Loop, ui Resolver) *Rendezvous {
	return &Rendezvous{loop: loop, ui: ui}
}

func (r *Rendezvous) ResolveConflict(ctx context.Context, req ConflictRequest) Conflict {
	reply := make(chan Conflict, 1)
	posted := r.loop.Post(func() {
		reply <- r.ui.ResolveConflict(ctx, req)
	})
	if !posted {
		return Conflict{Action: Cancel}
	}
	select {
	case c := <-reply:
		return c
	case <-ctx.Done():
		return Conflict{Action: Cancel}
	}
}

func (r *Rendezvous) ResolveError(ctx context.Context, req ErrorRequest) ErrorAction {
	reply := make(chan ErrorAction, 1)
	posted := r.loop.Post(func() {
		reply <- r.ui.ResolveError(ctx, req)
	})
	if !posted {
		return Abort
	}
	select {
	case a := <-reply:
		return a
	case <-ctx.Done():
		return Abort
	}
}

var _ Resolver = (*Rendezvous)(nil)
