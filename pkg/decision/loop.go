package decision

import (
	"context"
	"sync"
)

// Loop runs posted functions one at a time on the goroutine that calls Run.
// It plays the role of a UI thread: prompts and completion callbacks are
// posted to it from job goroutines and executed in order on the caller's side.
type Loop struct {
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewLoop creates a Loop. Post blocks until Run picks the function up.
func NewLoop() *Loop {
	return &Loop{
		tasks: make(chan func()),
		done:  make(chan struct{}),
	}
}

// Post hands f to the loop. It returns false if the loop has been closed,
// in which case f will never run.
func (l *Loop) Post(f func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- f:
		return true
	case <-l.done:
		return false
	}
}

// Run executes posted functions until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case f := <-l.tasks:
			f()
		case <-l.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops Run and makes every pending and future Post return false.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
