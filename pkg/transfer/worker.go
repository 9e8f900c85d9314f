package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/paulschiretz/pgl-transfer/pkg/decision"
	"github.com/paulschiretz/pgl-transfer/pkg/hints"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
)

// State is the lifecycle state of a Worker.
type State int32

const (
	Created State = iota
	Running
	Cancelling
	Finished
)

var stateToString = map[State]string{
	Created:    "created",
	Running:    "running",
	Cancelling: "cancelling",
	Finished:   "finished",
}

func (s State) String() string {
	if str, ok := stateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_state(%d)", int(s))
}

// Job is the traversal policy a Worker executes. Run is called once on the
// worker goroutine. A returned context.Canceled is reported as cancellation,
// any other error as a fatal failure of the job.
type Job interface {
	Run(w *Worker) error
}

// JobFunc adapts a function to a Job.
type JobFunc func(w *Worker) error

func (f JobFunc) Run(w *Worker) error { return f(w) }

// Dispatcher runs completion callbacks on the caller's goroutine.
// *decision.Loop implements it.
type Dispatcher interface {
	Post(func()) bool
}

// Options wires a Worker to its collaborators.
type Options struct {
	// Resolver answers conflict and error questions. Defaults to skipping.
	Resolver decision.Resolver
	// Dispatcher receives the completion callback. Without one, or when the
	// dispatcher refuses the post, OnComplete runs on the worker goroutine.
	Dispatcher Dispatcher
	OnComplete func(Result)
}

// Progress is a point-in-time sample of a running job.
type Progress struct {
	State         State
	CurrentPath   string
	CurrentRemote string
	Successes     int64
	Failures      int64
}

// Worker runs one Job on one background goroutine.
type Worker struct {
	req  Request
	job  Job
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32
	done   chan struct{}

	currentPath   atomic.Pointer[string]
	currentRemote atomic.Pointer[string]
	successes     atomic.Int64
	failures      atomic.Int64

	// The fields below are only touched by the worker goroutine.
	skipAllErrors bool
	// Remembered apply-to-all answers, kept apart for directories and files.
	dirConflictAll  *decision.ConflictAction
	fileConflictAll *decision.ConflictAction
	incomplete      bool
	changes         ChangeSet
	result          Result

	mu       sync.Mutex
	inFlight map[io.Closer]struct{}
}

// NewWorker prepares a worker. Nothing runs until Start is called.
func NewWorker(req Request, job Job, opts Options) *Worker {
	if opts.Resolver == nil {
		opts.Resolver = decision.NewPolicy(decision.Skip, decision.SkipItem, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		req:      req,
		job:      job,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		changes:  newChangeSet(),
		inFlight: make(map[io.Closer]struct{}),
	}
}

// Request returns the request the worker was created with.
func (w *Worker) Request() Request { return w.req }

// Context is cancelled when the job is cancelled.
func (w *Worker) Context() context.Context { return w.ctx }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Done is closed once the job has finished.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Start launches the job goroutine.
func (w *Worker) Start() error {
	if !w.state.CompareAndSwap(int32(Created), int32(Running)) {
		return ErrAlreadyStarted
	}
	go w.run()
	return nil
}

func (w *Worker) run() {
	plog.Debug("Job started", "kind", w.req.Kind, "sources", len(w.req.Sources))
	err := w.job.Run(w)

	res := Result{
		Kind:       w.req.Kind,
		Successes:  w.successes.Load(),
		Failures:   w.failures.Load(),
		Incomplete: w.incomplete,
		Changes:    w.changes,
	}
	switch {
	case w.Cancelled() || errors.Is(err, context.Canceled):
		res.Cancelled = true
	case err != nil:
		res.Err = err
	}
	w.result = res
	w.state.Store(int32(Finished))
	w.cancel()
	close(w.done)

	plog.Debug("Job finished", "kind", w.req.Kind, "outcome", res.Outcome())
	if w.opts.OnComplete == nil {
		return
	}
	deliver := func() { w.opts.OnComplete(res) }
	if w.opts.Dispatcher == nil || !w.opts.Dispatcher.Post(deliver) {
		deliver()
	}
}

// Cancel requests cooperative cancellation. Tracked streams are closed so
// that blocked reads return. Cancel is safe to call from any goroutine, any
// number of times, before or after Start.
func (w *Worker) Cancel() {
	w.state.CompareAndSwap(int32(Running), int32(Cancelling))
	w.cancel()

	w.mu.Lock()
	closers := make([]io.Closer, 0, len(w.inFlight))
	for c := range w.inFlight {
		closers = append(closers, c)
	}
	clear(w.inFlight)
	w.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
}

// Cancelled reports whether cancellation was requested.
func (w *Worker) Cancelled() bool { return w.ctx.Err() != nil }

// Wait blocks until the job has finished and returns its result.
func (w *Worker) Wait() Result {
	<-w.done
	return w.result
}

// Track registers an in-flight stream that Cancel must close. The returned
// function unregisters it; it does not close the stream.
func (w *Worker) Track(c io.Closer) (untrack func()) {
	w.mu.Lock()
	if w.Cancelled() {
		w.mu.Unlock()
		c.Close()
		return func() {}
	}
	w.inFlight[c] = struct{}{}
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.inFlight, c)
		w.mu.Unlock()
	}
}

// Progress samples the latest progress values.
func (w *Worker) Progress() Progress {
	p := Progress{
		State:     w.State(),
		Successes: w.successes.Load(),
		Failures:  w.failures.Load(),
	}
	if s := w.currentPath.Load(); s != nil {
		p.CurrentPath = *s
	}
	if s := w.currentRemote.Load(); s != nil {
		p.CurrentRemote = *s
	}
	return p
}

// SetCurrent publishes the item being processed.
func (w *Worker) SetCurrent(path string) { w.currentPath.Store(&path) }

// SetRemote publishes a human readable description of a remote transfer.
func (w *Worker) SetRemote(text string) { w.currentRemote.Store(&text) }

// AddCreated records a path the job created.
func (w *Worker) AddCreated(path string) { w.changes.Created[path] = struct{}{} }

// AddRemoved records a path the job removed.
func (w *Worker) AddRemoved(path string) { w.changes.Removed[path] = struct{}{} }

// MarkIncomplete flags the result as deliberately incomplete.
func (w *Worker) MarkIncomplete() { w.incomplete = true }

// AddSuccess counts items completed outside of Attempt.
func (w *Worker) AddSuccess(n int64) { w.successes.Add(n) }

// AddFailure counts failed items that are not routed through the error policy.
func (w *Worker) AddFailure(n int64) { w.failures.Add(n) }

// Attempt runs op for one item under the error protocol:
//
//   - nil: the item is counted as a success and Attempt returns nil.
//   - a hint: the item is neither a success nor a failure; Attempt returns nil.
//   - any other error: the resolver decides. Retry runs op again (only if
//     retryAllowed), Skip and SkipAll count a failure and return an error
//     wrapping ErrSkipped, Cancel cancels the job and returns context.Canceled.
//
// After a skip-all answer no further error prompts are shown for this job.
func (w *Worker) Attempt(path string, retryAllowed bool, op func() error) error {
	return w.attempt(path, retryAllowed, true, op)
}

// attempt is Attempt with optional success counting, for bookkeeping steps
// like directory creation that are not items of their own.
func (w *Worker) attempt(path string, retryAllowed, count bool, op func() error) error {
	for {
		if w.Cancelled() {
			return context.Canceled
		}
		err := op()
		if err == nil {
			if count {
				w.successes.Add(1)
			}
			return nil
		}
		if w.Cancelled() || errors.Is(err, context.Canceled) {
			w.Cancel()
			return context.Canceled
		}
		if hints.IsHint(err) {
			plog.Debug("Item not processed", "path", path, "reason", err)
			return nil
		}

		action := decision.SkipItem
		if !w.skipAllErrors {
			action = w.opts.Resolver.ResolveError(w.ctx, decision.ErrorRequest{Path: path, Err: err, RetryAllowed: retryAllowed})
		}
		switch action {
		case decision.Retry:
			if retryAllowed {
				plog.Debug("Retrying item", "path", path, "error", err)
				continue
			}
		case decision.SkipAllItems:
			w.skipAllErrors = true
		case decision.Abort:
			w.Cancel()
			return context.Canceled
		}
		w.failures.Add(1)
		plog.Warn("Item failed", "path", path, "error", err)
		return fmt.Errorf("%w: %w", ErrSkipped, err)
	}
}

// ResolveConflict asks the resolver about an existing destination, unless an
// apply-to-all answer for the same kind of item was given earlier in this
// job. A Cancel answer cancels the job.
func (w *Worker) ResolveConflict(req decision.ConflictRequest) decision.Conflict {
	remembered := &w.fileConflictAll
	if req.IsDir {
		remembered = &w.dirConflictAll
	}
	if *remembered != nil {
		return decision.Conflict{Action: **remembered}
	}
	if w.Cancelled() {
		return decision.Conflict{Action: decision.Cancel}
	}
	req.Op = w.req.Kind.Op()
	c := w.opts.Resolver.ResolveConflict(w.ctx, req)
	if c.ApplyToAll() {
		action := c.Action
		*remembered = &action
	}
	if c.Action == decision.Cancel {
		w.Cancel()
	}
	return c
}
