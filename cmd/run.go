package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-transfer/pkg/config"
	"github.com/paulschiretz/pgl-transfer/pkg/decision"
	"github.com/paulschiretz/pgl-transfer/pkg/metrics"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/transfer"
)

// runner executes jobs on background workers while the calling goroutine
// drives a decision loop. Prompts and completion callbacks run on that loop.
type runner struct {
	cfg      config.Config
	ui       decision.Resolver
	loop     *decision.Loop
	registry *transfer.Registry
	// delivered counts completion callbacks still to run.
	delivered sync.WaitGroup
}

// newUI returns the interactive resolver for cfg, or nil to answer by policy.
func newUI(cfg config.Config) decision.Resolver {
	if cfg.Runtime.Interactive {
		return NewPrompter(os.Stdin, os.Stdout)
	}
	return nil
}

// runJobs runs specs with at most cfg.Engine.Performance.Concurrency jobs at
// a time and returns their results in order. ui answers questions on the
// calling goroutine; without one the configured policy answers them.
// Specs that cannot be built are reported as failed results.
func runJobs(ctx context.Context, cfg config.Config, specs []jobSpec, ui decision.Resolver) []transfer.Result {
	r := &runner{
		cfg:      cfg,
		ui:       ui,
		loop:     decision.NewLoop(),
		registry: transfer.NewRegistry(),
	}
	factory := newJobFactory(cfg)

	type built struct {
		req transfer.Request
		job transfer.Job
	}
	jobs := make([]built, len(specs))
	results := make([]transfer.Result, len(specs))
	for i, spec := range specs {
		req, job, err := factory.build(spec)
		if err != nil {
			plog.Error("Cannot run job", "command", spec.command, "error", err)
			results[i] = transfer.Result{Kind: jobKinds[spec.command], Err: err}
			continue
		}
		jobs[i] = built{req: req, job: job}
	}

	limit := cfg.Engine.Performance.Concurrency
	if limit < 1 {
		limit = 1
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		g := new(errgroup.Group)
		g.SetLimit(limit)
		for i, b := range jobs {
			if b.job == nil {
				continue
			}
			g.Go(func() error {
				results[i] = r.run(ctx, b.req, b.job)
				return nil
			})
		}
		_ = g.Wait()
		r.delivered.Wait()
		r.loop.Close()
	}()

	r.loop.Run(ctx)
	// After cancellation the loop stops answering; waiting posts fall back
	// to running on the job goroutines.
	r.loop.Close()
	<-done
	_ = r.registry.Wait(context.Background())

	factory.logArchiveSummary()
	return results
}

// run executes one job to completion on the calling goroutine's behalf.
func (r *runner) run(ctx context.Context, req transfer.Request, job transfer.Job) transfer.Result {
	if ctx.Err() != nil {
		return transfer.Result{Kind: req.Kind, Cancelled: true}
	}

	var resolver decision.Resolver
	if r.ui != nil {
		resolver = decision.NewRendezvous(r.loop, r.ui)
	} else {
		resolver = decision.NewPolicy(r.cfg.ConflictAction(), r.cfg.ErrorAction(), r.cfg.Decision.RetryCount)
	}

	start := time.Now()
	r.delivered.Add(1)
	w := transfer.NewWorker(req, job, transfer.Options{
		Resolver:   resolver,
		Dispatcher: r.loop,
		OnComplete: func(res transfer.Result) {
			defer r.delivered.Done()
			metrics.LogResult(fmt.Sprintf("%s finished", req.Kind), res, time.Since(start))
		},
	})
	if err := r.registry.Add(w); err != nil {
		r.delivered.Done()
		plog.Error("Cannot run job", "job", req.Kind, "error", err)
		return transfer.Result{Kind: req.Kind, Err: err}
	}
	if err := w.Start(); err != nil {
		r.delivered.Done()
		return transfer.Result{Kind: req.Kind, Err: err}
	}
	stop := context.AfterFunc(ctx, w.Cancel)
	defer stop()

	var m metrics.Metrics = &metrics.NoopMetrics{}
	if r.cfg.Engine.Metrics {
		m = metrics.New(w)
	}
	m.StartProgress(fmt.Sprintf("%s in progress", req.Kind), r.cfg.ProgressInterval())
	res := w.Wait()
	m.StopProgress()
	return res
}

// summarize turns job results into the error of a command.
func summarize(results []transfer.Result) error {
	var failed, partial, cancelled int
	var firstErr error
	for _, res := range results {
		switch res.Outcome() {
		case transfer.Failed:
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
		case transfer.PartiallyFailed:
			partial++
		case transfer.Cancelled:
			cancelled++
		}
	}
	switch {
	case failed == 1 && len(results) == 1:
		return firstErr
	case failed > 0:
		return fmt.Errorf("%d of %d jobs failed, first error: %w", failed, len(results), firstErr)
	case partial > 0:
		return fmt.Errorf("%d of %d jobs completed with failures", partial, len(results))
	case cancelled > 0:
		plog.Info("Canceled", "jobs", cancelled)
	}
	return nil
}
