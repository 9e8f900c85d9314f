// Package metrics reports the progress of running transfer jobs.
package metrics

import (
	"sync"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/transfer"
)

// Sampler is anything whose progress can be read at any time.
// *transfer.Worker implements it.
type Sampler interface {
	Progress() transfer.Progress
}

// Metrics defines the interface for reporting the progress of one job.
type Metrics interface {
	StartProgress(msg string, interval time.Duration)
	StopProgress()
	LogSummary(msg string)
}

// JobMetrics samples a job periodically and logs what it is doing.
// It is the concrete implementation of the Metrics interface.
type JobMetrics struct {
	src     Sampler
	started time.Time

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New returns metrics that sample src.
func New(src Sampler) *JobMetrics {
	return &JobMetrics{src: src, started: time.Now()}
}

// StartProgress logs a sample every interval until StopProgress is called.
// A non-positive interval disables periodic logging.
func (m *JobMetrics) StartProgress(msg string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopChan != nil {
		return
	}
	stop := make(chan struct{})
	m.stopChan = stop
	ticker := time.NewTicker(interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-stop:
				return
			}
		}
	}()
}

// StopProgress stops periodic logging and waits for the ticker goroutine.
func (m *JobMetrics) StopProgress() {
	m.mu.Lock()
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// LogSummary logs the current sample.
func (m *JobMetrics) LogSummary(msg string) {
	p := m.src.Progress()
	args := []any{
		"state", p.State,
		"successes", p.Successes,
		"failures", p.Failures,
		"elapsed", time.Since(m.started).Round(time.Second),
	}
	if p.CurrentPath != "" {
		args = append(args, "current", p.CurrentPath)
	}
	if p.CurrentRemote != "" {
		args = append(args, "remote", p.CurrentRemote)
	}
	plog.Info(msg, args...)
}

// LogResult logs the final summary of a finished job.
func LogResult(msg string, r transfer.Result, elapsed time.Duration) {
	args := []any{
		"job", r.Kind,
		"outcome", r.Outcome(),
		"successes", r.Successes,
		"failures", r.Failures,
		"created", len(r.Changes.Created),
		"removed", len(r.Changes.Removed),
		"duration", elapsed.Round(time.Millisecond),
	}
	switch r.Outcome() {
	case transfer.Failed:
		plog.Error(msg, append(args, "error", r.Err)...)
	case transfer.PartiallyFailed:
		plog.Warn(msg, args...)
	default:
		plog.Info(msg, args...)
	}
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable progress reporting without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}
func (m *NoopMetrics) LogSummary(msg string)                            {}

// Statically assert that our types implement the interface.
var _ Metrics = (*JobMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
