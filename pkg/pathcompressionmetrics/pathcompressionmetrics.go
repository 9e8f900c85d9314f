// Package pathcompressionmetrics counts what pack, unpack and gzip jobs do.
package pathcompressionmetrics

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/plog"
)

// Metrics defines the interface for collecting and reporting archive statistics.
type Metrics interface {
	AddArchivesCreated(n int64)
	AddArchivesExtracted(n int64)
	AddArchivesFailed(n int64)
	AddEntriesProcessed(n int64)
	AddEntriesSkipped(n int64)
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// CompressionMetrics holds the atomic counters of archive jobs.
// It is the concrete implementation of the Metrics interface.
type CompressionMetrics struct {
	ArchivesCreated   atomic.Int64
	ArchivesExtracted atomic.Int64
	ArchivesFailed    atomic.Int64
	EntriesProcessed  atomic.Int64
	EntriesSkipped    atomic.Int64
	BytesRead         atomic.Int64
	BytesWritten      atomic.Int64

	stopChan chan struct{}
}

func (m *CompressionMetrics) AddArchivesCreated(n int64)   { m.ArchivesCreated.Add(n) }
func (m *CompressionMetrics) AddArchivesExtracted(n int64) { m.ArchivesExtracted.Add(n) }
func (m *CompressionMetrics) AddArchivesFailed(n int64)    { m.ArchivesFailed.Add(n) }
func (m *CompressionMetrics) AddEntriesProcessed(n int64)  { m.EntriesProcessed.Add(n) }
func (m *CompressionMetrics) AddEntriesSkipped(n int64)    { m.EntriesSkipped.Add(n) }
func (m *CompressionMetrics) AddBytesRead(n int64)         { m.BytesRead.Add(n) }
func (m *CompressionMetrics) AddBytesWritten(n int64)      { m.BytesWritten.Add(n) }

func (m *CompressionMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *CompressionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
		m.stopChan = nil
	}
}

// LogSummary logs the current state of the metrics.
// This can be called by a background ticker or at the end of the run.
func (m *CompressionMetrics) LogSummary(msg string) {
	read := m.BytesRead.Load()
	written := m.BytesWritten.Load()

	// written/read is the compression ratio when packing and the expansion when unpacking.
	var ratio float64
	if read > 0 {
		ratio = float64(written) / float64(read) * 100.0
	}

	plog.Info(msg,
		"entries_processed", m.EntriesProcessed.Load(),
		"entries_skipped", m.EntriesSkipped.Load(),
		"archives_created", m.ArchivesCreated.Load(),
		"archives_extracted", m.ArchivesExtracted.Load(),
		"archives_failed", m.ArchivesFailed.Load(),
		"bytes_read", fmt.Sprintf("%d", read),
		"bytes_written", fmt.Sprintf("%d", written),
		"ratio_pct", fmt.Sprintf("%.2f%%", ratio),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
// It can be used to disable metrics collection without changing the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddArchivesCreated(n int64)                       {}
func (m *NoopMetrics) AddArchivesExtracted(n int64)                     {}
func (m *NoopMetrics) AddArchivesFailed(n int64)                        {}
func (m *NoopMetrics) AddEntriesProcessed(n int64)                      {}
func (m *NoopMetrics) AddEntriesSkipped(n int64)                        {}
func (m *NoopMetrics) AddBytesRead(n int64)                             {}
func (m *NoopMetrics) AddBytesWritten(n int64)                          {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

// Statically assert that our types implement the interface.
var _ Metrics = (*CompressionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
