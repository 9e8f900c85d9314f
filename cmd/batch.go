package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-transfer/pkg/flagparse"
	"github.com/paulschiretz/pgl-transfer/pkg/lockfile"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
)

// batchEntry is one job of a batch file.
type batchEntry struct {
	Command     string   `json:"command"`
	Sources     []string `json:"sources"`
	Destination string   `json:"destination,omitempty"`
	// MTime is read like the -mtime flag and only used by retime and touch.
	MTime string `json:"mtime,omitempty"`
}

// loadBatch reads a JSON array of batch entries.
func loadBatch(path string, now time.Time) ([]jobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var entries []batchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("error parsing batch file %s: %w", path, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("batch file %s lists no jobs", path)
	}

	specs := make([]jobSpec, 0, len(entries))
	for i, e := range entries {
		command, err := flagparse.ParseCommand(strings.ToLower(e.Command))
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i+1, err)
		}
		if !command.IsJob() {
			return nil, fmt.Errorf("job %d: %s cannot run in a batch", i+1, command)
		}
		mtime, err := flagparse.ParseTime(e.MTime, now)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", i+1, err)
		}
		specs = append(specs, jobSpec{
			command:     command,
			sources:     e.Sources,
			destination: e.Destination,
			mtime:       mtime,
		})
	}
	return specs, nil
}

// RunBatch handles the logic for the batch command.
func RunBatch(ctx context.Context, flagMap map[string]interface{}) error {
	file, ok := flagMap["file"].(string)
	if !ok || file == "" {
		return fmt.Errorf("the -file flag is required to run a batch")
	}

	runConfig, err := loadRunConfig(flagparse.Batch, flagMap)
	if err != nil {
		return err
	}

	specs, err := loadBatch(file, time.Now())
	if err != nil {
		return err
	}

	// Keep a second process from running the same batch file concurrently.
	lock, err := lockfile.Acquire(ctx, file, buildinfo.Name)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			return fmt.Errorf("batch %s is already running: %w", file, err)
		}
		return fmt.Errorf("failed to lock batch file: %w", err)
	}
	defer lock.Release()

	startTime := time.Now()
	results := runJobs(ctx, runConfig, specs, newUI(runConfig))
	if err := summarize(results); err != nil {
		return err
	}
	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" batch finished.", "jobs", len(specs), "duration", duration)
	return nil
}
