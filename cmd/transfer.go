package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-transfer/pkg/config"
	"github.com/paulschiretz/pgl-transfer/pkg/flagparse"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
)

// loadRunConfig loads the configuration, merges the flags over it and
// applies the logging settings.
func loadRunConfig(command flagparse.Command, flagMap map[string]interface{}) (config.Config, error) {
	dir, _ := flagMap["config-dir"].(string)
	loadedConfig, err := config.Load(dir)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, err
	}

	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))
	plog.SetQuiet(runConfig.Runtime.Quiet)
	runConfig.LogSummary(command)
	return runConfig, nil
}

// RunJob handles the logic for the single-job commands.
func RunJob(ctx context.Context, command flagparse.Command, flagMap map[string]interface{}) error {
	sources, _ := flagMap["sources"].([]string)
	if len(sources) == 0 {
		return fmt.Errorf("the %s command requires at least one source path", command)
	}
	target, _ := flagMap["target"].(string)
	switch command {
	case flagparse.Copy, flagparse.Move:
		if target == "" {
			return fmt.Errorf("the -target flag is required to %s", command)
		}
	}
	mtime, _ := flagMap["mtime"].(time.Time)

	runConfig, err := loadRunConfig(command, flagMap)
	if err != nil {
		return err
	}

	spec := jobSpec{
		command:     command,
		sources:     sources,
		destination: target,
		mtime:       mtime,
	}

	startTime := time.Now()
	results := runJobs(ctx, runConfig, []jobSpec{spec}, newUI(runConfig))
	if err := summarize(results); err != nil {
		return err
	}
	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" "+command.String()+" finished.", "duration", duration)
	return nil
}
