package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-transfer/pkg/config"
	"github.com/paulschiretz/pgl-transfer/pkg/flagparse"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// RunInit handles the logic for the 'init' command.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	dir, _ := flagMap["config-dir"].(string)
	if dir == "" {
		dir = config.DefaultDir()
	}
	absDir, err := util.AbsPath(dir)
	if err != nil {
		return fmt.Errorf("could not determine absolute config path for %s: %w", dir, err)
	}
	flagMap["config-dir"] = absDir

	var baseConfig config.Config

	initDefault := false
	if v, ok := flagMap["default"]; ok {
		initDefault = v.(bool)
	}

	if initDefault {
		// Check for force flag to bypass confirmation
		force := false
		if f, ok := flagMap["force"]; ok {
			force = f.(bool)
		}

		if !force {
			absConfigFilePath := filepath.Join(absDir, config.ConfigFileName)
			if _, err := os.Stat(absConfigFilePath); err == nil {
				fmt.Printf("WARNING: Configuration file already exists at %s.\n", absConfigFilePath)
				fmt.Printf("Using -default will overwrite it with default values. All custom settings will be lost.\n")
				if !PromptForConfirmation("Are you sure you want to continue?", false) {
					plog.Info(buildinfo.Name + " init operation canceled.")
					return nil
				}
			}
		}
		baseConfig = config.NewDefault()
	} else {
		// Try to load existing config to preserve settings.
		// If it fails (e.g. corrupt JSON), we fall back to defaults.
		baseConfig, err = config.Load(absDir)
		if err != nil {
			plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	// CRITICAL: Validate the config before it is written
	if err := runConfig.Validate(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	startTime := time.Now()
	if err := config.Generate(runConfig); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	plog.Info(buildinfo.Name+" configuration successfully initialized.", "duration", duration)
	return nil
}
