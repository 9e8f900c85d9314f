package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/paulschiretz/pgl-transfer/pkg/buildinfo"
	"github.com/paulschiretz/pgl-transfer/pkg/decision"
	"github.com/paulschiretz/pgl-transfer/pkg/flagparse"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompression"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
	"github.com/paulschiretz/pgl-transfer/pkg/vfs"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-transfer.config.json"

// appDirName is the directory below the XDG config home holding the config file.
const appDirName = "pgl-transfer"

// DefaultDir returns the directory the configuration is read from when none is given.
func DefaultDir() string {
	return filepath.Join(xdg.ConfigHome, appDirName)
}

type EnginePerformanceConfig struct {
	BufferSizeKB            int `json:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for file copies and compression. Default is 256 (256KB)."`
	Concurrency             int `json:"concurrency"`
	ProgressIntervalSeconds int `json:"progressIntervalSeconds"`
}

type EngineConfig struct {
	Metrics     bool                    `json:"metrics"`
	Performance EnginePerformanceConfig `json:"performance"`
}

type DecisionConfig struct {
	// Conflict answers existing destinations when not running interactively.
	Conflict string `json:"conflict"`
	// Error answers failed items when not running interactively.
	Error string `json:"error"`
	// RetryCount bounds how often an item is retried before it is skipped.
	RetryCount int `json:"retryCount"`
}

type TransferConfig struct {
	FollowIndirection   bool `json:"followIndirection"`
	FetchTimeoutSeconds int  `json:"fetchTimeoutSeconds"`
	MoveToTrash         bool `json:"moveToTrash"`
}

type ArchiveConfig struct {
	Level     string `json:"level"`
	Overwrite string `json:"overwrite"`
}

type RetimeConfig struct {
	Recursive bool `json:"recursive"`
	Nested    bool `json:"nested"`
	// Note: omitempty is intentionally not used so that the list
	// appears in the generated config file for better discoverability.
	Extensions []string `json:"extensions"`
}

type RuntimeConfig struct {
	Interactive bool
	Quiet       bool
}

type Config struct {
	Version  string         `json:"version"`
	Dir      string         `json:"-"` // Never added to config file
	Runtime  RuntimeConfig  `json:"-"` // Never added to config file
	LogLevel string         `json:"logLevel"`
	Engine   EngineConfig   `json:"engine"`
	Decision DecisionConfig `json:"decision"`
	Transfer TransferConfig `json:"transfer"`
	Archive  ArchiveConfig  `json:"archive"`
	Retime   RetimeConfig   `json:"retime"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		Dir:      DefaultDir(),
		LogLevel: "info",
		Engine: EngineConfig{
			Metrics: false,
			Performance: EnginePerformanceConfig{
				BufferSizeKB:            256, // Keep it between 64KB-4MB
				Concurrency:             2,   // Batch jobs running at once.
				ProgressIntervalSeconds: 5,
			},
		},
		Decision: DecisionConfig{
			Conflict:   decision.Skip.String(),
			Error:      decision.SkipItem.String(),
			RetryCount: 2,
		},
		Transfer: TransferConfig{
			FollowIndirection:   false,
			FetchTimeoutSeconds: 60,
			MoveToTrash:         false,
		},
		Archive: ArchiveConfig{
			Level:     pathcompression.Default.String(),
			Overwrite: pathcompression.OverwriteNever.String(),
		},
		Retime: RetimeConfig{
			Recursive:  true,
			Nested:     false,
			Extensions: []string{},
		},
	}
}

// Load reads "pgl-transfer.config.json" from dir, or from DefaultDir when dir is empty.
// If the file doesn't exist, it returns the default config without an error.
// If the file exists but fails to parse, it returns an error and a zero-value config.
func Load(dir string) (Config, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	absDir, err := util.AbsPath(dir)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config directory %s: %w", dir, err)
	}

	configPath := filepath.Join(absDir, ConfigFileName)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			config := NewDefault()
			config.Dir = absDir
			return config, nil // Config file doesn't exist, which is a normal case.
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	plog.Debug("Loading configuration", "path", configPath)
	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	config.Dir = absDir

	// NOTE: if config.Version differs from the app version a migration step goes here.
	config.Version = buildinfo.Version
	return config, nil
}

// Generate creates or overwrites the config file in the config's directory.
func Generate(configToGenerate Config) error {
	if err := os.MkdirAll(configToGenerate.Dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configPath := filepath.Join(configToGenerate.Dir, ConfigFileName)
	jsonData, err := json.MarshalIndent(configToGenerate, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}

	if err := os.WriteFile(configPath, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// Archive extensions are normalized to lower case with a leading dot.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "notice", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logLevel %q is not one of 'debug', 'notice', 'info', 'warn', 'error'", c.LogLevel)
	}

	if c.Engine.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.performance.bufferSizeKB must be greater than 0")
	}
	if c.Engine.Performance.Concurrency < 1 {
		return fmt.Errorf("engine.performance.concurrency must be at least 1")
	}
	if c.Engine.Performance.ProgressIntervalSeconds < 0 {
		return fmt.Errorf("engine.performance.progressIntervalSeconds cannot be negative")
	}

	if _, err := decision.ParseConflictAction(c.Decision.Conflict); err != nil {
		return fmt.Errorf("decision.conflict: %w", err)
	}
	errAction, err := decision.ParseErrorAction(c.Decision.Error)
	if err != nil {
		return fmt.Errorf("decision.error: %w", err)
	}
	if c.Decision.RetryCount < 0 {
		return fmt.Errorf("decision.retryCount cannot be negative")
	}
	if errAction == decision.Retry && c.Decision.RetryCount == 0 {
		return fmt.Errorf("decision.error 'retry' needs a decision.retryCount greater than 0")
	}

	if c.Transfer.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("transfer.fetchTimeoutSeconds must be greater than 0")
	}

	if _, err := pathcompression.ParseLevel(c.Archive.Level); err != nil {
		return fmt.Errorf("archive.level: %w", err)
	}
	if _, err := pathcompression.ParseOverwriteBehavior(c.Archive.Overwrite); err != nil {
		return fmt.Errorf("archive.overwrite: %w", err)
	}

	known := vfs.Extensions()
	for i, ext := range c.Retime.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if !slices.Contains(known, ext) {
			return fmt.Errorf("retime.extensions: %q cannot be mounted. Supported: %s", c.Retime.Extensions[i], strings.Join(known, ", "))
		}
		c.Retime.Extensions[i] = ext
	}
	return nil
}

// ConflictAction returns the parsed non-interactive conflict answer.
// It must only be called on a validated config.
func (c *Config) ConflictAction() decision.ConflictAction {
	a, _ := decision.ParseConflictAction(c.Decision.Conflict)
	return a
}

// ErrorAction returns the parsed non-interactive error answer.
// It must only be called on a validated config.
func (c *Config) ErrorAction() decision.ErrorAction {
	a, _ := decision.ParseErrorAction(c.Decision.Error)
	return a
}

// BufferSize returns the I/O buffer size in bytes.
func (c *Config) BufferSize() int64 {
	return int64(c.Engine.Performance.BufferSizeKB) * 1024
}

// ProgressInterval returns the interval of progress lines. Zero disables them.
func (c *Config) ProgressInterval() time.Duration {
	return time.Duration(c.Engine.Performance.ProgressIntervalSeconds) * time.Second
}

// FetchTimeout returns the timeout of a single shortcut download.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Transfer.FetchTimeoutSeconds) * time.Second
}

// LogSummary prints a user-friendly summary of the settings relevant to command.
func (c *Config) LogSummary(command flagparse.Command) {
	logArgs := []interface{}{
		"command", command,
		"log_level", c.LogLevel,
		"metrics", c.Engine.Metrics,
		"buffer_size_kb", c.Engine.Performance.BufferSizeKB,
	}
	if c.Runtime.Interactive {
		logArgs = append(logArgs, "decisions", "interactive")
	} else {
		logArgs = append(logArgs, "decisions", fmt.Sprintf("conflict:%s error:%s retries:%d",
			c.Decision.Conflict, c.Decision.Error, c.Decision.RetryCount))
	}
	if c.Engine.Metrics {
		logArgs = append(logArgs, "progress_interval", c.ProgressInterval())
	}

	switch command {
	case flagparse.Copy:
		if c.Transfer.FollowIndirection {
			logArgs = append(logArgs, "follow", fmt.Sprintf("enabled (t:%ds)", c.Transfer.FetchTimeoutSeconds))
		}
	case flagparse.Delete:
		logArgs = append(logArgs, "trash", c.Transfer.MoveToTrash)
	case flagparse.Pack, flagparse.Gzip:
		logArgs = append(logArgs, "level", c.Archive.Level)
	case flagparse.Unpack:
		logArgs = append(logArgs, "overwrite", c.Archive.Overwrite)
	case flagparse.Touch:
		logArgs = append(logArgs, "recursive", c.Retime.Recursive, "nested", c.Retime.Nested)
		if len(c.Retime.Extensions) > 0 {
			logArgs = append(logArgs, "extensions", strings.Join(c.Retime.Extensions, ", "))
		}
	case flagparse.Batch:
		logArgs = append(logArgs, "concurrency", c.Engine.Performance.Concurrency)
	}
	plog.Debug("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base
	// Slices are replaced, never appended to, but must not alias the base.
	merged.Retime.Extensions = slices.Clone(base.Retime.Extensions)

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "quiet":
			merged.Runtime.Quiet = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "interactive":
			merged.Runtime.Interactive = value.(bool)
		case "conflict":
			merged.Decision.Conflict = value.(string)
		case "on-error":
			merged.Decision.Error = value.(string)
		case "retry-count":
			merged.Decision.RetryCount = value.(int)
		case "buffer-size-kb":
			merged.Engine.Performance.BufferSizeKB = value.(int)
		case "concurrency":
			merged.Engine.Performance.Concurrency = value.(int)
		case "progress-interval":
			merged.Engine.Performance.ProgressIntervalSeconds = value.(int)
		case "follow":
			merged.Transfer.FollowIndirection = value.(bool)
		case "fetch-timeout":
			merged.Transfer.FetchTimeoutSeconds = value.(int)
		case "trash":
			merged.Transfer.MoveToTrash = value.(bool)
		case "level":
			merged.Archive.Level = value.(string)
		case "overwrite":
			merged.Archive.Overwrite = value.(string)
		case "recursive":
			merged.Retime.Recursive = value.(bool)
		case "nested":
			merged.Retime.Nested = value.(bool)
		case "extensions":
			merged.Retime.Extensions = slices.Clone(value.([]string))
		case "config-dir":
			// Only init writes to the directory; every other command has already loaded from it.
			if command == flagparse.Init {
				merged.Dir = value.(string)
			}
		case "sources", "target", "mtime", "file", "force", "default":
			// Per-run values, read by the command runners.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
