package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel  *string
	Quiet     *bool
	Metrics   *bool
	ConfigDir *string

	// Shared: job commands
	Target           *string
	Conflict         *string
	OnError          *string
	RetryCount       *int
	Interactive      *bool
	BufferSizeKB     *int
	ProgressInterval *int

	// Copy specific
	Follow       *bool
	FetchTimeout *int

	// Delete specific
	Trash *bool

	// Archive commands
	Level     *string
	Overwrite *string

	// Retime / Touch
	MTime      *string
	Recursive  *bool
	Nested     *bool
	Extensions *string

	// Batch specific
	File        *string
	Concurrency *int

	// Init specific
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Quiet = fs.Bool("quiet", false, "Suppress informational output.")
	f.Metrics = fs.Bool("metrics", false, "Log progress and archive statistics while jobs run.")
	f.ConfigDir = fs.String("config-dir", "", "Directory holding the configuration file. Defaults to the XDG config home.")
}

func registerDecisionFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Conflict = fs.String("conflict", "", "Answer for existing destinations: 'replace', 'replace-all', 'skip', 'skip-all', 'rename', 'cancel'.")
	f.OnError = fs.String("on-error", "", "Answer for failed items: 'retry', 'skip', 'skip-all', 'cancel'.")
	f.RetryCount = fs.Int("retry-count", 0, "Number of retries before a failed item is treated as 'skip'.")
	f.Interactive = fs.Bool("interactive", false, "Ask on the terminal instead of applying -conflict and -on-error.")
	f.ProgressInterval = fs.Int("progress-interval", 0, "Seconds between progress lines when -metrics is set (0=off).")
}

func registerCopyFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Destination directory. (Required)")
	f.Follow = fs.Bool("follow", false, "Download the targets of internet shortcut (.url) files instead of copying them.")
	f.FetchTimeout = fs.Int("fetch-timeout", 0, "Timeout in seconds for downloading a shortcut target.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
}

func registerMoveFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Destination directory. (Required)")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
}

func registerDeleteFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Trash = fs.Bool("trash", false, "Move to the trash instead of deleting permanently.")
}

func registerPackFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Path of the zip archive. Defaults to '<first source>.zip'.")
	f.Level = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
}

func registerUnpackFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Directory to extract into. Defaults to a directory named after the archive.")
	f.Overwrite = fs.String("overwrite", "", "Overwrite behavior: 'always', 'never', 'if-newer', 'update'.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
}

func registerGzipFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Output directory. Defaults to the directory of each source.")
	f.Level = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
}

func registerGunzipFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Target = fs.String("target", "", "Output directory. Defaults to the directory of each source.")
}

func registerRetimeFlags(fs *flag.FlagSet, f *cliFlags) {
	f.MTime = fs.String("mtime", "now", "Modification time to apply: 'now', RFC 3339 or 'YYYY-MM-DD hh:mm:ss' (local time).")
}

func registerTouchFlags(fs *flag.FlagSet, f *cliFlags) {
	registerRetimeFlags(fs, f)
	registerNestingFlags(fs, f)
}

func registerNestingFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Recursive = fs.Bool("recursive", true, "Descend into directories.")
	f.Nested = fs.Bool("nested", false, "Also stamp the entries of archives found while descending.")
	f.Extensions = fs.String("extensions", "", "Comma-separated list of archive extensions to descend into (e.g. '.zip,.tar.gz').")
}

func registerBatchFlags(fs *flag.FlagSet, f *cliFlags) {
	f.File = fs.String("file", "", "JSON file listing the jobs to run. (Required)")
	f.Concurrency = fs.Int("concurrency", 0, "Number of jobs running at the same time.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init accepts every persistent setting plus 'force' and 'default'.
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
	f.Conflict = fs.String("conflict", "", "Answer for existing destinations: 'replace', 'replace-all', 'skip', 'skip-all', 'rename', 'cancel'.")
	f.OnError = fs.String("on-error", "", "Answer for failed items: 'retry', 'skip', 'skip-all', 'cancel'.")
	f.RetryCount = fs.Int("retry-count", 0, "Number of retries before a failed item is treated as 'skip'.")
	f.ProgressInterval = fs.Int("progress-interval", 0, "Seconds between progress lines when metrics are enabled (0=off).")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
	f.Concurrency = fs.Int("concurrency", 0, "Number of batch jobs running at the same time.")
	f.Follow = fs.Bool("follow", false, "Download the targets of internet shortcut (.url) files instead of copying them.")
	f.FetchTimeout = fs.Int("fetch-timeout", 0, "Timeout in seconds for downloading a shortcut target.")
	f.Trash = fs.Bool("trash", false, "Move to the trash instead of deleting permanently.")
	f.Level = fs.String("level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.Overwrite = fs.String("overwrite", "", "Overwrite behavior when unpacking: 'always', 'never', 'if-newer', 'update'.")
	registerNestingFlags(fs, f)
}

type commandSpec struct {
	desc     string
	register []func(*flag.FlagSet, *cliFlags)
}

var commandSpecs = map[Command]commandSpec{
	Copy:   {"Copy files and directories into a destination directory.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerCopyFlags}},
	Move:   {"Move files and directories into a destination directory.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerMoveFlags}},
	Delete: {"Delete files and directories.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerDeleteFlags}},
	Pack:   {"Pack files and directories into a zip archive.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerPackFlags}},
	Unpack: {"Extract zip, tar, tar.gz and tar.zst archives.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerUnpackFlags}},
	Gzip:   {"Compress single files with gzip.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerGzipFlags}},
	Gunzip: {"Decompress gzip files.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerGunzipFlags}},
	Retime: {"Rewrite the entry times of tar files in place.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerRetimeFlags}},
	Touch:  {"Set the modification time of files, directories and archive contents.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerTouchFlags}},
	Batch:  {"Run the jobs listed in a JSON file.", []func(*flag.FlagSet, *cliFlags){registerDecisionFlags, registerBatchFlags}},
	Init:   {"Write the configuration file.", []func(*flag.FlagSet, *cliFlags){registerInitFlags}},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and config map.
// Positional arguments of job commands are returned under the "sources" key.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// Handle top-level help
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	spec, ok := commandSpecs[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	for _, register := range spec.register {
		register(fs, f)
	}

	// Custom usage for the subcommand
	fs.Usage = func() {
		printSubcommandUsage(command, spec.desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}

	flagMap, err := flagsToMap(fs, f)
	if err != nil {
		return command, nil, err
	}
	if command.IsJob() && fs.NArg() > 0 {
		flagMap["sources"] = fs.Args()
	}
	return command, flagMap, nil
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "config-dir", f.ConfigDir)

	addIfUsed(flagMap, usedFlags, "target", f.Target)
	addIfUsed(flagMap, usedFlags, "conflict", f.Conflict)
	addIfUsed(flagMap, usedFlags, "on-error", f.OnError)
	addIfUsed(flagMap, usedFlags, "retry-count", f.RetryCount)
	addIfUsed(flagMap, usedFlags, "interactive", f.Interactive)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "progress-interval", f.ProgressInterval)

	addIfUsed(flagMap, usedFlags, "follow", f.Follow)
	addIfUsed(flagMap, usedFlags, "fetch-timeout", f.FetchTimeout)
	addIfUsed(flagMap, usedFlags, "trash", f.Trash)
	addIfUsed(flagMap, usedFlags, "level", f.Level)
	addIfUsed(flagMap, usedFlags, "overwrite", f.Overwrite)

	addIfUsed(flagMap, usedFlags, "recursive", f.Recursive)
	addIfUsed(flagMap, usedFlags, "nested", f.Nested)

	addIfUsed(flagMap, usedFlags, "file", f.File)
	addIfUsed(flagMap, usedFlags, "concurrency", f.Concurrency)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "extensions", f.Extensions, ParseList)

	// The mtime always has a value for the commands that register it.
	if f.MTime != nil {
		mtime, err := ParseTime(*f.MTime, time.Now())
		if err != nil {
			return nil, err
		}
		flagMap["mtime"] = mtime
	}
	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// timeLayouts are tried in order after "now".
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses a user supplied timestamp. Layouts without a zone are
// read as local time. Times before 1970 are rejected, tar headers cannot
// carry them.
func ParseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "now") {
		return now, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			if t.Unix() < 0 {
				return time.Time{}, fmt.Errorf("invalid time %q: must not be before 1970-01-01", s)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use 'now', RFC 3339 or 'YYYY-MM-DD hh:mm:ss'", s)
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "File tree transfer and archive tool.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags] [paths...]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  copy        Copy files and directories\n")
	fmt.Fprintf(fs.Output(), "  move        Move files and directories\n")
	fmt.Fprintf(fs.Output(), "  delete      Delete files and directories\n")
	fmt.Fprintf(fs.Output(), "  pack        Pack into a zip archive\n")
	fmt.Fprintf(fs.Output(), "  unpack      Extract zip and tar archives\n")
	fmt.Fprintf(fs.Output(), "  gzip        Compress single files\n")
	fmt.Fprintf(fs.Output(), "  gunzip      Decompress gzip files\n")
	fmt.Fprintf(fs.Output(), "  retime      Rewrite entry times of tar files in place\n")
	fmt.Fprintf(fs.Output(), "  touch       Set modification times, including archive contents\n")
	fmt.Fprintf(fs.Output(), "  batch       Run jobs from a JSON file\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize the configuration\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "File tree transfer and archive tool.\n\n")
	if command.IsJob() {
		fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags] <paths...>\n\n", command, execName, command)
	} else {
		fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	}
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseList parses a comma-separated list of names or patterns. Single (') and
// double (") quotes group items that contain commas or spaces and are removed.
// Backslashes are literal characters for Windows path compatibility.
func ParseList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 {
				quoteChar = r
			} else if quoteChar == r {
				quoteChar = 0
			} else {
				// A different quote inside a quoted section is literal.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
