// Package decision defines the request/response contract between a running
// job and whoever answers its questions: what to do when a destination
// already exists, and what to do when an item fails.
//
// A job only ever sees the Resolver interface. Interactive front-ends wrap
// their resolver in a Rendezvous so that every question is answered on the
// caller's goroutine (the one running the Loop) while the job goroutine blocks.
package decision

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// Op identifies the job asking the question.
type Op int

const (
	OpCopy Op = iota
	OpMove
	OpDelete
	OpUnpack
	OpPack
)

var opToString = map[Op]string{
	OpCopy:   "copy",
	OpMove:   "move",
	OpDelete: "delete",
	OpUnpack: "unpack",
	OpPack:   "pack",
}

func (o Op) String() string {
	if s, ok := opToString[o]; ok {
		return s
	}
	return fmt.Sprintf("unknown_op(%d)", int(o))
}

// ConflictAction is the answer to an existing destination.
type ConflictAction int

const (
	Replace ConflictAction = iota
	ReplaceAll
	Skip
	SkipAll
	Rename
	Cancel
)

var conflictActionToString = map[ConflictAction]string{
	Replace:    "replace",
	ReplaceAll: "replace-all",
	Skip:       "skip",
	SkipAll:    "skip-all",
	Rename:     "rename",
	Cancel:     "cancel",
}

var stringToConflictAction map[string]ConflictAction

func init() {
	stringToConflictAction = util.InvertMap(conflictActionToString)
	stringToErrorAction = util.InvertMap(errorActionToString)
}

func (a ConflictAction) String() string {
	if s, ok := conflictActionToString[a]; ok {
		return s
	}
	return fmt.Sprintf("unknown_conflict_action(%d)", int(a))
}

// ParseConflictAction parses the names used in config files and prompts.
func ParseConflictAction(s string) (ConflictAction, error) {
	if a, ok := stringToConflictAction[s]; ok {
		return a, nil
	}
	return Cancel, fmt.Errorf("invalid conflict action: %q. Must be 'replace', 'replace-all', 'skip', 'skip-all', 'rename' or 'cancel'", s)
}

// Conflict is a ConflictAction plus, for Rename, the proposed new path.
// NewPath may be a bare name, in which case it is taken relative to the destination's directory.
type Conflict struct {
	Action  ConflictAction
	NewPath string
}

// ApplyToAll reports whether the answer should be remembered for the rest of the job.
func (c Conflict) ApplyToAll() bool {
	return c.Action == ReplaceAll || c.Action == SkipAll
}

// ConflictRequest describes an existing destination.
type ConflictRequest struct {
	Source      string
	Destination string
	Op          Op
	// IsDir is set when a directory is about to be merged into an existing one.
	IsDir bool
}

// ErrorAction is the answer to a failed item.
type ErrorAction int

const (
	Retry ErrorAction = iota
	SkipItem
	SkipAllItems
	Abort
)

var errorActionToString = map[ErrorAction]string{
	Retry:        "retry",
	SkipItem:     "skip",
	SkipAllItems: "skip-all",
	Abort:        "cancel",
}

var stringToErrorAction map[string]ErrorAction

func (a ErrorAction) String() string {
	if s, ok := errorActionToString[a]; ok {
		return s
	}
	return fmt.Sprintf("unknown_error_action(%d)", int(a))
}

// ParseErrorAction parses the names used in config files and prompts.
func ParseErrorAction(s string) (ErrorAction, error) {
	if a, ok := stringToErrorAction[s]; ok {
		return a, nil
	}
	return Abort, fmt.Errorf("invalid error action: %q. Must be 'retry', 'skip', 'skip-all' or 'cancel'", s)
}

// ErrorRequest describes a failed item.
type ErrorRequest struct {
	Path         string
	Err          error
	RetryAllowed bool
}

// Resolver answers the questions a job asks. Implementations may block.
// A Resolver must answer Cancel / Abort when ctx is done.
type Resolver interface {
	ResolveConflict(ctx context.Context, req ConflictRequest) Conflict
	ResolveError(ctx context.Context, req ErrorRequest) ErrorAction
}
