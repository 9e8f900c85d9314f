// Package transfer runs copy, move and delete jobs over file trees.
//
// Every job runs on exactly one background goroutine owned by a Worker. The
// worker walks the sources with treewalk, asks its decision.Resolver whenever
// a destination already exists or an item fails, and reports a single Result
// to the caller when it is done. Progress is sampled, not pushed: callers poll
// Worker.Progress at whatever rate suits them.
package transfer

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/paulschiretz/pgl-transfer/pkg/decision"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// Kind is the operation a job performs.
type Kind int

const (
	KindCopy Kind = iota
	KindMove
	KindDelete
	KindPack
	KindUnpack
	KindCompress
	KindDecompress
	KindRetime
)

var kindToString = map[Kind]string{
	KindCopy:       "copy",
	KindMove:       "move",
	KindDelete:     "delete",
	KindPack:       "pack",
	KindUnpack:     "unpack",
	KindCompress:   "gzip",
	KindDecompress: "gunzip",
	KindRetime:     "retime",
}

func (k Kind) String() string {
	if s, ok := kindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_kind(%d)", int(k))
}

// Op maps the job kind onto the operation reported in decision requests.
func (k Kind) Op() decision.Op {
	switch k {
	case KindMove:
		return decision.OpMove
	case KindDelete:
		return decision.OpDelete
	case KindPack, KindCompress:
		return decision.OpPack
	case KindUnpack, KindDecompress:
		return decision.OpUnpack
	default:
		return decision.OpCopy
	}
}

// Request describes one job.
type Request struct {
	Kind Kind
	// Sources are processed in order.
	Sources []string
	// Destination is the directory that receives the sources (copy, move) or
	// the output path (pack, unpack). Unused for delete.
	Destination string
	// FollowIndirection fetches the remote content of internet shortcut files
	// instead of copying the shortcut itself.
	FollowIndirection bool
	// MoveToTrash sends delete sources to the trash instead of removing them.
	MoveToTrash bool
}

var (
	// ErrDestinationInsideSource is returned before any mutation when a source
	// would be copied or moved onto itself or into its own subtree.
	ErrDestinationInsideSource = errors.New("destination is the same as or inside the source")
	// ErrSkipped marks an item the error policy decided to skip.
	ErrSkipped = errors.New("item skipped")
	// ErrAlreadyStarted is returned by Start on a worker that is not in the Created state.
	ErrAlreadyStarted = errors.New("worker already started")
	// ErrNoSources is returned for a request without sources.
	ErrNoSources = errors.New("no source paths given")
)

// Validate checks the request before any mutation happens.
func (r Request) Validate() error {
	if len(r.Sources) == 0 {
		return ErrNoSources
	}
	if r.Kind != KindCopy && r.Kind != KindMove {
		return nil
	}
	if r.Destination == "" {
		return fmt.Errorf("%s requires a destination", r.Kind)
	}
	dst := filepath.Clean(r.Destination)
	for _, src := range r.Sources {
		if util.IsSameOrAncestor(filepath.Clean(src), dst) {
			return fmt.Errorf("cannot %s %s to %s: %w", r.Kind, src, r.Destination, ErrDestinationInsideSource)
		}
	}
	return nil
}

// ChangeSet holds the paths a job created and removed.
type ChangeSet struct {
	Created map[string]struct{}
	Removed map[string]struct{}
}

func newChangeSet() ChangeSet {
	return ChangeSet{
		Created: make(map[string]struct{}),
		Removed: make(map[string]struct{}),
	}
}

// CreatedPaths returns the created paths in sorted order.
func (c ChangeSet) CreatedPaths() []string { return sortedKeys(c.Created) }

// RemovedPaths returns the removed paths in sorted order.
func (c ChangeSet) RemovedPaths() []string { return sortedKeys(c.Removed) }

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Outcome is the one-word summary of a finished job.
type Outcome int

const (
	Succeeded Outcome = iota
	PartiallyFailed
	Cancelled
	Failed
)

var outcomeToString = map[Outcome]string{
	Succeeded:       "succeeded",
	PartiallyFailed: "partially_failed",
	Cancelled:       "cancelled",
	Failed:          "failed",
}

func (o Outcome) String() string {
	if s, ok := outcomeToString[o]; ok {
		return s
	}
	return fmt.Sprintf("unknown_outcome(%d)", int(o))
}

// Result is delivered once when a job finishes.
type Result struct {
	Kind      Kind
	Successes int64
	Failures  int64
	Cancelled bool
	// Incomplete is set when items were deliberately left out, e.g. symlinks
	// that cannot be stored in a zip archive.
	Incomplete bool
	// Err is the fatal error that ended the job, if any.
	Err     error
	Changes ChangeSet
}

// Outcome classifies the result. Cancellation wins over everything else.
func (r Result) Outcome() Outcome {
	switch {
	case r.Cancelled:
		return Cancelled
	case r.Err != nil:
		return Failed
	case r.Failures > 0 || r.Incomplete:
		return PartiallyFailed
	default:
		return Succeeded
	}
}
