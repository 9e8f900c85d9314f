package transfer

import (
	"context"
	"errors"
	"os"

	"github.com/paulschiretz/pgl-transfer/pkg/plog"
)

// Trash moves paths to a recycle bin.
type Trash interface {
	Trash(path string) error
}

// Dispose sends every source of a delete request to the trash. It does not
// use a Worker, there is no traversal and nothing to decide: a source that
// cannot be trashed is counted as a failure, a missing one is ignored.
func Dispose(ctx context.Context, trash Trash, req Request) Result {
	res := Result{Kind: KindDelete, Changes: newChangeSet()}
	if err := req.Validate(); err != nil {
		res.Err = err
		return res
	}
	for _, src := range req.Sources {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res
		}
		if err := trash.Trash(src); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			plog.Warn("Failed to move to trash", "path", src, "error", err)
			res.Failures++
			continue
		}
		plog.Notice("TRASH", "path", src)
		res.Successes++
		res.Changes.Removed[src] = struct{}{}
	}
	return res
}
