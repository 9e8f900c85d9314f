package pathcompression

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-transfer/pkg/decision"
	"github.com/paulschiretz/pgl-transfer/pkg/plog"
	"github.com/paulschiretz/pgl-transfer/pkg/transfer"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// workerAttempt routes entry failures through the error protocol of w.
// Entries of a stream cannot be read twice, so retry is never offered.
func workerAttempt(w *transfer.Worker) AttemptFunc {
	return func(name string, op func() error) error {
		w.SetCurrent(name)
		return w.Attempt(name, false, op)
	}
}

// resolveOutput asks about an output path that already exists. It returns
// the path to write to, or ok=false when the item is to be skipped.
func resolveOutput(w *transfer.Worker, src, dst string) (path string, ok bool, err error) {
	if _, err := os.Lstat(dst); os.IsNotExist(err) {
		return dst, true, nil
	}
	c := w.ResolveConflict(decision.ConflictRequest{Source: src, Destination: dst})
	switch c.Action {
	case decision.Replace, decision.ReplaceAll:
		return dst, true, nil
	case decision.Rename:
		renamed, err := decision.ValidateRename(dst, c.NewPath)
		if err != nil {
			plog.Warn("Rejected rename, using a free name", "path", dst, "proposed", c.NewPath, "error", err)
			renamed = decision.SuggestName(dst)
		}
		return renamed, true, nil
	case decision.Cancel:
		return "", false, context.Canceled
	default:
		return "", false, nil
	}
}

// outputPath places name in the request destination, or next to src when
// there is none.
func outputPath(dest, src, name string) string {
	if dest == "" {
		return filepath.Join(filepath.Dir(src), name)
	}
	return filepath.Join(dest, name)
}

// PackJob packs all request sources into one zip archive at the request
// destination, or next to the first source when none is given.
type PackJob struct {
	Packer *Packer
}

func (j *PackJob) Run(w *transfer.Worker) error {
	req := w.Request()
	dst := req.Destination
	if dst == "" {
		stem, _ := util.SplitExt(filepath.Base(req.Sources[0]))
		dst = filepath.Join(filepath.Dir(req.Sources[0]), stem+".zip")
	}
	dst, ok, err := resolveOutput(w, req.Sources[0], dst)
	if err != nil || !ok {
		return err
	}

	p := &Packer{
		BufferPool: j.Packer.BufferPool,
		Metrics:    j.Packer.Metrics,
		Level:      j.Packer.Level,
		Attempt:    workerAttempt(w),
	}
	stats, err := p.Pack(w.Context(), req.Sources, dst)
	if stats.Incomplete {
		w.MarkIncomplete()
	}
	for _, warn := range stats.Warnings {
		plog.Warn("Archive holds a damaged entry", "archive", dst, "warning", warn)
	}
	if err != nil {
		return err
	}
	w.AddCreated(dst)
	return nil
}

// UnpackJob extracts every request source. Archives go below the request
// destination, or into a directory named after the archive next to it.
// Plain gzip files are decompressed instead.
type UnpackJob struct {
	Unpacker *Unpacker
	Codec    *Codec
}

func (j *UnpackJob) Run(w *transfer.Worker) error {
	req := w.Request()
	for _, src := range req.Sources {
		if w.Cancelled() {
			return context.Canceled
		}
		format, detectErr := DetectFormat(src)
		if detectErr != nil {
			if err := w.Attempt(src, false, func() error { return detectErr }); errors.Is(err, context.Canceled) {
				return err
			}
			continue
		}
		if format == Gzip {
			if err := decompressOne(w, j.Codec, src); err != nil {
				return err
			}
			continue
		}

		root := req.Destination
		if root == "" {
			stem, _ := util.SplitExt(filepath.Base(src))
			root = filepath.Join(filepath.Dir(src), stem)
		}
		_, statErr := os.Stat(root)
		existed := statErr == nil

		u := *j.Unpacker
		u.Attempt = workerAttempt(w)
		_, err := u.UnpackFormat(w.Context(), format, src, root)
		if !existed {
			if _, err := os.Stat(root); err == nil {
				w.AddCreated(root)
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// A damaged stream ends this archive only.
			plog.Error("Unpacking stopped", "archive", src, "error", err)
			w.AddFailure(1)
		}
	}
	return nil
}

// CompressJob gzips every request source into "<source>.gz".
type CompressJob struct {
	Codec *Codec
}

func (j *CompressJob) Run(w *transfer.Worker) error {
	req := w.Request()
	for _, src := range req.Sources {
		if w.Cancelled() {
			return context.Canceled
		}
		dst, ok, err := resolveOutput(w, src, outputPath(req.Destination, src, filepath.Base(CompressedName(src))))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		w.SetCurrent(src)
		err = w.Attempt(src, true, func() error { return j.Codec.Compress(w.Context(), src, dst) })
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err == nil {
			w.AddCreated(dst)
		}
	}
	return nil
}

// DecompressJob gunzips every request source.
type DecompressJob struct {
	Codec *Codec
}

func (j *DecompressJob) Run(w *transfer.Worker) error {
	for _, src := range w.Request().Sources {
		if w.Cancelled() {
			return context.Canceled
		}
		if err := decompressOne(w, j.Codec, src); err != nil {
			return err
		}
	}
	return nil
}

// decompressOne gunzips src and returns only cancellation.
func decompressOne(w *transfer.Worker, codec *Codec, src string) error {
	dest := w.Request().Destination
	dst, ok, err := resolveOutput(w, src, outputPath(dest, src, filepath.Base(DecompressedName(src))))
	if err != nil || !ok {
		return err
	}
	w.SetCurrent(src)
	err = w.Attempt(src, true, func() error { return codec.Decompress(w.Context(), src, dst) })
	if errors.Is(err, context.Canceled) {
		return err
	}
	if err == nil {
		w.AddCreated(dst)
	}
	return nil
}
