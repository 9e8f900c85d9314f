package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-transfer/pkg/config"
	"github.com/paulschiretz/pgl-transfer/pkg/flagparse"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompression"
	"github.com/paulschiretz/pgl-transfer/pkg/pathcompressionmetrics"
	"github.com/paulschiretz/pgl-transfer/pkg/pool"
	"github.com/paulschiretz/pgl-transfer/pkg/preflight"
	"github.com/paulschiretz/pgl-transfer/pkg/retime"
	"github.com/paulschiretz/pgl-transfer/pkg/transfer"
	"github.com/paulschiretz/pgl-transfer/pkg/trash"
	"github.com/paulschiretz/pgl-transfer/pkg/util"
)

// jobKinds maps the job commands to the kind of transfer they run.
var jobKinds = map[flagparse.Command]transfer.Kind{
	flagparse.Copy:   transfer.KindCopy,
	flagparse.Move:   transfer.KindMove,
	flagparse.Delete: transfer.KindDelete,
	flagparse.Pack:   transfer.KindPack,
	flagparse.Unpack: transfer.KindUnpack,
	flagparse.Gzip:   transfer.KindCompress,
	flagparse.Gunzip: transfer.KindDecompress,
	flagparse.Retime: transfer.KindRetime,
	flagparse.Touch:  transfer.KindRetime,
}

// jobSpec is one job as asked for on the command line or in a batch file.
type jobSpec struct {
	command     flagparse.Command
	sources     []string
	destination string
	mtime       time.Time
}

// jobFactory turns job specs into workers' requests and jobs. One factory
// serves a whole run so that the buffer pool and archive metrics are shared.
type jobFactory struct {
	cfg            config.Config
	bufPool        *pool.FixedBufferPool
	archiveMetrics pathcompression.Metrics
	archiveJobs    bool
	trash          transfer.Trash
	fetcher        transfer.Fetcher
}

func newJobFactory(cfg config.Config) *jobFactory {
	f := &jobFactory{
		cfg:            cfg,
		bufPool:        pool.NewFixedBuffer(cfg.BufferSize()),
		archiveMetrics: &pathcompressionmetrics.NoopMetrics{},
		trash:          trash.NewXDG(),
		fetcher:        transfer.NewHTTPFetcher(cfg.FetchTimeout()),
	}
	if cfg.Engine.Metrics {
		f.archiveMetrics = &pathcompressionmetrics.CompressionMetrics{}
	}
	return f
}

// build validates a job spec and returns the request and job to run.
func (f *jobFactory) build(spec jobSpec) (transfer.Request, transfer.Job, error) {
	kind, ok := jobKinds[spec.command]
	if !ok {
		return transfer.Request{}, nil, fmt.Errorf("%s is not a job command", spec.command)
	}
	if len(spec.sources) == 0 {
		return transfer.Request{}, nil, fmt.Errorf("the %s command requires at least one source path", spec.command)
	}

	req := transfer.Request{
		Kind:              kind,
		FollowIndirection: f.cfg.Transfer.FollowIndirection,
		MoveToTrash:       f.cfg.Transfer.MoveToTrash,
	}
	for _, src := range spec.sources {
		abs, err := util.AbsPath(src)
		if err != nil {
			return transfer.Request{}, nil, err
		}
		req.Sources = append(req.Sources, abs)
	}
	if spec.destination != "" {
		abs, err := util.AbsPath(spec.destination)
		if err != nil {
			return transfer.Request{}, nil, err
		}
		req.Destination = abs
	}
	if err := req.Validate(); err != nil {
		return transfer.Request{}, nil, err
	}
	if err := preflight.CheckRequest(req); err != nil {
		return transfer.Request{}, nil, err
	}

	level := pathcompression.Level(f.cfg.Archive.Level)
	switch spec.command {
	case flagparse.Copy:
		return req, &transfer.CopyJob{Fetcher: f.fetcher, BufferPool: f.bufPool}, nil
	case flagparse.Move:
		return req, &transfer.MoveJob{BufferPool: f.bufPool}, nil
	case flagparse.Delete:
		if req.MoveToTrash {
			return req, trashJob(f.trash), nil
		}
		return req, &transfer.DeleteJob{}, nil
	case flagparse.Pack:
		f.archiveJobs = true
		return req, &pathcompression.PackJob{Packer: &pathcompression.Packer{
			BufferPool: f.bufPool,
			Metrics:    f.archiveMetrics,
			Level:      level,
		}}, nil
	case flagparse.Unpack:
		f.archiveJobs = true
		return req, &pathcompression.UnpackJob{
			Unpacker: &pathcompression.Unpacker{
				BufferPool: f.bufPool,
				Metrics:    f.archiveMetrics,
				Overwrite:  pathcompression.OverwriteBehavior(f.cfg.Archive.Overwrite),
			},
			Codec: f.codec(level),
		}, nil
	case flagparse.Gzip:
		f.archiveJobs = true
		return req, &pathcompression.CompressJob{Codec: f.codec(level)}, nil
	case flagparse.Gunzip:
		f.archiveJobs = true
		return req, &pathcompression.DecompressJob{Codec: f.codec(level)}, nil
	case flagparse.Retime:
		return req, &retime.TarRetimeJob{MTime: spec.mtime}, nil
	default: // flagparse.Touch
		return req, &retime.TouchJob{
			Propagator: retime.Propagator{
				Recursive:  f.cfg.Retime.Recursive,
				Nested:     f.cfg.Retime.Nested,
				Extensions: f.cfg.Retime.Extensions,
			},
			MTime: spec.mtime,
		}, nil
	}
}

func (f *jobFactory) codec(level pathcompression.Level) *pathcompression.Codec {
	return &pathcompression.Codec{BufferPool: f.bufPool, Metrics: f.archiveMetrics, Level: level}
}

// logArchiveSummary logs the archive statistics if an archive job was built.
func (f *jobFactory) logArchiveSummary() {
	if f.archiveJobs {
		f.archiveMetrics.LogSummary("Archive summary")
	}
}

// trashJob runs a trash disposal inside a worker so that it is registered,
// cancellable and reported like every other job.
func trashJob(t transfer.Trash) transfer.Job {
	return transfer.JobFunc(func(w *transfer.Worker) error {
		res := transfer.Dispose(w.Context(), t, w.Request())
		w.AddSuccess(res.Successes)
		w.AddFailure(res.Failures)
		for _, p := range res.Changes.RemovedPaths() {
			w.AddRemoved(p)
		}
		if res.Cancelled {
			return context.Canceled
		}
		return res.Err
	})
}
