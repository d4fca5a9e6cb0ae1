// Package cli wires the command tree to the job pipeline. Commands build
// jobs, enqueue them, and block until their result comes back on the
// subscription channel.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"volalign/internal/config"
	"volalign/internal/pipeline"
	"volalign/internal/storage"
	"volalign/internal/volume"
	"volalign/internal/watch"
	"volalign/internal/web"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serveFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watchFunc func(ctx context.Context, dir string, sub watch.Submitter, opts watch.Options) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline unavailable for server startup")
	}
	return web.NewServer(addr, log, store, real).Start(ctx)
}

func defaultWatch(ctx context.Context, dir string, sub watch.Submitter, opts watch.Options) error {
	w, err := watch.New(dir, sub, opts)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serveFunc
	watchFn  watchFunc
}

// NewRoot constructs the shared command state.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		watchFn:  defaultWatch,
	}
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				if res.Error != nil {
					return res.Error
				}
				for key, value := range res.Meta {
					r.log.Info("job output", "id", job.ID, key, value)
				}
				return nil
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := r.pipeline.Submit(job); err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// ensureZarr accepts either a chunked store or a TIFF stack; a TIFF is
// converted into workDir first so downstream stages only see stores.
func (r *Root) ensureZarr(ctx context.Context, path string, spacing [3]float64, chunks [3]int, workDir, tag string) (string, error) {
	if strings.HasSuffix(path, ".zarr") {
		return path, nil
	}
	converted := filepath.Join(workDir, tag+".zarr")
	r.log.Info("converting input to chunked store", "input", path, "output", converted)
	if err := volume.ConvertTIFFToZarr(path, converted, chunks, spacing); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return converted, nil
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
