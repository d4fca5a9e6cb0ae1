// Package watch monitors an acquisition directory and enqueues a stitch
// job once a tile set is complete. Completeness means the directory holds
// a layout file whose referenced tiles all exist and nothing has changed
// for a quiet period, so half-written acquisitions are never stitched.
package watch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"volalign/internal/pipeline"
	"volalign/internal/stitch"
)

// Submitter accepts jobs for processing. *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options tune the completeness detection.
type Options struct {
	QuietPeriod time.Duration // silence required before a layout is considered settled
	Poll        time.Duration // rescan interval, also catches events fsnotify missed
	OutputDir   string        // stitch output, defaults to <dir>/stitched
	Logger      *slog.Logger
}

func (o *Options) normalize(dir string) {
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = 2 * time.Second
	}
	if o.Poll <= 0 {
		o.Poll = 500 * time.Millisecond
	}
	if o.OutputDir == "" {
		o.OutputDir = filepath.Join(dir, "stitched")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Watcher drives the acquisition directory monitor.
type Watcher struct {
	dir  string
	sub  Submitter
	opts Options

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu        sync.Mutex
	submitted map[string]string // layout path -> job id
}

// New prepares a watcher over dir. Start begins monitoring.
func New(dir string, sub Submitter, opts Options) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	opts.normalize(dir)
	return &Watcher{
		dir:       dir,
		sub:       sub,
		opts:      opts,
		fsw:       fsw,
		done:      make(chan struct{}),
		submitted: map[string]string{},
	}, nil
}

// Start registers the directory and launches the event loop.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.opts.Logger.Info("watching acquisition directory",
		"dir", w.dir, "quiet_period", w.opts.QuietPeriod.String())
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop ends monitoring and waits for the loop to exit.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}

// Submitted reports the job id enqueued for a layout path, if any.
func (w *Watcher) Submitted(layoutPath string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id, ok := w.submitted[layoutPath]
	return id, ok
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.Poll)
	defer ticker.Stop()

	lastChange := time.Now()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if relevant(ev.Name) {
				lastChange = time.Now()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.opts.Logger.Warn("watcher error", "error", err.Error())
		case <-ticker.C:
			if time.Since(lastChange) >= w.opts.QuietPeriod {
				w.scan()
			}
		case <-w.done:
			return
		}
	}
}

// relevant filters events down to files that belong to an acquisition.
func relevant(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml", ".tif", ".tiff", ".zarr", ".zmeta":
		return true
	}
	// Chunk files inside a store carry no extension; a write anywhere
	// under a .zarr directory counts.
	return strings.Contains(path, ".zarr"+string(filepath.Separator))
}

// scan enqueues a stitch job for every settled layout not yet submitted.
func (w *Watcher) scan() {
	layouts, err := filepath.Glob(filepath.Join(w.dir, "*.xml"))
	if err != nil {
		return
	}
	for _, layoutPath := range layouts {
		w.mu.Lock()
		_, done := w.submitted[layoutPath]
		w.mu.Unlock()
		if done {
			continue
		}
		if !w.complete(layoutPath) {
			continue
		}

		job := pipeline.Job{
			ID:        uuid.NewString(),
			Type:      pipeline.JobStitch,
			InputPath: layoutPath,
			Output:    w.opts.OutputDir,
		}
		if err := w.sub.Submit(job); err != nil {
			w.opts.Logger.Warn("stitch submit failed",
				"layout", layoutPath, "error", err.Error())
			continue
		}
		w.opts.Logger.Info("tile set complete, stitch queued",
			"layout", layoutPath, "job_id", job.ID)
		w.mu.Lock()
		w.submitted[layoutPath] = job.ID
		w.mu.Unlock()
	}
}

// complete reports whether every tile the layout references exists.
func (w *Watcher) complete(layoutPath string) bool {
	layout, err := stitch.LoadLayout(layoutPath)
	if err != nil {
		// A layout mid-write parses as malformed; the next scan retries.
		w.opts.Logger.Debug("layout not ready", "layout", layoutPath, "error", err.Error())
		return false
	}
	for _, tile := range layout.Tiles {
		if _, err := os.Stat(tile.Path); err != nil {
			return false
		}
	}
	return true
}
