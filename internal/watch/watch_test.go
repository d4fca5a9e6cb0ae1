package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"volalign/internal/pipeline"
)

type captureSubmitter struct {
	jobs chan pipeline.Job
}

func (c *captureSubmitter) Submit(job pipeline.Job) error {
	c.jobs <- job
	return nil
}

func layoutXML(tiles ...string) string {
	doc := `<TileLayout><VoxelSize z="1.0" y="0.5" x="0.5"/>`
	for i, name := range tiles {
		doc += fmt.Sprintf(
			`<Tile name="t%d" path="%s" channel="ch0"><Offset z="0" y="0" x="%d"/></Tile>`,
			i, name, i*100)
	}
	return doc + `</TileLayout>`
}

func startWatcher(t *testing.T, dir string) (*Watcher, *captureSubmitter) {
	t.Helper()
	sub := &captureSubmitter{jobs: make(chan pipeline.Job, 4)}
	w, err := New(dir, sub, Options{
		QuietPeriod: 50 * time.Millisecond,
		Poll:        20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w, sub
}

func TestWatcherEnqueuesWhenTileSetComplete(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.tiff", "b.tiff"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write tile: %v", err)
		}
	}
	layoutPath := filepath.Join(dir, "layout.xml")
	if err := os.WriteFile(layoutPath, []byte(layoutXML("a.tiff", "b.tiff")), 0o644); err != nil {
		t.Fatalf("write layout: %v", err)
	}

	w, sub := startWatcher(t, dir)

	select {
	case job := <-sub.jobs:
		if job.Type != pipeline.JobStitch {
			t.Fatalf("expected stitch job, got %s", job.Type)
		}
		if job.InputPath != layoutPath {
			t.Fatalf("job input %q, want %q", job.InputPath, layoutPath)
		}
		if job.Output != filepath.Join(dir, "stitched") {
			t.Fatalf("job output %q", job.Output)
		}
		if id, ok := w.Submitted(layoutPath); !ok || id != job.ID {
			t.Fatalf("submission not recorded: %q %v", id, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stitch job never enqueued")
	}

	// The same layout must not be enqueued twice.
	select {
	case job := <-sub.jobs:
		t.Fatalf("duplicate submission: %+v", job)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherWaitsForMissingTiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.tiff"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write tile: %v", err)
	}
	layoutPath := filepath.Join(dir, "layout.xml")
	if err := os.WriteFile(layoutPath, []byte(layoutXML("a.tiff", "b.tiff")), 0o644); err != nil {
		t.Fatalf("write layout: %v", err)
	}

	_, sub := startWatcher(t, dir)

	select {
	case job := <-sub.jobs:
		t.Fatalf("incomplete tile set was enqueued: %+v", job)
	case <-time.After(300 * time.Millisecond):
	}

	// The arrival of the last tile completes the set.
	if err := os.WriteFile(filepath.Join(dir, "b.tiff"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write tile: %v", err)
	}
	select {
	case job := <-sub.jobs:
		if job.InputPath != layoutPath {
			t.Fatalf("job input %q", job.InputPath)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("stitch job never enqueued after final tile")
	}
}

func TestWatcherIgnoresMalformedLayout(t *testing.T) {
	dir := t.TempDir()
	layoutPath := filepath.Join(dir, "layout.xml")
	if err := os.WriteFile(layoutPath, []byte("<TileLayout><VoxelSize"), 0o644); err != nil {
		t.Fatalf("write layout: %v", err)
	}

	_, sub := startWatcher(t, dir)

	select {
	case job := <-sub.jobs:
		t.Fatalf("malformed layout was enqueued: %+v", job)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherRejectsMissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope"), &captureSubmitter{}, Options{}); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}

func TestRelevant(t *testing.T) {
	cases := map[string]bool{
		"/acq/layout.xml":      true,
		"/acq/tile.tiff":       true,
		"/acq/vol.zarr/0.0.0":  true,
		"/acq/vol.zarr/.zmeta": true,
		"/acq/notes.txt":       false,
		"/acq/.layout.xml.swp": false,
		"/acq/archive.tar.gz":  false,
	}
	for path, want := range cases {
		if got := relevant(path); got != want {
			t.Fatalf("relevant(%q) = %v, want %v", path, got, want)
		}
	}
}
