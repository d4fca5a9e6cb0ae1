package storage

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	rec := RunRecord{
		ID:          "run-1",
		Kind:        "deform",
		Status:      "queued",
		Fingerprint: "fp-abc",
		FixPath:     "/data/fix.zarr",
		MovePath:    "/data/move.zarr",
		OutputPath:  "/out/field.zarr",
	}
	if err := s.RecordRunQueued(rec); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordRunStart("run-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunResult("run-1", "completed", map[string]any{"blocks": 8}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Status != "completed" || runs[0].Kind != "deform" {
		t.Fatalf("unexpected record %+v", runs[0])
	}
	if runs[0].StartedAt == nil || runs[0].CompletedAt == nil {
		t.Fatalf("expected timestamps to be populated")
	}
}

func TestBlockLedgerResume(t *testing.T) {
	s := openTestStore(t)

	for i, origin := range [][3]int{{0, 0, 0}, {0, 0, 64}, {0, 64, 0}} {
		if err := s.RecordBlockDone("fp-1", i, origin); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
	}
	// Re-recording the same block must not error (resume re-verification).
	if err := s.RecordBlockDone("fp-1", 1, [3]int{0, 0, 64}); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	done, err := s.CompletedBlocks("fp-1")
	if err != nil {
		t.Fatalf("completed: %v", err)
	}
	if len(done) != 3 || !done[0] || !done[1] || !done[2] {
		t.Fatalf("unexpected completion set %v", done)
	}

	// A different fingerprint shares nothing.
	other, err := s.CompletedBlocks("fp-2")
	if err != nil {
		t.Fatalf("completed other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected empty set for unknown fingerprint, got %v", other)
	}

	if err := s.ClearBlocks("fp-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	done, err = s.CompletedBlocks("fp-1")
	if err != nil || len(done) != 0 {
		t.Fatalf("expected cleared ledger, got %v (%v)", done, err)
	}
}

func TestTilePairRecords(t *testing.T) {
	s := openTestStore(t)

	err := s.RecordTilePair(TilePairRecord{
		RunID:       "stitch-1",
		TileA:       "fov0.tif",
		TileB:       "fov1.tif",
		Shift:       [3]float64{0, 2.5, -1},
		Correlation: 0.81,
		Accepted:    true,
	})
	if err != nil {
		t.Fatalf("record pair: %v", err)
	}

	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM tile_pairs WHERE run_id='stitch-1' AND accepted=1`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one accepted pair, got %d", n)
	}
}
