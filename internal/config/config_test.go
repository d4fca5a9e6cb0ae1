package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv("VOLALIGN_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected defaults, got error %v", err)
	}
	if cfg.Cluster.Workers < 1 {
		t.Fatalf("expected at least one default worker, got %d", cfg.Cluster.Workers)
	}
	if cfg.Cluster.ThreadsPerWorker != 1 {
		t.Fatalf("expected single-threaded workers by default, got %d", cfg.Cluster.ThreadsPerWorker)
	}
	if cfg.Cluster.EnvOverrides["OMP_NUM_THREADS"] != "1" {
		t.Fatalf("expected math-library threading suppressed by default")
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"cluster":{"workers":2,"threads_per_worker":1,"memory_limit":"1GB","worker_ttl":"30m"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VOLALIGN_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Cluster.Workers != 2 {
		t.Fatalf("expected 2 workers, got %d", cfg.Cluster.Workers)
	}
	if time.Duration(cfg.Cluster.WorkerTTL) != 30*time.Minute {
		t.Fatalf("expected 30m worker ttl, got %v", time.Duration(cfg.Cluster.WorkerTTL))
	}
	if b, err := cfg.Cluster.MemoryLimitBytes(); err != nil || b != 1<<30 {
		t.Fatalf("expected 1GB limit, got %d (%v)", b, err)
	}
}

func TestClusterValidateRejectsOversubscription(t *testing.T) {
	c := Cluster{Workers: runtime.NumCPU() + 1, ThreadsPerWorker: 1}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for more workers than cores")
	}

	c = Cluster{Workers: 0, ThreadsPerWorker: 1}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for zero workers")
	}

	// Absurd per-worker memory must be rejected against host capacity.
	c = Cluster{Workers: 1, ThreadsPerWorker: 1, MemoryLimit: "100000TB"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for memory request beyond host")
	}
}

func TestClusterValidateAcceptsModestRequest(t *testing.T) {
	c := Cluster{Workers: 1, ThreadsPerWorker: 1, MemoryLimit: "16MB"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected modest request to validate, got %v", err)
	}
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"90s"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Fatalf("expected 90s, got %v", time.Duration(d))
	}
	b, err := json.Marshal(d)
	if err != nil || string(b) != `"1m30s"` {
		t.Fatalf("marshal: %s %v", b, err)
	}
}

func TestParseByteSize(t *testing.T) {
	if v, err := parseByteSize("70GB"); err != nil || v != 70<<30 {
		t.Fatalf("70GB: got %d, %v", v, err)
	}
	if v, err := parseByteSize("512"); err != nil || v != 512 {
		t.Fatalf("plain bytes: got %d, %v", v, err)
	}
	if _, err := parseByteSize("lots"); err == nil {
		t.Fatalf("expected error for garbage size")
	}
}
