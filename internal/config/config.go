package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pbnjay/memory"
)

const (
	defaultConfigPath = "~/.config/volalign/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the alignment pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Cluster    Cluster    `json:"cluster"`
	Stitch     Stitch     `json:"stitch"`
	Deform     Deform     `json:"deform"`
}

// Processing captures execution preferences for local jobs.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Cluster enumerates the resources granted to the block worker pool.
// EnvOverrides is exported into the environment before workers start so
// that nested math-library threading stays suppressed.
type Cluster struct {
	Workers          int               `json:"workers"`
	ThreadsPerWorker int               `json:"threads_per_worker"`
	MemoryLimit      string            `json:"memory_limit"` // e.g. "70GB", empty disables the check
	EnvOverrides     map[string]string `json:"env_overrides"`
	WorkerTTL        Duration          `json:"worker_ttl"` // zero disables per-task deadlines
}

// Stitch configures tile stitching defaults.
type Stitch struct {
	MinCorrelation float64 `json:"min_correlation"`
	MaxShiftVoxels float64 `json:"max_shift_voxels"`
	OverlapFrac    float64 `json:"overlap_fraction"`
}

// Deform holds the default parameters of the per-block deformation step.
type Deform struct {
	AlignmentSpacing    float64 `json:"alignment_spacing"`
	SmoothSigma         float64 `json:"smooth_sigma"`
	ControlPointSpacing float64 `json:"control_point_spacing"`
}

// Duration wraps time.Duration with JSON string encoding ("30m", "2h").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MemoryLimitBytes parses the human-readable per-worker memory limit.
func (c *Cluster) MemoryLimitBytes() (uint64, error) {
	return parseByteSize(c.MemoryLimit)
}

// Validate checks the cluster allocation against the execution host.
// Memory is the primary bottleneck resource, so over-allocation is an
// error rather than a warning.
func (c *Cluster) Validate() error {
	if c.Workers < 1 {
		return errors.New("cluster: workers must be >= 1")
	}
	if c.ThreadsPerWorker < 1 {
		return errors.New("cluster: threads_per_worker must be >= 1")
	}
	if cores := runtime.NumCPU(); c.Workers*c.ThreadsPerWorker > cores {
		return fmt.Errorf("cluster: %d workers x %d threads exceeds %d host cores",
			c.Workers, c.ThreadsPerWorker, cores)
	}
	if c.MemoryLimit != "" {
		perWorker, err := c.MemoryLimitBytes()
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		if total := memory.TotalMemory(); total > 0 && perWorker*uint64(c.Workers) > total {
			return fmt.Errorf("cluster: %d workers x %s exceeds host memory (%d bytes)",
				c.Workers, c.MemoryLimit, total)
		}
	}
	return nil
}

// ApplyEnv exports the configured environment overrides.
func (c *Cluster) ApplyEnv() {
	for k, v := range c.EnvOverrides {
		os.Setenv(k, v)
	}
}

func parseByteSize(s string) (uint64, error) {
	in := strings.TrimSpace(strings.ToUpper(s))
	if in == "" {
		return 0, errors.New("empty size")
	}
	mult := uint64(1)
	for _, suffix := range []struct {
		tag string
		m   uint64
	}{{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if strings.HasSuffix(in, suffix.tag) {
			mult = suffix.m
			in = strings.TrimSuffix(in, suffix.tag)
			break
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(in), 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return uint64(v * float64(mult)), nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("VOLALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	workers := defaultParallel
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "volalign.db"),
		},
		Cluster: Cluster{
			Workers:          workers,
			ThreadsPerWorker: 1,
			EnvOverrides: map[string]string{
				"MALLOC_TRIM_THRESHOLD_": "65536",
				"MKL_NUM_THREADS":        "1",
				"OMP_NUM_THREADS":        "1",
				"OPENBLAS_NUM_THREADS":   "1",
			},
			WorkerTTL: 0,
		},
		Stitch: Stitch{
			MinCorrelation: 0.3,
			MaxShiftVoxels: 100,
			OverlapFrac:    0.05,
		},
		Deform: Deform{
			AlignmentSpacing:    0.4,
			SmoothSigma:         0,
			ControlPointSpacing: 100.0,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
