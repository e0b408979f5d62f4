package nanocore

import (
	"runtime"
	"time"

	"github.com/nanodb/core/internal/kv"
)

// Config enumerates the engine's tunables, per spec.md §9's "Config
// objects: represent as enumerated options with defaults". Mirrors the
// teacher's ConcurrencyConfig/DefaultConcurrencyConfig shape
// (internal/storage/concurrency.go): a plain struct of named knobs plus
// a DefaultConfig constructor that scales worker counts off
// runtime.NumCPU(). Yaml tags let an external config loader (out of
// scope per §1) unmarshal one with gopkg.in/yaml.v3; the core only owns
// the schema and its defaults.
type Config struct {
	// AsyncThreads, ComputeThreads and ComputeMaxInFlight are carried in
	// the schema with CPU-scaled defaults. OpenDB does not read them: CDC
	// fan-out and each flow scheduler run on their own goroutines, and no
	// worker pool or in-flight limit is sized from these values.
	AsyncThreads       int `yaml:"async_threads"`
	ComputeThreads     int `yaml:"compute_threads"`
	ComputeMaxInFlight int `yaml:"compute_max_in_flight"`

	// Retention is carried in the schema with a KeepForever default.
	// OpenDB does not read it: the drop worker treats a primitive or flow
	// node with no explicit policy as KeepForever regardless of this value.
	Retention kv.RetentionPolicy `yaml:"retention"`

	// MemoryKillThresholdPct is the percent of MemoryLimitBytes above
	// which the memory watchdog calls Kill (spec.md §6.4).
	MemoryKillThresholdPct int `yaml:"memory_kill_threshold_pct"`
	// MemoryLimitBytes is the process memory ceiling the watchdog
	// measures MemoryKillThresholdPct against.
	MemoryLimitBytes uint64 `yaml:"memory_limit_bytes"`

	// ShutdownTimeout is carried in the schema; DB.Close does not read
	// it and waits for every running flow and worker to stop without a
	// time bound.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// HealthInterval is how often the health monitor assembles and
	// logs a Report.
	HealthInterval time.Duration `yaml:"health_interval"`

	// WriterQueueSize bounds each tier's commit-request channel
	// (internal/kv.Writer).
	WriterQueueSize int `yaml:"writer_queue_size"`
	// CommitEventBuffer bounds each CDC/flow subscriber's channel
	// (internal/kv.Writer.Subscribe).
	CommitEventBuffer int `yaml:"commit_event_buffer"`

	// WarmDir and ColdDir are the on-disk roots for the warm and cold
	// tiers (internal/kv.NewWarmTier, internal/kv.NewColdTier).
	WarmDir string `yaml:"warm_dir"`
	ColdDir string `yaml:"cold_dir"`

	// DropSchedule is a cron expression (seconds resolution, per
	// github.com/robfig/cron/v3) driving the drop worker's retention
	// sweep. MemoryPollEvery is how often the memory watchdog samples
	// heap usage.
	DropSchedule    string        `yaml:"drop_schedule"`
	MemoryPollEvery time.Duration `yaml:"memory_poll_every"`
}

// DefaultConfig returns a Config with sensible defaults, scaling
// thread counts off the number of available CPUs the same way the
// teacher's DefaultConcurrencyConfig does.
func DefaultConfig() Config {
	cpus := runtime.NumCPU()
	return Config{
		AsyncThreads:           cpus,
		ComputeThreads:         cpus,
		ComputeMaxInFlight:     cpus * 4,
		Retention:              kv.RetentionPolicy{Kind: kv.KeepForever},
		MemoryKillThresholdPct: 90,
		MemoryLimitBytes:       2 << 30, // 2 GiB
		ShutdownTimeout:        30 * time.Second,
		HealthInterval:         30 * time.Second,
		WriterQueueSize:        64,
		CommitEventBuffer:      64,
		WarmDir:                "data/warm",
		ColdDir:                "data/cold",
		DropSchedule:           "0 */5 * * * *",
		MemoryPollEvery:        5 * time.Second,
	}
}
