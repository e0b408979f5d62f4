package health

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

// Exit codes for the embedded driver, per spec.md §6.4.
const (
	ExitClean        = 0
	ExitStorageError = 1
	ExitMemoryKill   = 1
)

// Watchdog polls the Go runtime's heap usage against a configured
// ceiling and calls Kill once it is exceeded, per spec.md §9's
// `memory_kill_threshold` (percent of `Limit`) and §6.4 ("1 on
// memory-watchdog trip above the configured threshold"). Grounded on
// the same cron-driven polling shape as internal/kv/dropworker.go and
// Monitor above, rather than a hand-rolled ticker goroutine.
type Watchdog struct {
	limit       uint64 // bytes; the process's configured memory ceiling
	thresholdPc int    // 1-100
	logger      *log.Logger
	kill        func(reason string)

	cronSched *cron.Cron
	entryID   cron.EntryID
	mu        sync.Mutex
	running   bool
	tripped   bool
}

// NewWatchdog returns a Watchdog that considers the process over
// budget once heap usage exceeds thresholdPct of limitBytes. kill is
// called at most once, the first time the threshold trips; pass nil to
// default to a log-and-panic so a supervising process still observes
// the failure as a non-zero exit via its own recover/exit-code logic.
func NewWatchdog(limitBytes uint64, thresholdPct int, logger *log.Logger, kill func(reason string)) *Watchdog {
	if logger == nil {
		logger = log.Default()
	}
	if kill == nil {
		kill = func(reason string) { logger.Panicf("health: memory watchdog: %s", reason) }
	}
	loc, _ := time.LoadLocation("UTC")
	return &Watchdog{
		limit:       limitBytes,
		thresholdPc: thresholdPct,
		logger:      logger,
		kill:        kill,
		cronSched:   cron.New(cron.WithLocation(loc), cron.WithSeconds()),
	}
}

// Start begins polling every interval.
func (w *Watchdog) Start(interval time.Duration) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("health: watchdog already running")
	}
	w.running = true
	w.mu.Unlock()

	schedule := fmt.Sprintf("@every %s", interval)
	id, err := w.cronSched.AddFunc(schedule, w.check)
	if err != nil {
		return fmt.Errorf("health: schedule %q: %w", schedule, err)
	}
	w.entryID = id
	w.cronSched.Start()
	return nil
}

// Stop halts polling.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	ctx := w.cronSched.Stop()
	<-ctx.Done()
	w.running = false
}

// Tripped reports whether this watchdog has already called Kill.
func (w *Watchdog) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}

// usagePct returns the current heap usage as a percentage of limit,
// per runtime.MemStats.HeapAlloc.
func (w *Watchdog) usagePct() (used uint64, pct int) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if w.limit == 0 {
		return stats.HeapAlloc, 0
	}
	return stats.HeapAlloc, int(stats.HeapAlloc * 100 / w.limit)
}

func (w *Watchdog) check() {
	used, pct := w.usagePct()
	if pct < w.thresholdPc {
		return
	}
	w.mu.Lock()
	alreadyTripped := w.tripped
	w.tripped = true
	w.mu.Unlock()
	if alreadyTripped {
		return
	}
	reason := fmt.Sprintf("heap at %s (%d%%) exceeds the %d%% threshold (limit %s)",
		humanize.Bytes(used), pct, w.thresholdPc, humanize.Bytes(w.limit))
	w.logger.Printf("health: %s", reason)
	w.kill(reason)
}

// ErrorClass discriminates which of spec.md §7's taxonomy buckets an
// error belongs to, narrowed to the two that affect the process exit
// code (§6.4): everything else is handled inside the transaction that
// produced it and never reaches the top-level supervisor.
type ErrorClass int

const (
	// ClassTransient covers retryable errors (txn.ErrConflict and
	// similar) that a caller is expected to retry; they never cause a
	// process exit.
	ClassTransient ErrorClass = iota
	// ClassFatal covers storage/resource failures (§7 "Resource") that
	// the top-level supervisor maps to ExitStorageError.
	ClassFatal
)

// Classify is the top-level supervisor's error-to-exit-code bridge:
// retryable errors already known to the transaction manager are
// transient, everything else reaching this far is treated as fatal per
// §7's propagation policy ("resource errors abort the current
// transaction... programming errors are not caught; the memory
// watchdog and the top-level supervisor translate process-wide failures
// into exit").
func Classify(err error, isTransient func(error) bool) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	if isTransient != nil && isTransient(err) {
		return ClassTransient
	}
	return ClassFatal
}

// ExitCodeFor maps an ErrorClass to the process exit code of §6.4.
func ExitCodeFor(class ErrorClass) int {
	if class == ClassFatal {
		return ExitStorageError
	}
	return ExitClean
}
