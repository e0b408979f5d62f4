package health

import (
	"errors"
	"log"
	"testing"
	"time"

	"github.com/nanodb/core/internal/txn"
)

func TestWatchdogTripsKillOnceThresholdExceeded(t *testing.T) {
	killed := make(chan string, 4)
	// limit=1 byte guarantees HeapAlloc (always > 0 in a running test
	// binary) exceeds 100% immediately, without depending on the exact
	// amount of memory this process happens to have allocated.
	w := NewWatchdog(1, 1, log.New(testLogWriter{t}, "", 0), func(reason string) { killed <- reason })

	if err := w.Start(20 * time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the watchdog to trip within the test timeout")
	}

	if !w.Tripped() {
		t.Fatal("expected Tripped() to report true after a kill")
	}

	// A second tick must not invoke kill again.
	select {
	case reason := <-killed:
		t.Fatalf("expected kill to fire at most once, got a second call: %s", reason)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchdogNeverTripsBelowThreshold(t *testing.T) {
	killed := make(chan string, 1)
	// A generous 10 GiB limit at a 99% threshold should never trip
	// during a short-lived test process.
	w := NewWatchdog(10<<30, 99, nil, func(reason string) { killed <- reason })

	if err := w.Start(20 * time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	select {
	case reason := <-killed:
		t.Fatalf("did not expect a trip well below the configured threshold, got: %s", reason)
	case <-time.After(150 * time.Millisecond):
	}
	if w.Tripped() {
		t.Fatal("expected Tripped() to remain false")
	}
}

func TestClassifyAndExitCodeForTransientVsFatal(t *testing.T) {
	isTransient := func(err error) bool { return errors.Is(err, txn.ErrConflict) }

	if class := Classify(txn.ErrConflict, isTransient); class != ClassTransient {
		t.Fatalf("expected a conflict error to classify as transient, got %v", class)
	}
	if code := ExitCodeFor(Classify(txn.ErrConflict, isTransient)); code != ExitClean {
		t.Fatalf("expected a transient error's exit code to be %d, got %d", ExitClean, code)
	}

	fatal := errors.New("disk full")
	if class := Classify(fatal, isTransient); class != ClassFatal {
		t.Fatalf("expected an unrecognized error to classify as fatal, got %v", class)
	}
	if code := ExitCodeFor(Classify(fatal, isTransient)); code != ExitStorageError {
		t.Fatalf("expected a fatal error's exit code to be %d, got %d", ExitStorageError, code)
	}

	if class := Classify(nil, isTransient); class != ClassTransient {
		t.Fatalf("expected a nil error to classify as transient (no-op), got %v", class)
	}
}
