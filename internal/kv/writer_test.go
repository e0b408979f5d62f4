package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nanodb/core/internal/change"
)

// fakeCDC records every appended change.Record for assertions, standing
// in for internal/cdc.Log so kv's tests do not need to import it (and
// could not, since cdc imports kv).
type fakeCDC struct {
	mu      sync.Mutex
	records []change.Record
}

func (f *fakeCDC) Append(rec change.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeCDC) all() []change.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]change.Record, len(f.records))
	copy(out, f.records)
	return out
}

func TestWriterAppliesInsertAndRecordsCDC(t *testing.T) {
	store := newTestMultiVersionStore(t)
	kind := Source(1)
	if err := store.EnsureTable(kind); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}

	cdc := &fakeCDC{}
	w := NewWriter(store, cdc, 8)
	defer w.Close()

	k := testRowKey(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := w.Submit(ctx, &CommitRequest{
		Kind:    kind,
		Version: 1,
		TxnID:   1,
		Deltas:  []Delta{{Key: k, Value: []byte("v1")}},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	vv, ok, err := store.Get(kind, k, 1)
	if err != nil || !ok {
		t.Fatalf("Get after commit: ok=%v err=%v", ok, err)
	}
	if string(vv.Value) != "v1" {
		t.Errorf("got %q, want v1", vv.Value)
	}

	recs := cdc.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 CDC record, got %d", len(recs))
	}
	if recs[0].Version != 1 || len(recs[0].Changes) != 1 {
		t.Fatalf("unexpected record shape: %+v", recs[0])
	}
	if recs[0].Changes[0].Kind != change.Insert {
		t.Errorf("expected Insert, got %v", recs[0].Changes[0].Kind)
	}
}

func TestWriterUpdateCarriesBeforeImage(t *testing.T) {
	store := newTestMultiVersionStore(t)
	kind := Source(2)
	store.EnsureTable(kind)

	cdc := &fakeCDC{}
	w := NewWriter(store, cdc, 8)
	defer w.Close()

	k := testRowKey(1)
	ctx := context.Background()
	if err := w.Submit(ctx, &CommitRequest{Kind: kind, Version: 1, Deltas: []Delta{{Key: k, Value: []byte("v1")}}}); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := w.Submit(ctx, &CommitRequest{Kind: kind, Version: 2, Deltas: []Delta{{Key: k, Value: []byte("v2")}}}); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	recs := cdc.all()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	sc := recs[1].Changes[0]
	if sc.Kind != change.Update {
		t.Fatalf("expected Update, got %v", sc.Kind)
	}
	if string(sc.Pre) != "v1" || string(sc.Post) != "v2" {
		t.Errorf("before/after mismatch: pre=%q post=%q", sc.Pre, sc.Post)
	}
}

func TestWriterSerializesCommitsPerTier(t *testing.T) {
	store := newTestMultiVersionStore(t)
	kind := Source(3)
	store.EnsureTable(kind)

	w := NewWriter(store, nil, 8)
	defer w.Close()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			k := testRowKey(v)
			ctx := context.Background()
			errs <- w.Submit(ctx, &CommitRequest{Kind: kind, Version: v + 1, Deltas: []Delta{{Key: k, Value: []byte("x")}}})
		}(uint64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submit failed: %v", err)
		}
	}
}
