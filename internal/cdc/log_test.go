package cdc

import (
	"testing"

	"github.com/nanodb/core/internal/change"
	"github.com/nanodb/core/internal/kv"
)

func newTestLog(t *testing.T) (*Log, *kv.MultiVersionStore) {
	t.Helper()
	hot, err := kv.NewHotTier(t.Name())
	if err != nil {
		t.Fatalf("NewHotTier: %v", err)
	}
	warm, err := kv.NewWarmTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewWarmTier: %v", err)
	}
	cold, err := kv.NewColdTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewColdTier: %v", err)
	}
	store := kv.NewMultiVersionStore(hot, warm, cold, nil)
	t.Cleanup(func() { store.Close() })
	log, err := NewLog(store)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	return log, store
}

func TestLogAppendAndReadExactVersion(t *testing.T) {
	l, _ := newTestLog(t)
	rec := change.Record{
		Version: 5,
		TxnID:   1,
		Changes: []change.SystemChange{{Kind: change.Insert, Key: []byte("k1"), Post: []byte("v1")}},
	}
	if err := l.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, ok, err := l.Read(5)
	if err != nil || !ok {
		t.Fatalf("Read: ok=%v err=%v", ok, err)
	}
	if got.Version != 5 || len(got.Changes) != 1 || string(got.Changes[0].Key) != "k1" {
		t.Errorf("unexpected record: %+v", got)
	}

	if _, ok, err := l.Read(6); err != nil {
		t.Fatalf("Read(6): %v", err)
	} else if ok {
		t.Errorf("expected no record at version 6")
	}
}

func TestLogReadRangeOrdersAscending(t *testing.T) {
	l, _ := newTestLog(t)
	for v := uint64(1); v <= 5; v++ {
		rec := change.Record{Version: v, Changes: []change.SystemChange{{Kind: change.Insert, Key: []byte("k"), Post: []byte("v")}}}
		if err := l.Append(rec); err != nil {
			t.Fatalf("Append(%d): %v", v, err)
		}
	}

	recs, _, hasMore, err := l.ReadRange(1, 6, kv.Cursor{}, 10)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if hasMore {
		t.Errorf("expected no more results")
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	for i, r := range recs {
		if r.Version != uint64(i+1) {
			t.Errorf("records out of order: %+v", recs)
			break
		}
	}
}

func TestLogReadRangePagesWithCursor(t *testing.T) {
	l, _ := newTestLog(t)
	for v := uint64(1); v <= 5; v++ {
		l.Append(change.Record{Version: v})
	}

	var all []change.Record
	cursor := kv.Cursor{}
	for {
		recs, next, hasMore, err := l.ReadRange(1, 6, cursor, 2)
		if err != nil {
			t.Fatalf("ReadRange: %v", err)
		}
		all = append(all, recs...)
		if !hasMore {
			break
		}
		cursor = next
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 records across pages, got %d", len(all))
	}
}

func TestLogDropBeforeReclaimsOlderRecords(t *testing.T) {
	l, _ := newTestLog(t)
	for v := uint64(1); v <= 5; v++ {
		l.Append(change.Record{Version: v})
	}

	dropped, err := l.DropBefore(3)
	if err != nil {
		t.Fatalf("DropBefore: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("expected to drop versions 1 and 2, dropped %d", dropped)
	}
	if _, ok, err := l.Read(1); err != nil || ok {
		t.Errorf("version 1 should have been reclaimed: ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.Read(3); err != nil || !ok {
		t.Errorf("version 3 should still be present: ok=%v err=%v", ok, err)
	}
}
