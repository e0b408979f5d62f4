package vm

import (
	"testing"

	"github.com/nanodb/core/internal/key"
	"github.com/nanodb/core/internal/kv"
	"github.com/nanodb/core/internal/txn"
)

func newHandleHarness(t *testing.T) (*txn.Oracle, *kv.MultiVersionStore, *kv.Writer) {
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
	if err := store.EnsureTable(kv.Multi); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	writer := kv.NewWriter(store, nil, 16)
	t.Cleanup(func() { writer.Close(); store.Close() })
	return txn.NewOracle(), store, writer
}

func TestCommandHandleSetVisibleToOwnReadsBeforeCommit(t *testing.T) {
	oracle, store, writer := newHandleHarness(t)
	ids := &IDs{}
	h := BeginCommand(oracle, store, writer, ids, false)
	k := key.NewBuilder(key.KindRow).PutBytes([]byte("row-1")).Build()

	if err := h.Set(kv.Multi, k, []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ok, err := h.Contains(kv.Multi, k)
	if err != nil || !ok {
		t.Fatalf("expected own uncommitted write to be visible: ok=%v err=%v", ok, err)
	}

	if _, err := h.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	q := BeginQuery(oracle, store)
	defer q.Rollback()
	vv, ok, err := q.Get(kv.Multi, k)
	if err != nil || !ok {
		t.Fatalf("expected the committed write visible to a fresh query: ok=%v err=%v", ok, err)
	}
	if string(vv.Value) != "v1" {
		t.Fatalf("expected value v1, got %q", vv.Value)
	}
}

func TestCommandHandleRollbackDiscardsPendingWrites(t *testing.T) {
	oracle, store, writer := newHandleHarness(t)
	ids := &IDs{}
	h := BeginCommand(oracle, store, writer, ids, false)
	k := key.NewBuilder(key.KindRow).PutBytes([]byte("row-2")).Build()

	if err := h.Set(kv.Multi, k, []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	h.Rollback()

	q := BeginQuery(oracle, store)
	defer q.Rollback()
	if _, ok, err := q.Get(kv.Multi, k); err != nil || ok {
		t.Fatalf("expected a rolled-back write to never become visible: ok=%v err=%v", ok, err)
	}
}

func TestCommandHandleRemoveTombstonesAfterCommit(t *testing.T) {
	oracle, store, writer := newHandleHarness(t)
	ids := &IDs{}
	k := key.NewBuilder(key.KindRow).PutBytes([]byte("row-3")).Build()

	h1 := BeginCommand(oracle, store, writer, ids, false)
	if err := h1.Set(kv.Multi, k, []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := h1.Commit(); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}

	h2 := BeginCommand(oracle, store, writer, ids, false)
	if err := h2.Remove(kv.Multi, k); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h2.Commit(); err != nil {
		t.Fatalf("Commit remove: %v", err)
	}

	q := BeginQuery(oracle, store)
	defer q.Rollback()
	if _, ok, err := q.Get(kv.Multi, k); err != nil || ok {
		t.Fatalf("expected the row to be gone after Remove+Commit: ok=%v err=%v", ok, err)
	}
}

func TestIDsNextIsMonotonicallyIncreasing(t *testing.T) {
	ids := &IDs{}
	a := ids.Next()
	b := ids.Next()
	if b <= a {
		t.Fatalf("expected successive ids to increase, got %d then %d", a, b)
	}
}
