package kv

import "testing"

func newTestMultiVersionStore(t *testing.T) *MultiVersionStore {
	t.Helper()
	hot, err := NewHotTier(t.Name())
	if err != nil {
		t.Fatalf("NewHotTier: %v", err)
	}
	warm, err := NewWarmTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewWarmTier: %v", err)
	}
	cold, err := NewColdTier(t.TempDir())
	if err != nil {
		t.Fatalf("NewColdTier: %v", err)
	}
	store := NewMultiVersionStore(hot, warm, cold, nil)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMultiVersionStoreRoutesByDefaultPolicy(t *testing.T) {
	router := DefaultRouter{}
	if got := router.RouteFor(Multi); got != "hot" {
		t.Errorf("Multi should route hot, got %s", got)
	}
	if got := router.RouteFor(Source(1)); got != "warm" {
		t.Errorf("Source should route warm by default, got %s", got)
	}
	if got := router.RouteFor(Operator(1)); got != "hot" {
		t.Errorf("Operator should route hot, got %s", got)
	}
}

func TestMultiVersionStoreRetentionOverrideRoutesCold(t *testing.T) {
	router := DefaultRouter{ColdPrimitives: map[uint64]bool{7: true}}
	if got := router.RouteFor(Source(7)); got != "cold" {
		t.Errorf("primitive 7 should route cold after retention override, got %s", got)
	}
	if got := router.RouteFor(Source(8)); got != "warm" {
		t.Errorf("primitive 8 without override should still route warm, got %s", got)
	}
}

func TestMultiVersionStoreGetSetAcrossTiers(t *testing.T) {
	store := newTestMultiVersionStore(t)

	if err := store.EnsureTable(Multi); err != nil {
		t.Fatalf("EnsureTable(Multi): %v", err)
	}
	if err := store.EnsureTable(Source(1)); err != nil {
		t.Fatalf("EnsureTable(Source(1)): %v", err)
	}

	k := testRowKey(1)
	if err := store.Set(Source(1), 1, []Delta{{Key: k, Value: []byte("row-1")}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	vv, ok, err := store.Get(Source(1), k, 1)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(vv.Value) != "row-1" {
		t.Errorf("got %q, want row-1", vv.Value)
	}

	// EnsureTable is idempotent and cached.
	if err := store.EnsureTable(Source(1)); err != nil {
		t.Fatalf("second EnsureTable: %v", err)
	}
}

func TestMultiVersionStoreClearTableForgetsPreparedState(t *testing.T) {
	store := newTestMultiVersionStore(t)
	kind := Operator(1)
	if err := store.EnsureTable(kind); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	k := testRowKey(1)
	if err := store.Set(kind, 1, []Delta{{Key: k, Value: []byte("state")}}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.ClearTable(kind); err != nil {
		t.Fatalf("ClearTable: %v", err)
	}
	if _, ok, err := store.Get(kind, k, 1); err != nil {
		t.Fatalf("Get after clear: %v", err)
	} else if ok {
		t.Errorf("expected ClearTable to remove all prior state")
	}
}
