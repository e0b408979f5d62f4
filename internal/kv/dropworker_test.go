package kv

import (
	"sort"
	"testing"

	"github.com/nanodb/core/internal/key"
)

// fakeRetentionSource is a minimal in-memory RetentionSource for testing
// DropWorker.Sweep without the catalog package.
type fakeRetentionSource struct {
	policies map[EntryKind]RetentionPolicy
	keys     map[EntryKind][]key.Key
}

func (f *fakeRetentionSource) EntryKinds() []EntryKind {
	out := make([]EntryKind, 0, len(f.keys))
	for k := range f.keys {
		out = append(out, k)
	}
	return out
}

func (f *fakeRetentionSource) PolicyFor(kind EntryKind) (RetentionPolicy, bool) {
	p, ok := f.policies[kind]
	return p, ok
}

func (f *fakeRetentionSource) KeysFor(kind EntryKind) ([]key.Key, error) {
	return f.keys[kind], nil
}

type fakeWatermark struct{ v uint64 }

func (f fakeWatermark) ReadWatermark() uint64 { return f.v }

func versionsOf(vs ...uint64) []VersionedValue {
	out := make([]VersionedValue, len(vs))
	for i, v := range vs {
		out[i] = VersionedValue{Version: v, Value: []byte("x")}
	}
	return out
}

func versionNumbers(vs []uint64) []uint64 {
	sorted := append([]uint64(nil), vs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted
}

func TestSelectVersionsToDropProtectsGreatestBelowWatermark(t *testing.T) {
	versions := versionsOf(10, 8, 5, 3, 1)
	policy := RetentionPolicy{Kind: KeepVersions, KeepCount: 1}
	dropped := selectVersionsToDrop(versions, policy, 6)
	// protected: greatest version <= 6 is 5. 8 and 10 exceed the
	// watermark and are untouched. 3 and 1 are droppable.
	got := versionNumbers(dropped)
	want := []uint64{1, 3}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSelectVersionsToDropKeepsExtraVersionsBelowWatermark(t *testing.T) {
	versions := versionsOf(10, 8, 5, 3, 1)
	policy := RetentionPolicy{Kind: KeepVersions, KeepCount: 3}
	dropped := selectVersionsToDrop(versions, policy, 6)
	// protected: 5. KeepCount=3 keeps 2 more below watermark: 3 and 1.
	// Nothing left to drop.
	if len(dropped) != 0 {
		t.Fatalf("expected nothing droppable, got %v", dropped)
	}
}

func TestSelectVersionsToDropKeepForeverDropsNothing(t *testing.T) {
	versions := versionsOf(10, 8, 5, 3, 1)
	dropped := selectVersionsToDrop(versions, RetentionPolicy{Kind: KeepForever}, 100)
	if dropped != nil {
		t.Fatalf("KeepForever must never select versions to drop, got %v", dropped)
	}
}

func TestSelectVersionsToDropNothingBelowWatermarkYet(t *testing.T) {
	versions := versionsOf(10, 8)
	dropped := selectVersionsToDrop(versions, RetentionPolicy{Kind: KeepVersions, KeepCount: 1}, 5)
	if dropped != nil {
		t.Fatalf("no version has committed at or before the watermark; nothing should be droppable, got %v", dropped)
	}
}

func TestDropWorkerSweepEnforcesI7(t *testing.T) {
	store := newTestMultiVersionStore(t)
	kind := Source(9)
	if err := store.EnsureTable(kind); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	k := testRowKey(1)
	for v := uint64(1); v <= 5; v++ {
		if err := store.Set(kind, v, []Delta{{Key: k, Value: []byte{byte(v)}}}); err != nil {
			t.Fatalf("Set v=%d: %v", v, err)
		}
	}

	source := &fakeRetentionSource{
		policies: map[EntryKind]RetentionPolicy{kind: {Kind: KeepVersions, KeepCount: 1}},
		keys:     map[EntryKind][]key.Key{kind: {k}},
	}
	worker := NewDropWorker(store, source, fakeWatermark{v: 3}, nil)

	dropped, err := worker.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if dropped == 0 {
		t.Fatalf("expected at least one version reclaimed")
	}

	// I7: get(key, 3) must still resolve after the sweep.
	vv, ok, err := store.Get(kind, k, 3)
	if err != nil || !ok {
		t.Fatalf("I7 violated: get(key, watermark) no longer resolves: ok=%v err=%v", ok, err)
	}
	if vv.Version != 3 {
		t.Fatalf("expected the watermark-visible version to remain 3, got %d", vv.Version)
	}
}
