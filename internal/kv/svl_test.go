package kv

import (
	"path/filepath"
	"testing"
)

func TestSVLSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svl.log")
	s, err := OpenSVL(path)
	if err != nil {
		t.Fatalf("OpenSVL: %v", err)
	}
	defer s.Close()

	if err := s.Set([]byte("seq:orders"), []byte{0, 0, 0, 0, 0, 0, 0, 1}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get([]byte("seq:orders"))
	if !ok {
		t.Fatal("expected value to be present")
	}
	if len(v) != 8 || v[7] != 1 {
		t.Errorf("unexpected value %v", v)
	}
}

func TestSVLRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svl.log")
	s, err := OpenSVL(path)
	if err != nil {
		t.Fatalf("OpenSVL: %v", err)
	}
	defer s.Close()

	s.Set([]byte("k"), []byte("v"))
	if err := s.Remove([]byte("k")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Get([]byte("k")); ok {
		t.Error("expected key to be gone after Remove")
	}
}

func TestSVLSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svl.log")
	s, err := OpenSVL(path)
	if err != nil {
		t.Fatalf("OpenSVL: %v", err)
	}
	s.Set([]byte("a"), []byte("1"))
	s.Set([]byte("b"), []byte("2"))
	s.Remove([]byte("a"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSVL(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, ok := reopened.Get([]byte("a")); ok {
		t.Error("removed key reappeared after reopen")
	}
	if v, ok := reopened.Get([]byte("b")); !ok || string(v) != "2" {
		t.Errorf("expected b=2 to survive reopen, got %q ok=%v", v, ok)
	}
}

func TestSVLRangeScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svl.log")
	s, err := OpenSVL(path)
	if err != nil {
		t.Fatalf("OpenSVL: %v", err)
	}
	defer s.Close()

	for _, k := range []string{"a", "b", "c", "d"} {
		s.Set([]byte(k), []byte(k))
	}
	entries := s.Range([]byte("b"), []byte("d"))
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries in [b, d), got %d", len(entries))
	}
	if string(entries[0].Key) != "b" || string(entries[1].Key) != "c" {
		t.Errorf("unexpected range result: %+v", entries)
	}
}

func TestSVLApplyBatchAllOrNothingOnSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svl.log")
	s, err := OpenSVL(path)
	if err != nil {
		t.Fatalf("OpenSVL: %v", err)
	}
	defer s.Close()

	err = s.Apply([]SVLMutation{
		{Op: SVLSet, Key: []byte("x"), Value: []byte("1")},
		{Op: SVLSet, Key: []byte("y"), Value: []byte("2")},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if v, ok := s.Get([]byte("x")); !ok || string(v) != "1" {
		t.Errorf("x missing after batch apply")
	}
	if v, ok := s.Get([]byte("y")); !ok || string(v) != "2" {
		t.Errorf("y missing after batch apply")
	}
}
