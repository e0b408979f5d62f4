package kv

import (
	"bufio"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nanodb/core/internal/key"
)

// WarmTier stores each EntryKind's full version history as a single
// GOB-encoded file under a directory tree, grounded on the teacher's
// internal/storage/backend_disk.go DiskBackend: tables are loaded into
// memory on demand and flushed back on every Set. A loaded table stays
// cached in memory; the cache does not evict.
type WarmTier struct {
	mu  sync.RWMutex
	dir string

	// cache holds loaded entries; WarmTier is simpler than tinySQL's
	// DiskBackend in that it does not evict — the drop worker is what
	// keeps warm-tier history bounded (spec.md §4.2.4), not an LRU.
	cache map[string]*warmFile
}

// warmEntry is one (key, version) record kept in a warm-tier file.
type warmEntry struct {
	Key       []byte
	Version   uint64
	Value     []byte
	Tombstone bool
}

// warmFile is the GOB-serialized contents of one EntryKind's file.
type warmFile struct {
	Entries []warmEntry
	dirty   bool
}

func init() {
	gob.Register(warmFile{})
	gob.Register(warmEntry{})
}

// NewWarmTier opens (creating if necessary) a warm-tier directory.
func NewWarmTier(dir string) (*WarmTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("warm tier: mkdir: %w", err)
	}
	return &WarmTier{dir: dir, cache: make(map[string]*warmFile)}, nil
}

func (t *WarmTier) Name() string { return "warm" }

func (t *WarmTier) pathFor(tbl string) string {
	return filepath.Join(t.dir, sanitizeIdent(tbl)+".wtbl")
}

func (t *WarmTier) load(kind EntryKind) (*warmFile, error) {
	tbl := kind.Table()
	if f, ok := t.cache[tbl]; ok {
		return f, nil
	}
	f := &warmFile{}
	path := t.pathFor(tbl)
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.cache[tbl] = f
			return f, nil
		}
		return nil, fmt.Errorf("warm tier: open %s: %w", path, err)
	}
	defer fh.Close()
	gr, err := gzip.NewReader(bufio.NewReader(fh))
	if err != nil {
		return nil, fmt.Errorf("warm tier: gzip reader: %w", err)
	}
	defer gr.Close()
	if err := gob.NewDecoder(gr).Decode(f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("warm tier: decode %s: %w", path, err)
	}
	t.cache[tbl] = f
	return f, nil
}

func (t *WarmTier) flush(tbl string, f *warmFile) error {
	if !f.dirty {
		return nil
	}
	path := t.pathFor(tbl)
	tmp := path + ".tmp"
	fh, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("warm tier: create %s: %w", tmp, err)
	}
	bw := bufio.NewWriter(fh)
	gw := gzip.NewWriter(bw)
	if err := gob.NewEncoder(gw).Encode(f); err != nil {
		gw.Close()
		fh.Close()
		return fmt.Errorf("warm tier: encode: %w", err)
	}
	if err := gw.Close(); err != nil {
		fh.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		fh.Close()
		return err
	}
	if err := fh.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("warm tier: rename: %w", err)
	}
	f.dirty = false
	return nil
}

func (t *WarmTier) EnsureTable(kind EntryKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.load(kind)
	return err
}

func (t *WarmTier) ClearTable(kind EntryKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f := &warmFile{dirty: true}
	t.cache[kind.Table()] = f
	return t.flush(kind.Table(), f)
}

func (t *WarmTier) Get(kind EntryKind, k key.Key, version uint64) (VersionedValue, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, err := t.load(kind)
	if err != nil {
		return VersionedValue{}, false, err
	}
	return resolveLatest(f.Entries, k.Bytes(), version)
}

func resolveLatest(entries []warmEntry, k []byte, version uint64) (VersionedValue, bool, error) {
	var best *warmEntry
	for i := range entries {
		e := &entries[i]
		if !bytesEqual(e.Key, k) || e.Version > version {
			continue
		}
		if best == nil || e.Version > best.Version {
			best = e
		}
	}
	if best == nil || best.Tombstone {
		return VersionedValue{}, false, nil
	}
	return VersionedValue{Version: best.Version, Value: best.Value}, true, nil
}

func bytesEqual(a, b []byte) bool { return compareBytes(a, b) == 0 }

func (t *WarmTier) Set(kind EntryKind, version uint64, deltas []Delta) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.load(kind)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		f.Entries = append(f.Entries, warmEntry{
			Key:       d.Key.Bytes(),
			Version:   version,
			Value:     d.Value,
			Tombstone: d.Tombstone,
		})
	}
	f.dirty = true
	return t.flush(kind.Table(), f)
}

func (t *WarmTier) scanRange(kind EntryKind, start, end key.Key, version uint64, after []byte, batch int, desc bool) ([]VersionedValue, []key.Key, []byte, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, err := t.load(kind)
	if err != nil {
		return nil, nil, nil, false, err
	}

	uniq := map[string]bool{}
	var candidates [][]byte
	for _, e := range f.Entries {
		if compareBytes(e.Key, start.Bytes()) < 0 || compareBytes(e.Key, end.Bytes()) >= 0 {
			continue
		}
		if uniq[string(e.Key)] {
			continue
		}
		uniq[string(e.Key)] = true
		candidates = append(candidates, e.Key)
	}
	sort.Slice(candidates, func(i, j int) bool {
		c := compareBytes(candidates[i], candidates[j])
		if desc {
			return c > 0
		}
		return c < 0
	})

	var items []VersionedValue
	var keys []key.Key
	var lastKey []byte
	hasMore := false
	skipping := after != nil
	fetched := 0
	for _, kb := range candidates {
		if skipping {
			if compareBytesDir(kb, after, desc) <= 0 {
				continue
			}
			skipping = false
		}
		if fetched >= batch {
			hasMore = true
			break
		}
		vv, ok, err := resolveLatest(f.Entries, kb, version)
		if err != nil {
			return nil, nil, nil, false, err
		}
		if !ok {
			continue
		}
		items = append(items, vv)
		keys = append(keys, key.FromBytes(kb))
		lastKey = kb
		fetched++
	}
	return items, keys, lastKey, hasMore, nil
}

func (t *WarmTier) RangeNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) ([]VersionedValue, []key.Key, Cursor, bool, error) {
	items, keys, last, hasMore, err := t.scanRange(kind, start, end, version, cursor.LastKey, batch, false)
	if err != nil {
		return nil, nil, Cursor{}, false, err
	}
	return items, keys, Cursor{LastKey: last}, hasMore, nil
}

func (t *WarmTier) RangeRevNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) ([]VersionedValue, []key.Key, Cursor, bool, error) {
	items, keys, last, hasMore, err := t.scanRange(kind, start, end, version, cursor.LastKey, batch, true)
	if err != nil {
		return nil, nil, Cursor{}, false, err
	}
	return items, keys, Cursor{LastKey: last}, hasMore, nil
}

func (t *WarmTier) GetAllVersions(kind EntryKind, k key.Key) ([]VersionedValue, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, err := t.load(kind)
	if err != nil {
		return nil, err
	}
	var out []VersionedValue
	for _, e := range f.Entries {
		if !bytesEqual(e.Key, k.Bytes()) {
			continue
		}
		out = append(out, VersionedValue{Version: e.Version, Value: e.Value, Tombstone: e.Tombstone})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (t *WarmTier) Drop(kind EntryKind, entries []DropEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.load(kind)
	if err != nil {
		return err
	}
	toDrop := map[string]bool{}
	for _, e := range entries {
		toDrop[string(e.Key.Bytes())+":"+fmt.Sprint(e.Version)] = true
	}
	kept := f.Entries[:0]
	for _, e := range f.Entries {
		if toDrop[string(e.Key)+":"+fmt.Sprint(e.Version)] {
			continue
		}
		kept = append(kept, e)
	}
	f.Entries = kept
	f.dirty = true
	return t.flush(kind.Table(), f)
}

func (t *WarmTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tbl, f := range t.cache {
		if f.dirty {
			if err := t.flush(tbl, f); err != nil {
				return err
			}
		}
	}
	return nil
}
