package kv

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nanodb/core/internal/key"
)

// HotTier is the "HOT (memory/SQLite)" backend named in spec.md's system
// overview diagram: a pure-Go, in-process SQLite database (no cgo) holds
// every version of every key for the EntryKinds routed here. It is
// grounded on the teacher's internal/storage/backend_memory.go role
// (fast, fully in-RAM tier) but backed by a real transactional store
// instead of a bare Go map, so Set/Get/range all go through SQL
// transactions.
type HotTier struct {
	mu  sync.Mutex
	db  *sql.DB
	dsn string

	tables map[string]bool
}

// NewHotTier opens an in-memory SQLite database dedicated to the hot
// tier. Each process gets its own private memory database (the DSN
// includes a unique name) so multiple engines in one test binary never
// collide.
func NewHotTier(name string) (*HotTier, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("hot tier: open: %w", err)
	}
	db.SetMaxOpenConns(1) // serialize access; matches the single-writer-per-tier rule (§4.2.3)
	return &HotTier{db: db, dsn: dsn, tables: make(map[string]bool)}, nil
}

func (t *HotTier) Name() string { return "hot" }

func (t *HotTier) tableName(kind EntryKind) string {
	return "kv_" + sanitizeIdent(kind.Table())
}

func sanitizeIdent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			out = append(out, c)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func (t *HotTier) EnsureTable(kind EntryKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl := t.tableName(kind)
	if t.tables[tbl] {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		k BLOB NOT NULL,
		version INTEGER NOT NULL,
		value BLOB,
		tombstone INTEGER NOT NULL,
		PRIMARY KEY (k, version)
	)`, tbl)
	if _, err := t.db.Exec(ddl); err != nil {
		return fmt.Errorf("hot tier: create table %s: %w", tbl, err)
	}
	t.tables[tbl] = true
	return nil
}

func (t *HotTier) ClearTable(kind EntryKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl := t.tableName(kind)
	if _, err := t.db.Exec(fmt.Sprintf(`DELETE FROM %q`, tbl)); err != nil {
		return fmt.Errorf("hot tier: clear table %s: %w", tbl, err)
	}
	return nil
}

func (t *HotTier) Get(kind EntryKind, k key.Key, version uint64) (VersionedValue, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl := t.tableName(kind)
	row := t.db.QueryRow(fmt.Sprintf(`SELECT version, value, tombstone FROM %q WHERE k = ? AND version <= ? ORDER BY version DESC LIMIT 1`, tbl), k.Bytes(), version)
	var v uint64
	var val []byte
	var tomb int
	if err := row.Scan(&v, &val, &tomb); err != nil {
		if err == sql.ErrNoRows {
			return VersionedValue{}, false, nil
		}
		return VersionedValue{}, false, fmt.Errorf("hot tier: get: %w", err)
	}
	if tomb != 0 {
		return VersionedValue{}, false, nil
	}
	return VersionedValue{Version: v, Value: val}, true, nil
}

func (t *HotTier) Set(kind EntryKind, version uint64, deltas []Delta) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl := t.tableName(kind)
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("hot tier: begin: %w", err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`INSERT INTO %q (k, version, value, tombstone) VALUES (?, ?, ?, ?)`, tbl))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("hot tier: prepare: %w", err)
	}
	for _, d := range deltas {
		tomb := 0
		var val []byte
		if d.Tombstone {
			tomb = 1
		} else {
			val = d.Value
		}
		if _, err := stmt.Exec(d.Key.Bytes(), version, val, tomb); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("hot tier: insert: %w", err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

func (t *HotTier) scanRange(kind EntryKind, start, end key.Key, version uint64, after []byte, batch int, desc bool) ([]VersionedValue, []key.Key, []byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl := t.tableName(kind)

	// Resolve candidate keys in the range, then pick the MVCC-visible
	// value per key, matching spec.md §4.2.2 ("Range scans must filter
	// each key to the MVCC-resolved value at V").
	order := "ASC"
	if desc {
		order = "DESC"
	}
	rows, err := t.db.Query(fmt.Sprintf(`SELECT DISTINCT k FROM %q WHERE k >= ? AND k < ? ORDER BY k %s`, tbl, order), start.Bytes(), end.Bytes())
	if err != nil {
		return nil, nil, nil, false, fmt.Errorf("hot tier: range keys: %w", err)
	}
	var allKeys [][]byte
	for rows.Next() {
		var kb []byte
		if err := rows.Scan(&kb); err != nil {
			rows.Close()
			return nil, nil, nil, false, err
		}
		allKeys = append(allKeys, kb)
	}
	rows.Close()

	var items []VersionedValue
	var keys []key.Key
	skipping := after != nil
	fetched := 0
	var lastKey []byte
	hasMore := false
	for _, kb := range allKeys {
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
		vv, ok, err := t.getLocked(tbl, kb, version)
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

func compareBytesDir(a, b []byte, desc bool) int {
	c := compareBytes(a, b)
	if desc {
		return -c
	}
	return c
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// getLocked reads the MVCC-resolved value for k assuming t.mu is held.
func (t *HotTier) getLocked(tbl string, k []byte, version uint64) (VersionedValue, bool, error) {
	row := t.db.QueryRow(fmt.Sprintf(`SELECT version, value, tombstone FROM %q WHERE k = ? AND version <= ? ORDER BY version DESC LIMIT 1`, tbl), k, version)
	var v uint64
	var val []byte
	var tomb int
	if err := row.Scan(&v, &val, &tomb); err != nil {
		if err == sql.ErrNoRows {
			return VersionedValue{}, false, nil
		}
		return VersionedValue{}, false, err
	}
	if tomb != 0 {
		return VersionedValue{}, false, nil
	}
	return VersionedValue{Version: v, Value: val}, true, nil
}

func (t *HotTier) RangeNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) ([]VersionedValue, []key.Key, Cursor, bool, error) {
	items, keys, last, hasMore, err := t.scanRange(kind, start, end, version, cursor.LastKey, batch, false)
	if err != nil {
		return nil, nil, Cursor{}, false, err
	}
	return items, keys, Cursor{LastKey: last}, hasMore, nil
}

func (t *HotTier) RangeRevNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) ([]VersionedValue, []key.Key, Cursor, bool, error) {
	items, keys, last, hasMore, err := t.scanRange(kind, start, end, version, cursor.LastKey, batch, true)
	if err != nil {
		return nil, nil, Cursor{}, false, err
	}
	return items, keys, Cursor{LastKey: last}, hasMore, nil
}

func (t *HotTier) GetAllVersions(kind EntryKind, k key.Key) ([]VersionedValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl := t.tableName(kind)
	rows, err := t.db.Query(fmt.Sprintf(`SELECT version, value, tombstone FROM %q WHERE k = ? ORDER BY version DESC`, tbl), k.Bytes())
	if err != nil {
		return nil, fmt.Errorf("hot tier: get all versions: %w", err)
	}
	defer rows.Close()
	var out []VersionedValue
	for rows.Next() {
		var v uint64
		var val []byte
		var tomb int
		if err := rows.Scan(&v, &val, &tomb); err != nil {
			return nil, err
		}
		out = append(out, VersionedValue{Version: v, Value: val, Tombstone: tomb != 0})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (t *HotTier) Drop(kind EntryKind, entries []DropEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl := t.tableName(kind)
	tx, err := t.db.Begin()
	if err != nil {
		return fmt.Errorf("hot tier: begin drop: %w", err)
	}
	stmt, err := tx.Prepare(fmt.Sprintf(`DELETE FROM %q WHERE k = ? AND version = ?`, tbl))
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, e := range entries {
		if _, err := stmt.Exec(e.Key.Bytes(), e.Version); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()
	return tx.Commit()
}

func (t *HotTier) Close() error {
	return t.db.Close()
}
