package kv

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nanodb/core/internal/key"
)

// ColdTier is an append-only, checksummed segment store: every Set
// appends one record per delta to a per-EntryKind segment file and
// updates an in-memory offset index, grounded on the teacher's
// internal/storage/pager package (fixed record framing, CRC32 checksums,
// WAL-style append-then-fsync discipline) but simplified from a full
// B+Tree page manager to a single append-only log per kind, since the
// drop worker — not a page-level free list — is what reclaims cold-tier
// space (spec.md §4.2.4).
//
// Record framing on disk: [len u32][crc32 u32][keylen u32][key][version
// u64][tombstone u8][value...], matching the header-then-payload shape
// of internal/storage/pager/page.go's PageHeaderSize framing.
type ColdTier struct {
	mu  sync.Mutex
	dir string

	segments map[string]*coldSegment
}

type coldSegment struct {
	path string
	f    *os.File
	// index maps a key's string form to every (version -> file offset)
	// pair recorded for it, newest appended last.
	index map[string][]coldOffset
}

type coldOffset struct {
	version uint64
	offset  int64
}

// NewColdTier opens a cold-tier directory, replaying every existing
// segment's index on first access.
func NewColdTier(dir string) (*ColdTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cold tier: mkdir: %w", err)
	}
	return &ColdTier{dir: dir, segments: make(map[string]*coldSegment)}, nil
}

func (t *ColdTier) Name() string { return "cold" }

func (t *ColdTier) segmentPath(tbl string) string {
	return filepath.Join(t.dir, sanitizeIdent(tbl)+".seg")
}

func (t *ColdTier) openSegment(kind EntryKind) (*coldSegment, error) {
	tbl := kind.Table()
	if s, ok := t.segments[tbl]; ok {
		return s, nil
	}
	path := t.segmentPath(tbl)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cold tier: open %s: %w", path, err)
	}
	s := &coldSegment{path: path, f: f, index: make(map[string][]coldOffset)}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, fmt.Errorf("cold tier: replay %s: %w", path, err)
	}
	t.segments[tbl] = s
	return s, nil
}

// replay scans the segment file from the start, rebuilding the offset
// index and stopping at the first corrupt/truncated record — the same
// "truncate partial tail" recovery tinySQL's WAL uses.
func (s *coldSegment) replay() error {
	if _, err := s.f.Seek(0, 0); err != nil {
		return err
	}
	r := bufio.NewReader(s.f)
	var offset int64
	for {
		rec, n, err := readColdRecord(r)
		if err != nil {
			break // truncated tail or EOF: stop, keep what replayed cleanly
		}
		s.index[string(rec.key)] = append(s.index[string(rec.key)], coldOffset{version: rec.version, offset: offset})
		offset += int64(n)
	}
	if _, err := s.f.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

type coldRecord struct {
	key       []byte
	version   uint64
	tombstone bool
	value     []byte
}

func encodeColdRecord(rec coldRecord) []byte {
	payload := make([]byte, 0, 4+len(rec.key)+8+1+len(rec.value))
	var kl [4]byte
	binary.LittleEndian.PutUint32(kl[:], uint32(len(rec.key)))
	payload = append(payload, kl[:]...)
	payload = append(payload, rec.key...)
	var vbuf [8]byte
	binary.LittleEndian.PutUint64(vbuf[:], rec.version)
	payload = append(payload, vbuf[:]...)
	if rec.tombstone {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	payload = append(payload, rec.value...)

	crc := crc32.ChecksumIEEE(payload)
	out := make([]byte, 0, 8+len(payload))
	var lenBuf, crcBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	out = append(out, lenBuf[:]...)
	out = append(out, crcBuf[:]...)
	out = append(out, payload...)
	return out
}

// readColdRecord reads one record and returns it plus its total on-disk
// size (header + payload) for offset bookkeeping.
func readColdRecord(r *bufio.Reader) (coldRecord, int, error) {
	var header [8]byte
	if _, err := readFull(r, header[:]); err != nil {
		return coldRecord{}, 0, err
	}
	payloadLen := binary.LittleEndian.Uint32(header[:4])
	wantCRC := binary.LittleEndian.Uint32(header[4:8])
	payload := make([]byte, payloadLen)
	if _, err := readFull(r, payload); err != nil {
		return coldRecord{}, 0, err
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return coldRecord{}, 0, fmt.Errorf("cold tier: checksum mismatch, corrupt record")
	}
	if len(payload) < 4 {
		return coldRecord{}, 0, fmt.Errorf("cold tier: short record")
	}
	kl := binary.LittleEndian.Uint32(payload[:4])
	pos := 4
	if uint32(len(payload)-pos) < kl {
		return coldRecord{}, 0, fmt.Errorf("cold tier: short key")
	}
	k := append([]byte(nil), payload[pos:pos+int(kl)]...)
	pos += int(kl)
	if len(payload)-pos < 9 {
		return coldRecord{}, 0, fmt.Errorf("cold tier: short version/tombstone")
	}
	version := binary.LittleEndian.Uint64(payload[pos : pos+8])
	pos += 8
	tomb := payload[pos] != 0
	pos++
	value := append([]byte(nil), payload[pos:]...)
	return coldRecord{key: k, version: version, tombstone: tomb, value: value}, 8 + len(payload), nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (t *ColdTier) EnsureTable(kind EntryKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.openSegment(kind)
	return err
}

func (t *ColdTier) ClearTable(kind EntryKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tbl := kind.Table()
	if s, ok := t.segments[tbl]; ok {
		s.f.Close()
		delete(t.segments, tbl)
	}
	return os.Remove(t.segmentPath(tbl))
}

func (s *coldSegment) readAt(offset int64) (coldRecord, error) {
	sr := io.NewSectionReader(s.f, offset, 1<<40)
	rec, _, err := readColdRecord(bufio.NewReader(sr))
	return rec, err
}

func (t *ColdTier) Get(kind EntryKind, k key.Key, version uint64) (VersionedValue, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.openSegment(kind)
	if err != nil {
		return VersionedValue{}, false, err
	}
	return t.resolve(s, k.Bytes(), version)
}

func (t *ColdTier) resolve(s *coldSegment, k []byte, version uint64) (VersionedValue, bool, error) {
	offs := s.index[string(k)]
	var best *coldOffset
	for i := range offs {
		if offs[i].version > version {
			continue
		}
		if best == nil || offs[i].version > best.version {
			best = &offs[i]
		}
	}
	if best == nil {
		return VersionedValue{}, false, nil
	}
	rec, err := s.readAt(best.offset)
	if err != nil {
		return VersionedValue{}, false, err
	}
	if rec.tombstone {
		return VersionedValue{}, false, nil
	}
	return VersionedValue{Version: rec.version, Value: rec.value}, true, nil
}

func (t *ColdTier) Set(kind EntryKind, version uint64, deltas []Delta) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.openSegment(kind)
	if err != nil {
		return err
	}
	for _, d := range deltas {
		if _, err := s.f.Seek(0, 2); err != nil {
			return err
		}
		info, err := s.f.Stat()
		if err != nil {
			return err
		}
		offset := info.Size()
		rec := coldRecord{key: d.Key.Bytes(), version: version, tombstone: d.Tombstone, value: d.Value}
		buf := encodeColdRecord(rec)
		if _, err := s.f.Write(buf); err != nil {
			return fmt.Errorf("cold tier: append: %w", err)
		}
		s.index[string(d.Key.Bytes())] = append(s.index[string(d.Key.Bytes())], coldOffset{version: version, offset: offset})
	}
	return s.f.Sync()
}

func (t *ColdTier) scanRange(kind EntryKind, start, end key.Key, version uint64, after []byte, batch int, desc bool) ([]VersionedValue, []key.Key, []byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.openSegment(kind)
	if err != nil {
		return nil, nil, nil, false, err
	}
	var candidates [][]byte
	for k := range s.index {
		kb := []byte(k)
		if compareBytes(kb, start.Bytes()) < 0 || compareBytes(kb, end.Bytes()) >= 0 {
			continue
		}
		candidates = append(candidates, kb)
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
		vv, ok, err := t.resolve(s, kb, version)
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

func (t *ColdTier) RangeNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) ([]VersionedValue, []key.Key, Cursor, bool, error) {
	items, keys, last, hasMore, err := t.scanRange(kind, start, end, version, cursor.LastKey, batch, false)
	if err != nil {
		return nil, nil, Cursor{}, false, err
	}
	return items, keys, Cursor{LastKey: last}, hasMore, nil
}

func (t *ColdTier) RangeRevNext(kind EntryKind, cursor Cursor, start, end key.Key, version uint64, batch int) ([]VersionedValue, []key.Key, Cursor, bool, error) {
	items, keys, last, hasMore, err := t.scanRange(kind, start, end, version, cursor.LastKey, batch, true)
	if err != nil {
		return nil, nil, Cursor{}, false, err
	}
	return items, keys, Cursor{LastKey: last}, hasMore, nil
}

func (t *ColdTier) GetAllVersions(kind EntryKind, k key.Key) ([]VersionedValue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.openSegment(kind)
	if err != nil {
		return nil, err
	}
	offs := s.index[string(k.Bytes())]
	out := make([]VersionedValue, 0, len(offs))
	for _, o := range offs {
		rec, err := s.readAt(o.offset)
		if err != nil {
			return nil, err
		}
		out = append(out, VersionedValue{Version: rec.version, Value: rec.value, Tombstone: rec.tombstone})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

// Drop compacts a segment by rewriting it without the named (key,
// version) pairs — the cold tier has no in-place page free list, so
// reclamation is a rewrite, same as tinySQL's WAL checkpoint-then-
// truncate.
func (t *ColdTier) Drop(kind EntryKind, entries []DropEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.openSegment(kind)
	if err != nil {
		return err
	}
	toDrop := map[string]bool{}
	for _, e := range entries {
		toDrop[string(e.Key.Bytes())+":"+fmt.Sprint(e.Version)] = true
	}

	allKeys := make([]string, 0, len(s.index))
	for k := range s.index {
		allKeys = append(allKeys, k)
	}
	sort.Strings(allKeys)

	tmp := s.path + ".compact"
	nf, err := os.Create(tmp)
	if err != nil {
		return err
	}
	newIndex := make(map[string][]coldOffset)
	var offset int64
	for _, k := range allKeys {
		for _, o := range s.index[k] {
			if toDrop[k+":"+fmt.Sprint(o.version)] {
				continue
			}
			rec, err := s.readAt(o.offset)
			if err != nil {
				nf.Close()
				return err
			}
			buf := encodeColdRecord(rec)
			if _, err := nf.Write(buf); err != nil {
				nf.Close()
				return err
			}
			newIndex[k] = append(newIndex[k], coldOffset{version: o.version, offset: offset})
			offset += int64(len(buf))
		}
	}
	if err := nf.Sync(); err != nil {
		nf.Close()
		return err
	}
	if err := nf.Close(); err != nil {
		return err
	}
	s.f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	s.f = f
	s.index = newIndex
	return nil
}

func (t *ColdTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.segments {
		if err := s.f.Close(); err != nil {
			return err
		}
	}
	return nil
}
