// Package key implements the encoded-key format shared by every storage
// tier and by the catalog and flow packages built on top of them.
//
// What: An EncodedKey is an immutable byte vector whose leading byte
// encodes a Kind tag, followed by an order-preserving encoding of the
// kind's components. Byte ordering of the encoded form always matches
// the intended logical ordering: unsigned big-endian for ascending
// components, bitwise-negated big-endian for descending ones.
// How: Components are appended with fixed-width big-endian encoders so
// that lexicographic byte comparison equals numeric/logical comparison,
// mirroring the row-key layout tinySQL used internally (lower-cased
// name index, fixed column offsets) but generalized to arbitrary key
// kinds instead of a single table row format.
// Why: A single, uniform key format lets every tier (hot/warm/cold)
// treat keys as opaque sortable bytes, which is what makes range scans,
// MVCC version resolution, and CDC replay all share one comparator.
package key

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind partitions the key namespace into logical tables. It is the Go
// expression of spec.md's "key kind" tag.
type Kind uint8

const (
	KindRow Kind = iota + 1
	KindIndexEntry
	KindNamespace
	KindPrimitive
	KindSchemaHeader
	KindSchemaField
	KindFlow
	KindFlowNode
	KindFlowEdge
	KindFlowNodeState
	KindRetentionPolicy
	KindHandler
	KindSumType
	KindVariant
	KindDictionary
	KindRingBuffer
	KindCDCRecord
	KindCDCSequence
	KindSequence
)

func (k Kind) String() string {
	switch k {
	case KindRow:
		return "Row"
	case KindIndexEntry:
		return "IndexEntry"
	case KindNamespace:
		return "Namespace"
	case KindPrimitive:
		return "Primitive"
	case KindSchemaHeader:
		return "SchemaHeader"
	case KindSchemaField:
		return "SchemaField"
	case KindFlow:
		return "Flow"
	case KindFlowNode:
		return "FlowNode"
	case KindFlowEdge:
		return "FlowEdge"
	case KindFlowNodeState:
		return "FlowNodeState"
	case KindRetentionPolicy:
		return "RetentionPolicy"
	case KindHandler:
		return "Handler"
	case KindSumType:
		return "SumType"
	case KindVariant:
		return "Variant"
	case KindDictionary:
		return "Dictionary"
	case KindRingBuffer:
		return "RingBuffer"
	case KindCDCRecord:
		return "CDCRecord"
	case KindCDCSequence:
		return "CDCSequence"
	case KindSequence:
		return "Sequence"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Key is an immutable, comparable encoded key.
type Key struct {
	b []byte
}

// Bytes returns the underlying byte slice. Callers must not mutate it.
func (k Key) Bytes() []byte { return k.b }

// Kind returns the leading kind tag, or 0 if the key is empty.
func (k Key) Kind() Kind {
	if len(k.b) == 0 {
		return 0
	}
	return Kind(k.b[0])
}

// Compare returns -1/0/1 the way bytes.Compare does; byte order equals
// logical order by construction.
func (k Key) Compare(other Key) int { return bytes.Compare(k.b, other.b) }

// Equal reports whether two keys are byte-identical.
func (k Key) Equal(other Key) bool { return bytes.Equal(k.b, other.b) }

// FromBytes wraps a raw byte slice as a Key without copying. Use when the
// caller already owns an immutable buffer (e.g. read from a tier).
func FromBytes(b []byte) Key { return Key{b: b} }

// Builder assembles an encoded key component by component.
type Builder struct {
	buf []byte
}

// NewBuilder starts a key of the given kind.
func NewBuilder(k Kind) *Builder {
	b := &Builder{buf: make([]byte, 0, 32)}
	b.buf = append(b.buf, byte(k))
	return b
}

// PutUint64 appends an ascending-ordered 64-bit component.
func (b *Builder) PutUint64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutUint64Desc appends a descending-ordered 64-bit component by
// bitwise-negating the big-endian bytes, per spec.md §3.1 and the
// row-number encoding required by §6.2 (newest rows sort first).
func (b *Builder) PutUint64Desc(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], ^v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutUint32 appends an ascending-ordered 32-bit component.
func (b *Builder) PutUint32(v uint32) *Builder {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutByte appends a single raw byte (e.g. a sub-tag).
func (b *Builder) PutByte(v byte) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// PutBytes appends a length-prefixed raw byte component. Used for
// variable-length identifiers such as names; the length prefix keeps the
// encoding self-delimiting for decoding without breaking ordering of the
// fixed-width components that precede it.
func (b *Builder) PutBytes(v []byte) *Builder {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	b.buf = append(b.buf, lenBuf[:]...)
	b.buf = append(b.buf, v...)
	return b
}

// Build finalizes the key.
func (b *Builder) Build() Key {
	out := make([]byte, len(b.buf))
	copy(out, b.buf)
	return Key{b: out}
}

// Decoder walks a previously-built key's components back out in order.
// It mirrors Builder's Put* calls with matching Get* calls.
type Decoder struct {
	b   []byte
	pos int
}

// NewDecoder creates a decoder positioned after the kind tag.
func NewDecoder(k Key) (*Decoder, Kind, error) {
	if len(k.b) == 0 {
		return nil, 0, fmt.Errorf("key: cannot decode empty key")
	}
	return &Decoder{b: k.b, pos: 1}, Kind(k.b[0]), nil
}

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.b) {
		return fmt.Errorf("key: truncated component, need %d bytes at offset %d (len %d)", n, d.pos, len(d.b))
	}
	return nil
}

// GetUint64 reads an ascending-ordered component.
func (d *Decoder) GetUint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.b[d.pos : d.pos+8])
	d.pos += 8
	return v, nil
}

// GetUint64Desc reads a descending-ordered component, undoing the negation.
func (d *Decoder) GetUint64Desc() (uint64, error) {
	v, err := d.GetUint64()
	if err != nil {
		return 0, err
	}
	return ^v, nil
}

// GetUint32 reads an ascending-ordered 32-bit component.
func (d *Decoder) GetUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.b[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

// GetByte reads a single raw byte.
func (d *Decoder) GetByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.b[d.pos]
	d.pos++
	return v, nil
}

// GetBytes reads a length-prefixed component.
func (d *Decoder) GetBytes() ([]byte, error) {
	if err := d.need(4); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(d.b[d.pos : d.pos+4]))
	d.pos += 4
	if err := d.need(n); err != nil {
		return nil, err
	}
	v := d.b[d.pos : d.pos+n]
	d.pos += n
	return v, nil
}

// Done reports whether every byte of the key has been consumed.
func (d *Decoder) Done() bool { return d.pos == len(d.b) }

// PrimitiveID identifies a top-level data entity (table, view, ring
// buffer, dictionary, vtable). It is a tagged union encoded as a
// one-byte kind discriminant followed by a u64 id, matching spec.md
// §3.2's "tagged union" description.
type PrimitiveID struct {
	Kind PrimitiveKind
	ID   uint64
}

// PrimitiveKind discriminates the PrimitiveID union.
type PrimitiveKind uint8

const (
	PrimitiveTable PrimitiveKind = iota + 1
	PrimitiveView
	PrimitiveRingBuffer
	PrimitiveDictionary
	PrimitiveVTable
)

func (p PrimitiveID) encode(b *Builder) *Builder {
	return b.PutByte(byte(p.Kind)).PutUint64(p.ID)
}

func decodePrimitiveID(d *Decoder) (PrimitiveID, error) {
	k, err := d.GetByte()
	if err != nil {
		return PrimitiveID{}, err
	}
	id, err := d.GetUint64()
	if err != nil {
		return PrimitiveID{}, err
	}
	return PrimitiveID{Kind: PrimitiveKind(k), ID: id}, nil
}

// RowNumber is a stable identifier for a row within a primitive.
type RowNumber uint64

// NewRowKey builds the row key `[kind|primitive-id|row-number-desc]`
// described in spec.md §6.2: row numbers are encoded descending so that
// newest rows sort first in reverse scans.
func NewRowKey(p PrimitiveID, row RowNumber) Key {
	b := NewBuilder(KindRow)
	p.encode(b)
	b.PutUint64Desc(uint64(row))
	return b.Build()
}

// DecodeRowKey reverses NewRowKey.
func DecodeRowKey(k Key) (PrimitiveID, RowNumber, error) {
	d, kind, err := NewDecoder(k)
	if err != nil {
		return PrimitiveID{}, 0, err
	}
	if kind != KindRow {
		return PrimitiveID{}, 0, fmt.Errorf("key: expected KindRow, got %s", kind)
	}
	p, err := decodePrimitiveID(d)
	if err != nil {
		return PrimitiveID{}, 0, err
	}
	row, err := d.GetUint64Desc()
	if err != nil {
		return PrimitiveID{}, 0, err
	}
	return p, RowNumber(row), nil
}

// RowKeyRange returns the [start, end) byte range covering every row key
// for the given primitive, for use in range scans.
func RowKeyRange(p PrimitiveID) (start, end Key) {
	b := NewBuilder(KindRow)
	p.encode(b)
	prefix := b.buf
	startBuf := make([]byte, len(prefix))
	copy(startBuf, prefix)
	endBuf := make([]byte, len(prefix))
	copy(endBuf, prefix)
	endBuf = incrementPrefix(endBuf)
	return Key{b: startBuf}, Key{b: endBuf}
}

// incrementPrefix returns the lexicographically smallest byte string
// strictly greater than every string having b as a prefix.
func incrementPrefix(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	// all 0xFF: no finite upper bound, caller must treat end as +inf
	return append(out, 0xFF)
}

// NewFlowNodeStateKey builds the `(FlowNodeId, user key)` key used by
// flow operators to store private state under EntryKind::Operator(id),
// per spec.md §3.2 and I4.
func NewFlowNodeStateKey(flowNodeID uint64, userKey []byte) Key {
	b := NewBuilder(KindFlowNodeState)
	b.PutUint64(flowNodeID)
	b.PutBytes(userKey)
	return b.Build()
}
