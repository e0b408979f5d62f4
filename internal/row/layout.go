// Package row implements the typed, content-addressed row layout used
// for every value stored in the tiers: a definedness bitmap, a
// fixed-width static section, and a length-prefixed dynamic section,
// per spec.md §3.1 and §6.2.
//
// What: Layout describes a row's field types and offsets; EncodedRow is
// the byte-for-byte wire form of one row under a Layout. Each Layout
// has a fingerprint, but encoded row bytes do not include it: a reader
// must already hold the Layout the writer used.
// How: Fixed-width fields (ints, floats, bools, timestamps) live at
// fixed offsets in the static section; the dynamic section holds
// length-prefixed bytes for variable-width fields (strings, blobs) in
// declaration order. This mirrors tinySQL's Column/ColType model
// (internal/storage/db.go) but replaces its []any row representation
// with a compact binary layout matching spec.md §6.2's field-offset
// getters/setters.
// Why: A schema fingerprint lets the storage layer and the flow engine
// exchange rows without a shared in-process type registry: two readers
// holding the same fingerprint agree on layout without negotiation.
package row

import (
	"crypto/sha256"
	"fmt"
)

// FieldType enumerates the primitive value types a Layout field can hold.
type FieldType uint8

const (
	TypeBool FieldType = iota + 1
	TypeInt32
	TypeInt64
	TypeFloat64
	TypeString
	TypeBytes
	TypeTimestamp // int64 unix-nanos, fixed width like Int64
)

func (t FieldType) fixedWidth() (width int, fixed bool) {
	switch t {
	case TypeBool:
		return 1, true
	case TypeInt32:
		return 4, true
	case TypeInt64, TypeTimestamp:
		return 8, true
	case TypeFloat64:
		return 8, true
	case TypeString, TypeBytes:
		return 0, false
	default:
		return 0, false
	}
}

// Field describes one column of a Layout.
type Field struct {
	Name string
	Type FieldType
}

// Layout is the immutable, content-addressed description of a row's
// shape. Two Layouts with the same fields in the same order have the
// same Fingerprint, letting rows be compared for structural equality
// without comparing names.
type Layout struct {
	Fields      []Field
	Fingerprint [32]byte

	staticOffsets []int
	staticSize    int
	bitmapBytes   int
}

// NewLayout builds a Layout and computes its static-section offsets and
// content fingerprint.
func NewLayout(fields []Field) *Layout {
	l := &Layout{Fields: append([]Field(nil), fields...)}
	l.bitmapBytes = (len(fields) + 7) / 8
	offsets := make([]int, len(fields))
	off := 0
	for i, f := range fields {
		w, fixed := f.Type.fixedWidth()
		if fixed {
			offsets[i] = off
			off += w
		} else {
			offsets[i] = -1 // resolved in the dynamic section at encode time
		}
	}
	l.staticOffsets = offsets
	l.staticSize = off
	l.Fingerprint = computeFingerprint(fields)
	return l
}

func computeFingerprint(fields []Field) [32]byte {
	h := sha256.New()
	for _, f := range fields {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write([]byte{byte(f.Type)})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// IndexOf returns the field index for a name, or -1 if absent.
func (l *Layout) IndexOf(name string) int {
	for i, f := range l.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// FingerprintHex renders the fingerprint for logs and diagnostics.
func (l *Layout) FingerprintHex() string {
	return fmt.Sprintf("%x", l.Fingerprint[:8])
}
