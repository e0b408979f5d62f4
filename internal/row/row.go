package row

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Value is a single column value. Exactly one of the typed fields is
// meaningful, selected by the paired Field's Type; Undefined marks a
// value absent from this row entirely (spec.md §4.4.4's Map operator
// "emits UNDEFINED" behavior for missing input columns).
type Value struct {
	Undefined bool
	Bool      bool
	Int32     int32
	Int64     int64
	Float64   float64
	Bytes     []byte // also used for String (UTF-8 bytes)
}

// Undef returns the undefined sentinel value.
func Undef() Value { return Value{Undefined: true} }

// Row is a decoded, in-memory tuple: one Value per Layout field, in
// field order.
type Row struct {
	Layout *Layout
	Values []Value
}

// NewRow allocates a Row with every value undefined.
func NewRow(l *Layout) *Row {
	vals := make([]Value, len(l.Fields))
	for i := range vals {
		vals[i] = Undef()
	}
	return &Row{Layout: l, Values: vals}
}

// Set assigns a field by name.
func (r *Row) Set(name string, v Value) error {
	idx := r.Layout.IndexOf(name)
	if idx < 0 {
		return fmt.Errorf("row: unknown field %q", name)
	}
	r.Values[idx] = v
	return nil
}

// Get reads a field by name.
func (r *Row) Get(name string) (Value, error) {
	idx := r.Layout.IndexOf(name)
	if idx < 0 {
		return Value{}, fmt.Errorf("row: unknown field %q", name)
	}
	return r.Values[idx], nil
}

// Clone performs a deep copy, since EncodedRow arenas are meant to be
// copy-on-write per spec.md §5 ("reference-counted copy-on-write byte
// buffers; cloning is cheap, mutation clones the underlying storage") —
// at the Row level, cloning is the mutation boundary.
func (r *Row) Clone() *Row {
	out := &Row{Layout: r.Layout, Values: make([]Value, len(r.Values))}
	for i, v := range r.Values {
		nv := v
		if v.Bytes != nil {
			nv.Bytes = append([]byte(nil), v.Bytes...)
		}
		out.Values[i] = nv
	}
	return out
}

// Encode produces the wire form: [bitmap][static section][dynamic section].
func Encode(r *Row) ([]byte, error) {
	l := r.Layout
	if len(r.Values) != len(l.Fields) {
		return nil, fmt.Errorf("row: value count %d does not match layout field count %d", len(r.Values), len(l.Fields))
	}

	bitmap := make([]byte, l.bitmapBytes)
	static := make([]byte, l.staticSize)
	var dynamic []byte

	for i, f := range l.Fields {
		v := r.Values[i]
		if v.Undefined {
			continue
		}
		bitmap[i/8] |= 1 << uint(i%8)

		switch f.Type {
		case TypeBool:
			if v.Bool {
				static[l.staticOffsets[i]] = 1
			}
		case TypeInt32:
			binary.LittleEndian.PutUint32(static[l.staticOffsets[i]:], uint32(v.Int32))
		case TypeInt64, TypeTimestamp:
			binary.LittleEndian.PutUint64(static[l.staticOffsets[i]:], uint64(v.Int64))
		case TypeFloat64:
			binary.LittleEndian.PutUint64(static[l.staticOffsets[i]:], math.Float64bits(v.Float64))
		case TypeString, TypeBytes:
			var lenBuf [4]byte
			binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(v.Bytes)))
			dynamic = append(dynamic, lenBuf[:]...)
			dynamic = append(dynamic, v.Bytes...)
		default:
			return nil, fmt.Errorf("row: unsupported field type %d for %q", f.Type, f.Name)
		}
	}

	out := make([]byte, 0, len(bitmap)+len(static)+len(dynamic))
	out = append(out, bitmap...)
	out = append(out, static...)
	out = append(out, dynamic...)
	return out, nil
}

// Decode reverses Encode against the given Layout. The bytes carry no
// fingerprint and nothing checks that l is the Layout they were
// encoded with; the caller is responsible for passing the right one.
func Decode(l *Layout, data []byte) (*Row, error) {
	if len(data) < l.bitmapBytes+l.staticSize {
		return nil, fmt.Errorf("row: truncated encoding: have %d bytes, need at least %d", len(data), l.bitmapBytes+l.staticSize)
	}
	bitmap := data[:l.bitmapBytes]
	static := data[l.bitmapBytes : l.bitmapBytes+l.staticSize]
	dynamic := data[l.bitmapBytes+l.staticSize:]

	r := NewRow(l)
	dynPos := 0
	for i, f := range l.Fields {
		defined := bitmap[i/8]&(1<<uint(i%8)) != 0
		if !defined {
			continue
		}
		switch f.Type {
		case TypeBool:
			r.Values[i] = Value{Bool: static[l.staticOffsets[i]] != 0}
		case TypeInt32:
			r.Values[i] = Value{Int32: int32(binary.LittleEndian.Uint32(static[l.staticOffsets[i]:]))}
		case TypeInt64, TypeTimestamp:
			r.Values[i] = Value{Int64: int64(binary.LittleEndian.Uint64(static[l.staticOffsets[i]:]))}
		case TypeFloat64:
			r.Values[i] = Value{Float64: math.Float64frombits(binary.LittleEndian.Uint64(static[l.staticOffsets[i]:]))}
		case TypeString, TypeBytes:
			if dynPos+4 > len(dynamic) {
				return nil, fmt.Errorf("row: truncated dynamic section at field %q", f.Name)
			}
			n := int(binary.LittleEndian.Uint32(dynamic[dynPos:]))
			dynPos += 4
			if dynPos+n > len(dynamic) {
				return nil, fmt.Errorf("row: truncated dynamic field %q", f.Name)
			}
			b := make([]byte, n)
			copy(b, dynamic[dynPos:dynPos+n])
			dynPos += n
			r.Values[i] = Value{Bytes: b}
		default:
			return nil, fmt.Errorf("row: unsupported field type %d for %q", f.Type, f.Name)
		}
	}
	return r, nil
}
