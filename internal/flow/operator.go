package flow

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/nanodb/core/internal/row"
)

// encodeState/decodeState gob-encode an operator's private accumulator
// values for storage under its EntryKind::Operator(id) partition,
// mirroring internal/catalog/store.go's encodeGob/decodeGob for the same
// reason: one small, uniform way to persist a Go value as bytes.
func encodeState(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("flow: encode operator state: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeState(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return fmt.Errorf("flow: decode operator state: %w", err)
	}
	return nil
}

// groupKey builds a deterministic byte key from a row's values at the
// named columns, used wherever an operator must hash or index by a
// group-by/join/distinct key (spec.md §4.4.4's Aggregate, Distinct,
// Join, Window). Column order is significant and must be stable across
// calls for the same logical key.
func groupKey(r *row.Row, columns []string) ([]byte, error) {
	var buf bytes.Buffer
	for _, name := range columns {
		idx := r.Layout.IndexOf(name)
		if idx < 0 {
			return nil, fmt.Errorf("flow: group key column %q not in layout", name)
		}
		writeValue(&buf, r.Layout.Fields[idx].Type, r.Values[idx])
	}
	return buf.Bytes(), nil
}

// writeValue appends a self-delimiting, type-directed encoding of v to
// buf: a one-byte definedness tag followed by the value's bytes under
// its declared field type, so two rows never collide on a key just
// because a string happened to contain another field's byte pattern.
func writeValue(buf *bytes.Buffer, t row.FieldType, v row.Value) {
	if v.Undefined {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	var tmp [8]byte
	switch t {
	case row.TypeBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case row.TypeInt32:
		binary.BigEndian.PutUint32(tmp[:4], uint32(v.Int32))
		buf.Write(tmp[:4])
	case row.TypeInt64, row.TypeTimestamp:
		binary.BigEndian.PutUint64(tmp[:], uint64(v.Int64))
		buf.Write(tmp[:])
	case row.TypeFloat64:
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.Float64))
		buf.Write(tmp[:])
	case row.TypeString, row.TypeBytes:
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v.Bytes)))
		buf.Write(lenBuf[:])
		buf.Write(v.Bytes)
	}
}
