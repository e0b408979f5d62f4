package row

import "testing"

func testLayout() *Layout {
	return NewLayout([]Field{
		{Name: "id", Type: TypeInt32},
		{Name: "val", Type: TypeString},
		{Name: "active", Type: TypeBool},
		{Name: "score", Type: TypeFloat64},
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l := testLayout()
	r := NewRow(l)
	mustSet(t, r, "id", Value{Int32: 42})
	mustSet(t, r, "val", Value{Bytes: []byte("hello")})
	mustSet(t, r, "active", Value{Bool: true})
	mustSet(t, r, "score", Value{Float64: 3.5})

	enc, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec, err := Decode(l, enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	for i, f := range l.Fields {
		want := r.Values[i]
		got := dec.Values[i]
		if want.Undefined != got.Undefined {
			t.Fatalf("field %s: undefined mismatch want=%v got=%v", f.Name, want.Undefined, got.Undefined)
		}
		switch f.Type {
		case TypeInt32:
			if want.Int32 != got.Int32 {
				t.Errorf("field %s: want %d got %d", f.Name, want.Int32, got.Int32)
			}
		case TypeBool:
			if want.Bool != got.Bool {
				t.Errorf("field %s: want %v got %v", f.Name, want.Bool, got.Bool)
			}
		case TypeFloat64:
			if want.Float64 != got.Float64 {
				t.Errorf("field %s: want %v got %v", f.Name, want.Float64, got.Float64)
			}
		case TypeString:
			if string(want.Bytes) != string(got.Bytes) {
				t.Errorf("field %s: want %q got %q", f.Name, want.Bytes, got.Bytes)
			}
		}
	}
}

func TestEncodeDecodeUndefinedFields(t *testing.T) {
	l := testLayout()
	r := NewRow(l)
	mustSet(t, r, "id", Value{Int32: 7})
	// val, active, score left undefined

	enc, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec, err := Decode(l, enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if dec.Values[0].Undefined {
		t.Fatalf("id should be defined")
	}
	for _, name := range []string{"val", "active", "score"} {
		idx := l.IndexOf(name)
		if !dec.Values[idx].Undefined {
			t.Errorf("field %s: expected undefined", name)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	a := testLayout()
	b := testLayout()
	if a.Fingerprint != b.Fingerprint {
		t.Fatalf("identical field lists produced different fingerprints")
	}
	c := NewLayout([]Field{{Name: "id", Type: TypeInt32}})
	if a.Fingerprint == c.Fingerprint {
		t.Fatalf("different field lists produced identical fingerprints")
	}
}

func mustSet(t *testing.T, r *Row, name string, v Value) {
	t.Helper()
	if err := r.Set(name, v); err != nil {
		t.Fatalf("Set(%s): %v", name, err)
	}
}
