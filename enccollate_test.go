package revdb

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math"
	"reflect"
	"testing"
)

func TestKey_Encoding(t *testing.T) {
	tests := []struct {
		input    any
		expected string
	}{
		{nil, "01"},
		{false, "02"},
		{true, "03"},
		{0, "04 8000000000000000"},
		{math.Copysign(0, -1), "04 8000000000000000"},
		{1, "04 bff0000000000000"},
		{-1, "04 400fffffffffffff"},
		{"", "05 0001"},
		{"ab", "05 6162 0001"},
		{"a\x00b", "05 61 00ff 62 0001"},
		{[]any{}, "06 00"},
		{[]any{"a", nil}, "06 05610001 01 00"},
		{Object{{"a", true}}, "07 05610001 03 00"},
		{map[string]any{"b": 1, "a": nil}, "07 05610001 01 05620001 04bff0000000000000 00"},
	}
	for _, tt := range tests {
		k := MustEncodeKey(tt.input)
		if a, e := hex.EncodeToString(k), hex.EncodeToString(x(tt.expected)); a != e {
			t.Errorf("** EncodeKey(%#v) = %s, wanted %s", tt.input, a, e)
		}
	}
}

func TestKey_RoundTrip(t *testing.T) {
	tests := []any{
		nil,
		true,
		false,
		0.0,
		-273.15,
		1e300,
		-1e-300,
		"",
		"hello",
		"with\x00zero",
		"юникод",
		[]any{},
		[]any{1.0, "two", []any{3.0}, nil},
		Object{},
		Object{{"z", 1.0}, {"a", []any{true}}},
	}
	for _, v := range tests {
		k := MustEncodeKey(v)
		d, err := DecodeKey(k)
		if err != nil {
			t.Errorf("** DecodeKey(%v) failed: %v", k, err)
			continue
		}
		if !reflect.DeepEqual(d, v) {
			t.Errorf("** DecodeKey(EncodeKey(%#v)) = %#v", v, d)
		}
	}
}

func TestKey_Order(t *testing.T) {
	ordered := []any{
		nil,
		false,
		true,
		-1e10,
		-1,
		-0.5,
		0,
		0.5,
		1,
		2,
		1e10,
		"",
		"\x00",
		"A",
		"a",
		"a\x00",
		"aa",
		"b",
		[]any{},
		[]any{nil},
		[]any{1},
		[]any{1, nil},
		[]any{1, 2},
		[]any{2},
		[]any{"a"},
		[]any{[]any{}},
		Object{},
		Object{{"a", 1}},
		Object{{"a", 2}},
		Object{{"a", 2}, {"b", nil}},
		Object{{"b", nil}},
	}
	for i := 1; i < len(ordered); i++ {
		a, b := MustEncodeKey(ordered[i-1]), MustEncodeKey(ordered[i])
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("** %s >= %s (%x vs %x)", a, b, a, b)
		}
		if CollateValues(ordered[i-1], ordered[i]) >= 0 {
			t.Errorf("** CollateValues(%v, %v) >= 0", ordered[i-1], ordered[i])
		}
	}
}

func TestKey_UpperBound(t *testing.T) {
	k := MustEncodeKey([]any{"a", 1})
	bound := append(append([]byte(nil), k...), 0xFF)
	longer := append(append([]byte(nil), k...), MustEncodeKey("doc")...)
	next := MustEncodeKey([]any{"a", 1, nil})
	if bytes.Compare(longer, bound) >= 0 {
		t.Errorf("** key with suffix sorts after bound")
	}
	if bytes.Compare(next, bound) <= 0 {
		t.Errorf("** next key sorts before bound")
	}
}

func TestKey_JSON(t *testing.T) {
	tests := []struct {
		input    any
		expected string
	}{
		{nil, `null`},
		{true, `true`},
		{42, `42`},
		{-0.25, `-0.25`},
		{1e21, `1e+21`},
		{"a\"<b>", `"a\"<b>"`},
		{[]any{1, "x", []any{}}, `[1,"x",[]]`},
		{Object{{"z", 1}, {"a", Object{}}}, `{"z":1,"a":{}}`},
	}
	for _, tt := range tests {
		a, err := KeyToJSON(tt.input)
		if err != nil {
			t.Errorf("** KeyToJSON(%#v) failed: %v", tt.input, err)
		} else if a != tt.expected {
			t.Errorf("** KeyToJSON(%#v) = %s, wanted %s", tt.input, a, tt.expected)
		}
	}
}

func TestKeyReader(t *testing.T) {
	k := MustEncodeKey([]any{true, 2.5, "s", Object{{"k", nil}}})
	r := NewKeyReader(k)

	deepEqual(t, r.Peek(), KeyArray)
	ensure(r.BeginArray())
	deepEqual(t, must(r.ReadBool()), true)

	if _, err := r.ReadString(); !errors.Is(err, ErrInvalidEncoding) {
		t.Errorf("** ReadString on a number: err = %v, wanted ErrInvalidEncoding", err)
	}
	deepEqual(t, must(r.ReadNumber()), 2.5)
	ensure(r.Skip())
	deepEqual(t, r.Peek(), KeyObject)
	ensure(r.BeginObject())
	deepEqual(t, must(r.ReadString()), "k")
	ensure(r.ReadNull())
	deepEqual(t, r.Peek(), KeyEndSequence)
	ensure(r.EndSequence())
	ensure(r.EndSequence())

	deepEqual(t, r.Peek(), KeyEOF)
	if err := r.EndSequence(); !errors.Is(err, ErrInvalidEncoding) {
		t.Errorf("** EndSequence past the top level: err = %v, wanted ErrInvalidEncoding", err)
	}
	if _, err := r.Read(); !errors.Is(err, ErrInvalidEncoding) {
		t.Errorf("** Read past the top level: err = %v, wanted ErrInvalidEncoding", err)
	}
}

func TestKeyReader_Rest(t *testing.T) {
	buf := must(AppendKey(nil, "key"))
	buf = must(AppendKey(buf, "doc"))
	buf = append(buf, 0, 0, 0, 7)

	r := NewKeyReader(buf)
	deepEqual(t, must(r.ReadString()), "key")
	rest := NewKeyReader(r.Rest())
	deepEqual(t, must(rest.ReadString()), "doc")
	deepEqual(t, rest.Rest(), []byte{0, 0, 0, 7})
}

func TestKey_Invalid(t *testing.T) {
	for _, v := range []any{math.NaN(), math.Inf(1), struct{}{}, map[int]any{}} {
		if _, err := EncodeKey(v); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("** EncodeKey(%#v): err = %v, wanted ErrInvalidParameter", v, err)
		}
	}
	for _, raw := range []string{"", "00", "08", "04 01", "05 6162", "05 61 0007", "06 01", "01 01"} {
		if _, err := DecodeKey(x(raw)); !errors.Is(err, ErrInvalidEncoding) {
			t.Errorf("** DecodeKey(%s): err = %v, wanted ErrInvalidEncoding", raw, err)
		}
	}
}
