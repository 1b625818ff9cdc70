package revdb

import (
	"errors"
	"testing"
)

func TestTuple_Equal(t *testing.T) {
	a := tuple{[]byte{1}, []byte{2, 3}}
	b := tuple{[]byte{1}, []byte{2, 3}}
	c := tuple{[]byte{1}, []byte{9}}

	if !a.Equal(b) || a.Equal(c) {
		t.Fatalf("tuple.Equal returned unexpected results")
	}
}

func TestTuple_DecodeN(t *testing.T) {
	raw := makeTuple([]byte("doc"), []byte("1-abc"))
	tup, err := decodeTupleN(raw, 2)
	if err != nil {
		t.Fatalf("decodeTupleN err = %v", err)
	}
	if string(tup[0]) != "doc" || string(tup[1]) != "1-abc" {
		t.Fatalf("decodeTupleN = %s, wanted doc|1-abc", tup)
	}

	_, err = decodeTupleN(raw, 3)
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("decodeTupleN(3) err = %v, wanted ErrInvalidEncoding", err)
	}
}

func TestTuple_DecodeGarbage(t *testing.T) {
	_, err := decodeTuple([]byte{0x10, 0x05})
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Fatalf("decodeTuple(garbage) err = %v, wanted ErrInvalidEncoding", err)
	}
}
