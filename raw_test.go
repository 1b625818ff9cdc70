package revdb

import (
	"errors"
	"testing"
)

func TestRawStores(t *testing.T) {
	db := setup(t)

	_, err := db.RawGet("info", []byte("k"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("RawGet(missing store) = %v, wanted ErrNotFound", err)
	}

	ensure(db.RawPut("info", []byte("k1"), []byte("m1"), []byte("b1")))
	ensure(db.RawPut("info", []byte("k2"), nil, []byte("b2")))
	ensure(db.RawPut("info", []byte("k3"), []byte("m3"), nil))
	ensure(db.RawPut("other", []byte("k1"), nil, []byte("x")))

	deepEqual(t, must(db.RawGet("info", []byte("k1"))), &RawDocument{Key: []byte("k1"), Meta: []byte("m1"), Body: []byte("b1")})
	deepEqual(t, must(db.RawGet("info", []byte("k2"))), &RawDocument{Key: []byte("k2"), Body: []byte("b2")})
	deepEqual(t, must(db.RawGet("info", []byte("k3"))), &RawDocument{Key: []byte("k3"), Meta: []byte("m3")})
	deepEqual(t, must(db.RawStores()), []string{"info", "other"})

	// raw writes do not touch the sequence
	deepEqual(t, db.LastSequence(), uint64(0))

	var keys []string
	for doc, err := range db.RawEnumerate("info", RawIO([]byte("k2"))) {
		ensure(err)
		keys = append(keys, string(doc.Key))
	}
	deepEqual(t, keys, []string{"k2", "k3"})

	keys = nil
	for doc, err := range db.RawEnumerate("info", RawOO().Reversed()) {
		ensure(err)
		keys = append(keys, string(doc.Key))
		if len(keys) == 2 {
			break
		}
	}
	deepEqual(t, keys, []string{"k3", "k2"})
	deepEqual(t, db.ReaderCount.Load(), int64(0))

	// nil meta and body delete
	ensure(db.RawPut("info", []byte("k1"), nil, nil))
	_, err = db.RawGet("info", []byte("k1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("RawGet(deleted) = %v, wanted ErrNotFound", err)
	}
	ensure(db.RawPut("nope", []byte("k1"), nil, nil))

	s := must(db.Stats())
	deepEqual(t, s.RawStores, 2)
	deepEqual(t, s.RawRecords, 3)
}

func TestRawStores_InvalidParameters(t *testing.T) {
	db := setup(t)
	if err := db.RawPut("", []byte("k"), nil, []byte("v")); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("RawPut(empty store) = %v, wanted ErrInvalidParameter", err)
	}
	if err := db.RawPut("s", nil, nil, []byte("v")); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("RawPut(empty key) = %v, wanted ErrInvalidParameter", err)
	}
	for _, err := range db.RawEnumerate("", RawOO()) {
		if !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("RawEnumerate(empty store) = %v, wanted ErrInvalidParameter", err)
		}
	}
}

func TestRawStores_InTransaction(t *testing.T) {
	db := setup(t)
	ensure(db.BeginTransaction())
	ensure(db.RawPut("s", []byte("k"), nil, []byte("v")))
	ensure(db.Read(func(tx *Tx) error {
		deepEqual(t, string(must(tx.RawGet("s", []byte("k"))).Body), "v")
		return nil
	}))
	ensure(db.EndTransaction(false))

	_, err := db.RawGet("s", []byte("k"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("RawGet after rollback = %v, wanted ErrNotFound", err)
	}
}
