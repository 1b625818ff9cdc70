package revdb

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestTransaction_Nesting(t *testing.T) {
	db := setup(t)

	ensure(db.BeginTransaction())
	ensure(db.BeginTransaction())
	deepEqual(t, db.IsInTransaction(), true)
	update(t, db, "a", "1")
	deepEqual(t, db.LastSequence(), uint64(1))
	ensure(db.EndTransaction(true))

	// still open at the outer level, so nothing is committed
	deepEqual(t, db.IsInTransaction(), true)
	deepEqual(t, enumIDs(t, db.EnumerateAllDocs("", "", EnumOptions{})), []string(nil))
	ensure(db.EndTransaction(true))
	deepEqual(t, db.IsInTransaction(), false)
	deepEqual(t, enumIDs(t, db.EnumerateAllDocs("", "", EnumOptions{})), []string{"a"})

	if err := db.EndTransaction(true); !errors.Is(err, ErrNotInTransaction) {
		t.Fatalf("unpaired EndTransaction = %v, wanted ErrNotInTransaction", err)
	}
}

func TestTransaction_InnerAbortRollsBackAll(t *testing.T) {
	db := setup(t)

	ensure(db.BeginTransaction())
	update(t, db, "a", "1")
	ensure(db.BeginTransaction())
	update(t, db, "b", "1")
	ensure(db.EndTransaction(false))
	ensure(db.EndTransaction(true))

	deepEqual(t, db.LastSequence(), uint64(0))
	deepEqual(t, must(db.DocumentCount()), 0)
	_, err := db.Get("a", true)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(a) = %v, wanted ErrNotFound", err)
	}
}

func TestTransaction_ErrorRollsBack(t *testing.T) {
	db := setup(t)
	boom := errors.New("boom")

	err := db.InTransaction(func() error {
		update(t, db, "a", "1")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTransaction = %v, wanted boom", err)
	}
	deepEqual(t, must(db.DocumentCount()), 0)
	deepEqual(t, db.IsInTransaction(), false)
}

func TestTransaction_PanicIsContained(t *testing.T) {
	db := setup(t)

	err := db.update("test", func(tx *Tx) error {
		if err := tx.put(bodiesBucket, bodyKey("x", "1-a"), []byte{1}); err != nil {
			return err
		}
		panic("kaboom")
	})
	var p panicked
	if !errors.As(err, &p) || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("update panic = %v, wanted panicked error", err)
	}
	deepEqual(t, must(db.Stats()).Bodies, 0)

	// the handle is still usable
	update(t, db, "a", "1")
	deepEqual(t, must(db.DocumentCount()), 1)
}

func TestTransaction_FailedOpAbortsSharedTx(t *testing.T) {
	db := setup(t)
	update(t, db, "a", "1")

	ensure(db.BeginTransaction())
	update(t, db, "b", "1")
	err := db.Purge("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Purge(nope) = %v, wanted ErrNotFound", err)
	}
	ensure(db.EndTransaction(true))

	// a failure before anything was written leaves the transaction intact
	deepEqual(t, enumIDs(t, db.EnumerateAllDocs("", "", EnumOptions{})), []string{"a", "b"})
}

func TestTransaction_CompactNeedsNoTransaction(t *testing.T) {
	db := setup(t)
	ensure(db.BeginTransaction())
	if err := db.Compact(); !errors.Is(err, ErrTransactionOpen) {
		t.Fatalf("Compact in transaction = %v, wanted ErrTransactionOpen", err)
	}
	ensure(db.EndTransaction(false))
	ensure(db.Compact())
}

func TestTransaction_ReadsSeeOwnWrites(t *testing.T) {
	db := setup(t)
	ensure(db.InTransaction(func() error {
		update(t, db, "a", "1")
		doc := must(db.Get("a", true))
		deepEqual(t, string(doc.Body()), "1")
		deepEqual(t, must(db.DocumentCount()), 1)
		return nil
	}))
}

func TestTransaction_EnumerateBeforeCommit(t *testing.T) {
	db := setup(t)
	update(t, db, "a", "1")

	ensure(db.BeginTransaction())
	for i := 0; i < 50; i++ {
		update(t, db, fmt.Sprintf("b%02d", i), strings.Repeat("x", 1000))
	}
	// the snapshot predates the transaction and is released by draining
	deepEqual(t, enumIDs(t, db.EnumerateAllDocs("", "", EnumOptions{})), []string{"a"})
	deepEqual(t, db.ReaderCount.Load(), int64(0))
	ensure(db.EndTransaction(true))

	deepEqual(t, must(db.DocumentCount()), 51)
}

func TestDB_DescribeOpenTxns(t *testing.T) {
	db := setup(t)
	update(t, db, "a", "1")

	deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")
	e := db.EnumerateAllDocs("", "", EnumOptions{})
	e.Next()
	desc := db.DescribeOpenTxns()
	if !strings.Contains(desc, "1 OPEN TRANSACTIONS") || !strings.Contains(desc, "read") {
		t.Fatalf("DescribeOpenTxns() = %q, wanted one read transaction", desc)
	}
	deepEqual(t, db.ReaderCount.Load(), int64(1))
	e.Close()
	deepEqual(t, db.DescribeOpenTxns(), "NO OPEN TRANSACTIONS")
	deepEqual(t, db.ReaderCount.Load(), int64(0))
}

func TestDB_Metrics(t *testing.T) {
	db := setup(t)
	update(t, db, "a", "1")
	update(t, db, "b", "1")
	ensure(db.Purge("b"))

	var buf bytes.Buffer
	db.WriteMetrics(&buf)
	out := buf.String()
	for _, want := range []string{
		"revdb_saves_total 2",
		"revdb_purges_total 1",
		"revdb_commits_total 3",
		"revdb_last_sequence 3",
		"revdb_open_views 0",
	} {
		if !strings.Contains(out, want+"\n") {
			t.Errorf("metrics missing %q:\n%s", want, out)
		}
	}
}

func TestDB_Dump(t *testing.T) {
	db := setup(t)
	update(t, db, "a", `{"x":1}`)
	ensure(db.RawPut("store", []byte("k"), []byte("m"), []byte("v")))

	var buf bytes.Buffer
	ensure(db.Dump(&buf, DumpAll))
	out := buf.String()
	for _, want := range []string{"doc.a = (s1", `"{\"x\":1}"`, "raw.store"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}
