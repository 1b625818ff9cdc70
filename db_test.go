package revdb

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

func TestDocumentRevisions(t *testing.T) {
	db := setup(t)

	doc := must(db.Get("mydoc", false))
	if doc.Exists() {
		t.Fatalf("new doc exists")
	}
	deepEqual(t, must(doc.InsertRevision("1-abcdef", []byte(`{"n":1}`), false, false, false)), true)
	deepEqual(t, doc.RevID, "1-abcdef")

	err := doc.Save(20)
	if !errors.Is(err, ErrNotInTransaction) {
		t.Fatalf("Save outside transaction = %v, wanted ErrNotInTransaction", err)
	}
	ensure(db.InTransaction(func() error {
		return doc.Save(20)
	}))
	deepEqual(t, doc.Sequence, uint64(1))

	doc = must(db.Get("mydoc", true))
	deepEqual(t, doc.RevID, "1-abcdef")
	deepEqual(t, doc.Sequence, uint64(1))
	deepEqual(t, string(doc.Body()), `{"n":1}`)

	ensure(db.InTransaction(func() error {
		doc := must(db.Get("mydoc", true))
		deepEqual(t, must(doc.InsertRevision("2-d00d3333", []byte(`{"n":2}`), false, false, false)), true)
		return doc.Save(20)
	}))

	doc = must(db.Get("mydoc", true))
	deepEqual(t, doc.RevID, "2-d00d3333")
	deepEqual(t, doc.Sequence, uint64(2))
	deepEqual(t, string(doc.Body()), `{"n":2}`)
	deepEqual(t, len(doc.Revisions()), 2)
	deepEqual(t, doc.Revisions()[0].ID, "2-d00d3333")
	deepEqual(t, doc.Revisions()[0].IsLeaf(), true)
	deepEqual(t, doc.Revisions()[1].IsLeaf(), false)

	deepEqual(t, doc.SelectParentRevision(), true)
	deepEqual(t, doc.Selected().ID, "1-abcdef")
	deepEqual(t, doc.Selected().Sequence, uint64(1))
	isnil(t, doc.Body())
	ensure(doc.LoadRevisionBody())
	deepEqual(t, string(doc.Body()), `{"n":1}`)
	deepEqual(t, doc.SelectParentRevision(), false)

	// re-inserting an existing revision selects it
	deepEqual(t, must(doc.InsertRevision("2-d00d3333", nil, false, false, false)), false)
	deepEqual(t, doc.Selected().ID, "2-d00d3333")

	// generation must follow the parent
	_, err = doc.InsertRevision("4-aaaa", nil, false, false, false)
	if !errors.Is(err, ErrBadRevisionID) {
		t.Fatalf("InsertRevision(4-aaaa) = %v, wanted ErrBadRevisionID", err)
	}
	_, err = doc.InsertRevision("junk", nil, false, false, false)
	if !errors.Is(err, ErrBadRevisionID) {
		t.Fatalf("InsertRevision(junk) = %v, wanted ErrBadRevisionID", err)
	}
}

func TestDocumentConflicts(t *testing.T) {
	db := setup(t)
	put(t, db, "c", "1-aa", "2-bb")

	doc := must(db.Get("c", true))
	ensure(doc.SelectRevision("1-aa", false))
	_, err := doc.InsertRevision("2-ff", []byte("other"), false, false, false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("branching insert = %v, wanted ErrConflict", err)
	}
	ensure(doc.SelectRevision("1-aa", false))
	deepEqual(t, must(doc.InsertRevision("2-ff", []byte("other"), false, false, true)), true)
	ensure(db.InTransaction(func() error { return doc.Save(20) }))

	doc = must(db.Get("c", true))
	deepEqual(t, doc.IsConflicted(), true)
	deepEqual(t, doc.RevID, "2-ff")
	deepEqual(t, string(doc.Body()), "other")

	deepEqual(t, doc.SelectNextLeafRevision(false), true)
	deepEqual(t, doc.Selected().ID, "2-bb")
	deepEqual(t, doc.SelectNextLeafRevision(false), false)

	// strict inserts cannot extend one branch of a conflicted document
	ensure(doc.SelectRevision("2-bb", false))
	_, err = doc.InsertRevision("3-cc", []byte("more"), false, false, false)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("insert on conflicted doc = %v, wanted ErrConflict", err)
	}
	deepEqual(t, doc.RevID, "2-ff")
	deepEqual(t, doc.tree.find("3-cc"), -1)

	// deleting a branch resolves the conflict, and the higher generation
	// tombstone stays the winner
	var tombstone string
	ensure(db.InTransaction(func() error {
		doc := must(db.Get("c", true))
		var err error
		tombstone, err = doc.Update(nil, true)
		if err != nil {
			return err
		}
		return doc.Save(20)
	}))
	doc = must(db.Get("c", true))
	deepEqual(t, doc.IsConflicted(), false)
	deepEqual(t, doc.IsDeleted(), true)
	deepEqual(t, doc.RevID, tombstone)
	deepEqual(t, doc.SelectNextLeafRevision(false), true)
	deepEqual(t, doc.Selected().ID, "2-bb")
	deepEqual(t, doc.SelectNextLeafRevision(true), false)
}

func TestDocumentWinnerIsHighestGeneration(t *testing.T) {
	db := setup(t)
	put(t, db, "w", "1-a", "2-a")

	ensure(db.InTransaction(func() error {
		doc := must(db.Get("w", true))
		must(doc.InsertRevision("3-a", nil, true, false, false))
		ensure(doc.SelectRevision("1-a", false))
		must(doc.InsertRevision("2-b", []byte("2-b"), false, false, true))
		return doc.Save(20)
	}))

	doc := must(db.Get("w", true))
	deepEqual(t, doc.RevID, "3-a")
	deepEqual(t, doc.IsDeleted(), true)
	deepEqual(t, doc.IsConflicted(), false)
}

func TestDocumentStaleSave(t *testing.T) {
	db := setup(t)
	put(t, db, "a", "1-aa")

	d1 := must(db.Get("a", true))
	d2 := must(db.Get("a", true))
	ensure(db.InTransaction(func() error {
		_, err := d1.Update([]byte("x"), false)
		if err != nil {
			return err
		}
		return d1.Save(20)
	}))
	err := db.InTransaction(func() error {
		_, err := d2.Update([]byte("y"), false)
		if err != nil {
			return err
		}
		return d2.Save(20)
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale save = %v, wanted ErrConflict", err)
	}
	deepEqual(t, string(must(db.Get("a", true)).Body()), "x")
}

func TestDocumentPruning(t *testing.T) {
	db := setup(t)
	ensure(db.InTransaction(func() error {
		doc := must(db.Get("p", false))
		for i := 0; i < 10; i++ {
			if _, err := doc.Update([]byte(fmt.Sprint(i)), false); err != nil {
				return err
			}
		}
		return doc.Save(3)
	}))
	doc := must(db.Get("p", true))
	deepEqual(t, len(doc.Revisions()), 3)
	deepEqual(t, RevIDGeneration(doc.RevID), uint64(10))
	deepEqual(t, string(doc.Body()), "9")

	deepEqual(t, must(db.Stats()).Bodies, 3)

	// bodies that no tree references are removed by compaction
	ensure(db.update("test", func(tx *Tx) error {
		return tx.put(bodiesBucket, bodyKey("ghost", "1-aa"), db.encodeBody([]byte("boo")))
	}))
	deepEqual(t, must(db.Stats()).Bodies, 4)
	ensure(db.Compact())
	deepEqual(t, must(db.Stats()).Bodies, 3)
	deepEqual(t, string(must(db.Get("p", true)).Body()), "9")
}

func TestSequences(t *testing.T) {
	db := setup(t)
	deepEqual(t, db.LastSequence(), uint64(0))

	// a document that was never saved does not count
	must(db.Get("ghost", false))
	deepEqual(t, must(db.DocumentCount()), 0)

	for i := 1; i <= 99; i++ {
		update(t, db, fmt.Sprintf("doc%02d", i), fmt.Sprintf(`{"i":%d}`, i))
	}
	deepEqual(t, db.LastSequence(), uint64(99))
	deepEqual(t, must(db.DocumentCount()), 99)

	doc := must(db.GetBySequence(42))
	deepEqual(t, doc.ID, "doc42")

	update(t, db, "doc42", `{"i":"again"}`)
	deepEqual(t, db.LastSequence(), uint64(100))
	_, err := db.GetBySequence(42)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetBySequence(42) after resave = %v, wanted ErrNotFound", err)
	}
	deepEqual(t, must(db.GetBySequence(100)).ID, "doc42")
}

func TestEnumerateAllDocs(t *testing.T) {
	db := setup(t)
	for i := 1; i <= 99; i++ {
		update(t, db, fmt.Sprintf("doc%02d", i), "{}")
	}

	ids := enumIDs(t, db.EnumerateAllDocs("doc10", "doc93", EnumOptions{}))
	deepEqual(t, len(ids), 84)
	deepEqual(t, ids[0], "doc10")
	deepEqual(t, ids[83], "doc93")

	ids = enumIDs(t, db.EnumerateAllDocs("doc10", "doc93", EnumOptions{ExclusiveStart: true, ExclusiveEnd: true}))
	deepEqual(t, len(ids), 82)

	ids = enumIDs(t, db.EnumerateAllDocs("doc10", "doc93", EnumOptions{Descending: true, Skip: 1, Limit: 3}))
	deepEqual(t, ids, []string{"doc92", "doc91", "doc90"})

	ids = enumIDs(t, db.EnumerateAllDocs("", "", EnumOptions{}))
	deepEqual(t, len(ids), 99)

	ids = enumIDs(t, db.EnumerateSomeDocs([]string{"doc05", "nope", "doc02", "doc05"}, EnumOptions{}))
	deepEqual(t, ids, []string{"doc02", "doc05"})
}

func TestEnumerateChanges(t *testing.T) {
	db := setup(t)
	for i := 1; i <= 99; i++ {
		update(t, db, fmt.Sprintf("doc%02d", i), "{}")
	}

	e := db.EnumerateChanges(6, EnumOptions{IncludeBodies: true})
	var seqs []uint64
	for doc := range e.Docs() {
		seqs = append(seqs, doc.Sequence)
		deepEqual(t, string(doc.Body()), "{}")
	}
	ensure(e.Err())
	deepEqual(t, len(seqs), 93)
	deepEqual(t, seqs[0], uint64(7))
	deepEqual(t, seqs[92], uint64(99))

	// deleted documents are reported only when asked for
	ensure(db.InTransaction(func() error {
		doc := must(db.Get("doc50", true))
		if _, err := doc.Update(nil, true); err != nil {
			return err
		}
		return doc.Save(20)
	}))
	ids := enumIDs(t, db.EnumerateChanges(99, EnumOptions{}))
	isempty(t, ids)
	ids = enumIDs(t, db.EnumerateChanges(99, EnumOptions{IncludeDeleted: true}))
	deepEqual(t, ids, []string{"doc50"})

	deepEqual(t, must(db.DocumentCount()), 98)
}

func TestEnumeratorSnapshot(t *testing.T) {
	db := setup(t)
	update(t, db, "a", "1")
	update(t, db, "b", "1")

	e := db.EnumerateAllDocs("", "", EnumOptions{})
	deepEqual(t, e.Next(), true)
	ensure(db.Purge("b"))
	deepEqual(t, e.Next(), true)
	deepEqual(t, e.Doc().ID, "b")
	deepEqual(t, e.Next(), false)
	e.Close()
	e.Close()

	ids := enumIDs(t, db.EnumerateAllDocs("", "", EnumOptions{}))
	deepEqual(t, ids, []string{"a"})
}

func TestOpenReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.db")

	_, err := Open(path, Options{IsTesting: true})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Open(missing) = %v, wanted ErrNotFound", err)
	}

	db := must(Open(path, Options{Create: true, IsTesting: true}))
	update(t, db, "a", "hello")
	ensure(db.Close())
	ensure(db.Close())

	_, err = db.Get("a", true)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after Close = %v, wanted ErrClosed", err)
	}

	db = must(Open(path, Options{ReadOnly: true, IsTesting: true}))
	defer db.Close()
	deepEqual(t, db.LastSequence(), uint64(1))
	deepEqual(t, string(must(db.Get("a", true)).Body()), "hello")
	if err := db.BeginTransaction(); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("BeginTransaction on read-only = %v, wanted ErrReadOnly", err)
	}
	if err := db.Purge("a"); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Purge on read-only = %v, wanted ErrReadOnly", err)
	}
}

func setup(t testing.TB) *DB {
	t.Helper()
	return setupWith(t, Options{})
}

func setupWith(t testing.TB, opt Options) *DB {
	t.Helper()
	opt.IsTesting = true

	var path string
	if testing.Short() {
		path = InMemory
	} else {
		dbFile := must(os.CreateTemp("", "db_test_*.db"))
		t.Logf("DB: %s", dbFile.Name())
		dbFile.Close()
		path = dbFile.Name()
		t.Cleanup(func() { os.Remove(path) })
	}

	db := must(Open(path, opt))
	t.Cleanup(func() { db.Close() })
	return db
}

// put saves a linear chain of revisions whose bodies are their IDs.
func put(t testing.TB, db *DB, docID string, revIDs ...string) {
	t.Helper()
	ensure(db.InTransaction(func() error {
		doc := must(db.Get(docID, false))
		for _, revID := range revIDs {
			if _, err := doc.InsertRevision(revID, []byte(revID), false, false, false); err != nil {
				return err
			}
		}
		return doc.Save(0)
	}))
}

// update saves a new revision of docID with the given body.
func update(t testing.TB, db *DB, docID, body string) {
	t.Helper()
	ensure(db.InTransaction(func() error {
		doc := must(db.Get(docID, false))
		if _, err := doc.Update([]byte(body), false); err != nil {
			return err
		}
		return doc.Save(20)
	}))
}

func enumIDs(t testing.TB, e *DocEnumerator) []string {
	t.Helper()
	var ids []string
	for doc := range e.Docs() {
		ids = append(ids, doc.ID)
	}
	if err := e.Err(); err != nil {
		t.Fatalf("enumeration failed: %v", err)
	}
	return ids
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isnil[T any, S ~[]T](t testing.TB, a S) {
	if a != nil {
		t.Helper()
		t.Errorf("** got %v, wanted nil", a)
	}
}

func x(data string) []byte {
	data = strings.ReplaceAll(data, " ", "")
	return must(hex.DecodeString(data))
}
