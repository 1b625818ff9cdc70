package revdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestViewIndexing(t *testing.T) {
	db := setup(t)
	path := filepath.Join(t.TempDir(), "byi.view")
	v := must(OpenView(db, path, "byi", "1", ViewOptions{Create: true}))

	for i := 1; i <= 100; i++ {
		update(t, db, fmt.Sprintf("doc%03d", i), fmt.Sprintf(`{"i":%d}`, i))
	}
	deepEqual(t, v.IsStale(), true)
	deepEqual(t, reindex(t, v), 100)
	deepEqual(t, v.TotalRows(), uint64(200))
	deepEqual(t, v.LastSequenceIndexed(), uint64(100))
	deepEqual(t, v.LastSequenceChangedAt(), uint64(100))
	deepEqual(t, v.IsStale(), false)

	// nothing new, nothing to do
	deepEqual(t, reindex(t, v), 0)
	deepEqual(t, v.TotalRows(), uint64(200))

	// changed content replaces the document's rows
	update(t, db, "doc005", `{"i":500}`)
	deepEqual(t, reindex(t, v), 1)
	deepEqual(t, v.TotalRows(), uint64(200))
	deepEqual(t, v.LastSequenceChangedAt(), uint64(101))
	isempty(t, queryIDs(t, v, QueryOptions{Keys: []Key{MustEncodeKey(5)}}))
	deepEqual(t, queryIDs(t, v, QueryOptions{Keys: []Key{MustEncodeKey(500)}}), []string{"doc005"})

	// same content advances the indexed sequence only
	update(t, db, "doc006", `{"i":6}`)
	deepEqual(t, reindex(t, v), 1)
	deepEqual(t, v.LastSequenceIndexed(), uint64(102))
	deepEqual(t, v.LastSequenceChangedAt(), uint64(101))
	rows := must(v.QueryAll(QueryOptions{Keys: []Key{MustEncodeKey(6)}}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, rows[0].Sequence, uint64(102))

	// deleted and purged documents lose their rows
	ensure(db.InTransaction(func() error {
		doc := must(db.Get("doc007", true))
		if _, err := doc.Update(nil, true); err != nil {
			return err
		}
		return doc.Save(20)
	}))
	ensure(db.Purge("doc008"))
	deepEqual(t, reindex(t, v), 2)
	deepEqual(t, v.TotalRows(), uint64(196))
	deepEqual(t, v.LastSequenceIndexed(), uint64(104))
	deepEqual(t, v.LastSequenceChangedAt(), uint64(104))
	isempty(t, queryIDs(t, v, QueryOptions{Keys: []Key{MustEncodeKey(7), MustEncodeKey(8)}}))

	// reopening with the same version keeps the index
	ensure(v.Close())
	v = must(OpenView(db, path, "byi", "1", ViewOptions{}))
	deepEqual(t, v.TotalRows(), uint64(196))
	deepEqual(t, v.LastSequenceIndexed(), uint64(104))
	deepEqual(t, len(queryIDs(t, v, QueryOptions{})), 196)

	// a new version starts over
	ensure(v.Close())
	v = must(OpenView(db, path, "byi", "2", ViewOptions{}))
	deepEqual(t, v.Version(), "2")
	deepEqual(t, v.TotalRows(), uint64(0))
	deepEqual(t, v.LastSequenceIndexed(), uint64(0))
	isempty(t, queryIDs(t, v, QueryOptions{}))
	deepEqual(t, reindex(t, v), 100)
	deepEqual(t, v.TotalRows(), uint64(196))
	ensure(v.Delete())
}

func TestViewQuery(t *testing.T) {
	db := setup(t)
	v := must(OpenView(db, InMemory, "byi", "1", ViewOptions{}))
	for i := 1; i <= 20; i++ {
		update(t, db, fmt.Sprintf("doc%02d", i), fmt.Sprintf(`{"i":%d}`, i))
	}
	update(t, db, "dup", `{"i":3}`)
	reindex(t, v)

	ids := queryIDs(t, v, QueryOptions{StartKey: MustEncodeKey(3), EndKey: MustEncodeKey(5)})
	deepEqual(t, ids, []string{"doc03", "dup", "doc04", "doc05"})

	ids = queryIDs(t, v, QueryOptions{StartKey: MustEncodeKey(3), EndKey: MustEncodeKey(5), ExclusiveStart: true, ExclusiveEnd: true})
	deepEqual(t, ids, []string{"doc04"})

	ids = queryIDs(t, v, QueryOptions{StartKey: MustEncodeKey(3), EndKey: MustEncodeKey(5), Descending: true, Limit: 2})
	deepEqual(t, ids, []string{"doc05", "doc04"})

	ids = queryIDs(t, v, QueryOptions{StartKey: MustEncodeKey(3), StartKeyDocID: "dup", EndKey: MustEncodeKey(4)})
	deepEqual(t, ids, []string{"dup", "doc04"})

	ids = queryIDs(t, v, QueryOptions{Keys: []Key{MustEncodeKey(10), MustEncodeKey(3), MustEncodeKey(99)}})
	deepEqual(t, ids, []string{"doc10", "doc03", "dup"})

	ids = queryIDs(t, v, QueryOptions{StartKey: MustEncodeKey(18), EndKey: MustEncodeKey(100), Skip: 1})
	deepEqual(t, ids, []string{"doc19", "doc20"})

	// the tag rows sort after every number
	rows := must(v.QueryAll(QueryOptions{StartKey: MustEncodeKey("tag"), Limit: 1}))
	deepEqual(t, len(rows), 1)
	deepEqual(t, string(rows[0].Value), `"doc01"`)
	deepEqual(t, must(rows[0].Key.Decode()), any([]any{"tag", 1.0}))
	deepEqual(t, rows[0].Sequence, uint64(1))
}

func TestViewQuery_Snapshot(t *testing.T) {
	db := setup(t)
	v := must(OpenView(db, InMemory, "byi", "1", ViewOptions{}))
	update(t, db, "a", `{"i":1}`)
	reindex(t, v)

	q := must(v.Query(QueryOptions{}))
	update(t, db, "b", `{"i":2}`)
	reindex(t, v)
	var n int
	for range q.Rows() {
		n++
	}
	ensure(q.Err())
	deepEqual(t, n, 2)
	deepEqual(t, len(queryIDs(t, v, QueryOptions{})), 4)
}

func TestIndexer_MultipleViews(t *testing.T) {
	db := setup(t)
	v1 := must(OpenView(db, InMemory, "v1", "1", ViewOptions{}))
	v2 := must(OpenView(db, InMemory, "v2", "1", ViewOptions{}))

	update(t, db, "a", "1")
	update(t, db, "b", "1")
	indexAll(t, db, v1)
	update(t, db, "c", "1")

	idx := must(db.NewIndexer(v1, v2))
	var seen []string
	for idx.Next() {
		doc := idx.Doc()
		seen = append(seen, fmt.Sprintf("%s:%v:%v", doc.ID, idx.ShouldIndex(0), idx.ShouldIndex(1)))
		ensure(idx.Emit(0, doc.ID, nil))
		ensure(idx.Emit(1, doc.ID, nil))
	}
	ensure(idx.End(true))
	deepEqual(t, seen, []string{"a:false:true", "b:false:true", "c:true:true"})
	deepEqual(t, v1.TotalRows(), uint64(3))
	deepEqual(t, v2.TotalRows(), uint64(3))
	deepEqual(t, v1.LastSequenceIndexed(), uint64(3))
	deepEqual(t, v2.LastSequenceIndexed(), uint64(3))

	if err := idx.Emit(0, "late", nil); !errors.Is(err, ErrNotInTransaction) {
		t.Fatalf("Emit after End = %v, wanted ErrNotInTransaction", err)
	}
	if err := idx.End(true); !errors.Is(err, ErrNotInTransaction) {
		t.Fatalf("second End = %v, wanted ErrNotInTransaction", err)
	}
}

func TestIndexer_AbortDiscards(t *testing.T) {
	db := setup(t)
	v := must(OpenView(db, InMemory, "v", "1", ViewOptions{}))
	update(t, db, "a", "1")

	idx := must(db.NewIndexer(v))
	for idx.Next() {
		ensure(idx.Emit(0, "x", nil))
	}
	ensure(idx.End(false))
	deepEqual(t, v.TotalRows(), uint64(0))
	deepEqual(t, v.LastSequenceIndexed(), uint64(0))

	// the view can be indexed again right away
	indexAll(t, db, v)
	deepEqual(t, v.TotalRows(), uint64(1))
}

func TestIndexer_Busy(t *testing.T) {
	db := setupWith(t, Options{BusyRetries: 3, BusyDelay: time.Millisecond})
	v := must(OpenView(db, InMemory, "v", "1", ViewOptions{}))

	idx := must(db.NewIndexer(v))
	_, err := db.NewIndexer(v)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("concurrent NewIndexer = %v, wanted ErrBusy", err)
	}
	if err := v.EraseIndex(); !errors.Is(err, ErrBusy) {
		t.Fatalf("EraseIndex while indexing = %v, wanted ErrBusy", err)
	}
	ensure(idx.End(true))
	if buf := metricsText(db); !containsLine(buf, "revdb_busy_retries_total 2") {
		t.Fatalf("busy retries not counted:\n%s", buf)
	}

	idx = must(db.NewIndexer(v))
	ensure(idx.End(false))
}

func TestView_Registry(t *testing.T) {
	db := setup(t)
	v := must(OpenView(db, InMemory, "v", "1", ViewOptions{}))
	_, err := OpenView(db, InMemory, "v", "1", ViewOptions{})
	if !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("OpenView(duplicate) = %v, wanted ErrInvalidParameter", err)
	}
	if !containsLine(metricsText(db), "revdb_open_views 1") {
		t.Fatalf("open views gauge is wrong:\n%s", metricsText(db))
	}

	other := setup(t)
	if _, err := other.NewIndexer(v); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("NewIndexer(foreign view) = %v, wanted ErrInvalidParameter", err)
	}

	ensure(v.Close())
	if _, err := v.Query(QueryOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Query after Close = %v, wanted ErrClosed", err)
	}
	v = must(OpenView(db, InMemory, "v", "1", ViewOptions{}))

	// closing the database closes its views
	ensure(db.Close())
	if _, err := v.Query(QueryOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Query after DB Close = %v, wanted ErrClosed", err)
	}
}

func TestView_EraseIndex(t *testing.T) {
	db := setup(t)
	v := must(OpenView(db, InMemory, "byi", "1", ViewOptions{}))
	update(t, db, "a", `{"i":1}`)
	reindex(t, v)
	deepEqual(t, v.TotalRows(), uint64(2))

	ensure(v.EraseIndex())
	deepEqual(t, v.TotalRows(), uint64(0))
	deepEqual(t, v.LastSequenceIndexed(), uint64(0))
	deepEqual(t, v.Version(), "1")
	deepEqual(t, reindex(t, v), 1)
	deepEqual(t, v.TotalRows(), uint64(2))
}

// reindex runs the "byi" map function, which emits the i field of JSON
// bodies and a ["tag", i] row whose value is the document ID, and returns
// the number of enumerated documents.
func reindex(t testing.TB, v *View) int {
	t.Helper()
	idx := must(v.DB().NewIndexer(v))
	var n int
	for idx.Next() {
		n++
		doc := idx.Doc()
		if !doc.Exists() || doc.IsDeleted() {
			continue
		}
		var body struct{ I int }
		ensure(json.Unmarshal(doc.Body(), &body))
		ensure(idx.Emit(0, body.I, nil))
		ensure(idx.Emit(0, []any{"tag", body.I}, must(json.Marshal(doc.ID))))
	}
	ensure(idx.Err())
	ensure(idx.End(true))
	return n
}

// indexAll emits every document ID into v.
func indexAll(t testing.TB, db *DB, v *View) {
	t.Helper()
	idx := must(db.NewIndexer(v))
	for idx.Next() {
		if idx.Doc().Exists() {
			ensure(idx.Emit(0, idx.Doc().ID, nil))
		}
	}
	ensure(idx.End(true))
}

func queryIDs(t testing.TB, v *View, opt QueryOptions) []string {
	t.Helper()
	rows, err := v.QueryAll(opt)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	var ids []string
	for _, row := range rows {
		ids = append(ids, row.DocID)
	}
	return ids
}
