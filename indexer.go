package revdb

import (
	"bytes"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

type emittedRow struct {
	key   Key
	value []byte
}

type emittedGeo struct {
	area  GeoArea
	value []byte
}

// docEmission collects what one document emitted into one view during
// an indexing session.
type docEmission struct {
	seq  uint64
	rows []emittedRow
	geo  []emittedGeo
}

type viewSession struct {
	view      *View
	startSeq  uint64
	stx       storageTx
	emissions map[string]*docEmission
}

// Indexer brings one or more views of the same database up to date. It
// enumerates the documents changed since the least recently indexed
// view, and the caller emits rows for each of them:
//
//	idx, err := db.NewIndexer(byName, byTag)
//	for idx.Next() {
//		doc := idx.Doc()
//		if doc.Exists() && !doc.IsDeleted() {
//			idx.Emit(0, name(doc), nil)
//		}
//	}
//	err = idx.End(idx.Err() == nil)
//
// Documents enumerated without emissions lose their rows. Nothing is
// visible to queries until End commits.
type Indexer struct {
	db       *DB
	sessions []*viewSession
	enum     *DocEnumerator
	doc      *Document
	maxSeq   uint64
	started  time.Time
	ended    bool
}

// NewIndexer starts an indexing session over views. A view can be in one
// session at a time; NewIndexer waits a bounded time for a concurrent
// session to end and then fails with ErrBusy.
func (db *DB) NewIndexer(views ...*View) (*Indexer, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, errf(ErrInvalidParameter, nil, "no views to index")
	}
	for _, v := range views {
		if v.db != db {
			return nil, errf(ErrInvalidParameter, nil, "view %s belongs to another database", v.name)
		}
		if err := v.checkOpen(); err != nil {
			return nil, err
		}
	}

	idx := &Indexer{db: db, started: time.Now()}
	policy := db.opt.retryPolicy()
	policy.onRetry = db.metrics.busyRetries.Inc
	for _, v := range views {
		err := policy.retryBusy("index "+v.name, func() error {
			if !v.indexing.CompareAndSwap(false, true) {
				return errf(ErrBusy, nil, "view %s is being indexed", v.name)
			}
			return nil
		})
		if err != nil {
			idx.abort()
			return nil, err
		}
		sess := &viewSession{
			view:      v,
			startSeq:  v.LastSequenceIndexed(),
			emissions: make(map[string]*docEmission),
		}
		idx.sessions = append(idx.sessions, sess)
		sess.stx, err = v.st.BeginTx(true)
		if err != nil {
			idx.abort()
			return nil, translateErr(err, "begin "+v.name)
		}
	}

	since := idx.sessions[0].startSeq
	for _, sess := range idx.sessions[1:] {
		since = min(since, sess.startSeq)
	}
	idx.enum = db.EnumerateChanges(since, EnumOptions{
		IncludeBodies:  true,
		IncludeDeleted: true,
		includePurged:  true,
	})
	idx.maxSeq = since
	if idx.enum.tx != nil {
		idx.maxSeq = max(since, idx.enum.tx.lastSequence())
	}
	db.metrics.indexRuns.Inc()
	return idx, nil
}

// Next advances to the next document that at least one view needs.
func (idx *Indexer) Next() bool {
	if idx.ended {
		return false
	}
	for idx.enum.Next() {
		doc := idx.enum.Doc()
		idx.maxSeq = max(idx.maxSeq, doc.Sequence)
		needed := false
		for _, sess := range idx.sessions {
			if doc.Sequence > sess.startSeq {
				sess.emissions[doc.ID] = &docEmission{seq: doc.Sequence}
				needed = true
			}
		}
		if needed {
			idx.doc = doc
			idx.db.metrics.indexedDocs.Inc()
			return true
		}
	}
	idx.doc = nil
	return false
}

// Doc returns the current document. A purged document is returned with
// Exists() false.
func (idx *Indexer) Doc() *Document {
	return idx.doc
}

func (idx *Indexer) Err() error {
	return idx.enum.Err()
}

// ShouldIndex reports whether view number i needs the current document.
func (idx *Indexer) ShouldIndex(i int) bool {
	return idx.doc != nil && i >= 0 && i < len(idx.sessions) && idx.sessions[i].emissions[idx.doc.ID] != nil
}

func (idx *Indexer) emission(i int) (*docEmission, error) {
	if idx.ended {
		return nil, errf(ErrNotInTransaction, nil, "indexer has ended")
	}
	if idx.doc == nil {
		return nil, errf(ErrInvalidParameter, nil, "no current document")
	}
	if i < 0 || i >= len(idx.sessions) {
		return nil, errf(ErrInvalidParameter, nil, "view index %d out of range", i)
	}
	return idx.sessions[i].emissions[idx.doc.ID], nil
}

// Emit adds a row for the current document to view number i. Emitting
// into a view that has already indexed the document is ignored.
func (idx *Indexer) Emit(i int, key any, value []byte) error {
	em, err := idx.emission(i)
	if err != nil || em == nil {
		return err
	}
	k, err := EncodeKey(key)
	if err != nil {
		return err
	}
	em.rows = append(em.rows, emittedRow{k, slices.Clone(value)})
	return nil
}

// EmitGeo adds a row with a bounding box for the current document to view
// number i.
func (idx *Indexer) EmitGeo(i int, area GeoArea, value []byte) error {
	if err := area.validate(); err != nil {
		return err
	}
	em, err := idx.emission(i)
	if err != nil || em == nil {
		return err
	}
	em.geo = append(em.geo, emittedGeo{area, slices.Clone(value)})
	return nil
}

// End finishes the session. With commit set, each view atomically
// replaces the rows of every enumerated document and advances its
// sequences; otherwise all emissions are discarded. Views live in separate
// files, so a failure part way leaves the views before it committed and
// the rest untouched; those are still stale and the next session redoes
// them.
func (idx *Indexer) End(commit bool) error {
	if idx.ended {
		return errf(ErrNotInTransaction, nil, "indexer has already ended")
	}
	idx.ended = true
	idx.enum.Close()
	defer idx.abort()

	if !commit {
		return nil
	}
	if err := idx.enum.Err(); err != nil {
		return err
	}
	for _, sess := range idx.sessions {
		if err := sess.apply(idx.maxSeq); err != nil {
			return err
		}
	}
	if idx.db.opt.Verbose {
		logDebug("indexed", slog.Int("views", len(idx.sessions)), slog.Uint64("seq", idx.maxSeq), slog.Duration("elapsed", time.Since(idx.started)))
	}
	return nil
}

// abort releases whatever the session still holds.
func (idx *Indexer) abort() {
	for _, sess := range idx.sessions {
		if sess.stx != nil {
			sess.stx.Rollback()
			sess.stx = nil
		}
		sess.view.indexing.Store(false)
	}
	idx.sessions = nil
}

func (sess *viewSession) apply(maxSeq uint64) error {
	v := sess.view
	stx := sess.stx
	rows := stx.Bucket(viewRowsBucket, "")
	docs := stx.Bucket(viewDocsBucket, "")
	geo := stx.Bucket(viewGeoBucket, "")

	info := v.snapshot()
	total := int64(info.TotalRows)
	changedAt := info.LastSeqChangedAt

	ids := slices.Sorted(maps.Keys(sess.emissions))
	for _, docID := range ids {
		em := sess.emissions[docID]
		changed, delta, err := sess.replaceRows(rows, docs, geo, docID, em)
		if err != nil {
			return err
		}
		total += delta
		if changed {
			changedAt = max(changedAt, em.seq)
		}
	}

	info.LastSeqIndexed = max(info.LastSeqIndexed, maxSeq)
	info.LastSeqChangedAt = changedAt
	info.TotalRows = uint64(max(total, 0))
	if err := putViewInfo(stx, &info); err != nil {
		return err
	}
	if err := stx.Commit(); err != nil {
		return translateErr(err, "commit view "+v.name)
	}
	sess.stx = nil

	v.mu.Lock()
	v.info = info
	v.mu.Unlock()
	return nil
}

// replaceRows makes the rows of docID in the view equal to em and reports
// whether anything changed and by how many the row count moved.
func (sess *viewSession) replaceRows(rows, docs, geo storageBucket, docID string, em *docEmission) (changed bool, delta int64, err error) {
	type pendingRow struct {
		ref   rowRef
		value []byte
	}
	var pending []pendingRow
	for i, r := range em.rows {
		v, err := msgpack.Marshal(&rowValue{Sequence: em.seq, Value: r.value})
		if err != nil {
			return false, 0, err
		}
		pending = append(pending, pendingRow{rowRef{refRow, makeRowKey(nil, r.key, docID, uint32(i))}, v})
	}
	for i, g := range em.geo {
		v, err := msgpack.Marshal(&geoValue{Sequence: em.seq, Area: g.area, Value: g.value})
		if err != nil {
			return false, 0, err
		}
		pending = append(pending, pendingRow{rowRef{refGeo, makeGeoKey(nil, docID, uint32(i))}, v})
	}
	slices.SortFunc(pending, func(a, b pendingRow) int {
		return compareRowRefs(a.ref, b.ref)
	})
	refs := make(rowRefs, len(pending))
	for i, p := range pending {
		refs[i] = p.ref
	}

	old := slices.Clone(docs.Get([]byte(docID)))
	var removed []rowRef
	var oldCount int64
	err = findRemovedRowRefs(old, refs, func(ord uint64, key []byte) {
		removed = append(removed, rowRef{ord, slices.Clone(key)})
	})
	if err == nil {
		err = decodeRowRefs(old, func(uint64, []byte) { oldCount++ })
	}
	if err != nil {
		return false, 0, errf(ErrInvalidEncoding, err, "view %s: row references of %s", sess.view.name, docID)
	}
	for _, ref := range removed {
		if err := bucketForRef(ref.Ord, rows, geo).Delete(ref.Key); err != nil {
			return false, 0, translateErr(err, "delete row")
		}
		changed = true
	}

	// Every row is rewritten to carry the document's latest sequence, but
	// a row that only differs by sequence does not count as a change.
	for _, p := range pending {
		b := bucketForRef(p.ref.Ord, rows, geo)
		if cur := b.Get(p.ref.Key); cur == nil || !sameIgnoringSeq(p.ref.Ord, cur, p.value) {
			changed = true
		}
		if err := b.Put(p.ref.Key, p.value); err != nil {
			return false, 0, translateErr(err, "put row")
		}
	}

	if len(refs) == 0 {
		if old != nil {
			if err := docs.Delete([]byte(docID)); err != nil {
				return false, 0, translateErr(err, "delete row references")
			}
		}
	} else if encoded := appendRowRefs(nil, refs); !bytes.Equal(old, encoded) {
		if err := docs.Put([]byte(docID), encoded); err != nil {
			return false, 0, translateErr(err, "put row references")
		}
	}
	return changed, int64(len(refs)) - oldCount, nil
}

func bucketForRef(ord uint64, rows, geo storageBucket) storageBucket {
	if ord == refGeo {
		return geo
	}
	return rows
}

func sameIgnoringSeq(ord uint64, a, b []byte) bool {
	if ord == refGeo {
		var x, y geoValue
		if msgpack.Unmarshal(a, &x) != nil || msgpack.Unmarshal(b, &y) != nil {
			return false
		}
		return x.Area == y.Area && bytes.Equal(x.Value, y.Value)
	}
	var x, y rowValue
	if msgpack.Unmarshal(a, &x) != nil || msgpack.Unmarshal(b, &y) != nil {
		return false
	}
	return bytes.Equal(x.Value, y.Value)
}
