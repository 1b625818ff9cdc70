package revdb

import (
	"iter"
	"slices"
)

// EnumOptions controls document enumeration. Limit 0 means unlimited.
type EnumOptions struct {
	Skip           int
	Limit          int
	Descending     bool
	IncludeBodies  bool
	IncludeDeleted bool
	ExclusiveStart bool
	ExclusiveEnd   bool

	// includePurged makes change enumeration yield purge markers as
	// documents that do not exist.
	includePurged bool
}

type enumSource int

const (
	enumAllDocs enumSource = iota
	enumSomeDocs
	enumChanges
)

// DocEnumerator iterates documents from a read snapshot taken when it was
// created. Writes committed later are not visible to it. Close releases
// the snapshot; it is also released when iteration reaches the end.
//
// Close the enumerator before ending a transaction it was created in:
// bbolt cannot grow its memory map while a read snapshot is open, so a
// commit that needs to remap waits for the snapshot and never returns.
//
//	e := db.EnumerateChanges(since, opt)
//	defer e.Close()
//	for e.Next() {
//		doc := e.Doc()
//	}
//	if err := e.Err(); err != nil { ... }
type DocEnumerator struct {
	db     *DB
	tx     *Tx
	source enumSource
	opt    EnumOptions
	cur    *RawRangeCursor
	ids    []string
	pos    int

	doc      *Document
	err      error
	skipped  int
	returned int
	closed   bool
}

func (db *DB) newEnumerator(source enumSource, opt EnumOptions) *DocEnumerator {
	e := &DocEnumerator{db: db, source: source, opt: opt}
	e.tx, e.err = db.beginTx(false)
	if e.err != nil {
		e.closed = true
	}
	return e
}

// EnumerateAllDocs iterates documents in docID order within
// [startID, endID]. Either bound may be empty to leave that side open;
// the bounds do not swap when Descending is set.
func (db *DB) EnumerateAllDocs(startID, endID string, opt EnumOptions) *DocEnumerator {
	e := db.newEnumerator(enumAllDocs, opt)
	if e.closed {
		return e
	}
	var rang RawRange
	if startID != "" {
		rang.Lower, rang.LowerInc = []byte(startID), !opt.ExclusiveStart
	}
	if endID != "" {
		rang.Upper, rang.UpperInc = []byte(endID), !opt.ExclusiveEnd
	}
	rang.Reverse = opt.Descending
	e.start(docsBucket, rang)
	return e
}

// EnumerateSomeDocs iterates the given documents in docID order.
// Duplicate IDs are returned once and unknown IDs are skipped.
func (db *DB) EnumerateSomeDocs(ids []string, opt EnumOptions) *DocEnumerator {
	e := db.newEnumerator(enumSomeDocs, opt)
	if e.closed {
		return e
	}
	e.ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if opt.Descending {
		slices.Reverse(e.ids)
	}
	return e
}

// EnumerateChanges iterates documents whose current revision was saved
// after since, in sequence order.
func (db *DB) EnumerateChanges(since uint64, opt EnumOptions) *DocEnumerator {
	e := db.newEnumerator(enumChanges, opt)
	if e.closed {
		return e
	}
	rang := RawEO(seqKey(since))
	rang.Reverse = opt.Descending
	e.start(seqsBucket, rang)
	return e
}

func (e *DocEnumerator) start(bucket string, rang RawRange) {
	if b := e.tx.bucket(bucket); b != nil && !rang.IsEmpty() {
		e.cur = rang.newCursor(b.Cursor())
	}
}

// Next advances to the next document and reports whether there is one.
func (e *DocEnumerator) Next() bool {
	if e.closed {
		return false
	}
	for {
		doc, ok, err := e.fetch()
		if err != nil {
			e.err = err
			e.Close()
			return false
		}
		if !ok {
			e.Close()
			return false
		}
		if doc == nil {
			continue
		}
		if doc.Exists() && doc.IsDeleted() && !e.opt.IncludeDeleted {
			continue
		}
		if e.skipped < e.opt.Skip {
			e.skipped++
			continue
		}
		if e.opt.Limit > 0 && e.returned >= e.opt.Limit {
			e.Close()
			return false
		}
		e.returned++
		e.doc = doc
		return true
	}
}

// fetch returns the next candidate; doc is nil for entries to skip.
func (e *DocEnumerator) fetch() (doc *Document, ok bool, err error) {
	switch e.source {
	case enumSomeDocs:
		if e.pos >= len(e.ids) {
			return nil, false, nil
		}
		id := e.ids[e.pos]
		e.pos++
		if id == "" {
			return nil, true, nil
		}
		doc, err := e.tx.getDoc(id, e.opt.IncludeBodies)
		if err != nil || !doc.Exists() {
			return nil, true, err
		}
		return doc, true, nil

	case enumAllDocs:
		if e.cur == nil || !e.cur.Next() {
			return nil, false, nil
		}
		doc, err := e.tx.decodeDoc(string(e.cur.Key()), e.cur.Value())
		if err != nil {
			return nil, false, err
		}
		if e.opt.IncludeBodies {
			if err := e.tx.loadBody(doc, doc.selected); err != nil {
				return nil, false, err
			}
		}
		return doc, true, nil

	case enumChanges:
		if e.cur == nil || !e.cur.Next() {
			return nil, false, nil
		}
		seq := decodeSeqKey(e.cur.Key())
		kind, docID, err := decodeSeqEntry(e.cur.Value())
		if err != nil {
			return nil, false, err
		}
		if kind == seqEntryPurge {
			if !e.opt.includePurged {
				return nil, true, nil
			}
			return &Document{ID: docID, Sequence: seq, db: e.db, selected: -1}, true, nil
		}
		doc, err := e.tx.getDoc(docID, e.opt.IncludeBodies)
		if err != nil {
			return nil, false, err
		}
		if !doc.Exists() || doc.Sequence != seq {
			return nil, true, nil
		}
		return doc, true, nil
	}
	panic("unreachable")
}

// Doc returns the current document. Bodies that were not included can
// be loaded with Document.LoadRevisionBody.
func (e *DocEnumerator) Doc() *Document {
	return e.doc
}

func (e *DocEnumerator) Err() error {
	return e.err
}

// Close releases the snapshot. It is safe to call at any point and more
// than once.
func (e *DocEnumerator) Close() {
	if e.closed && e.tx == nil {
		return
	}
	e.closed = true
	e.cur = nil
	if e.tx != nil {
		e.tx.Close()
		e.tx = nil
	}
}

// Docs adapts the enumerator to a range-over-func loop. Breaking out of
// the loop closes the enumerator.
func (e *DocEnumerator) Docs() iter.Seq[*Document] {
	return func(yield func(*Document) bool) {
		defer e.Close()
		for e.Next() {
			if !yield(e.doc) {
				return
			}
		}
	}
}
