package revdb

import (
	"log/slog"
	"time"
)

type DocFlags uint32

const (
	DocExists DocFlags = 1 << iota
	DocDeleted
	DocConflicted
	DocHasAttachments
)

func (f DocFlags) Contains(v DocFlags) bool {
	return f&v == v
}

// Document is an in-memory copy of a stored document and its revision
// tree. It is not safe for concurrent use. Changes made with
// InsertRevision and Update stay in memory until Save.
type Document struct {
	ID         string
	Flags      DocFlags
	RevID      string
	Sequence   uint64
	Expiration time.Time

	db        *DB
	tree      revTree
	selected  int
	loadedSeq uint64
}

// Get loads a document with its whole revision tree and the body of the
// current revision. Other bodies are loaded on demand. If the document
// does not exist, Get fails with ErrNotFound when mustExist is set, and
// otherwise returns an empty document that new revisions can be
// inserted into.
func (db *DB) Get(docID string, mustExist bool) (*Document, error) {
	var doc *Document
	err := db.read(func(tx *Tx) error {
		var err error
		doc, err = tx.getDoc(docID, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !doc.Exists() && mustExist {
		return nil, docErrf(docID, "", ErrNotFound, "")
	}
	return doc, nil
}

// GetBySequence loads the document whose current revision was saved
// with the given sequence.
func (db *DB) GetBySequence(seq uint64) (*Document, error) {
	var doc *Document
	err := db.read(func(tx *Tx) error {
		var err error
		doc, err = tx.getDocBySequence(seq)
		return err
	})
	return doc, err
}

func (tx *Tx) getDoc(docID string, withBody bool) (*Document, error) {
	if docID == "" {
		return nil, errf(ErrInvalidParameter, nil, "empty document ID")
	}
	var raw []byte
	if docs := tx.bucket(docsBucket); docs != nil {
		raw = docs.Get([]byte(docID))
	}
	if raw == nil {
		return &Document{ID: docID, db: tx.db, selected: -1}, nil
	}
	doc, err := tx.decodeDoc(docID, raw)
	if err != nil {
		return nil, err
	}
	if withBody && doc.selected >= 0 {
		if err := tx.loadBody(doc, doc.selected); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (tx *Tx) getDocBySequence(seq uint64) (*Document, error) {
	var entry []byte
	if seqs := tx.bucket(seqsBucket); seqs != nil {
		entry = seqs.Get(seqKey(seq))
	}
	if entry == nil {
		return nil, errf(ErrNotFound, nil, "sequence %d not found", seq)
	}
	kind, docID, err := decodeSeqEntry(entry)
	if err != nil {
		return nil, err
	}
	if kind != seqEntryDoc {
		return nil, errf(ErrNotFound, nil, "sequence %d belongs to purged document %s", seq, docID)
	}
	doc, err := tx.getDoc(docID, true)
	if err != nil {
		return nil, err
	}
	if !doc.Exists() || doc.Sequence != seq {
		return nil, docErrf(docID, "", ErrNotFound, "sequence %d is stale", seq)
	}
	return doc, nil
}

func (tx *Tx) decodeDoc(docID string, raw []byte) (*Document, error) {
	var rec docRecord
	if err := rec.decode(raw); err != nil {
		return nil, docErrf(docID, "", err, "corrupt record")
	}
	tree, err := decodeRevTree(rec.Revs)
	if err != nil {
		return nil, docErrf(docID, "", err, "corrupt revision tree")
	}
	doc := &Document{
		ID:        docID,
		Flags:     rec.Flags,
		Sequence:  rec.Sequence,
		db:        tx.db,
		tree:      tree,
		loadedSeq: rec.Sequence,
	}
	if rec.Expiration != 0 {
		doc.Expiration = time.Unix(0, rec.Expiration)
	}
	doc.refresh()
	doc.selected = doc.tree.current()
	return doc, nil
}

func (tx *Tx) loadBody(doc *Document, i int) error {
	n := &doc.tree.nodes[i]
	if n.bodyLoaded {
		return nil
	}
	var raw []byte
	if bodies := tx.bucket(bodiesBucket); bodies != nil {
		raw = bodies.Get(bodyKey(doc.ID, n.ID))
	}
	if raw == nil {
		return docErrf(doc.ID, n.ID, ErrNotFound, "body not available")
	}
	body, err := tx.db.decodeBody(raw)
	if err != nil {
		return docErrf(doc.ID, n.ID, err, "")
	}
	n.body, n.bodyLoaded = body, true
	return nil
}

// refresh recomputes the summary fields from the tree.
func (doc *Document) refresh() {
	if doc.tree.len() == 0 {
		doc.RevID = ""
		doc.Flags &^= DocDeleted | DocConflicted | DocHasAttachments
		return
	}
	cur := &doc.tree.nodes[0]
	doc.RevID = cur.ID
	flags := doc.Flags & DocExists
	if cur.Flags.Contains(RevDeleted) {
		flags |= DocDeleted
	}
	if cur.Flags.Contains(RevHasAttachments) {
		flags |= DocHasAttachments
	}
	if doc.tree.isConflicted() {
		flags |= DocConflicted
	}
	doc.Flags = flags
}

func (doc *Document) Exists() bool {
	return doc.Flags.Contains(DocExists)
}

func (doc *Document) IsDeleted() bool {
	return doc.Flags.Contains(DocDeleted)
}

func (doc *Document) IsConflicted() bool {
	return doc.Flags.Contains(DocConflicted)
}

// Revisions lists the revision tree in priority order, the current
// revision first.
func (doc *Document) Revisions() []Revision {
	revs := make([]Revision, doc.tree.len())
	for i := range revs {
		revs[i] = doc.tree.revision(i)
	}
	return revs
}

// Selected returns the selected revision, or a zero Revision if the
// document has none.
func (doc *Document) Selected() Revision {
	if doc.selected < 0 || doc.selected >= doc.tree.len() {
		return Revision{}
	}
	return doc.tree.revision(doc.selected)
}

// Body returns the body of the selected revision, or nil if it has not
// been loaded.
func (doc *Document) Body() []byte {
	return doc.Selected().Body
}

func (doc *Document) SelectCurrentRevision() bool {
	doc.selected = doc.tree.current()
	return doc.selected >= 0
}

func (doc *Document) SelectRevision(revID string, withBody bool) error {
	i := doc.tree.find(revID)
	if i < 0 {
		return docErrf(doc.ID, revID, ErrNotFound, "no such revision")
	}
	doc.selected = i
	if withBody {
		return doc.LoadRevisionBody()
	}
	return nil
}

func (doc *Document) SelectParentRevision() bool {
	if doc.selected < 0 {
		return false
	}
	p := int(doc.tree.nodes[doc.selected].Parent)
	if p < 0 {
		return false
	}
	doc.selected = p
	return true
}

// SelectNextRevision moves to the next revision in priority order.
func (doc *Document) SelectNextRevision() bool {
	if doc.selected < 0 || doc.selected+1 >= doc.tree.len() {
		return false
	}
	doc.selected++
	return true
}

// SelectNextLeafRevision moves to the next leaf in priority order,
// skipping deleted leaves unless includeDeleted is set.
func (doc *Document) SelectNextLeafRevision(includeDeleted bool) bool {
	if doc.selected < 0 {
		return false
	}
	for i := doc.selected + 1; i < doc.tree.len(); i++ {
		f := doc.tree.nodes[i].Flags
		if !f.Contains(RevLeaf) {
			// leaves sort first
			return false
		}
		if includeDeleted || !f.Contains(RevDeleted) {
			doc.selected = i
			return true
		}
	}
	return false
}

// LoadRevisionBody loads the body of the selected revision if it is not
// loaded yet.
func (doc *Document) LoadRevisionBody() error {
	if doc.selected < 0 {
		return docErrf(doc.ID, "", ErrNotFound, "no revision selected")
	}
	if doc.tree.nodes[doc.selected].bodyLoaded {
		return nil
	}
	return doc.db.read(func(tx *Tx) error {
		return tx.loadBody(doc, doc.selected)
	})
}

// InsertRevision adds revID as a child of the selected revision, or as the
// root of an empty document, and selects it. revID must be exactly one
// generation above its parent. Unless allowConflict is set, the insert
// fails with ErrConflict when it would create a new branch or would leave
// the document with a winner other than revID or a second live leaf. Inserting a
// revision that already exists is a no-op that returns false.
func (doc *Document) InsertRevision(revID string, body []byte, deleted, hasAttachments, allowConflict bool) (bool, error) {
	gen, _, err := ParseRevID(revID)
	if err != nil {
		return false, err
	}
	if i := doc.tree.find(revID); i >= 0 {
		doc.selected = i
		return false, nil
	}

	parent := -1
	var parentID string
	var parentGen uint64
	if doc.selected >= 0 {
		parent = doc.selected
		parentID = doc.tree.nodes[parent].ID
		parentGen = RevIDGeneration(parentID)
	}
	if gen != parentGen+1 {
		return false, docErrf(doc.ID, revID, ErrBadRevisionID, "generation %d does not follow parent %q", gen, parentID)
	}
	if !allowConflict {
		if parent < 0 && doc.tree.len() > 0 {
			return false, docErrf(doc.ID, revID, ErrConflict, "document already has revisions")
		}
		if parent >= 0 && !doc.tree.nodes[parent].Flags.Contains(RevLeaf) {
			return false, docErrf(doc.ID, revID, ErrConflict, "parent %s is not a leaf", parentID)
		}
	}

	tree := doc.tree.clone()
	i := tree.insert(revID, body, parent, deleted, hasAttachments)
	if !allowConflict && (i != tree.current() || tree.isConflicted()) {
		return false, docErrf(doc.ID, revID, ErrConflict, "revision would not be the sole winning leaf")
	}
	doc.tree = tree
	doc.selected = i
	doc.refresh()
	return true, nil
}

// Update inserts a new revision with a generated ID as a child of the
// current revision and returns the new ID.
func (doc *Document) Update(body []byte, deleted bool) (string, error) {
	doc.SelectCurrentRevision()
	revID := generateRevID(doc.RevID, deleted, body)
	_, err := doc.InsertRevision(revID, body, deleted, false, false)
	if err != nil {
		return "", err
	}
	return revID, nil
}

// Save persists the revisions inserted since the document was loaded,
// stamping them with one new sequence, and prunes every branch to
// maxRevTreeDepth revisions (0 keeps everything). It must be called
// inside BeginTransaction/EndTransaction.
func (doc *Document) Save(maxRevTreeDepth int) error {
	if !doc.tree.hasNew() {
		return nil
	}
	return doc.db.inTransaction("save", func(tx *Tx) error {
		return tx.saveDoc(doc, maxRevTreeDepth)
	})
}

func (doc *Document) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", doc.ID),
		slog.String("rev", doc.RevID),
		slog.Uint64("seq", doc.Sequence),
	)
}
