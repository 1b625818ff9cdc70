package revdb

import (
	"log/slog"
)

const bodyFormatVer1 = 1

// encodeBody wraps a revision or raw body for storage: a format byte
// followed by the possibly encrypted payload.
func (db *DB) encodeBody(body []byte) []byte {
	sealed := db.sealer.seal(body)
	buf := make([]byte, 1+len(sealed))
	buf[0] = bodyFormatVer1
	copy(buf[1:], sealed)
	return buf
}

func (db *DB) decodeBody(raw []byte) ([]byte, error) {
	if len(raw) < 1 || raw[0] != bodyFormatVer1 {
		return nil, dataErrf(raw, 0, nil, "invalid body format")
	}
	body, err := db.sealer.open(raw[1:])
	if err != nil {
		return nil, err
	}
	if db.sealer == nil {
		// storage-owned memory is only valid during the transaction
		body = append([]byte(nil), body...)
	}
	return body, nil
}

// inTransaction runs f in the handle's open write transaction and fails
// with ErrNotInTransaction if there is none. A failure after f has
// written something marks the transaction for rollback.
func (db *DB) inTransaction(op string, f func(tx *Tx) error) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	tx := db.wtx
	if tx == nil {
		return errf(ErrNotInTransaction, nil, "%s requires a transaction", op)
	}
	return db.callSharedLocked(op, tx, f)
}

func (db *DB) callSharedLocked(op string, tx *Tx, f func(tx *Tx) error) error {
	before := tx.writes
	err := safelyCall(f, tx)
	if err != nil && tx.writes != before {
		logWarn("operation failed mid-way, transaction will roll back", slog.String("op", op), slog.Any("err", err))
		db.abort = true
	}
	return err
}

func (tx *Tx) saveDoc(doc *Document, maxDepth int) error {
	var stored docRecord
	var exists bool
	if raw := nonNil(tx.bucket(docsBucket)).Get([]byte(doc.ID)); raw != nil {
		if err := stored.decode(raw); err != nil {
			return docErrf(doc.ID, "", err, "corrupt record")
		}
		exists = true
	}
	if stored.Sequence != doc.loadedSeq {
		return docErrf(doc.ID, doc.RevID, ErrConflict, "document was saved concurrently (sequence %d, loaded %d)", stored.Sequence, doc.loadedSeq)
	}

	seq, err := tx.nextSequence()
	if err != nil {
		return err
	}

	tree := doc.tree.clone()
	for i := range tree.nodes {
		n := &tree.nodes[i]
		if !n.Flags.Contains(RevNew) {
			continue
		}
		k := append(tx.keyBuf(), bodyKey(doc.ID, n.ID)...)
		if err := tx.put(bodiesBucket, k, tx.db.encodeBody(n.body)); err != nil {
			return err
		}
	}
	tree.assignSequence(seq)
	for _, revID := range tree.prune(maxDepth) {
		if err := tx.delete(bodiesBucket, bodyKey(doc.ID, revID)); err != nil {
			return err
		}
	}

	revs, err := tree.encode()
	if err != nil {
		return docErrf(doc.ID, "", err, "encode revision tree")
	}
	saved := &Document{ID: doc.ID, Flags: DocExists, tree: tree}
	saved.refresh()

	rec := docRecord{
		Flags:      saved.Flags,
		Sequence:   seq,
		Expiration: stored.Expiration,
		Revs:       revs,
	}
	if err := tx.put(docsBucket, []byte(doc.ID), rec.encode(nil)); err != nil {
		return err
	}
	if exists && stored.Sequence != 0 {
		if err := tx.delete(seqsBucket, seqKey(stored.Sequence)); err != nil {
			return err
		}
	}
	if err := tx.put(seqsBucket, seqKey(seq), makeSeqEntry(seqEntryDoc, doc.ID)); err != nil {
		return err
	}

	var selectedID string
	if doc.selected >= 0 {
		selectedID = doc.tree.nodes[doc.selected].ID
	}
	doc.tree = tree
	doc.Flags = saved.Flags
	doc.RevID = saved.RevID
	doc.Sequence = seq
	doc.loadedSeq = seq
	doc.selected = tree.find(selectedID)
	if doc.selected < 0 {
		doc.selected = tree.current()
	}

	tx.db.metrics.saves.Inc()
	if tx.db.opt.Verbose {
		logDebug("saved", slog.Any("doc", doc), slog.Int("revs", tree.len()))
	}
	return nil
}
