package revdb

import (
	"log/slog"
	"time"
)

// Purge removes a document with all its revisions and bodies. Its
// sequence is never reused: a purge marker is written at a new sequence
// so that views drop the document's rows on their next indexing run.
// Without an open transaction, Purge runs in a transaction of its own.
func (db *DB) Purge(docID string) error {
	return db.update("purge", func(tx *Tx) error {
		return tx.purgeDoc(docID)
	})
}

func (tx *Tx) purgeDoc(docID string) error {
	raw := nonNil(tx.bucket(docsBucket)).Get([]byte(docID))
	if raw == nil {
		return docErrf(docID, "", ErrNotFound, "")
	}
	var rec docRecord
	if err := rec.decode(raw); err != nil {
		return docErrf(docID, "", err, "corrupt record")
	}
	tree, err := decodeRevTree(rec.Revs)
	if err != nil {
		return docErrf(docID, "", err, "corrupt revision tree")
	}

	for i := range tree.nodes {
		if err := tx.delete(bodiesBucket, bodyKey(docID, tree.nodes[i].ID)); err != nil {
			return err
		}
	}
	if rec.Sequence != 0 {
		if err := tx.delete(seqsBucket, seqKey(rec.Sequence)); err != nil {
			return err
		}
	}
	if rec.Expiration != 0 {
		if err := tx.delete(expiryBucket, makeExpiryKey(rec.Expiration, docID)); err != nil {
			return err
		}
	}
	if err := tx.delete(docsBucket, []byte(docID)); err != nil {
		return err
	}

	seq, err := tx.nextSequence()
	if err != nil {
		return err
	}
	if err := tx.put(seqsBucket, seqKey(seq), makeSeqEntry(seqEntryPurge, docID)); err != nil {
		return err
	}
	tx.purged = true

	tx.db.metrics.purges.Inc()
	if tx.db.opt.Verbose {
		logDebug("purged", slog.String("doc", docID), slog.Uint64("seq", seq))
	}
	return nil
}

// Compact removes storage left behind by pruning and purging: bodies of
// revisions that are no longer in any tree and expiry entries that no
// longer match their document. It cannot run while this handle has a
// transaction open. Open snapshots keep seeing the data they started with.
func (db *DB) Compact() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if db.opt.ReadOnly {
		return ErrReadOnly
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.depth > 0 {
		return ErrTransactionOpen
	}
	return db.compactLocked()
}

func (db *DB) compactLocked() error {
	start := time.Now()
	tx, err := db.beginTx(true)
	if err != nil {
		return err
	}
	defer tx.Close()

	trees := make(map[string]*revTree)
	lookup := func(docID string) (*revTree, int64, error) {
		raw := nonNil(tx.bucket(docsBucket)).Get([]byte(docID))
		if raw == nil {
			return nil, 0, nil
		}
		var rec docRecord
		if err := rec.decode(raw); err != nil {
			return nil, 0, docErrf(docID, "", err, "corrupt record")
		}
		t, ok := trees[docID]
		if !ok {
			tree, err := decodeRevTree(rec.Revs)
			if err != nil {
				return nil, 0, docErrf(docID, "", err, "corrupt revision tree")
			}
			t = &tree
			trees[docID] = t
		}
		return t, rec.Expiration, nil
	}

	orphanBodies := arrayOfBytesPool.Get().([][]byte)
	defer func() { arrayOfBytesPool.Put(orphanBodies[:0]) }()
	c := nonNil(tx.bucket(bodiesBucket)).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		tup, err := decodeTupleN(k, 2)
		if err != nil {
			return err
		}
		tree, _, err := lookup(string(tup[0]))
		if err != nil {
			return err
		}
		if tree == nil || tree.find(string(tup[1])) < 0 {
			orphanBodies = append(orphanBodies, append([]byte(nil), k...))
		}
	}

	var staleExpiry [][]byte
	c = nonNil(tx.bucket(expiryBucket)).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		nanos, docID, err := decodeExpiryKey(k)
		if err != nil {
			return err
		}
		tree, exp, err := lookup(docID)
		if err != nil {
			return err
		}
		if tree == nil || exp != nanos {
			staleExpiry = append(staleExpiry, append([]byte(nil), k...))
		}
	}

	for _, k := range orphanBodies {
		if err := tx.delete(bodiesBucket, k); err != nil {
			return err
		}
	}
	for _, k := range staleExpiry {
		if err := tx.delete(expiryBucket, k); err != nil {
			return err
		}
	}
	if tx.written() {
		if err := tx.commit(); err != nil {
			return err
		}
	}
	db.purged = false
	db.metrics.compactions.Inc()
	logInfo("compacted", slog.String("path", db.path), slog.Int("bodies", len(orphanBodies)), slog.Int("expiry", len(staleExpiry)), slog.Duration("elapsed", time.Since(start)))
	return nil
}
