package revdb

import (
	"log/slog"
	"time"
)

// SetExpiration schedules a document for purging at t. A zero t clears
// the expiration. Without an open transaction, SetExpiration runs in a
// transaction of its own.
func (db *DB) SetExpiration(docID string, t time.Time) error {
	var nanos int64
	if !t.IsZero() {
		nanos = t.UnixNano()
		if nanos <= 0 {
			return errf(ErrInvalidParameter, nil, "expiration %v is before 1970", t)
		}
	}
	return db.update("set expiration", func(tx *Tx) error {
		return tx.setExpiration(docID, nanos)
	})
}

func (tx *Tx) setExpiration(docID string, nanos int64) error {
	raw := nonNil(tx.bucket(docsBucket)).Get([]byte(docID))
	if raw == nil {
		return docErrf(docID, "", ErrNotFound, "")
	}
	var rec docRecord
	if err := rec.decode(raw); err != nil {
		return docErrf(docID, "", err, "corrupt record")
	}
	if rec.Expiration == nanos {
		return nil
	}
	if rec.Expiration != 0 {
		if err := tx.delete(expiryBucket, makeExpiryKey(rec.Expiration, docID)); err != nil {
			return err
		}
	}
	if nanos != 0 {
		if err := tx.put(expiryBucket, makeExpiryKey(nanos, docID), []byte{}); err != nil {
			return err
		}
	}
	rec.Expiration = nanos
	return tx.put(docsBucket, []byte(docID), rec.encode(nil))
}

// GetExpiration returns the expiration of a document, or the zero time if
// it has none.
func (db *DB) GetExpiration(docID string) (time.Time, error) {
	var t time.Time
	err := db.read(func(tx *Tx) error {
		raw := nonNil(tx.bucket(docsBucket)).Get([]byte(docID))
		if raw == nil {
			return docErrf(docID, "", ErrNotFound, "")
		}
		var rec docRecord
		if err := rec.decode(raw); err != nil {
			return docErrf(docID, "", err, "corrupt record")
		}
		if rec.Expiration != 0 {
			t = time.Unix(0, rec.Expiration)
		}
		return nil
	})
	return t, err
}

// NextExpiration returns the soonest pending expiration, or the zero time
// if no document has one.
func (db *DB) NextExpiration() (time.Time, error) {
	var t time.Time
	err := db.read(func(tx *Tx) error {
		k, _ := nonNil(tx.bucket(expiryBucket)).Cursor().First()
		if k == nil {
			return nil
		}
		nanos, _, err := decodeExpiryKey(k)
		if err != nil {
			return err
		}
		t = time.Unix(0, nanos)
		return nil
	})
	return t, err
}

type expiredDoc struct {
	id    string
	nanos int64
}

// ExpiryEnumerator yields the IDs of documents whose expiration has
// passed, as of its creation. Purge removes exactly the documents it
// yielded, so a caller drains it first and then purges. Like
// DocEnumerator, it holds a read snapshot until Close or Purge, which must
// happen before ending an enclosing transaction.
type ExpiryEnumerator struct {
	db      *DB
	now     int64
	tx      *Tx
	cur     *RawRangeCursor
	id      string
	yielded []expiredDoc
	err     error
}

func (db *DB) EnumerateExpired() *ExpiryEnumerator {
	e := &ExpiryEnumerator{db: db, now: db.opt.now().UnixNano()}
	e.tx, e.err = db.beginTx(false)
	if e.err != nil {
		return e
	}
	if b := e.tx.bucket(expiryBucket); b != nil {
		e.cur = RawOE(makeExpiryKey(e.now+1, "")).newCursor(b.Cursor())
	}
	return e
}

func (e *ExpiryEnumerator) Next() bool {
	if e.cur == nil {
		e.Close()
		return false
	}
	for e.cur.Next() {
		nanos, docID, err := decodeExpiryKey(e.cur.Key())
		if err != nil {
			e.err = err
			break
		}
		if nanos > e.now {
			break
		}
		e.id = docID
		e.yielded = append(e.yielded, expiredDoc{docID, nanos})
		return true
	}
	e.Close()
	return false
}

func (e *ExpiryEnumerator) DocID() string {
	return e.id
}

func (e *ExpiryEnumerator) Err() error {
	return e.err
}

func (e *ExpiryEnumerator) Close() {
	e.cur = nil
	if e.tx != nil {
		e.tx.Close()
		e.tx = nil
	}
}

// Purge purges the documents yielded so far whose expiration has not
// changed since, all in one transaction, and returns how many it purged.
func (e *ExpiryEnumerator) Purge() (int, error) {
	e.Close()
	if e.err != nil {
		return 0, e.err
	}
	var n int
	err := e.db.update("purge expired", func(tx *Tx) error {
		n = 0
		for _, d := range e.yielded {
			raw := nonNil(tx.bucket(docsBucket)).Get([]byte(d.id))
			if raw == nil {
				continue
			}
			var rec docRecord
			if err := rec.decode(raw); err != nil {
				return docErrf(d.id, "", err, "corrupt record")
			}
			if rec.Expiration != d.nanos {
				continue
			}
			if err := tx.purgeDoc(d.id); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.yielded = nil
	if n > 0 {
		logInfo("purged expired documents", slog.String("path", e.db.path), slog.Int("count", n))
	}
	return n, nil
}

// PurgeExpired enumerates and purges every expired document.
func (db *DB) PurgeExpired() (int, error) {
	e := db.EnumerateExpired()
	for e.Next() {
	}
	return e.Purge()
}
