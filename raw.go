package revdb

import (
	"iter"
)

// RawDocument is an unversioned record of a named raw store.
type RawDocument struct {
	Key  []byte
	Meta []byte
	Body []byte
}

func (db *DB) encodeRaw(meta, body []byte) []byte {
	return db.encodeBody(makeTuple(meta, body))
}

func (db *DB) decodeRaw(key, raw []byte) (*RawDocument, error) {
	plain, err := db.decodeBody(raw)
	if err != nil {
		return nil, err
	}
	tup, err := decodeTupleN(plain, 2)
	if err != nil {
		return nil, err
	}
	return &RawDocument{
		Key:  append([]byte(nil), key...),
		Meta: nilIfEmpty(tup[0]),
		Body: nilIfEmpty(tup[1]),
	}, nil
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func validateStoreName(store string) error {
	if store == "" {
		return errf(ErrInvalidParameter, nil, "empty raw store name")
	}
	return nil
}

// RawGet returns a record of a raw store, or ErrNotFound.
func (db *DB) RawGet(store string, key []byte) (*RawDocument, error) {
	if err := validateStoreName(store); err != nil {
		return nil, err
	}
	var doc *RawDocument
	err := db.read(func(tx *Tx) error {
		var err error
		doc, err = tx.RawGet(store, key)
		return err
	})
	return doc, err
}

func (tx *Tx) RawGet(store string, key []byte) (*RawDocument, error) {
	b := tx.stx.Bucket(rawBucket, store)
	var raw []byte
	if b != nil {
		raw = b.Get(key)
	}
	if raw == nil {
		return nil, errf(ErrNotFound, nil, "raw %s/%s not found", store, key)
	}
	return tx.db.decodeRaw(key, raw)
}

// RawPut replaces a record of a raw store. Passing nil meta and body
// deletes the record. Without an open transaction, RawPut runs in a
// transaction of its own.
func (db *DB) RawPut(store string, key, meta, body []byte) error {
	if err := validateStoreName(store); err != nil {
		return err
	}
	if len(key) == 0 {
		return errf(ErrInvalidParameter, nil, "empty raw key")
	}
	return db.update("raw put", func(tx *Tx) error {
		if meta == nil && body == nil {
			b := tx.stx.Bucket(rawBucket, store)
			if b == nil {
				return nil
			}
			tx.writes++
			return translateErr(b.Delete(key), "raw delete")
		}
		b, err := tx.stx.CreateBucket(rawBucket, store)
		if err != nil {
			return translateErr(err, "raw store "+store)
		}
		tx.writes++
		return translateErr(b.Put(key, tx.db.encodeRaw(meta, body)), "raw put")
	})
}

// RawStores lists the raw stores that have ever been written to.
func (db *DB) RawStores() ([]string, error) {
	var names []string
	err := db.read(func(tx *Tx) error {
		names = tx.stx.SubBuckets(rawBucket)
		return nil
	})
	return names, err
}

// RawEnumerate iterates the records of a raw store within rang, in key
// order, from a snapshot of its own. Stopping the loop early releases
// the snapshot. The loop must finish before an enclosing transaction
// ends, as with DocEnumerator.
func (db *DB) RawEnumerate(store string, rang RawRange) iter.Seq2[*RawDocument, error] {
	return func(yield func(*RawDocument, error) bool) {
		if err := validateStoreName(store); err != nil {
			yield(nil, err)
			return
		}
		tx, err := db.beginTx(false)
		if err != nil {
			yield(nil, err)
			return
		}
		defer tx.Close()

		b := tx.stx.Bucket(rawBucket, store)
		if b == nil || rang.IsEmpty() {
			return
		}
		c := rang.newCursor(b.Cursor())
		for c.Next() {
			doc, err := db.decodeRaw(c.Key(), c.Value())
			if !yield(doc, err) || err != nil {
				return
			}
		}
	}
}
