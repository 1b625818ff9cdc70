package revdb

import (
	"bytes"
	"encoding/binary"
)

// Row references record which keys a document owns in a view, so that
// re-indexing it can delete exactly the rows it no longer emits.
const (
	refRow = 1
	refGeo = 2
)

type rowRef struct {
	Ord uint64
	Key []byte
}

type rowRefs []rowRef

func compareRowRefs(a, b rowRef) int {
	switch {
	case a.Ord < b.Ord:
		return -1
	case a.Ord > b.Ord:
		return 1
	}
	return bytes.Compare(a.Key, b.Key)
}

func appendRowRefs(buf []byte, refs rowRefs) []byte {
	var total = binary.MaxVarintLen32 + len(refs)*(binary.MaxVarintLen32+binary.MaxVarintLen32)
	for _, ref := range refs {
		total += len(ref.Key)
	}

	w := prealloc(buf, total)
	w.AppendUvarinti(len(refs))
	for _, ref := range refs {
		w.AppendUvarint(ref.Ord)
		w.AppendVarBytes(ref.Key)
	}
	return w.Trimmed()
}

func decodeRowRefs(data []byte, f func(ord uint64, key []byte)) error {
	if len(data) == 0 {
		return nil
	}
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ord, err := d.Uvarint()
		if err != nil {
			return err
		}
		key, err := d.VarBytes()
		if err != nil {
			return err
		}
		f(ord, key)
	}
	if !d.Done() {
		return dataErrf(data, d.Off(), nil, "trailing data after row references")
	}
	return nil
}

type rowDiffer struct {
	newRefs rowRefs
}

func (d *rowDiffer) checkOldKey(oldOrd uint64, oldKey []byte) bool {
	// Look for a new ref that's >= old ref.
	for len(d.newRefs) > 0 {
		newOrd := d.newRefs[0].Ord
		if oldOrd < newOrd {
			return false
		} else if oldOrd == newOrd {
			c := bytes.Compare(oldKey, d.newRefs[0].Key)
			if c < 0 {
				return false
			} else if c == 0 {
				return true // found exact match
			}
		}
		d.newRefs = d.newRefs[1:] // shift to next new ref and compare again
	}
	return false // no more new refs, so remaining old refs have been deleted
}

// findRemovedRowRefs calls removed for every ref of oldData that is not
// among newRefs. Both must be sorted.
func findRemovedRowRefs(oldData []byte, newRefs rowRefs, removed func(ord uint64, key []byte)) error {
	d := rowDiffer{newRefs}
	return decodeRowRefs(oldData, func(ord uint64, key []byte) {
		if !d.checkOldKey(ord, key) {
			removed(ord, key)
		}
	})
}

// makeRowKey builds the key of a view row: the collated emitted key, the
// collated document ID and the emit index within the document, so rows
// sort by key, then by document.
func makeRowKey(buf []byte, key Key, docID string, i uint32) []byte {
	buf = append(buf, key...)
	buf = appendKeyString(buf, docID)
	return binary.BigEndian.AppendUint32(buf, i)
}

func decodeRowKey(k []byte) (key Key, docID string, err error) {
	r := NewKeyReader(k)
	if err := r.Skip(); err != nil {
		return nil, "", err
	}
	rest := r.Rest()
	key = Key(k[:len(k)-len(rest)])
	r = NewKeyReader(rest)
	docID, err = r.ReadString()
	if err != nil {
		return nil, "", err
	}
	if len(r.Rest()) != 4 {
		return nil, "", dataErrf(k, len(k)-len(r.Rest()), nil, "invalid row key suffix")
	}
	return key, docID, nil
}

// makeGeoKey builds the key of a geo row: the collated document ID and
// the emit index.
func makeGeoKey(buf []byte, docID string, i uint32) []byte {
	buf = appendKeyString(buf, docID)
	return binary.BigEndian.AppendUint32(buf, i)
}

func decodeGeoKey(k []byte) (docID string, err error) {
	r := NewKeyReader(k)
	docID, err = r.ReadString()
	if err != nil {
		return "", err
	}
	if len(r.Rest()) != 4 {
		return "", dataErrf(k, 0, nil, "invalid geo key suffix")
	}
	return docID, nil
}
