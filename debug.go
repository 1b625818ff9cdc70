package revdb

import (
	"fmt"
	"io"
	"strings"
	"time"
)

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpDocs
	DumpRevisions
	DumpBodies
	DumpChanges
	DumpExpiry
	DumpRaw
	DumpStats

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)

	indentStep = "  "
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump writes a human-readable listing of the database contents.
func (db *DB) Dump(w io.Writer, f DumpFlags) error {
	return db.read(func(tx *Tx) error {
		tx.dump(w, f)
		return nil
	})
}

func (tx *Tx) dump(w io.Writer, f DumpFlags) {
	s := tx.stats()
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d docs, last seq %d)\n", tx.db.path, s.Documents, s.LastSeq)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "stats: bodies = %d, seqs = %d, expiring = %d, raw_stores = %d, raw_records = %d, data_size = %d, data_alloc = %d, total = %d\n", s.Bodies, s.Sequences, s.Expiring, s.RawStores, s.RawRecords, s.DataSize, s.DataAlloc, s.TotalBytes)
	}

	if f.Contains(DumpDocs) {
		fmt.Fprintln(w, dumpSep2)
		c := nonNil(tx.bucket(docsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			tx.dumpDoc(w, f, string(k), v)
		}
	}

	if f.Contains(DumpChanges) {
		fmt.Fprintln(w, dumpSep2)
		c := nonNil(tx.bucket(seqsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			kind, docID, err := decodeSeqEntry(v)
			if err != nil {
				fmt.Fprintf(w, "seq.%d ** ERROR: %v\n", decodeSeqKey(k), err)
				continue
			}
			fmt.Fprintf(w, "seq.%d = %c %s\n", decodeSeqKey(k), kind, docID)
		}
	}

	if f.Contains(DumpExpiry) {
		fmt.Fprintln(w, dumpSep2)
		c := nonNil(tx.bucket(expiryBucket)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			nanos, docID, err := decodeExpiryKey(k)
			if err != nil {
				fmt.Fprintf(w, "expiry ** ERROR: %v\n", err)
				continue
			}
			fmt.Fprintf(w, "expiry.%s = %s\n", docID, time.Unix(0, nanos).UTC().Format(time.RFC3339Nano))
		}
	}

	if f.Contains(DumpRaw) {
		for _, store := range tx.stx.SubBuckets(rawBucket) {
			fmt.Fprintln(w, dumpSep2)
			fmt.Fprintf(w, "raw.%s\n", store)
			c := tx.stx.Bucket(rawBucket, store).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				doc, err := tx.db.decodeRaw(k, v)
				if err != nil {
					fmt.Fprintf(w, "%sraw.%s.%s ** ERROR: %v\n", indentStep, store, hexstr(k), err)
					continue
				}
				fmt.Fprintf(w, "%sraw.%s.%q = meta %q body %q\n", indentStep, store, k, doc.Meta, doc.Body)
			}
		}
	}
}

func (tx *Tx) dumpDoc(w io.Writer, f DumpFlags, docID string, v []byte) {
	doc, err := tx.decodeDoc(docID, v)
	if err != nil {
		fmt.Fprintf(w, "doc.%s ** ERROR: %v\n", docID, err)
		return
	}
	fmt.Fprintf(w, "doc.%s = (s%d f%04b) %s\n", docID, doc.Sequence, doc.Flags, doc.RevID)
	if !f.Contains(DumpRevisions) {
		return
	}
	for i, rev := range doc.Revisions() {
		parent := "-"
		if p := doc.tree.nodes[i].Parent; p >= 0 {
			parent = doc.tree.nodes[p].ID
		}
		fmt.Fprintf(w, "%s%s (s%d f%04b) <- %s", indentStep, rev.ID, rev.Sequence, rev.Flags, parent)
		if f.Contains(DumpBodies) {
			if err := tx.loadBody(doc, i); err != nil {
				fmt.Fprintf(w, " ** %v", err)
			} else {
				fmt.Fprintf(w, " %q", doc.tree.nodes[i].body)
			}
		}
		fmt.Fprintln(w)
	}
}
