package revdb

import (
	"encoding/binary"
)

const (
	recordFormatVer1      = 1
	recordFormatVerLatest = recordFormatVer1
)

type recordFlags uint64

const (
	rfVerBit0 = recordFlags(1 << iota)
	rfVerBit1
	rfVerBit2
	rfVerBit3

	rfVerMask       = (rfVerBit0 | rfVerBit1 | rfVerBit2 | rfVerBit3)
	rfVer1          = rfVerBit0
	rfSupportedMask = rfVer1
	rfDefault       = rfVer1

	minRecordSize       = 4
	maxRecordHeaderSize = binary.MaxVarintLen64 * 4
)

func (rf recordFlags) ver() recordFlags {
	return rf & rfVerMask
}

// docRecord is the value stored under a document ID.
//
// Format: flags (uvarint), document flags (uvarint), sequence (uvarint),
// expiration in unix nanoseconds or 0 (uvarint), then the msgpack-encoded
// revision tree up to the end of the value.
type docRecord struct {
	Flags      DocFlags
	Sequence   uint64
	Expiration int64
	Revs       []byte
}

func (rec *docRecord) encode(buf []byte) []byte {
	if rec.Expiration < 0 {
		panic("negative expiration")
	}
	w := prealloc(buf, maxRecordHeaderSize+len(rec.Revs))
	w.AppendUvarint(uint64(rfDefault))
	w.AppendUvarint(uint64(rec.Flags))
	w.AppendUvarint(rec.Sequence)
	w.AppendUvarinti64(rec.Expiration)
	w.AppendRaw(rec.Revs)
	return w.Trimmed()
}

func (rec *docRecord) decode(data []byte) error {
	if len(data) < minRecordSize {
		return dataErrf(data, 0, nil, "invalid record: at least %d bytes required", minRecordSize)
	}
	d := makeByteDecoder(data)

	v, err := d.Uvarint()
	if err != nil {
		return err
	}
	if (v &^ uint64(rfSupportedMask)) != 0 {
		return dataErrf(data, 0, nil, "invalid record: unsupported flags %x", v)
	}
	if recordFlags(v).ver() != rfVer1 {
		return dataErrf(data, 0, nil, "invalid record: unsupported version %d", v)
	}

	v, err = d.Uvarint()
	if err != nil {
		return err
	}
	rec.Flags = DocFlags(v)

	rec.Sequence, err = d.Uvarint()
	if err != nil {
		return err
	}

	v, err = d.Uvarint()
	if err != nil {
		return err
	}
	if v > 1<<63-1 {
		return dataErrf(data, d.Off(), nil, "invalid record: bad expiration")
	}
	rec.Expiration = int64(v)

	rec.Revs = d.Buf
	return nil
}

// Values of the sequence bucket: a kind byte followed by the document ID.
const (
	seqEntryDoc   = 'd'
	seqEntryPurge = 'p'
)

func makeSeqEntry(kind byte, docID string) []byte {
	buf := make([]byte, 1+len(docID))
	buf[0] = kind
	copy(buf[1:], docID)
	return buf
}

func decodeSeqEntry(v []byte) (kind byte, docID string, err error) {
	if len(v) < 1 || (v[0] != seqEntryDoc && v[0] != seqEntryPurge) {
		return 0, "", dataErrf(v, 0, nil, "invalid sequence entry")
	}
	return v[0], string(v[1:]), nil
}

// Keys of the expiry bucket: big-endian unix nanoseconds, then the document ID.
func makeExpiryKey(nanos int64, docID string) []byte {
	buf := make([]byte, 8+len(docID))
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	copy(buf[8:], docID)
	return buf
}

func decodeExpiryKey(k []byte) (nanos int64, docID string, err error) {
	if len(k) < 8 {
		return 0, "", dataErrf(k, 0, nil, "invalid expiry key")
	}
	return int64(binary.BigEndian.Uint64(k)), string(k[8:]), nil
}

func bodyKey(docID, revID string) []byte {
	return makeTuple([]byte(docID), []byte(revID))
}
