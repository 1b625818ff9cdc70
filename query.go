package revdb

import (
	"iter"

	"github.com/vmihailenco/msgpack/v5"
)

// QueryOptions restricts a view query. Keys are encoded with EncodeKey;
// a nil StartKey or EndKey leaves that side open, so querying for null
// needs MustEncodeKey(nil). When Keys is set, only rows with exactly those
// keys are returned, in the order given, and the range fields are ignored.
type QueryOptions struct {
	Skip       int
	Limit      int
	Descending bool

	StartKey       Key
	EndKey         Key
	StartKeyDocID  string
	EndKeyDocID    string
	ExclusiveStart bool
	ExclusiveEnd   bool

	Keys []Key
}

// Row is one row of a view.
type Row struct {
	Key      Key
	DocID    string
	Value    []byte
	Sequence uint64
}

// QueryEnumerator iterates the rows of a view from a snapshot taken when
// the query started.
type QueryEnumerator struct {
	view   *View
	stx    storageTx
	opt    QueryOptions
	ranges []RawRange
	cur    *RawRangeCursor
	rows   storageBucket

	row      Row
	err      error
	skipped  int
	returned int
}

// Query returns rows in key order (reversed with Descending), then by
// document ID.
func (v *View) Query(opt QueryOptions) (*QueryEnumerator, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	stx, err := v.st.BeginTx(false)
	if err != nil {
		return nil, translateErr(err, "begin query")
	}
	q := &QueryEnumerator{view: v, stx: stx, opt: opt, rows: stx.Bucket(viewRowsBucket, "")}
	if opt.Keys != nil {
		for _, k := range opt.Keys {
			rang := RawPrefix(k)
			rang.Reverse = opt.Descending
			q.ranges = append(q.ranges, rang)
		}
	} else {
		q.ranges = []RawRange{queryRange(&opt)}
	}
	return q, nil
}

// queryRange turns key bounds into row key bounds. Row keys continue
// past the collated key with the collated docID, whose first byte is
// below 0xFF, so key+0xFF is above every row of that key.
func queryRange(opt *QueryOptions) RawRange {
	var rang RawRange
	if opt.StartKey != nil {
		lower := append(Key(nil), opt.StartKey...)
		if opt.StartKeyDocID != "" {
			lower = appendKeyString(lower, opt.StartKeyDocID)
		}
		if opt.ExclusiveStart {
			lower = append(lower, 0xFF)
		}
		rang.Lower, rang.LowerInc = lower, true
	}
	if opt.EndKey != nil {
		upper := append(Key(nil), opt.EndKey...)
		if opt.EndKeyDocID != "" {
			upper = appendKeyString(upper, opt.EndKeyDocID)
		}
		if !opt.ExclusiveEnd {
			upper = append(upper, 0xFF)
		}
		rang.Upper, rang.UpperInc = upper, false
	}
	rang.Reverse = opt.Descending
	return rang
}

func (q *QueryEnumerator) Next() bool {
	for q.stx != nil {
		if q.cur == nil {
			if len(q.ranges) == 0 || q.rows == nil {
				q.Close()
				return false
			}
			rang := q.ranges[0]
			q.ranges = q.ranges[1:]
			if rang.IsEmpty() {
				continue
			}
			q.cur = rang.newCursor(q.rows.Cursor())
		}
		if !q.cur.Next() {
			q.cur = nil
			continue
		}
		if q.skipped < q.opt.Skip {
			q.skipped++
			continue
		}
		if q.opt.Limit > 0 && q.returned >= q.opt.Limit {
			q.Close()
			return false
		}
		if err := q.decode(q.cur.Key(), q.cur.Value()); err != nil {
			q.err = err
			q.Close()
			return false
		}
		q.returned++
		return true
	}
	return false
}

func (q *QueryEnumerator) decode(k, v []byte) error {
	key, docID, err := decodeRowKey(k)
	if err != nil {
		return err
	}
	var rv rowValue
	if err := msgpack.Unmarshal(v, &rv); err != nil {
		return dataErrf(v, 0, err, "invalid row value")
	}
	q.row = Row{
		Key:      append(Key(nil), key...),
		DocID:    docID,
		Value:    rv.Value,
		Sequence: rv.Sequence,
	}
	return nil
}

func (q *QueryEnumerator) Row() Row {
	return q.row
}

func (q *QueryEnumerator) Err() error {
	return q.err
}

// Close releases the snapshot. It is safe to call at any point and more
// than once.
func (q *QueryEnumerator) Close() {
	q.cur = nil
	q.rows = nil
	if q.stx != nil {
		q.stx.Rollback()
		q.stx = nil
	}
}

// Rows adapts the enumerator to a range-over-func loop. Breaking out of
// the loop closes the enumerator.
func (q *QueryEnumerator) Rows() iter.Seq[Row] {
	return func(yield func(Row) bool) {
		defer q.Close()
		for q.Next() {
			if !yield(q.row) {
				return
			}
		}
	}
}

// QueryAll runs a query and collects its rows.
func (v *View) QueryAll(opt QueryOptions) ([]Row, error) {
	q, err := v.Query(opt)
	if err != nil {
		return nil, err
	}
	var rows []Row
	for row := range q.Rows() {
		rows = append(rows, row)
	}
	return rows, q.Err()
}
