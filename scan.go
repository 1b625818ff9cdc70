package revdb

import (
	"bytes"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// RawRange defines a range of byte strings. The constructors use mnemonics:
// O means open, I means inclusive, E means exclusive; the first letter is for
// the lower bound, the second for the upper bound.
type RawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func RawOO() RawRange            { return RawRange{} }
func RawIO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: true} }
func RawEO(l []byte) RawRange    { return RawRange{Lower: l, LowerInc: false} }
func RawOI(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: true} }
func RawOE(u []byte) RawRange    { return RawRange{Upper: u, UpperInc: false} }
func RawII(l, u []byte) RawRange { return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: true} }
func RawIE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: true, UpperInc: false}
}
func RawEI(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: true}
}
func RawEE(l, u []byte) RawRange {
	return RawRange{Lower: l, Upper: u, LowerInc: false, UpperInc: false}
}
func RawPrefix(p []byte) RawRange                { return RawRange{Prefix: p} }
func (rang RawRange) Prefixed(p []byte) RawRange { rang.Prefix = p; return rang }
func (rang RawRange) Reversed() RawRange         { rang.Reverse = true; return rang }

// IsEmpty reports whether the bounds exclude every possible key.
func (rang RawRange) IsEmpty() bool {
	if rang.Lower == nil || rang.Upper == nil {
		return false
	}
	c := bytes.Compare(rang.Lower, rang.Upper)
	return c > 0 || (c == 0 && !(rang.LowerInc && rang.UpperInc))
}

func (r *RawRange) start(bcur storageCursor) ([]byte, []byte) {
	var k, v []byte
	if r.IsEmpty() {
		return nil, nil
	}
	if r.Reverse {
		upper := r.Upper
		if upper != nil && r.Prefix != nil && !bytes.HasPrefix(upper, r.Prefix) {
			if bytes.Compare(upper, r.Prefix) < 0 {
				return nil, nil
			}
			upper = nil
		}
		if upper != nil {
			k, v = bcur.Seek(upper)
			if k == nil {
				k, v = bcur.Last()
			} else if c := bytes.Compare(k, upper); c > 0 || (c == 0 && !r.UpperInc) {
				k, v = bcur.Prev()
			}
			if debugLogRawScans {
				logDebug("SEEK to upper", hexAttr("upper", upper), hexAttr("key", k))
			}
		} else if r.Prefix != nil {
			k, v = bcur.SeekLast(r.Prefix)
		} else {
			k, v = bcur.Last()
		}
	} else {
		if lower := r.Lower; lower != nil {
			if r.Prefix != nil && bytes.Compare(lower, r.Prefix) < 0 {
				lower = r.Prefix
			}
			k, v = bcur.Seek(lower)
			if k != nil && !r.LowerInc && bytes.Equal(k, r.Lower) {
				k, v = bcur.Next()
			}
			if debugLogRawScans {
				logDebug("SEEK to lower", hexAttr("lower", lower), hexAttr("key", k))
			}
		} else if r.Prefix != nil {
			k, v = bcur.Seek(r.Prefix)
		} else {
			k, v = bcur.First()
		}
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *RawRange) next(bcur storageCursor) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = bcur.Prev()
	} else {
		k, v = bcur.Next()
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

// match reports whether k is still inside the range, looking only at the
// bound the scan is moving towards.
func (r *RawRange) match(k []byte) bool {
	if r.Prefix != nil && !bytes.HasPrefix(k, r.Prefix) {
		if debugLogRawScans {
			logDebug("BAIL on prefix", hexAttr("prefix", r.Prefix), hexAttr("key", k))
		}
		return false
	}
	if r.Reverse {
		if lower := r.Lower; lower != nil {
			cmp := bytes.Compare(k, lower)
			if cmp == -1 || (cmp == 0 && !r.LowerInc) {
				return false
			}
		}
	} else {
		if upper := r.Upper; upper != nil {
			cmp := bytes.Compare(k, upper)
			if cmp == 1 || (cmp == 0 && !r.UpperInc) {
				return false
			}
		}
	}
	return true
}

func (rang *RawRange) newCursor(bcur storageCursor) *RawRangeCursor {
	return &RawRangeCursor{rang: *rang, bcur: bcur}
}

// RawRangeCursor walks a bucket within a RawRange. Keys and values are
// only valid until the next call to Next and until the owning
// transaction ends.
type RawRangeCursor struct {
	rang RawRange
	bcur storageCursor
	k, v []byte
	init bool
	done bool
}

func (c *RawRangeCursor) Next() bool {
	if c.done {
		return false
	}
	if c.init {
		c.k, c.v = c.rang.next(c.bcur)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur)
	}
	if c.k == nil {
		c.done = true
		if debugLogRawScans {
			logDebug("scan done", slog.Bool("reverse", c.rang.Reverse))
		}
	}
	return c.k != nil
}

func (c *RawRangeCursor) Key() []byte   { return c.k }
func (c *RawRangeCursor) Value() []byte { return c.v }
