package revdb

import (
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// GeoArea is an axis-aligned bounding box.
type GeoArea struct {
	_msgpack struct{} `msgpack:",as_array"`

	XMin float64 `msgpack:"x0"`
	YMin float64 `msgpack:"y0"`
	XMax float64 `msgpack:"x1"`
	YMax float64 `msgpack:"y1"`
}

func NewGeoArea(xmin, ymin, xmax, ymax float64) GeoArea {
	return GeoArea{XMin: xmin, YMin: ymin, XMax: xmax, YMax: ymax}
}

func (a GeoArea) validate() error {
	for _, f := range [...]float64{a.XMin, a.YMin, a.XMax, a.YMax} {
		if math.IsNaN(f) {
			return errf(ErrInvalidParameter, nil, "geo area has NaN coordinate")
		}
	}
	if a.XMin > a.XMax || a.YMin > a.YMax {
		return errf(ErrInvalidParameter, nil, "inverted geo area %v", a)
	}
	return nil
}

// Intersects reports whether the boxes overlap. Touching edges count.
func (a GeoArea) Intersects(b GeoArea) bool {
	return a.XMin <= b.XMax && b.XMin <= a.XMax && a.YMin <= b.YMax && b.YMin <= a.YMax
}

// GeoRow is one geo row of a view.
type GeoRow struct {
	DocID    string
	Area     GeoArea
	Value    []byte
	Sequence uint64
}

// GeoQuery returns the geo rows whose box intersects area, in no
// particular order.
func (v *View) GeoQuery(area GeoArea) ([]GeoRow, error) {
	if err := area.validate(); err != nil {
		return nil, err
	}
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	stx, err := v.st.BeginTx(false)
	if err != nil {
		return nil, translateErr(err, "begin geo query")
	}
	defer stx.Rollback()

	b := stx.Bucket(viewGeoBucket, "")
	if b == nil {
		return nil, nil
	}
	var result []GeoRow
	c := b.Cursor()
	for k, val := c.First(); k != nil; k, val = c.Next() {
		var gv geoValue
		if err := msgpack.Unmarshal(val, &gv); err != nil {
			return nil, dataErrf(val, 0, err, "invalid geo row")
		}
		if !gv.Area.Intersects(area) {
			continue
		}
		docID, err := decodeGeoKey(k)
		if err != nil {
			return nil, err
		}
		result = append(result, GeoRow{DocID: docID, Area: gv.Area, Value: gv.Value, Sequence: gv.Sequence})
	}
	return result, nil
}
