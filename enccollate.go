package revdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Collatable key encoding.
//
// Every value starts with a tag byte; tags are ordered the same way the
// value kinds collate, so comparing two encodings bytewise compares the
// values. Arrays and objects end with tagEnd, which sorts before every
// other tag, so a shorter sequence sorts before any longer one sharing
// its prefix.
//
//	null    01
//	false   02
//	true    03
//	number  04 <8 bytes: IEEE 754 bits, sign flipped (negatives fully inverted)>
//	string  05 <UTF-8, 00 escaped as 00 FF> 00 01
//	array   06 <elements> 00
//	object  07 (<string> <value>)* 00
//
// The encoding of a complete value is never a prefix of another complete
// value, so appending 0xFF to an encoded key yields a bound that sorts
// after every key starting with it.
const (
	tagEnd    = 0x00
	tagNull   = 0x01
	tagFalse  = 0x02
	tagTrue   = 0x03
	tagNumber = 0x04
	tagString = 0x05
	tagArray  = 0x06
	tagObject = 0x07

	strEscape     = 0xFF
	strTerminator = 0x01
)

// Key is an encoded collatable value.
type Key []byte

// Object is an ordered JSON-like object; fields keep insertion order,
// which is also the order they collate in.
type Object []Field

type Field struct {
	Key   string
	Value any
}

// Get returns the value of the first field named key.
func (obj Object) Get(key string) (any, bool) {
	for _, f := range obj {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

func (obj Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range obj {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, f.Key)
		buf.WriteByte(':')
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// KeyKind is the kind of the next token in an encoded key.
type KeyKind int

const (
	KeyEOF KeyKind = iota
	KeyNull
	KeyBool
	KeyNumber
	KeyString
	KeyArray
	KeyObject
	KeyEndSequence
	KeyInvalid
)

var keyKindNames = [...]string{"EOF", "null", "bool", "number", "string", "array", "object", "end", "invalid"}

func (k KeyKind) String() string {
	if k >= 0 && int(k) < len(keyKindNames) {
		return keyKindNames[k]
	}
	return "KeyKind(" + strconv.Itoa(int(k)) + ")"
}

// EncodeKey encodes v into its collatable form. Accepted values are nil,
// bool, any integer or float type, string, Key (embedded verbatim),
// Object, map[string]any (fields sorted by name), and slices or arrays
// of any of these.
func EncodeKey(v any) (Key, error) {
	return AppendKey(nil, v)
}

// MustEncodeKey is EncodeKey that panics on unencodable values.
func MustEncodeKey(v any) Key {
	return must(EncodeKey(v))
}

// AppendKey appends the encoding of v to buf.
func AppendKey(buf []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case bool:
		if v {
			return append(buf, tagTrue), nil
		}
		return append(buf, tagFalse), nil
	case float64:
		return appendKeyNumber(buf, v)
	case float32:
		return appendKeyNumber(buf, float64(v))
	case int:
		return appendKeyNumber(buf, float64(v))
	case int64:
		return appendKeyNumber(buf, float64(v))
	case uint64:
		return appendKeyNumber(buf, float64(v))
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, errf(ErrInvalidParameter, err, "invalid number %q", v)
		}
		return appendKeyNumber(buf, f)
	case string:
		return appendKeyString(buf, v), nil
	case Key:
		if len(v) == 0 {
			return nil, errf(ErrInvalidParameter, nil, "empty key")
		}
		return append(buf, v...), nil
	case Object:
		buf = append(buf, tagObject)
		for _, f := range v {
			buf = appendKeyString(buf, f.Key)
			var err error
			buf, err = AppendKey(buf, f.Value)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, tagEnd), nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		obj := make(Object, len(keys))
		for i, k := range keys {
			obj[i] = Field{k, v[k]}
		}
		return AppendKey(buf, obj)
	case []any:
		buf = append(buf, tagArray)
		for _, el := range v {
			var err error
			buf, err = AppendKey(buf, el)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, tagEnd), nil
	}
	return appendKeyReflect(buf, reflect.ValueOf(v))
}

func appendKeyReflect(buf []byte, rv reflect.Value) ([]byte, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendKeyNumber(buf, float64(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return appendKeyNumber(buf, float64(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		return appendKeyNumber(buf, rv.Float())
	case reflect.String:
		return appendKeyString(buf, rv.String()), nil
	case reflect.Bool:
		return AppendKey(buf, rv.Bool())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return append(buf, tagNull), nil
		}
		return AppendKey(buf, rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return append(buf, tagNull), nil
		}
		buf = append(buf, tagArray)
		for i, n := 0, rv.Len(); i < n; i++ {
			var err error
			buf, err = AppendKey(buf, rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
		}
		return append(buf, tagEnd), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return AppendKey(buf, m)
	}
	if !rv.IsValid() {
		return append(buf, tagNull), nil
	}
	return nil, errf(ErrInvalidParameter, nil, "cannot encode %s as a key", rv.Type())
}

func appendKeyNumber(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errf(ErrInvalidParameter, nil, "cannot encode %v as a key", f)
	}
	if f == 0 {
		f = 0 // -0 collates as 0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	off, buf := grow(buf, 9)
	buf[off] = tagNumber
	binary.BigEndian.PutUint64(buf[off+1:], bits)
	return buf, nil
}

func appendKeyString(buf []byte, s string) []byte {
	buf = append(buf, tagString)
	for {
		i := strings.IndexByte(s, 0)
		if i < 0 {
			break
		}
		buf = append(buf, s[:i]...)
		buf = append(buf, 0, strEscape)
		s = s[i+1:]
	}
	buf = append(buf, s...)
	return append(buf, 0, strTerminator)
}

// DecodeKey decodes a complete key. Trailing bytes are an error.
func DecodeKey(k Key) (any, error) {
	r := NewKeyReader(k)
	v, err := r.Read()
	if err != nil {
		return nil, err
	}
	if len(r.Rest()) != 0 {
		return nil, dataErrf(k, r.pos, nil, "trailing bytes after key")
	}
	return v, nil
}

func (k Key) Decode() (any, error) { return DecodeKey(k) }

// JSON renders the key as canonical JSON: no whitespace, object fields
// in stored order, numbers in shortest round-trip form.
func (k Key) JSON() (string, error) {
	var buf bytes.Buffer
	r := NewKeyReader(k)
	if err := r.writeJSON(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (k Key) String() string {
	s, err := k.JSON()
	if err != nil {
		return "<invalid key " + hexstr(k) + ">"
	}
	return s
}

// KeyToJSON is a shorthand for EncodeKey followed by Key.JSON.
func KeyToJSON(v any) (string, error) {
	k, err := EncodeKey(v)
	if err != nil {
		return "", err
	}
	return k.JSON()
}

// CompareKeys orders two encoded keys; the result is the same as
// comparing the decoded values.
func CompareKeys(a, b Key) int {
	return bytes.Compare(a, b)
}

// CollateValues compares two values in key order. Values that cannot be
// encoded make it panic.
func CollateValues(a, b any) int {
	return bytes.Compare(MustEncodeKey(a), MustEncodeKey(b))
}

// KeyReader is a streaming reader over one encoded key. After the
// top-level value has been consumed, Peek returns KeyEOF and every read
// fails; Rest returns the bytes following the value.
type KeyReader struct {
	data  []byte
	pos   int
	depth int
	done  bool
}

func NewKeyReader(k []byte) *KeyReader {
	return &KeyReader{data: k}
}

// Rest returns the unread bytes.
func (r *KeyReader) Rest() []byte {
	return r.data[r.pos:]
}

func (r *KeyReader) Peek() KeyKind {
	if r.done || r.pos >= len(r.data) {
		return KeyEOF
	}
	switch r.data[r.pos] {
	case tagEnd:
		if r.depth == 0 {
			return KeyInvalid
		}
		return KeyEndSequence
	case tagNull:
		return KeyNull
	case tagFalse, tagTrue:
		return KeyBool
	case tagNumber:
		return KeyNumber
	case tagString:
		return KeyString
	case tagArray:
		return KeyArray
	case tagObject:
		return KeyObject
	default:
		return KeyInvalid
	}
}

func (r *KeyReader) mismatch(want KeyKind) error {
	got := r.Peek()
	if got == KeyEOF && r.done {
		return dataErrf(r.data, r.pos, nil, "read past the end of the key")
	}
	return dataErrf(r.data, r.pos, nil, "expected %v, got %v", want, got)
}

func (r *KeyReader) expect(want KeyKind) error {
	if r.Peek() != want {
		return r.mismatch(want)
	}
	return nil
}

// consumed marks the end of a value at the current depth.
func (r *KeyReader) consumed() {
	if r.depth == 0 {
		r.done = true
	}
}

func (r *KeyReader) ReadNull() error {
	if err := r.expect(KeyNull); err != nil {
		return err
	}
	r.pos++
	r.consumed()
	return nil
}

func (r *KeyReader) ReadBool() (bool, error) {
	if err := r.expect(KeyBool); err != nil {
		return false, err
	}
	v := r.data[r.pos] == tagTrue
	r.pos++
	r.consumed()
	return v, nil
}

func (r *KeyReader) ReadNumber() (float64, error) {
	if err := r.expect(KeyNumber); err != nil {
		return 0, err
	}
	if len(r.data)-r.pos < 9 {
		return 0, dataErrf(r.data, r.pos, nil, "truncated number")
	}
	bits := binary.BigEndian.Uint64(r.data[r.pos+1:])
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	r.pos += 9
	r.consumed()
	return math.Float64frombits(bits), nil
}

func (r *KeyReader) ReadString() (string, error) {
	if err := r.expect(KeyString); err != nil {
		return "", err
	}
	start := r.pos
	p := r.pos + 1
	var sb []byte
	for {
		i := bytes.IndexByte(r.data[p:], 0)
		if i < 0 || p+i+1 >= len(r.data) {
			return "", dataErrf(r.data, start, nil, "unterminated string")
		}
		sb = append(sb, r.data[p:p+i]...)
		switch r.data[p+i+1] {
		case strTerminator:
			r.pos = p + i + 2
			r.consumed()
			return string(sb), nil
		case strEscape:
			sb = append(sb, 0)
			p += i + 2
		default:
			return "", dataErrf(r.data, p+i, nil, "invalid string escape")
		}
	}
}

func (r *KeyReader) BeginArray() error {
	if err := r.expect(KeyArray); err != nil {
		return err
	}
	r.pos++
	r.depth++
	return nil
}

func (r *KeyReader) BeginObject() error {
	if err := r.expect(KeyObject); err != nil {
		return err
	}
	r.pos++
	r.depth++
	return nil
}

// EndSequence consumes the end of the innermost array or object.
func (r *KeyReader) EndSequence() error {
	if err := r.expect(KeyEndSequence); err != nil {
		return err
	}
	r.pos++
	r.depth--
	r.consumed()
	return nil
}

// Skip consumes the next value, including any nested values.
func (r *KeyReader) Skip() error {
	_, err := r.read(false)
	return err
}

// Read consumes and returns the next value: nil, bool, float64, string,
// []any or Object.
func (r *KeyReader) Read() (any, error) {
	return r.read(true)
}

func (r *KeyReader) read(keep bool) (any, error) {
	switch kind := r.Peek(); kind {
	case KeyNull:
		return nil, r.ReadNull()
	case KeyBool:
		return r.ReadBool()
	case KeyNumber:
		return r.ReadNumber()
	case KeyString:
		return r.ReadString()
	case KeyArray:
		if err := r.BeginArray(); err != nil {
			return nil, err
		}
		arr := []any{}
		for r.Peek() != KeyEndSequence {
			v, err := r.read(keep)
			if err != nil {
				return nil, err
			}
			if keep {
				arr = append(arr, v)
			}
		}
		if err := r.EndSequence(); err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return arr, nil
	case KeyObject:
		if err := r.BeginObject(); err != nil {
			return nil, err
		}
		obj := Object{}
		for r.Peek() != KeyEndSequence {
			k, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			v, err := r.read(keep)
			if err != nil {
				return nil, err
			}
			if keep {
				obj = append(obj, Field{k, v})
			}
		}
		if err := r.EndSequence(); err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
		return obj, nil
	default:
		if kind == KeyEOF && !r.done {
			return nil, dataErrf(r.data, r.pos, nil, "unexpected end of key")
		}
		return nil, r.mismatch(KeyInvalid)
	}
}

func (r *KeyReader) writeJSON(buf *bytes.Buffer) error {
	switch r.Peek() {
	case KeyNull:
		buf.WriteString("null")
		return r.ReadNull()
	case KeyBool:
		v, err := r.ReadBool()
		buf.WriteString(strconv.FormatBool(v))
		return err
	case KeyNumber:
		v, err := r.ReadNumber()
		buf.WriteString(formatJSONNumber(v))
		return err
	case KeyString:
		v, err := r.ReadString()
		writeJSONString(buf, v)
		return err
	case KeyArray:
		ensure(r.BeginArray())
		buf.WriteByte('[')
		for i := 0; r.Peek() != KeyEndSequence; i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := r.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return r.EndSequence()
	case KeyObject:
		ensure(r.BeginObject())
		buf.WriteByte('{')
		for i := 0; r.Peek() != KeyEndSequence; i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			k, err := r.ReadString()
			if err != nil {
				return err
			}
			writeJSONString(buf, k)
			buf.WriteByte(':')
			if err := r.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return r.EndSequence()
	default:
		_, err := r.read(false)
		return err
	}
}

func formatJSONNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func writeJSONString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	ensure(enc.Encode(s))
	buf.Truncate(buf.Len() - 1) // Encode appends a newline
}

