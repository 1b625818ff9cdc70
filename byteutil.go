package revdb

import (
	"encoding/binary"
	"math"
	"slices"
)

// grow extends buf by n bytes and returns the offset of the new bytes.
func grow(buf []byte, n int) (int, []byte) {
	off := len(buf)
	buf = slices.Grow(buf, n)
	return off, buf[:off+n]
}

func appendRaw(buf []byte, chunk []byte) []byte {
	off, buf := grow(buf, len(chunk))
	copy(buf[off:], chunk)
	return buf
}

// byteBuf writes into space reserved up front by prealloc; callers size the
// reservation for the worst case and take Trimmed at the end.
type byteBuf struct {
	Buf []byte
	Off int
}

func prealloc(buf []byte, n int) byteBuf {
	off, buf := grow(buf, n)
	return byteBuf{buf, off}
}

func (b *byteBuf) Trimmed() []byte {
	return b.Buf[:b.Off]
}

func (b *byteBuf) AppendRaw(v []byte) {
	b.Off += copy(b.Buf[b.Off:], v)
}

func (b *byteBuf) AppendUvarint(v uint64) {
	b.Off += binary.PutUvarint(b.Buf[b.Off:], v)
}

func (b *byteBuf) AppendUvarinti64(v int64) {
	if v < 0 {
		panic("invalid negative value")
	}
	b.AppendUvarint(uint64(v))
}

func (b *byteBuf) AppendUvarinti(v int) {
	b.AppendUvarinti64(int64(v))
}

func (b *byteBuf) AppendVarBytes(v []byte) {
	b.AppendUvarint(uint64(len(v)))
	b.AppendRaw(v)
}

// byteDecoder reads what byteBuf writes. Errors are *DataError carrying the
// offset into the original value.
type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{buf, buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Done() bool {
	return len(d.Buf) == 0
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, dataErrf(d.Orig, d.Off(), nil, "invalid uvarint")
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uvarinti() (int, error) {
	v, err := d.Uvarint()
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt {
		return 0, dataErrf(d.Orig, d.Off(), nil, "value does not fit into int: %d", v)
	}
	return int(v), nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	if len(d.Buf) < n {
		return nil, dataErrf(d.Orig, d.Off(), nil, "not enough data: %d bytes remaining, %d wanted", len(d.Buf), n)
	}
	v := d.Buf[:n]
	d.Buf = d.Buf[n:]
	return v, nil
}
