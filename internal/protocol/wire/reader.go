// Package wire reads the protobuf-encoded message bodies shared by the desktop
// and companion protocols. Every read is bounds-checked by protowire; a
// failure is sticky and wraps core.ErrMalformedPayload.
package wire

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/ridereplay/internal/core"
)

// Reader iterates the fields of one message body.
//
//	r := wire.NewReader(body)
//	for r.Next() {
//		switch r.Number() {
//		case 1:
//			m.ID = r.Fixed32("id")
//		default:
//			r.Skip()
//		}
//	}
//	return m, r.Err()
type Reader struct {
	b   []byte
	num protowire.Number
	typ protowire.Type
	err error
}

// NewReader returns a reader over body.
func NewReader(body []byte) *Reader { return &Reader{b: body} }

// Next advances to the next field. It returns false at the end of the body or
// after an error.
func (r *Reader) Next() bool {
	if r.err != nil || len(r.b) == 0 {
		return false
	}
	num, typ, n := protowire.ConsumeTag(r.b)
	if n < 0 {
		r.fail("field tag: %v", protowire.ParseError(n))
		return false
	}
	r.num, r.typ, r.b = num, typ, r.b[n:]
	return true
}

// Number returns the current field number.
func (r *Reader) Number() protowire.Number { return r.num }

// Fail records err, typically from a nested reader, unless an error is
// already recorded.
func (r *Reader) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

// Skip consumes the current field's value without interpreting it.
func (r *Reader) Skip() {
	n := protowire.ConsumeFieldValue(r.num, r.typ, r.b)
	r.advance("unknown field", n)
}

func (r *Reader) Fixed32(name string) uint32 {
	if !r.expect(name, protowire.Fixed32Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed32(r.b)
	r.advance(name, n)
	return v
}

func (r *Reader) Fixed64(name string) uint64 {
	if !r.expect(name, protowire.Fixed64Type) {
		return 0
	}
	v, n := protowire.ConsumeFixed64(r.b)
	r.advance(name, n)
	return v
}

func (r *Reader) Sfixed32(name string) int32 { return int32(r.Fixed32(name)) }

func (r *Reader) Float32(name string) float32 { return math.Float32frombits(r.Fixed32(name)) }

// Uint8 reads a fixed32 whose declared range is 0..255.
func (r *Reader) Uint8(name string) uint8 {
	return uint8(r.ranged(name, r.Fixed32(name), math.MaxUint8))
}

// Uint16 reads a fixed32 whose declared range is 0..65535.
func (r *Reader) Uint16(name string) uint16 {
	return uint16(r.ranged(name, r.Fixed32(name), math.MaxUint16))
}

func (r *Reader) Varint(name string) uint64 {
	if !r.expect(name, protowire.VarintType) {
		return 0
	}
	v, n := protowire.ConsumeVarint(r.b)
	r.advance(name, n)
	return v
}

// Bytes reads a length-delimited field. The result aliases the body.
func (r *Reader) Bytes(name string) []byte {
	if !r.expect(name, protowire.BytesType) {
		return nil
	}
	v, n := protowire.ConsumeBytes(r.b)
	r.advance(name, n)
	return v
}

// Text reads a length-delimited UTF-8 string.
func (r *Reader) Text(name string) string {
	v := r.Bytes(name)
	if r.err == nil && !utf8.Valid(v) {
		r.fail("%s: invalid UTF-8", name)
		return ""
	}
	return string(v)
}

// Uint16s appends a repeated 0..65535 fixed32 field to dst. Both packed and
// unpacked encodings are accepted.
func (r *Reader) Uint16s(name string, dst []uint16) []uint16 {
	if r.typ == protowire.Fixed32Type {
		return append(dst, r.Uint16(name))
	}
	packed := r.Bytes(name)
	if r.err != nil {
		return dst
	}
	if len(packed)%4 != 0 {
		r.fail("%s: packed length %d is not a multiple of 4", name, len(packed))
		return dst
	}
	for len(packed) > 0 {
		v, n := protowire.ConsumeFixed32(packed)
		packed = packed[n:]
		dst = append(dst, uint16(r.ranged(name, v, math.MaxUint16)))
	}
	return dst
}

func (r *Reader) expect(name string, typ protowire.Type) bool {
	if r.err != nil {
		return false
	}
	if r.typ != typ {
		r.fail("%s: wire type %d, want %d", name, r.typ, typ)
		return false
	}
	return true
}

func (r *Reader) advance(name string, n int) {
	if n < 0 {
		r.fail("%s: %v", name, protowire.ParseError(n))
		return
	}
	r.b = r.b[n:]
}

func (r *Reader) ranged(name string, v, limit uint32) uint32 {
	if v > limit && r.err == nil {
		r.fail("%s: value %d exceeds %d", name, v, limit)
		return 0
	}
	return v
}

func (r *Reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: field %d: %s", core.ErrMalformedPayload, r.num, fmt.Sprintf(format, args...))
	}
}
