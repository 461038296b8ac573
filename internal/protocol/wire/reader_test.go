package wire

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/ridereplay/internal/core"
)

func TestReadsScalars(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, 1<<40)
	b = protowire.AppendTag(b, 3, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, math.Float32bits(1.5))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, 300)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, "héllo")
	b = protowire.AppendTag(b, 6, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, uint32(0xffffffff)) // -1

	r := NewReader(b)
	var got []any
	for r.Next() {
		switch r.Number() {
		case 1:
			got = append(got, r.Fixed32("a"))
		case 2:
			got = append(got, r.Fixed64("b"))
		case 3:
			got = append(got, r.Float32("c"))
		case 4:
			got = append(got, r.Varint("d"))
		case 5:
			got = append(got, r.Text("e"))
		case 6:
			got = append(got, r.Sfixed32("f"))
		}
	}
	require.NoError(t, r.Err())
	assert.Equal(t, []any{uint32(7), uint64(1 << 40), float32(1.5), uint64(300), "héllo", int32(-1)}, got)
}

func TestUint16sPackedAndUnpacked(t *testing.T) {
	var packed []byte
	for _, v := range []uint32{1, 2, 65535} {
		packed = protowire.AppendFixed32(packed, v)
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 9)

	r := NewReader(b)
	var out []uint16
	for r.Next() {
		out = r.Uint16s("history", out)
	}
	require.NoError(t, r.Err())
	assert.Equal(t, []uint16{1, 2, 65535, 9}, out)
}

func TestErrorsAreStickyAndMalformed(t *testing.T) {
	field := func(typ protowire.Type, value []byte) []byte {
		return append(protowire.AppendTag(nil, 3, typ), value...)
	}
	tests := map[string]struct {
		body []byte
		read func(r *Reader)
	}{
		"wire type mismatch": {
			body: field(protowire.VarintType, protowire.AppendVarint(nil, 1)),
			read: func(r *Reader) { r.Fixed32("x") },
		},
		"truncated fixed32": {
			body: field(protowire.Fixed32Type, []byte{1, 2}),
			read: func(r *Reader) { r.Fixed32("x") },
		},
		"uint8 out of range": {
			body: field(protowire.Fixed32Type, protowire.AppendFixed32(nil, 256)),
			read: func(r *Reader) { r.Uint8("x") },
		},
		"invalid utf8": {
			body: field(protowire.BytesType, protowire.AppendBytes(nil, []byte{0xff, 0xfe})),
			read: func(r *Reader) { r.Text("x") },
		},
		"packed length": {
			body: field(protowire.BytesType, protowire.AppendBytes(nil, []byte{1, 2, 3})),
			read: func(r *Reader) { r.Uint16s("x", nil) },
		},
		"bad skip": {
			body: field(protowire.BytesType, []byte{10, 1}),
			read: func(r *Reader) { r.Skip() },
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			r := NewReader(tt.body)
			require.True(t, r.Next())
			tt.read(r)
			require.Error(t, r.Err())
			assert.ErrorIs(t, r.Err(), core.ErrMalformedPayload)
			assert.Contains(t, r.Err().Error(), "field 3")
			assert.False(t, r.Next(), "errors stop iteration")
		})
	}
}

func TestBadTag(t *testing.T) {
	r := NewReader([]byte{0x80})
	assert.False(t, r.Next())
	assert.ErrorIs(t, r.Err(), core.ErrMalformedPayload)
}

func TestFailKeepsFirstError(t *testing.T) {
	r := NewReader(nil)
	first := core.ErrUnsupportedVersion
	r.Fail(first)
	r.Fail(core.ErrMalformedPayload)
	assert.Equal(t, first, r.Err())
}
