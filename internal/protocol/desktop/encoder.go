package desktop

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/ridereplay/internal/core"
)

// Encode renders m as a complete envelope. It is the inverse of Unmarshal:
// an Unrecognized message is returned as its raw bytes.
func Encode(m Message) ([]byte, error) {
	var (
		b   body
		tag Tag
	)
	switch m := m.(type) {
	case PlayerState:
		tag = TagPlayerState
		m.appendTo(&b)
	case ChatMessage:
		tag = TagChatMessage
		m.appendTo(&b)
	case PlayerEnteredWorld:
		tag = TagPlayerEnteredWorld
		m.appendTo(&b)
	case RideOnGiven:
		tag = TagRideOnGiven
		m.appendTo(&b)
	case Unrecognized:
		return append([]byte(nil), m.Raw...), nil
	default:
		return nil, fmt.Errorf("desktop: cannot encode %T", m)
	}
	if b.err != nil {
		return nil, fmt.Errorf("%s: %w", tag, b.err)
	}

	n := headerSize - lengthSize + len(b.buf)
	if n > maxLength {
		return nil, fmt.Errorf("%w: %s body of %d bytes does not fit the envelope", core.ErrMalformedPayload, tag, len(b.buf))
	}
	out := make([]byte, 0, lengthSize+n)
	out = binary.BigEndian.AppendUint16(out, uint16(n))
	out = append(out, Version, byte(tag))
	return append(out, b.buf...), nil
}

// body accumulates protobuf fields; the first invalid value is kept in err.
type body struct {
	buf []byte
	err error
}

func (b *body) fixed32(num protowire.Number, v uint32) {
	b.buf = protowire.AppendTag(b.buf, num, protowire.Fixed32Type)
	b.buf = protowire.AppendFixed32(b.buf, v)
}

func (b *body) fixed64(num protowire.Number, v uint64) {
	b.buf = protowire.AppendTag(b.buf, num, protowire.Fixed64Type)
	b.buf = protowire.AppendFixed64(b.buf, v)
}

func (b *body) float32(num protowire.Number, v float32) { b.fixed32(num, math.Float32bits(v)) }

func (b *body) text(num protowire.Number, name, v string) {
	if !utf8.ValidString(v) && b.err == nil {
		b.err = fmt.Errorf("%w: %s: invalid UTF-8", core.ErrMalformedPayload, name)
	}
	b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
	b.buf = protowire.AppendString(b.buf, v)
}

func (b *body) bytes(num protowire.Number, v []byte) {
	b.buf = protowire.AppendTag(b.buf, num, protowire.BytesType)
	b.buf = protowire.AppendBytes(b.buf, v)
}

func (m PlayerState) appendTo(b *body) {
	b.fixed32(1, m.RiderID)
	b.fixed64(2, m.WorldTime)
	b.fixed32(3, m.Distance)
	b.fixed32(4, m.RoadTime)
	b.fixed32(5, m.Laps)
	b.fixed32(6, m.Speed)
	b.fixed32(7, uint32(m.Cadence))
	b.fixed32(8, uint32(m.HeartRate))
	b.fixed32(9, uint32(m.Power))
	b.fixed32(10, uint32(m.Heading))

	var pos body
	pos.float32(1, m.Position.X)
	pos.float32(2, m.Position.Altitude)
	pos.float32(3, m.Position.Y)
	b.bytes(11, pos.buf)

	b.fixed32(12, m.WorldID)
	if len(m.PowerHistory) > 0 {
		packed := make([]byte, 0, 4*len(m.PowerHistory))
		for _, w := range m.PowerHistory {
			packed = protowire.AppendFixed32(packed, uint32(w))
		}
		b.bytes(13, packed)
	}
	b.fixed32(14, uint32(m.Sport))
}

func (m ChatMessage) appendTo(b *body) {
	b.fixed32(1, m.RiderID)
	b.fixed32(2, m.ToRiderID)
	b.fixed32(3, m.WorldID)
	b.text(4, "first_name", m.FirstName)
	b.text(5, "last_name", m.LastName)
	b.text(6, "message", m.Message)
	b.text(7, "avatar", m.Avatar)
	b.fixed32(8, uint32(m.CountryCode))
}

func (m PlayerEnteredWorld) appendTo(b *body) {
	b.fixed32(1, m.RiderID)
	b.fixed32(2, m.WorldID)
	b.fixed32(3, m.RouteID)
	b.text(4, "first_name", m.FirstName)
	b.text(5, "last_name", m.LastName)
	b.fixed64(6, m.WorldTime)
}

func (m RideOnGiven) appendTo(b *body) {
	b.fixed32(1, m.RiderID)
	b.fixed32(2, m.ToRiderID)
	b.text(3, "first_name", m.FirstName)
	b.text(4, "last_name", m.LastName)
	b.fixed32(5, uint32(m.CountryCode))
}
