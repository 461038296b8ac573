package desktop

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/protocol/wire"
)

// Envelope layout: length:u16be version:u8 tag:u8 body. length counts the
// version byte, the tag byte and the body.
const (
	lengthSize = 2
	headerSize = lengthSize + 2
	maxLength  = 0xffff
)

// Decode decodes the envelope carried by p.
func Decode(p core.Payload) (Message, error) { return Unmarshal(p.Data) }

// Unmarshal decodes one envelope. An unknown tag returns an Unrecognized
// message together with an error wrapping core.ErrUnknownMessageType.
func Unmarshal(b []byte) (Message, error) {
	if len(b) < headerSize {
		return nil, fmt.Errorf("%w: desktop envelope of %d bytes is shorter than its header", core.ErrMalformedPayload, len(b))
	}
	declared := int(binary.BigEndian.Uint16(b))
	switch avail := len(b) - lengthSize; {
	case declared > avail:
		return nil, fmt.Errorf("%w: desktop envelope declares %d bytes, %d available", core.ErrMalformedPayload, declared, avail)
	case declared < avail:
		return nil, fmt.Errorf("%w: %d trailing bytes after desktop envelope", core.ErrMalformedPayload, avail-declared)
	}
	if v := b[2]; v != Version {
		return nil, fmt.Errorf("%w: desktop version %d", core.ErrUnsupportedVersion, v)
	}

	tag, body := Tag(b[3]), b[headerSize:]
	var (
		m   Message
		err error
	)
	switch tag {
	case TagPlayerState:
		m, err = decodePlayerState(body)
	case TagChatMessage:
		m, err = decodeChatMessage(body)
	case TagPlayerEnteredWorld:
		m, err = decodePlayerEnteredWorld(body)
	case TagRideOnGiven:
		m, err = decodeRideOnGiven(body)
	default:
		raw := append([]byte(nil), b...)
		return Unrecognized{RawTag: tag, Raw: raw}, fmt.Errorf("%w: desktop tag %d", core.ErrUnknownMessageType, uint8(tag))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tag, err)
	}
	return m, nil
}

func decodePlayerState(body []byte) (Message, error) {
	var m PlayerState
	r := wire.NewReader(body)
	for r.Next() {
		switch r.Number() {
		case 1:
			m.RiderID = r.Fixed32("rider_id")
		case 2:
			m.WorldTime = r.Fixed64("world_time")
		case 3:
			m.Distance = r.Fixed32("distance")
		case 4:
			m.RoadTime = r.Fixed32("road_time")
		case 5:
			m.Laps = r.Fixed32("laps")
		case 6:
			m.Speed = r.Fixed32("speed")
		case 7:
			m.Cadence = r.Uint8("cadence")
		case 8:
			m.HeartRate = r.Uint8("heart_rate")
		case 9:
			m.Power = r.Uint16("power")
		case 10:
			m.Heading = r.Sfixed32("heading")
		case 11:
			m.Position = decodePosition(r)
		case 12:
			m.WorldID = r.Fixed32("world_id")
		case 13:
			m.PowerHistory = r.Uint16s("power_history", m.PowerHistory)
		case 14:
			m.Sport = Sport(r.Fixed32("sport"))
		default:
			r.Skip()
		}
	}
	return m, r.Err()
}

// decodePosition reads the nested position message of the current field.
func decodePosition(r *wire.Reader) Position {
	var p Position
	body := r.Bytes("position")
	if r.Err() != nil {
		return p
	}
	nested := wire.NewReader(body)
	for nested.Next() {
		switch nested.Number() {
		case 1:
			p.X = nested.Float32("position.x")
		case 2:
			p.Altitude = nested.Float32("position.altitude")
		case 3:
			p.Y = nested.Float32("position.y")
		default:
			nested.Skip()
		}
	}
	if err := nested.Err(); err != nil {
		r.Fail(err)
	}
	return p
}

func decodeChatMessage(body []byte) (Message, error) {
	var m ChatMessage
	r := wire.NewReader(body)
	for r.Next() {
		switch r.Number() {
		case 1:
			m.RiderID = r.Fixed32("rider_id")
		case 2:
			m.ToRiderID = r.Fixed32("to_rider_id")
		case 3:
			m.WorldID = r.Fixed32("world_id")
		case 4:
			m.FirstName = r.Text("first_name")
		case 5:
			m.LastName = r.Text("last_name")
		case 6:
			m.Message = r.Text("message")
		case 7:
			m.Avatar = r.Text("avatar")
		case 8:
			m.CountryCode = r.Uint16("country_code")
		default:
			r.Skip()
		}
	}
	return m, r.Err()
}

func decodePlayerEnteredWorld(body []byte) (Message, error) {
	var m PlayerEnteredWorld
	r := wire.NewReader(body)
	for r.Next() {
		switch r.Number() {
		case 1:
			m.RiderID = r.Fixed32("rider_id")
		case 2:
			m.WorldID = r.Fixed32("world_id")
		case 3:
			m.RouteID = r.Fixed32("route_id")
		case 4:
			m.FirstName = r.Text("first_name")
		case 5:
			m.LastName = r.Text("last_name")
		case 6:
			m.WorldTime = r.Fixed64("world_time")
		default:
			r.Skip()
		}
	}
	return m, r.Err()
}

func decodeRideOnGiven(body []byte) (Message, error) {
	var m RideOnGiven
	r := wire.NewReader(body)
	for r.Next() {
		switch r.Number() {
		case 1:
			m.RiderID = r.Fixed32("rider_id")
		case 2:
			m.ToRiderID = r.Fixed32("to_rider_id")
		case 3:
			m.FirstName = r.Text("first_name")
		case 4:
			m.LastName = r.Text("last_name")
		case 5:
			m.CountryCode = r.Uint16("country_code")
		default:
			r.Skip()
		}
	}
	return m, r.Err()
}
