package companion

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/protocol/wire"
)

// Envelope layout: length:u32be version:u8 body. length counts the version
// byte and the body.
const (
	lengthSize = 4
	headerSize = lengthSize + 1
)

// Decoder turns companion payloads into command lifecycle occurrences. It owns
// the table of commands seen Available and not yet Sent. It is not safe for
// concurrent use.
type Decoder struct {
	pending map[uint64]Command
}

// NewDecoder returns a decoder with an empty command table.
func NewDecoder() *Decoder {
	return &Decoder{pending: make(map[uint64]Command)}
}

// Decode returns the command occurrence carried by p, or nil for a keepalive.
// A Sent command whose ID was never Available is still returned, together
// with an error wrapping core.ErrOrderingViolation.
func (d *Decoder) Decode(p core.Payload) (*Command, error) {
	env, err := Unmarshal(p.Data)
	if err != nil {
		return nil, err
	}

	cmd := Command{
		ID:       env.CommandID,
		Type:     env.CommandType,
		Sequence: env.Sequence,
		Origin:   p.Ref(),
	}
	switch env.Kind {
	case KindKeepalive:
		return nil, nil
	case KindAvailable:
		cmd.State = Available
		d.pending[cmd.ID] = cmd
		return &cmd, nil
	case KindSent:
		cmd.State = Sent
		prev, ok := d.pending[cmd.ID]
		if !ok {
			return &cmd, fmt.Errorf("%w: command %d (%s) sent without being available",
				core.ErrOrderingViolation, cmd.ID, cmd.Type)
		}
		delete(d.pending, cmd.ID)
		if cmd.Type == 0 {
			cmd.Type = prev.Type
		}
		return &cmd, nil
	default:
		return nil, fmt.Errorf("%w: companion kind %d", core.ErrUnknownMessageType, uint64(env.Kind))
	}
}

// Pending returns the number of commands Available and not yet Sent.
func (d *Decoder) Pending() int { return len(d.pending) }

// Reset forgets every in-flight command.
func (d *Decoder) Reset() { clear(d.pending) }

// Unmarshal decodes one envelope without lifecycle tracking.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	if len(b) < headerSize {
		return env, fmt.Errorf("%w: companion envelope of %d bytes is shorter than its header", core.ErrMalformedPayload, len(b))
	}
	declared := uint64(binary.BigEndian.Uint32(b))
	switch avail := uint64(len(b) - lengthSize); {
	case declared > avail:
		return env, fmt.Errorf("%w: companion envelope declares %d bytes, %d available", core.ErrMalformedPayload, declared, avail)
	case declared < avail:
		return env, fmt.Errorf("%w: %d trailing bytes after companion envelope", core.ErrMalformedPayload, avail-declared)
	}
	if v := b[lengthSize]; v != Version {
		return env, fmt.Errorf("%w: companion version %d", core.ErrUnsupportedVersion, v)
	}

	r := wire.NewReader(b[headerSize:])
	for r.Next() {
		switch r.Number() {
		case 1:
			env.Kind = Kind(r.Varint("kind"))
		case 2:
			env.CommandID = r.Varint("command_id")
		case 3:
			env.CommandType = CommandType(r.Varint("command_type"))
		case 4:
			env.Sequence = r.Varint("sequence")
		default:
			r.Skip()
		}
	}
	if err := r.Err(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode renders env as a complete envelope. Zero fields are omitted.
func Encode(env Envelope) []byte {
	var body []byte
	for _, f := range []struct {
		num protowire.Number
		v   uint64
	}{
		{1, uint64(env.Kind)},
		{2, env.CommandID},
		{3, uint64(env.CommandType)},
		{4, env.Sequence},
	} {
		if f.v == 0 {
			continue
		}
		body = protowire.AppendTag(body, f.num, protowire.VarintType)
		body = protowire.AppendVarint(body, f.v)
	}
	out := make([]byte, 0, headerSize+len(body))
	out = binary.BigEndian.AppendUint32(out, uint32(1+len(body)))
	out = append(out, Version)
	return append(out, body...)
}
