package core

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	wrapped := fmt.Errorf("%w: tag 9", ErrUnknownMessageType)
	assert.Equal(t, "unknown_message_type", Kind(wrapped))
	assert.Equal(t, "incomplete_capture", Kind(fmt.Errorf("read: %w", ErrIncompleteCapture)))
	assert.Equal(t, "other", Kind(fmt.Errorf("boom")))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(fmt.Errorf("open x: %w", ErrNotFound)))
	assert.True(t, IsFatal(ErrFormat))
	assert.False(t, IsFatal(ErrIncompleteCapture))
	assert.False(t, IsFatal(ErrMalformedPayload))
}

func TestReportString(t *testing.T) {
	r := Report{
		Err:   ErrMalformedFrame,
		Frame: 3,
		Src:   netip.MustParseAddrPort("10.0.0.1:3022"),
		Dst:   netip.MustParseAddrPort("10.0.0.2:50000"),
	}
	assert.Equal(t, "frame 3 10.0.0.1:3022->10.0.0.2:50000 [malformed_frame]: ridereplay: malformed frame", r.String())

	r.Src, r.Dst = netip.AddrPort{}, netip.AddrPort{}
	assert.Equal(t, "frame 3 [malformed_frame]: ridereplay: malformed frame", r.String())
}

func TestPayloadRef(t *testing.T) {
	p := Payload{Frame: 7, Direction: Outgoing, Data: []byte{1}}
	ref := p.Ref()
	assert.Equal(t, uint64(7), ref.Frame)
	assert.Equal(t, Outgoing, ref.Direction)
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "desktop", ProtocolDesktop.String())
	assert.Equal(t, "companion", ProtocolCompanion.String())
	assert.Equal(t, "tcp", TransportTCP.String())
	assert.Equal(t, "incoming", Incoming.String())
	assert.Equal(t, "outgoing", Outgoing.String())
}
