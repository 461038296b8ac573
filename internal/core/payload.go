// Package core defines core data structures with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"time"
)

// Protocol identifies which application sub-protocol a payload belongs to.
type Protocol uint8

const (
	ProtocolDesktop Protocol = iota + 1
	ProtocolCompanion
)

func (p Protocol) String() string {
	switch p {
	case ProtocolDesktop:
		return "desktop"
	case ProtocolCompanion:
		return "companion"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Transport is the L4 protocol that carried a payload.
type Transport uint8

const (
	TransportUDP Transport = 17
	TransportTCP Transport = 6
)

func (t Transport) String() string {
	switch t {
	case TransportUDP:
		return "udp"
	case TransportTCP:
		return "tcp"
	default:
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
}

// Direction is relative to the local endpoint of the captured session.
type Direction uint8

const (
	Incoming Direction = iota + 1
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Payload is one complete application-layer message extracted from one or
// more frames. Data is owned by the payload.
type Payload struct {
	Protocol  Protocol
	Transport Transport
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Direction Direction
	Timestamp time.Time
	Frame     uint64 // Index of the frame that completed the message
	Data      []byte
}

// Ref returns a reference to the payload without its bytes.
func (p Payload) Ref() PayloadRef {
	return PayloadRef{
		Frame:     p.Frame,
		Timestamp: p.Timestamp,
		Src:       p.Src,
		Dst:       p.Dst,
		Direction: p.Direction,
	}
}

// PayloadRef identifies the payload an event was decoded from.
type PayloadRef struct {
	Frame     uint64
	Timestamp time.Time
	Src       netip.AddrPort
	Dst       netip.AddrPort
	Direction Direction
}

// Report is a recoverable occurrence surfaced to error subscribers: the error
// plus the raw context it was raised on.
type Report struct {
	Err       error
	Frame     uint64
	Timestamp time.Time
	Src       netip.AddrPort // zero when the error precedes transport decoding
	Dst       netip.AddrPort
	Raw       []byte
}

// Kind returns the stable name of the report's error class.
func (r Report) Kind() string { return Kind(r.Err) }

func (r Report) String() string {
	if r.Src.IsValid() {
		return fmt.Sprintf("frame %d %s->%s [%s]: %v", r.Frame, r.Src, r.Dst, r.Kind(), r.Err)
	}
	return fmt.Sprintf("frame %d [%s]: %v", r.Frame, r.Kind(), r.Err)
}
