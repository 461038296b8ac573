// Package companion implements the companion app's remote command protocol
// (v1) and tracks the lifecycle of in-flight commands.
package companion

import (
	"fmt"

	"firestige.xyz/ridereplay/internal/core"
)

// Version is the only envelope version this package understands.
const Version = 1

// Kind is the envelope discriminator.
type Kind uint64

const (
	KindKeepalive Kind = 0
	KindAvailable Kind = 1
	KindSent      Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindKeepalive:
		return "keepalive"
	case KindAvailable:
		return "available"
	case KindSent:
		return "sent"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// CommandType is the in-app action a command triggers.
type CommandType uint64

const (
	ElbowFlick CommandType = iota + 1
	Wave
	RideOn
	HammerTime
	Nice
	BringIt
	Toast
	Bell
	UTurn
	PowerUp
	TakePhoto
	CameraAngle
)

var commandNames = map[CommandType]string{
	ElbowFlick:  "Elbow Flick",
	Wave:        "Wave",
	RideOn:      "Ride On",
	HammerTime:  "Hammer Time",
	Nice:        "Nice",
	BringIt:     "Bring It",
	Toast:       "Toast",
	Bell:        "Bell",
	UTurn:       "U-Turn",
	PowerUp:     "Power Up",
	TakePhoto:   "Take Photo",
	CameraAngle: "Camera Angle",
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", uint64(t))
}

// State is the lifecycle position of a command.
type State uint8

const (
	Available State = iota + 1
	Sent
)

func (s State) String() string {
	switch s {
	case Available:
		return "available"
	case Sent:
		return "sent"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Envelope is one decoded companion message before lifecycle tracking.
type Envelope struct {
	Kind        Kind
	CommandID   uint64
	CommandType CommandType
	Sequence    uint64
}

// Command is a command lifecycle occurrence.
type Command struct {
	ID       uint64
	Type     CommandType
	State    State
	Sequence uint64
	Origin   core.PayloadRef
}

func (c Command) String() string {
	return fmt.Sprintf("command %d %s %s", c.ID, c.Type, c.State)
}
