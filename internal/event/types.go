package event

import (
	"fmt"

	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/protocol/companion"
	"firestige.xyz/ridereplay/internal/protocol/desktop"
)

// Category is one registration point of the bus.
type Category uint8

const (
	IncomingPlayerState Category = iota
	OutgoingPlayerState
	IncomingChat
	IncomingPlayerEnteredWorld
	IncomingRideOn
	CommandAvailable
	CommandSent
	Error

	numCategories
)

var categoryNames = [numCategories]string{
	IncomingPlayerState:        "incoming_player_state",
	OutgoingPlayerState:        "outgoing_player_state",
	IncomingChat:               "incoming_chat",
	IncomingPlayerEnteredWorld: "incoming_player_entered_world",
	IncomingRideOn:             "incoming_ride_on",
	CommandAvailable:           "command_available",
	CommandSent:                "command_sent",
	Error:                      "error",
}

func (c Category) String() string {
	if c < numCategories {
		return categoryNames[c]
	}
	return fmt.Sprintf("category(%d)", uint8(c))
}

// Categories returns every category in dispatch-table order.
func Categories() []Category {
	out := make([]Category, numCategories)
	for i := range out {
		out[i] = Category(i)
	}
	return out
}

// Event is a value delivered to subscribers. Events are immutable once
// published.
type Event interface {
	Category() Category
}

// PlayerState is a rider telemetry update. Its category follows the payload
// direction.
type PlayerState struct {
	Meta  core.PayloadRef
	State desktop.PlayerState
}

func (e PlayerState) Category() Category {
	if e.Meta.Direction == core.Outgoing {
		return OutgoingPlayerState
	}
	return IncomingPlayerState
}

// Chat is an incoming chat line.
type Chat struct {
	Meta    core.PayloadRef
	Message desktop.ChatMessage
}

func (Chat) Category() Category { return IncomingChat }

// PlayerEnteredWorld is an incoming world-entry notification.
type PlayerEnteredWorld struct {
	Meta  core.PayloadRef
	Entry desktop.PlayerEnteredWorld
}

func (PlayerEnteredWorld) Category() Category { return IncomingPlayerEnteredWorld }

// RideOn is an incoming ride-on acknowledgement.
type RideOn struct {
	Meta   core.PayloadRef
	RideOn desktop.RideOnGiven
}

func (RideOn) Category() Category { return IncomingRideOn }

// Command is a companion command lifecycle occurrence.
type Command struct {
	Command companion.Command
}

func (e Command) Category() Category {
	if e.Command.State == companion.Sent {
		return CommandSent
	}
	return CommandAvailable
}

// Report is a recoverable failure raised while decoding.
type Report struct {
	Report core.Report
}

func (Report) Category() Category { return Error }
