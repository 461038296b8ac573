// Package desktop implements the desktop application's protocol (v1): a
// length-prefixed envelope with a type tag and a protobuf-encoded body.
package desktop

import "fmt"

// Version is the only envelope version this package understands.
const Version = 1

// Tag is the message-type discriminator carried in the envelope.
type Tag uint8

const (
	TagPlayerState        Tag = 1
	TagChatMessage        Tag = 2
	TagPlayerEnteredWorld Tag = 3
	TagRideOnGiven        Tag = 4
)

func (t Tag) String() string {
	switch t {
	case TagPlayerState:
		return "PlayerState"
	case TagChatMessage:
		return "ChatMessage"
	case TagPlayerEnteredWorld:
		return "PlayerEnteredWorld"
	case TagRideOnGiven:
		return "RideOnGiven"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Message is a decoded desktop message. The set of implementations is closed:
// PlayerState, ChatMessage, PlayerEnteredWorld, RideOnGiven and Unrecognized.
type Message interface {
	Tag() Tag
	String() string
	isMessage()
}

// Sport is the activity a rider is doing.
type Sport uint32

const (
	SportCycling Sport = 0
	SportRunning Sport = 1
)

func (s Sport) String() string {
	switch s {
	case SportCycling:
		return "cycling"
	case SportRunning:
		return "running"
	default:
		return fmt.Sprintf("sport(%d)", uint32(s))
	}
}

// Position is a world coordinate in centimetres.
type Position struct {
	X        float32
	Altitude float32
	Y        float32
}

// PlayerState is a periodic telemetry update for one rider.
type PlayerState struct {
	RiderID      uint32
	WorldTime    uint64 // Milliseconds since the world epoch
	Distance     uint32 // Metres
	RoadTime     uint32
	Laps         uint32
	Speed        uint32 // Millimetres per hour
	Cadence      uint8  // RPM
	HeartRate    uint8  // BPM
	Power        uint16 // Watts
	Heading      int32
	Position     Position
	WorldID      uint32
	PowerHistory []uint16
	Sport        Sport
}

func (PlayerState) Tag() Tag  { return TagPlayerState }
func (PlayerState) isMessage() {}

// SpeedKmh returns Speed in kilometres per hour.
func (m PlayerState) SpeedKmh() float64 { return float64(m.Speed) / 1e6 }

func (m PlayerState) String() string {
	return fmt.Sprintf("rider %d world %d %s: %.1f km/h %d W %d rpm %d bpm %d m heading %d at (%.0f, %.0f, %.0f)",
		m.RiderID, m.WorldID, m.Sport, m.SpeedKmh(), m.Power, m.Cadence, m.HeartRate, m.Distance,
		m.Heading, m.Position.X, m.Position.Y, m.Position.Altitude)
}

// ChatMessage is a chat line broadcast in the world or sent to one rider.
type ChatMessage struct {
	RiderID     uint32
	ToRiderID   uint32 // Zero for a world broadcast
	WorldID     uint32
	FirstName   string
	LastName    string
	Message     string
	Avatar      string
	CountryCode uint16
}

func (ChatMessage) Tag() Tag  { return TagChatMessage }
func (ChatMessage) isMessage() {}

func (m ChatMessage) String() string {
	return fmt.Sprintf("%s %s (%d): %s", m.FirstName, m.LastName, m.RiderID, m.Message)
}

// PlayerEnteredWorld announces a rider joining a world.
type PlayerEnteredWorld struct {
	RiderID   uint32
	WorldID   uint32
	RouteID   uint32
	FirstName string
	LastName  string
	WorldTime uint64
}

func (PlayerEnteredWorld) Tag() Tag  { return TagPlayerEnteredWorld }
func (PlayerEnteredWorld) isMessage() {}

func (m PlayerEnteredWorld) String() string {
	return fmt.Sprintf("%s %s (%d) entered world %d on route %d", m.FirstName, m.LastName, m.RiderID, m.WorldID, m.RouteID)
}

// RideOnGiven is a "ride on" acknowledgement from one rider to another.
type RideOnGiven struct {
	RiderID     uint32
	ToRiderID   uint32
	FirstName   string
	LastName    string
	CountryCode uint16
}

func (RideOnGiven) Tag() Tag  { return TagRideOnGiven }
func (RideOnGiven) isMessage() {}

func (m RideOnGiven) String() string {
	return fmt.Sprintf("%s %s (%d) gave a ride on to %d", m.FirstName, m.LastName, m.RiderID, m.ToRiderID)
}

// Unrecognized carries an envelope whose tag is not known, for diagnostics.
type Unrecognized struct {
	RawTag Tag
	Raw    []byte // Whole envelope including the length prefix
}

func (m Unrecognized) Tag() Tag { return m.RawTag }
func (Unrecognized) isMessage() {}

func (m Unrecognized) String() string {
	return fmt.Sprintf("unrecognized %s (%d bytes)", m.RawTag, len(m.Raw))
}
