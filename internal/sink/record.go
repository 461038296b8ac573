package sink

import (
	"time"

	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/event"
)

// Record is the serialized form of an event.
type Record struct {
	Category  string    `json:"category"`
	Frame     uint64    `json:"frame"`
	Timestamp time.Time `json:"timestamp"`
	Src       string    `json:"src,omitempty"`
	Dst       string    `json:"dst,omitempty"`
	Direction string    `json:"direction,omitempty"`
	Text      string    `json:"text"`
	Data      any       `json:"data,omitempty"`
}

// ReportData is the Data of an error record.
type ReportData struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
	Raw   []byte `json:"raw,omitempty"`
}

// NewRecord flattens e. Text is the same line the console sink prints.
func NewRecord(e event.Event) Record {
	r := Record{Category: e.Category().String(), Text: Line(e)}
	switch ev := e.(type) {
	case event.PlayerState:
		r.meta(ev.Meta)
		r.Data = ev.State
	case event.Chat:
		r.meta(ev.Meta)
		r.Data = ev.Message
	case event.PlayerEnteredWorld:
		r.meta(ev.Meta)
		r.Data = ev.Entry
	case event.RideOn:
		r.meta(ev.Meta)
		r.Data = ev.RideOn
	case event.Command:
		r.meta(ev.Command.Origin)
		r.Data = ev.Command
	case event.Report:
		rep := ev.Report
		r.Frame, r.Timestamp = rep.Frame, rep.Timestamp
		if rep.Src.IsValid() {
			r.Src, r.Dst = rep.Src.String(), rep.Dst.String()
		}
		r.Data = ReportData{Kind: rep.Kind(), Error: rep.Err.Error(), Raw: rep.Raw}
	}
	return r
}

func (r *Record) meta(ref core.PayloadRef) {
	r.Frame, r.Timestamp = ref.Frame, ref.Timestamp
	if ref.Src.IsValid() {
		r.Src, r.Dst = ref.Src.String(), ref.Dst.String()
	}
	if ref.Direction != 0 {
		r.Direction = ref.Direction.String()
	}
}

// Line renders e as one human-readable line.
func Line(e event.Event) string {
	switch ev := e.(type) {
	case event.PlayerState:
		if ev.Category() == event.OutgoingPlayerState {
			return "OUTGOING: " + ev.State.String()
		}
		return "INCOMING: " + ev.State.String()
	case event.Chat:
		return "CHAT: " + ev.Message.String()
	case event.PlayerEnteredWorld:
		return "WORLD: " + ev.Entry.String()
	case event.RideOn:
		return "RIDEON: " + ev.RideOn.String()
	case event.Command:
		if ev.Category() == event.CommandSent {
			return "Sent a " + ev.Command.Type.String() + " command"
		}
		return "Command " + ev.Command.Type.String() + " is now available"
	case event.Report:
		return "ERROR: " + ev.Report.String()
	}
	return e.Category().String()
}
