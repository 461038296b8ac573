package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/event"
	"firestige.xyz/ridereplay/internal/protocol/companion"
	"firestige.xyz/ridereplay/internal/protocol/desktop"
)

type nopSink struct{}

func (nopSink) Name() string                            { return "nop" }
func (nopSink) Init(map[string]any) error               { return nil }
func (nopSink) Start(context.Context, *event.Bus) error { return nil }
func (nopSink) Stop(context.Context) error              { return nil }

func TestRegistry(t *testing.T) {
	Register("test-nop", func(Env) Sink { return nopSink{} })
	assert.Panics(t, func() { Register("test-nop", func(Env) Sink { return nopSink{} }) })

	s, err := New("test-nop", Env{})
	require.NoError(t, err)
	assert.Equal(t, "nop", s.Name())
	assert.Contains(t, Names(), "test-nop")

	_, err = New("absent", Env{})
	assert.Error(t, err)
}

func TestDecodeOptions(t *testing.T) {
	type opts struct {
		Topic   string        `mapstructure:"topic"`
		Timeout time.Duration `mapstructure:"timeout"`
		Size    int           `mapstructure:"size"`
		Tags    []string      `mapstructure:"tags"`
	}
	out := opts{Size: 7}
	require.NoError(t, DecodeOptions(map[string]any{
		"topic":   "events",
		"timeout": "250ms",
		"tags":    "a,b",
	}, &out))
	assert.Equal(t, opts{Topic: "events", Timeout: 250 * time.Millisecond, Size: 7, Tags: []string{"a", "b"}}, out)

	require.NoError(t, DecodeOptions(nil, &out), "nil options keep defaults")
	assert.Error(t, DecodeOptions(map[string]any{"unknown": 1}, &out))
	assert.Error(t, DecodeOptions(map[string]any{"timeout": "soon"}, &out))
}

func TestParseCategories(t *testing.T) {
	all, err := ParseCategories(nil)
	require.NoError(t, err)
	assert.Equal(t, event.Categories(), all)

	some, err := ParseCategories([]string{"incoming_chat", "error"})
	require.NoError(t, err)
	assert.Equal(t, []event.Category{event.IncomingChat, event.Error}, some)

	_, err = ParseCategories([]string{"outgoing_chat"})
	assert.Error(t, err)
}

func TestLine(t *testing.T) {
	in := core.PayloadRef{Direction: core.Incoming}
	out := core.PayloadRef{Direction: core.Outgoing}
	chat := desktop.ChatMessage{RiderID: 2, FirstName: "Ada", LastName: "Lovelace", Message: "hello"}

	tests := []struct {
		event event.Event
		want  string
	}{
		{event.PlayerState{Meta: in, State: desktop.PlayerState{RiderID: 1}}, "INCOMING: " + desktop.PlayerState{RiderID: 1}.String()},
		{event.PlayerState{Meta: out, State: desktop.PlayerState{RiderID: 1}}, "OUTGOING: " + desktop.PlayerState{RiderID: 1}.String()},
		{event.Chat{Meta: in, Message: chat}, "CHAT: Ada Lovelace (2): hello"},
		{event.PlayerEnteredWorld{Entry: desktop.PlayerEnteredWorld{}}, "WORLD: " + desktop.PlayerEnteredWorld{}.String()},
		{event.RideOn{RideOn: desktop.RideOnGiven{}}, "RIDEON: " + desktop.RideOnGiven{}.String()},
		{event.Command{Command: companion.Command{Type: companion.ElbowFlick, State: companion.Available}}, "Command Elbow Flick is now available"},
		{event.Command{Command: companion.Command{Type: companion.ElbowFlick, State: companion.Sent}}, "Sent a Elbow Flick command"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Line(tt.event))
	}

	rep := event.Report{Report: core.Report{Err: core.ErrMalformedPayload, Frame: 4}}
	assert.Equal(t, "ERROR: frame 4 [malformed_payload]: ridereplay: malformed payload", Line(rep))
}

func TestNewRecord(t *testing.T) {
	ts := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	src := netip.MustParseAddrPort("52.1.2.3:3022")
	dst := netip.MustParseAddrPort("192.168.1.10:50000")

	rec := NewRecord(event.Chat{
		Meta:    core.PayloadRef{Frame: 9, Timestamp: ts, Src: src, Dst: dst, Direction: core.Incoming},
		Message: desktop.ChatMessage{Message: "hello"},
	})
	assert.Equal(t, "incoming_chat", rec.Category)
	assert.Equal(t, uint64(9), rec.Frame)
	assert.Equal(t, ts, rec.Timestamp)
	assert.Equal(t, "52.1.2.3:3022", rec.Src)
	assert.Equal(t, "incoming", rec.Direction)

	data, err := json.Marshal(rec)
	require.NoError(t, err)
	var back map[string]any
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "hello", back["data"].(map[string]any)["Message"])

	rep := NewRecord(event.Report{Report: core.Report{
		Err:   errors.Join(core.ErrUnknownMessageType),
		Frame: 3,
		Raw:   []byte{1, 2},
	}})
	assert.Equal(t, "error", rep.Category)
	assert.Empty(t, rep.Src)
	assert.Equal(t, ReportData{Kind: "unknown_message_type", Error: core.ErrUnknownMessageType.Error(), Raw: []byte{1, 2}}, rep.Data)
}
