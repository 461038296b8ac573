package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/event"
	"firestige.xyz/ridereplay/internal/protocol/companion"
	"firestige.xyz/ridereplay/internal/protocol/desktop"
	"firestige.xyz/ridereplay/internal/sink"
)

func publishScenario(bus *event.Bus) {
	ts := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	bus.Publish(event.Chat{
		Meta:    core.PayloadRef{Timestamp: ts, Direction: core.Incoming},
		Message: desktop.ChatMessage{RiderID: 2, FirstName: "Ada", LastName: "Lovelace", Message: "hello"},
	})
	bus.Publish(event.Command{Command: companion.Command{Type: companion.ElbowFlick, State: companion.Available}})
	bus.Publish(event.Command{Command: companion.Command{Type: companion.ElbowFlick, State: companion.Sent}})
	bus.Publish(event.Report{Report: core.Report{Err: core.ErrOrderingViolation, Frame: 7}})
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)
	require.NoError(t, s.Init(nil))
	bus := event.NewBus()
	require.NoError(t, s.Start(context.Background(), bus))

	publishScenario(bus)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, []string{
		"CHAT: Ada Lovelace (2): hello",
		"Command Elbow Flick is now available",
		"Sent a Elbow Flick command",
		"ERROR: frame 7 [ordering_violation]: ridereplay: command ordering violation",
	}, strings.Split(strings.TrimSpace(buf.String()), "\n"))
	assert.Equal(t, uint64(4), s.Printed())

	publishScenario(bus)
	assert.Equal(t, uint64(4), s.Printed(), "stopped sink no longer receives events")
}

func TestTimestampsAndCategories(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)
	require.NoError(t, s.Init(map[string]any{
		"timestamps": true,
		"categories": []any{"incoming_chat"},
	}))
	bus := event.NewBus()
	require.NoError(t, s.Start(context.Background(), bus))
	publishScenario(bus)
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, "18:00:00.000 CHAT: Ada Lovelace (2): hello\n", buf.String())
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf)
	require.NoError(t, s.Init(map[string]any{"format": "json"}))
	bus := event.NewBus()
	require.NoError(t, s.Start(context.Background(), bus))
	publishScenario(bus)
	require.NoError(t, s.Stop(context.Background()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	var rec sink.Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "incoming_chat", rec.Category)
	assert.Equal(t, "CHAT: Ada Lovelace (2): hello", rec.Text)
	assert.Equal(t, "incoming", rec.Direction)
}

func TestInitRejectsBadOptions(t *testing.T) {
	assert.Error(t, New(&bytes.Buffer{}).Init(map[string]any{"format": "xml"}))
	assert.Error(t, New(&bytes.Buffer{}).Init(map[string]any{"categories": []any{"nope"}}))
	assert.Error(t, New(&bytes.Buffer{}).Init(map[string]any{"colour": true}))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteErrorSurfacesOnStop(t *testing.T) {
	s := New(failingWriter{})
	bus := event.NewBus()
	require.NoError(t, s.Start(context.Background(), bus), "start without Init uses defaults")
	publishScenario(bus)
	assert.EqualError(t, s.Stop(context.Background()), "disk full")
	assert.Equal(t, uint64(0), s.Printed())
}

func TestRegistered(t *testing.T) {
	var buf bytes.Buffer
	s, err := sink.New(Name, sink.Env{Stdout: &buf})
	require.NoError(t, err)
	assert.Equal(t, Name, s.Name())

	bus := event.NewBus()
	require.NoError(t, s.Init(nil))
	require.NoError(t, s.Start(context.Background(), bus))
	publishScenario(bus)
	require.NoError(t, s.Stop(context.Background()))
	assert.Contains(t, buf.String(), "CHAT: ", "the registry hands the sink its writer")
}
