package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/event"
	"firestige.xyz/ridereplay/internal/protocol/companion"
	"firestige.xyz/ridereplay/internal/protocol/desktop"
	"firestige.xyz/ridereplay/internal/sink"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) byKey() map[string][]kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string][]kafka.Message)
	for _, m := range w.msgs {
		out[string(m.Key)] = append(out[string(m.Key)], m)
	}
	return out
}

func minimal() map[string]any {
	return map[string]any{"brokers": []any{"localhost:9092"}, "topic": "ride-events"}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]any
		wantErr bool
	}{
		{"nil config", nil, true},
		{"missing brokers", map[string]any{"topic": "t"}, true},
		{"missing topic", map[string]any{"brokers": []any{"localhost:9092"}}, true},
		{"valid minimal config", minimal(), false},
		{"valid full config", map[string]any{
			"brokers":       []any{"broker1:9092", "broker2:9092"},
			"topic":         "ride-events",
			"batch_size":    200,
			"batch_timeout": "200ms",
			"compression":   "zstd",
			"max_attempts":  5,
			"partitions":    2,
			"categories":    []any{"incoming_chat", "command_sent"},
			"headers":       map[string]any{"source": "replay"},
		}, false},
		{"comma separated brokers", map[string]any{"brokers": "a:9092,b:9092", "topic": "t"}, false},
		{"invalid compression", map[string]any{"brokers": []any{"b"}, "topic": "t", "compression": "brotli"}, true},
		{"invalid batch_timeout", map[string]any{"brokers": []any{"b"}, "topic": "t", "batch_timeout": "soon"}, true},
		{"invalid category", map[string]any{"brokers": []any{"b"}, "topic": "t", "categories": []any{"outgoing_chat"}}, true},
		{"zero partitions", map[string]any{"brokers": []any{"b"}, "topic": "t", "partitions": 0}, true},
		{"unknown key", map[string]any{"brokers": []any{"b"}, "topic": "t", "acks": "all"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Init(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInitDefaults(t *testing.T) {
	s := New()
	require.NoError(t, s.Init(minimal()))
	assert.Equal(t, defaultBatchSize, s.opts.BatchSize)
	assert.Equal(t, defaultBatchTimeout, s.opts.BatchTimeout)
	assert.Equal(t, kafka.Snappy, s.compression)
	assert.Equal(t, event.Categories(), s.categories)
}

func startWith(t *testing.T, w *fakeWriter, options map[string]any) (*Sink, *event.Bus) {
	t.Helper()
	s := New()
	require.NoError(t, s.Init(options))
	s.writer = w
	bus := event.NewBus()
	require.NoError(t, s.Start(context.Background(), bus))
	return s, bus
}

func TestEventsAreKeyedByCategoryInOrder(t *testing.T) {
	w := &fakeWriter{}
	s, bus := startWith(t, w, minimal())

	ts := time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		bus.Publish(event.PlayerState{
			Meta:  core.PayloadRef{Frame: uint64(i), Timestamp: ts, Direction: core.Incoming},
			State: desktop.PlayerState{RiderID: uint32(i)},
		})
		bus.Publish(event.Command{Command: companion.Command{ID: uint64(i), Type: companion.Wave, State: companion.Available}})
	}
	bus.Publish(event.Report{Report: core.Report{Err: core.ErrMalformedPayload}})
	require.NoError(t, s.Stop(context.Background()))
	assert.True(t, w.closed)

	got := w.byKey()
	require.Len(t, got["incoming_player_state"], 20)
	require.Len(t, got["command_available"], 20)
	for i, m := range got["incoming_player_state"] {
		var rec sink.Record
		require.NoError(t, json.Unmarshal(m.Value, &rec))
		assert.Equal(t, uint64(i), rec.Frame)
		assert.Equal(t, ts, m.Time)
	}

	require.Len(t, got["error"], 1)
	assert.Equal(t, []kafka.Header{{Key: "kind", Value: []byte("malformed_payload")}}, got["error"][0].Headers)
	assert.Equal(t, uint64(41), s.Written())
	assert.Equal(t, uint64(0), s.Errors())

	bus.Publish(event.RideOn{})
	assert.Len(t, w.byKey()["incoming_ride_on"], 0, "stopped sink is unsubscribed")
}

func TestCategoryFilterAndHeaders(t *testing.T) {
	w := &fakeWriter{}
	opts := minimal()
	opts["categories"] = []any{"incoming_chat"}
	opts["headers"] = map[string]any{"source": "replay"}
	s, bus := startWith(t, w, opts)

	bus.Publish(event.Chat{Message: desktop.ChatMessage{Message: "hello"}})
	bus.Publish(event.RideOn{})
	require.NoError(t, s.Stop(context.Background()))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "incoming_chat", string(w.msgs[0].Key))
	assert.Equal(t, []kafka.Header{{Key: "source", Value: []byte("replay")}}, w.msgs[0].Headers)
}

func TestWriteErrorsAreCounted(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	s, bus := startWith(t, w, minimal())
	bus.Publish(event.Chat{})
	bus.Publish(event.Chat{})
	require.NoError(t, s.Stop(context.Background()))

	assert.Equal(t, uint64(2), s.Errors())
	assert.Equal(t, uint64(0), s.Written())

	s.completed(make([]kafka.Message, 3), errors.New("batch rejected"))
	assert.Equal(t, uint64(3), s.Errors())
}

func TestStartBeforeInit(t *testing.T) {
	assert.Error(t, New().Start(context.Background(), event.NewBus()))
}

func TestRegistered(t *testing.T) {
	s, err := sink.New(Name, sink.Env{})
	require.NoError(t, err)
	assert.Equal(t, Name, s.Name())
}
