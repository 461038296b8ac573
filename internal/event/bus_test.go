package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ridereplay/internal/core"
	"firestige.xyz/ridereplay/internal/protocol/companion"
	"firestige.xyz/ridereplay/internal/protocol/desktop"
)

func player(rider uint32, dir core.Direction) PlayerState {
	return PlayerState{
		Meta:  core.PayloadRef{Direction: dir},
		State: desktop.PlayerState{RiderID: rider},
	}
}

func TestCategoryRouting(t *testing.T) {
	b := NewBus()
	var got []string
	b.OnIncomingPlayerState(func(e PlayerState) { got = append(got, fmt.Sprintf("in %d", e.State.RiderID)) })
	b.OnOutgoingPlayerState(func(e PlayerState) { got = append(got, fmt.Sprintf("out %d", e.State.RiderID)) })
	b.OnIncomingChat(func(e Chat) { got = append(got, "chat "+e.Message.Message) })
	b.OnIncomingPlayerEnteredWorld(func(e PlayerEnteredWorld) { got = append(got, "world") })
	b.OnIncomingRideOn(func(e RideOn) { got = append(got, "rideon") })
	b.OnCommandAvailable(func(e Command) { got = append(got, "available "+e.Command.Type.String()) })
	b.OnCommandSent(func(e Command) { got = append(got, "sent "+e.Command.Type.String()) })
	b.OnError(func(e Report) { got = append(got, "error "+e.Report.Kind()) })

	b.Publish(player(1, core.Incoming))
	b.Publish(player(2, core.Outgoing))
	b.Publish(Chat{Message: desktop.ChatMessage{Message: "hello"}})
	b.Publish(PlayerEnteredWorld{})
	b.Publish(RideOn{})
	b.Publish(Command{Command: companion.Command{Type: companion.ElbowFlick, State: companion.Available}})
	b.Publish(Command{Command: companion.Command{Type: companion.ElbowFlick, State: companion.Sent}})
	b.Publish(Report{Report: core.Report{Err: core.ErrMalformedPayload}})

	assert.Equal(t, []string{
		"in 1", "out 2", "chat hello", "world", "rideon",
		"available Elbow Flick", "sent Elbow Flick", "error malformed_payload",
	}, got)
}

func TestRegistrationOrderAndUnsubscribe(t *testing.T) {
	b := NewBus()
	var got []string
	first := b.OnIncomingChat(func(Chat) { got = append(got, "first") })
	b.OnIncomingChat(func(Chat) { got = append(got, "second") })
	b.OnIncomingChat(func(Chat) { got = append(got, "third") })

	assert.Equal(t, 3, b.Publish(Chat{}))
	assert.Equal(t, []string{"first", "second", "third"}, got)

	got = nil
	assert.True(t, b.Unsubscribe(first))
	assert.False(t, b.Unsubscribe(first), "second unsubscribe is a no-op")
	assert.Equal(t, 2, b.Publish(Chat{}))
	assert.Equal(t, []string{"second", "third"}, got)
	assert.Equal(t, IncomingChat, first.Category())
}

func TestPublishWithoutSubscribers(t *testing.T) {
	assert.Equal(t, 0, NewBus().Publish(RideOn{}))
}

func TestSubscribeDuringPublish(t *testing.T) {
	b := NewBus()
	late := 0
	b.OnIncomingRideOn(func(RideOn) {
		b.OnIncomingRideOn(func(RideOn) { late++ })
	})
	b.Publish(RideOn{})
	assert.Equal(t, 0, late, "a handler added mid-dispatch starts with the next event")
	b.Publish(RideOn{})
	assert.Equal(t, 1, late)
}

func TestSubscribeAll(t *testing.T) {
	b := NewBus()
	var cats []Category
	subs := b.SubscribeAll(func(e Event) { cats = append(cats, e.Category()) })
	require.Len(t, subs, len(Categories()))

	b.Publish(player(1, core.Outgoing))
	b.Publish(Report{})
	assert.Equal(t, []Category{OutgoingPlayerState, Error}, cats)
	assert.Equal(t, "outgoing_player_state", OutgoingPlayerState.String())
}

func TestConcurrentRegistration(t *testing.T) {
	b := NewBus()
	var calls atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				s := b.OnIncomingChat(func(Chat) { calls.Add(1) })
				if j%2 == 0 {
					b.Unsubscribe(s)
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		b.Publish(Chat{})
	}
	wg.Wait()
	assert.Equal(t, 200, b.Subscribers(IncomingChat))
}

func TestQueuePreservesOrder(t *testing.T) {
	q := NewQueue(4)
	var got []int
	add := Handoff(q, func(v int) { got = append(got, v) })
	for i := 0; i < 100; i++ {
		add(i)
	}
	q.Close()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.False(t, q.Submit(func() {}), "closed queue rejects work")
	q.Close()
}

func TestQueueBlocksWhenFull(t *testing.T) {
	q := NewQueue(1)
	release := make(chan struct{})
	started := make(chan struct{})
	q.Submit(func() { close(started); <-release })
	<-started
	q.Submit(func() {}) // fills the single slot

	submitted := make(chan struct{})
	go func() {
		q.Submit(func() {})
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Fatal("submit returned while the queue was full")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Fatal("submit never unblocked")
	}
	q.Close()
}

func TestQueueOnBus(t *testing.T) {
	b := NewBus()
	q := NewQueue(8)
	var got []uint32
	b.OnIncomingPlayerState(Handoff(q, func(e PlayerState) { got = append(got, e.State.RiderID) }))
	for i := uint32(1); i <= 20; i++ {
		b.Publish(player(i, core.Incoming))
	}
	q.Close()
	require.Len(t, got, 20)
	assert.Equal(t, uint32(1), got[0])
	assert.Equal(t, uint32(20), got[19])
}

func TestPartitionedKeepsPerKeyOrder(t *testing.T) {
	p := NewPartitioned(4, 2)
	var mu sync.Mutex
	got := map[string][]int{}
	type item struct {
		key string
		n   int
	}
	submit := HandoffKeyed(p, func(it item) string { return it.key }, func(it item) {
		mu.Lock()
		got[it.key] = append(got[it.key], it.n)
		mu.Unlock()
	})
	keys := []string{"incoming_chat", "command_sent", "error", "incoming_ride_on"}
	for n := 0; n < 50; n++ {
		for _, k := range keys {
			submit(item{key: k, n: n})
		}
	}
	p.Close()

	for _, k := range keys {
		require.Len(t, got[k], 50, k)
		for i, n := range got[k] {
			assert.Equal(t, i, n)
		}
	}
}
