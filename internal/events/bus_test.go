package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/feedrelay/internal/relay"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan FeedStateChanged, 1)
	unsub := bus.Subscribe(func(e FeedStateChanged) {
		received <- e
	})
	defer unsub()

	bus.Publish(FeedStateChanged{FeedID: "1", From: "connecting", To: "running"})

	select {
	case got := <-received:
		assert.Equal(t, "1", got.FeedID)
		assert.Equal(t, "running", got.To)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_OnlyMatchingTypeDelivered(t *testing.T) {
	bus := New()
	defer bus.Close()

	retries := make(chan FeedRetry, 1)
	unsub := bus.Subscribe(func(e FeedRetry) {
		retries <- e
	})
	defer unsub()

	bus.Publish(ConfigReloaded{Path: "config.yaml"})
	bus.Publish(FeedRetry{FeedID: "2", Attempt: 3, Delay: time.Second})

	select {
	case got := <-retries:
		assert.Equal(t, "2", got.FeedID)
		assert.Equal(t, 3, got.Attempt)
	case <-time.After(time.Second):
		t.Fatal("retry not delivered")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan MemoryPressure, 2)
	unsub := bus.Subscribe(func(e MemoryPressure) {
		received <- e
	})

	bus.Publish(MemoryPressure{RSSBytes: 1})
	<-received

	unsub()

	bus.Publish(MemoryPressure{RSSBytes: 2})
	select {
	case <-received:
		t.Fatal("received event after unsubscribe")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_UnknownHandlerIsNoop(t *testing.T) {
	bus := New()
	defer bus.Close()

	unsub := bus.Subscribe(func(string) {})
	require.NotNil(t, unsub)
	unsub()
}

func TestRelayHooks(t *testing.T) {
	bus := New()
	defer bus.Close()

	states := make(chan FeedStateChanged, 1)
	retries := make(chan FeedRetry, 1)
	defer bus.Subscribe(func(e FeedStateChanged) { states <- e })()
	defer bus.Subscribe(func(e FeedRetry) { retries <- e })()

	hooks := RelayHooks(bus)
	hooks.OnStateChange(relay.Transition{FeedID: "1", From: relay.StateConnecting, To: relay.StateError, Error: "refused"})
	hooks.OnRetry(relay.Retry{FeedID: "1", Attempt: 1, Delay: 500 * time.Millisecond})

	select {
	case got := <-states:
		assert.Equal(t, "error", got.To)
		assert.Equal(t, "refused", got.Error)
	case <-time.After(time.Second):
		t.Fatal("state change not delivered")
	}
	select {
	case got := <-retries:
		assert.Equal(t, 500*time.Millisecond, got.Delay)
	case <-time.After(time.Second):
		t.Fatal("retry not delivered")
	}
}
