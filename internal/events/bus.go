package events

import (
	"github.com/kelindar/event"

	"github.com/jmylchreest/feedrelay/internal/relay"
)

// Bus wraps a kelindar/event dispatcher. Subscribers receive events on their
// own goroutine, so publishing never waits for a slow observer.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Close stops delivery to every subscriber.
func (b *Bus) Close() error {
	return b.dispatcher.Close()
}

// Publish publishes an event to all subscribers of its type.
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case FeedStateChanged:
		event.Publish(b.dispatcher, e)
	case FeedRetry:
		event.Publish(b.dispatcher, e)
	case ConfigReloaded:
		event.Publish(b.dispatcher, e)
	case MemoryPressure:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type of its argument and returns
// an unsubscribe function. Unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e FeedStateChanged) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(FeedStateChanged):
		return event.Subscribe(b.dispatcher, h)
	case func(FeedRetry):
		return event.Subscribe(b.dispatcher, h)
	case func(ConfigReloaded):
		return event.Subscribe(b.dispatcher, h)
	case func(MemoryPressure):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// RelayHooks returns pipeline hooks that publish feed transitions and retries
// on b.
func RelayHooks(b *Bus) relay.Hooks {
	return relay.Hooks{
		OnStateChange: func(t relay.Transition) {
			b.Publish(FeedStateChanged{
				FeedID: t.FeedID,
				From:   string(t.From),
				To:     string(t.To),
				Error:  t.Error,
				At:     t.At,
			})
		},
		OnRetry: func(r relay.Retry) {
			b.Publish(FeedRetry{
				FeedID:   r.FeedID,
				Attempt:  r.Attempt,
				Delay:    r.Delay,
				Cooldown: r.Cooldown,
			})
		},
	}
}
