package activity

import (
	"context"
	"log"
	"sync"
)

// Bus wraps a Log with in-process fan-out notification.
// When Append is called, all subscribers receive the new event.
type Bus struct {
	Log
	mu   sync.RWMutex
	subs map[chan *Event]struct{}
}

// NewBus creates a Bus wrapping the given log.
func NewBus(l Log) *Bus {
	return &Bus{
		Log:  l,
		subs: make(map[chan *Event]struct{}),
	}
}

// Append delegates to the underlying log, then fans out to all subscribers.
func (b *Bus) Append(ctx context.Context, entry Entry) (*Event, error) {
	e, err := b.Log.Append(ctx, entry)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber is behind; drop to avoid blocking Append
		}
	}
	b.mu.RUnlock()

	return e, nil
}

// Record appends an entry, logging failures instead of returning them.
func (b *Bus) Record(ctx context.Context, entry Entry) {
	if _, err := b.Append(ctx, entry); err != nil {
		log.Printf("activity: append %s for project %s: %v", entry.Type, entry.ProjectID, err)
	}
}

// Subscribe returns a buffered channel that receives all new events.
func (b *Bus) Subscribe() chan *Event {
	ch := make(chan *Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
	close(ch)
}
