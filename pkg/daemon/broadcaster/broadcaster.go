// Package broadcaster fans pipeline stage changes out to in-process
// subscribers such as the terminal dashboard.
package broadcaster

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

// Event reports that a candidate entered a new pipeline state.
type Event struct {
	JobID  string
	Path   string
	Status types.Status
	Time   time.Time

	// Detail is a short human-readable note, such as the snapshot measured
	// by an unstable attempt or a failure message.
	Detail string

	// Result is set when Status is terminal.
	Result *types.ArchiveResult
}

// Subscriber receives events on Events until unsubscribed.
type Subscriber struct {
	ID   string
	Root string

	// Statuses restricts delivery to these states. Empty means all.
	Statuses []types.Status

	Events chan *Event
}

// Broadcaster manages subscribers and distributes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
}

// New creates a new Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a subscriber for events on paths under root.
// Returns nil after Close.
func (b *Broadcaster) Subscribe(root string, statuses ...types.Status) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscriber{
		ID:       uuid.New().String(),
		Root:     root,
		Statuses: statuses,
		Events:   make(chan *Event, 100),
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Publish delivers ev to every matching subscriber without blocking. A
// subscriber whose buffer is full misses the event.
func (b *Broadcaster) Publish(ev *Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if !matches(sub, ev) {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
		}
	}
}

func matches(sub *Subscriber, ev *Event) bool {
	if sub.Root != "" && !underRoot(ev.Path, sub.Root) {
		return false
	}
	if len(sub.Statuses) == 0 {
		return true
	}
	for _, s := range sub.Statuses {
		if s == ev.Status {
			return true
		}
	}
	return false
}

func underRoot(path, root string) bool {
	if !strings.HasPrefix(path, root) {
		return false
	}
	return len(path) == len(root) || path[len(root)] == filepath.Separator || strings.HasSuffix(root, string(filepath.Separator))
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
