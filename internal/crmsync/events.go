package crmsync

import (
	"sync"
	"time"
)

const (
	EventSyncCompleted    = "sync.completed"
	EventSyncFailed       = "sync.failed"
	EventConflictDetected = "conflict.detected"
	EventConflictResolved = "conflict.resolved"
)

// Event is a live notification about sync progress, published to websocket
// subscribers. It is observability only; the sync log remains the durable
// record.
type Event struct {
	Type       string     `json:"type"`
	EntityKind EntityKind `json:"entityKind,omitempty"`
	EntityID   string     `json:"entityId,omitempty"`
	ExternalID string     `json:"externalId,omitempty"`
	SyncLogID  string     `json:"syncLogId,omitempty"`
	ConflictID string     `json:"conflictId,omitempty"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Broadcaster fans events out to subscribers. Slow subscribers drop events
// rather than block the sync workers.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[int]chan Event{}}
}

func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
