package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventIngest     EventType = "ingest"
	EventPopulate   EventType = "populate"
	EventRefresh    EventType = "refresh"
	EventEvict      EventType = "evict"
	EventStoreFetch EventType = "store_fetch"
)

// Event records one credential or cache lifecycle transition.
type Event struct {
	Type      EventType `json:"type"`
	AccountID string    `json:"account_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"ts"`
}

// Bus keeps the most recent events in a fixed ring for the debug endpoint.
type Bus struct {
	mu        sync.RWMutex
	ring      []Event
	ringSize  int
	ringPos   int
	ringCount int
}

func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 200
	}
	return &Bus{
		ring:     make([]Event, ringSize),
		ringSize: ringSize,
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring[b.ringPos] = e
	b.ringPos = (b.ringPos + 1) % b.ringSize
	if b.ringCount < b.ringSize {
		b.ringCount++
	}
}

// Recent returns the buffered events, oldest first.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.ringCount == 0 {
		return nil
	}
	result := make([]Event, b.ringCount)
	start := (b.ringPos - b.ringCount + b.ringSize) % b.ringSize
	for i := range b.ringCount {
		result[i] = b.ring[(start+i)%b.ringSize]
	}
	return result
}
