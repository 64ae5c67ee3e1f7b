// Package events fans lifecycle events out to SSE subscribers and
// optional mirrors such as MQTT.
package events

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/echoes-of-korea/oral-archive/internal/interview"
	"github.com/echoes-of-korea/oral-archive/internal/metrics"
)

// Event types.
const (
	TypeStatus  = "stt_status"
	TypeCreated = "interview_created"
	TypeUpdated = "interview_updated"
)

// Event is a published event ready for transmission.
type Event struct {
	ID          string          `json:"event_id"`
	Type        string          `json:"event_type"`
	Timestamp   string          `json:"timestamp"`
	InterviewID string          `json:"interview_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	Types      []string
	Interviews []string
}

// EventData holds the fields needed to publish an event.
type EventData struct {
	Type        string
	InterviewID string
	Payload     any
}

// Sink receives a copy of every published event. Forward must not block.
type Sink interface {
	Forward(e Event)
}

// Bus provides pub-sub event distribution for SSE subscribers.
// It maintains a ring buffer for replay on reconnect.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64
	sinks       []Sink

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// NewBus creates an event bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 256
	}
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// AddSink registers a mirror that receives every event.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ReplaySince returns buffered events published after lastEventID. If the
// id has rotated out of the buffer nothing is replayed.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var events []Event
	found := lastEventID == ""

	for i := 0; i < b.ringSize; i++ {
		idx := (b.ringHead + i) % b.ringSize
		e := b.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if filter.matches(e) {
			events = append(events, e)
		}
	}
	return events
}

// Publish sends an event to all matching subscribers and sinks and adds it
// to the ring buffer. Slow subscribers drop events rather than block.
func (b *Bus) Publish(e EventData) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}

	now := time.Now()
	seq := b.seq.Add(1)
	event := Event{
		ID:          fmt.Sprintf("%d-%d", now.UnixMilli(), seq),
		Type:        e.Type,
		Timestamp:   now.UTC().Format(time.RFC3339),
		InterviewID: e.InterviewID,
		Data:        data,
	}

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if sub.filter.matches(event) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
	sinks := b.sinks
	b.mu.RUnlock()

	for _, s := range sinks {
		s.Forward(event)
	}
	metrics.SSEEventsPublishedTotal.Inc()
}

// NotifyStatus publishes a lifecycle transition.
func (b *Bus) NotifyStatus(c interview.StatusChange) {
	b.Publish(EventData{
		Type:        TypeStatus,
		InterviewID: c.InterviewID.String(),
		Payload:     c,
	})
}

func (f Filter) matches(e Event) bool {
	if len(f.Types) > 0 && !slices.ContainsFunc(f.Types, func(t string) bool {
		return strings.TrimSpace(t) == e.Type
	}) {
		return false
	}
	if len(f.Interviews) > 0 && e.InterviewID != "" && !slices.Contains(f.Interviews, e.InterviewID) {
		return false
	}
	return true
}
