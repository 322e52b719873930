// Package events broadcasts bridge activity to in-process observers.
//
// Gateway sessions, node updates and MQTT commands are emitted on a
// [Bus]; the status WebSocket is the main consumer. Delivery never
// blocks the emitter: a subscriber whose buffer is full misses the
// event. A nil *Bus accepts and discards everything.
package events

import (
	"slices"
	"sync"
	"time"

	"github.com/tjaehnel/vlxmqttha/internal/metrics"
)

// Sources.
const (
	SourceGateway = "gateway" // KLF200 session
	SourceNode    = "node"    // per-node state
	SourceMQTT    = "mqtt"    // broker session
)

// Kinds, with the data keys each carries.
const (
	KindConnected    = "connected"    // addr or broker
	KindDisconnected = "disconnected" // addr or broker, error
	KindNodesLoaded  = "nodes_loaded" // nodes, covers
	KindPosition     = "position"     // node, name, position, state
	KindKeepOpen     = "keep_open"    // node, name, on
	KindRemoved      = "removed"      // unique_id, component
	KindRenamed      = "renamed"      // node, old, new, unique_id
	KindCommand      = "command"      // node, entity, command, ok, error
)

// Event is one observation.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

type subscription struct {
	ch      chan Event
	sources []string // empty means all
	dropped int
}

func (s *subscription) wants(source string) bool {
	return len(s.sources) == 0 || slices.Contains(s.sources, source)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every interested subscriber with room in its
// buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !s.wants(e.Source) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped++
			metrics.EventsDropped.Inc()
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving events from the given sources,
// or from all sources when none are named. The channel is closed by
// [Bus.Unsubscribe].
func (b *Bus) Subscribe(buffer int, sources ...string) <-chan Event {
	s := &subscription{ch: make(chan Event, buffer), sources: sources}
	b.mu.Lock()
	b.subs[s.ch] = s
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe closes ch and returns how many events it missed. Unknown
// or already closed channels report 0.
func (b *Bus) Unsubscribe(ch <-chan Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[ch]
	if !ok {
		return 0
	}
	delete(b.subs, ch)
	close(s.ch)
	return s.dropped
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
