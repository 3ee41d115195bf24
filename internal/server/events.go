package server

import (
	"sync"
	"time"
)

// EventType классифицирует событие для WebSocket клиентов.
type EventType string

const (
	EventState           EventType = "state"
	EventMessage         EventType = "message"
	EventChannelClosed   EventType = "channel_closed"
	EventReadyToSend     EventType = "ready_to_send"
	EventBufferedLow     EventType = "buffered_amount_low"
	EventTransportClosed EventType = "transport_closed"
)

// Event это JSON-конверт, рассылаемый клиентам.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type subscriber struct {
	ch chan Event
}

// EventBus раздает события всем подписчикам. Медленные подписчики пропускают события.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe возвращает канал событий и функцию отписки, закрывающую канал.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, 64)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Len возвращает число подписчиков.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
