// Package broadcast fans accepted usage reports out to live observers
// (dashboard meters, alerting). Emission is debounced per customer so
// a burst of reports produces at most one event per interval.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/entitlement/domain"
)

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
	DefaultDebounceInterval = time.Second
)

type Hub struct {
	mu               sync.RWMutex
	streams          map[snowflake.ID]*stream
	bufferSize       int
	subscriberBuffer int
	debounce         time.Duration
	clock            clock.Clock
}

type stream struct {
	mu         sync.Mutex
	buffer     []domain.UsageBroadcast
	subs       map[uint64]chan domain.UsageBroadcast
	nextID     uint64
	lastEmitAt time.Time
}

type Subscription struct {
	hub        *Hub
	customerID snowflake.ID
	id         uint64
	ch         chan domain.UsageBroadcast
	once       sync.Once
}

func NewHub(clk clock.Clock) *Hub {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Hub{
		streams:          make(map[snowflake.ID]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
		debounce:         DefaultDebounceInterval,
		clock:            clk,
	}
}

// Publish emits event to the customer's observers unless an emission
// already happened within the debounce interval. Slow subscribers are
// skipped, never blocked on.
func (h *Hub) Publish(event domain.UsageBroadcast) {
	if h == nil || event.CustomerID == 0 {
		return
	}
	h.mu.RLock()
	stream := h.streams[event.CustomerID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	now := h.clock.Now()
	stream.mu.Lock()
	if !stream.lastEmitAt.IsZero() && now.Sub(stream.lastEmitAt) < h.debounce {
		stream.mu.Unlock()
		return
	}
	stream.lastEmitAt = now
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan domain.UsageBroadcast, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe attaches an observer to one customer's stream and replays
// the retained ring buffer.
func (h *Hub) Subscribe(customerID snowflake.ID) (*Subscription, []domain.UsageBroadcast, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	if customerID == 0 {
		return nil, nil, errors.New("invalid_customer")
	}

	stream := h.ensureStream(customerID)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan domain.UsageBroadcast)
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan domain.UsageBroadcast, h.subscriberBuffer)
	stream.subs[id] = ch
	buffer := append([]domain.UsageBroadcast(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:        h,
		customerID: customerID,
		id:         id,
		ch:         ch,
	}, buffer, nil
}

func (h *Hub) ensureStream(customerID snowflake.ID) *stream {
	h.mu.RLock()
	current := h.streams[customerID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[customerID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan domain.UsageBroadcast)}
		h.streams[customerID] = current
	}
	return current
}

func (h *Hub) unsubscribe(customerID snowflake.ID, id uint64) {
	if h == nil {
		return
	}
	h.mu.RLock()
	stream := h.streams[customerID]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	current := h.streams[customerID]
	if current != stream {
		h.mu.Unlock()
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, customerID)
	}
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan domain.UsageBroadcast {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.customerID, s.id)
	})
}

var Module = fx.Module("entitlement.broadcast",
	fx.Provide(NewHub),
)
