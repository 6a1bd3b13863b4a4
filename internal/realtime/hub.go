package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/comptaflow/comptaflow/internal/monitoring"
)

// Handler receives change events for a subscribed table
type Handler func(ChangeEvent)

// Subscription is a table-scoped registration on the hub.
// Close is idempotent and safe after the hub has shut down.
type Subscription struct {
	hub      *Hub
	id       uint64
	table    string
	closed   atomic.Bool
	once     sync.Once
	mu       sync.Mutex
	handlers []Handler
}

// OnEvent adds a handler and returns the subscription for chaining
func (s *Subscription) OnEvent(h Handler) *Subscription {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
	return s
}

// Table returns the subscribed table name
func (s *Subscription) Table() string {
	return s.table
}

// Close removes the subscription; later events are not delivered
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.hub != nil {
			s.hub.remove(s)
		}
	})
}

func (s *Subscription) deliver(ev ChangeEvent) bool {
	if s.closed.Load() {
		return false
	}
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		if s.closed.Load() {
			return false
		}
		h(ev)
	}
	return true
}

// Hub fans change events out to in-process subscribers.
// Handlers run on the publishing goroutine in delivery order.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*Subscription)}
}

// Subscribe registers interest in one table. After Close it returns an
// already-closed subscription.
func (h *Hub) Subscribe(table string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{id: h.nextID, table: table}
	if h.closed {
		sub.closed.Store(true)
		return sub
	}
	sub.hub = h
	if h.subs[table] == nil {
		h.subs[table] = make(map[uint64]*Subscription)
	}
	h.subs[table][sub.id] = sub
	monitoring.AddStreamSubscribers(1)
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.table][sub.id]; !ok {
		return
	}
	delete(h.subs[sub.table], sub.id)
	if len(h.subs[sub.table]) == 0 {
		delete(h.subs, sub.table)
	}
	monitoring.AddStreamSubscribers(-1)
}

// Publish delivers ev to the table's subscribers and returns how many received it
func (h *Hub) Publish(ev ChangeEvent) int {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0
	}
	targets := make([]*Subscription, 0, len(h.subs[ev.Table]))
	for _, sub := range h.subs[ev.Table] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if sub.deliver(ev) {
			delivered++
		}
	}
	return delivered
}

// SubscriberCount returns the number of open subscriptions
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Close closes every subscription and rejects further publishing
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, subs := range h.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.subs = make(map[string]map[uint64]*Subscription)
	h.mu.Unlock()

	monitoring.AddStreamSubscribers(-len(all))
	for _, sub := range all {
		sub.once.Do(func() { sub.closed.Store(true) })
	}
}
