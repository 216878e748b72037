// Package notify pushes generation outcomes to waiters, in-process or through the results topic
package notify

import (
	"sync"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
)

// Outcome - результат генерации: либо Derivative, либо Err.
// Stored означает, что артефакт лежит в кэше; без Derivative его читают оттуда.
type Outcome struct {
	Derivative *model.Derivative
	Err        error
	Stored     bool
}

// Hub fans one outcome out to every subscriber of a key. Subscribers that
// arrive after Publish get nothing and fall back to polling the record.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[model.CanonicalKey]map[uint64]chan Outcome
}

func NewHub() *Hub {
	return &Hub{subs: make(map[model.CanonicalKey]map[uint64]chan Outcome)}
}

// Subscribe returns a channel receiving at most one Outcome and a cancel func that must be called.
func (h *Hub) Subscribe(key model.CanonicalKey) (<-chan Outcome, func()) {
	ch := make(chan Outcome, 1)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[key] == nil {
		h.subs[key] = make(map[uint64]chan Outcome)
	}
	h.subs[key][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m, ok := h.subs[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(h.subs, key)
			}
		}
	}
	return ch, cancel
}

// Publish delivers o to the current subscribers of key and forgets them.
func (h *Hub) Publish(key model.CanonicalKey, o Outcome) {
	h.mu.Lock()
	m := h.subs[key]
	delete(h.subs, key)
	h.mu.Unlock()

	for _, ch := range m {
		ch <- o // буфер 1, каждый канал получает ровно одно значение
	}
}

// Waiting reports how many subscribers wait on key.
func (h *Hub) Waiting(key model.CanonicalKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}
