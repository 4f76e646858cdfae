// Package broadcast fans accepted cart snapshots out to every open
// subscription for that cart.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/hyperengineering/cartsync/internal/types"
)

// Hub tracks subscriptions per cart. Each subscription holds at most one
// undelivered message; a newer snapshot replaces an older one, so slow
// readers always converge on the latest version.
type Hub struct {
	mu     sync.Mutex
	carts  map[types.CartID]map[*subscription]struct{}
	latest map[types.CartID]int64
	closed bool
}

type subscription struct {
	ch   chan types.BroadcastMessage
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		carts:  make(map[types.CartID]map[*subscription]struct{}),
		latest: make(map[types.CartID]int64),
	}
}

// Subscribe registers interest in a cart. The channel is closed when the
// cart expires (after a cart_expired message), when the hub closes, or when
// the returned cancel func is called.
func (h *Hub) Subscribe(cartID types.CartID) (<-chan types.BroadcastMessage, func()) {
	sub := &subscription{ch: make(chan types.BroadcastMessage, 1)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.close()
		return sub.ch, func() {}
	}
	subs, ok := h.carts[cartID]
	if !ok {
		subs = make(map[*subscription]struct{})
		h.carts[cartID] = subs
	}
	subs[sub] = struct{}{}

	slog.Debug("broadcast subscribed",
		"component", "broadcast",
		"action", "subscribe",
		"cart_id", cartID,
		"subscribers", len(subs),
	)

	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if subs, ok := h.carts[cartID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.carts, cartID)
			}
		}
		sub.close()
	}
}

// Publish delivers snap to every subscriber of its cart. Snapshots at or
// below the last published version are dropped; concurrent writers may
// finish out of order.
func (h *Hub) Publish(snap types.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || snap.Version <= h.latest[snap.CartID] {
		return
	}
	h.latest[snap.CartID] = snap.Version

	msg := types.BroadcastMessage{Type: types.MessageSnapshot, Snapshot: &snap}
	for sub := range h.carts[snap.CartID] {
		deliver(sub, msg)
	}
}

// CloseCart tells every subscriber the cart has expired and ends their
// subscriptions.
func (h *Hub) CloseCart(cartID types.CartID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.carts[cartID]
	for sub := range subs {
		deliver(sub, types.BroadcastMessage{Type: types.MessageCartExpired})
		sub.close()
	}
	delete(h.carts, cartID)
	delete(h.latest, cartID)

	if len(subs) > 0 {
		slog.Info("cart subscriptions closed",
			"component", "broadcast",
			"action", "close_cart",
			"cart_id", cartID,
			"subscribers", len(subs),
		)
	}
}

// Subscribers returns the number of open subscriptions for a cart.
func (h *Hub) Subscribers(cartID types.CartID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.carts[cartID])
}

// Close ends every subscription. Later Subscribe calls get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for cartID, subs := range h.carts {
		for sub := range subs {
			sub.close()
		}
		delete(h.carts, cartID)
	}
}

// deliver replaces any undelivered message. Callers hold h.mu, so the
// send after draining cannot block.
func deliver(sub *subscription, msg types.BroadcastMessage) {
	select {
	case sub.ch <- msg:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- msg
}
