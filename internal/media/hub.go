package media

import (
	"maps"
	"sync"

	"github.com/pion/rtp"
)

// hub is the fan-out subscriber set, keyed by session identifier. Broadcast
// iterates over a snapshot so a detach during iteration is always safe.
type hub struct {
	mu   sync.RWMutex
	subs map[ID]*Subscription
}

func newHub() *hub {
	return &hub{subs: make(map[ID]*Subscription)}
}

// add registers a subscriber, replacing (and closing) any existing
// subscription under the same id.
func (h *hub) add(id ID) *Subscription {
	sub := newSubscription(id)
	h.mu.Lock()
	if old, ok := h.subs[id]; ok {
		old.Close()
	}
	h.subs[id] = sub
	h.mu.Unlock()
	return sub
}

func (h *hub) remove(id ID) bool {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
	return ok
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// broadcast forwards packets to every live subscriber and reaps the ones
// that were closed from under the hub.
func (h *hub) broadcast(pkts []*rtp.Packet) {
	h.mu.RLock()
	snapshot := make(map[ID]*Subscription, len(h.subs))
	maps.Copy(snapshot, h.subs)
	h.mu.RUnlock()

	var dirty []ID
	for id, sub := range snapshot {
		if sub.closed() {
			dirty = append(dirty, id)
			continue
		}
		for _, pkt := range pkts {
			sub.push(pkt)
		}
	}
	if len(dirty) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range dirty {
		if sub, ok := h.subs[id]; ok && sub.closed() {
			delete(h.subs, id)
		}
	}
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for id, sub := range h.subs {
		sub.Close()
		delete(h.subs, id)
	}
	h.mu.Unlock()
}
