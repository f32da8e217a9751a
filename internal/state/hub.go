package state

import (
	"sync"
	"sync/atomic"
)

// defaultBuffer is the per-subscriber channel capacity when the caller
// does not specify one.
const defaultBuffer = 4

// Hub stores the latest snapshot and broadcasts each published snapshot
// to every subscriber. Publication is an atomic pointer swap plus a
// non-blocking fan-out: a subscriber that stops reading loses its oldest
// buffered snapshots, never the producer's time.
type Hub struct {
	latest atomic.Pointer[Snapshot]

	mu   sync.RWMutex
	subs map[uint64]*Subscription
	next uint64
}

// Subscription is one consumer's view of the snapshot stream.
type Subscription struct {
	hub     *Hub
	id      uint64
	ch      chan *Snapshot
	sent    uint64
	dropped uint64
	once    sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Publish installs snap as the latest snapshot and delivers it to all
// subscribers. Never blocks: when a subscriber's buffer is full its
// oldest entry is dropped in favor of the new snapshot (latest-wins).
func (h *Hub) Publish(snap *Snapshot) {
	h.latest.Store(snap)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		for {
			select {
			case sub.ch <- snap:
				atomic.AddUint64(&sub.sent, 1)
			default:
				// Buffer full: evict the oldest and retry with the
				// newest. The drain can race another reader, so loop.
				select {
				case <-sub.ch:
					atomic.AddUint64(&sub.dropped, 1)
				default:
				}
				continue
			}
			break
		}
	}
}

// Latest returns the most recently published snapshot, or nil before the
// first publication. Pull-on-demand counterpart to Subscribe.
func (h *Hub) Latest() *Snapshot {
	return h.latest.Load()
}

// Subscribe registers a new consumer with the given buffer size (<=0
// selects the default). Safe to call at any time, including while a
// broadcast is in progress.
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.next++
	sub := &Subscription{
		hub: h,
		id:  h.next,
		ch:  make(chan *Snapshot, buffer),
	}
	h.subs[sub.id] = sub
	return sub
}

// C is the snapshot delivery channel. It is never closed while the
// subscription is active; Cancel detaches it from the hub.
func (s *Subscription) C() <-chan *Snapshot {
	return s.ch
}

// Dropped reports how many snapshots were evicted because this consumer
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Sent reports how many snapshots were delivered into the buffer.
func (s *Subscription) Sent() uint64 {
	return atomic.LoadUint64(&s.sent)
}

// Cancel removes the subscription from the hub. Idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		s.hub.mu.Unlock()
	})
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
