package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/rpicam/camserver/internal/core"
)

// subQueueLen bounds each viewer's packet queue. A slow viewer drops its own
// oldest packets; it never slows the pipeline or other viewers.
const subQueueLen = 256

// Subscription is one viewer's handle onto the shared encoded stream.
type Subscription struct {
	id ID

	ch   chan *rtp.Packet
	done chan struct{}

	closeOnce sync.Once
	dropped   atomic.Uint64
}

// ID tags a subscription; it is the owning session's identifier.
type ID = core.SessionID

func newSubscription(id ID) *Subscription {
	return &Subscription{
		id:   id,
		ch:   make(chan *rtp.Packet, subQueueLen),
		done: make(chan struct{}),
	}
}

func (s *Subscription) ID() ID { return s.id }

// C yields the subscriber's copy of the packet stream. The channel is never
// closed; readers must also select on Done.
func (s *Subscription) C() <-chan *rtp.Packet { return s.ch }

// Done is closed when the subscription is detached or the pipeline stops.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped reports how many packets were discarded for this viewer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// push enqueues a packet, evicting the oldest queued packet when full.
func (s *Subscription) push(pkt *rtp.Packet) {
	if s.closed() {
		return
	}
	select {
	case s.ch <- pkt:
		return
	default:
	}
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- pkt:
	default:
		s.dropped.Add(1)
	}
}
