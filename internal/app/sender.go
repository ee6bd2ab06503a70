package app

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/core"
	"github.com/rpicam/camserver/internal/media"
)

// RTPWriter is the outbound side of a viewer's media track.
type RTPWriter interface {
	WriteRTP(*rtp.Packet) error
}

// Sender bridges pipeline subscriptions onto per-viewer tracks. One forward
// goroutine per attached session; a slow or dead viewer only ever loses its
// own packets.
type Sender struct {
	pipeline *media.Pipeline

	mu      sync.Mutex
	streams map[core.SessionID]*media.Subscription
}

func NewSender(pipeline *media.Pipeline) *Sender {
	return &Sender{
		pipeline: pipeline,
		streams:  make(map[core.SessionID]*media.Subscription),
	}
}

// Attach subscribes the session to the pipeline and starts forwarding into
// the writer. A keyframe is requested immediately so the new viewer can
// decode without waiting for the next scheduled keyframe.
func (s *Sender) Attach(sid core.SessionID, w RTPWriter) error {
	sub, err := s.pipeline.Attach(sid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if old, ok := s.streams[sid]; ok {
		old.Close()
	}
	s.streams[sid] = sub
	s.mu.Unlock()

	s.pipeline.RequestKeyframe()
	go s.forward(sid, sub, w)
	return nil
}

// Detach unsubscribes and releases the session's stream. Idempotent; the
// pipeline arms its linger stop when this was the last attachment.
func (s *Sender) Detach(sid core.SessionID) {
	s.mu.Lock()
	sub, ok := s.streams[sid]
	if ok {
		delete(s.streams, sid)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sub.Close()
	s.pipeline.Detach(sid)
}

// RequestKeyframe forwards a viewer's decoder-refresh demand (RTCP PLI/FIR)
// to the shared encoder.
func (s *Sender) RequestKeyframe() {
	s.pipeline.RequestKeyframe()
}

func (s *Sender) forward(sid core.SessionID, sub *media.Subscription, w RTPWriter) {
	logger := log.With().Str("module", "app.sender").Str("sid", string(sid)).Logger()
	for {
		select {
		case <-sub.Done():
			if n := sub.Dropped(); n > 0 {
				logger.Info().Uint64("dropped", n).Msg("forward loop done")
			}
			return
		case pkt := <-sub.C():
			if pkt == nil {
				continue
			}
			if err := w.WriteRTP(pkt); err != nil {
				logger.Debug().Err(err).Msg("write rtp failed, stopping forward")
				sub.Close()
				return
			}
		}
	}
}
