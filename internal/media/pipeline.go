package media

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olebedev/emitter"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/core"
)

// State of the pipeline. Failed is terminal until an explicit Start retry.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventFailed is emitted with the causing error when a running pipeline
// fails in steady state (e.g. the device is unplugged).
const EventFailed = "pipeline.failed"

const (
	rtpMTU         = 1200
	h264PayloadPT  = 96
	videoClockRate = 90000
)

// Pipeline owns the capture+encode unit and fans its single encoded stream
// out to subscribers. All lifecycle operations (Start, Stop, Attach, Detach)
// are serialized behind one mutex; packet delivery is concurrent fan-out.
// The pipeline is reference-counted by attached sessions: the last Detach
// arms a linger timer, and only its expiry actually stops the capture so a
// quick reconnect reuses the running chain.
type Pipeline struct {
	cfg     Config
	capture Capture
	linger  time.Duration

	events *emitter.Emitter
	hub    *hub
	pkt    rtp.Packetizer
	spf    uint32 // RTP timestamp increment per frame

	mu          sync.Mutex
	state       atomic.Int32
	stopping    atomic.Bool
	loopDone    chan struct{}
	lingerTimer *time.Timer

	// cancel has its own lock so fail, which runs without mu, can reach it.
	cancelMu sync.Mutex
	cancel   context.CancelFunc

	starts atomic.Uint64 // capture starts, for diagnostics
}

func NewPipeline(cfg Config, capture Capture, linger time.Duration) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ev := &emitter.Emitter{}
	ev.Use("*", emitter.Void)
	return &Pipeline{
		cfg:     cfg,
		capture: capture,
		linger:  linger,
		events:  ev,
		hub:     newHub(),
		pkt: rtp.NewPacketizer(rtpMTU, h264PayloadPT, rand.Uint32(),
			&codecs.H264Payloader{}, rtp.NewRandomSequencer(), videoClockRate),
		spf: uint32(videoClockRate / cfg.FPS),
	}, nil
}

func (p *Pipeline) State() State { return State(p.state.Load()) }

// Events exposes the pipeline event bus. Handlers are registered as emitter
// middleware so emits never block on slow listeners.
func (p *Pipeline) Events() *emitter.Emitter { return p.events }

// Subscribers reports the current number of attached viewers.
func (p *Pipeline) Subscribers() int { return p.hub.len() }

// Starts reports how many times the capture chain was started. Diagnostics
// only; the linger window keeps this from climbing on rapid reconnects.
func (p *Pipeline) Starts() uint64 { return p.starts.Load() }

// Start drives Stopped (or Failed, as an explicit retry) to Running.
// Idempotent when already Running. Errors carry the core taxonomy:
// ErrDeviceUnavailable, ErrEncoderUnavailable or ErrConfigInvalid.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Pipeline) startLocked() error {
	if p.State() == StateRunning {
		return nil
	}
	p.state.Store(int32(StateStarting))
	p.stopping.Store(false)

	// The capture runs under a pipeline-owned context. It must never be
	// derived from a viewer's context: the chain outlives any one viewer.
	runCtx, cancel := context.WithCancel(context.Background())
	if err := p.capture.Start(runCtx); err != nil {
		cancel()
		p.state.Store(int32(StateStopped))
		return err
	}
	p.setCancel(cancel)
	p.loopDone = make(chan struct{})
	p.state.Store(int32(StateRunning))
	p.starts.Add(1)
	log.Info().Str("module", "media").
		Int("width", p.cfg.Width).Int("height", p.cfg.Height).
		Int("fps", p.cfg.FPS).Msg("pipeline running")

	go p.run()
	return nil
}

// run packetizes each access unit exactly once and broadcasts the packets.
func (p *Pipeline) run() {
	defer close(p.loopDone)
	for unit := range p.capture.Units() {
		pkts := p.pkt.Packetize(unit.Data, p.spf)
		p.hub.broadcast(pkts)
	}
	if p.stopping.Load() {
		return
	}
	err := p.capture.Err()
	if err == nil {
		err = core.ErrDeviceUnavailable
	}
	p.fail(err)
}

// fail transitions Running -> Failed, detaches all viewers and notifies
// listeners. Runs without the lifecycle mutex so Stop can never deadlock
// against a concurrently failing run loop.
func (p *Pipeline) fail(err error) {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateFailed)) {
		return
	}
	log.Error().Err(err).Str("module", "media").Msg("pipeline failed")
	p.hub.closeAll()
	p.doCancel()
	p.events.Emit(EventFailed, err)
}

func (p *Pipeline) setCancel(cancel context.CancelFunc) {
	p.cancelMu.Lock()
	p.cancel = cancel
	p.cancelMu.Unlock()
}

func (p *Pipeline) doCancel() {
	p.cancelMu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.cancelMu.Unlock()
}

// Stop idempotently tears the chain down and releases the device.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pipeline) stopLocked() {
	if p.lingerTimer != nil {
		p.lingerTimer.Stop()
		p.lingerTimer = nil
	}
	st := p.State()
	if st == StateStopped {
		return
	}
	p.stopping.Store(true)
	p.doCancel()
	p.capture.Stop()
	if st == StateRunning && p.loopDone != nil {
		<-p.loopDone
	}
	p.hub.closeAll()
	p.state.Store(int32(StateStopped))
	log.Info().Str("module", "media").Msg("pipeline stopped")
}

// Attach binds a new viewer to the pipeline, starting the capture chain if
// it is not running. A pending linger stop is cancelled, so a reconnect
// inside the window reuses the running pipeline.
func (p *Pipeline) Attach(id ID) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lingerTimer != nil {
		p.lingerTimer.Stop()
		p.lingerTimer = nil
	}
	if p.State() != StateRunning {
		if err := p.startLocked(); err != nil {
			return nil, err
		}
	}
	sub := p.hub.add(id)
	log.Info().Str("module", "media").Str("sid", string(id)).
		Int("subscribers", p.hub.len()).Msg("viewer attached")
	return sub, nil
}

// Detach unsubscribes a viewer. Idempotent. When the last viewer leaves the
// pipeline keeps running for the linger delay before stopping.
func (p *Pipeline) Detach(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.hub.remove(id) {
		return
	}
	log.Info().Str("module", "media").Str("sid", string(id)).
		Int("subscribers", p.hub.len()).Msg("viewer detached")
	if p.hub.len() > 0 || p.State() != StateRunning {
		return
	}
	if p.linger <= 0 {
		p.stopLocked()
		return
	}
	p.lingerTimer = time.AfterFunc(p.linger, p.lingerStop)
}

func (p *Pipeline) lingerStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hub.len() > 0 {
		return
	}
	log.Info().Str("module", "media").Dur("linger", p.linger).Msg("linger elapsed, stopping pipeline")
	p.stopLocked()
}

// RequestKeyframe asynchronously asks the encoder for an immediate keyframe
// so a viewer joining mid-stream can decode from its first received packet.
func (p *Pipeline) RequestKeyframe() {
	if p.State() != StateRunning {
		return
	}
	p.capture.ForceKeyframe()
}
