package signal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/app"
	"github.com/rpicam/camserver/internal/core"
	"github.com/rpicam/camserver/internal/rtc"
)

// State of one signaling session.
type State int32

const (
	StateNew State = iota
	StateOfferSent
	StateAnswerPending
	StateNegotiating
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer_sent"
	case StateAnswerPending:
		return "answer_pending"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool { return s == StateClosed || s == StateFailed }

type eventKind int

const (
	evMessage eventKind = iota
	evLocalCandidate
	evPeerState
	evNegotiationTimeout
	evDisconnectGrace
	evShutdown
)

// event is one item in the session inbox. Wire frames, pion callbacks and
// timers all become events here and are handled one at a time by the
// session goroutine, so negotiation never sees callback reentrancy.
type event struct {
	kind    eventKind
	raw     []byte
	cand    webrtc.ICECandidateInit
	pcState webrtc.PeerConnectionState
	reason  string
}

// Options carry the negotiation knobs a session needs.
type Options struct {
	RTC                rtc.Config
	NegotiationTimeout time.Duration
	DisconnectGrace    time.Duration
}

// peerConn is the slice of rtc.Connection a session drives. Tests substitute
// an in-memory implementation.
type peerConn interface {
	app.RTPWriter
	AddVideoTrack() error
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(webrtc.PeerConnectionState))
	OnKeyframeRequest(func())
	CreateOffer() (webrtc.SessionDescription, error)
	ApplyAnswer(sdp string) error
	RemoteDescriptionSet() bool
	AddICECandidate(webrtc.ICECandidateInit) error
	Close()
}

func newPeerConn(cfg rtc.Config, sid core.SessionID) (peerConn, error) {
	return rtc.New(cfg, sid)
}

// Session drives one viewer from WebSocket connect through WebRTC
// negotiation to teardown. It owns the peer connection; the signaling
// transport is owned by the controller and closed during teardown.
type Session struct {
	id   core.SessionID
	conn core.SignalConn
	orch *app.Orchestrator
	opts Options
	log  zerolog.Logger

	newPC func(rtc.Config, core.SessionID) (peerConn, error)
	pc    peerConn

	state   atomic.Int32
	inbox   chan event
	pending []webrtc.ICECandidateInit
	lastPC  webrtc.PeerConnectionState

	negotiationT *time.Timer
	graceT       *time.Timer

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	teardownOnce sync.Once
}

func NewSession(ctx context.Context, id core.SessionID, conn core.SignalConn, orch *app.Orchestrator, opts Options) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:     id,
		conn:   conn,
		orch:   orch,
		opts:   opts,
		log:    log.With().Str("module", "signal").Str("sid", string(id)).Logger(),
		newPC:  newPeerConn,
		inbox:  make(chan event, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() core.SessionID    { return s.id }
func (s *Session) State() State          { return State(s.state.Load()) }
func (s *Session) Done() <-chan struct{} { return s.done }
func (s *Session) setState(st State)     { s.state.Store(int32(st)) }

// Close requests teardown from outside the session goroutine (registry
// shutdown, pipeline failure). Asynchronous; wait on Done for completion.
func (s *Session) Close(reason string) {
	select {
	case s.inbox <- event{kind: evShutdown, reason: reason}:
	default:
		// Inbox backed up; cancel directly so teardown is still prompt.
		s.cancel()
	}
}

// HandleRaw delivers one inbound wire frame. Called by the read pump, which
// preserves the transport's frame ordering.
func (s *Session) HandleRaw(data []byte) {
	select {
	case s.inbox <- event{kind: evMessage, raw: data}:
	case <-s.ctx.Done():
	}
}

func (s *Session) post(ev event) {
	select {
	case s.inbox <- ev:
	case <-s.ctx.Done():
	}
}

// Run is the session goroutine: set up the peer connection and media
// attachment, send the offer, then process the inbox until a terminal
// state. Any in-flight attachment is released on exit.
func (s *Session) Run() {
	defer s.teardown()

	s.send(Message{Type: TypeHello})

	if !s.setup() {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.inbox:
			if s.handle(ev) {
				return
			}
		}
	}
}

// setup attaches the pipeline and sends the offer. Returns false when the
// session is already doomed.
func (s *Session) setup() bool {
	pc, err := s.newPC(s.opts.RTC, s.id)
	if err != nil {
		s.log.Error().Err(err).Msg("new peer connection")
		s.failNow("internal error")
		return false
	}
	s.pc = pc
	if err := pc.AddVideoTrack(); err != nil {
		s.log.Error().Err(err).Msg("add video track")
		s.failNow("internal error")
		return false
	}

	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		s.post(event{kind: evLocalCandidate, cand: ci})
	})
	pc.OnStateChange(func(st webrtc.PeerConnectionState) {
		s.post(event{kind: evPeerState, pcState: st})
	})
	pc.OnKeyframeRequest(s.orch.Sender.RequestKeyframe)

	if err := s.orch.Sender.Attach(s.id, pc); err != nil {
		s.log.Error().Err(err).Msg("pipeline attach")
		s.failNow("camera unavailable")
		return false
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		s.log.Error().Err(err).Msg("create offer")
		s.failNow("internal error")
		return false
	}
	s.setState(StateOfferSent)
	if err := s.conn.TrySend(offerMessage(offer.SDP).encode()); err != nil {
		s.log.Warn().Err(err).Msg("send offer")
		s.failNow("")
		return false
	}
	s.setState(StateAnswerPending)
	s.log.Info().Msg("offer sent")

	s.negotiationT = time.AfterFunc(s.opts.NegotiationTimeout, func() {
		s.post(event{kind: evNegotiationTimeout})
	})
	return true
}

// handle processes one event; true means the session reached a terminal
// state and Run should exit.
func (s *Session) handle(ev event) bool {
	switch ev.kind {
	case evMessage:
		return s.handleMessage(ev.raw)
	case evLocalCandidate:
		s.send(candidateMessage(ev.cand))
	case evPeerState:
		return s.handlePeerState(ev.pcState)
	case evNegotiationTimeout:
		if s.State() != StateConnected {
			s.log.Warn().Err(core.ErrNegotiationTimeout).
				Str("state", s.State().String()).Msg("negotiation timed out")
			s.failNow("negotiation timeout")
			return true
		}
	case evDisconnectGrace:
		if s.lastPC != webrtc.PeerConnectionStateConnected {
			s.log.Warn().Err(core.ErrICEFailure).Msg("disconnect grace expired")
			s.failNow("")
			return true
		}
	case evShutdown:
		s.log.Info().Str("reason", ev.reason).Msg("shutdown requested")
		s.setState(StateClosed)
		return true
	}
	return false
}

func (s *Session) handleMessage(raw []byte) bool {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return s.protocolViolation("malformed message")
	}

	switch msg.Type {
	case TypeAnswer:
		st := s.State()
		if st != StateOfferSent && st != StateAnswerPending {
			return s.protocolViolation("unexpected answer in state " + st.String())
		}
		if err := s.pc.ApplyAnswer(msg.SDP); err != nil {
			s.log.Warn().Err(err).Msg("apply answer")
			return s.protocolViolation("unusable answer")
		}
		s.setState(StateNegotiating)
		s.drainPending()
		s.log.Info().Msg("answer applied")

	case TypeCandidate:
		// Trickled candidates may legally arrive before the answer; queue
		// them in arrival order and drain once the remote description is in.
		if !s.pc.RemoteDescriptionSet() {
			s.pending = append(s.pending, msg.candidateInit())
			return false
		}
		if err := s.pc.AddICECandidate(msg.candidateInit()); err != nil {
			s.log.Warn().Err(err).Msg("add ice candidate")
		}

	case TypeBye:
		s.log.Info().Msg("bye received")
		s.setState(StateClosed)
		return true

	case TypePing:
		s.send(Message{Type: TypePong})

	case TypePong:
		// Heartbeat reply, nothing to do.

	case TypeOffer:
		// The server is the offerer; a client offer would be renegotiation,
		// which this server rejects.
		return s.protocolViolation("renegotiation not supported")

	default:
		return s.protocolViolation("unknown message type " + msg.Type)
	}
	return false
}

func (s *Session) handlePeerState(st webrtc.PeerConnectionState) bool {
	s.lastPC = st
	switch st {
	case webrtc.PeerConnectionStateConnected:
		if s.negotiationT != nil {
			s.negotiationT.Stop()
		}
		if s.graceT != nil {
			s.graceT.Stop()
			s.graceT = nil
		}
		s.setState(StateConnected)
		s.log.Info().Msg("viewer connected")

	case webrtc.PeerConnectionStateDisconnected:
		// Often transient; only give up after the grace period.
		if s.graceT == nil {
			s.graceT = time.AfterFunc(s.opts.DisconnectGrace, func() {
				s.post(event{kind: evDisconnectGrace})
			})
		}

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if !s.State().terminal() {
			s.log.Warn().Err(core.ErrICEFailure).Str("pc_state", st.String()).Msg("peer connection lost")
			s.failNow("")
			return true
		}
	}
	return false
}

// drainPending applies queued remote candidates in their original arrival
// order.
func (s *Session) drainPending() {
	for _, ci := range s.pending {
		if err := s.pc.AddICECandidate(ci); err != nil {
			s.log.Warn().Err(err).Msg("add queued ice candidate")
		}
	}
	s.pending = nil
}

// protocolViolation logs, notifies the client and fails the session; the
// connection is closed during teardown.
func (s *Session) protocolViolation(detail string) bool {
	s.log.Warn().Err(core.ErrProtocolViolation).Str("detail", detail).Msg("protocol violation")
	s.failNow("protocol violation: " + detail)
	return true
}

// failNow marks the session Failed and (optionally) tells the client why.
func (s *Session) failNow(clientText string) {
	if clientText != "" {
		s.send(errorMessage(clientText))
	}
	s.setState(StateFailed)
}

func (s *Session) send(msg Message) {
	if err := s.conn.TrySend(msg.encode()); err != nil {
		s.log.Debug().Err(err).Str("type", msg.Type).Msg("send failed")
	}
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		if !s.State().terminal() {
			s.setState(StateClosed)
		}
		if s.negotiationT != nil {
			s.negotiationT.Stop()
		}
		if s.graceT != nil {
			s.graceT.Stop()
		}
		if s.State() == StateClosed {
			_ = s.conn.TrySend(Message{Type: TypeBye}.encode())
		}
		s.conn.Close()
		if s.pc != nil {
			s.pc.Close()
		}
		s.orch.SessionClosed(s.id)
		s.cancel()
		close(s.done)
		s.log.Info().Str("state", s.State().String()).Msg("session torn down")
	})
}
