// Package rtc wraps the pion PeerConnection for the outbound camera track.
package rtc

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/rpicam/camserver/internal/core"
)

// Config carries the few negotiation knobs the server needs.
type Config struct {
	STUNServer string
}

func (c Config) webrtc() webrtc.Configuration {
	if c.STUNServer == "" {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{c.STUNServer}}},
	}
}

// Connection owns one viewer's PeerConnection and its outbound video track.
type Connection struct {
	pc     *webrtc.PeerConnection
	sid    core.SessionID
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender

	onICE      func(webrtc.ICECandidateInit)
	onState    func(webrtc.PeerConnectionState)
	onKeyframe func()

	closeOnce sync.Once
	done      chan struct{}
}

func New(cfg Config, sid core.SessionID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg.webrtc())
	if err != nil {
		return nil, err
	}
	return &Connection{pc: pc, sid: sid, done: make(chan struct{})}, nil
}

// OnICECandidate sets the callback for newly gathered local candidates
// (trickled to the client as they appear).
func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

// OnStateChange sets the callback for peer-connection state transitions.
func (c *Connection) OnStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }

// OnKeyframeRequest sets the callback invoked when the viewer's decoder
// asks for a refresh (PLI or FIR over RTCP).
func (c *Connection) OnKeyframeRequest(fn func()) { c.onKeyframe = fn }

// AddVideoTrack attaches the outbound H.264 track and starts the RTCP
// feedback reader on its sender.
func (c *Connection) AddVideoTrack() error {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeH264,
		ClockRate: 90000,
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;" +
			"profile-level-id=42e01f",
	}, "video", "camera")
	if err != nil {
		return err
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	c.track = track
	c.sender = sender
	go c.readFeedback(sender)
	return nil
}

// readFeedback drains RTCP from the sender. Keyframe demands from the
// viewer are surfaced through OnKeyframeRequest; everything else is
// discarded, which also keeps the interceptor chain fed.
func (c *Connection) readFeedback(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("rtcp read ended")
			}
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if c.onKeyframe != nil {
					c.onKeyframe()
				}
			}
		}
	}
}

// CreateOffer sets up callbacks, creates the local offer and applies it.
// Gathering is not awaited; candidates trickle via OnICECandidate.
func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("sid", string(c.sid)).
			Str("peer_connection_state", s.String()).Msg("peer state")
		if c.onState != nil {
			c.onState(s)
		}
	})

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

// ApplyAnswer installs the client's SDP answer.
func (c *Connection) ApplyAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// RemoteDescriptionSet reports whether the answer has been applied yet;
// candidates arriving earlier must be queued by the caller.
func (c *Connection) RemoteDescriptionSet() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// WriteRTP forwards one packet to the viewer, timestamps and sequencing
// untouched.
func (c *Connection) WriteRTP(pkt *rtp.Packet) error {
	if c.track == nil {
		return errors.New("no track attached")
	}
	return c.track.WriteRTP(pkt)
}

// Close tears the peer connection down. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("sid", string(c.sid)).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("sid", string(c.sid)).Msg("closed")
		}
	})
}

// Done is closed once Close has run.
func (c *Connection) Done() <-chan struct{} { return c.done }
