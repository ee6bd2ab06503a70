// Package signal implements the per-viewer signaling session: the WebSocket
// transport, the JSON wire protocol and the offer/answer/ICE state machine.
package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Wire message types. One JSON object per WebSocket text frame; ordering
// within a connection is the transport's ordering.
const (
	TypeHello     = "hello"
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeBye       = "bye"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeError     = "error"
)

// Message is the signaling envelope, a tagged union over Type.
type Message struct {
	Type          string  `json:"type"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Message       string  `json:"message,omitempty"`
}

func (m Message) encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

// candidateInit converts a candidate message into pion's form.
func (m Message) candidateInit() webrtc.ICECandidateInit {
	ci := webrtc.ICECandidateInit{Candidate: m.Candidate}
	ci.SDPMid = m.SDPMid
	ci.SDPMLineIndex = m.SDPMLineIndex
	return ci
}

func offerMessage(sdp string) Message {
	return Message{Type: TypeOffer, SDP: sdp}
}

func candidateMessage(ci webrtc.ICECandidateInit) Message {
	return Message{
		Type:          TypeCandidate,
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func errorMessage(text string) Message {
	return Message{Type: TypeError, Message: text}
}
