// Package rtc owns the two peer-connection roles of a call: the
// publisher (outbound media) and the subscriber (inbound media). The
// peer-connection primitive itself is an external capability; the
// engines depend only on the PeerConnection interface below, with a
// pion-backed implementation as the default.
package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// PeerConnection is the capability boundary towards the underlying
// WebRTC implementation: SDP offer/answer generation, description
// setting, ICE candidate ingestion and emission, and state events.
// Codec, encryption and transport internals stay behind it.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	OnICECandidate(func(*webrtc.ICECandidate))
	OnNegotiationNeeded(func())
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))

	Close() error
}

// PeerFactory creates peer connections; the call controller uses it so
// tests can substitute fakes.
type PeerFactory func(cfg webrtc.Configuration) (PeerConnection, error)

func DefaultConfig(stunServers []string) webrtc.Configuration {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	}
}

// pionPeer adapts *webrtc.PeerConnection to the PeerConnection boundary.
type pionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer creates the default pion-backed peer connection.
func NewPionPeer(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	p := &pionPeer{pc: pc}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("ice_state", s.String()).Msg("ICE state")
	})
	return p, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *pionPeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

func (p *pionPeer) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(ci)
}

func (p *pionPeer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

func (p *pionPeer) OnNegotiationNeeded(fn func()) {
	p.pc.OnNegotiationNeeded(fn)
}

func (p *pionPeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.pc.OnTrack(fn)
}

func (p *pionPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
