package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/sfu"
)

var ErrSubscriberClosed = errors.New("rtc: subscriber closed")

// SubscriberRPC is what the subscriber needs from the SFU signaling
// client.
type SubscriberRPC interface {
	SetSubscriber(ctx context.Context, sdp string) error
	IceTrickle(ctx context.Context, candidate string, kind sfu.PeerKind) error
}

// TrackBinding maps a remote track to the participant and kind it
// belongs to.
type TrackBinding struct {
	SessionID domain.SessionID
	TrackType domain.TrackType
}

// TrackLookup resolves incoming remote tracks to participants. The SFU
// announces bindings out of band (track_published events) before or
// while the media arrives; stream ids of the form "<session>:<kind>"
// serve as a fallback.
type TrackLookup struct {
	mu      sync.Mutex
	byTrack map[string]TrackBinding
}

func NewTrackLookup() *TrackLookup {
	return &TrackLookup{byTrack: make(map[string]TrackBinding)}
}

func (l *TrackLookup) Register(trackID string, b TrackBinding) {
	l.mu.Lock()
	l.byTrack[trackID] = b
	l.mu.Unlock()
}

func (l *TrackLookup) Unregister(trackID string) {
	l.mu.Lock()
	delete(l.byTrack, trackID)
	l.mu.Unlock()
}

func (l *TrackLookup) Resolve(trackID, streamID string) (TrackBinding, bool) {
	l.mu.Lock()
	b, ok := l.byTrack[trackID]
	l.mu.Unlock()
	if ok {
		return b, true
	}
	session, kind, found := strings.Cut(streamID, ":")
	if !found || session == "" {
		return TrackBinding{}, false
	}
	return TrackBinding{
		SessionID: domain.SessionID(session),
		TrackType: domain.TrackType(kind),
	}, true
}

// OnRemoteTrack receives each remote track once it is resolved to a
// participant.
type OnRemoteTrack func(domain.SessionID, domain.TrackType, *webrtc.TrackRemote)

// Subscriber owns the inbound peer connection. The SFU drives its
// negotiations: every subscriber_offer event is answered here. Offers
// are handled one at a time.
type Subscriber struct {
	pc      PeerConnection
	rpc     SubscriberRPC
	trickle *sfu.IceTrickleBuffer
	lookup  *TrackLookup
	onTrack OnRemoteTrack

	// negMu serializes offer/answer exchanges on this connection.
	negMu sync.Mutex

	mu         sync.Mutex
	subscribed bool
	closed     bool
}

type SubscriberOptions struct {
	PC      PeerConnection
	RPC     SubscriberRPC
	Trickle *sfu.IceTrickleBuffer
	Lookup  *TrackLookup
	OnTrack OnRemoteTrack
}

func NewSubscriber(opts SubscriberOptions) *Subscriber {
	s := &Subscriber{
		pc:      opts.PC,
		rpc:     opts.RPC,
		trickle: opts.Trickle,
		lookup:  opts.Lookup,
		onTrack: opts.OnTrack,
	}
	if s.lookup == nil {
		s.lookup = NewTrackLookup()
	}

	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			log.Debug().Str("module", "rtc.subscriber").Msg("ice gathering complete")
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc.subscriber").Msg("encode ice candidate")
			return
		}
		if err := s.rpc.IceTrickle(context.Background(), string(data), sfu.PeerKindSubscriber); err != nil {
			log.Warn().Err(err).Str("module", "rtc.subscriber").Msg("ice trickle failed")
		}
	})
	s.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		b, ok := s.lookup.Resolve(t.ID(), t.StreamID())
		if !ok {
			log.Warn().Str("module", "rtc.subscriber").
				Str("track_id", t.ID()).Str("stream_id", t.StreamID()).
				Msg("remote track with no binding, dropped")
			return
		}
		if s.onTrack != nil {
			s.onTrack(b.SessionID, b.TrackType, t)
		}
	})
	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc.subscriber").Str("state", st.String()).Msg("peer state")
	})
	return s
}

// Lookup exposes the track binding table so call event handlers can
// register bindings from track_published events.
func (s *Subscriber) Lookup() *TrackLookup { return s.lookup }

// HandleOffer answers one SFU-initiated offer: apply the remote offer,
// create and set the local answer, send it back over signaling, then
// subscribe for remote candidates (replaying anything buffered during
// the exchange). Concurrent offers are handled one at a time.
func (s *Subscriber) HandleOffer(ctx context.Context, sdp string) error {
	s.negMu.Lock()
	defer s.negMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSubscriberClosed
	}
	s.mu.Unlock()

	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer()
	if err != nil {
		return err
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	if err := s.rpc.SetSubscriber(ctx, answer.SDP); err != nil {
		return err
	}

	s.mu.Lock()
	first := !s.subscribed
	s.subscribed = true
	s.mu.Unlock()
	if first {
		s.trickle.OnCandidate(sfu.PeerKindSubscriber, s.applyRemoteCandidate)
	}
	return nil
}

func (s *Subscriber) applyRemoteCandidate(candidate string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		log.Warn().Err(err).Str("module", "rtc.subscriber").Msg("bad remote ice candidate")
		return
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		log.Warn().Err(err).Str("module", "rtc.subscriber").Msg("apply remote ice candidate")
	}
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}
