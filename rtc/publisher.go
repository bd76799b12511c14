package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/sfu"
)

var ErrPublisherClosed = errors.New("rtc: publisher closed")

// DefaultDebounce is the coalescing window for renegotiation triggers.
const DefaultDebounce = 250 * time.Millisecond

// PublisherRPC is what the publisher needs from the SFU signaling
// client.
type PublisherRPC interface {
	SetPublisher(ctx context.Context, sdp string, tracks []domain.TrackInfo) (string, error)
	IceTrickle(ctx context.Context, candidate string, kind sfu.PeerKind) error
}

// LocalTrack describes a published local track. Media acquisition is an
// external concern; the engine only needs identity, kind and the source
// resolution for layer selection.
type LocalTrack struct {
	ID     string
	Type   domain.TrackType
	MID    string
	Width  int
	Height int
}

// Publisher owns the outbound peer connection of a call. Renegotiation
// triggers are debounced and serialized: only one offer/answer exchange
// is in flight per connection, triggers arriving meanwhile set a dirty
// flag and re-run once after completion.
type Publisher struct {
	pc      PeerConnection
	rpc     PublisherRPC
	trickle *sfu.IceTrickleBuffer

	debounce time.Duration
	// onError receives failures of timer-triggered negotiations, which
	// have no caller to reject to.
	onError func(error)

	mu          sync.Mutex
	tracks      []LocalTrack
	inactive    map[domain.TrackType]map[string]bool
	negotiating bool
	dirty       bool
	timer       *time.Timer
	subscribed  bool
	closed      bool
}

type PublisherOptions struct {
	PC       PeerConnection
	RPC      PublisherRPC
	Trickle  *sfu.IceTrickleBuffer
	Debounce time.Duration
	OnError  func(error)
}

func NewPublisher(opts PublisherOptions) *Publisher {
	p := &Publisher{
		pc:       opts.PC,
		rpc:      opts.RPC,
		trickle:  opts.Trickle,
		debounce: opts.Debounce,
		onError:  opts.OnError,
		inactive: make(map[domain.TrackType]map[string]bool),
	}
	if p.debounce <= 0 {
		p.debounce = DefaultDebounce
	}

	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End of gathering, a normal terminal event.
			log.Debug().Str("module", "rtc.publisher").Msg("ice gathering complete")
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error().Err(err).Str("module", "rtc.publisher").Msg("encode ice candidate")
			return
		}
		if err := p.rpc.IceTrickle(context.Background(), string(data), sfu.PeerKindPublisher); err != nil {
			log.Warn().Err(err).Str("module", "rtc.publisher").Msg("ice trickle failed")
		}
	})
	p.pc.OnNegotiationNeeded(func() { p.scheduleNegotiation() })
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc.publisher").Str("state", s.String()).Msg("peer state")
	})
	return p
}

// Publish announces a local track and triggers renegotiation.
func (p *Publisher) Publish(t LocalTrack) {
	p.mu.Lock()
	p.tracks = append(p.tracks, t)
	p.mu.Unlock()
	p.scheduleNegotiation()
}

// Unpublish removes a track by id and triggers renegotiation.
func (p *Publisher) Unpublish(trackID string) {
	p.mu.Lock()
	kept := p.tracks[:0]
	for _, t := range p.tracks {
		if t.ID != trackID {
			kept = append(kept, t)
		}
	}
	p.tracks = kept
	p.mu.Unlock()
	p.scheduleNegotiation()
}

// ApplyQualityChange records the layer activations requested by the SFU
// and renegotiates so the updated track descriptors are announced.
func (p *Publisher) ApplyQualityChange(q *sfu.ChangePublishQuality) {
	p.mu.Lock()
	for _, sender := range q.VideoSenders {
		off := p.inactive[sender.TrackType]
		if off == nil {
			off = make(map[string]bool)
			p.inactive[sender.TrackType] = off
		}
		for _, layer := range sender.Layers {
			off[layer.RID] = !layer.Active
		}
	}
	p.mu.Unlock()
	p.scheduleNegotiation()
}

// scheduleNegotiation coalesces triggers: while an exchange is in
// flight only the dirty flag is set; otherwise a debounce timer arms
// (or stays armed) and fires one negotiation.
func (p *Publisher) scheduleNegotiation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.negotiating {
		p.dirty = true
		return
	}
	if p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		if err := p.Negotiate(context.Background()); err != nil && !errors.Is(err, ErrPublisherClosed) {
			log.Error().Err(err).Str("module", "rtc.publisher").Msg("negotiation failed")
			if p.onError != nil {
				p.onError(err)
			}
		}
	})
}

// Negotiate runs one offer/answer exchange with the SFU and waits for
// it. On failure the peer connection is left in its last stable state.
// Callers that add tracks normally rely on the debounced trigger;
// Negotiate exists for flows that need to await the exchange.
func (p *Publisher) Negotiate(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	if p.negotiating {
		// Someone else is mid-exchange; make them go again.
		p.dirty = true
		p.mu.Unlock()
		return nil
	}
	p.negotiating = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	err := p.exchange(ctx)

	p.mu.Lock()
	p.negotiating = false
	rerun := p.dirty && !p.closed
	p.dirty = false
	p.mu.Unlock()

	if rerun {
		p.scheduleNegotiation()
	}
	return err
}

func (p *Publisher) exchange(ctx context.Context) error {
	offer, err := p.pc.CreateOffer()
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	answer, err := p.rpc.SetPublisher(ctx, offer.SDP, p.trackInfos())
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return err
	}

	// Remote candidates may have been trickling in since before the
	// first exchange; replay the backlog exactly once, then stay
	// subscribed for direct delivery.
	p.mu.Lock()
	first := !p.subscribed
	p.subscribed = true
	p.mu.Unlock()
	if first {
		p.trickle.OnCandidate(sfu.PeerKindPublisher, p.applyRemoteCandidate)
	}
	return nil
}

// applyRemoteCandidate adds one buffered/trickled candidate. Failures
// are logged and swallowed: a single bad candidate must not abort the
// session or block the rest of the buffer.
func (p *Publisher) applyRemoteCandidate(candidate string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		log.Warn().Err(err).Str("module", "rtc.publisher").Msg("bad remote ice candidate")
		return
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		log.Warn().Err(err).Str("module", "rtc.publisher").Msg("apply remote ice candidate")
	}
}

// trackInfos builds the descriptors announced in set_publisher,
// including the simulcast layers for each video track.
func (p *Publisher) trackInfos() []domain.TrackInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]domain.TrackInfo, 0, len(p.tracks))
	for _, t := range p.tracks {
		var layers []domain.VideoLayer
		switch t.Type {
		case domain.TrackTypeVideo:
			layers = FindOptimalVideoLayers(t.Width, t.Height)
		case domain.TrackTypeScreenShare:
			layers = FindScreenShareLayers(t.Width, t.Height)
		}
		if off := p.inactive[t.Type]; off != nil {
			for i := range layers {
				if off[layers[i].RID] {
					layers[i].Active = false
				}
			}
		}
		infos = append(infos, domain.TrackInfo{
			TrackID:   t.ID,
			TrackType: t.Type,
			MID:       t.MID,
			Layers:    layers,
		})
	}
	return infos
}

// Tracks returns a snapshot of the announced tracks.
func (p *Publisher) Tracks() []LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LocalTrack(nil), p.tracks...)
}

// Close stops pending timers and releases the peer connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.pc.Close()
}
