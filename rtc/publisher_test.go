package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/sfu"
)

type fakePeer struct {
	mu          sync.Mutex
	local       []webrtc.SessionDescription
	remote      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	addCandErr  error
	offerErr    error
	closed      bool
	onCandidate func(*webrtc.ICECandidate)
	onNegotiate func()
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (f *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = append(f.local, d)
	return nil
}

func (f *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = append(f.remote, d)
	return nil
}

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addCandErr != nil {
		return f.addCandErr
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidate)) { f.onCandidate = fn }
func (f *fakePeer) OnNegotiationNeeded(fn func())                { f.onNegotiate = fn }
func (f *fakePeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}
func (f *fakePeer) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePeer) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remote)
}

func (f *fakePeer) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

type fakeRPC struct {
	mu        sync.Mutex
	exchanges []fakeExchange
	trickled  []string
	busy      atomic.Int32
	overlap   atomic.Bool
	delay     time.Duration
	pubErr    error
	subSDPs   []string
}

type fakeExchange struct {
	sdp    string
	tracks []domain.TrackInfo
}

func (r *fakeRPC) SetPublisher(_ context.Context, sdp string, tracks []domain.TrackInfo) (string, error) {
	if r.busy.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer r.busy.Add(-1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubErr != nil {
		return "", r.pubErr
	}
	r.exchanges = append(r.exchanges, fakeExchange{sdp: sdp, tracks: tracks})
	return "answer-sdp", nil
}

func (r *fakeRPC) SetSubscriber(_ context.Context, sdp string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subSDPs = append(r.subSDPs, sdp)
	return nil
}

func (r *fakeRPC) IceTrickle(_ context.Context, candidate string, _ sfu.PeerKind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trickled = append(r.trickled, candidate)
	return nil
}

func (r *fakeRPC) exchangeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.exchanges)
}

func newTestPublisher(t *testing.T, pc *fakePeer, rpc *fakeRPC, debounce time.Duration) *Publisher {
	t.Helper()
	p := NewPublisher(PublisherOptions{
		PC:       pc,
		RPC:      rpc,
		Trickle:  sfu.NewIceTrickleBuffer(),
		Debounce: debounce,
	})
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNegotiateAnnouncesTrackLayers(t *testing.T) {
	pc := &fakePeer{}
	rpc := &fakeRPC{}
	p := newTestPublisher(t, pc, rpc, 10*time.Millisecond)

	p.Publish(LocalTrack{ID: "cam", Type: domain.TrackTypeVideo, MID: "0", Width: 1280, Height: 720})
	require.Eventually(t, func() bool { return rpc.exchangeCount() == 1 }, time.Second, 5*time.Millisecond)

	rpc.mu.Lock()
	ex := rpc.exchanges[0]
	rpc.mu.Unlock()
	assert.Equal(t, "offer-sdp", ex.sdp)
	require.Len(t, ex.tracks, 1)
	require.Len(t, ex.tracks[0].Layers, 3)
	assert.Equal(t, "f", ex.tracks[0].Layers[0].RID)
	assert.Equal(t, 1, pc.remoteCount())
	assert.Equal(t, webrtc.SDPTypeAnswer, pc.remote[0].Type)
}

func TestTriggersWhileNegotiatingCoalesceIntoOneRerun(t *testing.T) {
	pc := &fakePeer{}
	rpc := &fakeRPC{delay: 30 * time.Millisecond}
	p := newTestPublisher(t, pc, rpc, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- p.Negotiate(context.Background()) }()

	// Fire several triggers while the first exchange is still in
	// flight; they must collapse into exactly one follow-up.
	require.Eventually(t, func() bool { return rpc.busy.Load() > 0 }, time.Second, time.Millisecond)
	p.Publish(LocalTrack{ID: "mic", Type: domain.TrackTypeAudio})
	p.Publish(LocalTrack{ID: "screen", Type: domain.TrackTypeScreenShare, Width: 1920, Height: 1080})
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return rpc.exchangeCount() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, rpc.exchangeCount())
	assert.False(t, rpc.overlap.Load(), "exchanges must not overlap")

	rpc.mu.Lock()
	last := rpc.exchanges[1]
	rpc.mu.Unlock()
	assert.Len(t, last.tracks, 2)
}

func TestDebounceCollapsesBurstOfPublishes(t *testing.T) {
	pc := &fakePeer{}
	rpc := &fakeRPC{}
	p := newTestPublisher(t, pc, rpc, 10*time.Millisecond)

	p.Publish(LocalTrack{ID: "cam", Type: domain.TrackTypeVideo, Width: 640, Height: 480})
	p.Publish(LocalTrack{ID: "mic", Type: domain.TrackTypeAudio})

	require.Eventually(t, func() bool { return rpc.exchangeCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rpc.exchangeCount())

	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	assert.Len(t, rpc.exchanges[0].tracks, 2)
}

func TestBufferedCandidatesReplayAfterFirstExchange(t *testing.T) {
	pc := &fakePeer{}
	rpc := &fakeRPC{}
	buf := sfu.NewIceTrickleBuffer()
	p := NewPublisher(PublisherOptions{PC: pc, RPC: rpc, Trickle: buf, Debounce: 10 * time.Millisecond})
	defer p.Close()

	buf.Push(sfu.PeerKindPublisher, `{"candidate":"a"}`)
	buf.Push(sfu.PeerKindPublisher, `{"candidate":"b"}`)

	require.NoError(t, p.Negotiate(context.Background()))
	require.Equal(t, 2, pc.candidateCount())

	// After the first exchange, candidates flow straight through.
	buf.Push(sfu.PeerKindPublisher, `{"candidate":"c"}`)
	require.Equal(t, 3, pc.candidateCount())
	assert.Equal(t, "c", pc.candidates[2].Candidate)
}

func TestCandidateApplyFailureIsSwallowed(t *testing.T) {
	pc := &fakePeer{addCandErr: assert.AnError}
	rpc := &fakeRPC{}
	buf := sfu.NewIceTrickleBuffer()
	p := NewPublisher(PublisherOptions{PC: pc, RPC: rpc, Trickle: buf, Debounce: 10 * time.Millisecond})
	defer p.Close()

	buf.Push(sfu.PeerKindPublisher, `{"candidate":"bad"}`)
	require.NoError(t, p.Negotiate(context.Background()))
	buf.Push(sfu.PeerKindPublisher, `not json either`)
	assert.Equal(t, 0, pc.candidateCount())
}

func TestExchangeFailureLeavesConnectionStable(t *testing.T) {
	pc := &fakePeer{}
	rpc := &fakeRPC{pubErr: assert.AnError}
	// Long debounce keeps the timer out of the way so the direct
	// Negotiate calls own both exchanges.
	p := newTestPublisher(t, pc, rpc, time.Minute)

	p.Publish(LocalTrack{ID: "cam", Type: domain.TrackTypeVideo, Width: 640, Height: 480})
	err := p.Negotiate(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 0, pc.remoteCount())

	// The engine recovers: the next trigger negotiates again.
	rpc.mu.Lock()
	rpc.pubErr = nil
	rpc.mu.Unlock()
	require.NoError(t, p.Negotiate(context.Background()))
	assert.Equal(t, 1, pc.remoteCount())
}

func TestQualityChangeDeactivatesLayers(t *testing.T) {
	pc := &fakePeer{}
	rpc := &fakeRPC{}
	p := newTestPublisher(t, pc, rpc, 10*time.Millisecond)

	p.Publish(LocalTrack{ID: "cam", Type: domain.TrackTypeVideo, Width: 1280, Height: 720})
	require.Eventually(t, func() bool { return rpc.exchangeCount() == 1 }, time.Second, 5*time.Millisecond)

	p.ApplyQualityChange(&sfu.ChangePublishQuality{
		VideoSenders: []sfu.PublishQuality{{
			TrackType: domain.TrackTypeVideo,
			Layers: []sfu.LayerQuality{
				{RID: "f", Active: false},
				{RID: "h", Active: true},
			},
		}},
	})

	require.Eventually(t, func() bool { return rpc.exchangeCount() == 2 }, time.Second, 5*time.Millisecond)
	rpc.mu.Lock()
	layers := rpc.exchanges[1].tracks[0].Layers
	rpc.mu.Unlock()
	require.Len(t, layers, 3)
	assert.False(t, layers[0].Active)
	assert.True(t, layers[1].Active)
	assert.True(t, layers[2].Active)
}

func TestNegotiateAfterCloseFails(t *testing.T) {
	pc := &fakePeer{}
	rpc := &fakeRPC{}
	p := newTestPublisher(t, pc, rpc, 10*time.Millisecond)

	require.NoError(t, p.Close())
	require.ErrorIs(t, p.Negotiate(context.Background()), ErrPublisherClosed)
	assert.True(t, pc.closed)
}
