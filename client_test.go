package video

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Video/config"
	"github.com/dkeye/Video/coordinator"
	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/rtc"
	"github.com/dkeye/Video/sfu"
)

// fakeCoordinator answers control-plane calls with canned data and
// records every request for assertions.
type fakeCoordinator struct {
	mu       sync.Mutex
	me       domain.User
	queries  []coordinator.QueryCallsRequest
	gets     []domain.CID
	getErr   error
	accepted []domain.CID
	rejected []domain.CID
	closed   bool
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{me: domain.User{ID: "alice", Name: "Alice"}}
}

func (f *fakeCoordinator) envelope(cid domain.CID) *coordinator.CallEnvelope {
	callType, id, _ := cid.Parse()
	return &coordinator.CallEnvelope{
		Call: domain.CallMeta{
			CID:       cid,
			Type:      callType,
			ID:        id,
			CreatedBy: domain.User{ID: "bob"},
			UpdatedAt: time.Now(),
		},
		Members: []domain.Member{{UserID: "alice"}, {UserID: "bob"}},
	}
}

func (f *fakeCoordinator) QueryCalls(_ context.Context, req coordinator.QueryCallsRequest) (*coordinator.QueryCallsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, req)

	var resp coordinator.QueryCallsResponse
	if filter, ok := req.FilterConditions["cid"].(map[string]any); ok {
		if in, ok := filter["$in"].([]string); ok {
			for _, cid := range in {
				resp.Calls = append(resp.Calls, *f.envelope(domain.CID(cid)))
			}
		}
	}
	return &resp, nil
}

func (f *fakeCoordinator) GetCall(_ context.Context, cid domain.CID, _ bool) (*coordinator.CallEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.gets = append(f.gets, cid)
	return f.envelope(cid), nil
}

func (f *fakeCoordinator) CreateCall(_ context.Context, cid domain.CID, _ []domain.UserID, _ bool, _ map[string]any) (*coordinator.CallEnvelope, error) {
	env := f.envelope(cid)
	env.Call.CreatedBy = f.me
	return env, nil
}

func (f *fakeCoordinator) AcceptCall(_ context.Context, cid domain.CID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, cid)
	return nil
}

func (f *fakeCoordinator) RejectCall(_ context.Context, cid domain.CID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, cid)
	return nil
}

func (f *fakeCoordinator) CreateGuest(_ context.Context, user domain.User) (*coordinator.GuestSession, error) {
	user.ID = "guest-" + user.ID
	return &coordinator.GuestSession{User: user, AccessToken: "guest-token"}, nil
}

func (f *fakeCoordinator) AddDevice(context.Context, domain.Device) error { return nil }

func (f *fakeCoordinator) AddVoipDevice(context.Context, domain.Device) error { return nil }
func (f *fakeCoordinator) ListDevices(context.Context) ([]domain.Device, error) {
	return nil, nil
}
func (f *fakeCoordinator) RemoveDevice(context.Context, string) error { return nil }

func (f *fakeCoordinator) Me() domain.User { return f.me }

func (f *fakeCoordinator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeSFU stands in for one signaling session.
type fakeSFU struct {
	mu        sync.Mutex
	sessionID domain.SessionID
	joined    []domain.CID
	published [][]domain.TrackInfo
	left      bool
	closed    bool
	trickle   *sfu.IceTrickleBuffer
}

func (f *fakeSFU) Join(_ context.Context, cid domain.CID, _ domain.UserID) (*sfu.JoinResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, cid)
	return &sfu.JoinResponse{Participants: []domain.Participant{
		{SessionID: f.sessionID, UserID: "alice", Name: "Alice"},
		{SessionID: "remote-1", UserID: "bob", Name: "Bob"},
	}}, nil
}

func (f *fakeSFU) SetPublisher(_ context.Context, _ string, tracks []domain.TrackInfo) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, tracks)
	return "answer-sdp", nil
}

func (f *fakeSFU) SetSubscriber(context.Context, string) error { return nil }
func (f *fakeSFU) IceTrickle(context.Context, string, sfu.PeerKind) error {
	return nil
}
func (f *fakeSFU) UpdateSubscriptions(context.Context, []sfu.TrackSubscription) error {
	return nil
}

func (f *fakeSFU) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = true
	return nil
}

func (f *fakeSFU) TrickleBuffer() *sfu.IceTrickleBuffer { return f.trickle }

func (f *fakeSFU) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakePC satisfies rtc.PeerConnection without any real transport.
type fakePC struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakePC) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (f *fakePC) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (f *fakePC) AddICECandidate(webrtc.ICECandidateInit) error        { return nil }

func (f *fakePC) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (f *fakePC) OnNegotiationNeeded(func()) {}

func (f *fakePC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakePC) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type testEnv struct {
	client *Client
	coord  *fakeCoordinator

	mu       sync.Mutex
	sessions []*fakeSFU
}

func (e *testEnv) lastSFU() *fakeSFU {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		CoordinatorURL: "ws://coordinator.test/connect",
		SfuURL:         "ws://sfu.test/signal",
		APIKey:         "key-123",
		Debounce:       10 * time.Millisecond,
		RPCTimeout:     time.Second,
		WriteDeadline:  time.Second,
		Backoff:        5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{coord: newFakeCoordinator()}
	env.client = New(testConfig())
	env.client.connectCoordinator = func(context.Context, coordinator.Options) (coordinatorClient, error) {
		return env.coord, nil
	}
	env.client.dialSFU = func(_ context.Context, opts sfu.Options) (sfuSession, error) {
		fs := &fakeSFU{sessionID: opts.SessionID, trickle: sfu.NewIceTrickleBuffer()}
		env.mu.Lock()
		env.sessions = append(env.sessions, fs)
		env.mu.Unlock()
		return fs, nil
	}
	env.client.newPeer = func(webrtc.Configuration) (rtc.PeerConnection, error) {
		return &fakePC{}, nil
	}
	return env
}

func connectAlice(t *testing.T, env *testEnv) {
	t.Helper()
	require.NoError(t, env.client.ConnectUser(context.Background(),
		domain.User{ID: "alice", Name: "Alice"}, "token"))
}

func TestConnectUserPopulatesStore(t *testing.T) {
	env := newTestEnv(t)
	connectAlice(t, env)

	me := env.client.Store().ConnectedUser()
	require.NotNil(t, me)
	assert.Equal(t, domain.UserID("alice"), me.ID)

	require.ErrorIs(t, env.client.ConnectUser(context.Background(),
		domain.User{ID: "alice"}, "token"), ErrAlreadyConnected)
}

func TestAnonymousConnectUsesFixedID(t *testing.T) {
	env := newTestEnv(t)
	var gotUser domain.User
	env.client.connectCoordinator = func(_ context.Context, opts coordinator.Options) (coordinatorClient, error) {
		gotUser = opts.User
		env.coord.me = opts.User
		return env.coord, nil
	}

	require.NoError(t, env.client.ConnectUser(context.Background(),
		domain.User{ID: "whoever", Type: domain.UserTypeAnonymous}, "token"))
	assert.Equal(t, domain.UserID(domain.AnonymousUserID), gotUser.ID)
}

func TestGuestConnectProvisionsThenAuthenticates(t *testing.T) {
	env := newTestEnv(t)
	var connects []coordinator.Options
	env.client.connectCoordinator = func(_ context.Context, opts coordinator.Options) (coordinatorClient, error) {
		connects = append(connects, opts)
		return env.coord, nil
	}

	require.NoError(t, env.client.ConnectUser(context.Background(),
		domain.User{ID: "carol", Type: domain.UserTypeGuest}, ""))

	// First a throwaway anonymous connection to provision the guest,
	// then the real one with the issued token.
	require.Len(t, connects, 2)
	assert.Equal(t, domain.UserID(domain.AnonymousUserID), connects[0].User.ID)
	assert.True(t, connects[0].DisableReconnect)
	assert.Equal(t, domain.UserID("guest-carol"), connects[1].User.ID)
	assert.Equal(t, "guest-token", connects[1].Token)
}

func TestDisconnectWaitsForInFlightConnect(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.client.connectCoordinator = func(context.Context, coordinator.Options) (coordinatorClient, error) {
		<-gate
		return env.coord, nil
	}

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- env.client.ConnectUser(context.Background(), domain.User{ID: "alice"}, "token")
	}()

	disconnectDone := make(chan error, 1)
	go func() {
		// Give the connect a moment to take the operation slot.
		time.Sleep(20 * time.Millisecond)
		disconnectDone <- env.client.DisconnectUser(context.Background())
	}()

	select {
	case <-disconnectDone:
		t.Fatal("disconnect completed while connect was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-connectDone)
	require.NoError(t, <-disconnectDone)

	assert.True(t, env.coord.closed)
	assert.Nil(t, env.client.Store().ConnectedUser())
}

func TestDisconnectWithoutConnect(t *testing.T) {
	env := newTestEnv(t)
	require.ErrorIs(t, env.client.DisconnectUser(context.Background()), ErrNotConnected)
}

func TestOwnCallCreatedEchoDropped(t *testing.T) {
	env := newTestEnv(t)
	connectAlice(t, env)

	env.client.dispatcher.Dispatch(&coordinator.CallCreated{
		Call: domain.CallMeta{CID: "default:mine", CreatedBy: domain.User{ID: "alice"}},
	})

	_, found := env.client.Store().FindCall("default:mine")
	assert.False(t, found)
	assert.Empty(t, env.client.Store().PendingCalls())
}

func TestForeignCallCreatedTracked(t *testing.T) {
	env := newTestEnv(t)
	connectAlice(t, env)

	env.client.dispatcher.Dispatch(&coordinator.CallCreated{
		Call: domain.CallMeta{CID: "default:incoming", CreatedBy: domain.User{ID: "bob"}},
	})

	reg, found := env.client.Store().FindCall("default:incoming")
	require.True(t, found)
	assert.True(t, reg.Watching())
	require.Len(t, env.client.Store().IncomingCalls(), 1)
}

func TestReconnectRewatchesInOneSortedBatch(t *testing.T) {
	env := newTestEnv(t)
	connectAlice(t, env)

	// Register watched calls in reverse cid order.
	env.client.trackCall(domain.CallMeta{CID: "default:zebra"}, nil, true)
	env.client.trackCall(domain.CallMeta{CID: "default:apple"}, nil, true)
	// An unwatched call must not be part of the batch.
	env.client.Store().RegisterCall(env.client.NewCall("default", "idle-only"))

	env.client.dispatcher.Dispatch(&coordinator.ConnectionChanged{Online: true})

	require.Eventually(t, func() bool {
		env.coord.mu.Lock()
		defer env.coord.mu.Unlock()
		return len(env.coord.queries) == 1
	}, time.Second, 5*time.Millisecond)

	env.coord.mu.Lock()
	defer env.coord.mu.Unlock()
	q := env.coord.queries[0]
	assert.True(t, q.Watch)
	require.Len(t, q.Sort, 1)
	assert.Equal(t, "cid", q.Sort[0].Field)
	assert.Equal(t, coordinator.SortAscending, q.Sort[0].Direction)

	filter := q.FilterConditions["cid"].(map[string]any)
	assert.Equal(t, []string{"default:apple", "default:zebra"}, filter["$in"])
}

func TestOfflineTransitionDoesNotQuery(t *testing.T) {
	env := newTestEnv(t)
	connectAlice(t, env)
	env.client.trackCall(domain.CallMeta{CID: "default:watched"}, nil, true)

	env.client.dispatcher.Dispatch(&coordinator.ConnectionChanged{Online: false})

	time.Sleep(50 * time.Millisecond)
	env.coord.mu.Lock()
	defer env.coord.mu.Unlock()
	assert.Empty(t, env.coord.queries)
}
