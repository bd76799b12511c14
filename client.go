package video

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Video/config"
	"github.com/dkeye/Video/coordinator"
	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/events"
	"github.com/dkeye/Video/rtc"
	"github.com/dkeye/Video/sfu"
	"github.com/dkeye/Video/store"
)

var (
	ErrAlreadyConnected = errors.New("video: user already connected")
	ErrNotConnected     = errors.New("video: no user connected")
)

// coordinatorClient is the control-plane surface the client uses.
// *coordinator.Client implements it; tests substitute a fake.
type coordinatorClient interface {
	QueryCalls(ctx context.Context, req coordinator.QueryCallsRequest) (*coordinator.QueryCallsResponse, error)
	GetCall(ctx context.Context, cid domain.CID, watch bool) (*coordinator.CallEnvelope, error)
	CreateCall(ctx context.Context, cid domain.CID, members []domain.UserID, ring bool, custom map[string]any) (*coordinator.CallEnvelope, error)
	AcceptCall(ctx context.Context, cid domain.CID) error
	RejectCall(ctx context.Context, cid domain.CID) error
	CreateGuest(ctx context.Context, user domain.User) (*coordinator.GuestSession, error)
	AddDevice(ctx context.Context, d domain.Device) error
	AddVoipDevice(ctx context.Context, d domain.Device) error
	ListDevices(ctx context.Context) ([]domain.Device, error)
	RemoveDevice(ctx context.Context, id string) error
	Me() domain.User
	Close() error
}

type coordinatorConnect func(ctx context.Context, opts coordinator.Options) (coordinatorClient, error)

// sfuSession is the signaling surface of one joined call.
// *sfu.Client implements it; tests substitute a fake.
type sfuSession interface {
	Join(ctx context.Context, cid domain.CID, userID domain.UserID) (*sfu.JoinResponse, error)
	SetPublisher(ctx context.Context, sdp string, tracks []domain.TrackInfo) (string, error)
	SetSubscriber(ctx context.Context, sdp string) error
	IceTrickle(ctx context.Context, candidate string, kind sfu.PeerKind) error
	UpdateSubscriptions(ctx context.Context, subs []sfu.TrackSubscription) error
	Leave(ctx context.Context) error
	TrickleBuffer() *sfu.IceTrickleBuffer
	Close() error
}

type sfuDial func(ctx context.Context, opts sfu.Options) (sfuSession, error)

// Client is the entry point of the SDK: one connected user, the calls
// they watch, and at most one active (joined) call at a time.
type Client struct {
	cfg        *config.Config
	dispatcher *events.Dispatcher
	store      *store.Store

	connectCoordinator coordinatorConnect
	dialSFU            sfuDial
	newPeer            rtc.PeerFactory

	// opMu serializes connect and disconnect: a disconnect requested
	// while a connect is in flight runs after the connect settles, and
	// vice versa.
	opMu sync.Mutex

	mu     sync.Mutex
	coord  coordinatorClient
	unsubs []func()
}

func New(cfg *config.Config) *Client {
	return &Client{
		cfg:        cfg,
		dispatcher: events.NewDispatcher(),
		store:      store.New(),
		connectCoordinator: func(ctx context.Context, opts coordinator.Options) (coordinatorClient, error) {
			return coordinator.Connect(ctx, opts)
		},
		dialSFU: func(ctx context.Context, opts sfu.Options) (sfuSession, error) {
			return sfu.Dial(ctx, opts)
		},
		newPeer: rtc.NewPionPeer,
	}
}

// Store exposes the reactive call state for UI layers.
func (c *Client) Store() *store.Store { return c.store }

// On registers a watcher for a pushed event type ("all" for every
// event) and returns its unregister func.
func (c *Client) On(eventType string, fn events.Handler) func() {
	return c.dispatcher.On(eventType, fn)
}

// ConnectUser authenticates against the coordinator and starts watching
// call events for the user. Guest users with no token are provisioned
// first through an anonymous connection; anonymous users connect with
// the fixed id domain.AnonymousUserID.
func (c *Client) ConnectUser(ctx context.Context, user domain.User, token string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	connected := c.coord != nil
	c.mu.Unlock()
	if connected {
		return ErrAlreadyConnected
	}

	switch user.Type {
	case domain.UserTypeAnonymous:
		user.ID = domain.AnonymousUserID
	case domain.UserTypeGuest:
		if token == "" {
			session, err := c.provisionGuest(ctx, user)
			if err != nil {
				return err
			}
			user = session.User
			user.Type = domain.UserTypeGuest
			token = session.AccessToken
		}
	}

	coord, err := c.connectCoordinator(ctx, c.coordinatorOptions(user, token))
	if err != nil {
		return err
	}

	me := coord.Me()
	c.store.SetConnectedUser(&me)

	c.mu.Lock()
	c.coord = coord
	c.unsubs = []func(){
		c.dispatcher.On(coordinator.EvConnectionChanged, c.handleConnectionChanged),
		c.dispatcher.On(coordinator.EvCallCreated, c.handleCallCreated),
		c.dispatcher.On(coordinator.EvCallRing, c.handleCallRing),
		c.dispatcher.On(coordinator.EvCallAccepted, c.handleCallAccepted),
		c.dispatcher.On(coordinator.EvCallUpdated, c.handleCallUpdated),
		c.dispatcher.On(coordinator.EvCallEnded, c.handleCallEnded),
		c.dispatcher.On(coordinator.EvPermissionRequest, c.handlePermissionRequest),
	}
	c.mu.Unlock()

	log.Info().Str("module", "video").Str("user_id", string(me.ID)).Msg("user connected")
	return nil
}

func (c *Client) coordinatorOptions(user domain.User, token string) coordinator.Options {
	return coordinator.Options{
		URL:           c.cfg.CoordinatorURL,
		Token:         token,
		APIKey:        c.cfg.APIKey,
		User:          user,
		Dispatcher:    c.dispatcher,
		WriteDeadline: c.cfg.WriteDeadline,
		Backoff:       c.cfg.Backoff,
		MaxBackoff:    c.cfg.MaxBackoff,
	}
}

// provisionGuest creates the guest identity server-side over a
// short-lived anonymous connection. Its events go to a throwaway
// dispatcher so the client's watchers never see the detour.
func (c *Client) provisionGuest(ctx context.Context, user domain.User) (*coordinator.GuestSession, error) {
	opts := c.coordinatorOptions(domain.User{
		ID:   domain.AnonymousUserID,
		Type: domain.UserTypeAnonymous,
	}, "")
	opts.Dispatcher = events.NewDispatcher()
	opts.DisableReconnect = true

	tmp, err := c.connectCoordinator(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer tmp.Close()
	return tmp.CreateGuest(ctx, user)
}

// DisconnectUser leaves every tracked call and closes the coordinator
// connection. It is serialized against ConnectUser.
func (c *Client) DisconnectUser(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	coord := c.coord
	unsubs := c.unsubs
	c.coord = nil
	c.unsubs = nil
	c.mu.Unlock()
	if coord == nil {
		return ErrNotConnected
	}

	for _, reg := range c.store.Calls() {
		if call, ok := reg.(*Call); ok {
			if err := call.Leave(ctx); err != nil {
				log.Warn().Err(err).Str("module", "video").
					Str("cid", string(call.CID())).Msg("leave during disconnect failed")
			}
		}
	}
	for _, unsub := range unsubs {
		unsub()
	}
	err := coord.Close()
	c.store.SetActiveCall(nil)
	c.store.SetConnectedUser(nil)
	log.Info().Str("module", "video").Msg("user disconnected")
	return err
}

// NewCall returns a call handle in state idle. Nothing is registered
// until the call is created, watched or joined.
func (c *Client) NewCall(callType, id string) *Call {
	return newCall(c, domain.CallMeta{
		CID:  domain.NewCID(callType, id),
		Type: callType,
		ID:   id,
	}, nil)
}

// QueryCalls fetches calls matching the request. With Watch set, every
// returned call is registered in the store as watched.
func (c *Client) QueryCalls(ctx context.Context, req coordinator.QueryCallsRequest) ([]*Call, error) {
	coord, err := c.coordinator()
	if err != nil {
		return nil, err
	}
	resp, err := coord.QueryCalls(ctx, req)
	if err != nil {
		return nil, err
	}
	calls := make([]*Call, 0, len(resp.Calls))
	for _, env := range resp.Calls {
		call := c.trackCall(env.Call, env.Members, req.Watch)
		calls = append(calls, call)
	}
	return calls, nil
}

func (c *Client) coordinator() (coordinatorClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coord == nil {
		return nil, ErrNotConnected
	}
	return c.coord, nil
}

// trackCall returns the registered instance for the cid, updating its
// metadata, or registers a fresh one.
func (c *Client) trackCall(meta domain.CallMeta, members []domain.Member, watch bool) *Call {
	if existing, ok := c.store.FindCall(meta.CID); ok {
		if call, ok := existing.(*Call); ok {
			call.setMeta(meta, members)
			if watch {
				call.setWatching(true)
			}
			return call
		}
	}
	call := newCall(c, meta, members)
	call.setWatching(watch)
	c.store.RegisterCall(call)
	return call
}

// ---------------------------------------------------------------------------
// Coordinator event handlers
// ---------------------------------------------------------------------------

// handleConnectionChanged re-subscribes watched calls after a
// reconnect. When the event arrives over the socket the rewatch answer
// comes back on the same connection, so the query runs off the read
// loop.
func (c *Client) handleConnectionChanged(ev events.Event) {
	change, ok := ev.(*coordinator.ConnectionChanged)
	if !ok || !change.Online {
		return
	}
	go c.rewatch()
}

// rewatch re-queries every watched call in one query_calls batch
// filtered by the watched cid set, sorted ascending, so event ordering
// resumes deterministically.
func (c *Client) rewatch() {
	coord, err := c.coordinator()
	if err != nil {
		return
	}

	var cids []string
	for _, call := range c.store.Calls() {
		if call.Watching() {
			cids = append(cids, string(call.CID()))
		}
	}
	if len(cids) == 0 {
		return
	}
	sort.Strings(cids)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
	defer cancel()
	resp, err := coord.QueryCalls(ctx, coordinator.QueryCallsRequest{
		Watch:            true,
		FilterConditions: map[string]any{"cid": map[string]any{"$in": cids}},
		Sort:             []coordinator.SortParam{{Field: "cid", Direction: coordinator.SortAscending}},
	})
	if err != nil {
		log.Error().Err(err).Str("module", "video").Msg("rewatch failed")
		return
	}
	for _, env := range resp.Calls {
		c.trackCall(env.Call, env.Members, true)
	}
	log.Info().Str("module", "video").Int("calls", len(resp.Calls)).Msg("rewatched calls")
}

// handleCallCreated tracks a call created by someone else. The
// creator's own echo is dropped.
func (c *Client) handleCallCreated(ev events.Event) {
	created, ok := ev.(*coordinator.CallCreated)
	if !ok {
		return
	}
	if me := c.store.ConnectedUser(); me != nil && created.Call.CreatedBy.ID == me.ID {
		log.Warn().Str("module", "video").Str("cid", string(created.Call.CID)).
			Msg("dropping own call.created echo")
		return
	}
	c.trackCall(created.Call, created.Members, true)
	c.store.AddPendingCall(created.Call)
}

// handleCallRing replaces any tracked instance for the cid: the stale
// instance is fully left (peer connections released, watchers
// unregistered) before the replacement is registered. There is no
// window in which both are registered. The caller's own ring echo is
// dropped so the outgoing ringing call survives.
func (c *Client) handleCallRing(ev events.Event) {
	ring, ok := ev.(*coordinator.CallRing)
	if !ok {
		return
	}
	if me := c.store.ConnectedUser(); me != nil && ring.Call.CreatedBy.ID == me.ID {
		log.Warn().Str("module", "video").Str("cid", string(ring.Call.CID)).
			Msg("dropping own call.ring echo")
		return
	}

	meta := ring.Call
	if existing, ok := c.store.FindCall(ring.Call.CID); ok {
		if stale, ok := existing.(*Call); ok {
			if meta.Custom == nil {
				meta.Custom = stale.Meta().Custom
			}
			if err := stale.Leave(context.Background()); err != nil {
				log.Warn().Err(err).Str("module", "video").
					Str("cid", string(ring.Call.CID)).Msg("leaving stale instance failed")
			}
		} else {
			c.store.UnregisterCall(ring.Call.CID)
		}
	}

	call := newCall(c, meta, ring.Members)
	call.setWatching(true)
	call.setState(domain.CallStateRinging)
	c.store.RegisterCall(call)
	c.store.AddPendingCall(meta)

	// The refresh answer comes back over the socket this event arrived
	// on, so it runs off the read loop. The carried metadata stands if
	// the refresh fails.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
		defer cancel()
		if err := call.Get(ctx); err != nil {
			log.Warn().Err(err).Str("module", "video").
				Str("cid", string(call.CID())).Msg("ring metadata refresh failed")
		}
	}()
}

func (c *Client) handleCallAccepted(ev events.Event) {
	accepted, ok := ev.(*coordinator.CallAccepted)
	if !ok {
		return
	}
	meta := accepted.Call
	c.store.SetAcceptedCall(&meta)
}

func (c *Client) handleCallUpdated(ev events.Event) {
	updated, ok := ev.(*coordinator.CallUpdated)
	if !ok {
		return
	}
	if existing, ok := c.store.FindCall(updated.Call.CID); ok {
		if call, ok := existing.(*Call); ok {
			call.setMeta(updated.Call, nil)
		}
	}
}

func (c *Client) handleCallEnded(ev events.Event) {
	ended, ok := ev.(*coordinator.CallEnded)
	if !ok {
		return
	}
	if existing, ok := c.store.FindCall(ended.Call.CID); ok {
		if call, ok := existing.(*Call); ok {
			if err := call.Leave(context.Background()); err != nil {
				log.Warn().Err(err).Str("module", "video").
					Str("cid", string(ended.Call.CID)).Msg("leave on call.ended failed")
			}
		}
	}
	c.store.RemovePendingCall(ended.Call.CID)
}

func (c *Client) handlePermissionRequest(ev events.Event) {
	req, ok := ev.(*coordinator.PermissionRequested)
	if !ok {
		return
	}
	r := req.Request
	c.store.SetPermissionRequest(&r)
}

// ---------------------------------------------------------------------------
// Device management passthrough
// ---------------------------------------------------------------------------

func (c *Client) AddDevice(ctx context.Context, d domain.Device) error {
	coord, err := c.coordinator()
	if err != nil {
		return err
	}
	return coord.AddDevice(ctx, d)
}

func (c *Client) AddVoipDevice(ctx context.Context, d domain.Device) error {
	coord, err := c.coordinator()
	if err != nil {
		return err
	}
	return coord.AddVoipDevice(ctx, d)
}

func (c *Client) ListDevices(ctx context.Context) ([]domain.Device, error) {
	coord, err := c.coordinator()
	if err != nil {
		return nil, err
	}
	return coord.ListDevices(ctx)
}

func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	coord, err := c.coordinator()
	if err != nil {
		return err
	}
	return coord.RemoveDevice(ctx, id)
}
