package video

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/events"
	"github.com/dkeye/Video/rtc"
	"github.com/dkeye/Video/sfu"
)

var ErrCallState = errors.New("video: operation not allowed in current call state")

// Call is one call the connected user tracks. Lifecycle:
// idle -> ringing|joining -> joined -> left, left is terminal. Exactly
// one call may be joined at a time; joining registers the call as the
// store's active call.
type Call struct {
	client *Client
	cid    domain.CID

	mu       sync.Mutex
	state    domain.CallState
	meta     domain.CallMeta
	members  []domain.Member
	watching bool

	sessionID  domain.SessionID
	session    sfuSession
	publisher  *rtc.Publisher
	subscriber *rtc.Subscriber
	unsubs     []func()
	onTrack    rtc.OnRemoteTrack
}

func newCall(client *Client, meta domain.CallMeta, members []domain.Member) *Call {
	return &Call{
		client:  client,
		cid:     meta.CID,
		state:   domain.CallStateIdle,
		meta:    meta,
		members: members,
	}
}

// CID returns the composite call identifier.
func (c *Call) CID() domain.CID { return c.cid }

// Watching reports whether coordinator events for this call are being
// pushed to this client.
func (c *Call) Watching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watching
}

func (c *Call) State() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Call) Meta() domain.CallMeta {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta
}

func (c *Call) Members() []domain.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Member(nil), c.members...)
}

func (c *Call) setMeta(meta domain.CallMeta, members []domain.Member) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta = meta
	if members != nil {
		c.members = members
	}
}

func (c *Call) setWatching(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watching = v
}

func (c *Call) setState(s domain.CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// SetOnRemoteTrack installs the remote-media callback. Must be called
// before Join.
func (c *Call) SetOnRemoteTrack(fn rtc.OnRemoteTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

// Get refreshes the call metadata from the coordinator.
func (c *Call) Get(ctx context.Context) error {
	coord, err := c.client.coordinator()
	if err != nil {
		return err
	}
	env, err := coord.GetCall(ctx, c.cid, c.Watching())
	if err != nil {
		return err
	}
	c.setMeta(env.Call, env.Members)
	return nil
}

// Create creates the call server-side without ringing anyone and
// registers it as watched.
func (c *Call) Create(ctx context.Context, members []domain.UserID, custom map[string]any) error {
	return c.create(ctx, members, false, custom)
}

// Ring creates the call and rings its members. The call moves to state
// ringing and shows up in the store's outgoing pending calls.
func (c *Call) Ring(ctx context.Context, members []domain.UserID) error {
	return c.create(ctx, members, true, nil)
}

func (c *Call) create(ctx context.Context, members []domain.UserID, ring bool, custom map[string]any) error {
	if s := c.State(); s != domain.CallStateIdle {
		return fmt.Errorf("%w: %s", ErrCallState, s)
	}
	coord, err := c.client.coordinator()
	if err != nil {
		return err
	}
	env, err := coord.CreateCall(ctx, c.cid, members, ring, custom)
	if err != nil {
		return err
	}
	c.setMeta(env.Call, env.Members)
	c.setWatching(true)
	if ring {
		c.setState(domain.CallStateRinging)
	}
	c.client.store.RegisterCall(c)
	c.client.store.AddPendingCall(env.Call)
	return nil
}

// Accept tells the coordinator this user accepted the ringing call.
// Joining is a separate step.
func (c *Call) Accept(ctx context.Context) error {
	coord, err := c.client.coordinator()
	if err != nil {
		return err
	}
	if err := coord.AcceptCall(ctx, c.cid); err != nil {
		return err
	}
	meta := c.Meta()
	c.client.store.SetAcceptedCall(&meta)
	return nil
}

// Reject declines the ringing call and tears the local instance down.
func (c *Call) Reject(ctx context.Context) error {
	coord, err := c.client.coordinator()
	if err != nil {
		return err
	}
	if err := coord.RejectCall(ctx, c.cid); err != nil {
		return err
	}
	return c.Leave(ctx)
}

// Join connects the call: refresh metadata, register into the store,
// open the SFU session, announce the join and wire both peer
// connections. On success the call is the store's active call.
func (c *Call) Join(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	if prev != domain.CallStateIdle && prev != domain.CallStateRinging {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallState, prev)
	}
	c.state = domain.CallStateJoining
	c.mu.Unlock()

	err := c.join(ctx)
	if err != nil {
		c.setState(prev)
		return err
	}
	c.setState(domain.CallStateJoined)
	return nil
}

func (c *Call) join(ctx context.Context) error {
	// Only one call may be joined at a time. A second join is rejected
	// instead of silently displacing the live session.
	if active := c.client.store.ActiveCall(); active != nil && active.CID() != c.cid {
		return fmt.Errorf("%w: call %s is already joined", ErrCallState, active.CID())
	}

	coord, err := c.client.coordinator()
	if err != nil {
		return err
	}
	me := c.client.store.ConnectedUser()
	if me == nil {
		return ErrNotConnected
	}

	// Fresh metadata before the call is registered as active, so
	// watchers never observe stale metadata on the active call.
	env, err := coord.GetCall(ctx, c.cid, true)
	if err != nil {
		return err
	}
	c.setMeta(env.Call, env.Members)
	c.setWatching(true)
	c.client.store.RegisterCall(c)

	sessionID := domain.SessionID(uuid.NewString())
	session, err := c.client.dialSFU(ctx, sfu.Options{
		URL:           c.client.cfg.SfuURL,
		SessionID:     sessionID,
		Dispatcher:    c.client.dispatcher,
		WriteDeadline: c.client.cfg.WriteDeadline,
	})
	if err != nil {
		return err
	}

	resp, err := session.Join(ctx, c.cid, me.ID)
	if err != nil {
		session.Close()
		return err
	}

	pubPC, subPC, err := c.newPeers()
	if err != nil {
		session.Close()
		return err
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.session = session
	c.subscriber = rtc.NewSubscriber(rtc.SubscriberOptions{
		PC:      subPC,
		RPC:     session,
		Trickle: session.TrickleBuffer(),
		OnTrack: c.onTrack,
	})
	c.publisher = rtc.NewPublisher(rtc.PublisherOptions{
		PC:       pubPC,
		RPC:      session,
		Trickle:  session.TrickleBuffer(),
		Debounce: c.client.cfg.Debounce,
	})
	c.unsubs = c.watchSFUEvents()
	c.mu.Unlock()

	participants := make([]domain.Participant, 0, len(resp.Participants))
	for _, p := range resp.Participants {
		p.IsLoggedInUser = p.SessionID == sessionID
		participants = append(participants, p)
	}
	c.client.store.SetParticipants(participants)
	c.client.store.SetActiveCall(c)

	log.Info().Str("module", "video").Str("cid", string(c.cid)).
		Str("session_id", string(sessionID)).Int("participants", len(participants)).
		Msg("call joined")
	return nil
}

func (c *Call) newPeers() (pub, sub rtc.PeerConnection, err error) {
	cfg := rtc.DefaultConfig(c.client.cfg.StunServers)
	pub, err = c.client.newPeer(cfg)
	if err != nil {
		return nil, nil, err
	}
	sub, err = c.client.newPeer(cfg)
	if err != nil {
		pub.Close()
		return nil, nil, err
	}
	return pub, sub, nil
}

// Leave tears the call down completely: SFU watchers unregistered, both
// peer connections closed, the signaling session left and closed, and
// every store reference removed. It is awaited and idempotent, so a
// replacement instance for the same cid can be constructed safely after
// it returns.
func (c *Call) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state == domain.CallStateLeft {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.CallStateLeft
	c.watching = false
	session := c.session
	publisher := c.publisher
	subscriber := c.subscriber
	unsubs := c.unsubs
	c.session = nil
	c.publisher = nil
	c.subscriber = nil
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Str("module", "video").Msg("publisher close failed")
		}
	}
	if subscriber != nil {
		if err := subscriber.Close(); err != nil {
			log.Warn().Err(err).Str("module", "video").Msg("subscriber close failed")
		}
	}
	if session != nil {
		if err := session.Leave(ctx); err != nil && !errors.Is(err, sfu.ErrClosed) {
			log.Warn().Err(err).Str("module", "video").Msg("sfu leave failed")
		}
		session.Close()
	}

	st := c.client.store
	if active := st.ActiveCall(); active != nil && active.CID() == c.cid {
		st.SetActiveCall(nil)
	}
	st.UnregisterCall(c.cid)
	st.RemovePendingCall(c.cid)

	log.Info().Str("module", "video").Str("cid", string(c.cid)).Msg("call left")
	return nil
}

// Publish announces a local track on the joined call and updates the
// local participant's published set.
func (c *Call) Publish(t rtc.LocalTrack) error {
	c.mu.Lock()
	publisher := c.publisher
	sid := c.sessionID
	state := c.state
	c.mu.Unlock()
	if state != domain.CallStateJoined || publisher == nil {
		return fmt.Errorf("%w: %s", ErrCallState, state)
	}
	publisher.Publish(t)

	c.client.store.UpdateParticipantFunc(sid, func(p domain.Participant) domain.ParticipantPatch {
		tracks := append(append([]domain.TrackType(nil), p.PublishedTracks...), t.Type)
		return domain.ParticipantPatch{PublishedTracks: &tracks}
	})
	return nil
}

// UpdateSubscriptions tells the SFU which remote tracks (and at which
// dimensions) this session wants to receive.
func (c *Call) UpdateSubscriptions(ctx context.Context, subs []sfu.TrackSubscription) error {
	c.mu.Lock()
	session := c.session
	state := c.state
	c.mu.Unlock()
	if state != domain.CallStateJoined || session == nil {
		return fmt.Errorf("%w: %s", ErrCallState, state)
	}
	return session.UpdateSubscriptions(ctx, subs)
}

// ---------------------------------------------------------------------------
// SFU event watchers
// ---------------------------------------------------------------------------

// watchSFUEvents wires the per-call handlers. Called with c.mu held
// during join; the returned unsubs are released by Leave.
func (c *Call) watchSFUEvents() []func() {
	d := c.client.dispatcher
	return []func(){
		d.On(sfu.EvSubscriberOffer, c.handleSubscriberOffer),
		d.On(sfu.EvChangePublishQuality, c.handlePublishQuality),
		d.On(sfu.EvParticipantJoined, c.handleParticipantJoined),
		d.On(sfu.EvParticipantLeft, c.handleParticipantLeft),
		d.On(sfu.EvTrackPublished, c.handleTrackPublished),
		d.On(sfu.EvTrackUnpublished, c.handleTrackUnpublished),
		d.On(sfu.EvAudioLevelsChanged, c.handleAudioLevels),
		d.On(sfu.EvDominantSpeaker, c.handleDominantSpeaker),
		d.On(sfu.EvCallRecordingStarted, func(events.Event) {
			c.client.store.SetRecordingInProgress(true)
		}),
		d.On(sfu.EvCallRecordingStopped, func(events.Event) {
			c.client.store.SetRecordingInProgress(false)
		}),
	}
}

func (c *Call) handleSubscriberOffer(ev events.Event) {
	offer, ok := ev.(*sfu.SubscriberOffer)
	if !ok {
		return
	}
	c.mu.Lock()
	subscriber := c.subscriber
	c.mu.Unlock()
	if subscriber == nil {
		return
	}
	// The answer goes back over the same signaling connection this
	// event arrived on, so the exchange must leave the read loop free.
	go func() {
		if err := subscriber.HandleOffer(context.Background(), offer.SDP); err != nil {
			log.Error().Err(err).Str("module", "video").
				Str("cid", string(c.cid)).Msg("subscriber offer failed")
		}
	}()
}

func (c *Call) handlePublishQuality(ev events.Event) {
	quality, ok := ev.(*sfu.ChangePublishQuality)
	if !ok {
		return
	}
	c.mu.Lock()
	publisher := c.publisher
	c.mu.Unlock()
	if publisher != nil {
		publisher.ApplyQualityChange(quality)
	}
}

func (c *Call) handleParticipantJoined(ev events.Event) {
	joined, ok := ev.(*sfu.ParticipantJoined)
	if !ok || joined.CID != c.cid {
		return
	}
	c.client.store.AddParticipant(joined.Participant)
}

func (c *Call) handleParticipantLeft(ev events.Event) {
	left, ok := ev.(*sfu.ParticipantLeft)
	if !ok || left.CID != c.cid {
		return
	}
	c.client.store.RemoveParticipant(left.Participant.SessionID)
}

func (c *Call) handleTrackPublished(ev events.Event) {
	pub, ok := ev.(*sfu.TrackPublished)
	if !ok {
		return
	}
	c.mu.Lock()
	subscriber := c.subscriber
	c.mu.Unlock()
	if subscriber != nil && pub.TrackID != "" {
		subscriber.Lookup().Register(pub.TrackID, rtc.TrackBinding{
			SessionID: pub.SessionID,
			TrackType: pub.TrackType,
		})
	}
	c.client.store.UpdateParticipantFunc(pub.SessionID, func(p domain.Participant) domain.ParticipantPatch {
		if p.Publishes(pub.TrackType) {
			return domain.ParticipantPatch{}
		}
		tracks := append(append([]domain.TrackType(nil), p.PublishedTracks...), pub.TrackType)
		return domain.ParticipantPatch{PublishedTracks: &tracks}
	})
}

func (c *Call) handleTrackUnpublished(ev events.Event) {
	unpub, ok := ev.(*sfu.TrackUnpublished)
	if !ok {
		return
	}
	c.mu.Lock()
	subscriber := c.subscriber
	c.mu.Unlock()
	if subscriber != nil && unpub.TrackID != "" {
		subscriber.Lookup().Unregister(unpub.TrackID)
	}
	c.client.store.UpdateParticipantFunc(unpub.SessionID, func(p domain.Participant) domain.ParticipantPatch {
		tracks := make([]domain.TrackType, 0, len(p.PublishedTracks))
		for _, t := range p.PublishedTracks {
			if t != unpub.TrackType {
				tracks = append(tracks, t)
			}
		}
		return domain.ParticipantPatch{PublishedTracks: &tracks}
	})
}

func (c *Call) handleAudioLevels(ev events.Event) {
	levels, ok := ev.(*sfu.AudioLevelsChanged)
	if !ok {
		return
	}
	patches := make(map[domain.SessionID]domain.ParticipantPatch, len(levels.Levels))
	for _, l := range levels.Levels {
		level := l.Level
		patches[l.SessionID] = domain.ParticipantPatch{AudioLevel: &level}
	}
	c.client.store.UpdateParticipants(patches)
}

// handleDominantSpeaker sets the flag on the reported session and
// clears it everywhere else in one pass.
func (c *Call) handleDominantSpeaker(ev events.Event) {
	dom, ok := ev.(*sfu.DominantSpeakerChanged)
	if !ok {
		return
	}
	participants := c.client.store.Participants()
	patches := make(map[domain.SessionID]domain.ParticipantPatch, len(participants))
	for _, p := range participants {
		isDominant := p.SessionID == dom.SessionID
		if p.IsDominantSpeaker == isDominant {
			continue
		}
		v := isDominant
		patches[p.SessionID] = domain.ParticipantPatch{IsDominantSpeaker: &v}
	}
	c.client.store.UpdateParticipants(patches)
}
