// Package sfu wraps the bidirectional signaling channel to the
// Selective Forwarding Unit: typed request/response calls plus the
// inbound stream of participant/track/quality events.
package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/events"
)

var (
	ErrClosed      = errors.New("sfu: connection closed")
	ErrRPC         = errors.New("sfu: rpc failed")
	ErrUnknownType = errors.New("sfu: unknown event type")
)

const defaultWriteDeadline = 5 * time.Second

// envelope is the JSON frame exchanged over the signaling socket.
// Requests carry a request_id; the matching response echoes it back.
// Frames without a request_id are server-pushed events.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// socket is the subset of *websocket.Conn the client needs; tests
// substitute an in-memory pipe.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetWriteDeadline(time.Time) error
	Close() error
}

// Dialer opens the signaling socket. The default uses gorilla/websocket.
type Dialer func(ctx context.Context, url string) (socket, error)

func wsDialer(ctx context.Context, url string) (socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("sfu: dial %s: %w", url, err)
	}
	return conn, nil
}

// Client is the signaling client for one SFU session. It owns the ICE
// trickle buffer: candidates that arrive before the corresponding peer
// connection exists are queued per role and replayed exactly once.
type Client struct {
	sessionID  domain.SessionID
	dispatcher *events.Dispatcher
	trickle    *IceTrickleBuffer

	writeMu sync.Mutex
	conn    socket

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	closeOnce sync.Once
	closed    chan struct{}

	writeDeadline time.Duration
}

type Options struct {
	URL       string
	SessionID domain.SessionID
	// Dispatcher receives the server-pushed event stream. Required.
	Dispatcher *events.Dispatcher
	// Dial overrides the websocket dialer; nil means gorilla.
	Dial Dialer

	WriteDeadline time.Duration
}

// Dial connects the signaling socket and starts the read loop.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("sfu: dispatcher required")
	}
	dial := opts.Dial
	if dial == nil {
		dial = wsDialer
	}
	conn, err := dial(ctx, opts.URL)
	if err != nil {
		return nil, err
	}

	wd := opts.WriteDeadline
	if wd <= 0 {
		wd = defaultWriteDeadline
	}
	c := &Client{
		sessionID:     opts.SessionID,
		dispatcher:    opts.Dispatcher,
		trickle:       NewIceTrickleBuffer(),
		conn:          conn,
		pending:       make(map[string]chan envelope),
		closed:        make(chan struct{}),
		writeDeadline: wd,
	}
	go c.readLoop()
	return c, nil
}

// TrickleBuffer exposes the per-role candidate buffer to the
// negotiation engines.
func (c *Client) TrickleBuffer() *IceTrickleBuffer { return c.trickle }

// Close tears the socket down and fails all in-flight calls.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Warn().Err(err).Str("module", "sfu").Msg("signaling read failed")
			}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "sfu").Msg("bad signaling frame")
			continue
		}
		if env.RequestID != "" {
			c.settle(env)
			continue
		}
		c.handleEvent(env)
	}
}

func (c *Client) settle(env envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.pendingMu.Unlock()
	if !ok {
		log.Warn().Str("module", "sfu").Str("request_id", env.RequestID).Msg("response without pending request")
		return
	}
	ch <- env
}

// handleEvent decodes a pushed event. ICE trickles feed the buffer;
// everything else goes through the dispatcher. Unknown discriminants
// are logged and dropped, never fatal.
func (c *Client) handleEvent(env envelope) {
	ev, err := decodeEvent(env)
	if err != nil {
		log.Warn().Err(err).Str("module", "sfu").Str("type", env.Type).Msg("dropping event")
		return
	}
	if trickle, ok := ev.(IceTrickle); ok {
		c.trickle.Push(trickle.PeerKind, trickle.IceCandidate)
		return
	}
	c.dispatcher.Dispatch(ev)
}

func decodeEvent(env envelope) (events.Event, error) {
	var ev events.Event
	switch env.Type {
	case EvParticipantJoined:
		ev = &ParticipantJoined{}
	case EvParticipantLeft:
		ev = &ParticipantLeft{}
	case EvTrackPublished:
		ev = &TrackPublished{}
	case EvTrackUnpublished:
		ev = &TrackUnpublished{}
	case EvAudioLevelsChanged:
		ev = &AudioLevelsChanged{}
	case EvDominantSpeaker:
		ev = &DominantSpeakerChanged{}
	case EvSubscriberOffer:
		ev = &SubscriberOffer{}
	case EvChangePublishQuality:
		ev = &ChangePublishQuality{}
	case EvCallRecordingStarted:
		ev = &CallRecordingStarted{}
	case EvCallRecordingStopped:
		ev = &CallRecordingStopped{}
	case EvIceTrickle:
		var t IceTrickle
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// call sends one request frame and blocks until the matching response,
// ctx cancellation or connection close.
func (c *Client) call(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sfu: marshal %s: %w", typ, err)
	}
	env := envelope{
		Type:      typ,
		RequestID: uuid.NewString(),
		Payload:   body,
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.RequestID] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("sfu: write %s: %w", typ, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s: %s", ErrRPC, typ, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

// ---------------------------------------------------------------------------
// Typed RPCs
// ---------------------------------------------------------------------------

type JoinRequest struct {
	CID       domain.CID       `json:"call_cid"`
	SessionID domain.SessionID `json:"session_id"`
	UserID    domain.UserID    `json:"user_id"`
}

type JoinResponse struct {
	Participants []domain.Participant `json:"participants"`
}

// Join announces the session to the SFU and returns the current
// participant roster.
func (c *Client) Join(ctx context.Context, cid domain.CID, userID domain.UserID) (*JoinResponse, error) {
	raw, err := c.call(ctx, "join", JoinRequest{CID: cid, SessionID: c.sessionID, UserID: userID})
	if err != nil {
		return nil, err
	}
	var resp JoinResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("sfu: join response: %w", err)
	}
	return &resp, nil
}

type setPublisherRequest struct {
	SessionID domain.SessionID   `json:"session_id"`
	SDP       string             `json:"sdp"`
	Tracks    []domain.TrackInfo `json:"tracks"`
}

type sdpResponse struct {
	SDP string `json:"sdp"`
}

// SetPublisher sends the publisher offer plus announced tracks and
// returns the SFU's SDP answer.
func (c *Client) SetPublisher(ctx context.Context, sdp string, tracks []domain.TrackInfo) (string, error) {
	raw, err := c.call(ctx, "set_publisher", setPublisherRequest{
		SessionID: c.sessionID,
		SDP:       sdp,
		Tracks:    tracks,
	})
	if err != nil {
		return "", err
	}
	var resp sdpResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("sfu: set_publisher response: %w", err)
	}
	return resp.SDP, nil
}

type setSubscriberRequest struct {
	SessionID domain.SessionID `json:"session_id"`
	SDP       string           `json:"sdp"`
}

// SetSubscriber submits the subscriber's SDP answer to an SFU offer.
func (c *Client) SetSubscriber(ctx context.Context, sdp string) error {
	_, err := c.call(ctx, "set_subscriber", setSubscriberRequest{
		SessionID: c.sessionID,
		SDP:       sdp,
	})
	return err
}

type iceTrickleRequest struct {
	SessionID    domain.SessionID `json:"session_id"`
	PeerKind     PeerKind         `json:"peer_kind"`
	IceCandidate string           `json:"ice_candidate"`
}

// IceTrickle forwards one locally gathered candidate to the SFU.
func (c *Client) IceTrickle(ctx context.Context, candidate string, kind PeerKind) error {
	_, err := c.call(ctx, "ice_trickle", iceTrickleRequest{
		SessionID:    c.sessionID,
		PeerKind:     kind,
		IceCandidate: candidate,
	})
	return err
}

// TrackSubscription selects the layer dimensions wanted for one remote
// track.
type TrackSubscription struct {
	SessionID domain.SessionID `json:"session_id"`
	TrackType domain.TrackType `json:"track_type"`
	Width     int              `json:"width,omitempty"`
	Height    int              `json:"height,omitempty"`
}

type updateSubscriptionsRequest struct {
	SessionID     domain.SessionID    `json:"session_id"`
	Subscriptions []TrackSubscription `json:"subscriptions"`
}

// UpdateSubscriptions tells the SFU which remote tracks (and sizes)
// this session wants to receive.
func (c *Client) UpdateSubscriptions(ctx context.Context, subs []TrackSubscription) error {
	_, err := c.call(ctx, "update_subscriptions", updateSubscriptionsRequest{
		SessionID:     c.sessionID,
		Subscriptions: subs,
	})
	return err
}

type leaveRequest struct {
	SessionID domain.SessionID `json:"session_id"`
}

// Leave announces departure; the caller still owns Close.
func (c *Client) Leave(ctx context.Context) error {
	_, err := c.call(ctx, "leave", leaveRequest{SessionID: c.sessionID})
	return err
}
