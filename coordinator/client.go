// Package coordinator speaks the control-plane protocol: an
// authenticated websocket that pushes call and connection events and
// answers request/response calls such as query_calls and device
// management.
package coordinator

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
	ErrClosed       = errors.New("coordinator: connection closed")
	ErrNotConnected = errors.New("coordinator: not connected")
	ErrRPC          = errors.New("coordinator: rpc failed")
	ErrUnknownType  = errors.New("coordinator: unknown event type")
	ErrAuth         = errors.New("coordinator: authentication failed")
)

const (
	defaultWriteDeadline = 5 * time.Second
	defaultBackoff       = 500 * time.Millisecond
	defaultMaxBackoff    = 30 * time.Second
)

// ConnectionState tracks the coordinator socket lifecycle. Transitions
// are strictly sequential; only one connect attempt runs at a time.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// envelope is the JSON frame exchanged with the coordinator. Same shape
// as the SFU signaling frame: requests echo a request_id, frames
// without one are pushed events.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// authFrame is the first message on a fresh socket.
type authFrame struct {
	Token  string      `json:"token"`
	APIKey string      `json:"api_key"`
	User   domain.User `json:"user"`
}

type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetWriteDeadline(time.Time) error
	Close() error
}

type Dialer func(ctx context.Context, url string) (socket, error)

func wsDialer(ctx context.Context, url string) (socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("coordinator: dial %s: %w", url, err)
	}
	return conn, nil
}

// Client is the coordinator connection for one user. It owns reconnect:
// when the socket drops it synthesizes connection.changed offline,
// redials with capped exponential backoff and replays the auth
// handshake, then synthesizes connection.changed online.
type Client struct {
	url        string
	token      string
	apiKey     string
	user       domain.User
	dispatcher *events.Dispatcher
	dial       Dialer

	writeDeadline time.Duration
	backoff       time.Duration
	maxBackoff    time.Duration
	reconnect     bool

	// writeMu serializes frame writes; the socket allows one writer.
	writeMu sync.Mutex

	mu           sync.Mutex
	conn         socket
	state        ConnectionState
	connectionID string
	me           domain.User

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	closeOnce sync.Once
	closed    chan struct{}
}

type Options struct {
	URL    string
	Token  string
	APIKey string
	// User is the identity to authenticate as. Guest and anonymous
	// users set Type accordingly; anonymous connections use the fixed
	// id domain.AnonymousUserID.
	User domain.User
	// Dispatcher receives the pushed event stream. Required.
	Dispatcher *events.Dispatcher
	// Dial overrides the websocket dialer; nil means gorilla.
	Dial Dialer

	WriteDeadline time.Duration
	// Backoff is the initial reconnect delay, doubled per failed
	// attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// DisableReconnect turns a socket loss into a terminal disconnect.
	DisableReconnect bool
}

// Connect dials the coordinator, runs the auth handshake and starts the
// read loop. The returned client is in state connected.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("coordinator: dispatcher required")
	}
	dial := opts.Dial
	if dial == nil {
		dial = wsDialer
	}
	c := &Client{
		url:           opts.URL,
		token:         opts.Token,
		apiKey:        opts.APIKey,
		user:          opts.User,
		dispatcher:    opts.Dispatcher,
		dial:          dial,
		writeDeadline: opts.WriteDeadline,
		backoff:       opts.Backoff,
		maxBackoff:    opts.MaxBackoff,
		reconnect:     !opts.DisableReconnect,
		state:         StateConnecting,
		pending:       make(map[string]chan envelope),
		closed:        make(chan struct{}),
	}
	if c.writeDeadline <= 0 {
		c.writeDeadline = defaultWriteDeadline
	}
	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if err := c.establish(ctx); err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the id assigned by the last successful
// handshake.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Me returns the authenticated user as confirmed by the coordinator.
func (c *Client) Me() domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.me
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// establish dials, authenticates and installs a fresh socket. The
// server answers the auth frame with a connection.ok event before any
// other traffic.
func (c *Client) establish(ctx context.Context) error {
	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return err
	}
	auth, err := json.Marshal(authFrame{Token: c.token, APIKey: c.apiKey, User: c.user})
	if err != nil {
		conn.Close()
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		conn.Close()
		return fmt.Errorf("coordinator: auth write: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("coordinator: auth read: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close()
		return fmt.Errorf("coordinator: auth frame: %w", err)
	}
	if env.Error != "" {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAuth, env.Error)
	}
	ev, err := decodeEvent(env)
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: unexpected handshake event: %v", ErrAuth, err)
	}
	connected, ok := ev.(*Connected)
	if !ok {
		conn.Close()
		return fmt.Errorf("%w: handshake answered with %q", ErrAuth, env.Type)
	}

	c.mu.Lock()
	select {
	case <-c.closed:
		// Close won the race while the handshake was in flight. The
		// fresh socket must not outlive the client.
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.state = StateConnected
	c.connectionID = connected.ConnectionID
	c.me = connected.Me
	c.mu.Unlock()

	go c.readLoop(conn)

	c.dispatcher.Dispatch(connected)
	c.dispatcher.Dispatch(&ConnectionChanged{Online: true})
	return nil
}

// Close tears the socket down for good; no reconnect follows.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.state = StateDisconnected
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		c.failPending()
	})
	return err
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Client) readLoop(conn socket) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			log.Warn().Err(err).Str("module", "coordinator").Msg("socket lost")
			c.lost(conn)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "coordinator").Msg("bad frame")
			continue
		}
		if env.RequestID != "" {
			c.settle(env)
			continue
		}
		c.handleEvent(env)
	}
}

// lost handles an unexpected socket failure: fail in-flight calls,
// announce offline, then either reconnect or stay down.
func (c *Client) lost(conn socket) {
	conn.Close()
	c.mu.Lock()
	if c.conn != conn {
		// A newer socket already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.reconnect {
		c.state = StateReconnecting
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.failPending()
	c.dispatcher.Dispatch(&ConnectionChanged{Online: false})
	if c.reconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	delay := c.backoff
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(delay):
		}
		err := c.establish(context.Background())
		if err == nil {
			log.Info().Str("module", "coordinator").Msg("reconnected")
			return
		}
		log.Warn().Err(err).Str("module", "coordinator").
			Dur("next_attempt_in", delay).Msg("reconnect failed")
		if delay *= 2; delay > c.maxBackoff {
			delay = c.maxBackoff
		}
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
		log.Warn().Str("module", "coordinator").Str("request_id", env.RequestID).Msg("response without pending request")
		return
	}
	ch <- env
}

func (c *Client) handleEvent(env envelope) {
	ev, err := decodeEvent(env)
	if err != nil {
		log.Warn().Err(err).Str("module", "coordinator").Str("type", env.Type).Msg("dropping event")
		return
	}
	c.dispatcher.Dispatch(ev)
}

func (c *Client) call(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: marshal %s: %w", typ, err)
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

	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if conn == nil || !connected {
		return nil, ErrNotConnected
	}

	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.RequestID] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeDeadline))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("coordinator: write %s: %w", typ, err)
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

// Sort directions for query requests.
const (
	SortAscending  = 1
	SortDescending = -1
)

type SortParam struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

type QueryCallsRequest struct {
	Watch            bool           `json:"watch"`
	FilterConditions map[string]any `json:"filter_conditions,omitempty"`
	Sort             []SortParam    `json:"sort,omitempty"`
	Limit            int            `json:"limit,omitempty"`
	Next             string         `json:"next,omitempty"`
}

// CallEnvelope pairs a call description with its member list.
type CallEnvelope struct {
	Call    domain.CallMeta `json:"call"`
	Members []domain.Member `json:"members"`
}

type QueryCallsResponse struct {
	Calls []CallEnvelope `json:"calls"`
	Next  string         `json:"next,omitempty"`
}

// QueryCalls fetches calls matching the filter. With Watch set the
// coordinator starts pushing events for every returned call on this
// connection.
func (c *Client) QueryCalls(ctx context.Context, req QueryCallsRequest) (*QueryCallsResponse, error) {
	raw, err := c.call(ctx, "query_calls", req)
	if err != nil {
		return nil, err
	}
	var resp QueryCallsResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("coordinator: query_calls response: %w", err)
	}
	return &resp, nil
}

type getCallRequest struct {
	CID   domain.CID `json:"cid"`
	Watch bool       `json:"watch"`
}

// GetCall fetches fresh metadata for one call, optionally watching it.
func (c *Client) GetCall(ctx context.Context, cid domain.CID, watch bool) (*CallEnvelope, error) {
	raw, err := c.call(ctx, "get_call", getCallRequest{CID: cid, Watch: watch})
	if err != nil {
		return nil, err
	}
	var resp CallEnvelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("coordinator: get_call response: %w", err)
	}
	return &resp, nil
}

type createCallRequest struct {
	CID     domain.CID      `json:"cid"`
	Members []domain.UserID `json:"members,omitempty"`
	Ring    bool            `json:"ring"`
	Custom  map[string]any  `json:"custom,omitempty"`
}

// CreateCall creates (or gets) a call, optionally ringing its members.
func (c *Client) CreateCall(ctx context.Context, cid domain.CID, members []domain.UserID, ring bool, custom map[string]any) (*CallEnvelope, error) {
	raw, err := c.call(ctx, "create_call", createCallRequest{
		CID:     cid,
		Members: members,
		Ring:    ring,
		Custom:  custom,
	})
	if err != nil {
		return nil, err
	}
	var resp CallEnvelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("coordinator: create_call response: %w", err)
	}
	return &resp, nil
}

type cidRequest struct {
	CID domain.CID `json:"cid"`
}

// AcceptCall tells the coordinator this user accepted a ringing call.
func (c *Client) AcceptCall(ctx context.Context, cid domain.CID) error {
	_, err := c.call(ctx, "accept_call", cidRequest{CID: cid})
	return err
}

// RejectCall declines a ringing call.
func (c *Client) RejectCall(ctx context.Context, cid domain.CID) error {
	_, err := c.call(ctx, "reject_call", cidRequest{CID: cid})
	return err
}

type createGuestRequest struct {
	User domain.User `json:"user"`
}

// GuestSession is a provisioned guest identity plus its access token.
type GuestSession struct {
	User        domain.User `json:"user"`
	AccessToken string      `json:"access_token"`
}

// CreateGuest provisions a guest user server-side; the returned token
// authenticates the subsequent Connect.
func (c *Client) CreateGuest(ctx context.Context, user domain.User) (*GuestSession, error) {
	raw, err := c.call(ctx, "create_guest", createGuestRequest{User: user})
	if err != nil {
		return nil, err
	}
	var resp GuestSession
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("coordinator: create_guest response: %w", err)
	}
	return &resp, nil
}

type addDeviceRequest struct {
	Device domain.Device `json:"device"`
}

// AddDevice registers a push device for the connected user.
func (c *Client) AddDevice(ctx context.Context, d domain.Device) error {
	d.Voip = false
	_, err := c.call(ctx, "add_device", addDeviceRequest{Device: d})
	return err
}

// AddVoipDevice registers a device for VoIP pushes.
func (c *Client) AddVoipDevice(ctx context.Context, d domain.Device) error {
	d.Voip = true
	_, err := c.call(ctx, "add_device", addDeviceRequest{Device: d})
	return err
}

type listDevicesResponse struct {
	Devices []domain.Device `json:"devices"`
}

// ListDevices returns the devices registered for the connected user.
func (c *Client) ListDevices(ctx context.Context) ([]domain.Device, error) {
	raw, err := c.call(ctx, "list_devices", struct{}{})
	if err != nil {
		return nil, err
	}
	var resp listDevicesResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("coordinator: list_devices response: %w", err)
	}
	return resp.Devices, nil
}

type removeDeviceRequest struct {
	ID string `json:"id"`
}

// RemoveDevice unregisters a push device by id.
func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	_, err := c.call(ctx, "remove_device", removeDeviceRequest{ID: id})
	return err
}
