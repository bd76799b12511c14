package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/events"
)

// fakeSocket is an in-memory stand-in for the websocket connection.
type fakeSocket struct {
	inbound chan []byte
	sent    chan envelope
	closed  chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		sent:    make(chan envelope, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.sent <- env
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeSocket) push(t *testing.T, typ string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(envelope{Type: typ, Payload: body})
	require.NoError(t, err)
	f.inbound <- frame
}

func (f *fakeSocket) respond(t *testing.T, req envelope, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(envelope{Type: "response", RequestID: req.RequestID, Payload: body})
	require.NoError(t, err)
	f.inbound <- frame
}

func dialFake(t *testing.T) (*Client, *fakeSocket, *events.Dispatcher) {
	t.Helper()
	sock := newFakeSocket()
	d := events.NewDispatcher()
	c, err := Dial(context.Background(), Options{
		URL:        "ws://sfu.test/signal",
		SessionID:  "sess-1",
		Dispatcher: d,
		Dial: func(context.Context, string) (socket, error) {
			return sock, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, sock, d
}

func TestSetPublisherRoundTrip(t *testing.T) {
	c, sock, _ := dialFake(t)

	go func() {
		req := <-sock.sent
		sock.respond(t, req, sdpResponse{SDP: "answer-sdp"})
	}()

	answer, err := c.SetPublisher(context.Background(), "offer-sdp", []domain.TrackInfo{
		{TrackID: "tr-1", TrackType: domain.TrackTypeVideo},
	})
	require.NoError(t, err)
	assert.Equal(t, "answer-sdp", answer)
}

func TestResponsesCorrelateOutOfOrder(t *testing.T) {
	c, sock, _ := dialFake(t)

	type result struct {
		sdp string
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		sdp, err := c.SetPublisher(context.Background(), "offer-1", nil)
		first <- result{sdp, err}
	}()
	req1 := <-sock.sent
	go func() {
		sdp, err := c.SetPublisher(context.Background(), "offer-2", nil)
		second <- result{sdp, err}
	}()
	req2 := <-sock.sent

	// Answer the second request before the first.
	sock.respond(t, req2, sdpResponse{SDP: "answer-2"})
	sock.respond(t, req1, sdpResponse{SDP: "answer-1"})

	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "answer-1", r1.sdp)
	assert.Equal(t, "answer-2", r2.sdp)
}

func TestRPCErrorSurfacesToCaller(t *testing.T) {
	c, sock, _ := dialFake(t)

	go func() {
		req := <-sock.sent
		frame, _ := json.Marshal(envelope{Type: "response", RequestID: req.RequestID, Error: "no such call"})
		sock.inbound <- frame
	}()

	err := c.SetSubscriber(context.Background(), "answer-sdp")
	require.ErrorIs(t, err, ErrRPC)
	assert.Contains(t, err.Error(), "no such call")
}

func TestCallFailsWhenClosed(t *testing.T) {
	c, sock, _ := dialFake(t)

	done := make(chan error, 1)
	go func() {
		done <- c.IceTrickle(context.Background(), "cand", PeerKindPublisher)
	}()
	<-sock.sent
	require.NoError(t, c.Close())
	require.ErrorIs(t, <-done, ErrClosed)
}

func TestPushedEventsReachDispatcher(t *testing.T) {
	_, sock, d := dialFake(t)

	got := make(chan events.Event, 1)
	d.On(EvDominantSpeaker, func(ev events.Event) { got <- ev })

	sock.push(t, EvDominantSpeaker, DominantSpeakerChanged{SessionID: "s2", UserID: "bob"})

	select {
	case ev := <-got:
		speaker := ev.(*DominantSpeakerChanged)
		assert.Equal(t, domain.SessionID("s2"), speaker.SessionID)
	case <-time.After(time.Second):
		t.Fatal("event never dispatched")
	}
}

func TestIceTrickleEventsFeedBufferNotDispatcher(t *testing.T) {
	c, sock, d := dialFake(t)

	dispatched := make(chan events.Event, 1)
	d.On(EvIceTrickle, func(ev events.Event) { dispatched <- ev })

	var mu sync.Mutex
	var got []string
	c.TrickleBuffer().OnCandidate(PeerKindSubscriber, func(cand string) {
		mu.Lock()
		got = append(got, cand)
		mu.Unlock()
	})

	sock.push(t, EvIceTrickle, IceTrickle{PeerKind: PeerKindSubscriber, IceCandidate: "cand-a"})
	sock.push(t, EvIceTrickle, IceTrickle{PeerKind: PeerKindSubscriber, IceCandidate: "cand-b"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"cand-a", "cand-b"}, got)
	mu.Unlock()

	select {
	case <-dispatched:
		t.Fatal("ice trickle must not reach the dispatcher")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownEventTypeIsDropped(t *testing.T) {
	_, sock, d := dialFake(t)

	var seen atomic.Int32
	d.On(events.TypeAll, func(events.Event) { seen.Add(1) })

	sock.push(t, "quantum_flux", map[string]string{"x": "y"})
	sock.push(t, EvParticipantLeft, ParticipantLeft{CID: "default:1"})

	require.Eventually(t, func() bool { return seen.Load() == 1 }, time.Second, 5*time.Millisecond)
}
