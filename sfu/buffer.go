package sfu

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// PeerKind names the two peer-connection roles negotiated with the SFU.
type PeerKind string

const (
	PeerKindPublisher  PeerKind = "publisher"
	PeerKindSubscriber PeerKind = "subscriber"
)

// IceTrickleBuffer queues remote ICE candidates that arrive before the
// peer connection for their role exists. Candidates are kept in arrival
// order and consumed exactly once: OnCandidate replays the backlog and
// switches to direct delivery under one mutex, so there is no window in
// which a candidate can be dropped, duplicated or reordered.
type IceTrickleBuffer struct {
	mu        sync.Mutex
	queues    map[PeerKind][]string
	consumers map[PeerKind]func(candidate string)
}

func NewIceTrickleBuffer() *IceTrickleBuffer {
	return &IceTrickleBuffer{
		queues:    make(map[PeerKind][]string),
		consumers: make(map[PeerKind]func(string)),
	}
}

// Push delivers a candidate to the registered consumer for the role, or
// queues it if none is registered yet.
func (b *IceTrickleBuffer) Push(kind PeerKind, candidate string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fn := b.consumers[kind]; fn != nil {
		fn(candidate)
		return
	}
	b.queues[kind] = append(b.queues[kind], candidate)
	log.Debug().Str("module", "sfu").Str("peer_kind", string(kind)).
		Int("buffered", len(b.queues[kind])).Msg("buffered ice candidate")
}

// OnCandidate registers the consumer for a role. Queued candidates are
// replayed in arrival order before any later Push is delivered; the
// backlog is cleared so nothing replays twice. The consumer runs under
// the buffer lock and must not call back into the buffer.
func (b *IceTrickleBuffer) OnCandidate(kind PeerKind, fn func(candidate string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.queues[kind] {
		fn(c)
	}
	b.queues[kind] = nil
	b.consumers[kind] = fn
}
