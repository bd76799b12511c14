// Package store holds the client-side call state as a single versioned
// snapshot. All derived views (local participant, remote participants,
// dominant speaker, ...) are pure reads over the canonical participant
// list; none of them is independently mutable.
package store

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Video/domain"
)

// Call is the minimal store-facing view of a call controller. The
// concrete type lives in the root package; keeping an interface here
// avoids the upward import.
type Call interface {
	CID() domain.CID
	Watching() bool
}

// Snapshot is an immutable copy of the store state handed to
// subscribers on every commit.
type Snapshot struct {
	Version       uint64
	ConnectedUser *domain.User
	PendingCalls  []domain.CallMeta
	AcceptedCall  *domain.CallMeta
	ActiveCall    Call
	Participants  []domain.Participant

	RecordingInProgress bool
	PermissionRequest   *domain.PermissionRequest
}

// Store is the single source of truth shared between the call
// controller, the event watchers and the UI bindings. Commits replace
// state wholesale under one mutex, so concurrent readers never observe
// a half-patched participant list.
type Store struct {
	mu      sync.RWMutex
	version uint64

	connectedUser *domain.User
	pendingCalls  []domain.CallMeta
	acceptedCall  *domain.CallMeta
	activeCall    Call
	calls         map[domain.CID]Call
	participants  []domain.Participant

	recording     bool
	permissionReq *domain.PermissionRequest

	notifyMu sync.Mutex
	nextSub  uint64
	subs     map[uint64]func(Snapshot)
}

func New() *Store {
	return &Store{
		calls: make(map[domain.CID]Call),
		subs:  make(map[uint64]func(Snapshot)),
	}
}

// Subscribe registers fn to run synchronously after every commit with
// the committed snapshot. Returns an unsubscribe function.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Version returns the current commit counter.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// snapshotLocked copies the current state. Caller holds s.mu.
func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Version:             s.version,
		ConnectedUser:       s.connectedUser,
		PendingCalls:        append([]domain.CallMeta(nil), s.pendingCalls...),
		AcceptedCall:        s.acceptedCall,
		ActiveCall:          s.activeCall,
		Participants:        append([]domain.Participant(nil), s.participants...),
		RecordingInProgress: s.recording,
		PermissionRequest:   s.permissionReq,
	}
}

// commit bumps the version and notifies subscribers with the new
// snapshot. mutate runs under the state lock; notification happens
// outside it (under notifyMu to preserve commit order) so subscribers
// may read the store freely.
func (s *Store) commit(mutate func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	mutate()
	s.version++
	snap := s.snapshotLocked()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// ---------------------------------------------------------------------------
// Connected user
// ---------------------------------------------------------------------------

func (s *Store) SetConnectedUser(u *domain.User) {
	s.commit(func() { s.connectedUser = u })
}

func (s *Store) ConnectedUser() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedUser
}

// ---------------------------------------------------------------------------
// Call registry
// ---------------------------------------------------------------------------

// RegisterCall tracks a call controller under its cid, replacing any
// previous instance for the same cid.
func (s *Store) RegisterCall(c Call) {
	s.commit(func() { s.calls[c.CID()] = c })
	log.Debug().Str("module", "store").Str("cid", string(c.CID())).Msg("registered call")
}

func (s *Store) UnregisterCall(cid domain.CID) {
	s.commit(func() { delete(s.calls, cid) })
}

func (s *Store) FindCall(cid domain.CID) (Call, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calls[cid]
	return c, ok
}

// Calls returns all tracked call controllers.
func (s *Store) Calls() []Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c)
	}
	return out
}

// ---------------------------------------------------------------------------
// Pending / accepted calls
// ---------------------------------------------------------------------------

// AddPendingCall records call metadata that has not been accepted,
// rejected nor cancelled yet. An existing entry for the same cid is
// replaced in place.
func (s *Store) AddPendingCall(meta domain.CallMeta) {
	s.commit(func() {
		for i, m := range s.pendingCalls {
			if m.CID == meta.CID {
				s.pendingCalls[i] = meta
				return
			}
		}
		s.pendingCalls = append(s.pendingCalls, meta)
	})
}

func (s *Store) RemovePendingCall(cid domain.CID) {
	s.commit(func() {
		kept := s.pendingCalls[:0]
		for _, m := range s.pendingCalls {
			if m.CID != cid {
				kept = append(kept, m)
			}
		}
		s.pendingCalls = kept
	})
}

func (s *Store) PendingCalls() []domain.CallMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.CallMeta(nil), s.pendingCalls...)
}

// IncomingCalls are pending calls created by someone else.
func (s *Store) IncomingCalls() []domain.CallMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CallMeta
	for _, m := range s.pendingCalls {
		if s.connectedUser == nil || m.CreatedBy.ID != s.connectedUser.ID {
			out = append(out, m)
		}
	}
	return out
}

// OutgoingCalls are pending calls created by the connected user.
func (s *Store) OutgoingCalls() []domain.CallMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.CallMeta
	for _, m := range s.pendingCalls {
		if s.connectedUser != nil && m.CreatedBy.ID == s.connectedUser.ID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) SetAcceptedCall(meta *domain.CallMeta) {
	s.commit(func() { s.acceptedCall = meta })
}

func (s *Store) AcceptedCall() *domain.CallMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.acceptedCall
}

// ---------------------------------------------------------------------------
// Active call
// ---------------------------------------------------------------------------

// SetActiveCall marks c as the joined call. Setting a call clears the
// pending entry with the same cid plus the accepted-call and
// permission-request transients. Passing nil clears the active call and
// resets recording state and the participant list.
func (s *Store) SetActiveCall(c Call) {
	s.commit(func() {
		s.activeCall = c
		if c != nil {
			kept := s.pendingCalls[:0]
			for _, m := range s.pendingCalls {
				if m.CID != c.CID() {
					kept = append(kept, m)
				}
			}
			s.pendingCalls = kept
			s.acceptedCall = nil
			s.permissionReq = nil
		} else {
			s.recording = false
			s.participants = nil
			s.permissionReq = nil
		}
	})
}

func (s *Store) ActiveCall() Call {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeCall
}

// ---------------------------------------------------------------------------
// Participants
// ---------------------------------------------------------------------------

// SetParticipants replaces the canonical participant list atomically.
func (s *Store) SetParticipants(list []domain.Participant) {
	s.commit(func() { s.participants = append([]domain.Participant(nil), list...) })
}

// AddParticipant appends one participant; if the session id is already
// present the existing entry is replaced instead.
func (s *Store) AddParticipant(p domain.Participant) {
	s.commit(func() {
		for i := range s.participants {
			if s.participants[i].SessionID == p.SessionID {
				s.participants[i] = p
				return
			}
		}
		s.participants = append(s.participants, p)
	})
}

// RemoveParticipant drops the participant with the given session id.
// Unknown session ids are ignored.
func (s *Store) RemoveParticipant(sid domain.SessionID) {
	s.commit(func() {
		kept := s.participants[:0]
		for _, p := range s.participants {
			if p.SessionID != sid {
				kept = append(kept, p)
			}
		}
		s.participants = kept
	})
}

func (s *Store) Participants() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Participant(nil), s.participants...)
}

// FindParticipant looks up a participant in the active call by session id.
func (s *Store) FindParticipant(sid domain.SessionID) (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.SessionID == sid {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// UpdateParticipant patches the participant identified by sid. An
// unknown sid logs a warning and leaves the list untouched.
func (s *Store) UpdateParticipant(sid domain.SessionID, patch domain.ParticipantPatch) {
	s.UpdateParticipantFunc(sid, func(domain.Participant) domain.ParticipantPatch {
		return patch
	})
}

// UpdateParticipantFunc resolves the patch against the current
// participant snapshot (read-then-apply, not a blind merge) and then
// replaces that entry in the list.
func (s *Store) UpdateParticipantFunc(sid domain.SessionID, fn func(domain.Participant) domain.ParticipantPatch) {
	s.mu.RLock()
	found := false
	for _, p := range s.participants {
		if p.SessionID == sid {
			found = true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		log.Warn().Str("module", "store").Str("session_id", string(sid)).Msg("participant not found")
		return
	}

	s.commit(func() {
		next := make([]domain.Participant, len(s.participants))
		for i, p := range s.participants {
			if p.SessionID == sid {
				next[i] = fn(p).Apply(p)
			} else {
				next[i] = p
			}
		}
		s.participants = next
	})
}

// UpdateParticipants applies one pass over the full list, merging only
// the entries present in patches. An empty map is a no-op: no commit,
// no notification.
func (s *Store) UpdateParticipants(patches map[domain.SessionID]domain.ParticipantPatch) {
	if len(patches) == 0 {
		log.Warn().Str("module", "store").Msg("empty participant patch map")
		return
	}
	s.commit(func() {
		next := make([]domain.Participant, len(s.participants))
		for i, p := range s.participants {
			if patch, ok := patches[p.SessionID]; ok {
				next[i] = patch.Apply(p)
			} else {
				next[i] = p
			}
		}
		s.participants = next
	})
}

// ---------------------------------------------------------------------------
// Derived views
// ---------------------------------------------------------------------------

// LocalParticipant returns the participant flagged as the logged-in user.
func (s *Store) LocalParticipant() (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.IsLoggedInUser {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// RemoteParticipants returns everyone except the logged-in user.
func (s *Store) RemoteParticipants() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participant
	for _, p := range s.participants {
		if !p.IsLoggedInUser {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) PinnedParticipants() []domain.Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Participant
	for _, p := range s.participants {
		if p.IsPinned {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) DominantSpeaker() (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.IsDominantSpeaker {
			return p, true
		}
	}
	return domain.Participant{}, false
}

// HasOngoingScreenShare reports whether any participant publishes a
// screen-share track.
func (s *Store) HasOngoingScreenShare() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.Publishes(domain.TrackTypeScreenShare) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Transients
// ---------------------------------------------------------------------------

func (s *Store) SetRecordingInProgress(v bool) {
	s.commit(func() { s.recording = v })
}

func (s *Store) RecordingInProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recording
}

func (s *Store) SetPermissionRequest(req *domain.PermissionRequest) {
	s.commit(func() { s.permissionReq = req })
}

func (s *Store) PermissionRequest() *domain.PermissionRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissionReq
}
