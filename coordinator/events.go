package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Video/domain"
	"github.com/dkeye/Video/events"
)

// Event type discriminants pushed by the coordinator.
const (
	EvConnected         = "connection.ok"
	EvConnectionChanged = "connection.changed"
	EvHealthCheck       = "health.check"
	EvCallCreated       = "call.created"
	EvCallRing          = "call.ring"
	EvCallAccepted      = "call.accepted"
	EvCallRejected      = "call.rejected"
	EvCallUpdated       = "call.updated"
	EvCallEnded         = "call.ended"
	EvPermissionRequest = "call.permission_request"
)

// Connected is the first event after a successful auth handshake. It
// carries the authenticated user and the server-assigned connection id
// used for subsequent watch bookkeeping.
type Connected struct {
	Me           domain.User `json:"me"`
	ConnectionID string      `json:"connection_id"`
}

func (Connected) EventType() string { return EvConnected }

// ConnectionChanged reports coordinator reachability transitions. The
// client also synthesizes it locally when the socket drops or recovers,
// so watchers observe one uniform signal.
type ConnectionChanged struct {
	Online bool `json:"online"`
}

func (ConnectionChanged) EventType() string { return EvConnectionChanged }

type HealthCheck struct {
	ConnectionID string `json:"connection_id"`
}

func (HealthCheck) EventType() string { return EvHealthCheck }

type CallCreated struct {
	Call    domain.CallMeta `json:"call"`
	Members []domain.Member `json:"members"`
}

func (CallCreated) EventType() string { return EvCallCreated }

type CallRing struct {
	Call    domain.CallMeta `json:"call"`
	Members []domain.Member `json:"members"`
}

func (CallRing) EventType() string { return EvCallRing }

type CallAccepted struct {
	Call domain.CallMeta `json:"call"`
	User domain.User     `json:"user"`
}

func (CallAccepted) EventType() string { return EvCallAccepted }

type CallRejected struct {
	Call domain.CallMeta `json:"call"`
	User domain.User     `json:"user"`
}

func (CallRejected) EventType() string { return EvCallRejected }

type CallUpdated struct {
	Call domain.CallMeta `json:"call"`
}

func (CallUpdated) EventType() string { return EvCallUpdated }

type CallEnded struct {
	Call domain.CallMeta `json:"call"`
	User domain.User     `json:"user"`
}

func (CallEnded) EventType() string { return EvCallEnded }

type PermissionRequested struct {
	Request domain.PermissionRequest `json:"request"`
}

func (PermissionRequested) EventType() string { return EvPermissionRequest }

func decodeEvent(env envelope) (events.Event, error) {
	var ev events.Event
	switch env.Type {
	case EvConnected:
		ev = &Connected{}
	case EvConnectionChanged:
		ev = &ConnectionChanged{}
	case EvHealthCheck:
		ev = &HealthCheck{}
	case EvCallCreated:
		ev = &CallCreated{}
	case EvCallRing:
		ev = &CallRing{}
	case EvCallAccepted:
		ev = &CallAccepted{}
	case EvCallRejected:
		ev = &CallRejected{}
	case EvCallUpdated:
		ev = &CallUpdated{}
	case EvCallEnded:
		ev = &CallEnded{}
	case EvPermissionRequest:
		ev = &PermissionRequested{}
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
