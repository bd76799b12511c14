package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrBadCID = errors.New("malformed cid")

// CID is the composite call identifier, "type:id".
type CID string

func NewCID(callType, id string) CID {
	return CID(callType + ":" + id)
}

// Parse splits the cid back into its type and id parts.
func (c CID) Parse() (callType, id string, err error) {
	parts := strings.SplitN(string(c), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q", ErrBadCID, string(c))
	}
	return parts[0], parts[1], nil
}

// CallState is the lifecycle state of a call. Transitions:
// idle -> ringing|joining -> joined -> left. left is terminal.
type CallState string

const (
	CallStateIdle    CallState = "idle"
	CallStateRinging CallState = "ringing"
	CallStateJoining CallState = "joining"
	CallStateJoined  CallState = "joined"
	CallStateLeft    CallState = "left"
)

// OwnCapability is a permission the current user holds on a call.
type OwnCapability string

const (
	CapSendAudio   OwnCapability = "send-audio"
	CapSendVideo   OwnCapability = "send-video"
	CapScreenshare OwnCapability = "screenshare"
	CapEndCall     OwnCapability = "end-call"
)

// CallMeta is the coordinator-side description of a call.
type CallMeta struct {
	CID       CID            `json:"cid"`
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	CreatedBy User           `json:"created_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Custom    map[string]any `json:"custom,omitempty"`
}

// Member is a user invited to or present on a call.
type Member struct {
	UserID UserID    `json:"user_id"`
	User   User      `json:"user"`
	Role   string    `json:"role,omitempty"`
	Joined time.Time `json:"joined_at,omitempty"`
}

// PermissionRequest is sent by a participant asking for extra capabilities.
type PermissionRequest struct {
	CID         CID             `json:"call_cid"`
	User        User            `json:"user"`
	Permissions []OwnCapability `json:"permissions"`
}
