// Package domain contains entities without logic, just meta-data
package domain

import "errors"

const (
	MaxUserIDLen = 36

	// AnonymousUserID is the fixed id assigned to anonymous connections.
	AnonymousUserID = "!anon"
)

var (
	ErrUserIDEmpty   = errors.New("user id empty")
	ErrUserIDTooLong = errors.New("user id too long")
)

type UserID string

// UserType discriminates how a user authenticates against the coordinator.
type UserType string

const (
	UserTypeRegular   UserType = "regular"
	UserTypeGuest     UserType = "guest"
	UserTypeAnonymous UserType = "anonymous"
)

type User struct {
	ID     UserID         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Type   UserType       `json:"type,omitempty"`
	Role   string         `json:"role,omitempty"`
	Image  string         `json:"image,omitempty"`
	Custom map[string]any `json:"custom,omitempty"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(id UserID) (*User, error) {
	if len(id) == 0 {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	return &User{ID: id, Type: UserTypeRegular}, nil
}

// Device is a push device registered for a user with the coordinator.
type Device struct {
	ID               string `json:"id"`
	PushProvider     string `json:"push_provider"`
	PushProviderName string `json:"push_provider_name,omitempty"`
	UserID           UserID `json:"user_id,omitempty"`
	Voip             bool   `json:"voip_token,omitempty"`
}
