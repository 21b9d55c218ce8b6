package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 64

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type (
	ParticipantID string
	CorrelationID string
)

// ConnStatus is a participant's connection state. A seat is created
// Bound (the connecting phase precedes the seat and lives on the
// transport); Left is terminal.
type ConnStatus string

const (
	StatusBound        ConnStatus = "BOUND"
	StatusActive       ConnStatus = "ACTIVE"
	StatusDisconnected ConnStatus = "DISCONNECTED"
	StatusLeft         ConnStatus = "LEFT"
)

// Identity is the authenticated subject behind a participant, as
// established by the auth controller's token. Guests get a generated
// subject and no roles.
type Identity struct {
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name"`
	Host        bool   `json:"host"`
}

// NewIdentity validates display metadata up front so every later layer
// can trust it.
func NewIdentity(subject, displayName string, host bool) (Identity, error) {
	if len(displayName) == 0 {
		return Identity{}, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return Identity{}, ErrDisplayNameTooLong
	}
	if subject == "" {
		subject = "guest:" + uuid.NewString()
	}
	return Identity{Subject: subject, DisplayName: displayName, Host: host}, nil
}

// MuteState carries both mute flags. Self-mute is informational;
// host-mute is enforced and records who imposed it for audit.
type MuteState struct {
	SelfMuted   bool          `json:"self_muted"`
	HostMuted   bool          `json:"host_muted"`
	HostMutedBy ParticipantID `json:"host_muted_by,omitempty"`
}

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}
