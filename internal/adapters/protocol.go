// Package adapters carries the transport edges: the client signaling
// websocket, the HTTP router, and the assignment-service client.
package adapters

import (
	"github.com/meetmesh/meetmesh/internal/core"
	"github.com/meetmesh/meetmesh/internal/domain"
)

// clientMessage is one inbound signaling frame. Type selects which
// fields matter.
type clientMessage struct {
	Type string `json:"type"`

	MeetingID     domain.MeetingID     `json:"meeting_id,omitempty"`
	IdentityToken string               `json:"identity_token,omitempty"`
	DisplayName   string               `json:"display_name,omitempty"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	BindingToken  string               `json:"binding_token,omitempty"`
	Target        domain.ParticipantID `json:"target,omitempty"`
}

const (
	msgJoin      = "join"
	msgReconnect = "reconnect"
	msgLeave     = "leave"
	msgMute      = "mute"
	msgUnmute    = "unmute"
	msgEnd       = "end"
)

// serverMessage is one outbound signaling frame.
type serverMessage struct {
	Type string `json:"type"`

	// Set on "joined"/"reconnected".
	Join *core.JoinResult `json:"join,omitempty"`
	// Set on "muted".
	Mute *core.MuteResult `json:"mute,omitempty"`
	// Set on "error". Only the taxonomy code, never internals.
	Code string `json:"code,omitempty"`
}
