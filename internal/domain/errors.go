package domain

import "errors"

// Session-binding errors. All client-caused. They are collapsed into one
// opaque client code by ClientCode so a forger cannot learn which check
// tripped; the real reason is only ever logged server-side.
var (
	ErrTokenExpired   = errors.New("binding token expired")
	ErrInvalidToken   = errors.New("binding token invalid")
	ErrNonceReused    = errors.New("binding token nonce already consumed")
	ErrUserIDMismatch = errors.New("binding token subject mismatch")
)

// Lifecycle errors. Resource absent, safe to report plainly.
var (
	ErrMeetingNotFound     = errors.New("meeting not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrMeetingFull         = errors.New("meeting at capacity")
	ErrAlreadyJoined       = errors.New("connection already holds a seat")
)

// Ownership errors. This instance is not (or no longer) authoritative;
// the client should re-resolve its assignment and retry elsewhere.
var (
	ErrFencedOut = errors.New("fenced out: meeting owned by a newer generation")
	ErrDraining  = errors.New("instance draining")
	ErrMigrating = errors.New("meeting migrating")
)

// Mute policy.
var ErrHostMuted = errors.New("participant is muted by host")

// Client codes. Everything binding-related maps to one generic code.
const (
	CodeResumeFailed  = "RESUME_FAILED"
	CodeNotFound      = "NOT_FOUND"
	CodeFull          = "MEETING_FULL"
	CodeAlreadyJoined = "ALREADY_JOINED"
	CodeNotOwner      = "NOT_OWNER"
	CodeHostMuted     = "HOST_MUTED"
	CodeInternalError = "INTERNAL_ERROR"
)

// ClientCode maps an operation error to the code echoed to the client.
// Unknown errors are internal and must stay opaque.
func ClientCode(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrNonceReused),
		errors.Is(err, ErrUserIDMismatch):
		return CodeResumeFailed
	case errors.Is(err, ErrMeetingNotFound),
		errors.Is(err, ErrParticipantNotFound):
		return CodeNotFound
	case errors.Is(err, ErrMeetingFull):
		return CodeFull
	case errors.Is(err, ErrAlreadyJoined):
		return CodeAlreadyJoined
	case errors.Is(err, ErrFencedOut),
		errors.Is(err, ErrDraining),
		errors.Is(err, ErrMigrating):
		return CodeNotOwner
	case errors.Is(err, ErrHostMuted):
		return CodeHostMuted
	default:
		return CodeInternalError
	}
}
