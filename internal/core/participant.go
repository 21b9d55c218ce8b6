package core

import (
	"time"

	"github.com/meetmesh/meetmesh/internal/domain"
)

// ParticipantSession is one participant's seat in one meeting. It is
// owned exclusively by the meeting actor; nothing outside the actor's
// goroutine may touch it, so it carries no locks.
type ParticipantSession struct {
	ID          domain.ParticipantID
	Identity    domain.Identity
	Correlation domain.CorrelationID
	Status      domain.ConnStatus
	Mute        domain.MuteState
	JoinedAt    time.Time

	// graceTimer holds the pending disconnect-grace timer, if any.
	// graceSeq distinguishes timer firings across disconnect cycles:
	// a timer armed before a reconnect must not reap the seat after a
	// later disconnect re-armed it.
	graceTimer *time.Timer
	graceSeq   uint64
}

func newParticipantSession(id domain.ParticipantID, identity domain.Identity, joinedAt time.Time) *ParticipantSession {
	return &ParticipantSession{
		ID:          id,
		Identity:    identity,
		Correlation: domain.NewCorrelationID(),
		Status:      domain.StatusBound,
		JoinedAt:    joinedAt,
	}
}

// cancelGrace stops a pending grace timer and invalidates any firing
// already in flight.
func (p *ParticipantSession) cancelGrace() {
	if p.graceTimer != nil {
		p.graceTimer.Stop()
		p.graceTimer = nil
	}
	p.graceSeq++
}

// Muted reports the effective mute state: host-mute wins over anything
// the participant sets locally.
func (p *ParticipantSession) Muted() bool {
	return p.Mute.SelfMuted || p.Mute.HostMuted
}

// RosterEntry is a read-only view of a session for join/reconnect
// replies and reporting. No timer or transport fields.
type RosterEntry struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	DisplayName   string               `json:"display_name"`
	Status        domain.ConnStatus    `json:"status"`
	Muted         bool                 `json:"muted"`
	Host          bool                 `json:"host"`
}

func (p *ParticipantSession) entry() RosterEntry {
	return RosterEntry{
		ParticipantID: p.ID,
		DisplayName:   p.Identity.DisplayName,
		Status:        p.Status,
		Muted:         p.Muted(),
		Host:          p.Identity.Host,
	}
}
