// Package domain contains entities without logic, just meta-data.
package domain

type (
	MeetingID  string
	Generation int64
)

// Phase is the meeting lifecycle phase. Ended is terminal.
type Phase string

const (
	PhaseScheduled Phase = "SCHEDULED"
	PhaseActive    Phase = "ACTIVE"
	PhaseEnding    Phase = "ENDING"
	PhaseEnded     Phase = "ENDED"
)

// Assignment is what the global controller hands this instance when it
// makes it responsible for a meeting.
type Assignment struct {
	MeetingID       MeetingID `json:"meeting_id"`
	MaxParticipants int       `json:"max_participants"`
	Region          string    `json:"region"`
}

type Meeting struct {
	ID              MeetingID
	Phase           Phase
	MaxParticipants int
	Region          string
}

// NewMeeting avoids raw literals in adapters and keeps construction obvious.
func NewMeeting(a Assignment) *Meeting {
	return &Meeting{
		ID:              a.MeetingID,
		Phase:           PhaseScheduled,
		MaxParticipants: a.MaxParticipants,
		Region:          a.Region,
	}
}
