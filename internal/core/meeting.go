// Package core holds the meeting actor: one goroutine per live meeting
// owning that meeting's full state. Every mutation arrives as a mailbox
// message, so per-meeting ordering is structural, not a locking
// discipline. Cross-meeting work never blocks on another meeting.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meetmesh/meetmesh/internal/binding"
	"github.com/meetmesh/meetmesh/internal/domain"
	"github.com/meetmesh/meetmesh/internal/fence"
	"github.com/meetmesh/meetmesh/internal/nonce"
)

const mailboxDepth = 64

// ActorConfig carries the policy constants. Both windows trade jitter
// forgiveness against how long a dead seat or replayable token lives.
type ActorConfig struct {
	GracePeriod time.Duration
	DrainWindow time.Duration
}

// JoinResult is returned on successful join or reconnect. The binding
// token is fresh each time; the previous one is dead either way.
type JoinResult struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	BindingToken  string               `json:"binding_token"`
	Roster        []RosterEntry        `json:"roster"`
}

// MuteResult reports the flags after a mute operation. Effective is
// what the media handler should enforce.
type MuteResult struct {
	SelfMuted bool `json:"self_muted"`
	HostMuted bool `json:"host_muted"`
	Effective bool `json:"effective"`
}

// Snapshot is the actor's aggregate view for the registry and
// heartbeat reporting.
type Snapshot struct {
	MeetingID    domain.MeetingID
	Phase        domain.Phase
	Participants int
	Connected    int
	Generation   domain.Generation
}

type task struct {
	fn   func()
	done chan struct{}
}

// Actor owns one meeting. All fields below the mailbox are accessed
// only from the run goroutine.
type Actor struct {
	cfg     ActorConfig
	store   fence.Store
	codec   *binding.Codec
	nonces  *nonce.Tracker
	onEnded func(domain.MeetingID)

	mailbox chan task
	quit    chan struct{}
	// migrated is closed when a newer generation supersedes this
	// actor; callers arriving after that see ErrMigrating instead of
	// a plain not-found, telling them to re-resolve the assignment.
	migrated chan struct{}

	meeting  *domain.Meeting
	gen      domain.Generation
	roster   map[domain.ParticipantID]*ParticipantSession
	fenced   bool
	endTimer *time.Timer
}

func NewActor(a domain.Assignment, cfg ActorConfig, store fence.Store, codec *binding.Codec, nonces *nonce.Tracker, onEnded func(domain.MeetingID)) *Actor {
	return &Actor{
		cfg:      cfg,
		store:    store,
		codec:    codec,
		nonces:   nonces,
		onEnded:  onEnded,
		mailbox:  make(chan task, mailboxDepth),
		quit:     make(chan struct{}),
		migrated: make(chan struct{}),
		meeting:  domain.NewMeeting(a),
		roster:   make(map[domain.ParticipantID]*ParticipantSession),
	}
}

// Start acquires the fencing generation and launches the run loop.
// Acquisition supersedes any previous owner of the meeting.
func (a *Actor) Start(ctx context.Context) error {
	gen, err := a.store.Acquire(ctx, a.meeting.ID)
	if err != nil {
		return err
	}
	a.gen = gen
	go a.run()
	log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
		Int64("gen", int64(gen)).Msg("meeting actor started")
	return nil
}

func (a *Actor) run() {
	for t := range a.mailbox {
		t.fn()
		close(t.done)
		if a.meeting.Phase == domain.PhaseEnded {
			a.shutdown()
			return
		}
	}
}

// shutdown is the run loop's last act. Tasks still queued never run;
// their callers observe quit and get ErrMeetingNotFound.
func (a *Actor) shutdown() {
	close(a.quit)
	a.onEnded(a.meeting.ID)
}

// do posts fn into the mailbox and waits for it to run. After the
// actor has ended, fn never runs: callers get ErrMigrating when the
// meeting was taken over by a newer generation, ErrMeetingNotFound
// when it ended normally.
func (a *Actor) do(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case a.mailbox <- t:
	case <-a.quit:
		return a.endedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-a.quit:
		// The loop closes done before it can close quit, so a task
		// whose done is still open here never ran.
		select {
		case <-t.done:
			return nil
		default:
			return a.endedErr()
		}
	}
}

// endedErr is only meaningful once quit is closed; migrated is closed
// strictly before quit, so this read is ordered.
func (a *Actor) endedErr() error {
	select {
	case <-a.migrated:
		return domain.ErrMigrating
	default:
		return domain.ErrMeetingNotFound
	}
}

// post is do without a caller: timers use it so a firing can never
// deadlock against an actor that ended first.
func (a *Actor) post(fn func()) {
	t := task{fn: fn, done: make(chan struct{})}
	select {
	case a.mailbox <- t:
	case <-a.quit:
	}
}

// checkGen confirms this actor still owns the meeting before any
// mutation that must survive failover. Supersession is fatal to this
// actor's authority: it ends itself locally without touching the store.
func (a *Actor) checkGen(ctx context.Context) error {
	err := a.store.Check(ctx, a.meeting.ID, a.gen)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrFencedOut) || a.fenced {
		a.fenceOut()
		return domain.ErrFencedOut
	}
	// Store unreachable: transient, the caller retries. Authority is
	// unknown, not lost.
	return err
}

func (a *Actor) fenceOut() {
	if a.fenced {
		return
	}
	a.fenced = true
	close(a.migrated)
	log.Warn().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
		Int64("gen", int64(a.gen)).Msg("fenced out, tearing down")
	a.teardown(false)
}

// teardown moves the meeting to Ended. releaseFence is false when a
// newer owner exists; its store state must not be disturbed.
func (a *Actor) teardown(releaseFence bool) {
	for _, p := range a.roster {
		p.cancelGrace()
		p.Status = domain.StatusLeft
	}
	a.roster = make(map[domain.ParticipantID]*ParticipantSession)
	if a.endTimer != nil {
		a.endTimer.Stop()
		a.endTimer = nil
	}
	a.meeting.Phase = domain.PhaseEnded
	if releaseFence {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.store.Release(ctx, a.meeting.ID, a.gen); err != nil {
			log.Error().Err(err).Str("module", "core.meeting").
				Str("meeting", string(a.meeting.ID)).Msg("fence release failed")
		}
	}
}

func (a *Actor) mutable() error {
	if a.meeting.Phase == domain.PhaseEnding || a.meeting.Phase == domain.PhaseEnded {
		return domain.ErrMeetingNotFound
	}
	return nil
}

// Join admits a new participant. First join only; reconnection goes
// through Reconnect. The roster count goes up exactly here.
func (a *Actor) Join(ctx context.Context, identity domain.Identity) (JoinResult, error) {
	var res JoinResult
	var opErr error
	err := a.do(ctx, func() {
		if opErr = a.mutable(); opErr != nil {
			return
		}
		if opErr = a.checkGen(ctx); opErr != nil {
			return
		}
		if a.meeting.MaxParticipants > 0 && len(a.roster) >= a.meeting.MaxParticipants {
			opErr = domain.ErrMeetingFull
			return
		}

		pid := domain.NewParticipantID()
		p := newParticipantSession(pid, identity, time.Now())
		a.roster[pid] = p
		p.Status = domain.StatusActive

		if a.meeting.Phase == domain.PhaseScheduled {
			a.meeting.Phase = domain.PhaseActive
		}

		_, raw := a.codec.Issue(a.meeting.ID, pid, p.Correlation)
		res = JoinResult{ParticipantID: pid, BindingToken: raw, Roster: a.rosterSnapshot()}
		log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
			Str("participant", string(pid)).Str("subject", identity.Subject).
			Int("roster", len(a.roster)).Msg("participant joined")
	})
	if err != nil {
		return JoinResult{}, err
	}
	return res, opErr
}

// Reconnect resumes a disconnected seat. The binding token must verify,
// its nonce must be unconsumed, and the seat must be Disconnected with
// a live grace timer, checked in that order so a replayed token is
// reported as a replay regardless of what the seat is doing now. The
// roster count does not change: the whole point of the protocol is
// that a reconnect reuses the seat.
func (a *Actor) Reconnect(ctx context.Context, pid domain.ParticipantID, rawToken string, identity domain.Identity) (JoinResult, error) {
	var res JoinResult
	var opErr error
	err := a.do(ctx, func() {
		if a.meeting.Phase == domain.PhaseEnded {
			opErr = domain.ErrMeetingNotFound
			return
		}
		if opErr = a.checkGen(ctx); opErr != nil {
			return
		}

		tok, verr := a.codec.Verify(rawToken, a.meeting.ID, pid)
		if verr != nil {
			opErr = verr
			return
		}
		// Nonce before seat state: a replayed token must report the
		// replay even when the seat it names is live again.
		if nerr := a.nonces.Consume(ctx, a.meeting.ID, pid, tok.Nonce, a.gen); nerr != nil {
			if errors.Is(nerr, domain.ErrFencedOut) {
				a.fenceOut()
			}
			opErr = nerr
			return
		}

		p, ok := a.roster[pid]
		if !ok {
			opErr = domain.ErrParticipantNotFound
			return
		}
		if p.Identity.Subject != identity.Subject {
			opErr = domain.ErrUserIDMismatch
			return
		}
		if p.Status != domain.StatusDisconnected || p.graceTimer == nil {
			// A live or already-left seat cannot be resumed.
			opErr = domain.ErrInvalidToken
			return
		}

		// Only a fully validated reconnect revives the seat.
		p.cancelGrace()
		p.Status = domain.StatusActive
		_, raw := a.codec.Issue(a.meeting.ID, pid, p.Correlation)
		res = JoinResult{ParticipantID: pid, BindingToken: raw, Roster: a.rosterSnapshot()}
		log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
			Str("participant", string(pid)).Msg("participant reconnected")
	})
	if err != nil {
		return JoinResult{}, err
	}
	return res, opErr
}

// Disconnect marks a transport-level drop and arms the grace timer.
// The seat stays counted; no store round trip, this is a local
// observation that only narrows what the participant can do next.
func (a *Actor) Disconnect(ctx context.Context, pid domain.ParticipantID) error {
	var opErr error
	err := a.do(ctx, func() {
		p, ok := a.roster[pid]
		if !ok {
			opErr = domain.ErrParticipantNotFound
			return
		}
		if p.Status != domain.StatusActive {
			return
		}
		p.cancelGrace()
		p.Status = domain.StatusDisconnected
		seq := p.graceSeq
		p.graceTimer = time.AfterFunc(a.cfg.GracePeriod, func() {
			a.post(func() { a.expireGrace(pid, seq) })
		})
		log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
			Str("participant", string(pid)).Dur("grace", a.cfg.GracePeriod).Msg("participant disconnected, grace armed")
	})
	if err != nil {
		return err
	}
	return opErr
}

// expireGrace runs inside the actor when a grace timer fires. The seq
// guard makes expiry exact-once: a timer from a previous disconnect
// cycle is a no-op.
func (a *Actor) expireGrace(pid domain.ParticipantID, seq uint64) {
	p, ok := a.roster[pid]
	if !ok || p.Status != domain.StatusDisconnected || p.graceSeq != seq {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.checkGen(ctx); err != nil {
		if errors.Is(err, domain.ErrFencedOut) {
			return
		}
		// Store unreachable. Re-arm so the seat is still reclaimed
		// eventually; the seq is unchanged so a reconnect in the
		// meantime still wins.
		p.graceTimer = time.AfterFunc(a.cfg.GracePeriod/4+time.Second, func() {
			a.post(func() { a.expireGrace(pid, seq) })
		})
		return
	}
	a.removeSession(p)
	log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
		Str("participant", string(pid)).Msg("grace expired, seat reclaimed")
	a.maybeEnd()
}

// Leave removes a participant permanently: explicit leave, or removal
// by a host.
func (a *Actor) Leave(ctx context.Context, pid domain.ParticipantID, by domain.ParticipantID) error {
	var opErr error
	err := a.do(ctx, func() {
		if a.meeting.Phase == domain.PhaseEnded {
			opErr = domain.ErrMeetingNotFound
			return
		}
		if opErr = a.checkGen(ctx); opErr != nil {
			return
		}
		p, ok := a.roster[pid]
		if !ok {
			opErr = domain.ErrParticipantNotFound
			return
		}
		a.removeSession(p)
		log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
			Str("participant", string(pid)).Str("by", string(by)).Msg("participant left")
		a.maybeEnd()
	})
	if err != nil {
		return err
	}
	return opErr
}

func (a *Actor) removeSession(p *ParticipantSession) {
	p.cancelGrace()
	p.Status = domain.StatusLeft
	delete(a.roster, p.ID)
}

// maybeEnd begins the Ending phase when the last participant is gone.
func (a *Actor) maybeEnd() {
	if len(a.roster) == 0 && a.meeting.Phase == domain.PhaseActive {
		a.beginEnding()
	}
}

func (a *Actor) beginEnding() {
	a.meeting.Phase = domain.PhaseEnding
	log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
		Dur("drain", a.cfg.DrainWindow).Msg("meeting ending")
	a.endTimer = time.AfterFunc(a.cfg.DrainWindow, func() {
		a.post(func() {
			if a.meeting.Phase == domain.PhaseEnding {
				a.teardown(true)
			}
		})
	})
}

// SetMute applies a mute or unmute. Host mutes are enforced and record
// who imposed them. A self-unmute while host-muted updates the local
// flag but is rejected as far as effective audio goes.
func (a *Actor) SetMute(ctx context.Context, pid, by domain.ParticipantID, muted, byHost bool) (MuteResult, error) {
	var res MuteResult
	var opErr error
	err := a.do(ctx, func() {
		if opErr = a.mutable(); opErr != nil {
			return
		}
		if opErr = a.checkGen(ctx); opErr != nil {
			return
		}
		p, ok := a.roster[pid]
		if !ok {
			opErr = domain.ErrParticipantNotFound
			return
		}

		if byHost {
			p.Mute.HostMuted = muted
			if muted {
				p.Mute.HostMutedBy = by
			} else {
				p.Mute.HostMutedBy = ""
			}
		} else {
			p.Mute.SelfMuted = muted
			if !muted && p.Mute.HostMuted {
				opErr = domain.ErrHostMuted
			}
		}
		res = MuteResult{SelfMuted: p.Mute.SelfMuted, HostMuted: p.Mute.HostMuted, Effective: p.Muted()}
		log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
			Str("participant", string(pid)).Str("by", string(by)).
			Bool("by_host", byHost).Bool("effective", res.Effective).Msg("mute updated")
	})
	if err != nil {
		return MuteResult{}, err
	}
	return res, opErr
}

// End terminates the meeting explicitly. Ending still drains in-flight
// signaling for the drain window before the actor goes away.
func (a *Actor) End(ctx context.Context, by domain.ParticipantID) error {
	var opErr error
	err := a.do(ctx, func() {
		switch a.meeting.Phase {
		case domain.PhaseEnded:
			opErr = domain.ErrMeetingNotFound
			return
		case domain.PhaseEnding:
			return
		}
		if opErr = a.checkGen(ctx); opErr != nil {
			return
		}
		for _, p := range a.roster {
			a.removeSession(p)
		}
		log.Info().Str("module", "core.meeting").Str("meeting", string(a.meeting.ID)).
			Str("by", string(by)).Msg("meeting ended by command")
		a.beginEnding()
	})
	if err != nil {
		return err
	}
	return opErr
}

// Drain asks the actor to wind down because the instance is going
// away. Participants are dropped; their next resolve lands elsewhere.
func (a *Actor) Drain(ctx context.Context) error {
	return a.do(ctx, func() {
		if a.meeting.Phase == domain.PhaseEnded || a.meeting.Phase == domain.PhaseEnding {
			return
		}
		for _, p := range a.roster {
			a.removeSession(p)
		}
		a.beginEnding()
	})
}

// Snapshot reports aggregate state. Read-only, but still serialized
// through the mailbox so it never observes a half-applied mutation.
func (a *Actor) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := a.do(ctx, func() {
		s = Snapshot{
			MeetingID:    a.meeting.ID,
			Phase:        a.meeting.Phase,
			Participants: len(a.roster),
			Connected:    a.connectedCount(),
			Generation:   a.gen,
		}
	})
	return s, err
}

func (a *Actor) connectedCount() int {
	n := 0
	for _, p := range a.roster {
		if p.Status == domain.StatusActive {
			n++
		}
	}
	return n
}

func (a *Actor) rosterSnapshot() []RosterEntry {
	out := make([]RosterEntry, 0, len(a.roster))
	for _, p := range a.roster {
		out = append(out, p.entry())
	}
	return out
}

// MeetingID is stable after construction and safe to read from any
// goroutine.
func (a *Actor) MeetingID() domain.MeetingID { return a.meeting.ID }
