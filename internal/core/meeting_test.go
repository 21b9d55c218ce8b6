package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmesh/meetmesh/internal/binding"
	"github.com/meetmesh/meetmesh/internal/domain"
	"github.com/meetmesh/meetmesh/internal/fence"
	"github.com/meetmesh/meetmesh/internal/nonce"
)

type actorFixture struct {
	actor *Actor
	store *fence.MemoryStore
	ended chan domain.MeetingID
}

func newFixture(t *testing.T, grace, drain time.Duration, capacity int) *actorFixture {
	t.Helper()
	store := fence.NewMemoryStore()
	codec := binding.NewCodec([]byte("test-secret"), 10*time.Second, 5*time.Second)
	tracker := nonce.NewTracker(store, 10*time.Second, 5*time.Second)
	ended := make(chan domain.MeetingID, 4)

	a := NewActor(
		domain.Assignment{MeetingID: "m1", MaxParticipants: capacity},
		ActorConfig{GracePeriod: grace, DrainWindow: drain},
		store, codec, tracker,
		func(id domain.MeetingID) { ended <- id },
	)
	require.NoError(t, a.Start(context.Background()))
	return &actorFixture{actor: a, store: store, ended: ended}
}

func identity(subject string) domain.Identity {
	id, _ := domain.NewIdentity(subject, subject, false)
	return id
}

func hostIdentity(subject string) domain.Identity {
	id, _ := domain.NewIdentity(subject, subject, true)
	return id
}

func TestJoinDisconnectReconnectNoDoubleCount(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, time.Minute, 0)
	ctx := context.Background()

	res, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)
	require.Len(t, res.Roster, 1)

	snap, _ := f.actor.Snapshot(ctx)
	assert.Equal(t, 1, snap.Participants)
	assert.Equal(t, 1, snap.Connected)

	// Transport drop: the seat stays counted.
	require.NoError(t, f.actor.Disconnect(ctx, res.ParticipantID))
	snap, _ = f.actor.Snapshot(ctx)
	assert.Equal(t, 1, snap.Participants)
	assert.Equal(t, 0, snap.Connected)

	// Validated reconnect reuses the seat: still exactly one.
	res2, err := f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	require.NoError(t, err)
	snap, _ = f.actor.Snapshot(ctx)
	assert.Equal(t, 1, snap.Participants)
	assert.Equal(t, 1, snap.Connected)
	assert.NotEqual(t, res.BindingToken, res2.BindingToken)
}

func TestReconnectReplaySameTokenRejected(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond, time.Minute, 0)
	ctx := context.Background()

	res, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)
	require.NoError(t, f.actor.Disconnect(ctx, res.ParticipantID))

	_, err = f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	require.NoError(t, err)

	// Same token again, within TTL: the nonce is spent.
	require.NoError(t, f.actor.Disconnect(ctx, res.ParticipantID))
	_, err = f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	assert.ErrorIs(t, err, domain.ErrNonceReused)
}

func TestReplayAfterResumeReportsNonceReused(t *testing.T) {
	f := newFixture(t, time.Second, time.Minute, 0)
	ctx := context.Background()

	res, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)
	require.NoError(t, f.actor.Disconnect(ctx, res.ParticipantID))

	_, err = f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	require.NoError(t, err)

	// The seat is live again. Replaying the consumed token, still
	// within its TTL, reports the replay rather than the seat state.
	_, err = f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	assert.ErrorIs(t, err, domain.ErrNonceReused)
}

func TestGraceExpiryReclaimsSeatExactlyOnce(t *testing.T) {
	f := newFixture(t, 60*time.Millisecond, time.Minute, 0)
	ctx := context.Background()

	res, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)
	require.NoError(t, f.actor.Disconnect(ctx, res.ParticipantID))

	// Not reclaimed before the grace period...
	snap, _ := f.actor.Snapshot(ctx)
	assert.Equal(t, 1, snap.Participants)

	// ...reclaimed after it, and the meeting drains to Ending.
	assert.Eventually(t, func() bool {
		s, err := f.actor.Snapshot(ctx)
		return err == nil && s.Participants == 0
	}, time.Second, 10*time.Millisecond)

	// The seat is gone for good; a late reconnect finds nothing.
	_, err = f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	assert.ErrorIs(t, err, domain.ErrParticipantNotFound)
}

func TestReconnectCancelsGraceTimer(t *testing.T) {
	f := newFixture(t, 80*time.Millisecond, time.Minute, 0)
	ctx := context.Background()

	res, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)
	require.NoError(t, f.actor.Disconnect(ctx, res.ParticipantID))

	_, err = f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	require.NoError(t, err)

	// Well past the original grace deadline the seat must survive.
	time.Sleep(150 * time.Millisecond)
	snap, _ := f.actor.Snapshot(ctx)
	assert.Equal(t, 1, snap.Participants)
	assert.Equal(t, 1, snap.Connected)
}

func TestReconnectWhileActiveRejected(t *testing.T) {
	f := newFixture(t, time.Second, time.Minute, 0)
	ctx := context.Background()

	res, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)

	_, err = f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	assert.ErrorIs(t, err, domain.ErrInvalidToken)
}

func TestReconnectSubjectMismatchRejected(t *testing.T) {
	f := newFixture(t, time.Second, time.Minute, 0)
	ctx := context.Background()

	res, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)
	require.NoError(t, f.actor.Disconnect(ctx, res.ParticipantID))

	_, err = f.actor.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("mallory"))
	assert.ErrorIs(t, err, domain.ErrUserIDMismatch)
}

func TestReconnectExpiredToken(t *testing.T) {
	store := fence.NewMemoryStore()
	// Token dies almost immediately and no skew allowance.
	codec := binding.NewCodec([]byte("test-secret"), 10*time.Millisecond, 0)
	tracker := nonce.NewTracker(store, 10*time.Millisecond, 0)
	a := NewActor(domain.Assignment{MeetingID: "m1"},
		ActorConfig{GracePeriod: 5 * time.Second, DrainWindow: time.Minute},
		store, codec, tracker, func(domain.MeetingID) {})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	res, err := a.Join(ctx, identity("alice"))
	require.NoError(t, err)
	require.NoError(t, a.Disconnect(ctx, res.ParticipantID))

	// Past the token's life, well inside the grace period.
	time.Sleep(200 * time.Millisecond)
	_, err = a.Reconnect(ctx, res.ParticipantID, res.BindingToken, identity("alice"))
	assert.ErrorIs(t, err, domain.ErrTokenExpired)
}

func TestFencingMonotonicity(t *testing.T) {
	store := fence.NewMemoryStore()
	codec := binding.NewCodec([]byte("test-secret"), 10*time.Second, 5*time.Second)
	tracker := nonce.NewTracker(store, 10*time.Second, 5*time.Second)
	cfg := ActorConfig{GracePeriod: time.Second, DrainWindow: time.Minute}
	ctx := context.Background()

	endedA := make(chan domain.MeetingID, 1)
	instanceA := NewActor(domain.Assignment{MeetingID: "m2"}, cfg, store, codec, tracker,
		func(id domain.MeetingID) { endedA <- id })
	require.NoError(t, instanceA.Start(ctx))

	_, err := instanceA.Join(ctx, identity("alice"))
	require.NoError(t, err)

	// Instance B takes over: it bumps the generation.
	instanceB := NewActor(domain.Assignment{MeetingID: "m2"}, cfg, store, codec, tracker,
		func(domain.MeetingID) {})
	require.NoError(t, instanceB.Start(ctx))

	// A's next mutation fails closed and A tears itself down.
	_, err = instanceA.Join(ctx, identity("bob"))
	assert.ErrorIs(t, err, domain.ErrFencedOut)

	select {
	case id := <-endedA:
		assert.Equal(t, domain.MeetingID("m2"), id)
	case <-time.After(time.Second):
		t.Fatal("fenced-out actor did not tear down")
	}

	// Every further attempt against A reports the takeover, steering
	// the client back to assignment resolution.
	_, err = instanceA.Join(ctx, identity("carol"))
	assert.ErrorIs(t, err, domain.ErrMigrating)
	_, err = instanceA.Snapshot(ctx)
	assert.ErrorIs(t, err, domain.ErrMigrating)

	// B is unaffected.
	_, err = instanceB.Join(ctx, identity("dave"))
	assert.NoError(t, err)
}

func TestHostMuteEnforced(t *testing.T) {
	f := newFixture(t, time.Second, time.Minute, 0)
	ctx := context.Background()

	host, err := f.actor.Join(ctx, hostIdentity("host"))
	require.NoError(t, err)
	bob, err := f.actor.Join(ctx, identity("bob"))
	require.NoError(t, err)

	res, err := f.actor.SetMute(ctx, bob.ParticipantID, host.ParticipantID, true, true)
	require.NoError(t, err)
	assert.True(t, res.HostMuted)
	assert.True(t, res.Effective)

	// Bob's self-unmute is rejected while host-muted; the local flag
	// still toggles but the effective state stays muted.
	res, err = f.actor.SetMute(ctx, bob.ParticipantID, bob.ParticipantID, false, false)
	assert.ErrorIs(t, err, domain.ErrHostMuted)

	res, err = f.actor.SetMute(ctx, bob.ParticipantID, bob.ParticipantID, true, false)
	require.NoError(t, err)
	assert.True(t, res.SelfMuted)
	assert.True(t, res.Effective)

	// The host lifting the mute restores bob's control.
	res, err = f.actor.SetMute(ctx, bob.ParticipantID, host.ParticipantID, false, true)
	require.NoError(t, err)
	assert.False(t, res.HostMuted)
	res, err = f.actor.SetMute(ctx, bob.ParticipantID, bob.ParticipantID, false, false)
	require.NoError(t, err)
	assert.False(t, res.Effective)
}

func TestMuteStateSurvivesReconnect(t *testing.T) {
	f := newFixture(t, time.Second, time.Minute, 0)
	ctx := context.Background()

	host, _ := f.actor.Join(ctx, hostIdentity("host"))
	bob, _ := f.actor.Join(ctx, identity("bob"))
	_, err := f.actor.SetMute(ctx, bob.ParticipantID, host.ParticipantID, true, true)
	require.NoError(t, err)

	require.NoError(t, f.actor.Disconnect(ctx, bob.ParticipantID))
	res, err := f.actor.Reconnect(ctx, bob.ParticipantID, bob.BindingToken, identity("bob"))
	require.NoError(t, err)

	for _, e := range res.Roster {
		if e.ParticipantID == bob.ParticipantID {
			assert.True(t, e.Muted)
		}
	}
}

func TestMeetingCapacity(t *testing.T) {
	f := newFixture(t, time.Second, time.Minute, 1)
	ctx := context.Background()

	_, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)
	_, err = f.actor.Join(ctx, identity("bob"))
	assert.ErrorIs(t, err, domain.ErrMeetingFull)
}

func TestExplicitEndRejectsFurtherMutations(t *testing.T) {
	f := newFixture(t, time.Second, 30*time.Millisecond, 0)
	ctx := context.Background()

	host, err := f.actor.Join(ctx, hostIdentity("host"))
	require.NoError(t, err)
	require.NoError(t, f.actor.End(ctx, host.ParticipantID))

	select {
	case id := <-f.ended:
		assert.Equal(t, domain.MeetingID("m1"), id)
	case <-time.After(time.Second):
		t.Fatal("ended meeting was not reaped")
	}

	_, err = f.actor.Join(ctx, identity("late"))
	assert.ErrorIs(t, err, domain.ErrMeetingNotFound)
}

func TestLastLeaveEndsMeeting(t *testing.T) {
	f := newFixture(t, time.Second, 30*time.Millisecond, 0)
	ctx := context.Background()

	res, err := f.actor.Join(ctx, identity("alice"))
	require.NoError(t, err)
	require.NoError(t, f.actor.Leave(ctx, res.ParticipantID, res.ParticipantID))

	select {
	case <-f.ended:
	case <-time.After(time.Second):
		t.Fatal("empty meeting did not end")
	}
}

func TestPerMeetingOrdering(t *testing.T) {
	f := newFixture(t, time.Second, time.Minute, 0)
	ctx := context.Background()

	// The anchor keeps the meeting alive across the churn below.
	_, err := f.actor.Join(ctx, identity("anchor"))
	require.NoError(t, err)

	// A join issued before its own leave can never be reordered: both
	// flow through the same FIFO mailbox, so every cycle nets to zero.
	for i := 0; i < 50; i++ {
		res, err := f.actor.Join(ctx, identity("bob"))
		require.NoError(t, err)
		require.NoError(t, f.actor.Leave(ctx, res.ParticipantID, res.ParticipantID))
	}

	snap, err := f.actor.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Participants)
}
