package fence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmesh/meetmesh/internal/domain"
)

func TestAcquireBumpsMonotonically(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	g1, err := s.Acquire(ctx, "m1")
	require.NoError(t, err)
	g2, err := s.Acquire(ctx, "m1")
	require.NoError(t, err)
	assert.Greater(t, g2, g1)
}

func TestCheckFencesStaleGeneration(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Instance A owns gen 1, then instance B takes over.
	gA, _ := s.Acquire(ctx, "m2")
	assert.NoError(t, s.Check(ctx, "m2", gA))

	gB, _ := s.Acquire(ctx, "m2")
	assert.ErrorIs(t, s.Check(ctx, "m2", gA), domain.ErrFencedOut)
	assert.NoError(t, s.Check(ctx, "m2", gB))
}

func TestReleaseOnlyByCurrentOwner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	gA, _ := s.Acquire(ctx, "m1")
	gB, _ := s.Acquire(ctx, "m1")

	// Stale release must not clobber the new owner.
	require.NoError(t, s.Release(ctx, "m1", gA))
	assert.NoError(t, s.Check(ctx, "m1", gB))

	require.NoError(t, s.Release(ctx, "m1", gB))
	assert.ErrorIs(t, s.Check(ctx, "m1", gB), domain.ErrFencedOut)
}

func TestConsumeNonceSingleUse(t *testing.T) {
	now := time.Unix(1700000000, 0)
	s := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()
	gen, _ := s.Acquire(ctx, "m1")

	ok, err := s.ConsumeNonce(ctx, "m1", "p1", "n1", gen, 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConsumeNonce(ctx, "m1", "p1", "n1", gen, 15*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same nonce value under another participant is a different key.
	ok, err = s.ConsumeNonce(ctx, "m1", "p2", "n1", gen, 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The record expires with the token window.
	now = now.Add(16 * time.Second)
	ok, err = s.ConsumeNonce(ctx, "m1", "p1", "n1", gen, 15*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsumeNonceRequiresCurrentGeneration(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	gA, _ := s.Acquire(ctx, "m1")
	_, _ = s.Acquire(ctx, "m1")

	_, err := s.ConsumeNonce(ctx, "m1", "p1", "n1", gA, time.Second)
	assert.ErrorIs(t, err, domain.ErrFencedOut)
}
