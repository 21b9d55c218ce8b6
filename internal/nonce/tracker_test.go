package nonce

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetmesh/meetmesh/internal/domain"
	"github.com/meetmesh/meetmesh/internal/fence"
)

func TestConsumeIsSingleUse(t *testing.T) {
	store := fence.NewMemoryStore()
	ctx := context.Background()
	gen, err := store.Acquire(ctx, "m1")
	require.NoError(t, err)

	tr := NewTracker(store, 10*time.Second, 5*time.Second)
	assert.NoError(t, tr.Consume(ctx, "m1", "p1", "n1", gen))
	assert.ErrorIs(t, tr.Consume(ctx, "m1", "p1", "n1", gen), domain.ErrNonceReused)
}

func TestConsumePropagatesFencing(t *testing.T) {
	store := fence.NewMemoryStore()
	ctx := context.Background()
	stale, _ := store.Acquire(ctx, "m1")
	_, _ = store.Acquire(ctx, "m1")

	tr := NewTracker(store, 10*time.Second, 5*time.Second)
	assert.ErrorIs(t, tr.Consume(ctx, "m1", "p1", "n1", stale), domain.ErrFencedOut)
}
