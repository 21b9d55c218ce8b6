// Package nonce tracks consumed binding-token nonces so a token can
// resume a session at most once.
package nonce

import (
	"context"
	"time"

	"github.com/meetmesh/meetmesh/internal/domain"
	"github.com/meetmesh/meetmesh/internal/fence"
)

// Tracker records nonces in the fenced store. Records carry their own
// TTL of token TTL + clock skew, so the store never grows past the
// window in which a replay could still verify.
type Tracker struct {
	store  fence.Store
	window time.Duration
}

func NewTracker(store fence.Store, tokenTTL, skew time.Duration) *Tracker {
	return &Tracker{store: store, window: tokenTTL + skew}
}

// Consume marks the nonce used. ErrNonceReused on replay; ErrFencedOut
// is passed through when the caller's generation has been superseded.
func (t *Tracker) Consume(ctx context.Context, meeting domain.MeetingID, participant domain.ParticipantID, nonce string, gen domain.Generation) error {
	fresh, err := t.store.ConsumeNonce(ctx, meeting, participant, nonce, gen, t.window)
	if err != nil {
		return err
	}
	if !fresh {
		return domain.ErrNonceReused
	}
	return nil
}
