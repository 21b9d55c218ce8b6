// Package fence is the external source of truth for meeting ownership.
// Each meeting has a monotonically increasing generation; an instance
// owns a meeting only while the generation it acquired is still current.
// Writes guarded by a stale generation always fail closed.
package fence

import (
	"context"
	"time"

	"github.com/meetmesh/meetmesh/internal/domain"
)

// Store is the fenced key-value store shared by all controller instances.
// Implementations must be safe for concurrent use; handles are cheap to
// share across meetings and must not be wrapped in extra locks.
type Store interface {
	// Acquire atomically bumps the meeting's generation and grants the
	// caller exclusive write rights under the returned generation,
	// superseding any previous owner.
	Acquire(ctx context.Context, meeting domain.MeetingID) (domain.Generation, error)

	// Check verifies gen is still the current generation for the
	// meeting. Returns domain.ErrFencedOut when superseded.
	Check(ctx context.Context, meeting domain.MeetingID, gen domain.Generation) error

	// Release deletes the meeting's fencing state if gen is still
	// current. A superseded caller's release is a no-op, not an error:
	// the new owner's state must survive.
	Release(ctx context.Context, meeting domain.MeetingID, gen domain.Generation) error

	// ConsumeNonce records a binding-token nonce as used, guarded by
	// gen. The first consume under a current generation returns true;
	// a repeat within ttl returns false. A stale gen returns
	// domain.ErrFencedOut.
	ConsumeNonce(ctx context.Context, meeting domain.MeetingID, participant domain.ParticipantID, nonce string, gen domain.Generation, ttl time.Duration) (bool, error)
}
