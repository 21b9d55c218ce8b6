package fence

import (
	"context"
	"sync"
	"time"

	"github.com/meetmesh/meetmesh/internal/domain"
)

// MemoryStore is an in-process Store with the same semantics as the
// Redis implementation. Used in tests and single-instance deployments.
type MemoryStore struct {
	mu     sync.Mutex
	gens   map[domain.MeetingID]domain.Generation
	nonces map[string]time.Time
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gens:   make(map[domain.MeetingID]domain.Generation),
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Acquire(_ context.Context, meeting domain.MeetingID) (domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gens[meeting]++
	return s.gens[meeting], nil
}

func (s *MemoryStore) Check(_ context.Context, meeting domain.MeetingID, gen domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[meeting] != gen {
		return domain.ErrFencedOut
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, meeting domain.MeetingID, gen domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[meeting] == gen {
		delete(s.gens, meeting)
	}
	return nil
}

func (s *MemoryStore) ConsumeNonce(_ context.Context, meeting domain.MeetingID, participant domain.ParticipantID, nonce string, gen domain.Generation, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[meeting] != gen {
		return false, domain.ErrFencedOut
	}
	key := string(meeting) + "/" + string(participant) + "/" + nonce
	if exp, ok := s.nonces[key]; ok && s.now().Before(exp) {
		return false, nil
	}
	s.nonces[key] = s.now().Add(ttl)
	return true, nil
}
