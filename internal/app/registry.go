// Package app wires meeting actors to the rest of the instance: the
// registry that owns them, assignment intake, and the background
// health loop.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meetmesh/meetmesh/internal/binding"
	"github.com/meetmesh/meetmesh/internal/core"
	"github.com/meetmesh/meetmesh/internal/domain"
	"github.com/meetmesh/meetmesh/internal/fence"
	"github.com/meetmesh/meetmesh/internal/nonce"
	"github.com/meetmesh/meetmesh/internal/observability"
)

// Registry owns the live meeting actors on this instance. Meetings are
// spawned lazily on first traffic, but only for meetings the global
// controller assigned here.
type Registry struct {
	cfg     core.ActorConfig
	store   fence.Store
	codec   *binding.Codec
	nonces  *nonce.Tracker
	metrics *observability.Metrics

	mu       sync.RWMutex
	assigned map[domain.MeetingID]domain.Assignment
	actors   map[domain.MeetingID]*core.Actor
	// spawning marks meetings whose actor is mid-start; the channel is
	// closed when the spawn settles. Start hits the fenced store, so it
	// must not run under mu.
	spawning map[domain.MeetingID]chan struct{}
	draining bool
}

func NewRegistry(cfg core.ActorConfig, store fence.Store, codec *binding.Codec, nonces *nonce.Tracker, metrics *observability.Metrics) *Registry {
	return &Registry{
		cfg:      cfg,
		store:    store,
		codec:    codec,
		nonces:   nonces,
		metrics:  metrics,
		assigned: make(map[domain.MeetingID]domain.Assignment),
		actors:   make(map[domain.MeetingID]*core.Actor),
		spawning: make(map[domain.MeetingID]chan struct{}),
	}
}

// Assign records a meeting assignment from the global controller. The
// actor itself is spawned on first signaling traffic.
func (r *Registry) Assign(a domain.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return domain.ErrDraining
	}
	r.assigned[a.MeetingID] = a
	log.Info().Str("module", "app.registry").Str("meeting", string(a.MeetingID)).
		Int("capacity", a.MaxParticipants).Str("region", a.Region).Msg("meeting assigned")
	return nil
}

// GetOrCreate resolves a meeting id to its actor, spawning one if the
// meeting is assigned here but not yet live. The spawn's store round
// trip runs outside the lock; a slow store stalls only this meeting's
// callers, never other meetings' lookups.
func (r *Registry) GetOrCreate(ctx context.Context, id domain.MeetingID) (*core.Actor, error) {
	for {
		r.mu.RLock()
		actor, ok := r.actors[id]
		r.mu.RUnlock()
		if ok {
			return actor, nil
		}

		r.mu.Lock()
		if actor, ok = r.actors[id]; ok {
			r.mu.Unlock()
			return actor, nil
		}
		if r.draining {
			r.mu.Unlock()
			return nil, domain.ErrDraining
		}
		assignment, ok := r.assigned[id]
		if !ok {
			r.mu.Unlock()
			return nil, domain.ErrMeetingNotFound
		}
		if wait, inflight := r.spawning[id]; inflight {
			r.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		settled := make(chan struct{})
		r.spawning[id] = settled
		r.mu.Unlock()

		actor = core.NewActor(assignment, r.cfg, r.store, r.codec, r.nonces, r.reap)
		err := actor.Start(ctx)

		r.mu.Lock()
		delete(r.spawning, id)
		close(settled)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.actors[id] = actor
		r.metrics.ActiveMeetings.Set(float64(len(r.actors)))
		r.mu.Unlock()
		return actor, nil
	}
}

// Get returns a live actor without spawning.
func (r *Registry) Get(id domain.MeetingID) (*core.Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actor, ok := r.actors[id]
	return actor, ok
}

// reap is the actor's onEnded callback. Runs on the actor goroutine as
// its last act, so it must not call back into the actor.
func (r *Registry) reap(id domain.MeetingID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, id)
	delete(r.assigned, id)
	r.metrics.ActiveMeetings.Set(float64(len(r.actors)))
	log.Info().Str("module", "app.registry").Str("meeting", string(id)).Msg("meeting reaped")
}

// Load reports aggregate counts for heartbeats.
func (r *Registry) Load(ctx context.Context) (meetings, connections int) {
	r.mu.RLock()
	actors := make([]*core.Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.RUnlock()

	for _, a := range actors {
		snap, err := a.Snapshot(ctx)
		if err != nil {
			continue
		}
		meetings++
		connections += snap.Connected
	}
	r.metrics.ActiveConnections.Set(float64(connections))
	return meetings, connections
}

// Draining reports whether this instance has stopped taking work.
func (r *Registry) Draining() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.draining
}

// Drain stops accepting assignments and asks every live actor to wind
// down, then waits up to window for the actors to be reaped.
func (r *Registry) Drain(ctx context.Context, window time.Duration) {
	r.mu.Lock()
	r.draining = true
	actors := make([]*core.Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Int("meetings", len(actors)).
		Dur("window", window).Msg("draining instance")
	for _, a := range actors {
		if err := a.Drain(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").
				Str("meeting", string(a.MeetingID())).Msg("drain request failed")
		}
	}

	deadline := time.After(window)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return
		case <-ctx.Done():
			return
		case <-tick.C:
			r.mu.RLock()
			n := len(r.actors)
			r.mu.RUnlock()
			if n == 0 {
				return
			}
		}
	}
}
