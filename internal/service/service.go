// Package service is the UI-facing facade over the sync layer. Handlers get a
// *SyncService injected instead of reaching for global queue or cache state.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mmcdole/shopsync/internal/domain"
)

// Queue is the part of the sync queue the facade writes to
type Queue interface {
	Enqueue(t domain.MutationType, payload any) (domain.QueuedMutation, error)
	Pending(entityKey string) []domain.QueuedMutation
	DeadLetters() []domain.DeadLetter
	PurgeDeadLetters(cutoff time.Time) int
}

// Cache is the part of the cache manager the facade reads and writes
type Cache interface {
	Get(key string) (domain.CacheEntry, error)
	Set(key string, value any, ttl time.Duration) error
	ApplyOptimistic(key string, mutationSeq uint64, project func(current json.RawMessage) (json.RawMessage, error)) (bool, error)
	Revert(key string, seq uint64) bool
	Invalidate(key string)
	SweepExpired() int
	Entries() []domain.CacheEntry
}

// Syncer is the background orchestrator
type Syncer interface {
	State() domain.SyncState
	Trigger(t domain.Trigger)
	Drain(ctx context.Context, trigger domain.Trigger) (domain.DrainReport, error)
	Reset() error
}

// Foregrounder relays app-foreground events to registered listeners
type Foregrounder interface {
	Foreground(ctx context.Context)
}

// SyncService owns the sync layer for the lifetime of the app.
type SyncService struct {
	queue      Queue
	cache      Cache
	syncer     Syncer
	remote     domain.RemoteAPI
	foreground Foregrounder // Optional
	logger     *slog.Logger
}

// NewSyncService creates the facade. foreground may be nil.
func NewSyncService(queue Queue, cache Cache, syncer Syncer, remote domain.RemoteAPI, foreground Foregrounder, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		queue:      queue,
		cache:      cache,
		syncer:     syncer,
		remote:     remote,
		foreground: foreground,
		logger:     logger,
	}
}

// applyOptimistic shows the mutation's effect before the server confirms it.
// A failed write is logged only: the mutation is already durable.
func (s *SyncService) applyOptimistic(m domain.QueuedMutation) {
	applied, err := s.cache.ApplyOptimistic(m.EntityKey, m.Seq, func(current json.RawMessage) (json.RawMessage, error) {
		return domain.ProjectOptimistic(m, current)
	})
	if err != nil {
		s.logger.Warn("failed to write optimistic value", "mutationID", m.ID, "entityKey", m.EntityKey, "error", err)
		return
	}
	if !applied {
		s.logger.Debug("optimistic value already superseded", "mutationID", m.ID, "seq", m.Seq)
		return
	}

	// A drain that finished first without server state left nothing to supersede
	for _, p := range s.queue.Pending(m.EntityKey) {
		if p.ID == m.ID {
			return
		}
	}
	s.cache.Revert(m.EntityKey, m.Seq)
}

// projectPending replays the entity's queued mutations over a server value.
func projectPending(value json.RawMessage, pending []domain.QueuedMutation) (json.RawMessage, error) {
	for _, m := range pending {
		projected, err := domain.ProjectOptimistic(m, value)
		if err != nil {
			return nil, err
		}
		value = projected
	}
	return value, nil
}
