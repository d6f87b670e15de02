package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mmcdole/shopsync/internal/domain"
)

// EnqueueCartMutation queues ADD_TO_CART, REMOVE_FROM_CART or UPDATE_CART_QUANTITY.
func (s *SyncService) EnqueueCartMutation(t domain.MutationType, payload any) (domain.QueuedMutation, error) {
	return s.enqueue(domain.CategoryCart, t, payload)
}

// EnqueueFavoriteMutation queues ADD_TO_FAVORITES or REMOVE_FROM_FAVORITES.
func (s *SyncService) EnqueueFavoriteMutation(t domain.MutationType, payload any) (domain.QueuedMutation, error) {
	return s.enqueue(domain.CategoryFavorites, t, payload)
}

// EnqueueProfileMutation queues UPDATE_PROFILE.
func (s *SyncService) EnqueueProfileMutation(payload any) (domain.QueuedMutation, error) {
	return s.enqueue(domain.CategoryProfile, domain.UpdateProfile, payload)
}

func (s *SyncService) enqueue(category string, t domain.MutationType, payload any) (domain.QueuedMutation, error) {
	if t.Category() != category {
		return domain.QueuedMutation{}, domain.InvalidMutation(fmt.Sprintf("%s is not a %s mutation", t, category))
	}

	m, err := s.queue.Enqueue(t, payload)
	if err != nil {
		s.logger.Error("failed to enqueue mutation", "type", t, "error", err)
		return domain.QueuedMutation{}, err
	}

	s.applyOptimistic(m)
	s.syncer.Trigger(domain.TriggerManual)
	return m, nil
}

// Fetch is a read-through: a fresh cached entry, or the server value, which
// is then cached as confirmed. Mutations still queued for the key are
// replayed over the server value and the entry stays optimistic.
func (s *SyncService) Fetch(ctx context.Context, key string) (domain.CacheEntry, error) {
	entry, err := s.cache.Get(key)
	if err == nil {
		return entry, nil
	}

	value, err := s.remote.FetchEntity(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("failed to fetch entity", "key", key, "error", err)
		}
		return domain.CacheEntry{}, err
	}

	fetched := domain.CacheEntry{Key: key, Value: value, Freshness: domain.Confirmed}
	if pending := s.queue.Pending(key); len(pending) > 0 {
		projected, err := projectPending(value, pending)
		if err != nil {
			s.logger.Warn("failed to replay pending mutations", "key", key, "error", err)
			return domain.CacheEntry{}, err
		}
		last := pending[len(pending)-1]
		fetched = domain.CacheEntry{Key: key, Value: projected, Freshness: domain.Optimistic, MutationSeq: last.Seq}
		_, err = s.cache.ApplyOptimistic(key, last.Seq, func(json.RawMessage) (json.RawMessage, error) {
			return projected, nil
		})
		if err != nil {
			s.logger.Warn("failed to cache fetched entity", "key", key, "error", err)
		}
	} else if err := s.cache.Set(key, value, 0); err != nil {
		s.logger.Warn("failed to cache fetched entity", "key", key, "error", err)
	}

	// A concurrent enqueue or drain may have written a newer value
	if entry, err := s.cache.Get(key); err == nil {
		return entry, nil
	}
	return fetched, nil
}

// InvalidateCached drops a cached entry so the next read refetches it.
func (s *SyncService) InvalidateCached(key string) {
	s.cache.Invalidate(key)
}

// SyncNow drains immediately on the caller's goroutine.
func (s *SyncService) SyncNow(ctx context.Context) (domain.DrainReport, error) {
	return s.syncer.Drain(ctx, domain.TriggerManual)
}

// Foreground handles the app returning to the foreground: stale cache entries
// are swept and a drain is requested.
func (s *SyncService) Foreground(ctx context.Context) {
	if n := s.cache.SweepExpired(); n > 0 {
		s.logger.Debug("swept cache on foreground", "count", n)
	}
	if s.foreground != nil {
		s.foreground.Foreground(ctx)
		return
	}
	s.syncer.Trigger(domain.TriggerForeground)
}

// PurgeDeadLetters drops dead letters older than age.
func (s *SyncService) PurgeDeadLetters(age time.Duration) int {
	return s.queue.PurgeDeadLetters(time.Now().Add(-age))
}

// Wipe clears every namespace and resets SyncState to defaults.
func (s *SyncService) Wipe() error {
	if err := s.syncer.Reset(); err != nil {
		s.logger.Error("failed to wipe local data", "error", err)
		return err
	}
	return nil
}
