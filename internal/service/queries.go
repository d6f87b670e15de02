package service

import (
	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/mmcdole/shopsync/internal/search"
)

// GetCached returns the cached entry for key, or domain.ErrCacheMiss.
func (s *SyncService) GetCached(key string) (domain.CacheEntry, error) {
	return s.cache.Get(key)
}

// FindCached lists cached entries whose key fuzzy-matches query. Expired
// entries are included; an empty query lists everything.
func (s *SyncService) FindCached(query string) []search.EntryResult {
	return search.Entries(query, s.cache.Entries())
}

func (s *SyncService) GetSyncState() domain.SyncState {
	return s.syncer.State()
}

func (s *SyncService) DeadLetters() []domain.DeadLetter {
	return s.queue.DeadLetters()
}

// FindDeadLetters filters dead letters by type, key, code or reason
func (s *SyncService) FindDeadLetters(query string) []domain.DeadLetter {
	return search.DeadLetters(query, s.queue.DeadLetters())
}
