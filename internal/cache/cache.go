// Package cache maps entity keys to cached values with TTL-based invalidation.
//
// Storage failures never escape as fatal errors: a corrupt or unreadable record
// is reported as domain.ErrCacheMiss so the caller falls back to the network.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/shopsync/internal/domain"
)

// Default TTLs per entity class
const (
	DefaultTTL         = time.Hour
	DefaultCartTTL     = 5 * time.Minute
	DefaultFavoriteTTL = 15 * time.Minute
	DefaultProfileTTL  = 30 * time.Minute
	DefaultCatalogTTL  = 24 * time.Hour
)

// TTLPolicy resolves the TTL for a key from its entity class (the prefix before ':').
type TTLPolicy struct {
	Default time.Duration
	ByClass map[string]time.Duration
}

// DefaultPolicy returns short TTLs for critical data and long TTLs for catalog data
func DefaultPolicy() TTLPolicy {
	return TTLPolicy{
		Default: DefaultTTL,
		ByClass: map[string]time.Duration{
			"cart":     DefaultCartTTL,
			"favorite": DefaultFavoriteTTL,
			"profile":  DefaultProfileTTL,
			"product":  DefaultCatalogTTL,
			"catalog":  DefaultCatalogTTL,
		},
	}
}

// TTLFor returns the TTL for key
func (p TTLPolicy) TTLFor(key string) time.Duration {
	if ttl, ok := p.ByClass[domain.KeyClass(key)]; ok && ttl > 0 {
		return ttl
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultTTL
}

// Manager owns the cache namespace of the persistent store.
type Manager struct {
	store  domain.KVStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex // Serializes read-modify-write on entries
	policy TTLPolicy
}

// New creates a cache manager. A nil now uses time.Now.
func New(store domain.KVStore, policy TTLPolicy, now func() time.Time, logger *slog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, policy: policy, now: now, logger: logger}
}

// SetPolicy swaps the TTL policy (config reload). Existing entries keep their TTL.
func (m *Manager) SetPolicy(policy TTLPolicy) {
	m.mu.Lock()
	m.policy = policy
	m.mu.Unlock()
}

// Policy returns the active TTL policy
func (m *Manager) Policy() TTLPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// Get returns the entry for key if present and fresh, otherwise domain.ErrCacheMiss.
func (m *Manager) Get(key string) (domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.load(key)
	if !ok {
		return domain.CacheEntry{}, domain.ErrCacheMiss
	}
	if expired(entry, m.now()) {
		m.logger.Debug("cache entry expired", "key", key, "storedAt", entry.StoredAt, "ttl", entry.TTL)
		m.evict(key)
		return domain.CacheEntry{}, domain.ErrCacheMiss
	}
	return entry, nil
}

// GetValue decodes the cached value for key into dest
func (m *Manager) GetValue(key string, dest any) error {
	entry, err := m.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(entry.Value, dest); err != nil {
		m.logger.Warn("cached value does not decode", "key", key, "error", err)
		return domain.ErrCacheMiss
	}
	return nil
}

// Set writes value through to the store as confirmed data. ttl <= 0 uses the policy.
// An optimistic entry is left in place: its mutation has not been confirmed yet.
func (m *Manager) Set(key string, value any, ttl time.Duration) error {
	data, err := marshalValue(value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.load(key); ok && current.Freshness == domain.Optimistic {
		m.logger.Debug("keeping pending value over confirmed write",
			"key", key, "pendingSeq", current.MutationSeq)
		return nil
	}
	return m.write(domain.CacheEntry{
		Key:       key,
		Value:     data,
		TTL:       m.ttl(key, ttl),
		Freshness: domain.Confirmed,
	})
}

// ApplyOptimistic records the value the UI may show before the server confirms
// mutationSeq. project computes it from the current value (nil on a miss) under
// the cache lock. It reports false without calling project when the entry
// already reflects mutationSeq or a later one.
func (m *Manager) ApplyOptimistic(key string, mutationSeq uint64, project func(current json.RawMessage) (json.RawMessage, error)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current json.RawMessage
	if entry, ok := m.load(key); ok {
		if entry.MutationSeq >= mutationSeq {
			m.logger.Debug("optimistic write superseded",
				"key", key, "mutationSeq", mutationSeq, "currentSeq", entry.MutationSeq)
			return false, nil
		}
		if !expired(entry, m.now()) {
			current = entry.Value
		}
	}

	value, err := project(current)
	if err != nil {
		return false, err
	}
	err = m.write(domain.CacheEntry{
		Key:         key,
		Value:       value,
		TTL:         m.ttl(key, 0),
		Freshness:   domain.Optimistic,
		MutationSeq: mutationSeq,
	})
	return err == nil, err
}

// Confirm stores the server's authoritative value for the mutation at confirmedSeq.
// An optimistic value written by a later mutation (higher seq) is kept; it
// reports whether the confirmed value was stored.
func (m *Manager) Confirm(key string, value json.RawMessage, confirmedSeq uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.load(key); ok &&
		current.Freshness == domain.Optimistic &&
		current.MutationSeq > confirmedSeq {
		m.logger.Debug("confirmation superseded by pending mutation",
			"key", key, "confirmedSeq", confirmedSeq, "pendingSeq", current.MutationSeq)
		return false, nil
	}

	if len(value) == 0 {
		// Nothing authoritative to show; the next read refetches
		m.evict(key)
		return true, nil
	}

	err := m.write(domain.CacheEntry{
		Key:         key,
		Value:       value,
		TTL:         m.ttl(key, 0),
		Freshness:   domain.Confirmed,
		MutationSeq: confirmedSeq,
	})
	return err == nil, err
}

// Revert drops the optimistic value written by the mutation at seq once that
// mutation is abandoned. A value written by a later pending mutation is kept.
func (m *Manager) Revert(key string, seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.load(key); ok &&
		current.Freshness == domain.Optimistic &&
		current.MutationSeq > seq {
		return false
	}
	m.evict(key)
	return true
}

// Invalidate removes key regardless of TTL
func (m *Manager) Invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evict(key)
}

// SweepExpired evicts every confirmed entry past its TTL and returns how many
// were removed. Unreadable records are evicted too.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	records, err := m.store.ReadAll(domain.NamespaceCache)
	if err != nil {
		m.logger.Warn("cache sweep could not read store", "error", err)
		return 0
	}

	now := m.now()
	evicted := 0
	for _, rec := range records {
		var entry domain.CacheEntry
		if err := json.Unmarshal(rec.Value, &entry); err != nil || expired(entry, now) {
			m.evict(rec.Key)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Info("swept expired cache entries", "count", evicted)
	}
	return evicted
}

// Entries returns every readable entry sorted by key, expired ones included.
func (m *Manager) Entries() []domain.CacheEntry {
	records, err := m.store.ReadAll(domain.NamespaceCache)
	if err != nil {
		m.logger.Warn("cache list could not read store", "error", err)
		return nil
	}
	entries := make([]domain.CacheEntry, 0, len(records))
	for _, rec := range records {
		var entry domain.CacheEntry
		if err := json.Unmarshal(rec.Value, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Len returns the number of stored entries, fresh or not
func (m *Manager) Len() int {
	records, err := m.store.ReadAll(domain.NamespaceCache)
	if err != nil {
		return 0
	}
	return len(records)
}

// Clear wipes the cache namespace
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.DeleteAll(domain.NamespaceCache); err != nil {
		return domain.StorageFailure(err, "failed to clear cache")
	}
	return nil
}

// --- Private helpers ---

func (m *Manager) ttl(key string, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return m.policy.TTLFor(key)
}

func (m *Manager) load(key string) (domain.CacheEntry, bool) {
	data, err := m.store.Get(domain.NamespaceCache, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn("cache read failed, treating as miss", "key", key, "error", err)
		}
		return domain.CacheEntry{}, false
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		m.logger.Warn("corrupt cache record, evicting", "key", key, "error", err)
		m.evict(key)
		return domain.CacheEntry{}, false
	}
	return entry, true
}

func (m *Manager) write(entry domain.CacheEntry) error {
	entry.StoredAt = m.now()
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.store.Write(domain.NamespaceCache, entry.Key, data); err != nil {
		m.logger.Warn("cache write failed", "key", entry.Key, "error", err)
		// Drop whatever was there so a stale value is not served
		m.evict(entry.Key)
		return domain.StorageFailure(err, "cache write failed")
	}
	return nil
}

// expired applies the TTL to confirmed entries only. Optimistic entries leave
// through Confirm, Revert or Invalidate.
func expired(entry domain.CacheEntry, now time.Time) bool {
	return entry.Freshness != domain.Optimistic && entry.Expired(now)
}

func (m *Manager) evict(key string) {
	if err := m.store.Delete(domain.NamespaceCache, key); err != nil {
		m.logger.Warn("cache evict failed", "key", key, "error", err)
	}
}

func marshalValue(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		if json.Valid(v) {
			return v, nil
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("cache value is not serializable: %w", err)
	}
	return data, nil
}
