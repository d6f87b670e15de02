package cache

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mmcdole/shopsync/internal/adapter"
	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/mmcdole/shopsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T) (*Manager, *fakeClock, domain.KVStore) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryStore()
	return New(kv, DefaultPolicy(), clock.Now, adapter.NullLogger()), clock, kv
}

// brokenStore fails every operation
type brokenStore struct{ domain.KVStore }

var errDisk = errors.New("disk full")

func (brokenStore) Get(string, string) ([]byte, error)         { return nil, errDisk }
func (brokenStore) Write(string, string, []byte) error         { return errDisk }
func (brokenStore) ReadAll(string) ([]domain.Record, error)    { return nil, errDisk }
func (brokenStore) Delete(string, string) error                { return errDisk }

func setOptimistic(t *testing.T, m *Manager, key string, value any, seq uint64) bool {
	t.Helper()
	data, err := json.Marshal(value)
	require.NoError(t, err)
	applied, err := m.ApplyOptimistic(key, seq, func(json.RawMessage) (json.RawMessage, error) {
		return data, nil
	})
	require.NoError(t, err)
	return applied
}

func TestManager_SetThenGetRoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)

	require.NoError(t, m.Set("product:7", map[string]string{"name": "Widget"}, 86400*time.Second))

	entry, err := m.Get("product:7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Widget"}`, string(entry.Value))
	assert.Equal(t, domain.Confirmed, entry.Freshness)
}

func TestManager_TTLBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantHit bool
	}{
		{name: "fresh", elapsed: 0, wantHit: true},
		{name: "exactly at ttl", elapsed: 86400 * time.Second, wantHit: true},
		{name: "one second past ttl", elapsed: 86401 * time.Second, wantHit: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, clock, _ := newTestManager(t)
			require.NoError(t, m.Set("product:7", map[string]string{"name": "Widget"}, 86400*time.Second))

			clock.Advance(tt.elapsed)
			_, err := m.Get("product:7")
			if tt.wantHit {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrCacheMiss)
			}
		})
	}
}

func TestManager_ExpiredEntryIsLazilyEvicted(t *testing.T) {
	m, clock, kv := newTestManager(t)
	require.NoError(t, m.Set("cart:1", domain.CartLine{ItemID: "1", Quantity: 2}, 0))

	clock.Advance(DefaultCartTTL + time.Second)
	_, err := m.Get("cart:1")
	require.ErrorIs(t, err, domain.ErrCacheMiss)

	_, err = kv.Get(domain.NamespaceCache, "cart:1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestManager_PolicyPerClass(t *testing.T) {
	m, clock, _ := newTestManager(t)
	require.NoError(t, m.Set("cart:1", domain.CartLine{ItemID: "1", Quantity: 1}, 0))
	require.NoError(t, m.Set("product:1", map[string]string{"name": "A"}, 0))

	clock.Advance(time.Hour)
	_, err := m.Get("cart:1")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
	_, err = m.Get("product:1")
	assert.NoError(t, err)

	m.SetPolicy(TTLPolicy{Default: time.Minute})
	assert.Equal(t, time.Minute, m.Policy().TTLFor("cart:9"))
}

func TestManager_Invalidate(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.NoError(t, m.Set("favorite:3", domain.FavoriteState{ProductID: "3", Favorite: true}, 0))

	m.Invalidate("favorite:3")
	_, err := m.Get("favorite:3")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestManager_CorruptRecordIsMiss(t *testing.T) {
	m, _, kv := newTestManager(t)
	require.NoError(t, kv.Write(domain.NamespaceCache, "product:9", []byte("{not json")))

	_, err := m.Get("product:9")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	_, err = kv.Get(domain.NamespaceCache, "product:9")
	assert.ErrorIs(t, err, domain.ErrNotFound, "corrupt record should be evicted")
}

func TestManager_StorageFailureDegradesToMiss(t *testing.T) {
	m := New(brokenStore{store.NewMemoryStore()}, DefaultPolicy(), nil, adapter.NullLogger())

	_, err := m.Get("product:1")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)

	err = m.Set("product:1", "x", 0)
	require.Error(t, err)
	assert.True(t, domain.IsStorageFailure(err))

	assert.Equal(t, 0, m.SweepExpired())
}

func TestManager_ConfirmRespectsNewerOptimisticWrite(t *testing.T) {
	m, _, _ := newTestManager(t)

	// Two pending mutations for the same line: seq 1 (qty 1), seq 2 (qty 3)
	setOptimistic(t, m, "cart:42", domain.CartLine{ItemID: "42", Quantity: 1}, 1)
	setOptimistic(t, m, "cart:42", domain.CartLine{ItemID: "42", Quantity: 3}, 2)

	// Server confirms seq 1 with qty 1; must not regress the pending qty 3
	applied, err := m.Confirm("cart:42", json.RawMessage(`{"itemId":"42","quantity":1}`), 1)
	require.NoError(t, err)
	assert.False(t, applied)

	var line domain.CartLine
	require.NoError(t, m.GetValue("cart:42", &line))
	assert.Equal(t, 3, line.Quantity)

	// Confirmation of seq 2 is authoritative
	applied, err = m.Confirm("cart:42", json.RawMessage(`{"itemId":"42","quantity":3}`), 2)
	require.NoError(t, err)
	assert.True(t, applied)

	entry, err := m.Get("cart:42")
	require.NoError(t, err)
	assert.Equal(t, domain.Confirmed, entry.Freshness)
	assert.JSONEq(t, `{"itemId":"42","quantity":3}`, string(entry.Value))
}

func TestManager_ConfirmWithoutServerStateEvicts(t *testing.T) {
	m, _, _ := newTestManager(t)
	setOptimistic(t, m, "cart:5", domain.CartLine{ItemID: "5"}, 4)

	applied, err := m.Confirm("cart:5", nil, 4)
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = m.Get("cart:5")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestManager_SweepExpired(t *testing.T) {
	m, clock, kv := newTestManager(t)
	require.NoError(t, m.Set("cart:1", domain.CartLine{ItemID: "1", Quantity: 1}, time.Minute))
	require.NoError(t, m.Set("product:1", "p", time.Hour))
	require.NoError(t, kv.Write(domain.NamespaceCache, "junk", []byte("~")))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, m.SweepExpired())
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Clear())
	assert.Equal(t, 0, m.Len())
}

func TestManager_RevertKeepsLaterOptimisticValue(t *testing.T) {
	m, _, _ := newTestManager(t)
	setOptimistic(t, m, "profile", map[string]string{"name": "Ada"}, 7)

	assert.False(t, m.Revert("profile", 6))
	_, err := m.Get("profile")
	require.NoError(t, err)

	assert.True(t, m.Revert("profile", 7))
	_, err = m.Get("profile")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestManager_EntriesSkipsCorruptRecords(t *testing.T) {
	m, clock, kv := newTestManager(t)
	require.NoError(t, m.Set("product:2", "b", time.Minute))
	setOptimistic(t, m, "cart:1", domain.CartLine{ItemID: "1", Quantity: 3}, 1)
	require.NoError(t, kv.Write(domain.NamespaceCache, "junk", []byte("~")))
	clock.Advance(time.Hour)

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "cart:1", entries[0].Key)
	assert.Equal(t, domain.Optimistic, entries[0].Freshness)
	assert.Equal(t, "product:2", entries[1].Key, "expired entries are still listed")
}

func TestManager_ApplyOptimisticIgnoresSupersededSeq(t *testing.T) {
	m, _, _ := newTestManager(t)
	setOptimistic(t, m, "cart:42", domain.CartLine{ItemID: "42", Quantity: 3}, 5)

	// A drain confirms seq 5 before a late optimistic write for the same seq lands
	applied, err := m.Confirm("cart:42", json.RawMessage(`{"itemId":"42","quantity":3}`), 5)
	require.NoError(t, err)
	require.True(t, applied)

	assert.False(t, setOptimistic(t, m, "cart:42", domain.CartLine{ItemID: "42", Quantity: 3}, 5))
	assert.False(t, setOptimistic(t, m, "cart:42", domain.CartLine{ItemID: "42", Quantity: 1}, 4))

	entry, err := m.Get("cart:42")
	require.NoError(t, err)
	assert.Equal(t, domain.Confirmed, entry.Freshness)
	assert.Equal(t, uint64(5), entry.MutationSeq)
	assert.JSONEq(t, `{"itemId":"42","quantity":3}`, string(entry.Value))

	// A newer mutation still goes through
	assert.True(t, setOptimistic(t, m, "cart:42", domain.CartLine{ItemID: "42", Quantity: 4}, 6))
	entry, err = m.Get("cart:42")
	require.NoError(t, err)
	assert.Equal(t, domain.Optimistic, entry.Freshness)
	assert.Equal(t, uint64(6), entry.MutationSeq)
}

func TestManager_ApplyOptimisticProjectsCurrentValue(t *testing.T) {
	m, clock, _ := newTestManager(t)
	require.NoError(t, m.Set("profile", map[string]string{"name": "Ada", "city": "London"}, 0))

	var seen json.RawMessage
	project := func(current json.RawMessage) (json.RawMessage, error) {
		seen = current
		return json.RawMessage(`{"name":"Grace","city":"London"}`), nil
	}

	applied, err := m.ApplyOptimistic("profile", 3, project)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.JSONEq(t, `{"name":"Ada","city":"London"}`, string(seen))

	t.Run("superseded seq skips projection", func(t *testing.T) {
		seen = nil
		applied, err := m.ApplyOptimistic("profile", 3, project)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Nil(t, seen)
	})

	t.Run("expired confirmed value is not used as base", func(t *testing.T) {
		require.NoError(t, m.Set("cart:1", domain.CartLine{ItemID: "1", Quantity: 2}, time.Minute))
		clock.Advance(2 * time.Minute)

		seen = json.RawMessage(`"sentinel"`)
		applied, err := m.ApplyOptimistic("cart:1", 4, project)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Nil(t, seen)
	})

	t.Run("projection error leaves entry alone", func(t *testing.T) {
		applied, err := m.ApplyOptimistic("profile", 9, func(json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("bad payload")
		})
		require.Error(t, err)
		assert.False(t, applied)

		entry, err := m.Get("profile")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), entry.MutationSeq)
	})
}

func TestManager_OptimisticEntryOutlivesTTL(t *testing.T) {
	m, clock, _ := newTestManager(t)
	setOptimistic(t, m, "cart:42", domain.CartLine{ItemID: "42", Quantity: 3}, 1)
	require.NoError(t, m.Set("cart:7", domain.CartLine{ItemID: "7", Quantity: 1}, 0))

	clock.Advance(DefaultCartTTL + time.Hour)
	assert.Equal(t, 1, m.SweepExpired())

	entry, err := m.Get("cart:42")
	require.NoError(t, err)
	assert.Equal(t, domain.Optimistic, entry.Freshness)
	_, err = m.Get("cart:7")
	assert.ErrorIs(t, err, domain.ErrCacheMiss)
}

func TestManager_SetKeepsPendingOptimisticValue(t *testing.T) {
	m, _, _ := newTestManager(t)
	setOptimistic(t, m, "cart:42", domain.CartLine{ItemID: "42", Quantity: 3}, 2)

	require.NoError(t, m.Set("cart:42", domain.CartLine{ItemID: "42", Quantity: 1}, 0))

	var line domain.CartLine
	require.NoError(t, m.GetValue("cart:42", &line))
	assert.Equal(t, 3, line.Quantity)

	// Once reverted, confirmed data is accepted again
	require.True(t, m.Revert("cart:42", 2))
	require.NoError(t, m.Set("cart:42", domain.CartLine{ItemID: "42", Quantity: 1}, 0))
	require.NoError(t, m.GetValue("cart:42", &line))
	assert.Equal(t, 1, line.Quantity)
}
