package syncqueue

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/shopsync/internal/adapter"
	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/mmcdole/shopsync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T, kv domain.KVStore, cfg Config) *Manager {
	t.Helper()
	q, err := New(kv, cfg, func() time.Time { return testNow }, adapter.NullLogger())
	require.NoError(t, err)
	return q
}

// flakyStore fails the first failWrites writes, then delegates
type flakyStore struct {
	domain.KVStore
	failWrites atomic.Int32
}

func (s *flakyStore) Write(ns, key string, value []byte) error {
	if s.failWrites.Load() > 0 {
		s.failWrites.Add(-1)
		return errors.New("io error")
	}
	return s.KVStore.Write(ns, key, value)
}

func TestEnqueue_AssignsIncreasingSeqAndEntityKey(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), Config{})

	a, err := q.Enqueue(domain.AddToCart, domain.CartItemPayload{ItemID: "42", Quantity: 1})
	require.NoError(t, err)
	b, err := q.Enqueue(domain.AddToFavorites, map[string]any{"productId": "7"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Less(t, a.Seq, b.Seq)
	assert.Equal(t, "cart:42", a.EntityKey)
	assert.Equal(t, "favorite:7", b.EntityKey)
	assert.Equal(t, testNow, a.CreatedAt)
	assert.Equal(t, 2, q.Size())
}

func TestEnqueue_RejectsInvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		mutType domain.MutationType
		payload any
	}{
		{name: "unknown type", mutType: "CLEAR_CART", payload: domain.CartItemPayload{ItemID: "1"}},
		{name: "missing item", mutType: domain.AddToCart, payload: domain.CartItemPayload{Quantity: 1}},
		{name: "zero quantity", mutType: domain.UpdateCartQuantity, payload: domain.CartItemPayload{ItemID: "1"}},
		{name: "empty profile", mutType: domain.UpdateProfile, payload: domain.ProfilePayload{}},
		{name: "malformed json", mutType: domain.AddToFavorites, payload: `{"productId":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestQueue(t, store.NewMemoryStore(), Config{})
			_, err := q.Enqueue(tt.mutType, tt.payload)
			require.Error(t, err)
			assert.Equal(t, "INVALID_INPUT", domain.ErrorCode(err))
			assert.Equal(t, 0, q.Size())
		})
	}
}

func TestPeekBatch_FIFOWithoutRemoval(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), Config{})
	var ids []string
	for _, item := range []string{"a", "b", "c"} {
		m, err := q.Enqueue(domain.AddToCart, domain.CartItemPayload{ItemID: item, Quantity: 1})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	batch := q.PeekBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[0], batch[0].ID)
	assert.Equal(t, ids[1], batch[1].ID)
	assert.Equal(t, 3, q.Size())

	require.NoError(t, q.MarkSucceeded(ids[0]))
	batch = q.PeekBatch(10)
	require.Len(t, batch, 2)
	assert.Equal(t, ids[1], batch[0].ID)

	assert.Empty(t, q.PeekBatch(0))
	assert.ErrorIs(t, q.MarkSucceeded(ids[0]), domain.ErrQueueItemNotFound)
}

func TestPending_FiltersByEntityKey(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), Config{})
	first, err := q.Enqueue(domain.AddToCart, domain.CartItemPayload{ItemID: "42", Quantity: 1})
	require.NoError(t, err)
	_, err = q.Enqueue(domain.AddToCart, domain.CartItemPayload{ItemID: "7", Quantity: 1})
	require.NoError(t, err)
	second, err := q.Enqueue(domain.UpdateCartQuantity, domain.CartItemPayload{ItemID: "42", Quantity: 3})
	require.NoError(t, err)

	pending := q.Pending("cart:42")
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	require.NoError(t, q.MarkSucceeded(first.ID))
	pending = q.Pending("cart:42")
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	assert.Empty(t, q.Pending("cart:99"))
}

func TestMarkFailed_DeadLettersAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), Config{MaxAttempts: 2})
	m, err := q.Enqueue(domain.UpdateProfile, map[string]any{"name": "Ada"})
	require.NoError(t, err)

	cause := domain.NetworkFailure(nil, "connection reset")
	for i := 1; i <= 2; i++ {
		dead, err := q.MarkFailed(m.ID, cause)
		require.NoError(t, err)
		assert.False(t, dead, "attempt %d", i)
	}
	got, ok := q.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, got.LastError, "connection reset")

	dead, err := q.MarkFailed(m.ID, cause)
	require.NoError(t, err)
	assert.True(t, dead)
	assert.Equal(t, 0, q.Size())

	letters := q.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, m.ID, letters[0].Mutation.ID)
	assert.Equal(t, 3, letters[0].Mutation.Attempts)
	assert.Equal(t, string(domain.CodeMaxRetriesExceeded), letters[0].Code)
}

func TestDeadLetter_ImmediateMove(t *testing.T) {
	q := newTestQueue(t, store.NewMemoryStore(), Config{})
	m, err := q.Enqueue(domain.UpdateProfile, map[string]any{"email": "not-an-email"})
	require.NoError(t, err)

	require.NoError(t, q.DeadLetter(m.ID, domain.ServerRejected("email: invalid")))
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 1, q.DeadLetterCount())

	dl, ok := q.LastDeadLetter(m.ID)
	require.True(t, ok)
	assert.Equal(t, "INVALID_INPUT", dl.Code)
	assert.Contains(t, dl.Reason, "email: invalid")
	assert.Equal(t, testNow, dl.DeadAt)
}

func TestRestartRecoversPersistedQueue(t *testing.T) {
	dir := t.TempDir()
	kv, err := store.NewBoltStore(dir, "https://shop.example.com")
	require.NoError(t, err)

	q := newTestQueue(t, kv, Config{})
	first, err := q.Enqueue(domain.AddToCart, domain.CartItemPayload{ItemID: "42", Quantity: 1})
	require.NoError(t, err)
	second, err := q.Enqueue(domain.UpdateCartQuantity, domain.CartItemPayload{ItemID: "42", Quantity: 3})
	require.NoError(t, err)
	_, err = q.MarkFailed(first.ID, errors.New("timeout"))
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	kv, err = store.NewBoltStore(dir, "https://shop.example.com")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	restored := newTestQueue(t, kv, Config{})
	batch := restored.PeekBatch(10)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, 1, batch[0].Attempts)
	assert.Equal(t, second.ID, batch[1].ID)

	third, err := restored.Enqueue(domain.RemoveFromCart, domain.CartItemPayload{ItemID: "42"})
	require.NoError(t, err)
	assert.Greater(t, third.Seq, second.Seq, "sequence must not be reused after restart")
}

func TestRestartDropsQueueCopyOfDeadLetter(t *testing.T) {
	kv := store.NewMemoryStore()
	q := newTestQueue(t, kv, Config{})
	m, err := q.Enqueue(domain.AddToFavorites, domain.FavoritePayload{ProductID: "9"})
	require.NoError(t, err)

	// Simulate a crash after the dead-letter write but before the queue delete
	dl := domain.DeadLetter{Mutation: m, Reason: "rejected", Code: "INVALID_INPUT", DeadAt: testNow}
	data, err := json.Marshal(dl)
	require.NoError(t, err)
	require.NoError(t, kv.Write(domain.NamespaceDeadLetter, m.ID, data))

	restored := newTestQueue(t, kv, Config{})
	assert.Equal(t, 0, restored.Size())
	assert.Equal(t, 1, restored.DeadLetterCount())

	_, err = kv.Get(domain.NamespaceSyncQueue, m.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEnqueue_StorageFailure(t *testing.T) {
	t.Run("transient failure is retried", func(t *testing.T) {
		kv := &flakyStore{KVStore: store.NewMemoryStore()}
		q := newTestQueue(t, kv, Config{WriteRetries: 3})
		kv.failWrites.Store(2)

		_, err := q.Enqueue(domain.AddToCart, domain.CartItemPayload{ItemID: "1", Quantity: 1})
		require.NoError(t, err)
		assert.Equal(t, 1, q.Size())
	})

	t.Run("persistent failure surfaces and nothing is queued", func(t *testing.T) {
		kv := &flakyStore{KVStore: store.NewMemoryStore()}
		q := newTestQueue(t, kv, Config{WriteRetries: 2})
		kv.failWrites.Store(100)

		_, err := q.Enqueue(domain.AddToCart, domain.CartItemPayload{ItemID: "1", Quantity: 1})
		require.Error(t, err)
		assert.True(t, domain.IsStorageFailure(err))
		assert.Equal(t, 0, q.Size())

		records, err := kv.ReadAll(domain.NamespaceSyncQueue)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestPurgeDeadLettersAndClear(t *testing.T) {
	kv := store.NewMemoryStore()
	now := testNow
	q, err := New(kv, Config{}, func() time.Time { return now }, adapter.NullLogger())
	require.NoError(t, err)

	old, err := q.Enqueue(domain.AddToFavorites, domain.FavoritePayload{ProductID: "1"})
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(old.ID, domain.ServerRejected("gone")))

	now = now.Add(48 * time.Hour)
	recent, err := q.Enqueue(domain.AddToFavorites, domain.FavoritePayload{ProductID: "2"})
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(recent.ID, domain.ServerRejected("gone")))

	assert.Equal(t, 1, q.PurgeDeadLetters(now.Add(-24*time.Hour)))
	letters := q.DeadLetters()
	require.Len(t, letters, 1)
	assert.Equal(t, recent.ID, letters[0].Mutation.ID)

	_, err = q.Enqueue(domain.AddToCart, domain.CartItemPayload{ItemID: "5", Quantity: 2})
	require.NoError(t, err)
	require.NoError(t, q.Clear())
	assert.Equal(t, 0, q.Size())
	assert.Equal(t, 0, q.DeadLetterCount())
}
