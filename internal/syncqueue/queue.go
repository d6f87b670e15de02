// Package syncqueue is the durable, ordered queue of mutations awaiting
// remote application, plus the dead-letter record of terminal failures.
package syncqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/shopsync/internal/domain"
)

const (
	DefaultMaxAttempts  = 5
	DefaultWriteRetries = 3

	metaSeqKey = "queue.seq"
)

// Config controls retry and durability policy
type Config struct {
	// MaxAttempts is the number of failed applications tolerated; exceeding it dead-letters
	MaxAttempts int

	// WriteRetries bounds how often a durable write is retried before surfacing StorageFailure
	WriteRetries int
}

func (c Config) normalized() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.WriteRetries <= 0 {
		c.WriteRetries = DefaultWriteRetries
	}
	return c
}

// Manager owns the syncQueue and deadLetter namespaces. The in-memory slice
// mirrors the persisted queue ordered by Seq; the store is always written first.
type Manager struct {
	store  domain.KVStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	pending []domain.QueuedMutation
	dead    map[string]domain.DeadLetter
	seq     uint64
}

// New loads persisted queue state, so a restarted process resumes exactly
// where the previous one stopped.
func New(store domain.KVStore, cfg Config, now func() time.Time, logger *slog.Logger) (*Manager, error) {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  store,
		cfg:    cfg.normalized(),
		logger: logger,
		now:    now,
		newID:  uuid.NewString,
		dead:   make(map[string]domain.DeadLetter),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	deadRecords, err := m.store.ReadAll(domain.NamespaceDeadLetter)
	if err != nil {
		return domain.StorageFailure(err, "failed to read dead letters")
	}
	for _, rec := range deadRecords {
		var dl domain.DeadLetter
		if err := json.Unmarshal(rec.Value, &dl); err != nil {
			m.logger.Error("skipping unreadable dead letter", "key", rec.Key, "error", err)
			continue
		}
		m.dead[dl.Mutation.ID] = dl
		m.seq = max(m.seq, dl.Mutation.Seq)
	}

	queueRecords, err := m.store.ReadAll(domain.NamespaceSyncQueue)
	if err != nil {
		return domain.StorageFailure(err, "failed to read sync queue")
	}
	for _, rec := range queueRecords {
		var mut domain.QueuedMutation
		if err := json.Unmarshal(rec.Value, &mut); err != nil {
			m.logger.Error("skipping unreadable queued mutation", "key", rec.Key, "error", err)
			continue
		}
		if _, ok := m.dead[mut.ID]; ok {
			// Crash between dead-letter write and queue delete
			m.logger.Warn("dropping queued copy of dead-lettered mutation", "mutationID", mut.ID)
			_ = m.store.Delete(domain.NamespaceSyncQueue, rec.Key)
			continue
		}
		m.pending = append(m.pending, mut)
		m.seq = max(m.seq, mut.Seq)
	}
	sort.Slice(m.pending, func(i, j int) bool { return m.pending[i].Seq < m.pending[j].Seq })

	if data, err := m.store.Get(domain.NamespaceMeta, metaSeqKey); err == nil {
		if stored, perr := strconv.ParseUint(string(data), 10, 64); perr == nil {
			m.seq = max(m.seq, stored)
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.StorageFailure(err, "failed to read queue sequence")
	}

	if len(m.pending) > 0 || len(m.dead) > 0 {
		m.logger.Info("restored sync queue", "pending", len(m.pending), "deadLetters", len(m.dead))
	}
	return nil
}

// Enqueue validates and durably appends a mutation. The returned mutation is
// only valid when err is nil; on StorageFailure nothing was enqueued.
func (m *Manager) Enqueue(t domain.MutationType, payload any) (domain.QueuedMutation, error) {
	data, entityKey, err := domain.EncodePayload(t, payload)
	if err != nil {
		return domain.QueuedMutation{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	mut := domain.QueuedMutation{
		ID:        m.newID(),
		Seq:       m.seq + 1,
		Type:      t,
		EntityKey: entityKey,
		Payload:   data,
		CreatedAt: m.now().UTC(),
	}

	// The high-water mark goes first so a seq is never reused after a crash
	if err := m.writeWithRetry(domain.NamespaceMeta, metaSeqKey, []byte(strconv.FormatUint(mut.Seq, 10))); err != nil {
		return domain.QueuedMutation{}, domain.StorageFailure(err, "failed to persist queue sequence")
	}
	if err := m.putMutation(mut); err != nil {
		return domain.QueuedMutation{}, domain.StorageFailure(err, "failed to persist mutation")
	}

	m.seq = mut.Seq
	m.pending = append(m.pending, mut)
	m.logger.Debug("enqueued mutation", "mutationID", mut.ID, "type", mut.Type, "entityKey", entityKey, "seq", mut.Seq)
	return mut, nil
}

// PeekBatch returns up to maxCount oldest pending mutations without removing them.
func (m *Manager) PeekBatch(maxCount int) []domain.QueuedMutation {
	m.mu.Lock()
	defer m.mu.Unlock()

	if maxCount <= 0 || len(m.pending) == 0 {
		return nil
	}
	n := min(maxCount, len(m.pending))
	out := make([]domain.QueuedMutation, n)
	copy(out, m.pending[:n])
	return out
}

// Get returns a pending mutation by id
func (m *Manager) Get(id string) (domain.QueuedMutation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexOf(id); i >= 0 {
		return m.pending[i], true
	}
	return domain.QueuedMutation{}, false
}

// Pending returns the pending mutations for entityKey, oldest first.
func (m *Manager) Pending(entityKey string) []domain.QueuedMutation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.QueuedMutation
	for _, mut := range m.pending {
		if mut.EntityKey == entityKey {
			out = append(out, mut)
		}
	}
	return out
}

// MarkSucceeded durably removes a mutation confirmed by the server.
func (m *Manager) MarkSucceeded(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return domain.ErrQueueItemNotFound
	}
	if err := m.deleteWithRetry(domain.NamespaceSyncQueue, id); err != nil {
		return domain.StorageFailure(err, "failed to remove confirmed mutation")
	}
	m.pending = append(m.pending[:i], m.pending[i+1:]...)
	return nil
}

// MarkFailed records a failed attempt. Once attempts exceed MaxAttempts the
// mutation moves to dead-letter and deadLettered is true.
func (m *Manager) MarkFailed(id string, cause error) (deadLettered bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return false, domain.ErrQueueItemNotFound
	}

	mut := m.pending[i]
	mut.Attempts++
	if cause != nil {
		mut.LastError = cause.Error()
	}

	if mut.Attempts > m.cfg.MaxAttempts {
		if err := m.moveToDeadLetter(i, mut, domain.MaxRetriesExceeded(cause)); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := m.putMutation(mut); err != nil {
		return false, domain.StorageFailure(err, "failed to record mutation failure")
	}
	m.pending[i] = mut
	return false, nil
}

// DeadLetter moves a mutation out of the active queue immediately (terminal rejection).
func (m *Manager) DeadLetter(id string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(id)
	if i < 0 {
		return domain.ErrQueueItemNotFound
	}
	mut := m.pending[i]
	mut.Attempts++
	if cause != nil {
		mut.LastError = cause.Error()
	}
	return m.moveToDeadLetter(i, mut, cause)
}

// LastDeadLetter returns the dead-letter record for id
func (m *Manager) LastDeadLetter(id string) (domain.DeadLetter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.dead[id]
	return dl, ok
}

// Size returns the active queue depth
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// DeadLetters returns dead letters, oldest first
func (m *Manager) DeadLetters() []domain.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.DeadLetter, 0, len(m.dead))
	for _, dl := range m.dead {
		out = append(out, dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mutation.Seq < out[j].Mutation.Seq })
	return out
}

// DeadLetterCount returns the number of dead letters
func (m *Manager) DeadLetterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dead)
}

// PurgeDeadLetters removes dead letters recorded before cutoff and returns how many went.
func (m *Manager) PurgeDeadLetters(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for id, dl := range m.dead {
		if !dl.DeadAt.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(domain.NamespaceDeadLetter, id); err != nil {
			m.logger.Warn("failed to purge dead letter", "mutationID", id, "error", err)
			continue
		}
		delete(m.dead, id)
		purged++
	}
	return purged
}

// Clear wipes the queue and dead letters (full local data wipe). The sequence
// high-water mark survives so seqs stay unique.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteAll(domain.NamespaceSyncQueue); err != nil {
		return domain.StorageFailure(err, "failed to clear sync queue")
	}
	if err := m.store.DeleteAll(domain.NamespaceDeadLetter); err != nil {
		return domain.StorageFailure(err, "failed to clear dead letters")
	}
	m.pending = nil
	m.dead = make(map[string]domain.DeadLetter)
	return nil
}

// --- Private helpers ---

func (m *Manager) indexOf(id string) int {
	for i := range m.pending {
		if m.pending[i].ID == id {
			return i
		}
	}
	return -1
}

// moveToDeadLetter writes the dead-letter record before deleting the queue
// record; load() reconciles a crash in between.
func (m *Manager) moveToDeadLetter(i int, mut domain.QueuedMutation, cause error) error {
	dl := domain.DeadLetter{
		Mutation: mut,
		Code:     domain.ErrorCode(cause),
		DeadAt:   m.now().UTC(),
	}
	if cause != nil {
		dl.Reason = cause.Error()
	}

	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := m.writeWithRetry(domain.NamespaceDeadLetter, mut.ID, data); err != nil {
		return domain.StorageFailure(err, "failed to persist dead letter")
	}
	if err := m.deleteWithRetry(domain.NamespaceSyncQueue, mut.ID); err != nil {
		return domain.StorageFailure(err, "failed to remove dead-lettered mutation")
	}

	m.pending = append(m.pending[:i], m.pending[i+1:]...)
	m.dead[mut.ID] = dl
	m.logger.Warn("mutation dead-lettered",
		"mutationID", mut.ID, "type", mut.Type, "entityKey", mut.EntityKey,
		"attempts", mut.Attempts, "code", dl.Code, "reason", dl.Reason)
	return nil
}

func (m *Manager) putMutation(mut domain.QueuedMutation) error {
	data, err := json.Marshal(mut)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}
	return m.writeWithRetry(domain.NamespaceSyncQueue, mut.ID, data)
}

func (m *Manager) writeWithRetry(namespace, key string, value []byte) error {
	var err error
	for attempt := 1; attempt <= m.cfg.WriteRetries; attempt++ {
		if err = m.store.Write(namespace, key, value); err == nil {
			return nil
		}
		m.logger.Warn("store write failed", "namespace", namespace, "key", key, "attempt", attempt, "error", err)
	}
	return err
}

func (m *Manager) deleteWithRetry(namespace, key string) error {
	var err error
	for attempt := 1; attempt <= m.cfg.WriteRetries; attempt++ {
		if err = m.store.Delete(namespace, key); err == nil {
			return nil
		}
		m.logger.Warn("store delete failed", "namespace", namespace, "key", key, "attempt", attempt, "error", err)
	}
	return err
}
