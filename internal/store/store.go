package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/shopsync/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// BoltStore implements domain.KVStore using BoltDB, one bucket per namespace.
type BoltStore struct {
	db *bolt.DB
	mu sync.RWMutex // Protects mem

	// Memory-only mode (no persistence) when db is nil
	mem map[string]map[string][]byte
}

// NewBoltStore opens <baseDir>/<hash(account)>/shopsync.db. An empty baseDir
// yields a memory-only store, which is what tests use as a fake.
func NewBoltStore(baseDir, account string) (*BoltStore, error) {
	if baseDir == "" {
		return NewMemoryStore(), nil
	}

	dir := baseDir
	if account != "" {
		dir = filepath.Join(baseDir, hashAccountKey(account))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dir, "shopsync.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, ns := range domain.Namespaces() {
			if _, err := tx.CreateBucketIfNotExists([]byte(ns)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// NewMemoryStore returns a non-durable store with the same semantics.
func NewMemoryStore() *BoltStore {
	mem := make(map[string]map[string][]byte)
	for _, ns := range domain.Namespaces() {
		mem[ns] = make(map[string][]byte)
	}
	return &BoltStore{mem: mem}
}

// hashAccountKey keeps one database per signed-in account/server.
func hashAccountKey(account string) string {
	normalized := strings.TrimRight(strings.ToLower(account), "/")
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:6])
}

func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *BoltStore) ReadAll(namespace string) ([]domain.Record, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		bucket, ok := s.mem[namespace]
		if !ok {
			return nil, fmt.Errorf("unknown namespace %q", namespace)
		}
		records := make([]domain.Record, 0, len(bucket))
		for k, v := range bucket {
			records = append(records, domain.Record{Key: k, Value: cloneBytes(v)})
		}
		sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
		return records, nil
	}

	var records []domain.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("unknown namespace %q", namespace)
		}
		// Bolt iterates keys in byte order
		return b.ForEach(func(k, v []byte) error {
			records = append(records, domain.Record{Key: string(k), Value: cloneBytes(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BoltStore) Get(namespace, key string) ([]byte, error) {
	if s.db == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		bucket, ok := s.mem[namespace]
		if !ok {
			return nil, fmt.Errorf("unknown namespace %q", namespace)
		}
		v, ok := bucket[key]
		if !ok {
			return nil, domain.ErrNotFound
		}
		return cloneBytes(v), nil
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("unknown namespace %q", namespace)
		}
		if v := b.Get([]byte(key)); v != nil {
			// Bolt memory is only valid inside the transaction
			data = cloneBytes(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, domain.ErrNotFound
	}
	return data, nil
}

func (s *BoltStore) Write(namespace, key string, value []byte) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		bucket, ok := s.mem[namespace]
		if !ok {
			return fmt.Errorf("unknown namespace %q", namespace)
		}
		bucket[key] = cloneBytes(value)
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("unknown namespace %q", namespace)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(namespace, key string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if bucket, ok := s.mem[namespace]; ok {
			delete(bucket, key)
		}
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) DeleteAll(namespace string) error {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.mem[namespace] = make(map[string][]byte)
		return nil
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		name := []byte(namespace)
		if tx.Bucket(name) == nil {
			return nil
		}
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		_, err := tx.CreateBucket(name)
		return err
	})
}

func cloneBytes(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
