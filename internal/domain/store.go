package domain

// KVStore is the durable on-device store. Values are opaque bytes; callers own
// the encoding. Implementations are assumed encrypted-at-rest by the platform.
type KVStore interface {
	// ReadAll returns every record in the namespace, sorted by key
	ReadAll(namespace string) ([]Record, error)

	// Get returns ErrNotFound when the key is absent
	Get(namespace, key string) ([]byte, error)

	// Write stores value atomically; concurrent writers to one key serialize and the later write wins
	Write(namespace, key string, value []byte) error

	// Delete is idempotent
	Delete(namespace, key string) error

	// DeleteAll wipes a namespace
	DeleteAll(namespace string) error

	Close() error
}
