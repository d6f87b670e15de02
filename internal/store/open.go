package store

import (
	"fmt"
	"path/filepath"

	"github.com/mmcdole/shopsync/internal/domain"
)

// Supported drivers
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Options selects and locates the persistent store
type Options struct {
	Driver  string
	Dir     string
	Account string // Scopes the on-disk database to one account/server
}

// Open returns the configured domain.KVStore.
func Open(opts Options) (domain.KVStore, error) {
	switch opts.Driver {
	case "", DriverBolt:
		if opts.Dir == "" {
			return nil, fmt.Errorf("bolt store requires a directory")
		}
		return NewBoltStore(opts.Dir, opts.Account)
	case DriverSQLite:
		if opts.Dir == "" {
			return nil, fmt.Errorf("sqlite store requires a directory")
		}
		dir := opts.Dir
		if opts.Account != "" {
			dir = filepath.Join(dir, hashAccountKey(opts.Account))
		}
		return OpenSQLite(filepath.Join(dir, "shopsync.sqlite"))
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", opts.Driver)
	}
}
