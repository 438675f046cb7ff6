// Package store provides the key-value persistence surface used by the
// offline queue: a durable BadgerDB implementation and an in-memory
// fallback for environments without a writable disk.
package store

import (
	"errors"

	"go.uber.org/zap"
)

// ErrKeyNotFound is returned by Get when the key has never been set.
var ErrKeyNotFound = errors.New("store: key not found")

// Store is a minimal key-value surface. Implementations must be safe
// for concurrent use.
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Open returns a Badger-backed store at path, falling back to an
// in-memory store when the database cannot be opened or path is empty.
// Durability is best-effort: the caller keeps working either way.
func Open(path string, logger *zap.Logger) Store {
	if path == "" {
		return NewMemory()
	}

	b, err := OpenBadger(path)
	if err != nil {
		logger.Warn("falling back to in-memory store",
			zap.String("path", path),
			zap.Error(err),
		)
		return NewMemory()
	}
	return b
}
