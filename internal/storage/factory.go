package storage

import (
	"fmt"
	"log/slog"
)

// NewStore builds an uninitialized store. path is the sqlite file or badger
// directory; an empty badger path opens an in-memory database.
func NewStore(kind, path string, logger *slog.Logger) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(path)
	case "badger":
		return NewBadgerStore(BadgerConfig{Path: path, SyncWrites: true, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
