package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Open opens the node's pebble database. One handle is shared by the token
// ledgers, the custody engine, and the event log; each owns its own key
// prefix.
func Open(path string) (*pebble.DB, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20), // 128MB
		MemTableSize:             64 << 20,
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	return db, nil
}
