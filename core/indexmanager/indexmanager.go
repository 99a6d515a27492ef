package indexmanager

import (
	"context"
	"errors"
)

var (
	ErrEmptyKey      = errors.New("key must not be empty")
	ErrKeyTooLarge   = errors.New("key exceeds the index key size")
	ErrValueTooLarge = errors.New("value exceeds the index value size")
	// ErrIndexFull is returned when a key's directory cannot split any further.
	ErrIndexFull = errors.New("index is full for this key")
)

// IndexManager interface defines the key/value operations served over an index.
type IndexManager interface {
	// Put inserts key or replaces its current value.
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) (bool, error)
	// Flush writes every dirty page of the index to disk.
	Flush(ctx context.Context) error
	// Name returns the name/type of this index manager (e.g., "hash").
	Name() string
}
