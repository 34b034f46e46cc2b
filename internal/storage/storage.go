// Package storage defines the key/value boundary the tile store persists
// through, with a boltdb client for durable single-node storage and an
// in-memory store for tests.
package storage

import (
	"context"

	"github.com/zeebo/errs"
)

// Key identifies a stored value.
type Key []byte

// Value is an opaque stored payload.
type Value []byte

var (
	// Error is the class for transient storage failures; callers may retry.
	Error = errs.Class("storage failure")
	// ErrKeyNotFound reports a missing key.
	ErrKeyNotFound = errs.Class("key not found")
)

// KeyValueStore is the persistence boundary. Put must be safe under
// concurrent writers; same-key races resolve last-writer-wins.
type KeyValueStore interface {
	Put(ctx context.Context, key Key, value Value) error
	Get(ctx context.Context, key Key) (Value, error)
	Delete(ctx context.Context, key Key) error
	// ListPrefix returns all keys with the given prefix in lexical order.
	ListPrefix(ctx context.Context, prefix Key) ([]Key, error)
	Close() error
}
