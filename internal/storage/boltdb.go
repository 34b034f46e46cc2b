package storage

import (
	"bytes"
	"context"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"
)

const (
	boltFileMode = 0600
	boltTimeout  = 1 * time.Second
)

var boltBucket = []byte("tiles")

// BoltStore is a KeyValueStore backed by a single boltdb file.
type BoltStore struct {
	log *zap.Logger
	db  *bolt.DB
}

// NewBoltStore opens (or creates) a boltdb file at path.
func NewBoltStore(log *zap.Logger, path string) (*BoltStore, error) {
	db, err := bolt.Open(path, boltFileMode, &bolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	return &BoltStore{log: log, db: db}, nil
}

// Put implements KeyValueStore.
func (s *BoltStore) Put(ctx context.Context, key Key, value Value) error {
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	}))
}

// Get implements KeyValueStore.
func (s *BoltStore) Get(ctx context.Context, key Key) (Value, error) {
	var value Value
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(boltBucket).Get(key)
		if data == nil {
			return ErrKeyNotFound.New("%q", string(key))
		}
		value = append(Value(nil), data...)
		return nil
	})
	if err != nil {
		if ErrKeyNotFound.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return value, nil
}

// Delete implements KeyValueStore.
func (s *BoltStore) Delete(ctx context.Context, key Key) error {
	return Error.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	}))
}

// ListPrefix implements KeyValueStore.
func (s *BoltStore) ListPrefix(ctx context.Context, prefix Key) ([]Key, error) {
	var keys []Key
	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(boltBucket).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			keys = append(keys, append(Key(nil), k...))
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return keys, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return Error.Wrap(s.db.Close())
}
