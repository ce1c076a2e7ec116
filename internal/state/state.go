// Package state persists the last known snapshot in a bbolt database
// so a restart while the gateway is unreachable still has chats to
// show. The gateway remains the source of truth: loading from this
// cache never suppresses the first-connect database request.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	snapshotKey = []byte("snapshot")
)

// Store wraps a bbolt database holding the cached snapshot.
type Store struct {
	db *bolt.DB
}

// Open opens the state database at the given path, creating it if it
// does not exist. The app bucket is created on open.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Snapshot returns the cached snapshot bytes, or nil when none has
// been stored yet.
func (s *Store) Snapshot() []byte {
	var data []byte

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(snapshotKey)
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}

		return nil
	})

	return data
}

// SetSnapshot persists the snapshot bytes, replacing any previous copy.
func (s *Store) SetSnapshot(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(snapshotKey, data)
	})
}

// Clear removes the cached snapshot.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete(snapshotKey)
	})
}
