package storage

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/multierr"
)

var bucketKV = []byte("kv")

// BoltStorage persists values in a bbolt database, one bucket for all keys.
type BoltStorage struct {
	db *bolt.DB
}

var _ PersistentStorageDelegate = (*BoltStorage)(nil)

// OpenBoltStorage opens or creates the database at path.
func OpenBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("storage: create bucket: %w", err), db.Close())
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) SyncGetKeyValue(key string, buf []byte) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	var (
		n   int
		err error
	)
	viewErr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKV).Get([]byte(key))
		if v == nil {
			return ErrValueNotFound
		}
		// v is only valid inside the transaction.
		n, err = copyOut(key, v, buf)
		return nil
	})
	if viewErr != nil {
		return 0, viewErr
	}
	return n, err
}

func (s *BoltStorage) SyncSetKeyValue(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
}

func (s *BoltStorage) SyncDeleteKeyValue(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b.Get([]byte(key)) == nil {
			return ErrValueNotFound
		}
		return b.Delete([]byte(key))
	})
}

// Close closes the database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
