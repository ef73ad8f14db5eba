// Package storage provides the key-value persistence used by the device:
// a synchronous storage delegate with memory and bbolt backends, the key
// allocator that names every persisted record, and the safe attribute
// persistence provider clusters use to keep attribute values across
// restarts.
package storage

import (
	"errors"
	"fmt"
	"sync"
)

// MaxKeyLength is the longest key a delegate accepts.
const MaxKeyLength = 32

var (
	ErrInvalidKey      = errors.New("storage: invalid key")
	ErrValueNotFound   = errors.New("storage: value not found")
	ErrBufferTooSmall  = errors.New("storage: buffer too small")
	ErrInvalidArgument = errors.New("storage: invalid argument")
	ErrIncorrectState  = errors.New("storage: incorrect state")
	ErrSizeMismatch    = errors.New("storage: stored value has unexpected size")
)

// PersistentStorageDelegate is a synchronous key-value store.
type PersistentStorageDelegate interface {
	// SyncGetKeyValue copies the value for key into buf and returns its
	// length. If buf is too short it copies what fits and returns the full
	// length with ErrBufferTooSmall.
	SyncGetKeyValue(key string, buf []byte) (int, error)
	SyncSetKeyValue(key string, value []byte) error
	SyncDeleteKeyValue(key string) error
}

func validateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func copyOut(key string, v, buf []byte) (int, error) {
	n := copy(buf, v)
	if n < len(v) {
		return len(v), fmt.Errorf("%w: %q needs %d bytes", ErrBufferTooSmall, key, len(v))
	}
	return n, nil
}

// MemoryStorage keeps values in a map. It is the default backend and the
// one tests use.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ PersistentStorageDelegate = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string][]byte)}
}

func (m *MemoryStorage) SyncGetKeyValue(key string, buf []byte) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrValueNotFound
	}
	return copyOut(key, v, buf)
}

func (m *MemoryStorage) SyncSetKeyValue(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStorage) SyncDeleteKeyValue(key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.values[key]; !ok {
		return ErrValueNotFound
	}
	delete(m.values, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
