package storage

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/backkem/imengine/pkg/datamodel"
)

// SafeAttributePersistenceProvider stores raw attribute values by path.
type SafeAttributePersistenceProvider interface {
	SafeWriteValue(path datamodel.ConcreteAttributePath, value []byte) error
	SafeReadValue(path datamodel.ConcreteAttributePath, buf []byte) (int, error)
}

// DefaultSafeAttributePersistenceProvider keeps attribute values in a
// storage delegate under DefaultStorageKeyAllocator.SafeAttributeValue keys.
type DefaultSafeAttributePersistenceProvider struct {
	mu      sync.RWMutex
	storage *StorageDelegateWrapper
	keys    DefaultStorageKeyAllocator
}

var _ SafeAttributePersistenceProvider = (*DefaultSafeAttributePersistenceProvider)(nil)

// Init binds the provider to a delegate.
func (p *DefaultSafeAttributePersistenceProvider) Init(delegate PersistentStorageDelegate) error {
	if delegate == nil {
		return ErrInvalidArgument
	}
	p.mu.Lock()
	p.storage = NewStorageDelegateWrapper(delegate)
	p.mu.Unlock()
	return nil
}

func (p *DefaultSafeAttributePersistenceProvider) wrapper() (*StorageDelegateWrapper, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.storage == nil {
		return nil, fmt.Errorf("%w: persistence provider not initialized", ErrIncorrectState)
	}
	return p.storage, nil
}

func (p *DefaultSafeAttributePersistenceProvider) key(path datamodel.ConcreteAttributePath) string {
	return p.keys.SafeAttributeValue(path.Endpoint, path.Cluster, path.Attribute)
}

func (p *DefaultSafeAttributePersistenceProvider) SafeWriteValue(path datamodel.ConcreteAttributePath, value []byte) error {
	s, err := p.wrapper()
	if err != nil {
		return err
	}
	return s.WriteValue(p.key(path), value)
}

func (p *DefaultSafeAttributePersistenceProvider) SafeReadValue(path datamodel.ConcreteAttributePath, buf []byte) (int, error) {
	s, err := p.wrapper()
	if err != nil {
		return 0, err
	}
	return s.ReadValue(p.key(path), buf)
}

// Scalar is a value WriteScalarValue and ReadScalarValue can persist.
type Scalar interface {
	~bool | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func scalarSize[T Scalar]() int {
	var v T
	return binary.Size(v)
}

// WriteScalarValue stores v little-endian.
func WriteScalarValue[T Scalar](p SafeAttributePersistenceProvider, path datamodel.ConcreteAttributePath, v T) error {
	buf := make([]byte, 0, 8)
	buf, err := binary.Append(buf, binary.LittleEndian, v)
	if err != nil {
		return err
	}
	return p.SafeWriteValue(path, buf)
}

// ReadScalarValue loads a value stored by WriteScalarValue. A stored value
// of the wrong width yields ErrSizeMismatch.
func ReadScalarValue[T Scalar](p SafeAttributePersistenceProvider, path datamodel.ConcreteAttributePath) (T, error) {
	var v T
	buf := make([]byte, scalarSize[T]())
	n, err := p.SafeReadValue(path, buf)
	if err != nil {
		if n > len(buf) {
			return v, fmt.Errorf("%w: %s holds %d bytes", ErrSizeMismatch, path, n)
		}
		return v, err
	}
	if n != len(buf) {
		return v, fmt.Errorf("%w: %s holds %d bytes", ErrSizeMismatch, path, n)
	}
	_, err = binary.Decode(buf, binary.LittleEndian, &v)
	return v, err
}
