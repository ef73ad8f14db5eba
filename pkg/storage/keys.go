package storage

import (
	"fmt"
	"math"

	"github.com/backkem/imengine/pkg/datamodel"
)

// DefaultStorageKeyAllocator names persisted records. Every key fits in
// MaxKeyLength.
type DefaultStorageKeyAllocator struct{}

// SafeAttributeValue is the key of a persisted attribute value.
func (DefaultStorageKeyAllocator) SafeAttributeValue(ep datamodel.EndpointID, cluster datamodel.ClusterID, attr datamodel.AttributeID) string {
	return fmt.Sprintf("g/a/%x/%x/%x", uint16(ep), uint32(cluster), uint32(attr))
}

func (DefaultStorageKeyAllocator) FabricIndexInfo() string { return "g/fidx" }

func (DefaultStorageKeyAllocator) SubscriptionResumption(index uint16) string {
	return fmt.Sprintf("g/sum/%x", index)
}

// StorageDelegateWrapper adds the size limits of the persisted value format
// on top of a delegate.
type StorageDelegateWrapper struct {
	delegate PersistentStorageDelegate
}

// NewStorageDelegateWrapper wraps d.
func NewStorageDelegateWrapper(d PersistentStorageDelegate) *StorageDelegateWrapper {
	return &StorageDelegateWrapper{delegate: d}
}

// WriteValue stores value. Values longer than a uint16 length are refused
// without reaching the delegate.
func (w *StorageDelegateWrapper) WriteValue(key string, value []byte) error {
	if len(value) > math.MaxUint16 {
		return fmt.Errorf("%w: %d byte value for %q", ErrBufferTooSmall, len(value), key)
	}
	return w.delegate.SyncSetKeyValue(key, value)
}

// ReadValue reads into buf and returns the length read.
func (w *StorageDelegateWrapper) ReadValue(key string, buf []byte) (int, error) {
	if len(buf) > math.MaxUint16 {
		buf = buf[:math.MaxUint16]
	}
	return w.delegate.SyncGetKeyValue(key, buf)
}

func (w *StorageDelegateWrapper) DeleteValue(key string) error {
	return w.delegate.SyncDeleteKeyValue(key)
}
