package im

import (
	"errors"
	"sync"

	"github.com/backkem/imengine/pkg/datamodel"
)

// ErrAttributeAccessExists is returned when registering a second override
// for the same endpoint and cluster.
var ErrAttributeAccessExists = errors.New("im: attribute access interface already registered")

// AttributeAccessInterface overrides the provider for the attributes of one
// cluster.
//
// Read returning nil without encoding anything, or Write returning nil
// without decoding anything, means the override did not handle the path and
// the provider is asked instead. Any error is the final result.
type AttributeAccessInterface interface {
	Read(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error
	Write(req *datamodel.WriteAttributeRequest, dec *datamodel.AttributeValueDecoder) error
}

type aaiKey struct {
	endpoint datamodel.EndpointID
	cluster  datamodel.ClusterID
}

// AttributeAccessRegistry holds the registered overrides. An override
// registered on a specific endpoint takes precedence over one registered
// for every endpoint.
type AttributeAccessRegistry struct {
	mu      sync.RWMutex
	entries map[aaiKey]AttributeAccessInterface
}

// NewAttributeAccessRegistry returns an empty registry.
func NewAttributeAccessRegistry() *AttributeAccessRegistry {
	return &AttributeAccessRegistry{entries: make(map[aaiKey]AttributeAccessInterface)}
}

// Register installs aai for cluster on endpoint, or on every endpoint when
// endpoint is nil.
func (r *AttributeAccessRegistry) Register(endpoint *datamodel.EndpointID, cluster datamodel.ClusterID, aai AttributeAccessInterface) error {
	key := aaiKey{endpoint: datamodel.WildcardEndpoint, cluster: cluster}
	if endpoint != nil {
		key.endpoint = *endpoint
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return ErrAttributeAccessExists
	}
	r.entries[key] = aai
	return nil
}

// Unregister removes the override for the same arguments given to Register.
func (r *AttributeAccessRegistry) Unregister(endpoint *datamodel.EndpointID, cluster datamodel.ClusterID) {
	key := aaiKey{endpoint: datamodel.WildcardEndpoint, cluster: cluster}
	if endpoint != nil {
		key.endpoint = *endpoint
	}
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Lookup returns the override serving path, or nil.
func (r *AttributeAccessRegistry) Lookup(path datamodel.ConcreteClusterPath) AttributeAccessInterface {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if aai, ok := r.entries[aaiKey{endpoint: path.Endpoint, cluster: path.Cluster}]; ok {
		return aai
	}
	return r.entries[aaiKey{endpoint: datamodel.WildcardEndpoint, cluster: path.Cluster}]
}
