// Package datamodel holds the provider-agnostic side of the Interaction
// Model data path: identifiers and concrete paths, the immutable metadata
// describing what each cluster exposes, IM status codes, the attribute value
// encoder/decoder pair and the Provider contract every data model backend
// satisfies.
//
// Two providers live in subpackages: codedriven registers cluster objects
// at runtime, static serves compiled attribute tables. Callers never need
// to know which one is active; they fetch it through a ModelGetter.
package datamodel

import "fmt"

type (
	NodeID       uint64
	EndpointID   uint16
	ClusterID    uint32
	AttributeID  uint32
	CommandID    uint32
	GroupID      uint16
	DataVersion  uint32
	DeviceTypeID uint32
)

// Wildcard values. They never name a concrete element.
const (
	WildcardEndpoint  EndpointID  = 0xFFFF
	WildcardCluster   ClusterID   = 0xFFFF_FFFF
	WildcardAttribute AttributeID = 0xFFFF_FFFF
	WildcardCommand   CommandID   = 0xFFFF_FFFF
)

// EndpointRoot is the root node endpoint.
const EndpointRoot EndpointID = 0

// ConcreteClusterPath identifies one cluster instance.
type ConcreteClusterPath struct {
	Endpoint EndpointID
	Cluster  ClusterID
}

func (p ConcreteClusterPath) String() string {
	return fmt.Sprintf("%d/0x%04X", p.Endpoint, uint32(p.Cluster))
}

// ConcreteAttributePath identifies one attribute. It is comparable and used
// directly as a map key.
type ConcreteAttributePath struct {
	Endpoint  EndpointID
	Cluster   ClusterID
	Attribute AttributeID
}

// ClusterPath returns the cluster portion of the path.
func (p ConcreteAttributePath) ClusterPath() ConcreteClusterPath {
	return ConcreteClusterPath{Endpoint: p.Endpoint, Cluster: p.Cluster}
}

func (p ConcreteAttributePath) String() string {
	return fmt.Sprintf("%d/0x%04X/0x%04X", p.Endpoint, uint32(p.Cluster), uint32(p.Attribute))
}

// ConcreteCommandPath identifies one command.
type ConcreteCommandPath struct {
	Endpoint EndpointID
	Cluster  ClusterID
	Command  CommandID
}

// ClusterPath returns the cluster portion of the path.
func (p ConcreteCommandPath) ClusterPath() ConcreteClusterPath {
	return ConcreteClusterPath{Endpoint: p.Endpoint, Cluster: p.Cluster}
}

func (p ConcreteCommandPath) String() string {
	return fmt.Sprintf("%d/0x%04X/cmd 0x%02X", p.Endpoint, uint32(p.Cluster), uint32(p.Command))
}

// AttributePathFilter is a possibly-wildcard attribute path as it appears in
// read and subscribe requests. Nil fields are wildcards.
type AttributePathFilter struct {
	Endpoint  *EndpointID
	Cluster   *ClusterID
	Attribute *AttributeID
}

// IsConcrete reports whether every field is set.
func (f AttributePathFilter) IsConcrete() bool {
	return f.Endpoint != nil && f.Cluster != nil && f.Attribute != nil
}

// Concrete returns the concrete path. Only meaningful when IsConcrete.
func (f AttributePathFilter) Concrete() ConcreteAttributePath {
	var p ConcreteAttributePath
	if f.Endpoint != nil {
		p.Endpoint = *f.Endpoint
	}
	if f.Cluster != nil {
		p.Cluster = *f.Cluster
	}
	if f.Attribute != nil {
		p.Attribute = *f.Attribute
	}
	return p
}

// Matches reports whether a concrete path falls under the filter.
func (f AttributePathFilter) Matches(p ConcreteAttributePath) bool {
	if f.Endpoint != nil && *f.Endpoint != p.Endpoint {
		return false
	}
	if f.Cluster != nil && *f.Cluster != p.Cluster {
		return false
	}
	if f.Attribute != nil && *f.Attribute != p.Attribute {
		return false
	}
	return true
}

// FilterFor returns a filter matching exactly p.
func FilterFor(p ConcreteAttributePath) AttributePathFilter {
	return AttributePathFilter{Endpoint: &p.Endpoint, Cluster: &p.Cluster, Attribute: &p.Attribute}
}
