package datamodel

import (
	"sort"
	"sync/atomic"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/tlv"
)

// ReadAttributeRequest is one concrete attribute read.
type ReadAttributeRequest struct {
	Path           ConcreteAttributePath
	Subject        acl.SubjectDescriptor
	FabricFiltered bool
}

// WriteAttributeRequest is one concrete attribute write.
type WriteAttributeRequest struct {
	Path    ConcreteAttributePath
	Subject acl.SubjectDescriptor
	Timed   bool

	// DataVersion, if set, must equal the cluster's current version.
	DataVersion *DataVersion
}

// InvokeRequest is one command of an invoke batch.
type InvokeRequest struct {
	Path       ConcreteCommandPath
	Subject    acl.SubjectDescriptor
	Timed      bool
	CommandRef *uint16
}

// Provider is the data model as seen by the interaction model engine.
//
// Enumerations are sorted ascending by id. Operations on a path the
// provider does not have return ErrUnsupportedEndpoint or
// ErrUnsupportedCluster. Status outcomes are reported as errors mapped by
// StatusOf; a nil error is Success.
type Provider interface {
	Endpoints() []EndpointEntry
	Clusters(ep EndpointID) []ClusterEntry
	Attributes(path ConcreteClusterPath) []AttributeEntry
	AcceptedCommands(path ConcreteClusterPath) []CommandEntry
	GeneratedCommands(path ConcreteClusterPath) []CommandID
	DeviceTypes(ep EndpointID) []DeviceTypeEntry

	ReadAttribute(req *ReadAttributeRequest, enc *AttributeValueEncoder) error
	WriteAttribute(req *WriteAttributeRequest, dec *AttributeValueDecoder) error

	// InvokeCommand dispatches a command. It returns nil once the handler
	// has been given a response or the command was deferred; any other
	// outcome is returned as an error.
	InvokeCommand(req *InvokeRequest, fields *tlv.Reader, handler CommandHandler) error
}

// ModelGetter returns the provider currently installed. Callers fetch it
// once per operation and keep that value until the operation completes.
type ModelGetter func() Provider

// ProviderCell holds the active provider. Swapping it takes effect for
// operations that start afterwards.
type ProviderCell struct {
	p atomic.Pointer[providerBox]
}

type providerBox struct{ Provider }

// NewProviderCell returns a cell holding p.
func NewProviderCell(p Provider) *ProviderCell {
	c := &ProviderCell{}
	c.Set(p)
	return c
}

// Set installs p.
func (c *ProviderCell) Set(p Provider) {
	c.p.Store(&providerBox{p})
}

// Get returns the installed provider, or nil.
func (c *ProviderCell) Get() Provider {
	b := c.p.Load()
	if b == nil {
		return nil
	}
	return b.Provider
}

// Getter returns a ModelGetter bound to the cell.
func (c *ProviderCell) Getter() ModelGetter { return c.Get }

// FindCluster returns the cluster entry for path, or the status error a
// request addressing it should fail with.
func FindCluster(p Provider, path ConcreteClusterPath) (ClusterEntry, error) {
	found := false
	for _, ep := range p.Endpoints() {
		if ep.ID == path.Endpoint {
			found = true
			break
		}
	}
	if !found {
		return ClusterEntry{}, ErrUnsupportedEndpoint
	}
	for _, c := range p.Clusters(path.Endpoint) {
		if c.Path.Cluster == path.Cluster {
			return c, nil
		}
	}
	return ClusterEntry{}, ErrUnsupportedCluster
}

// AttributeEntryFor looks an attribute up in the provider's enumeration of
// its cluster. Unknown ids, clusters and endpoints yield
// InvalidAttributeEntry.
func AttributeEntryFor(p Provider, path ConcreteAttributePath) AttributeEntry {
	entries := p.Attributes(path.ClusterPath())
	i := sort.Search(len(entries), func(i int) bool { return entries[i].ID >= path.Attribute })
	if i < len(entries) && entries[i].ID == path.Attribute {
		return entries[i]
	}
	return InvalidAttributeEntry
}

// CommandEntryFor looks an accepted command up in the provider's
// enumeration of its cluster, yielding InvalidCommandEntry when absent.
func CommandEntryFor(p Provider, path ConcreteCommandPath) CommandEntry {
	entries := p.AcceptedCommands(path.ClusterPath())
	i := sort.Search(len(entries), func(i int) bool { return entries[i].ID >= path.Command })
	if i < len(entries) && entries[i].ID == path.Command {
		return entries[i]
	}
	return InvalidCommandEntry
}

// DynamicProviderDeviceTypeResolver answers device type queries for access
// control against whatever provider the getter returns at call time.
type DynamicProviderDeviceTypeResolver struct {
	Getter ModelGetter
}

var _ acl.DeviceTypeResolver = (*DynamicProviderDeviceTypeResolver)(nil)

func (r *DynamicProviderDeviceTypeResolver) IsDeviceTypeOnEndpoint(deviceType uint32, endpoint uint16) bool {
	p := r.Getter()
	if p == nil {
		return false
	}
	for _, dt := range p.DeviceTypes(EndpointID(endpoint)) {
		if uint32(dt.ID) == deviceType {
			return true
		}
	}
	return false
}
