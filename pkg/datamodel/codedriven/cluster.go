package codedriven

import (
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/tlv"
	"github.com/pion/logging"
)

// ServerCluster is a cluster instance served by the code-driven provider.
//
// Global attributes are answered by the provider from Metadata; a cluster
// only sees reads of its own attributes.
type ServerCluster interface {
	Path() datamodel.ConcreteClusterPath
	DataVersion() datamodel.DataVersion
	Metadata() *datamodel.ClusterMetadata

	ReadAttribute(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error
	WriteAttribute(req *datamodel.WriteAttributeRequest, dec *datamodel.AttributeValueDecoder) error
	InvokeCommand(req *datamodel.InvokeRequest, fields *tlv.Reader, handler datamodel.CommandHandler) error
}

// Lifecycle is implemented by clusters that need to know when they are
// attached to or detached from a provider.
type Lifecycle interface {
	Startup(ctx *ClusterContext) error
	Shutdown()
}

// ClusterContext is handed to a cluster at startup.
type ClusterContext struct {
	Provider      *Provider
	LoggerFactory logging.LoggerFactory

	markDirty func(datamodel.ConcreteAttributePath)
}

// MarkDirty reports that the attribute at path changed value.
func (c *ClusterContext) MarkDirty(path datamodel.ConcreteAttributePath) {
	if c != nil && c.markDirty != nil {
		c.markDirty(path)
	}
}

// ClusterBase carries the bookkeeping every ServerCluster needs. Embed it
// and implement the attribute and command handlers.
type ClusterBase struct {
	path        datamodel.ConcreteClusterPath
	meta        *datamodel.ClusterMetadata
	dataVersion atomic.Uint32
	ctx         atomic.Pointer[ClusterContext]
}

// NewClusterBase returns a base for meta's cluster on endpoint. The data
// version starts at a random value.
func NewClusterBase(endpoint datamodel.EndpointID, meta *datamodel.ClusterMetadata) *ClusterBase {
	c := &ClusterBase{
		path: datamodel.ConcreteClusterPath{Endpoint: endpoint, Cluster: meta.ID},
		meta: meta,
	}
	c.dataVersion.Store(randomDataVersion())
	return c
}

func (c *ClusterBase) Path() datamodel.ConcreteClusterPath    { return c.path }
func (c *ClusterBase) Metadata() *datamodel.ClusterMetadata   { return c.meta }
func (c *ClusterBase) Revision() uint16                       { return c.meta.Revision }
func (c *ClusterBase) DataVersion() datamodel.DataVersion     { return datamodel.DataVersion(c.dataVersion.Load()) }
func (c *ClusterBase) SetDataVersion(v datamodel.DataVersion) { c.dataVersion.Store(uint32(v)) }
func (c *ClusterBase) IncrementDataVersion()                  { c.dataVersion.Add(1) }

// AttributePath returns the concrete path of one of the cluster's attributes.
func (c *ClusterBase) AttributePath(id datamodel.AttributeID) datamodel.ConcreteAttributePath {
	return datamodel.ConcreteAttributePath{Endpoint: c.path.Endpoint, Cluster: c.path.Cluster, Attribute: id}
}

// Startup records the context. Clusters overriding it must call through.
func (c *ClusterBase) Startup(ctx *ClusterContext) error {
	c.ctx.Store(ctx)
	return nil
}

// Shutdown forgets the context.
func (c *ClusterBase) Shutdown() {
	c.ctx.Store(nil)
}

// Context returns the context set at startup, or nil when detached.
func (c *ClusterBase) Context() *ClusterContext { return c.ctx.Load() }

// NotifyAttributeChanged bumps the data version and marks the attribute
// dirty for reporting.
func (c *ClusterBase) NotifyAttributeChanged(id datamodel.AttributeID) {
	c.IncrementDataVersion()
	c.Context().MarkDirty(c.AttributePath(id))
}

func randomDataVersion() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 1
	}
	return binary.LittleEndian.Uint32(buf[:])
}
