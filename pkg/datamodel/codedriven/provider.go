// Package codedriven implements a data model provider whose clusters are Go
// objects registered at runtime.
package codedriven

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/tlv"
	"github.com/pion/logging"
)

var (
	ErrEndpointExists   = errors.New("codedriven: endpoint already registered")
	ErrEndpointNotFound = errors.New("codedriven: endpoint not registered")
	ErrDuplicateCluster = errors.New("codedriven: cluster already registered")
	ErrClusterNotFound  = errors.New("codedriven: cluster not registered")
)

// Config configures a Provider.
type Config struct {
	LoggerFactory logging.LoggerFactory
}

type endpoint struct {
	entry       datamodel.EndpointEntry
	deviceTypes []datamodel.DeviceTypeEntry
	clusters    map[datamodel.ClusterID]ServerCluster
}

// Provider serves registered ServerCluster instances.
type Provider struct {
	mu        sync.RWMutex
	endpoints map[datamodel.EndpointID]*endpoint
	listener  func(datamodel.ConcreteAttributePath)

	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
}

var _ datamodel.Provider = (*Provider)(nil)

// NewProvider returns an empty provider.
func NewProvider(cfg Config) *Provider {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Provider{
		endpoints:     make(map[datamodel.EndpointID]*endpoint),
		loggerFactory: lf,
		log:           lf.NewLogger("codedriven"),
	}
}

// SetChangeListener installs the function clusters reach through
// ClusterContext.MarkDirty.
func (p *Provider) SetChangeListener(fn func(datamodel.ConcreteAttributePath)) {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
}

func (p *Provider) notify(path datamodel.ConcreteAttributePath) {
	p.mu.RLock()
	fn := p.listener
	p.mu.RUnlock()
	if fn != nil {
		fn(path)
	}
}

// RegisterEndpoint adds an endpoint with the given device types.
func (p *Provider) RegisterEndpoint(entry datamodel.EndpointEntry, deviceTypes ...datamodel.DeviceTypeEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.endpoints[entry.ID]; ok {
		return fmt.Errorf("%w: %d", ErrEndpointExists, entry.ID)
	}
	p.endpoints[entry.ID] = &endpoint{
		entry:       entry,
		deviceTypes: append([]datamodel.DeviceTypeEntry(nil), deviceTypes...),
		clusters:    make(map[datamodel.ClusterID]ServerCluster),
	}
	return nil
}

// UnregisterEndpoint removes an endpoint, shutting down its clusters.
func (p *Provider) UnregisterEndpoint(id datamodel.EndpointID) error {
	p.mu.Lock()
	ep, ok := p.endpoints[id]
	if ok {
		delete(p.endpoints, id)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrEndpointNotFound, id)
	}
	for _, c := range ep.clusters {
		if lc, ok := c.(Lifecycle); ok {
			lc.Shutdown()
		}
	}
	return nil
}

// Register attaches a cluster to its endpoint and starts it.
func (p *Provider) Register(c ServerCluster) error {
	path := c.Path()

	p.mu.Lock()
	ep, ok := p.endpoints[path.Endpoint]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrEndpointNotFound, path.Endpoint)
	}
	if _, dup := ep.clusters[path.Cluster]; dup {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateCluster, path)
	}
	ep.clusters[path.Cluster] = c
	p.mu.Unlock()

	if lc, ok := c.(Lifecycle); ok {
		ctx := &ClusterContext{Provider: p, LoggerFactory: p.loggerFactory, markDirty: p.notify}
		if err := lc.Startup(ctx); err != nil {
			p.mu.Lock()
			delete(ep.clusters, path.Cluster)
			p.mu.Unlock()
			return fmt.Errorf("codedriven: startup of %s: %w", path, err)
		}
	}
	p.log.Debugf("registered cluster %s", path)
	return nil
}

// UnRegister shuts down and detaches the cluster at path.
func (p *Provider) UnRegister(path datamodel.ConcreteClusterPath) error {
	p.mu.Lock()
	var c ServerCluster
	if ep, ok := p.endpoints[path.Endpoint]; ok {
		c = ep.clusters[path.Cluster]
		delete(ep.clusters, path.Cluster)
	}
	p.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ErrClusterNotFound, path)
	}
	if lc, ok := c.(Lifecycle); ok {
		lc.Shutdown()
	}
	return nil
}

// Cluster returns the cluster at path, or nil.
func (p *Provider) Cluster(path datamodel.ConcreteClusterPath) ServerCluster {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ep, ok := p.endpoints[path.Endpoint]; ok {
		return ep.clusters[path.Cluster]
	}
	return nil
}

func (p *Provider) lookup(path datamodel.ConcreteClusterPath) (ServerCluster, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.endpoints[path.Endpoint]
	if !ok {
		return nil, datamodel.ErrUnsupportedEndpoint
	}
	c, ok := ep.clusters[path.Cluster]
	if !ok {
		return nil, datamodel.ErrUnsupportedCluster
	}
	return c, nil
}

func (p *Provider) Endpoints() []datamodel.EndpointEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]datamodel.EndpointEntry, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *Provider) Clusters(id datamodel.EndpointID) []datamodel.ClusterEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.endpoints[id]
	if !ok {
		return nil
	}
	out := make([]datamodel.ClusterEntry, 0, len(ep.clusters))
	for _, c := range ep.clusters {
		out = append(out, datamodel.ClusterEntry{
			Path:        c.Path(),
			DataVersion: c.DataVersion(),
			Revision:    c.Metadata().Revision,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.Cluster < out[j].Path.Cluster })
	return out
}

func (p *Provider) Attributes(path datamodel.ConcreteClusterPath) []datamodel.AttributeEntry {
	c, err := p.lookup(path)
	if err != nil {
		return nil
	}
	return c.Metadata().Attributes()
}

func (p *Provider) AcceptedCommands(path datamodel.ConcreteClusterPath) []datamodel.CommandEntry {
	c, err := p.lookup(path)
	if err != nil {
		return nil
	}
	return c.Metadata().AcceptedCommands()
}

func (p *Provider) GeneratedCommands(path datamodel.ConcreteClusterPath) []datamodel.CommandID {
	c, err := p.lookup(path)
	if err != nil {
		return nil
	}
	return c.Metadata().GeneratedCommands()
}

func (p *Provider) DeviceTypes(id datamodel.EndpointID) []datamodel.DeviceTypeEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ep, ok := p.endpoints[id]; ok {
		return append([]datamodel.DeviceTypeEntry(nil), ep.deviceTypes...)
	}
	return nil
}

func (p *Provider) ReadAttribute(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	c, err := p.lookup(req.Path.ClusterPath())
	if err != nil {
		return err
	}
	if handled, err := c.Metadata().ReadGlobalAttribute(req.Path.Attribute, enc); handled {
		return err
	}
	return c.ReadAttribute(req, enc)
}

func (p *Provider) WriteAttribute(req *datamodel.WriteAttributeRequest, dec *datamodel.AttributeValueDecoder) error {
	c, err := p.lookup(req.Path.ClusterPath())
	if err != nil {
		return err
	}
	return c.WriteAttribute(req, dec)
}

func (p *Provider) InvokeCommand(req *datamodel.InvokeRequest, fields *tlv.Reader, handler datamodel.CommandHandler) error {
	c, err := p.lookup(req.Path.ClusterPath())
	if err != nil {
		return err
	}
	return c.InvokeCommand(req, fields, handler)
}
