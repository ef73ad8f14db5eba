// Package static implements a data model provider over compiled endpoint
// tables: a fixed set of endpoints, clusters and attribute defaults with
// command callbacks registered per cluster.
package static

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
	ErrDuplicateEndpoint = errors.New("static: duplicate endpoint")
	ErrDuplicateCluster  = errors.New("static: duplicate cluster")
	ErrInvalidDefault    = errors.New("static: invalid default value")
)

// Value is the raw TLV encoding of one anonymous element.
type Value []byte

// ClusterDef is one cluster of an endpoint table.
type ClusterDef struct {
	Metadata *datamodel.ClusterMetadata
	Defaults map[datamodel.AttributeID]Value
}

// EndpointType is one row of the endpoint table.
type EndpointType struct {
	ID          datamodel.EndpointID
	Parent      *datamodel.EndpointID
	DeviceTypes []datamodel.DeviceTypeEntry
	Clusters    []ClusterDef
}

// CommandCallback handles one command for every endpoint the cluster is on.
type CommandCallback func(req *datamodel.InvokeRequest, fields *tlv.Reader, handler datamodel.CommandHandler) error

// Options configures a Provider.
type Options struct {
	LoggerFactory logging.LoggerFactory
}

type commandKey struct {
	cluster datamodel.ClusterID
	command datamodel.CommandID
}

type clusterState struct {
	meta    *datamodel.ClusterMetadata
	version datamodel.DataVersion
	values  map[datamodel.AttributeID]Value
}

type endpointState struct {
	entry       datamodel.EndpointEntry
	deviceTypes []datamodel.DeviceTypeEntry
	clusters    map[datamodel.ClusterID]*clusterState
}

// Provider serves attribute values from an in-memory store seeded by the
// endpoint tables.
type Provider struct {
	mu        sync.RWMutex
	endpoints map[datamodel.EndpointID]*endpointState
	commands  map[commandKey]CommandCallback
	listener  func(datamodel.ConcreteAttributePath)

	log logging.LeveledLogger
}

var _ datamodel.Provider = (*Provider)(nil)

// NewProvider builds a provider from tables. Every default must be a single
// complete TLV element.
func NewProvider(tables []EndpointType, opts Options) (*Provider, error) {
	lf := opts.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	p := &Provider{
		endpoints: make(map[datamodel.EndpointID]*endpointState),
		commands:  make(map[commandKey]CommandCallback),
		log:       lf.NewLogger("static"),
	}
	for _, et := range tables {
		if _, dup := p.endpoints[et.ID]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateEndpoint, et.ID)
		}
		ep := &endpointState{
			entry:       datamodel.EndpointEntry{ID: et.ID, Parent: et.Parent},
			deviceTypes: append([]datamodel.DeviceTypeEntry(nil), et.DeviceTypes...),
			clusters:    make(map[datamodel.ClusterID]*clusterState),
		}
		for _, def := range et.Clusters {
			if _, dup := ep.clusters[def.Metadata.ID]; dup {
				return nil, fmt.Errorf("%w: %d/0x%04X", ErrDuplicateCluster, et.ID, uint32(def.Metadata.ID))
			}
			cs := &clusterState{meta: def.Metadata, values: make(map[datamodel.AttributeID]Value)}
			for id, v := range def.Defaults {
				norm, err := normalize(v)
				if err != nil {
					return nil, fmt.Errorf("%w: %d/0x%04X/0x%04X: %v", ErrInvalidDefault, et.ID, uint32(def.Metadata.ID), uint32(id), err)
				}
				cs.values[id] = norm
			}
			ep.clusters[def.Metadata.ID] = cs
		}
		p.endpoints[et.ID] = ep
	}
	return p, nil
}

// normalize checks raw holds one element and re-encodes it anonymously.
func normalize(raw []byte) (Value, error) {
	if _, err := tlv.ReadElement(raw); err != nil {
		return nil, err
	}
	w := tlv.NewWriter()
	if err := w.PutRaw(tlv.Anonymous(), raw); err != nil {
		return nil, err
	}
	return Value(append([]byte(nil), w.Bytes()...)), nil
}

// RegisterCommand installs the callback for a command of clusterID.
func (p *Provider) RegisterCommand(clusterID datamodel.ClusterID, commandID datamodel.CommandID, cb CommandCallback) {
	p.mu.Lock()
	p.commands[commandKey{clusterID, commandID}] = cb
	p.mu.Unlock()
}

// SetChangeListener installs the function notified after every value change.
func (p *Provider) SetChangeListener(fn func(datamodel.ConcreteAttributePath)) {
	p.mu.Lock()
	p.listener = fn
	p.mu.Unlock()
}

// SetValue replaces a stored value from application code.
func (p *Provider) SetValue(path datamodel.ConcreteAttributePath, v Value) error {
	norm, err := normalize(v)
	if err != nil {
		return fmt.Errorf("%w: %v", datamodel.ErrConstraintError, err)
	}
	return p.store(path, norm)
}

// Value returns a copy of the stored value.
func (p *Provider) Value(path datamodel.ConcreteAttributePath) (Value, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cs, err := p.cluster(path.ClusterPath())
	if err != nil {
		return nil, false
	}
	v, ok := cs.values[path.Attribute]
	return append(Value(nil), v...), ok
}

func (p *Provider) store(path datamodel.ConcreteAttributePath, v Value) error {
	p.mu.Lock()
	cs, err := p.cluster(path.ClusterPath())
	if err != nil {
		p.mu.Unlock()
		return err
	}
	cs.values[path.Attribute] = v
	cs.version++
	fn := p.listener
	p.mu.Unlock()

	if fn != nil {
		fn(path)
	}
	return nil
}

// cluster must be called with mu held.
func (p *Provider) cluster(path datamodel.ConcreteClusterPath) (*clusterState, error) {
	ep, ok := p.endpoints[path.Endpoint]
	if !ok {
		return nil, datamodel.ErrUnsupportedEndpoint
	}
	cs, ok := ep.clusters[path.Cluster]
	if !ok {
		return nil, datamodel.ErrUnsupportedCluster
	}
	return cs, nil
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
	for cid, cs := range ep.clusters {
		out = append(out, datamodel.ClusterEntry{
			Path:        datamodel.ConcreteClusterPath{Endpoint: id, Cluster: cid},
			DataVersion: cs.version,
			Revision:    cs.meta.Revision,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path.Cluster < out[j].Path.Cluster })
	return out
}

func (p *Provider) metadata(path datamodel.ConcreteClusterPath) *datamodel.ClusterMetadata {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cs, err := p.cluster(path)
	if err != nil {
		return nil
	}
	return cs.meta
}

func (p *Provider) Attributes(path datamodel.ConcreteClusterPath) []datamodel.AttributeEntry {
	if m := p.metadata(path); m != nil {
		return m.Attributes()
	}
	return nil
}

func (p *Provider) AcceptedCommands(path datamodel.ConcreteClusterPath) []datamodel.CommandEntry {
	if m := p.metadata(path); m != nil {
		return m.AcceptedCommands()
	}
	return nil
}

func (p *Provider) GeneratedCommands(path datamodel.ConcreteClusterPath) []datamodel.CommandID {
	if m := p.metadata(path); m != nil {
		return m.GeneratedCommands()
	}
	return nil
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
	p.mu.RLock()
	cs, err := p.cluster(req.Path.ClusterPath())
	var (
		v  Value
		ok bool
	)
	if err == nil {
		v, ok = cs.values[req.Path.Attribute]
	}
	p.mu.RUnlock()
	if err != nil {
		return err
	}

	if handled, err := cs.meta.ReadGlobalAttribute(req.Path.Attribute, enc); handled {
		return err
	}
	if !ok {
		if cs.meta.AttributeEntryFor(req.Path.Attribute).HasQuality(datamodel.AttrQualityNullable) {
			return enc.EncodeNull()
		}
		p.log.Warnf("no value stored for %s", req.Path)
		return datamodel.ErrFailure
	}
	return enc.EncodeRaw(v)
}

func (p *Provider) WriteAttribute(req *datamodel.WriteAttributeRequest, dec *datamodel.AttributeValueDecoder) error {
	meta := p.metadata(req.Path.ClusterPath())
	if meta == nil {
		p.mu.RLock()
		_, err := p.cluster(req.Path.ClusterPath())
		p.mu.RUnlock()
		return err
	}
	entry := meta.AttributeEntryFor(req.Path.Attribute)
	switch {
	case !entry.IsValid():
		return datamodel.ErrUnsupportedAttribute
	case !entry.Writable():
		return datamodel.ErrUnsupportedWrite
	}

	t, err := dec.ElementType()
	if err != nil {
		return err
	}
	switch {
	case t == tlv.ElementTypeNull && !entry.HasQuality(datamodel.AttrQualityNullable):
		return fmt.Errorf("%w: null written to non-nullable %s", datamodel.ErrConstraintError, req.Path)
	case entry.IsList() && t != tlv.ElementTypeArray:
		return fmt.Errorf("%w: list attribute %s written with %s", datamodel.ErrConstraintError, req.Path, t)
	}

	norm, err := normalize(dec.Raw())
	if err != nil {
		return fmt.Errorf("%w: %v", datamodel.ErrConstraintError, err)
	}
	return p.store(req.Path, norm)
}

func (p *Provider) InvokeCommand(req *datamodel.InvokeRequest, fields *tlv.Reader, handler datamodel.CommandHandler) error {
	p.mu.RLock()
	_, err := p.cluster(req.Path.ClusterPath())
	cb := p.commands[commandKey{req.Path.Cluster, req.Path.Command}]
	p.mu.RUnlock()
	if err != nil {
		return err
	}
	if cb == nil {
		return datamodel.ErrUnsupportedCommand
	}
	return cb(req, fields, handler)
}
