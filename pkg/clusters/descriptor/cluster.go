// Package descriptor implements the Descriptor cluster (0x001D), which
// describes an endpoint's device types, its clusters and the endpoints
// composed beneath it. Every list is computed from the data model provider
// at read time.
package descriptor

import (
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/datamodel/codedriven"
	"github.com/backkem/imengine/pkg/tlv"
)

// Cluster constants.
const (
	ClusterID       datamodel.ClusterID = 0x001D
	ClusterRevision uint16              = 2
)

// Attribute IDs.
const (
	AttrDeviceTypeList datamodel.AttributeID = 0x0000
	AttrServerList     datamodel.AttributeID = 0x0001
	AttrClientList     datamodel.AttributeID = 0x0002
	AttrPartsList      datamodel.AttributeID = 0x0003
	AttrTagList        datamodel.AttributeID = 0x0004
)

// FeatureTagList is set when the endpoint carries semantic tags.
const FeatureTagList uint32 = 1 << 0

// SemanticTag disambiguates sibling endpoints.
type SemanticTag struct {
	MfgCode     *uint16
	NamespaceID uint8
	Tag         uint8
	Label       *string
}

// Config configures a Cluster.
type Config struct {
	Endpoint datamodel.EndpointID

	// Model supplies the data model the lists are built from. When nil the
	// provider the cluster is registered with is used.
	Model datamodel.ModelGetter

	SemanticTags []SemanticTag
}

// Cluster is the Descriptor server cluster.
type Cluster struct {
	*codedriven.ClusterBase
	config Config
}

var _ codedriven.ServerCluster = (*Cluster)(nil)

// New returns a Descriptor cluster for cfg.Endpoint.
func New(cfg Config) *Cluster {
	list := datamodel.AttrQualityList
	attrs := []datamodel.AttributeEntry{
		datamodel.ReadOnlyAttribute(AttrDeviceTypeList, list|datamodel.AttrQualityFixed, datamodel.PrivilegeView),
		datamodel.ReadOnlyAttribute(AttrServerList, list|datamodel.AttrQualityFixed, datamodel.PrivilegeView),
		datamodel.ReadOnlyAttribute(AttrClientList, list|datamodel.AttrQualityFixed, datamodel.PrivilegeView),
		datamodel.ReadOnlyAttribute(AttrPartsList, list, datamodel.PrivilegeView),
	}
	var features uint32
	if len(cfg.SemanticTags) > 0 {
		features |= FeatureTagList
		attrs = append(attrs, datamodel.ReadOnlyAttribute(AttrTagList, list|datamodel.AttrQualityFixed, datamodel.PrivilegeView))
	}
	meta := datamodel.NewClusterMetadata(ClusterID, ClusterRevision, features, attrs, nil, nil)
	return &Cluster{
		ClusterBase: codedriven.NewClusterBase(cfg.Endpoint, meta),
		config:      cfg,
	}
}

func (c *Cluster) model() datamodel.Provider {
	if c.config.Model != nil {
		return c.config.Model()
	}
	if ctx := c.Context(); ctx != nil && ctx.Provider != nil {
		return ctx.Provider
	}
	return nil
}

func (c *Cluster) ReadAttribute(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	p := c.model()
	if p == nil {
		return datamodel.ErrFailure
	}
	ep := c.config.Endpoint

	switch req.Path.Attribute {
	case AttrDeviceTypeList:
		return enc.EncodeList(func(l *datamodel.ListEncoder) error {
			for _, dt := range p.DeviceTypes(ep) {
				err := l.Encode(func(w *tlv.Writer, tag tlv.Tag) error {
					if err := w.StartStructure(tag); err != nil {
						return err
					}
					if err := w.PutUint(tlv.ContextTag(0), uint64(dt.ID)); err != nil {
						return err
					}
					if err := w.PutUint(tlv.ContextTag(1), uint64(dt.Revision)); err != nil {
						return err
					}
					return w.EndContainer()
				})
				if err != nil {
					return err
				}
			}
			return nil
		})

	case AttrServerList:
		clusters := p.Clusters(ep)
		ids := make([]datamodel.ClusterID, 0, len(clusters))
		for _, cl := range clusters {
			ids = append(ids, cl.Path.Cluster)
		}
		return datamodel.EncodeIDList(enc, ids)

	case AttrClientList:
		// Client clusters are not modelled.
		return enc.EncodeEmptyList()

	case AttrPartsList:
		return datamodel.EncodeIDList(enc, partsOf(ep, p.Endpoints()))

	case AttrTagList:
		if len(c.config.SemanticTags) == 0 {
			return datamodel.ErrUnsupportedAttribute
		}
		return enc.EncodeList(func(l *datamodel.ListEncoder) error {
			for i := range c.config.SemanticTags {
				if err := l.Encode(c.config.SemanticTags[i].encode); err != nil {
					return err
				}
			}
			return nil
		})

	default:
		return datamodel.ErrUnsupportedAttribute
	}
}

func (c *Cluster) WriteAttribute(*datamodel.WriteAttributeRequest, *datamodel.AttributeValueDecoder) error {
	return datamodel.ErrUnsupportedWrite
}

func (c *Cluster) InvokeCommand(*datamodel.InvokeRequest, *tlv.Reader, datamodel.CommandHandler) error {
	return datamodel.ErrUnsupportedCommand
}

// partsOf lists the endpoints composed under ep. The root endpoint owns
// every other endpoint; any other endpoint owns all of its descendants.
func partsOf(ep datamodel.EndpointID, endpoints []datamodel.EndpointEntry) []datamodel.EndpointID {
	parents := make(map[datamodel.EndpointID]*datamodel.EndpointID, len(endpoints))
	for _, e := range endpoints {
		parents[e.ID] = e.Parent
	}

	var parts []datamodel.EndpointID
	for _, e := range endpoints {
		if e.ID == ep {
			continue
		}
		if ep == datamodel.EndpointRoot || descendsFrom(e.ID, ep, parents) {
			parts = append(parts, e.ID)
		}
	}
	return parts
}

func descendsFrom(id, ancestor datamodel.EndpointID, parents map[datamodel.EndpointID]*datamodel.EndpointID) bool {
	// Bounded by the table size so a parent cycle cannot loop forever.
	for range parents {
		parent := parents[id]
		if parent == nil {
			return false
		}
		if *parent == ancestor {
			return true
		}
		id = *parent
	}
	return false
}

func (s *SemanticTag) encode(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	var err error
	if s.MfgCode != nil {
		err = w.PutUint(tlv.ContextTag(0), uint64(*s.MfgCode))
	} else {
		err = w.PutNull(tlv.ContextTag(0))
	}
	if err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(1), uint64(s.NamespaceID)); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(2), uint64(s.Tag)); err != nil {
		return err
	}
	if s.Label != nil {
		if err := w.PutString(tlv.ContextTag(3), *s.Label); err != nil {
			return err
		}
	}
	return w.EndContainer()
}
