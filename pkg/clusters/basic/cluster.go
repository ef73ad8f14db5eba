// Package basic implements the Basic Information cluster (0x0028), which
// describes the node as a whole. It lives on the root endpoint.
//
// NodeLabel and Location are the only writable attributes. The cluster
// does not persist them itself: register their paths with the engine's
// persisted attributes and they are mirrored and restored there.
package basic

import (
	"sync"

	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/datamodel/codedriven"
	"github.com/backkem/imengine/pkg/tlv"
)

// Cluster constants.
const (
	ClusterID       datamodel.ClusterID = 0x0028
	ClusterRevision uint16              = 5
)

// Attribute IDs.
const (
	AttrDataModelRevision    datamodel.AttributeID = 0x0000
	AttrVendorName           datamodel.AttributeID = 0x0001
	AttrVendorID             datamodel.AttributeID = 0x0002
	AttrProductName          datamodel.AttributeID = 0x0003
	AttrProductID            datamodel.AttributeID = 0x0004
	AttrNodeLabel            datamodel.AttributeID = 0x0005
	AttrLocation             datamodel.AttributeID = 0x0006
	AttrHardwareVersion      datamodel.AttributeID = 0x0007
	AttrHardwareVersionStr   datamodel.AttributeID = 0x0008
	AttrSoftwareVersion      datamodel.AttributeID = 0x0009
	AttrSoftwareVersionStr   datamodel.AttributeID = 0x000A
	AttrSerialNumber         datamodel.AttributeID = 0x000F
	AttrUniqueID             datamodel.AttributeID = 0x0012
	AttrCapabilityMinima     datamodel.AttributeID = 0x0013
	AttrSpecificationVersion datamodel.AttributeID = 0x0015
	AttrMaxPathsPerInvoke    datamodel.AttributeID = 0x0016
)

// Limits on string attributes.
const (
	MaxNameLength  = 32
	LocationLength = 2
)

// Defaults for unset DeviceInfo fields.
const (
	DefaultDataModelRevision    uint16 = 18
	DefaultSpecificationVersion uint32 = 0x01040000
	DefaultLocation                    = "XX"
)

// CapabilityMinima are the guaranteed minimum resource counts.
type CapabilityMinima struct {
	CaseSessionsPerFabric  uint16
	SubscriptionsPerFabric uint16
}

// DeviceInfo holds the fixed description of the node.
type DeviceInfo struct {
	DataModelRevision     uint16
	VendorName            string
	VendorID              uint16
	ProductName           string
	ProductID             uint16
	HardwareVersion       uint16
	HardwareVersionString string
	SoftwareVersion       uint32
	SoftwareVersionString string
	SerialNumber          string // optional; omitted when empty
	UniqueID              string
	CapabilityMinima      CapabilityMinima
	SpecificationVersion  uint32
	MaxPathsPerInvoke     uint16
}

// Config configures a Cluster.
type Config struct {
	Endpoint   datamodel.EndpointID
	DeviceInfo DeviceInfo

	// NodeLabel is the label until one is written.
	NodeLabel string
}

// Cluster is the Basic Information server cluster.
type Cluster struct {
	*codedriven.ClusterBase
	info DeviceInfo

	mu        sync.RWMutex
	nodeLabel string
	location  string
}

var _ codedriven.ServerCluster = (*Cluster)(nil)

// New returns a Basic Information cluster.
func New(cfg Config) *Cluster {
	info := cfg.DeviceInfo
	if info.DataModelRevision == 0 {
		info.DataModelRevision = DefaultDataModelRevision
	}
	if info.SpecificationVersion == 0 {
		info.SpecificationVersion = DefaultSpecificationVersion
	}
	if info.MaxPathsPerInvoke == 0 {
		info.MaxPathsPerInvoke = 1
	}
	if info.CapabilityMinima.CaseSessionsPerFabric == 0 {
		info.CapabilityMinima.CaseSessionsPerFabric = 3
	}
	if info.CapabilityMinima.SubscriptionsPerFabric == 0 {
		info.CapabilityMinima.SubscriptionsPerFabric = 3
	}
	info.VendorName = truncate(info.VendorName)
	info.ProductName = truncate(info.ProductName)

	return &Cluster{
		ClusterBase: codedriven.NewClusterBase(cfg.Endpoint, buildMetadata(info)),
		info:        info,
		nodeLabel:   truncate(cfg.NodeLabel),
		location:    DefaultLocation,
	}
}

func truncate(s string) string {
	if len(s) > MaxNameLength {
		return s[:MaxNameLength]
	}
	return s
}

func buildMetadata(info DeviceInfo) *datamodel.ClusterMetadata {
	view := datamodel.PrivilegeView
	fixed := datamodel.AttrQualityFixed
	attrs := []datamodel.AttributeEntry{
		datamodel.ReadOnlyAttribute(AttrDataModelRevision, fixed, view),
		datamodel.ReadOnlyAttribute(AttrVendorName, fixed, view),
		datamodel.ReadOnlyAttribute(AttrVendorID, fixed, view),
		datamodel.ReadOnlyAttribute(AttrProductName, fixed, view),
		datamodel.ReadOnlyAttribute(AttrProductID, fixed, view),
		datamodel.ReadWriteAttribute(AttrNodeLabel, 0, view, datamodel.PrivilegeManage),
		datamodel.ReadWriteAttribute(AttrLocation, 0, view, datamodel.PrivilegeAdminister),
		datamodel.ReadOnlyAttribute(AttrHardwareVersion, fixed, view),
		datamodel.ReadOnlyAttribute(AttrHardwareVersionStr, fixed, view),
		datamodel.ReadOnlyAttribute(AttrSoftwareVersion, fixed, view),
		datamodel.ReadOnlyAttribute(AttrSoftwareVersionStr, fixed, view),
	}
	if info.SerialNumber != "" {
		attrs = append(attrs, datamodel.ReadOnlyAttribute(AttrSerialNumber, fixed, view))
	}
	attrs = append(attrs,
		datamodel.ReadOnlyAttribute(AttrUniqueID, fixed, view),
		datamodel.ReadOnlyAttribute(AttrCapabilityMinima, fixed, view),
		datamodel.ReadOnlyAttribute(AttrSpecificationVersion, fixed, view),
		datamodel.ReadOnlyAttribute(AttrMaxPathsPerInvoke, fixed, view),
	)
	return datamodel.NewClusterMetadata(ClusterID, ClusterRevision, 0, attrs, nil, nil)
}

func (c *Cluster) ReadAttribute(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	info := &c.info
	switch req.Path.Attribute {
	case AttrDataModelRevision:
		return enc.EncodeUint(uint64(info.DataModelRevision))
	case AttrVendorName:
		return enc.EncodeString(info.VendorName)
	case AttrVendorID:
		return enc.EncodeUint(uint64(info.VendorID))
	case AttrProductName:
		return enc.EncodeString(info.ProductName)
	case AttrProductID:
		return enc.EncodeUint(uint64(info.ProductID))
	case AttrNodeLabel:
		return enc.EncodeString(c.NodeLabel())
	case AttrLocation:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return enc.EncodeString(c.location)
	case AttrHardwareVersion:
		return enc.EncodeUint(uint64(info.HardwareVersion))
	case AttrHardwareVersionStr:
		return enc.EncodeString(info.HardwareVersionString)
	case AttrSoftwareVersion:
		return enc.EncodeUint(uint64(info.SoftwareVersion))
	case AttrSoftwareVersionStr:
		return enc.EncodeString(info.SoftwareVersionString)
	case AttrSerialNumber:
		if info.SerialNumber == "" {
			return datamodel.ErrUnsupportedAttribute
		}
		return enc.EncodeString(info.SerialNumber)
	case AttrUniqueID:
		return enc.EncodeString(info.UniqueID)
	case AttrCapabilityMinima:
		return enc.Encode(func(w *tlv.Writer, tag tlv.Tag) error {
			if err := w.StartStructure(tag); err != nil {
				return err
			}
			if err := w.PutUint(tlv.ContextTag(0), uint64(info.CapabilityMinima.CaseSessionsPerFabric)); err != nil {
				return err
			}
			if err := w.PutUint(tlv.ContextTag(1), uint64(info.CapabilityMinima.SubscriptionsPerFabric)); err != nil {
				return err
			}
			return w.EndContainer()
		})
	case AttrSpecificationVersion:
		return enc.EncodeUint(uint64(info.SpecificationVersion))
	case AttrMaxPathsPerInvoke:
		return enc.EncodeUint(uint64(info.MaxPathsPerInvoke))
	default:
		return datamodel.ErrUnsupportedAttribute
	}
}

func (c *Cluster) WriteAttribute(req *datamodel.WriteAttributeRequest, dec *datamodel.AttributeValueDecoder) error {
	id := req.Path.Attribute
	if id != AttrNodeLabel && id != AttrLocation {
		return datamodel.ErrUnsupportedWrite
	}
	v, err := dec.String()
	if err != nil {
		return err
	}

	c.mu.Lock()
	field := &c.nodeLabel
	if id == AttrLocation {
		if len(v) != LocationLength {
			c.mu.Unlock()
			return datamodel.ErrConstraintError
		}
		field = &c.location
	} else if len(v) > MaxNameLength {
		c.mu.Unlock()
		return datamodel.ErrConstraintError
	}
	changed := *field != v
	*field = v
	c.mu.Unlock()

	if changed {
		c.NotifyAttributeChanged(id)
	}
	return nil
}

func (c *Cluster) InvokeCommand(*datamodel.InvokeRequest, *tlv.Reader, datamodel.CommandHandler) error {
	return datamodel.ErrUnsupportedCommand
}

// NodeLabel returns the current label.
func (c *Cluster) NodeLabel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeLabel
}
