package message

import (
	dm "github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/tlv"
)

const (
	attrPathTagEnableTagCompression = 0
	attrPathTagNode                 = 1
	attrPathTagEndpoint             = 2
	attrPathTagCluster              = 3
	attrPathTagAttribute            = 4
	attrPathTagListIndex            = 5
)

// AttributePathIB addresses one or more attributes. Nil fields are
// wildcards. A null ListIndex, recorded in ListIndexNull, means append.
type AttributePathIB struct {
	EnableTagCompression *bool
	Node                 *dm.NodeID
	Endpoint             *dm.EndpointID
	Cluster              *dm.ClusterID
	Attribute            *dm.AttributeID
	ListIndex            *uint16
	ListIndexNull        bool
}

// AttributePathFor returns the path naming exactly p.
func AttributePathFor(p dm.ConcreteAttributePath) AttributePathIB {
	return AttributePathIB{Endpoint: &p.Endpoint, Cluster: &p.Cluster, Attribute: &p.Attribute}
}

// HasListIndex reports whether the path addresses a list element.
func (p *AttributePathIB) HasListIndex() bool { return p.ListIndex != nil || p.ListIndexNull }

// Filter returns the path as a data model filter. List indexes are dropped.
func (p *AttributePathIB) Filter() dm.AttributePathFilter {
	return dm.AttributePathFilter{Endpoint: p.Endpoint, Cluster: p.Cluster, Attribute: p.Attribute}
}

// Concrete returns the concrete path when endpoint, cluster and attribute
// are all present.
func (p *AttributePathIB) Concrete() (dm.ConcreteAttributePath, bool) {
	f := p.Filter()
	return f.Concrete(), f.IsConcrete()
}

func (p *AttributePathIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartList(tag); err != nil {
		return err
	}
	if p.EnableTagCompression != nil {
		if err := w.PutBool(tlv.ContextTag(attrPathTagEnableTagCompression), *p.EnableTagCompression); err != nil {
			return err
		}
	}
	if err := putUintPtr(w, attrPathTagNode, p.Node); err != nil {
		return err
	}
	if err := putUintPtr(w, attrPathTagEndpoint, p.Endpoint); err != nil {
		return err
	}
	if err := putUintPtr(w, attrPathTagCluster, p.Cluster); err != nil {
		return err
	}
	if err := putUintPtr(w, attrPathTagAttribute, p.Attribute); err != nil {
		return err
	}
	if p.ListIndexNull {
		if err := w.PutNull(tlv.ContextTag(attrPathTagListIndex)); err != nil {
			return err
		}
	} else if err := putUintPtr(w, attrPathTagListIndex, p.ListIndex); err != nil {
		return err
	}
	return w.EndContainer()
}

func (p *AttributePathIB) Decode(r *tlv.Reader) error {
	*p = AttributePathIB{}
	err := readFields(r, tlv.ElementTypeList, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case attrPathTagEnableTagCompression:
			p.EnableTagCompression, err = readBoolPtr(r)
		case attrPathTagNode:
			p.Node, err = readUintPtr[dm.NodeID](r)
		case attrPathTagEndpoint:
			p.Endpoint, err = readUintPtr[dm.EndpointID](r)
		case attrPathTagCluster:
			p.Cluster, err = readUintPtr[dm.ClusterID](r)
		case attrPathTagAttribute:
			p.Attribute, err = readUintPtr[dm.AttributeID](r)
		case attrPathTagListIndex:
			if r.IsNull() {
				p.ListIndexNull = true
				return nil
			}
			p.ListIndex, err = readUintPtr[uint16](r)
		}
		return err
	})
	if err != nil {
		return err
	}
	if p.HasListIndex() && p.Attribute == nil {
		return ErrMalformedPath
	}
	return nil
}

const (
	clusterPathTagNode     = 0
	clusterPathTagEndpoint = 1
	clusterPathTagCluster  = 2
)

// ClusterPathIB addresses a cluster instance.
type ClusterPathIB struct {
	Node     *dm.NodeID
	Endpoint *dm.EndpointID
	Cluster  *dm.ClusterID
}

func (p *ClusterPathIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartList(tag); err != nil {
		return err
	}
	if err := putUintPtr(w, clusterPathTagNode, p.Node); err != nil {
		return err
	}
	if err := putUintPtr(w, clusterPathTagEndpoint, p.Endpoint); err != nil {
		return err
	}
	if err := putUintPtr(w, clusterPathTagCluster, p.Cluster); err != nil {
		return err
	}
	return w.EndContainer()
}

func (p *ClusterPathIB) Decode(r *tlv.Reader) error {
	*p = ClusterPathIB{}
	return readFields(r, tlv.ElementTypeList, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case clusterPathTagNode:
			p.Node, err = readUintPtr[dm.NodeID](r)
		case clusterPathTagEndpoint:
			p.Endpoint, err = readUintPtr[dm.EndpointID](r)
		case clusterPathTagCluster:
			p.Cluster, err = readUintPtr[dm.ClusterID](r)
		}
		return err
	})
}

const (
	dvFilterTagPath        = 0
	dvFilterTagDataVersion = 1
)

// DataVersionFilterIB tells the server which cluster versions the client
// already holds.
type DataVersionFilterIB struct {
	Path        ClusterPathIB
	DataVersion dm.DataVersion
}

// Concrete returns the filtered cluster when the path names one.
func (f *DataVersionFilterIB) Concrete() (dm.ConcreteClusterPath, bool) {
	if f.Path.Endpoint == nil || f.Path.Cluster == nil {
		return dm.ConcreteClusterPath{}, false
	}
	return dm.ConcreteClusterPath{Endpoint: *f.Path.Endpoint, Cluster: *f.Path.Cluster}, true
}

func (f *DataVersionFilterIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	if err := f.Path.EncodeWithTag(w, tlv.ContextTag(dvFilterTagPath)); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(dvFilterTagDataVersion), uint64(f.DataVersion)); err != nil {
		return err
	}
	return w.EndContainer()
}

func (f *DataVersionFilterIB) Decode(r *tlv.Reader) error {
	*f = DataVersionFilterIB{}
	var hasPath, hasVersion bool
	err := readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case dvFilterTagPath:
			hasPath = true
			err = f.Path.Decode(r)
		case dvFilterTagDataVersion:
			hasVersion = true
			f.DataVersion, err = readUint[dm.DataVersion](r)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasPath || !hasVersion {
		return ErrMissingField
	}
	return nil
}

const (
	cmdPathTagEndpoint = 0
	cmdPathTagCluster  = 1
	cmdPathTagCommand  = 2
)

// CommandPathIB addresses a command. A nil Endpoint is only meaningful for
// group invokes, where the group selects the endpoints.
type CommandPathIB struct {
	Endpoint *dm.EndpointID
	Cluster  dm.ClusterID
	Command  dm.CommandID
}

// CommandPathFor returns the path naming exactly p.
func CommandPathFor(p dm.ConcreteCommandPath) CommandPathIB {
	return CommandPathIB{Endpoint: &p.Endpoint, Cluster: p.Cluster, Command: p.Command}
}

// Params converts the path to command path params. Unicast paths without an
// endpoint yield params that fail Validate.
func (p *CommandPathIB) Params(group *dm.GroupID) dm.CommandPathParams {
	if group != nil {
		return dm.NewGroupCommandPathParams(*group, p.Cluster, p.Command)
	}
	if p.Endpoint == nil {
		return dm.CommandPathParams{ClusterID: p.Cluster, CommandID: p.Command}
	}
	return dm.NewCommandPathParams(*p.Endpoint, p.Cluster, p.Command)
}

func (p *CommandPathIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartList(tag); err != nil {
		return err
	}
	if err := putUintPtr(w, cmdPathTagEndpoint, p.Endpoint); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(cmdPathTagCluster), uint64(p.Cluster)); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(cmdPathTagCommand), uint64(p.Command)); err != nil {
		return err
	}
	return w.EndContainer()
}

func (p *CommandPathIB) Decode(r *tlv.Reader) error {
	*p = CommandPathIB{}
	var hasCluster, hasCommand bool
	err := readFields(r, tlv.ElementTypeList, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case cmdPathTagEndpoint:
			p.Endpoint, err = readUintPtr[dm.EndpointID](r)
		case cmdPathTagCluster:
			hasCluster = true
			p.Cluster, err = readUint[dm.ClusterID](r)
		case cmdPathTagCommand:
			hasCommand = true
			p.Command, err = readUint[dm.CommandID](r)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasCluster || !hasCommand {
		return ErrMissingField
	}
	return nil
}
