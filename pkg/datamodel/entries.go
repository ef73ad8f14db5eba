package datamodel

import (
	"strings"

	"github.com/backkem/imengine/pkg/acl"
)

// Privilege is the access level required for an operation.
type Privilege = acl.Privilege

const (
	PrivilegeView       = acl.PrivilegeView
	PrivilegeProxyView  = acl.PrivilegeProxyView
	PrivilegeOperate    = acl.PrivilegeOperate
	PrivilegeManage     = acl.PrivilegeManage
	PrivilegeAdminister = acl.PrivilegeAdminister
)

// AttributeQuality is a bitset of attribute flags.
type AttributeQuality uint16

const (
	AttrQualityList AttributeQuality = 1 << iota
	AttrQualityFabricScoped
	AttrQualityFabricSensitive
	AttrQualityChangesOmitted
	AttrQualityTimed
	AttrQualityNullable
	AttrQualityFixed
)

var attrQualityNames = []string{"List", "FabricScoped", "FabricSensitive", "ChangesOmitted", "Timed", "Nullable", "Fixed"}

func (q AttributeQuality) String() string {
	if q == 0 {
		return "None"
	}
	var parts []string
	for i, name := range attrQualityNames {
		if q&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// CommandQuality is a bitset of command flags.
type CommandQuality uint8

const (
	CmdQualityFabricScoped CommandQuality = 1 << iota
	CmdQualityTimed
	CmdQualityLargeMessage
)

// AttributeEntry is the immutable description of one attribute.
//
// A nil WritePrivilege means the attribute is read-only. A nil ReadPrivilege
// means reads are rejected with UnsupportedRead.
type AttributeEntry struct {
	ID             AttributeID
	Quality        AttributeQuality
	ReadPrivilege  *Privilege
	WritePrivilege *Privilege
}

// InvalidAttributeEntry is returned by lookups that find nothing.
var InvalidAttributeEntry = AttributeEntry{ID: WildcardAttribute}

func (a AttributeEntry) IsValid() bool            { return a.ID != WildcardAttribute }
func (a AttributeEntry) Readable() bool           { return a.ReadPrivilege != nil }
func (a AttributeEntry) Writable() bool           { return a.WritePrivilege != nil }
func (a AttributeEntry) IsList() bool             { return a.HasQuality(AttrQualityList) }
func (a AttributeEntry) RequiresTimedWrite() bool { return a.HasQuality(AttrQualityTimed) }

// HasQuality reports whether every flag in q is set.
func (a AttributeEntry) HasQuality(q AttributeQuality) bool { return a.Quality&q == q }

// CommandEntry is the immutable description of one accepted command.
type CommandEntry struct {
	ID              CommandID
	Quality         CommandQuality
	InvokePrivilege Privilege
}

// InvalidCommandEntry is returned by lookups that find nothing.
var InvalidCommandEntry = CommandEntry{ID: WildcardCommand}

func (c CommandEntry) IsValid() bool        { return c.ID != WildcardCommand }
func (c CommandEntry) RequiresTimed() bool  { return c.Quality&CmdQualityTimed != 0 }
func (c CommandEntry) IsFabricScoped() bool { return c.Quality&CmdQualityFabricScoped != 0 }

// ClusterEntry identifies a cluster instance and its current version.
type ClusterEntry struct {
	Path        ConcreteClusterPath
	DataVersion DataVersion
	Revision    uint16
}

// EndpointEntry describes one endpoint.
type EndpointEntry struct {
	ID EndpointID

	// Parent is nil for the root endpoint and for top-level endpoints.
	Parent *EndpointID
}

// DeviceTypeEntry is one device type exposed by an endpoint.
type DeviceTypeEntry struct {
	ID       DeviceTypeID
	Revision uint8
}

func privilegePtr(p Privilege) *Privilege { return &p }

// ReadOnlyAttribute describes an attribute readable at read.
func ReadOnlyAttribute(id AttributeID, q AttributeQuality, read Privilege) AttributeEntry {
	return AttributeEntry{ID: id, Quality: q, ReadPrivilege: privilegePtr(read)}
}

// ReadWriteAttribute describes an attribute readable at read and writable at write.
func ReadWriteAttribute(id AttributeID, q AttributeQuality, read, write Privilege) AttributeEntry {
	return AttributeEntry{ID: id, Quality: q, ReadPrivilege: privilegePtr(read), WritePrivilege: privilegePtr(write)}
}

// AcceptedCommand describes a command invokable at invoke.
func AcceptedCommand(id CommandID, q CommandQuality, invoke Privilege) CommandEntry {
	return CommandEntry{ID: id, Quality: q, InvokePrivilege: invoke}
}
