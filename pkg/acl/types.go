// Package acl implements the access-control gate consulted by the
// Interaction Model before any attribute read, attribute write or command
// invoke reaches a data model provider.
//
// A Checker holds the access control entries of every fabric and answers
// whether a subject holds at least a given privilege on an
// (endpoint, cluster) target.
package acl

// Privilege is an access level an entry grants.
type Privilege uint8

const (
	PrivilegeView       Privilege = 1
	PrivilegeProxyView  Privilege = 2
	PrivilegeOperate    Privilege = 3
	PrivilegeManage     Privilege = 4
	PrivilegeAdminister Privilege = 5
)

func (p Privilege) String() string {
	switch p {
	case PrivilegeView:
		return "View"
	case PrivilegeProxyView:
		return "ProxyView"
	case PrivilegeOperate:
		return "Operate"
	case PrivilegeManage:
		return "Manage"
	case PrivilegeAdminister:
		return "Administer"
	default:
		return "Unknown"
	}
}

// IsValid reports whether p is a defined privilege.
func (p Privilege) IsValid() bool {
	return p >= PrivilegeView && p <= PrivilegeAdminister
}

// Grants reports whether holding p is sufficient for requested.
//
// View < Operate < Manage < Administer form a chain. ProxyView sits beside
// it: only ProxyView and Administer grant ProxyView.
func (p Privilege) Grants(requested Privilege) bool {
	if !p.IsValid() || !requested.IsValid() {
		return false
	}
	if requested == PrivilegeProxyView {
		return p == PrivilegeProxyView || p == PrivilegeAdminister
	}
	if p == PrivilegeProxyView {
		return requested == PrivilegeView
	}
	return p >= requested
}

// AuthMode is how the requesting session was authenticated.
type AuthMode uint8

const (
	AuthModeUnknown AuthMode = 0
	AuthModePASE    AuthMode = 1
	AuthModeCASE    AuthMode = 2
	AuthModeGroup   AuthMode = 3
)

func (m AuthMode) String() string {
	switch m {
	case AuthModePASE:
		return "PASE"
	case AuthModeCASE:
		return "CASE"
	case AuthModeGroup:
		return "Group"
	default:
		return "Unknown"
	}
}

// FabricIndex identifies a fabric locally. Zero means "no fabric".
type FabricIndex uint8

// SubjectDescriptor describes who is making a request. It is derived from
// the session the request arrived on.
type SubjectDescriptor struct {
	FabricIndex FabricIndex
	AuthMode    AuthMode

	// Subject is the operational node id (CASE), the PAKE key id as a node
	// id (PASE) or the group node id (Group).
	Subject uint64

	CATs CATValues

	// IsCommissioning marks a PASE session used for commissioning, which
	// carries implicit Administer privilege.
	IsCommissioning bool
}

// Target names the resources an entry applies to. Nil fields are wildcards.
// Endpoint and DeviceType are mutually exclusive.
type Target struct {
	Cluster    *uint32
	Endpoint   *uint16
	DeviceType *uint32
}

// NewTargetCluster targets one cluster on every endpoint.
func NewTargetCluster(cluster uint32) Target { return Target{Cluster: &cluster} }

// NewTargetEndpoint targets every cluster on one endpoint.
func NewTargetEndpoint(endpoint uint16) Target { return Target{Endpoint: &endpoint} }

// NewTargetDeviceType targets every endpoint exposing a device type.
func NewTargetDeviceType(deviceType uint32) Target { return Target{DeviceType: &deviceType} }

// NewTargetClusterEndpoint targets one cluster on one endpoint.
func NewTargetClusterEndpoint(cluster uint32, endpoint uint16) Target {
	return Target{Cluster: &cluster, Endpoint: &endpoint}
}

// Entry grants Privilege to Subjects for Targets on one fabric. An empty
// Subjects list matches any CASE or Group subject; an empty Targets list
// matches everything.
type Entry struct {
	FabricIndex FabricIndex
	Privilege   Privilege
	AuthMode    AuthMode
	Subjects    []uint64
	Targets     []Target
}

// RequestPath is the object of an access check.
type RequestPath struct {
	Endpoint uint16
	Cluster  uint32
}
