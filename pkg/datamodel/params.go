package datamodel

import "errors"

// CommandPathFlags discriminates which id of a CommandPathParams is valid.
type CommandPathFlags uint8

const (
	CommandPathEndpointIDValid CommandPathFlags = 1 << 0
	CommandPathGroupIDValid    CommandPathFlags = 1 << 1
)

// ErrInvalidCommandPathParams is returned by Validate when neither or both
// id flags are set.
var ErrInvalidCommandPathParams = errors.New("datamodel: command path must target exactly one of endpoint or group")

// CommandPathParams addresses a command either on an endpoint (unicast) or on
// a group (groupcast). Exactly one of the two id flags is set.
type CommandPathParams struct {
	EndpointID EndpointID
	GroupID    GroupID
	ClusterID  ClusterID
	CommandID  CommandID
	Flags      CommandPathFlags
}

// NewCommandPathParams addresses a command on an endpoint.
func NewCommandPathParams(ep EndpointID, cluster ClusterID, command CommandID) CommandPathParams {
	return CommandPathParams{
		EndpointID: ep,
		ClusterID:  cluster,
		CommandID:  command,
		Flags:      CommandPathEndpointIDValid,
	}
}

// NewGroupCommandPathParams addresses a command on a group.
func NewGroupCommandPathParams(group GroupID, cluster ClusterID, command CommandID) CommandPathParams {
	return CommandPathParams{
		GroupID:   group,
		ClusterID: cluster,
		CommandID: command,
		Flags:     CommandPathGroupIDValid,
	}
}

func (p CommandPathParams) IsEndpointPath() bool { return p.Flags&CommandPathEndpointIDValid != 0 }
func (p CommandPathParams) IsGroupPath() bool    { return p.Flags&CommandPathGroupIDValid != 0 }

// Validate checks that exactly one id flag is set.
func (p CommandPathParams) Validate() error {
	if p.IsEndpointPath() == p.IsGroupPath() {
		return ErrInvalidCommandPathParams
	}
	return nil
}

// IsSamePath compares cluster, command and flags, then only the id the
// flags select.
func (p CommandPathParams) IsSamePath(other CommandPathParams) bool {
	if p.ClusterID != other.ClusterID || p.CommandID != other.CommandID || p.Flags != other.Flags {
		return false
	}
	if p.IsEndpointPath() && p.EndpointID != other.EndpointID {
		return false
	}
	if p.IsGroupPath() && p.GroupID != other.GroupID {
		return false
	}
	return true
}

// ConcretePath returns the concrete endpoint path. Only meaningful for
// endpoint paths.
func (p CommandPathParams) ConcretePath() ConcreteCommandPath {
	return ConcreteCommandPath{Endpoint: p.EndpointID, Cluster: p.ClusterID, Command: p.CommandID}
}
