package acl

// CASEAuthTag is a 32-bit CASE Authenticated Tag: a 16-bit identifier in the
// upper half and a 16-bit version in the lower half.
type CASEAuthTag uint32

// CATUndefined marks an empty CAT slot.
const CATUndefined CASEAuthTag = 0

// CAT subjects are node ids in 0xFFFF_FFFD_xxxx_xxxx.
const (
	NodeIDMinCAT uint64 = 0xFFFF_FFFD_0000_0000
	NodeIDMaxCAT uint64 = 0xFFFF_FFFD_FFFF_FFFF
)

// NewCASEAuthTag builds a tag from its identifier and version.
func NewCASEAuthTag(identifier, version uint16) CASEAuthTag {
	return CASEAuthTag(uint32(identifier)<<16 | uint32(version))
}

func (c CASEAuthTag) Identifier() uint16 { return uint16(c >> 16) }
func (c CASEAuthTag) Version() uint16    { return uint16(c) }

// NodeID returns the tag in its node id form.
func (c CASEAuthTag) NodeID() uint64 { return NodeIDMinCAT | uint64(c) }

// IsCATNodeID reports whether a node id encodes a CAT.
func IsCATNodeID(nodeID uint64) bool {
	return nodeID >= NodeIDMinCAT && nodeID <= NodeIDMaxCAT
}

// CATValues is the set of up to three CATs carried by a CASE session.
type CATValues [3]CASEAuthTag

// Matches reports whether the ACL subject, a CAT node id, is satisfied by
// one of the held tags: same identifier and a held version at least the
// subject's version.
func (c CATValues) Matches(subject uint64) bool {
	if !IsCATNodeID(subject) {
		return false
	}
	want := CASEAuthTag(subject)
	if want.Version() == 0 {
		return false
	}
	for _, held := range c {
		if held == CATUndefined {
			continue
		}
		if held.Identifier() == want.Identifier() && held.Version() >= want.Version() {
			return true
		}
	}
	return false
}
