// Package message encodes the Matter message header and protocol header,
// and tracks message counters on both sides of a session.
//
// All multi-byte fields are little-endian on the wire.
package message

import (
	"encoding/binary"
	"fmt"
)

// Header layout sizes.
const (
	// MinHeaderSize covers message flags, session id, security flags and
	// the message counter.
	MinHeaderSize = 8

	// MaxHeaderSize adds a source node id and a node destination.
	MaxHeaderSize = MinHeaderSize + 2*nodeIDSize

	// MaxMessageSize is the IPv6 minimum MTU, the largest datagram a
	// transport carries.
	MaxMessageSize = 1280

	// MICSize is the AES-CCM tag length appended to secure payloads.
	MICSize = 16

	nodeIDSize  = 8
	groupIDSize = 2
)

const (
	messageVersion uint8 = 0

	flagDSIZMask      uint8 = 0x03
	flagSourcePresent uint8 = 0x04
	flagVersionShift        = 4

	secFlagSessionTypeMask uint8 = 0x03
	secFlagControl         uint8 = 0x40
	secFlagPrivacy         uint8 = 0x80

	dsizNone  uint8 = 0
	dsizNode  uint8 = 1
	dsizGroup uint8 = 2
)

// SessionType is carried in the low bits of the security flags.
type SessionType uint8

const (
	// SessionTypeUnicast is used by PASE, CASE and the unsecured session.
	SessionTypeUnicast SessionType = 0

	// SessionTypeGroup is used by group-keyed multicast.
	SessionTypeGroup SessionType = 1
)

func (s SessionType) String() string {
	switch s {
	case SessionTypeUnicast:
		return "unicast"
	case SessionTypeGroup:
		return "group"
	default:
		return fmt.Sprintf("SessionType(%d)", uint8(s))
	}
}

// Header is the cleartext message header that precedes every payload.
// For secure sessions its encoded bytes are the AEAD additional data.
type Header struct {
	SessionID      uint16
	SessionType    SessionType
	MessageCounter uint32

	// Control marks a message that uses the control counter space.
	Control bool

	// Source is the sender's node id. Optional for unicast.
	Source *uint64

	// At most one destination may be set. Group sessions need
	// DestinationGroup and a Source.
	DestinationNode  *uint64
	DestinationGroup *uint16
}

// IsSecure reports whether the payload is encrypted. Session id zero on a
// unicast session is the unsecured session used for session establishment.
func (h *Header) IsSecure() bool {
	return h.SessionID != 0 || h.SessionType == SessionTypeGroup
}

// SecurityFlags returns the security flags byte. It is the first byte of
// the AEAD nonce.
func (h *Header) SecurityFlags() uint8 {
	flags := uint8(h.SessionType) & secFlagSessionTypeMask
	if h.Control {
		flags |= secFlagControl
	}
	return flags
}

// SourceNodeID returns the source node id, or zero when it is absent.
func (h *Header) SourceNodeID() uint64 {
	if h.Source == nil {
		return 0
	}
	return *h.Source
}

// Size returns the encoded length.
func (h *Header) Size() int {
	n := MinHeaderSize
	if h.Source != nil {
		n += nodeIDSize
	}
	switch {
	case h.DestinationNode != nil:
		n += nodeIDSize
	case h.DestinationGroup != nil:
		n += groupIDSize
	}
	return n
}

// Validate checks the combinations the wire format cannot express or the
// receiver must reject.
func (h *Header) Validate() error {
	if h.DestinationNode != nil && h.DestinationGroup != nil {
		return ErrInvalidDestination
	}
	if h.SessionType == SessionTypeGroup {
		if h.DestinationGroup == nil {
			return ErrInvalidDestination
		}
		if h.Source == nil {
			return ErrMissingSource
		}
	} else if h.DestinationGroup != nil {
		return ErrInvalidDestination
	}
	if h.SessionType > SessionTypeGroup {
		return ErrInvalidSessionType
	}
	return nil
}

// Encode returns the header bytes.
func (h *Header) Encode() ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, h.Size())
	h.encodeTo(buf)
	return buf, nil
}

// AppendTo appends the encoded header to buf.
func (h *Header) AppendTo(buf []byte) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return buf, err
	}
	start := len(buf)
	buf = append(buf, make([]byte, h.Size())...)
	h.encodeTo(buf[start:])
	return buf, nil
}

func (h *Header) encodeTo(buf []byte) {
	flags := messageVersion << flagVersionShift
	if h.Source != nil {
		flags |= flagSourcePresent
	}
	switch {
	case h.DestinationNode != nil:
		flags |= dsizNode
	case h.DestinationGroup != nil:
		flags |= dsizGroup
	}
	buf[0] = flags
	binary.LittleEndian.PutUint16(buf[1:], h.SessionID)
	buf[3] = h.SecurityFlags()
	binary.LittleEndian.PutUint32(buf[4:], h.MessageCounter)

	off := MinHeaderSize
	if h.Source != nil {
		binary.LittleEndian.PutUint64(buf[off:], *h.Source)
		off += nodeIDSize
	}
	switch {
	case h.DestinationNode != nil:
		binary.LittleEndian.PutUint64(buf[off:], *h.DestinationNode)
	case h.DestinationGroup != nil:
		binary.LittleEndian.PutUint16(buf[off:], *h.DestinationGroup)
	}
}

// Decode parses a header from the start of data and returns the number of
// bytes it consumed.
func (h *Header) Decode(data []byte) (int, error) {
	if len(data) < MinHeaderSize {
		return 0, ErrMessageTooShort
	}
	flags := data[0]
	if flags>>flagVersionShift != messageVersion {
		return 0, ErrInvalidVersion
	}
	dsiz := flags & flagDSIZMask
	if dsiz > dsizGroup {
		return 0, ErrInvalidDestination
	}
	secFlags := data[3]
	if secFlags&secFlagPrivacy != 0 {
		return 0, ErrPrivacyUnsupported
	}

	*h = Header{
		SessionID:      binary.LittleEndian.Uint16(data[1:]),
		SessionType:    SessionType(secFlags & secFlagSessionTypeMask),
		Control:        secFlags&secFlagControl != 0,
		MessageCounter: binary.LittleEndian.Uint32(data[4:]),
	}
	if h.SessionType > SessionTypeGroup {
		return 0, ErrInvalidSessionType
	}

	off := MinHeaderSize
	if flags&flagSourcePresent != 0 {
		if len(data) < off+nodeIDSize {
			return 0, ErrMessageTooShort
		}
		src := binary.LittleEndian.Uint64(data[off:])
		h.Source = &src
		off += nodeIDSize
	}
	switch dsiz {
	case dsizNode:
		if len(data) < off+nodeIDSize {
			return 0, ErrMessageTooShort
		}
		dst := binary.LittleEndian.Uint64(data[off:])
		h.DestinationNode = &dst
		off += nodeIDSize
	case dsizGroup:
		if len(data) < off+groupIDSize {
			return 0, ErrMessageTooShort
		}
		grp := binary.LittleEndian.Uint16(data[off:])
		h.DestinationGroup = &grp
		off += groupIDSize
	}
	if err := h.Validate(); err != nil {
		return 0, err
	}
	return off, nil
}

func (h *Header) String() string {
	return fmt.Sprintf("session=%d type=%s counter=%d", h.SessionID, h.SessionType, h.MessageCounter)
}
