package message

import (
	"encoding/binary"
	"fmt"
)

// MinProtocolHeaderSize covers exchange flags, opcode, exchange id and
// protocol id.
const MinProtocolHeaderSize = 6

const (
	exchFlagInitiator uint8 = 0x01
	exchFlagAck       uint8 = 0x02
	exchFlagReliable  uint8 = 0x04
	exchFlagSecExt    uint8 = 0x08
	exchFlagVendor    uint8 = 0x10
)

// ProtocolID names the protocol that defines an opcode.
type ProtocolID uint16

const (
	ProtocolSecureChannel    ProtocolID = 0x0000
	ProtocolInteractionModel ProtocolID = 0x0001
	ProtocolBDX              ProtocolID = 0x0002
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolSecureChannel:
		return "SecureChannel"
	case ProtocolInteractionModel:
		return "InteractionModel"
	case ProtocolBDX:
		return "BDX"
	default:
		return fmt.Sprintf("Protocol(0x%04x)", uint16(p))
	}
}

// ProtocolHeader starts the payload. On secure sessions it is encrypted
// together with the application payload.
type ProtocolHeader struct {
	Opcode     uint8
	ExchangeID uint16
	ProtocolID ProtocolID

	// Vendor namespaces ProtocolID. Nil means the Matter standard vendor.
	Vendor *uint16

	Initiator bool
	Reliable  bool

	// AckCounter acknowledges a previously received message counter.
	AckCounter *uint32
}

// Size returns the encoded length.
func (p *ProtocolHeader) Size() int {
	n := MinProtocolHeaderSize
	if p.Vendor != nil {
		n += 2
	}
	if p.AckCounter != nil {
		n += 4
	}
	return n
}

// AppendTo appends the encoded protocol header to buf.
func (p *ProtocolHeader) AppendTo(buf []byte) []byte {
	var flags uint8
	if p.Initiator {
		flags |= exchFlagInitiator
	}
	if p.AckCounter != nil {
		flags |= exchFlagAck
	}
	if p.Reliable {
		flags |= exchFlagReliable
	}
	if p.Vendor != nil {
		flags |= exchFlagVendor
	}
	buf = append(buf, flags, p.Opcode)
	buf = binary.LittleEndian.AppendUint16(buf, p.ExchangeID)
	if p.Vendor != nil {
		buf = binary.LittleEndian.AppendUint16(buf, *p.Vendor)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.ProtocolID))
	if p.AckCounter != nil {
		buf = binary.LittleEndian.AppendUint32(buf, *p.AckCounter)
	}
	return buf
}

// Decode parses a protocol header from the start of data and returns the
// number of bytes consumed. Secured extensions are skipped.
func (p *ProtocolHeader) Decode(data []byte) (int, error) {
	if len(data) < MinProtocolHeaderSize {
		return 0, ErrPayloadTooShort
	}
	flags := data[0]
	*p = ProtocolHeader{
		Opcode:     data[1],
		ExchangeID: binary.LittleEndian.Uint16(data[2:]),
		Initiator:  flags&exchFlagInitiator != 0,
		Reliable:   flags&exchFlagReliable != 0,
	}

	need := MinProtocolHeaderSize
	if flags&exchFlagVendor != 0 {
		need += 2
	}
	if flags&exchFlagAck != 0 {
		need += 4
	}
	if len(data) < need {
		return 0, ErrPayloadTooShort
	}

	off := 4
	if flags&exchFlagVendor != 0 {
		v := binary.LittleEndian.Uint16(data[off:])
		p.Vendor = &v
		off += 2
	}
	p.ProtocolID = ProtocolID(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if flags&exchFlagAck != 0 {
		c := binary.LittleEndian.Uint32(data[off:])
		p.AckCounter = &c
		off += 4
	}
	if flags&exchFlagSecExt != 0 {
		if len(data) < off+2 {
			return 0, ErrPayloadTooShort
		}
		ext := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if len(data) < off+ext {
			return 0, ErrPayloadTooShort
		}
		off += ext
	}
	return off, nil
}

// Is reports whether the header belongs to the standard protocol id.
func (p *ProtocolHeader) Is(id ProtocolID) bool {
	return (p.Vendor == nil || *p.Vendor == 0) && p.ProtocolID == id
}
