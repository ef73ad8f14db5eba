package tlv

import "encoding/binary"

// TagControl is the tag form held in the upper 3 bits of a control octet.
type TagControl uint8

const (
	TagControlAnonymous        TagControl = 0
	TagControlContext          TagControl = 1
	TagControlCommonProfile2   TagControl = 2
	TagControlCommonProfile4   TagControl = 3
	TagControlImplicitProfile2 TagControl = 4
	TagControlImplicitProfile4 TagControl = 5
	TagControlFullyQualified6  TagControl = 6
	TagControlFullyQualified8  TagControl = 7
)

var tagControlSizes = [8]int{0, 1, 2, 4, 2, 4, 6, 8}

// Size is the number of octets the tag occupies after the control octet.
func (c TagControl) Size() int { return tagControlSizes[c&0x07] }

// Tag identifies an element within its container.
type Tag struct {
	control TagControl
	vendor  uint16
	profile uint16
	number  uint32
}

// Anonymous returns the anonymous tag.
func Anonymous() Tag { return Tag{} }

// ContextTag returns a context-specific tag.
func ContextTag(n uint8) Tag {
	return Tag{control: TagControlContext, number: uint32(n)}
}

// CommonProfileTag returns a Matter common-profile tag.
func CommonProfileTag(n uint32) Tag {
	if n > 0xFFFF {
		return Tag{control: TagControlCommonProfile4, number: n}
	}
	return Tag{control: TagControlCommonProfile2, number: n}
}

// FullyQualifiedTag returns a vendor/profile qualified tag.
func FullyQualifiedTag(vendor, profile uint16, n uint32) Tag {
	if n > 0xFFFF {
		return Tag{control: TagControlFullyQualified8, vendor: vendor, profile: profile, number: n}
	}
	return Tag{control: TagControlFullyQualified6, vendor: vendor, profile: profile, number: n}
}

func (t Tag) Control() TagControl { return t.control }
func (t Tag) IsAnonymous() bool   { return t.control == TagControlAnonymous }
func (t Tag) IsContext() bool     { return t.control == TagControlContext }
func (t Tag) Number() uint32      { return t.number }
func (t Tag) VendorID() uint16    { return t.vendor }
func (t Tag) ProfileNumber() uint16 {
	return t.profile
}

// IsContextNumber reports whether t is the context tag n.
func (t Tag) IsContextNumber(n uint8) bool {
	return t.control == TagControlContext && t.number == uint32(n)
}

func (t Tag) appendTo(b []byte) []byte {
	switch t.control {
	case TagControlContext:
		b = append(b, byte(t.number))
	case TagControlCommonProfile2, TagControlImplicitProfile2:
		b = binary.LittleEndian.AppendUint16(b, uint16(t.number))
	case TagControlCommonProfile4, TagControlImplicitProfile4:
		b = binary.LittleEndian.AppendUint32(b, t.number)
	case TagControlFullyQualified6:
		b = binary.LittleEndian.AppendUint16(b, t.vendor)
		b = binary.LittleEndian.AppendUint16(b, t.profile)
		b = binary.LittleEndian.AppendUint16(b, uint16(t.number))
	case TagControlFullyQualified8:
		b = binary.LittleEndian.AppendUint16(b, t.vendor)
		b = binary.LittleEndian.AppendUint16(b, t.profile)
		b = binary.LittleEndian.AppendUint32(b, t.number)
	}
	return b
}

// parseTag decodes a tag of form c from the front of b.
func parseTag(c TagControl, b []byte) (Tag, error) {
	t := Tag{control: c}
	if len(b) < c.Size() {
		return t, ErrUnexpectedEOF
	}
	switch c {
	case TagControlContext:
		t.number = uint32(b[0])
	case TagControlCommonProfile2, TagControlImplicitProfile2:
		t.number = uint32(binary.LittleEndian.Uint16(b))
	case TagControlCommonProfile4, TagControlImplicitProfile4:
		t.number = binary.LittleEndian.Uint32(b)
	case TagControlFullyQualified6:
		t.vendor = binary.LittleEndian.Uint16(b)
		t.profile = binary.LittleEndian.Uint16(b[2:])
		t.number = uint32(binary.LittleEndian.Uint16(b[4:]))
	case TagControlFullyQualified8:
		t.vendor = binary.LittleEndian.Uint16(b)
		t.profile = binary.LittleEndian.Uint16(b[2:])
		t.number = binary.LittleEndian.Uint32(b[4:])
	}
	return t, nil
}
