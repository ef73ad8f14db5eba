// Package tlv implements the Matter TLV (Tag-Length-Value) encoding used for
// Interaction Model payloads and attribute values.
//
// The Writer appends into an in-memory buffer and supports checkpoints so a
// partially encoded value can be discarded. The Reader walks a byte slice
// without copying, which lets callers lift out the raw encoding of a single
// element.
package tlv

// ElementType is the type field held in the low 5 bits of a control octet.
type ElementType uint8

const (
	ElementTypeInt8    ElementType = 0x00
	ElementTypeInt16   ElementType = 0x01
	ElementTypeInt32   ElementType = 0x02
	ElementTypeInt64   ElementType = 0x03
	ElementTypeUInt8   ElementType = 0x04
	ElementTypeUInt16  ElementType = 0x05
	ElementTypeUInt32  ElementType = 0x06
	ElementTypeUInt64  ElementType = 0x07
	ElementTypeFalse   ElementType = 0x08
	ElementTypeTrue    ElementType = 0x09
	ElementTypeFloat32 ElementType = 0x0A
	ElementTypeFloat64 ElementType = 0x0B
	ElementTypeUTF8_1  ElementType = 0x0C
	ElementTypeUTF8_2  ElementType = 0x0D
	ElementTypeUTF8_4  ElementType = 0x0E
	ElementTypeUTF8_8  ElementType = 0x0F
	ElementTypeBytes1  ElementType = 0x10
	ElementTypeBytes2  ElementType = 0x11
	ElementTypeBytes4  ElementType = 0x12
	ElementTypeBytes8  ElementType = 0x13
	ElementTypeNull    ElementType = 0x14
	ElementTypeStruct  ElementType = 0x15
	ElementTypeArray   ElementType = 0x16
	ElementTypeList    ElementType = 0x17
	ElementTypeEnd     ElementType = 0x18
)

var elementTypeNames = [...]string{
	"Int8", "Int16", "Int32", "Int64",
	"UInt8", "UInt16", "UInt32", "UInt64",
	"False", "True", "Float32", "Float64",
	"UTF8_1", "UTF8_2", "UTF8_4", "UTF8_8",
	"Bytes1", "Bytes2", "Bytes4", "Bytes8",
	"Null", "Struct", "Array", "List", "EndOfContainer",
}

func (e ElementType) String() string {
	if int(e) < len(elementTypeNames) {
		return elementTypeNames[e]
	}
	return "Unknown"
}

func (e ElementType) IsSignedInt() bool   { return e <= ElementTypeInt64 }
func (e ElementType) IsUnsignedInt() bool { return e >= ElementTypeUInt8 && e <= ElementTypeUInt64 }
func (e ElementType) IsInt() bool         { return e <= ElementTypeUInt64 }
func (e ElementType) IsBool() bool        { return e == ElementTypeFalse || e == ElementTypeTrue }
func (e ElementType) IsFloat() bool       { return e == ElementTypeFloat32 || e == ElementTypeFloat64 }
func (e ElementType) IsUTF8String() bool  { return e >= ElementTypeUTF8_1 && e <= ElementTypeUTF8_8 }
func (e ElementType) IsBytes() bool       { return e >= ElementTypeBytes1 && e <= ElementTypeBytes8 }
func (e ElementType) IsString() bool      { return e >= ElementTypeUTF8_1 && e <= ElementTypeBytes8 }

// IsContainer reports whether the element opens a structure, array or list.
func (e ElementType) IsContainer() bool {
	return e == ElementTypeStruct || e == ElementTypeArray || e == ElementTypeList
}

// fixedSize is the width of the value field for scalar types, or of the
// length prefix for string types.
func (e ElementType) fixedSize() int {
	switch {
	case e.IsInt():
		return 1 << (e & 0x03)
	case e == ElementTypeFloat32:
		return 4
	case e == ElementTypeFloat64:
		return 8
	case e.IsString():
		return 1 << ((e - ElementTypeUTF8_1) & 0x03)
	default:
		return 0
	}
}

const (
	elementTypeMask = 0x1F
	tagControlShift = 5
)

func controlOctet(e ElementType, c TagControl) byte {
	return byte(e)&elementTypeMask | byte(c)<<tagControlShift
}

func parseControlOctet(b byte) (ElementType, TagControl) {
	return ElementType(b & elementTypeMask), TagControl(b >> tagControlShift)
}
