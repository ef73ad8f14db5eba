package tlv

import "errors"

var (
	// ErrUnexpectedEOF is returned when an element runs past the input.
	ErrUnexpectedEOF = errors.New("tlv: unexpected end of input")

	// ErrInvalidElementType is returned for reserved element types.
	ErrInvalidElementType = errors.New("tlv: invalid element type")

	// ErrTypeMismatch is returned when a value is read as the wrong type.
	ErrTypeMismatch = errors.New("tlv: type mismatch")

	// ErrNotInContainer is returned when closing a container that is not open.
	ErrNotInContainer = errors.New("tlv: not in container")

	// ErrUnexpectedEndOfContainer is returned for an end marker at top level.
	ErrUnexpectedEndOfContainer = errors.New("tlv: unexpected end of container")

	// ErrInvalidUTF8 is returned for UTF-8 strings that do not validate.
	ErrInvalidUTF8 = errors.New("tlv: invalid UTF-8 string")

	// ErrNoElement is returned when accessing the reader before Next.
	ErrNoElement = errors.New("tlv: no current element")

	// ErrBufferFull is returned when a size-limited writer would overflow.
	ErrBufferFull = errors.New("tlv: buffer full")

	// ErrTrailingData is returned when bytes follow a single expected element.
	ErrTrailingData = errors.New("tlv: trailing data after element")

	// ErrOverflow is returned when a value does not fit the requested type.
	ErrOverflow = errors.New("tlv: value overflow")
)
