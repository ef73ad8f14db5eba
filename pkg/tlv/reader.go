package tlv

import (
	"encoding/binary"
	"io"
	"math"
	"unicode/utf8"
)

// Reader walks TLV elements in a byte slice.
//
// Next positions the reader on an element. Values are read with the typed
// accessors, containers are entered with EnterContainer and left with
// ExitContainer. Unread values and unentered containers are skipped by the
// following call to Next.
type Reader struct {
	data       []byte
	pos        int
	containers []ElementType

	has      bool
	elemType ElementType
	tag      Tag
	start    int // offset of the control octet
	value    int // offset of the value (after any length prefix)
	end      int // offset after the element; -1 for an unentered container
	strLen   uint64
}

// NewReader returns a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Next advances to the next element. It returns io.EOF at the end of the
// input. At the end of a container it positions on the end marker, which
// IsEndOfContainer reports.
func (r *Reader) Next() error {
	if r.has {
		if r.end < 0 {
			end, err := r.elementEnd(r.start)
			if err != nil {
				return err
			}
			r.end = end
		}
		r.pos = r.end
		r.has = false
	}
	if r.pos >= len(r.data) {
		if len(r.containers) > 0 {
			return ErrUnexpectedEOF
		}
		return io.EOF
	}
	e, tag, value, strLen, err := r.parseHeader(r.pos)
	if err != nil {
		return err
	}
	if e == ElementTypeEnd && len(r.containers) == 0 {
		return ErrUnexpectedEndOfContainer
	}
	r.has = true
	r.elemType = e
	r.tag = tag
	r.start = r.pos
	r.value = value
	r.strLen = strLen
	switch {
	case e.IsContainer():
		r.end = -1
	case e.IsString():
		r.end = value + int(strLen)
	default:
		r.end = value + e.fixedSize()
	}
	return nil
}

func (r *Reader) parseHeader(pos int) (ElementType, Tag, int, uint64, error) {
	e, c := parseControlOctet(r.data[pos])
	if e > ElementTypeEnd {
		return 0, Tag{}, 0, 0, ErrInvalidElementType
	}
	p := pos + 1
	tag, err := parseTag(c, r.data[p:])
	if err != nil {
		return 0, Tag{}, 0, 0, err
	}
	p += c.Size()

	var strLen uint64
	if e.IsString() {
		w := e.fixedSize()
		if p+w > len(r.data) {
			return 0, Tag{}, 0, 0, ErrUnexpectedEOF
		}
		for i := 0; i < w; i++ {
			strLen |= uint64(r.data[p+i]) << (8 * i)
		}
		p += w
		if strLen > uint64(len(r.data)-p) {
			return 0, Tag{}, 0, 0, ErrUnexpectedEOF
		}
	} else if !e.IsContainer() && p+e.fixedSize() > len(r.data) {
		return 0, Tag{}, 0, 0, ErrUnexpectedEOF
	}
	return e, tag, p, strLen, nil
}

// elementEnd returns the offset just past the element starting at pos,
// including nested content for containers.
func (r *Reader) elementEnd(pos int) (int, error) {
	e, _, value, strLen, err := r.parseHeader(pos)
	if err != nil {
		return 0, err
	}
	switch {
	case e.IsString():
		return value + int(strLen), nil
	case !e.IsContainer():
		return value + e.fixedSize(), nil
	}
	p := value
	for {
		if p >= len(r.data) {
			return 0, ErrUnexpectedEOF
		}
		if ElementType(r.data[p]&elementTypeMask) == ElementTypeEnd {
			return p + 1, nil
		}
		if p, err = r.elementEnd(p); err != nil {
			return 0, err
		}
	}
}

func (r *Reader) Type() ElementType { return r.elemType }
func (r *Reader) Tag() Tag          { return r.tag }
func (r *Reader) HasElement() bool  { return r.has }

// ContainerDepth returns the number of entered containers.
func (r *Reader) ContainerDepth() int { return len(r.containers) }

// IsEndOfContainer reports whether the reader sits on an end marker.
func (r *Reader) IsEndOfContainer() bool {
	return r.has && r.elemType == ElementTypeEnd
}

func (r *Reader) check(ok func(ElementType) bool) error {
	if !r.has {
		return ErrNoElement
	}
	if !ok(r.elemType) {
		return ErrTypeMismatch
	}
	return nil
}

func (r *Reader) rawValue() uint64 {
	var v uint64
	for i := 0; i < r.elemType.fixedSize(); i++ {
		v |= uint64(r.data[r.value+i]) << (8 * i)
	}
	return v
}

// Int returns a signed integer value.
func (r *Reader) Int() (int64, error) {
	if err := r.check(ElementType.IsSignedInt); err != nil {
		return 0, err
	}
	v := r.rawValue()
	switch r.elemType {
	case ElementTypeInt8:
		return int64(int8(v)), nil
	case ElementTypeInt16:
		return int64(int16(v)), nil
	case ElementTypeInt32:
		return int64(int32(v)), nil
	}
	return int64(v), nil
}

// Uint returns an unsigned integer value.
func (r *Reader) Uint() (uint64, error) {
	if err := r.check(ElementType.IsUnsignedInt); err != nil {
		return 0, err
	}
	return r.rawValue(), nil
}

// UintMax returns an unsigned value, failing with ErrOverflow above max.
func (r *Reader) UintMax(max uint64) (uint64, error) {
	v, err := r.Uint()
	if err != nil {
		return 0, err
	}
	if v > max {
		return 0, ErrOverflow
	}
	return v, nil
}

func (r *Reader) Bool() (bool, error) {
	if err := r.check(ElementType.IsBool); err != nil {
		return false, err
	}
	return r.elemType == ElementTypeTrue, nil
}

func (r *Reader) Float32() (float32, error) {
	if err := r.check(func(e ElementType) bool { return e == ElementTypeFloat32 }); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(r.data[r.value:])), nil
}

func (r *Reader) Float64() (float64, error) {
	if err := r.check(func(e ElementType) bool { return e == ElementTypeFloat64 }); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(r.data[r.value:])), nil
}

// String returns a UTF-8 string value.
func (r *Reader) String() (string, error) {
	if err := r.check(ElementType.IsUTF8String); err != nil {
		return "", err
	}
	b := r.data[r.value:r.end]
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// Bytes returns a copy of an octet string value.
func (r *Reader) Bytes() ([]byte, error) {
	if err := r.check(ElementType.IsBytes); err != nil {
		return nil, err
	}
	return append([]byte(nil), r.data[r.value:r.end]...), nil
}

// Null checks that the current element is null.
func (r *Reader) Null() error {
	return r.check(func(e ElementType) bool { return e == ElementTypeNull })
}

// IsNull reports whether the current element is null.
func (r *Reader) IsNull() bool {
	return r.has && r.elemType == ElementTypeNull
}

// EnterContainer descends into the current container element.
func (r *Reader) EnterContainer() error {
	if err := r.check(ElementType.IsContainer); err != nil {
		return err
	}
	r.containers = append(r.containers, r.elemType)
	r.pos = r.value
	r.has = false
	return nil
}

// ExitContainer skips whatever is left of the innermost container, including
// its end marker.
func (r *Reader) ExitContainer() error {
	if len(r.containers) == 0 {
		return ErrNotInContainer
	}
	for !r.IsEndOfContainer() {
		if err := r.Next(); err != nil {
			return err
		}
	}
	r.containers = r.containers[:len(r.containers)-1]
	r.pos = r.start + 1
	r.has = false
	return nil
}

// Skip discards the current element.
func (r *Reader) Skip() error {
	if !r.has {
		return ErrNoElement
	}
	return nil
}

// RawElement returns the complete encoding of the current element, including
// its control octet, tag and any nested content. The slice aliases the input.
func (r *Reader) RawElement() ([]byte, error) {
	if !r.has {
		return nil, ErrNoElement
	}
	if r.end < 0 {
		end, err := r.elementEnd(r.start)
		if err != nil {
			return nil, err
		}
		r.end = end
	}
	return r.data[r.start:r.end], nil
}

// ForEach enters the current container and calls fn for each member, leaving
// the reader after the container when done. fn may consume or ignore the
// element it is given.
func (r *Reader) ForEach(fn func(r *Reader) error) error {
	if err := r.EnterContainer(); err != nil {
		return err
	}
	for {
		if err := r.Next(); err != nil {
			return err
		}
		if r.IsEndOfContainer() {
			break
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return r.ExitContainer()
}

// ReadElement decodes the single top-level element in data, checks that
// nothing trails it and returns a reader positioned on it.
func ReadElement(data []byte) (*Reader, error) {
	r := NewReader(data)
	if err := r.Next(); err != nil {
		if err == io.EOF {
			return nil, ErrUnexpectedEOF
		}
		return nil, err
	}
	raw, err := r.RawElement()
	if err != nil {
		return nil, err
	}
	if len(raw) != len(data) {
		return nil, ErrTrailingData
	}
	return r, nil
}
