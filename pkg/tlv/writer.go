package tlv

import (
	"encoding/binary"
	"io"
	"math"
	"unicode/utf8"
)

// Writer appends TLV elements to an in-memory buffer.
type Writer struct {
	buf        []byte
	limit      int
	containers []ElementType
	reserved   int
}

// NewWriter returns a writer with no size limit.
func NewWriter() *Writer {
	return &Writer{}
}

// NewLimitedWriter returns a writer that fails with ErrBufferFull once the
// encoding would exceed limit bytes. End markers for open containers count
// against the limit from the moment the container is started.
func NewLimitedWriter(limit int) *Writer {
	return &Writer{limit: limit}
}

// SetLimit changes the size limit. Zero removes it.
func (w *Writer) SetLimit(limit int) { w.limit = limit }

// Bytes returns the encoded data. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.buf) }

// WriteTo copies the encoded bytes to dst.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	n, err := dst.Write(w.buf)
	return int64(n), err
}

// ContainerDepth returns the number of open containers.
func (w *Writer) ContainerDepth() int { return len(w.containers) }

// Checkpoint captures the writer state so it can be restored with Rollback.
type Checkpoint struct {
	n          int
	containers []ElementType
}

// Checkpoint records the current length and container nesting.
func (w *Writer) Checkpoint() Checkpoint {
	return Checkpoint{n: len(w.buf), containers: append([]ElementType(nil), w.containers...)}
}

// Rollback discards everything written after cp.
func (w *Writer) Rollback(cp Checkpoint) {
	w.buf = w.buf[:cp.n]
	w.containers = append(w.containers[:0], cp.containers...)
	w.reserved = len(w.containers)
}

func (w *Writer) reserve(n int) error {
	if w.limit > 0 && len(w.buf)+w.reserved+n > w.limit {
		return ErrBufferFull
	}
	return nil
}

func (w *Writer) header(e ElementType, tag Tag, extra int) error {
	if err := w.reserve(1 + tag.control.Size() + extra); err != nil {
		return err
	}
	w.buf = append(w.buf, controlOctet(e, tag.control))
	w.buf = tag.appendTo(w.buf)
	return nil
}

// PutInt writes a signed integer using the narrowest encoding.
func (w *Writer) PutInt(tag Tag, v int64) error {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return w.PutIntWithWidth(tag, v, 1)
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return w.PutIntWithWidth(tag, v, 2)
	case v >= math.MinInt32 && v <= math.MaxInt32:
		return w.PutIntWithWidth(tag, v, 4)
	default:
		return w.PutIntWithWidth(tag, v, 8)
	}
}

// PutIntWithWidth writes a signed integer with a fixed width of 1, 2, 4 or 8.
func (w *Writer) PutIntWithWidth(tag Tag, v int64, width int) error {
	e, ok := widthType(ElementTypeInt8, width)
	if !ok {
		return ErrInvalidElementType
	}
	if err := w.header(e, tag, width); err != nil {
		return err
	}
	w.buf = appendLE(w.buf, uint64(v), width)
	return nil
}

// PutUint writes an unsigned integer using the narrowest encoding.
func (w *Writer) PutUint(tag Tag, v uint64) error {
	switch {
	case v <= math.MaxUint8:
		return w.PutUintWithWidth(tag, v, 1)
	case v <= math.MaxUint16:
		return w.PutUintWithWidth(tag, v, 2)
	case v <= math.MaxUint32:
		return w.PutUintWithWidth(tag, v, 4)
	default:
		return w.PutUintWithWidth(tag, v, 8)
	}
}

// PutUintWithWidth writes an unsigned integer with a fixed width.
func (w *Writer) PutUintWithWidth(tag Tag, v uint64, width int) error {
	e, ok := widthType(ElementTypeUInt8, width)
	if !ok {
		return ErrInvalidElementType
	}
	if err := w.header(e, tag, width); err != nil {
		return err
	}
	w.buf = appendLE(w.buf, v, width)
	return nil
}

func (w *Writer) PutBool(tag Tag, v bool) error {
	if v {
		return w.header(ElementTypeTrue, tag, 0)
	}
	return w.header(ElementTypeFalse, tag, 0)
}

func (w *Writer) PutFloat32(tag Tag, v float32) error {
	if err := w.header(ElementTypeFloat32, tag, 4); err != nil {
		return err
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
	return nil
}

func (w *Writer) PutFloat64(tag Tag, v float64) error {
	if err := w.header(ElementTypeFloat64, tag, 8); err != nil {
		return err
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
	return nil
}

func (w *Writer) PutNull(tag Tag) error {
	return w.header(ElementTypeNull, tag, 0)
}

// PutString writes a UTF-8 string.
func (w *Writer) PutString(tag Tag, v string) error {
	if !utf8.ValidString(v) {
		return ErrInvalidUTF8
	}
	return w.putString(ElementTypeUTF8_1, tag, []byte(v))
}

// PutBytes writes an octet string.
func (w *Writer) PutBytes(tag Tag, v []byte) error {
	return w.putString(ElementTypeBytes1, tag, v)
}

func (w *Writer) putString(base ElementType, tag Tag, data []byte) error {
	n := uint64(len(data))
	width := 1
	switch {
	case n > math.MaxUint32:
		width = 8
	case n > math.MaxUint16:
		width = 4
	case n > math.MaxUint8:
		width = 2
	}
	e, _ := widthType(base, width)
	if err := w.header(e, tag, width+len(data)); err != nil {
		return err
	}
	w.buf = appendLE(w.buf, n, width)
	w.buf = append(w.buf, data...)
	return nil
}

// PutRaw copies a complete pre-encoded element, replacing its tag.
func (w *Writer) PutRaw(tag Tag, raw []byte) error {
	if len(raw) == 0 {
		return ErrUnexpectedEOF
	}
	e, c := parseControlOctet(raw[0])
	skip := 1 + c.Size()
	if skip > len(raw) {
		return ErrUnexpectedEOF
	}
	if err := w.header(e, tag, len(raw)-skip); err != nil {
		return err
	}
	w.buf = append(w.buf, raw[skip:]...)
	return nil
}

func (w *Writer) StartStructure(tag Tag) error { return w.start(ElementTypeStruct, tag) }
func (w *Writer) StartArray(tag Tag) error     { return w.start(ElementTypeArray, tag) }
func (w *Writer) StartList(tag Tag) error      { return w.start(ElementTypeList, tag) }

func (w *Writer) start(e ElementType, tag Tag) error {
	// Room for the matching end marker is claimed up front.
	if err := w.reserve(2 + tag.control.Size()); err != nil {
		return err
	}
	if err := w.header(e, tag, 0); err != nil {
		return err
	}
	w.containers = append(w.containers, e)
	w.reserved++
	return nil
}

// EndContainer closes the innermost open container.
func (w *Writer) EndContainer() error {
	if len(w.containers) == 0 {
		return ErrNotInContainer
	}
	w.containers = w.containers[:len(w.containers)-1]
	w.reserved--
	w.buf = append(w.buf, byte(ElementTypeEnd))
	return nil
}

func widthType(base ElementType, width int) (ElementType, bool) {
	switch width {
	case 1:
		return base, true
	case 2:
		return base + 1, true
	case 4:
		return base + 2, true
	case 8:
		return base + 3, true
	}
	return 0, false
}

func appendLE(b []byte, v uint64, width int) []byte {
	for i := 0; i < width; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}
