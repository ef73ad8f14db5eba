package datamodel

import (
	"errors"
	"fmt"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/tlv"
)

// ErrEncoderAlreadyUsed is returned when a second value is encoded.
var ErrEncoderAlreadyUsed = errors.New("datamodel: attribute value already encoded")

// ValueWriter writes one TLV value with the given tag.
type ValueWriter func(w *tlv.Writer, tag tlv.Tag) error

// AttributeValueEncoder is the write-only sink a read handler encodes its
// value into. It accepts exactly one value: a scalar, a struct, or a list
// built with EncodeList. A failed encode leaves nothing behind in the
// underlying writer.
type AttributeValueEncoder struct {
	w              *tlv.Writer
	tag            tlv.Tag
	subject        acl.SubjectDescriptor
	fabricFiltered bool

	tried   bool
	encoded bool
}

// NewAttributeValueEncoder returns an encoder writing with tag into w.
func NewAttributeValueEncoder(w *tlv.Writer, tag tlv.Tag, subject acl.SubjectDescriptor, fabricFiltered bool) *AttributeValueEncoder {
	return &AttributeValueEncoder{w: w, tag: tag, subject: subject, fabricFiltered: fabricFiltered}
}

// TriedEncode reports whether any Encode call was made.
func (e *AttributeValueEncoder) TriedEncode() bool { return e.tried }

// Subject is the requester the value is being encoded for.
func (e *AttributeValueEncoder) Subject() acl.SubjectDescriptor { return e.subject }

// AccessingFabricIndex returns the requester's fabric.
func (e *AttributeValueEncoder) AccessingFabricIndex() acl.FabricIndex {
	return e.subject.FabricIndex
}

// IsFabricFiltered reports whether fabric-scoped lists are filtered down to
// the accessing fabric.
func (e *AttributeValueEncoder) IsFabricFiltered() bool { return e.fabricFiltered }

// Encode writes one value through fn.
func (e *AttributeValueEncoder) Encode(fn ValueWriter) error {
	e.tried = true
	if e.encoded {
		return ErrEncoderAlreadyUsed
	}
	cp := e.w.Checkpoint()
	if err := fn(e.w, e.tag); err != nil {
		e.w.Rollback(cp)
		return err
	}
	e.encoded = true
	return nil
}

func (e *AttributeValueEncoder) EncodeUint(v uint64) error {
	return e.Encode(func(w *tlv.Writer, tag tlv.Tag) error { return w.PutUint(tag, v) })
}

func (e *AttributeValueEncoder) EncodeInt(v int64) error {
	return e.Encode(func(w *tlv.Writer, tag tlv.Tag) error { return w.PutInt(tag, v) })
}

func (e *AttributeValueEncoder) EncodeBool(v bool) error {
	return e.Encode(func(w *tlv.Writer, tag tlv.Tag) error { return w.PutBool(tag, v) })
}

func (e *AttributeValueEncoder) EncodeString(v string) error {
	return e.Encode(func(w *tlv.Writer, tag tlv.Tag) error { return w.PutString(tag, v) })
}

func (e *AttributeValueEncoder) EncodeBytes(v []byte) error {
	return e.Encode(func(w *tlv.Writer, tag tlv.Tag) error { return w.PutBytes(tag, v) })
}

func (e *AttributeValueEncoder) EncodeNull() error {
	return e.Encode(func(w *tlv.Writer, tag tlv.Tag) error { return w.PutNull(tag) })
}

// EncodeRaw copies a complete pre-encoded element, retagged.
func (e *AttributeValueEncoder) EncodeRaw(raw []byte) error {
	return e.Encode(func(w *tlv.Writer, tag tlv.Tag) error { return w.PutRaw(tag, raw) })
}

// EncodeList writes an array whose items fn produces. If fn fails part way,
// the whole array is rolled back and the error returned, so a truncated
// list is never emitted.
func (e *AttributeValueEncoder) EncodeList(fn func(l *ListEncoder) error) error {
	return e.Encode(func(w *tlv.Writer, tag tlv.Tag) error {
		if err := w.StartArray(tag); err != nil {
			return err
		}
		l := &ListEncoder{w: w, subject: e.subject, fabricFiltered: e.fabricFiltered}
		if err := fn(l); err != nil {
			return err
		}
		return w.EndContainer()
	})
}

// EncodeEmptyList writes an empty array.
func (e *AttributeValueEncoder) EncodeEmptyList() error {
	return e.EncodeList(func(*ListEncoder) error { return nil })
}

// ListEncoder appends items to a list being encoded.
type ListEncoder struct {
	w              *tlv.Writer
	subject        acl.SubjectDescriptor
	fabricFiltered bool
	count          int
}

// Encode appends one item.
func (l *ListEncoder) Encode(fn ValueWriter) error {
	if err := fn(l.w, tlv.Anonymous()); err != nil {
		return err
	}
	l.count++
	return nil
}

func (l *ListEncoder) EncodeUint(v uint64) error {
	return l.Encode(func(w *tlv.Writer, tag tlv.Tag) error { return w.PutUint(tag, v) })
}

// EncodeFabricScoped appends an item owned by fabric. In a fabric-filtered
// read, items of other fabrics are left out.
func (l *ListEncoder) EncodeFabricScoped(fabric acl.FabricIndex, fn ValueWriter) error {
	if l.fabricFiltered && fabric != l.subject.FabricIndex {
		return nil
	}
	return l.Encode(fn)
}

// Count returns the number of items encoded so far.
func (l *ListEncoder) Count() int { return l.count }

// AttributeValueDecoder gives a write handler access to exactly one value.
// Decoding failures are reported as ConstraintError.
type AttributeValueDecoder struct {
	raw     []byte
	subject acl.SubjectDescriptor
	tried   bool
}

// NewAttributeValueDecoder wraps the raw TLV element of a written value.
func NewAttributeValueDecoder(raw []byte, subject acl.SubjectDescriptor) *AttributeValueDecoder {
	return &AttributeValueDecoder{raw: raw, subject: subject}
}

// Raw returns the complete element as received.
func (d *AttributeValueDecoder) Raw() []byte { return d.raw }

// TriedDecode reports whether the handler looked at the value.
func (d *AttributeValueDecoder) TriedDecode() bool { return d.tried }

// Subject is the writer's identity.
func (d *AttributeValueDecoder) Subject() acl.SubjectDescriptor { return d.subject }

// AccessingFabricIndex returns the writer's fabric.
func (d *AttributeValueDecoder) AccessingFabricIndex() acl.FabricIndex {
	return d.subject.FabricIndex
}

// Reader returns a reader positioned on the value.
func (d *AttributeValueDecoder) Reader() (*tlv.Reader, error) {
	d.tried = true
	r, err := tlv.ReadElement(d.raw)
	if err != nil {
		return nil, decodeError(err)
	}
	return r, nil
}

// ElementType returns the type of the value without consuming it.
func (d *AttributeValueDecoder) ElementType() (tlv.ElementType, error) {
	r, err := tlv.ReadElement(d.raw)
	if err != nil {
		return 0, decodeError(err)
	}
	return r.Type(), nil
}

// IsNull reports whether the value is null.
func (d *AttributeValueDecoder) IsNull() bool {
	t, err := d.ElementType()
	return err == nil && t == tlv.ElementTypeNull
}

func (d *AttributeValueDecoder) Uint() (uint64, error) {
	r, err := d.Reader()
	if err != nil {
		return 0, err
	}
	v, err := r.Uint()
	return v, decodeError(err)
}

// UintMax decodes an unsigned value no larger than max.
func (d *AttributeValueDecoder) UintMax(max uint64) (uint64, error) {
	r, err := d.Reader()
	if err != nil {
		return 0, err
	}
	v, err := r.UintMax(max)
	return v, decodeError(err)
}

func (d *AttributeValueDecoder) Int() (int64, error) {
	r, err := d.Reader()
	if err != nil {
		return 0, err
	}
	v, err := r.Int()
	return v, decodeError(err)
}

func (d *AttributeValueDecoder) Bool() (bool, error) {
	r, err := d.Reader()
	if err != nil {
		return false, err
	}
	v, err := r.Bool()
	return v, decodeError(err)
}

func (d *AttributeValueDecoder) String() (string, error) {
	r, err := d.Reader()
	if err != nil {
		return "", err
	}
	v, err := r.String()
	return v, decodeError(err)
}

func (d *AttributeValueDecoder) Bytes() ([]byte, error) {
	r, err := d.Reader()
	if err != nil {
		return nil, err
	}
	v, err := r.Bytes()
	return v, decodeError(err)
}

func decodeError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConstraintError, err)
}
