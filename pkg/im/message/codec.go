package message

import (
	"errors"

	"github.com/backkem/imengine/pkg/tlv"
)

var (
	// ErrInvalidType is returned when an element has the wrong TLV type.
	ErrInvalidType = errors.New("im: invalid element type")

	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("im: missing required field")

	// ErrMalformedPath is returned for paths that violate their encoding
	// rules, such as a list index without an attribute.
	ErrMalformedPath = errors.New("im: malformed path")
)

type unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func readUint[T unsigned](r *tlv.Reader) (T, error) {
	var zero T
	v, err := r.UintMax(uint64(^zero))
	return T(v), err
}

func readUintPtr[T unsigned](r *tlv.Reader) (*T, error) {
	v, err := readUint[T](r)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func readBoolPtr(r *tlv.Reader) (*bool, error) {
	v, err := r.Bool()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func putUintPtr[T unsigned](w *tlv.Writer, tag uint8, v *T) error {
	if v == nil {
		return nil
	}
	return w.PutUint(tlv.ContextTag(tag), uint64(*v))
}

// putFlag writes a boolean field only when it is set.
func putFlag(w *tlv.Writer, tag uint8, v bool) error {
	if !v {
		return nil
	}
	return w.PutBool(tlv.ContextTag(tag), true)
}

// readFields iterates the members of the container the reader is on and
// hands every context-tagged member to fn. Other members are skipped.
func readFields(r *tlv.Reader, want tlv.ElementType, fn func(tag uint32, r *tlv.Reader) error) error {
	if r.Type() != want {
		return ErrInvalidType
	}
	return r.ForEach(func(r *tlv.Reader) error {
		if !r.Tag().IsContext() {
			return nil
		}
		return fn(r.Tag().Number(), r)
	})
}

// readArray decodes every member of the array the reader is on.
func readArray[T any](r *tlv.Reader, decode func(v *T, r *tlv.Reader) error) ([]T, error) {
	if r.Type() != tlv.ElementTypeArray {
		return nil, ErrInvalidType
	}
	out := []T{}
	err := r.ForEach(func(r *tlv.Reader) error {
		var v T
		if err := decode(&v, r); err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func writeArray[T any](w *tlv.Writer, tag uint8, items []T, encode func(v *T, w *tlv.Writer, tag tlv.Tag) error) error {
	if err := w.StartArray(tlv.ContextTag(tag)); err != nil {
		return err
	}
	for i := range items {
		if err := encode(&items[i], w, tlv.Anonymous()); err != nil {
			return err
		}
	}
	return w.EndContainer()
}

// encodeMessage writes the anonymous structure every message is carried in
// and appends the revision field.
func encodeMessage(fn func(w *tlv.Writer) error) ([]byte, error) {
	w := tlv.NewWriter()
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := fn(w); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(tagIMRevision), InteractionModelRevision); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func decodeMessage(data []byte, fn func(tag uint32, r *tlv.Reader) error) error {
	r, err := tlv.ReadElement(data)
	if err != nil {
		return err
	}
	return readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		if tag == tagIMRevision {
			return nil
		}
		return fn(tag, r)
	})
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
