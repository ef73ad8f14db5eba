package im

import (
	"errors"
	"sort"
)

var (
	// ErrInvalidArgument is returned when a command reference is added
	// twice.
	ErrInvalidArgument = errors.New("im: command reference already tracked")

	// ErrNotFound is returned when removing a reference that is not
	// tracked.
	ErrNotFound = errors.New("im: command reference not tracked")
)

// PendingResponseTracker records the command references of an invoke batch
// that still owe a response. References are kept sorted.
type PendingResponseTracker struct {
	refs []uint16
}

func (t *PendingResponseTracker) search(ref uint16) (int, bool) {
	i := sort.Search(len(t.refs), func(i int) bool { return t.refs[i] >= ref })
	return i, i < len(t.refs) && t.refs[i] == ref
}

// Add tracks ref. A reference already tracked yields ErrInvalidArgument.
func (t *PendingResponseTracker) Add(ref uint16) error {
	i, ok := t.search(ref)
	if ok {
		return ErrInvalidArgument
	}
	t.refs = append(t.refs, 0)
	copy(t.refs[i+1:], t.refs[i:])
	t.refs[i] = ref
	return nil
}

// Remove stops tracking ref.
func (t *PendingResponseTracker) Remove(ref uint16) error {
	i, ok := t.search(ref)
	if !ok {
		return ErrNotFound
	}
	t.refs = append(t.refs[:i], t.refs[i+1:]...)
	return nil
}

func (t *PendingResponseTracker) IsTracked(ref uint16) bool {
	_, ok := t.search(ref)
	return ok
}

func (t *PendingResponseTracker) Count() int { return len(t.refs) }

// PopPendingResponse removes and returns the smallest tracked reference.
func (t *PendingResponseTracker) PopPendingResponse() (uint16, bool) {
	if len(t.refs) == 0 {
		return 0, false
	}
	ref := t.refs[0]
	t.refs = t.refs[1:]
	return ref, true
}
