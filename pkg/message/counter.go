package message

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync"
)

// CounterWindowSize is the number of counters below the highest accepted
// one that are still tracked individually.
const CounterWindowSize = 32

// counterInitMax bounds the random initial value of a session counter.
const counterInitMax = 1 << 28

// Counter hands out outgoing message counters for one session.
type Counter struct {
	mu    sync.Mutex
	next  uint32
	spent bool
}

// NewCounter starts at a random value in [1, 2^28].
func NewCounter() *Counter {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return NewCounterAt(1)
	}
	return NewCounterAt(binary.LittleEndian.Uint32(b[:])&(counterInitMax-1) + 1)
}

// NewCounterAt starts at a fixed value.
func NewCounterAt(v uint32) *Counter {
	return &Counter{next: v}
}

// Next returns the next counter. Unicast session counters never wrap, so
// once the last value is used every later call fails.
func (c *Counter) Next() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spent {
		return 0, ErrCounterExhausted
	}
	v := c.next
	if v == math.MaxUint32 {
		c.spent = true
	} else {
		c.next++
	}
	return v, nil
}

// ReceptionWindow rejects replayed counters on one secure unicast session.
// It tracks the highest counter seen and a bitmap of the CounterWindowSize
// counters below it. Anything older than the window is treated as a
// duplicate.
type ReceptionWindow struct {
	mu     sync.Mutex
	max    uint32
	bitmap uint32
	synced bool
}

// NewReceptionWindow returns a window that accepts whatever counter
// arrives first.
func NewReceptionWindow() *ReceptionWindow {
	return &ReceptionWindow{}
}

// NewReceptionWindowAt returns a window synchronised to a known peer
// counter. Only counters above max are accepted.
func NewReceptionWindowAt(max uint32) *ReceptionWindow {
	return &ReceptionWindow{max: max, bitmap: math.MaxUint32, synced: true}
}

// Accept records counter and reports whether it is new.
func (w *ReceptionWindow) Accept(counter uint32) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.synced {
		w.max, w.bitmap, w.synced = counter, 0, true
		return true
	}
	if counter > w.max {
		shift := counter - w.max
		if shift > CounterWindowSize {
			w.bitmap = 0
		} else {
			// The old max becomes bit shift-1.
			w.bitmap = w.bitmap<<shift | 1<<(shift-1)
		}
		w.max = counter
		return true
	}
	behind := w.max - counter
	if behind == 0 || behind > CounterWindowSize {
		return false
	}
	mask := uint32(1) << (behind - 1)
	if w.bitmap&mask != 0 {
		return false
	}
	w.bitmap |= mask
	return true
}

// Max returns the highest accepted counter.
func (w *ReceptionWindow) Max() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max
}
