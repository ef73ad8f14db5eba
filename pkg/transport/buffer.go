package transport

import (
	"sync"
	"sync/atomic"

	"github.com/backkem/imengine/pkg/message"
)

// bufferPool holds backing arrays of message.MaxMessageSize bytes. Only the
// arrays are pooled; every PacketBuffer is a fresh value.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, message.MaxMessageSize)
		return &b
	},
}

// PacketBuffer carries one datagram. Buffers up to message.MaxMessageSize
// borrow a pooled backing array and return it on Release.
type PacketBuffer struct {
	Data []byte

	pooled   *[]byte
	released atomic.Bool
}

// NewPacketBuffer returns a buffer with len(Data) == n. The contents are
// not zeroed.
func NewPacketBuffer(n int) *PacketBuffer {
	if n > message.MaxMessageSize {
		return &PacketBuffer{Data: make([]byte, n)}
	}
	arr := bufferPool.Get().(*[]byte)
	return &PacketBuffer{Data: (*arr)[:n], pooled: arr}
}

// PacketBufferFrom copies data into a new buffer.
func PacketBufferFrom(data []byte) *PacketBuffer {
	b := NewPacketBuffer(len(data))
	copy(b.Data, data)
	return b
}

// Release hands the buffer back. Only the first call has an effect; later
// calls return ErrBufferReleased.
func (b *PacketBuffer) Release() error {
	if !b.released.CompareAndSwap(false, true) {
		return ErrBufferReleased
	}
	b.Data = nil
	if b.pooled != nil {
		bufferPool.Put(b.pooled)
		b.pooled = nil
	}
	return nil
}
