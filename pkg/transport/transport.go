// Package transport moves datagrams between peers and routes inbound
// messages to the secure-session or rendezvous layer by their header.
//
// Buffer ownership follows the datagram: a Transport owns the buffers it
// reads until it hands them to its Delegate, and SendMessage takes
// ownership of the buffer it is given. Whoever holds a buffer last
// releases it.
package transport

import (
	"errors"
	"fmt"
	"net"
)

// DefaultPort is the Matter operational port.
const DefaultPort = 5540

var (
	ErrClosed          = errors.New("transport: closed")
	ErrIncorrectState  = errors.New("transport: incorrect state")
	ErrInvalidAddress  = errors.New("transport: invalid address")
	ErrMessageTooLarge = errors.New("transport: message too large")
	ErrBufferReleased  = errors.New("transport: buffer already released")
)

// PeerAddress identifies the remote end of a datagram.
type PeerAddress struct {
	Addr net.Addr
}

func (p PeerAddress) String() string {
	if p.Addr == nil {
		return "<nil>"
	}
	return p.Addr.Network() + ":" + p.Addr.String()
}

// UDPPeer resolves host:port into a UDP peer address.
func UDPPeer(addr string) (PeerAddress, error) {
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return PeerAddress{Addr: a}, nil
}

// Delegate receives every datagram a Transport reads. It owns buf.
type Delegate interface {
	HandleMessageReceived(peer PeerAddress, buf *PacketBuffer)
}

// Transport sends and receives whole datagrams.
type Transport interface {
	// SendMessage writes buf to peer and releases it, whatever the outcome.
	SendMessage(peer PeerAddress, buf *PacketBuffer) error

	// SetDelegate installs the receiver. Reading starts on the first call.
	SetDelegate(d Delegate)

	Close() error
	LocalAddr() net.Addr
}
