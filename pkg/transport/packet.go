package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/message"
)

// PacketTransport runs a Transport over any net.PacketConn. UDP and Pipe
// both use it.
type PacketTransport struct {
	conn net.PacketConn
	log  logging.LeveledLogger
	done chan struct{}

	mu       sync.Mutex
	delegate Delegate
	started  bool
	closed   bool
}

func newPacketTransport(conn net.PacketConn, log logging.LeveledLogger) *PacketTransport {
	return &PacketTransport{conn: conn, log: log, done: make(chan struct{})}
}

// SetDelegate implements Transport.
func (t *PacketTransport) SetDelegate(d Delegate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delegate = d
	if d != nil && !t.started && !t.closed {
		t.started = true
		go t.readLoop()
	}
}

// SendMessage implements Transport.
func (t *PacketTransport) SendMessage(peer PeerAddress, buf *PacketBuffer) error {
	defer func() {
		if err := buf.Release(); err != nil {
			t.log.Errorf("send: %v", err)
		}
	}()

	if t.isClosed() {
		return ErrClosed
	}
	if peer.Addr == nil {
		return ErrInvalidAddress
	}
	if len(buf.Data) > message.MaxMessageSize {
		return ErrMessageTooLarge
	}
	if _, err := t.conn.WriteTo(buf.Data, peer.Addr); err != nil {
		return fmt.Errorf("transport: write to %s: %w", peer, err)
	}
	t.log.Tracef("sent %d bytes to %s", len(buf.Data), peer)
	return nil
}

// LocalAddr implements Transport.
func (t *PacketTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close stops the read loop and closes the connection. It is idempotent.
func (t *PacketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	t.mu.Unlock()

	err := t.conn.Close()
	if started {
		<-t.done
	}
	return err
}

func (t *PacketTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *PacketTransport) readLoop() {
	defer close(t.done)
	for {
		buf := NewPacketBuffer(message.MaxMessageSize)
		n, addr, err := t.conn.ReadFrom(buf.Data)
		if err != nil {
			_ = buf.Release()
			if t.isClosed() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			t.log.Warnf("read: %v", err)
			continue
		}
		if n == 0 {
			_ = buf.Release()
			continue
		}
		buf.Data = buf.Data[:n]
		t.log.Tracef("received %d bytes from %s", n, addr)

		t.mu.Lock()
		d := t.delegate
		t.mu.Unlock()
		d.HandleMessageReceived(PeerAddress{Addr: addr}, buf)
	}
}
