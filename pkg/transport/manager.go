package transport

import (
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/message"
)

// MessageDelegate is the layer above the manager: the secure-session
// manager for encrypted traffic, or session establishment for unsecured
// traffic. buf.Data still starts with the encoded header, which is
// header.Size() bytes long. The delegate owns buf.
type MessageDelegate interface {
	OnMessageReceived(peer PeerAddress, header *message.Header, buf *PacketBuffer)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	LoggerFactory logging.LoggerFactory
}

// Manager binds to exactly one Transport and routes what it receives by
// the header's security flag.
type Manager struct {
	log logging.LeveledLogger

	mu         sync.RWMutex
	transport  Transport
	secure     MessageDelegate
	rendezvous MessageDelegate
}

// NewManager creates an unbound manager.
func NewManager(config ManagerConfig) *Manager {
	lf := config.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Manager{log: lf.NewLogger("transport")}
}

// Init binds t. A manager binds once; later calls return
// ErrIncorrectState.
func (m *Manager) Init(t Transport) error {
	if t == nil {
		return fmt.Errorf("%w: nil transport", ErrIncorrectState)
	}
	m.mu.Lock()
	if m.transport != nil {
		m.mu.Unlock()
		return ErrIncorrectState
	}
	m.transport = t
	m.mu.Unlock()

	t.SetDelegate(m)
	m.log.Debugf("bound to %s", t.LocalAddr())
	return nil
}

// SetSecureSessionDelegate installs the receiver of secure messages.
func (m *Manager) SetSecureSessionDelegate(d MessageDelegate) {
	m.mu.Lock()
	m.secure = d
	m.mu.Unlock()
}

// SetRendezvousDelegate installs the receiver of unsecured messages.
func (m *Manager) SetRendezvousDelegate(d MessageDelegate) {
	m.mu.Lock()
	m.rendezvous = d
	m.mu.Unlock()
}

// LocalAddr returns the bound transport's address, or nil before Init.
func (m *Manager) LocalAddr() PeerAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.transport == nil {
		return PeerAddress{}
	}
	return PeerAddress{Addr: m.transport.LocalAddr()}
}

// SendMessage frames header and payload into one datagram and sends it.
func (m *Manager) SendMessage(peer PeerAddress, header *message.Header, payload []byte) error {
	m.mu.RLock()
	t := m.transport
	m.mu.RUnlock()
	if t == nil {
		return ErrIncorrectState
	}

	size := header.Size() + len(payload)
	if size > message.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	buf := NewPacketBuffer(size)
	data, err := header.AppendTo(buf.Data[:0])
	if err != nil {
		m.release(buf)
		return err
	}
	buf.Data = append(data, payload...)
	return t.SendMessage(peer, buf)
}

// HandleMessageReceived implements Delegate.
func (m *Manager) HandleMessageReceived(peer PeerAddress, buf *PacketBuffer) {
	var header message.Header
	if _, err := header.Decode(buf.Data); err != nil {
		m.log.Warnf("dropping %d bytes from %s: %v", len(buf.Data), peer, err)
		m.release(buf)
		return
	}

	m.mu.RLock()
	d, kind := m.rendezvous, "rendezvous"
	if header.IsSecure() {
		d, kind = m.secure, "secure session"
	}
	m.mu.RUnlock()

	if d == nil {
		m.log.Warnf("no %s delegate, dropping message %s from %s", kind, &header, peer)
		m.release(buf)
		return
	}
	d.OnMessageReceived(peer, &header, buf)
}

// Close closes the bound transport.
func (m *Manager) Close() error {
	m.mu.RLock()
	t := m.transport
	m.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

func (m *Manager) release(buf *PacketBuffer) {
	if err := buf.Release(); err != nil {
		m.log.Errorf("%v", err)
	}
}
