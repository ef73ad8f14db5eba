package session

import (
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/crypto"
	"github.com/backkem/imengine/pkg/message"
	"github.com/backkem/imengine/pkg/system"
	"github.com/backkem/imengine/pkg/transport"
)

// DefaultMaxSessions bounds the session table.
const DefaultMaxSessions = 16

// MessageHandler receives decrypted messages. It runs on the event loop.
type MessageHandler interface {
	OnMessage(s *Session, header *message.ProtocolHeader, payload []byte)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(s *Session, header *message.ProtocolHeader, payload []byte)

func (f MessageHandlerFunc) OnMessage(s *Session, header *message.ProtocolHeader, payload []byte) {
	f(s, header, payload)
}

// Config configures a Manager.
type Config struct {
	// Transport carries outgoing messages. The manager installs itself as
	// its secure-session delegate.
	Transport *transport.Manager

	// Loop runs handler calls.
	Loop *system.EventLoop

	Handler MessageHandler

	MaxSessions int

	LoggerFactory logging.LoggerFactory
}

// Manager is the secure-session delegate of a transport.Manager.
type Manager struct {
	transport   *transport.Manager
	loop        *system.EventLoop
	maxSessions int
	log         logging.LeveledLogger

	mu        sync.RWMutex
	handler   MessageHandler
	sessions  map[uint16]*Session
	listeners []func(sessionID uint16)
}

// NewManager creates a manager and registers it with config.Transport.
func NewManager(config Config) (*Manager, error) {
	if config.Transport == nil || config.Loop == nil {
		return nil, fmt.Errorf("session: transport and loop are required")
	}
	if config.MaxSessions <= 0 {
		config.MaxSessions = DefaultMaxSessions
	}
	lf := config.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	m := &Manager{
		transport:   config.Transport,
		loop:        config.Loop,
		maxSessions: config.MaxSessions,
		log:         lf.NewLogger("session"),
		handler:     config.Handler,
		sessions:    make(map[uint16]*Session),
	}
	config.Transport.SetSecureSessionDelegate(m)
	return m, nil
}

// SetHandler replaces the message handler.
func (m *Manager) SetHandler(h MessageHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// OnSessionRemoved registers fn to be called after a session is removed.
// fn runs on the event loop.
func (m *Manager) OnSessionRemoved(fn func(sessionID uint16)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// AddSession installs an established session.
func (m *Manager) AddSession(p Params) (*Session, error) {
	if p.LocalSessionID == 0 {
		return nil, ErrInvalidSessionID
	}
	s, err := newSession(p)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[p.LocalSessionID]; ok {
		return nil, ErrDuplicateSession
	}
	if len(m.sessions) >= m.maxSessions {
		return nil, ErrSessionTableFull
	}
	m.sessions[p.LocalSessionID] = s
	m.log.Infof("session %d up (%s, peer session %d, %s)", p.LocalSessionID, p.Role, p.PeerSessionID, p.Subject.AuthMode)
	return s, nil
}

// RemoveSession drops a session and posts the listener calls to the
// event loop. It may be called from any goroutine.
func (m *Manager) RemoveSession(id uint16) error {
	m.mu.Lock()
	if _, ok := m.sessions[id]; !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	listeners := append([]func(uint16){}, m.listeners...)
	m.mu.Unlock()

	m.log.Infof("session %d removed", id)
	if len(listeners) == 0 {
		return nil
	}
	err := m.loop.Post(func() {
		for _, fn := range listeners {
			fn(id)
		}
	})
	if err != nil {
		m.log.Errorf("session %d: listeners not notified: %v", id, err)
		return fmt.Errorf("session: notify removal of %d: %w", id, err)
	}
	return nil
}

// Session returns the session with the given local id, or nil.
func (m *Manager) Session(id uint16) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Send encrypts header and payload for the session's peer.
func (m *Manager) Send(sessionID uint16, header *message.ProtocolHeader, payload []byte) error {
	s := m.Session(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	counter, err := s.counter.Next()
	if err != nil {
		return err
	}
	h := message.Header{SessionID: s.params.PeerSessionID, MessageCounter: counter}
	aad, err := h.Encode()
	if err != nil {
		return err
	}

	plain := make([]byte, 0, header.Size()+len(payload))
	plain = header.AppendTo(plain)
	plain = append(plain, payload...)
	nonce := crypto.Nonce(h.SecurityFlags(), counter, s.params.LocalNodeID)
	sealed := s.enc.Seal(nil, nonce, plain, aad)

	m.log.Tracef("session %d: sending opcode 0x%02x exchange %d counter %d", sessionID, header.Opcode, header.ExchangeID, counter)
	return m.transport.SendMessage(s.Peer(), &h, sealed)
}

// OnMessageReceived implements transport.MessageDelegate. Any failure
// drops the whole message.
func (m *Manager) OnMessageReceived(peer transport.PeerAddress, header *message.Header, buf *transport.PacketBuffer) {
	defer func() {
		if err := buf.Release(); err != nil {
			m.log.Errorf("%v", err)
		}
	}()

	if header.SessionType != message.SessionTypeUnicast {
		m.log.Warnf("dropping %s from %s: group sessions are not served", header, peer)
		return
	}
	s := m.Session(header.SessionID)
	if s == nil {
		m.log.Warnf("dropping %s from %s: %v", header, peer, ErrSessionNotFound)
		return
	}

	hlen := header.Size()
	if len(buf.Data) < hlen+crypto.MICSize {
		m.log.Warnf("dropping %s from %s: %v", header, peer, message.ErrPayloadTooShort)
		return
	}
	nonce := crypto.Nonce(header.SecurityFlags(), header.MessageCounter, s.params.PeerNodeID)
	plain, err := s.dec.Open(nil, nonce, buf.Data[hlen:], buf.Data[:hlen])
	if err != nil {
		m.log.Warnf("dropping %s from %s: decrypt: %v", header, peer, err)
		return
	}
	if !s.window.Accept(header.MessageCounter) {
		m.log.Debugf("dropping duplicate %s", header)
		return
	}

	var ph message.ProtocolHeader
	n, err := ph.Decode(plain)
	if err != nil {
		m.log.Warnf("dropping %s: %v", header, err)
		return
	}
	s.setPeer(peer)
	payload := plain[n:]

	err = m.loop.Post(func() {
		if m.Session(s.ID()) != s {
			m.log.Debugf("session %d went away before delivery", s.ID())
			return
		}
		m.mu.RLock()
		h := m.handler
		m.mu.RUnlock()
		if h == nil {
			m.log.Warnf("no handler, dropping opcode 0x%02x on session %d", ph.Opcode, s.ID())
			return
		}
		h.OnMessage(s, &ph, payload)
	})
	if err != nil {
		m.log.Warnf("dropping %s: %v", header, err)
	}
}
