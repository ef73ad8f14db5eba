// Package session keeps the table of established secure sessions and sits
// between the transport manager and the Interaction Model engine: inbound
// messages are authenticated, decrypted and replay-checked here before
// they are handed to the engine on the event loop, and outbound payloads
// are encrypted here.
package session

import (
	"crypto/cipher"
	"errors"
	"sync"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/crypto"
	"github.com/backkem/imengine/pkg/message"
	"github.com/backkem/imengine/pkg/transport"
)

var (
	ErrInvalidSessionID = errors.New("session: invalid session id")
	ErrDuplicateSession = errors.New("session: duplicate session id")
	ErrSessionNotFound  = errors.New("session: session not found")
	ErrSessionTableFull = errors.New("session: session table full")
)

// Role is which side of the handshake this node played.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Params describe a session established by PASE or CASE.
type Params struct {
	LocalSessionID uint16
	PeerSessionID  uint16
	Role           Role
	Keys           crypto.SessionKeys
	Peer           transport.PeerAddress

	// Node ids enter the message nonce. Both are zero for PASE.
	LocalNodeID uint64
	PeerNodeID  uint64

	// Subject is what access control sees for requests on this session.
	Subject acl.SubjectDescriptor

	// PeerCounter, when known from the handshake, synchronises the replay
	// window so that only later counters are accepted.
	PeerCounter *uint32
}

// Session is one secure unicast session.
type Session struct {
	params  Params
	enc     cipher.AEAD
	dec     cipher.AEAD
	counter *message.Counter
	window  *message.ReceptionWindow

	mu   sync.Mutex
	peer transport.PeerAddress
}

func newSession(p Params) (*Session, error) {
	encKey, decKey := p.Keys.I2R, p.Keys.R2I
	if p.Role == RoleResponder {
		encKey, decKey = decKey, encKey
	}
	enc, err := crypto.NewAESCCM(encKey[:])
	if err != nil {
		return nil, err
	}
	dec, err := crypto.NewAESCCM(decKey[:])
	if err != nil {
		return nil, err
	}
	window := message.NewReceptionWindow()
	if p.PeerCounter != nil {
		window = message.NewReceptionWindowAt(*p.PeerCounter)
	}
	return &Session{
		params:  p,
		enc:     enc,
		dec:     dec,
		counter: message.NewCounter(),
		window:  window,
		peer:    p.Peer,
	}, nil
}

// ID is the local session id, the one peers put in their headers.
func (s *Session) ID() uint16 { return s.params.LocalSessionID }

// PeerSessionID is the id this node puts in outgoing headers.
func (s *Session) PeerSessionID() uint16 { return s.params.PeerSessionID }

func (s *Session) Role() Role { return s.params.Role }

func (s *Session) Subject() acl.SubjectDescriptor { return s.params.Subject }

// Peer is where the last authenticated message came from.
func (s *Session) Peer() transport.PeerAddress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Session) setPeer(p transport.PeerAddress) {
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}
