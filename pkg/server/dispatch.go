package server

import (
	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/im"
	imsg "github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/message"
	"github.com/backkem/imengine/pkg/session"
	"github.com/backkem/imengine/pkg/transport"
)

// sessionExchange is one exchange on a secure session. Replies carry the
// same exchange id with the initiator flag flipped.
type sessionExchange struct {
	sessions  *session.Manager
	subject   acl.SubjectDescriptor
	sessionID uint16
	id        uint16
	initiator bool
}

func (x *sessionExchange) Subject() acl.SubjectDescriptor { return x.subject }
func (x *sessionExchange) SessionID() uint16              { return x.sessionID }
func (x *sessionExchange) ExchangeID() uint16             { return x.id }

var _ im.Exchange = (*sessionExchange)(nil)

func (x *sessionExchange) Send(opcode imsg.Opcode, payload []byte) error {
	h := &message.ProtocolHeader{
		Opcode:     uint8(opcode),
		ExchangeID: x.id,
		ProtocolID: message.ProtocolInteractionModel,
		Initiator:  x.initiator,
	}
	return x.sessions.Send(x.sessionID, h, payload)
}

// dispatcher routes decrypted messages by protocol. Only the Interaction
// Model is served; everything else is dropped.
type dispatcher struct {
	sessions *session.Manager
	handle   func(ex im.Exchange, opcode imsg.Opcode, payload []byte)
	log      logging.LeveledLogger
}

func (d *dispatcher) OnMessage(s *session.Session, h *message.ProtocolHeader, payload []byte) {
	if !h.Is(message.ProtocolInteractionModel) {
		d.log.Debugf("session %d: dropping %s opcode 0x%02x", s.ID(), h.ProtocolID, h.Opcode)
		return
	}
	ex := &sessionExchange{
		sessions:  d.sessions,
		subject:   s.Subject(),
		sessionID: s.ID(),
		id:        h.ExchangeID,
		initiator: !h.Initiator,
	}
	d.handle(ex, imsg.Opcode(h.Opcode), payload)
}

var _ session.MessageHandler = (*dispatcher)(nil)

// rendezvous is the delegate for unsecured traffic. Session establishment
// is not served, so it only logs and releases.
type rendezvous struct {
	log logging.LeveledLogger
}

func (r *rendezvous) OnMessageReceived(peer transport.PeerAddress, header *message.Header, buf *transport.PacketBuffer) {
	r.log.Debugf("ignoring unsecured %s from %s", header, peer)
	if err := buf.Release(); err != nil {
		r.log.Errorf("%v", err)
	}
}
