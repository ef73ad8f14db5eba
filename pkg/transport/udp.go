package transport

import (
	"fmt"
	"net"

	"github.com/pion/logging"
)

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// Conn is used as is when set. Otherwise ListenAddr is bound.
	Conn net.PacketConn

	// ListenAddr defaults to an ephemeral port on all interfaces.
	ListenAddr string

	LoggerFactory logging.LoggerFactory
}

// NewUDP returns a transport over a UDP socket.
func NewUDP(config UDPConfig) (*PacketTransport, error) {
	lf := config.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	conn := config.Conn
	if conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		var err error
		if conn, err = net.ListenPacket("udp", addr); err != nil {
			return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
		}
	}
	return newPacketTransport(conn, lf.NewLogger("transport-udp")), nil
}
