package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
	"go.uber.org/multierr"
)

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// ManualProcess disables background delivery. Call Process to move
	// queued datagrams.
	ManualProcess bool

	// ProcessInterval is the background delivery period. Default 1ms.
	ProcessInterval time.Duration

	LoggerFactory logging.LoggerFactory
}

// Pipe is an in-memory pair of transports connected back to back through
// a pion test bridge. Whatever one end sends, the other end receives.
type Pipe struct {
	bridge *test.Bridge
	ends   [2]*PacketTransport

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewPipe creates a connected pair.
func NewPipe(config PipeConfig) *Pipe {
	lf := config.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	p := &Pipe{bridge: test.NewBridge(), stop: make(chan struct{})}
	conns := [2]net.Conn{p.bridge.GetConn0(), p.bridge.GetConn1()}
	for i := range p.ends {
		pc := &pipeConn{Conn: conns[i], local: PipeAddr(i), remote: PipeAddr(1 - i)}
		p.ends[i] = newPacketTransport(pc, lf.NewLogger(fmt.Sprintf("transport-pipe%d", i)))
	}

	if !config.ManualProcess {
		interval := config.ProcessInterval
		if interval <= 0 {
			interval = time.Millisecond
		}
		p.wg.Add(1)
		go p.run(interval)
	}
	return p
}

// Ends returns the two transports.
func (p *Pipe) Ends() (*PacketTransport, *PacketTransport) {
	return p.ends[0], p.ends[1]
}

// Process delivers every queued datagram and returns how many moved.
func (p *Pipe) Process() int {
	total := 0
	for {
		n := p.bridge.Tick()
		if n == 0 {
			return total
		}
		total += n
	}
}

func (p *Pipe) run(interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.bridge.Tick()
		}
	}
}

// Close stops delivery and closes both ends.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		p.closeErr = multierr.Combine(p.ends[0].Close(), p.ends[1].Close())
	})
	return p.closeErr
}

// PipeAddr addresses one end of a Pipe.
type PipeAddr int

func (a PipeAddr) Network() string { return "pipe" }
func (a PipeAddr) String() string  { return fmt.Sprintf("pipe%d", int(a)) }

// pipeConn presents one bridge end as a net.PacketConn. The bridge has a
// single peer, so WriteTo ignores its address.
type pipeConn struct {
	net.Conn
	local, remote PipeAddr
}

func (c *pipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, err := c.Conn.Read(b)
	return n, c.remote, err
}

func (c *pipeConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.Conn.Write(b)
}

func (c *pipeConn) LocalAddr() net.Addr { return c.local }

var _ net.PacketConn = (*pipeConn)(nil)
