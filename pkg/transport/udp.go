package transport

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/tevino/abool"

	"github.com/xbitsmaster/lwsip/pkg/log"
)

const maxDatagramSize = 65535

type udpTransport struct {
	conn    *net.UDPConn
	handler Handler
	closed  *abool.AtomicBool

	// pendingUp defers OnConnected to the first Loop so callbacks
	// stay on the loop thread.
	pendingUp *abool.AtomicBool

	buf []byte
	log log.Logger
}

func newUDPTransport(config Config, handler Handler, logger log.Logger) (Transport, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("%w: udp: missing listen address", ErrInvalidConfig)
	}
	laddr, err := net.ResolveUDPAddr("udp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: udp: %v", ErrInvalidConfig, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen %s: %w", config.ListenAddr, err)
	}
	t := &udpTransport{
		conn:      conn,
		handler:   handler,
		closed:    abool.New(),
		pendingUp: abool.NewBool(true),
		buf:       make([]byte, maxDatagramSize),
		log:       logger.WithPrefix("transport.UDP"),
	}
	t.log.Debugf("listening on %s", conn.LocalAddr())
	return t, nil
}

func (t *udpTransport) Send(data []byte, to net.Addr) (int, error) {
	if t.closed.IsSet() {
		return 0, ErrClosed
	}
	if to == nil {
		return 0, fmt.Errorf("%w: udp: destination required", ErrInvalidConfig)
	}
	udpAddr, ok := to.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", to.String())
		if err != nil {
			return 0, fmt.Errorf("%w: udp: bad destination %q", ErrInvalidConfig, to)
		}
		udpAddr = resolved
	}
	n, err := t.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		t.log.Warnf("send to %s failed: %v", udpAddr, err)
		return n, err
	}
	t.log.Tracef("sent %d bytes to %s", n, udpAddr)
	return n, nil
}

// Loop reads at most one datagram so readiness stays edge-fair between
// transports sharing a scheduler cycle.
func (t *udpTransport) Loop(timeout time.Duration) (int, error) {
	if t.closed.IsSet() {
		return 0, ErrClosed
	}
	if t.pendingUp.SetToIf(true, false) && t.handler.OnConnected != nil {
		t.handler.OnConnected(t)
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, from, err := t.conn.ReadFromUDP(t.buf)
	if err != nil {
		if os.IsTimeout(err) {
			return 0, nil
		}
		if t.closed.IsSet() {
			return 0, ErrClosed
		}
		if t.handler.OnError != nil {
			t.handler.OnError(t, err)
		}
		return 0, err
	}
	if t.handler.OnData != nil {
		data := make([]byte, n)
		copy(data, t.buf[:n])
		t.handler.OnData(t, data, from)
	}
	return 1, nil
}

func (t *udpTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

func (t *udpTransport) IsConnected() bool { return !t.closed.IsSet() }

func (t *udpTransport) Close() error {
	if !t.closed.SetToIf(false, true) {
		return nil
	}
	return t.conn.Close()
}
