// Package transport provides the byte-oriented datagram channels the
// signaling stack and the media sessions run over. Implementations share
// one contract: callbacks fire only from inside Loop, and a callback must
// not re-enter Loop on the same transport.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/xbitsmaster/lwsip/pkg/log"
)

// Type selects a transport implementation.
type Type string

const (
	TypeUDP  Type = "udp"
	TypeMQTT Type = "mqtt"
)

var (
	ErrInvalidConfig = errors.New("transport: invalid config")
	ErrNotConnected  = errors.New("transport: not connected")
	ErrTimeout       = errors.New("transport: timeout")
	ErrUnsupported   = errors.New("transport: unsupported")
	ErrBusy          = errors.New("transport: busy")
	ErrClosed        = errors.New("transport: closed")
)

// Handler receives transport events. All three callbacks are invoked from
// the goroutine that drives Loop.
type Handler struct {
	OnData      func(t Transport, data []byte, from net.Addr)
	OnConnected func(t Transport)
	OnError     func(t Transport, err error)
}

// Config describes one transport instance.
type Config struct {
	Type Type

	// UDP
	ListenAddr string // "ip:port"; port 0 binds an ephemeral port

	// MQTT
	Broker      string // "tcp://host:port"
	TopicPrefix string
	ClientID    string
}

// Transport is the polymorphic datagram channel. TCP and TLS variants are
// reserved; the factory rejects them with ErrUnsupported.
type Transport interface {
	// Send writes one datagram. For UDP, to is required; connection
	// oriented transports ignore it.
	Send(data []byte, to net.Addr) (int, error)

	// Loop polls readiness for at most timeout and dispatches at most one
	// datagram through Handler.OnData. It returns the number of packets
	// processed, 0 on timeout. Upper layers drain by calling repeatedly.
	Loop(timeout time.Duration) (int, error)

	LocalAddr() net.Addr
	IsConnected() bool
	Close() error
}

// HandlerSetter is implemented by transports whose handler is wired
// after construction, such as injected test stubs.
type HandlerSetter interface {
	SetHandler(handler Handler)
}

// New builds a transport from config. Unknown types fail with
// ErrUnsupported, malformed configs with ErrInvalidConfig.
func New(config Config, handler Handler, logger log.Logger) (Transport, error) {
	switch config.Type {
	case TypeUDP:
		return newUDPTransport(config, handler, logger)
	case TypeMQTT:
		return newMQTTTransport(config, handler, logger)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidConfig)
	default:
		return nil, fmt.Errorf("%w: transport type %q", ErrUnsupported, config.Type)
	}
}
