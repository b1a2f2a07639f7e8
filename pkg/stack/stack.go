package stack

import (
	"fmt"
	"net"
	"time"

	"github.com/gammazero/deque"

	"github.com/xbitsmaster/lwsip/pkg/auth"
	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/timing"
	"github.com/xbitsmaster/lwsip/pkg/transaction"
	"github.com/xbitsmaster/lwsip/pkg/transport"
	"github.com/xbitsmaster/lwsip/pkg/utils"
)

const (
	DefaultUserAgent = "lwsip/1.0.0"
)

// RequestHandler is called on an incoming request of a certain method.
// tx is nil for 2xx ACK requests, which match no transaction.
type RequestHandler func(req *sip.Request, tx *transaction.ServerTx)

// RequiresChallengeHandler decides whether a request needs digest
// authentication before it reaches its handler.
type RequiresChallengeHandler func(req *sip.Request) bool

type ServerAuthManager struct {
	Authenticator     *auth.ServerAuthorizer
	RequiresChallenge RequiresChallengeHandler
}

// SipStackConfig describes available options.
type SipStackConfig struct {
	// Host is the advertised IP address or domain name; the first
	// non-loopback address is used when empty.
	Host string

	UserAgent  string
	Extensions []string

	Transport transport.Config

	// CustomTransport overrides the factory-built transport. Tests
	// plug scenario stubs in here.
	CustomTransport transport.Transport

	ServerAuthManager ServerAuthManager
}

type tuEvent struct {
	req *sip.Request
	tx  *transaction.ServerTx
}

// SipStack composes one signaling transport, the transaction layer and
// a timing service behind a cooperative Loop. All callbacks fire from
// the goroutine that calls Loop; the stack itself takes no locks and
// starts no goroutines.
type SipStack struct {
	config *SipStackConfig

	tp     transport.Transport
	tx     *transaction.Layer
	timers *timing.Service

	host string
	port int

	requestHandlers map[sip.RequestMethod]RequestHandler
	onOrphan        func(res *sip.Response)
	onTransportErr  func(err error)

	// tu holds pass-ups from the transaction layer until the dispatch
	// phase of Loop, so handlers never run inside transport callbacks.
	tu deque.Deque

	authenticator *ServerAuthManager
	userAgent     string
	extensions    []string
	shutdown      bool
	log           log.Logger
}

// NewSipStack creates a stack bound per config. The clock is injected
// so tests can drive timers without real waiting.
func NewSipStack(config *SipStackConfig, clock timing.Clock, logger log.Logger) (*SipStack, error) {
	if config == nil {
		config = &SipStackConfig{}
	}
	if clock == nil {
		clock = timing.SystemClock()
	}
	logger = logger.WithPrefix("SipStack")

	host := config.Host
	if host == "" {
		ip, err := utils.ResolveSelfIP()
		if err != nil {
			return nil, fmt.Errorf("resolve host IP: %w", err)
		}
		host = ip.String()
	}

	userAgent := config.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	s := &SipStack{
		config:          config,
		timers:          timing.NewService(clock),
		host:            host,
		requestHandlers: make(map[sip.RequestMethod]RequestHandler),
		userAgent:       userAgent,
		extensions:      config.Extensions,
		log:             logger,
	}

	if config.ServerAuthManager.Authenticator != nil {
		s.authenticator = &config.ServerAuthManager
	}

	handler := transport.Handler{
		OnData: func(_ transport.Transport, data []byte, src net.Addr) {
			s.onData(data, src)
		},
		OnError: func(_ transport.Transport, err error) {
			s.log.Errorf("transport error: %v", err)
			if s.onTransportErr != nil {
				s.onTransportErr(err)
			}
		},
	}
	if config.CustomTransport != nil {
		s.tp = config.CustomTransport
		if hs, ok := s.tp.(transport.HandlerSetter); ok {
			hs.SetHandler(handler)
		}
	} else {
		tp, err := transport.New(config.Transport, handler, logger)
		if err != nil {
			return nil, err
		}
		s.tp = tp
	}
	if ua, ok := s.tp.LocalAddr().(*net.UDPAddr); ok {
		s.port = ua.Port
	}

	s.tx = transaction.NewLayer(stackSender{s}, s.timers, logger)
	s.tx.OnRequest(func(req *sip.Request, tx *transaction.ServerTx) {
		s.tu.PushBack(tuEvent{req: req, tx: tx})
	})
	s.tx.OnAck(func(ack *sip.Request) {
		s.tu.PushBack(tuEvent{req: ack, tx: nil})
	})
	s.tx.OnOrphanResponse(func(res *sip.Response) {
		if s.onOrphan != nil {
			s.onOrphan(res)
		}
	})
	s.tx.OnError(func(err error) {
		s.log.Errorf("transaction error: %v", err)
	})

	return s, nil
}

func (s *SipStack) Log() log.Logger { return s.log }

func (s *SipStack) Timers() *timing.Service { return s.timers }

func (s *SipStack) Transport() transport.Transport { return s.tp }

// Host returns the advertised host and the bound signaling port.
func (s *SipStack) Host() (string, int) { return s.host, s.port }

// ViaHop builds the Via hop for requests originated by this stack.
func (s *SipStack) ViaHop() *sip.ViaHop {
	return &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            s.host,
		Port:            s.port,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
}

// OnRequest registers a request callback for method.
func (s *SipStack) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	s.requestHandlers[method] = handler
}

// OnOrphanResponse registers the fallback for responses matching no
// transaction (late 2xx retransmissions).
func (s *SipStack) OnOrphanResponse(handler func(res *sip.Response)) {
	s.onOrphan = handler
}

// OnTransportError registers a callback for transport failures seen
// inside Loop.
func (s *SipStack) OnTransportError(handler func(err error)) {
	s.onTransportErr = handler
}

// Loop runs one cooperative iteration: pump at most one datagram through
// parser and transaction layer, fire due timers, dispatch queued TU
// events, reap dead transactions. It returns the number of units of
// work done.
func (s *SipStack) Loop(timeout time.Duration) (int, error) {
	if s.shutdown {
		return 0, fmt.Errorf("stack is shut down")
	}

	work := 0
	n, err := s.tp.Loop(timeout)
	work += n

	work += s.timers.Fire()
	work += s.dispatch()
	s.tx.Reap()

	if err != nil {
		return work, err
	}
	return work, nil
}

// Until reports the time to the next pending timer, to size the Loop
// timeout.
func (s *SipStack) Until() (time.Duration, bool) {
	return s.timers.Until()
}

func (s *SipStack) onData(data []byte, src net.Addr) {
	msg, err := sip.ParseMessage(data)
	if err != nil {
		s.log.Warnf("dropped malformed datagram from %v: %v", src, err)
		return
	}
	msg.SetSource(src)
	s.log.Tracef("recv from %v:\n%s", src, msg.String())
	s.tx.HandleMessage(msg)
}

func (s *SipStack) dispatch() int {
	work := 0
	for s.tu.Len() > 0 {
		ev := s.tu.PopFront().(tuEvent)
		work++
		s.routeRequest(ev.req, ev.tx)
	}
	return work
}

func (s *SipStack) routeRequest(req *sip.Request, tx *transaction.ServerTx) {
	handler, ok := s.requestHandlers[req.Method()]
	if !ok {
		s.log.Warnf("no handler for %s", req.Method())
		if tx != nil {
			res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", "")
			if err := tx.Respond(s.prepareResponse(res)); err != nil {
				s.log.Errorf("respond 405 failed: %v", err)
			}
		}
		return
	}

	if s.authenticator != nil && tx != nil && s.authenticator.RequiresChallenge(req) {
		username, challenge := s.authenticator.Authenticator.Authenticate(req)
		if challenge != nil {
			if err := tx.Respond(s.prepareResponse(challenge)); err != nil {
				s.log.Errorf("respond challenge failed: %v", err)
			}
			return
		}
		s.log.Debugf("request %s authenticated for %q", req.Short(), username)
	}

	handler(req, tx)
}

// Request starts a client transaction. The response and error callbacks
// fire from Loop.
func (s *SipStack) Request(
	req *sip.Request,
	onResponse func(tx *transaction.ClientTx, res *sip.Response),
	onError func(tx *transaction.ClientTx, err error),
) (*transaction.ClientTx, error) {
	if s.shutdown {
		return nil, fmt.Errorf("stack is shut down")
	}
	return s.tx.Request(s.prepareRequest(req), onResponse, onError)
}

// RespondOnRequest builds and sends a response through the server
// transaction.
func (s *SipStack) RespondOnRequest(
	tx *transaction.ServerTx,
	status sip.StatusCode,
	reason, body string,
	headers []sip.Header,
) (*sip.Response, error) {
	response := sip.NewResponseFromRequest(tx.Origin(), status, reason, body)
	for _, header := range headers {
		response.AppendHeader(header)
	}
	if err := tx.Respond(s.prepareResponse(response)); err != nil {
		return nil, fmt.Errorf("respond '%d %s' failed: %w", status, reason, err)
	}
	return response, nil
}

// FindInviteTx exposes CANCEL-to-INVITE correlation for the TU.
func (s *SipStack) FindInviteTx(cancel *sip.Request) (*transaction.ServerTx, bool) {
	return s.tx.FindInviteTx(cancel)
}

// Send transmits a message outside any transaction (ACK for 2xx,
// stateless responses).
func (s *SipStack) Send(msg sip.Message) error {
	if s.shutdown {
		return fmt.Errorf("stack is shut down")
	}
	switch m := msg.(type) {
	case *sip.Request:
		msg = s.prepareRequest(m)
	case *sip.Response:
		msg = s.prepareResponse(m)
	}
	return s.transmit(msg)
}

func (s *SipStack) transmit(msg sip.Message) error {
	dest := msg.Destination()
	if dest == nil {
		if req, ok := msg.(*sip.Request); ok {
			addr, err := resolveRecipient(req.Recipient())
			if err != nil {
				return err
			}
			dest = addr
		}
	}
	s.log.Tracef("send to %v:\n%s", dest, msg.String())
	_, err := s.tp.Send([]byte(msg.String()), dest)
	return err
}

func resolveRecipient(uri *sip.Uri) (net.Addr, error) {
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", uri.Host, port))
}

func (s *SipStack) prepareRequest(req *sip.Request) *sip.Request {
	if viaHop, ok := req.ViaHop(); ok {
		if viaHop.Params == nil {
			viaHop.Params = sip.NewParams()
		}
		if !viaHop.Params.Has("branch") {
			viaHop.Params.Add("branch", sip.GenerateBranch())
		}
	} else {
		req.PrependHeader(sip.ViaHeader{s.ViaHop()})
	}
	s.appendAutoHeaders(req)
	return req
}

func (s *SipStack) prepareResponse(res *sip.Response) *sip.Response {
	s.appendAutoHeaders(res)
	return res
}

var autoAllowMethods = map[sip.RequestMethod]bool{
	sip.INVITE:   true,
	sip.REGISTER: true,
	sip.OPTIONS:  true,
}

func (s *SipStack) appendAutoHeaders(msg sip.Message) {
	var msgMethod sip.RequestMethod
	switch m := msg.(type) {
	case *sip.Request:
		msgMethod = m.Method()
	case *sip.Response:
		if cseq, ok := m.CSeq(); ok && !m.IsProvisional() {
			msgMethod = cseq.MethodName
		}
	}
	if autoAllowMethods[msgMethod] {
		if len(msg.Headers("Allow")) == 0 {
			msg.AppendHeader(sip.AllowHeader(s.allowedMethods()))
		}
	}

	if len(msg.Headers("User-Agent")) == 0 {
		userAgent := sip.UserAgentHeader(s.userAgent)
		msg.AppendHeader(&userAgent)
	}
}

func (s *SipStack) allowedMethods() []sip.RequestMethod {
	methods := []sip.RequestMethod{
		sip.INVITE, sip.ACK, sip.BYE, sip.CANCEL, sip.INFO, sip.OPTIONS,
	}
	known := make(map[sip.RequestMethod]bool, len(methods))
	for _, m := range methods {
		known[m] = true
	}
	for method := range s.requestHandlers {
		if !known[method] {
			methods = append(methods, method)
		}
	}
	return methods
}

// Shutdown terminates transactions and closes the transport.
func (s *SipStack) Shutdown() {
	if s.shutdown {
		return
	}
	s.shutdown = true
	s.tx.Shutdown()
	if err := s.tp.Close(); err != nil {
		s.log.Warnf("transport close: %v", err)
	}
}

// stackSender adapts the stack's send path for the transaction layer.
type stackSender struct {
	s *SipStack
}

func (ss stackSender) Send(msg sip.Message) error {
	return ss.s.transmit(msg)
}
