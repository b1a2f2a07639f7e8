package mock

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gammazero/deque"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/registry"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/transport"
	"github.com/xbitsmaster/lwsip/pkg/utils"
)

// Scenario selects the registrar's canned behavior.
type Scenario string

const (
	// RegisterSuccess answers every REGISTER with 200.
	RegisterSuccess Scenario = "REGISTER_SUCCESS"

	// RegisterAuth challenges the first REGISTER with 401 and a fixed
	// nonce, then verifies the digest.
	RegisterAuth Scenario = "REGISTER_AUTH"

	// InviteSuccess answers INVITE with 180 then 200 and absorbs the ACK.
	InviteSuccess Scenario = "INVITE_SUCCESS"

	// InviteDeclined answers INVITE with 603.
	InviteDeclined Scenario = "INVITE_DECLINED"

	// InviteDrop2 swallows the first two INVITE copies and answers the
	// third with 200.
	InviteDrop2 Scenario = "INVITE_DROP2"

	// UASCall makes the stub the caller: PlaceCall sends an INVITE, the
	// peer's 200 is ACKed and followed by BYE.
	UASCall Scenario = "UAS_CALL"
)

const (
	StubRealm = "stub.com"
	StubNonce = "stub-nonce-12345"
)

// Registrar is a transport.Transport whose far end is a scripted SIP
// peer. Outbound frames are parsed and answered per scenario; the
// answers surface through the handler on the next Loop, one per call,
// which preserves the cooperative dispatch order of a real socket.
type Registrar struct {
	Scenario Scenario

	// Username and Password verify RegisterAuth digests.
	Username string
	Password string

	handler transport.Handler
	local   net.Addr
	remote  net.Addr
	closed  bool

	// Sent records every parsed outbound message for assertions.
	Sent []sip.Message

	// Bindings holds the AoR contacts accepted so far.
	Bindings registry.Registry

	inbound deque.Deque

	inviteCount int
	toTag       string
	lastOK      *sip.Response
	lastFinal   *sip.Response
	callInvite  *sip.Request
	callCSeq    uint32

	log log.Logger
}

func NewRegistrar(scenario Scenario, logger log.Logger) *Registrar {
	return &Registrar{
		Scenario: scenario,
		Bindings: registry.NewMemoryRegistry(),
		local:    &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5060},
		remote:   &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 15060},
		toTag:    utils.RandString(8),
		log:      logger.WithPrefix("mock.Registrar"),
	}
}

func (r *Registrar) SetHandler(handler transport.Handler) { r.handler = handler }

func (r *Registrar) LocalAddr() net.Addr { return r.local }

func (r *Registrar) IsConnected() bool { return !r.closed }

func (r *Registrar) Close() error {
	r.closed = true
	return nil
}

// Addr is where the stub pretends to listen.
func (r *Registrar) Addr() net.Addr { return r.remote }

// SentRequests filters the record by method.
func (r *Registrar) SentRequests(method sip.RequestMethod) []*sip.Request {
	var out []*sip.Request
	for _, msg := range r.Sent {
		if req, ok := msg.(*sip.Request); ok && req.Method() == method {
			out = append(out, req)
		}
	}
	return out
}

// Send consumes one outbound frame from the unit under test.
func (r *Registrar) Send(data []byte, to net.Addr) (int, error) {
	if r.closed {
		return 0, transport.ErrClosed
	}
	msg, err := sip.ParseMessage(data)
	if err != nil {
		return 0, fmt.Errorf("mock: unparseable outbound frame: %w", err)
	}
	r.Sent = append(r.Sent, msg)

	switch m := msg.(type) {
	case *sip.Request:
		r.handleRequest(m)
	case *sip.Response:
		r.handleResponse(m)
	}
	return len(data), nil
}

// Loop delivers at most one queued answer through the handler.
func (r *Registrar) Loop(timeout time.Duration) (int, error) {
	if r.closed {
		return 0, transport.ErrClosed
	}
	if r.inbound.Len() == 0 {
		return 0, nil
	}
	data := r.inbound.PopFront().([]byte)
	if r.handler.OnData != nil {
		r.handler.OnData(r, data, r.remote)
	}
	return 1, nil
}

// Push queues an arbitrary frame toward the unit under test.
func (r *Registrar) Push(msg sip.Message) {
	r.inbound.PushBack([]byte(msg.String()))
}

func (r *Registrar) handleRequest(req *sip.Request) {
	switch req.Method() {
	case sip.REGISTER:
		r.handleRegister(req)
	case sip.INVITE:
		r.handleInvite(req)
	case sip.ACK:
		// absorbed; tests assert the count
	case sip.BYE:
		r.Push(sip.NewResponseFromRequest(req, 200, "OK", ""))
	case sip.CANCEL:
		r.Push(sip.NewResponseFromRequest(req, 200, "OK", ""))
	default:
		r.Push(sip.NewResponseFromRequest(req, 405, "Method Not Allowed", ""))
	}
}

func (r *Registrar) handleRegister(req *sip.Request) {
	if r.Scenario == RegisterAuth {
		hdrs := req.Headers("Authorization")
		if len(hdrs) == 0 {
			challenge := sip.NewResponseFromRequest(req, 401, "Unauthorized", "")
			challenge.AppendHeader(&sip.GenericHeader{
				HeaderName: "WWW-Authenticate",
				Contents: fmt.Sprintf(`Digest realm="%s", nonce="%s", algorithm=MD5`,
					StubRealm, StubNonce),
			})
			r.Push(challenge)
			return
		}
		if !r.verifyDigest(req, hdrs[0].(*sip.GenericHeader).Contents) {
			r.Push(sip.NewResponseFromRequest(req, 403, "Forbidden", ""))
			return
		}
	}

	if binding, err := registry.BindingFromRequest(req); err == nil {
		aor := ""
		if from, ok := req.From(); ok {
			aor = from.Address.Uri.User + "@" + from.Address.Uri.Host
		}
		r.Bindings.Upsert(aor, binding)
	}

	ok := sip.NewResponseFromRequest(req, 200, "OK", "")
	if contact, found := req.Contact(); found {
		ok.AppendHeader(contact.Clone())
	}
	expires := sip.Expires(3600)
	if reqExpires, found := req.Expires(); found {
		expires = reqExpires
	}
	ok.AppendHeader(&expires)
	r.Push(ok)
}

// verifyDigest recomputes MD5(HA1:nonce:HA2) against the client's
// response parameter.
func (r *Registrar) verifyDigest(req *sip.Request, authValue string) bool {
	params := make(map[string]string)
	for _, part := range strings.Split(strings.TrimPrefix(authValue, "Digest "), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		params[kv[0]] = strings.Trim(kv[1], `"`)
	}
	if params["nonce"] != StubNonce || params["realm"] != StubRealm {
		return false
	}
	ha1 := md5Hex(r.Username + ":" + StubRealm + ":" + r.Password)
	ha2 := md5Hex(string(req.Method()) + ":" + params["uri"])
	var expected string
	if params["qop"] == "auth" {
		expected = md5Hex(ha1 + ":" + params["nonce"] + ":" + params["nc"] +
			":" + params["cnonce"] + ":auth:" + ha2)
	} else {
		expected = md5Hex(ha1 + ":" + params["nonce"] + ":" + ha2)
	}
	return params["response"] == expected
}

func (r *Registrar) handleInvite(req *sip.Request) {
	r.inviteCount++

	switch r.Scenario {
	case InviteDeclined:
		decline := r.tagged(sip.NewResponseFromRequest(req, 603, "Decline", ""))
		r.lastFinal = decline
		r.Push(decline)

	case InviteDrop2:
		if r.inviteCount <= 2 {
			r.log.Debugf("dropping INVITE copy %d", r.inviteCount)
			return
		}
		r.Push(r.answerOK(req))

	default:
		ringing := r.tagged(sip.NewResponseFromRequest(req, 180, "Ringing", ""))
		r.Push(ringing)
		r.Push(r.answerOK(req))
	}
}

func (r *Registrar) answerOK(req *sip.Request) *sip.Response {
	ok := r.tagged(sip.NewResponseFromRequest(req, 200, "OK", Answer()))
	contentType := sip.ContentType("application/sdp")
	ok.AppendHeader(&contentType)
	ok.AppendHeader(&sip.ContactHeader{Address: &sip.Address{
		Uri: &sip.Uri{User: "stub", Host: "127.0.0.1", Port: 15060},
	}})
	r.lastOK = ok
	return ok
}

// LastOK is the most recent 200 produced for an INVITE, for
// retransmission tests.
func (r *Registrar) LastOK() *sip.Response { return r.lastOK }

// LastFinal is the most recent non-2xx final produced for an INVITE.
func (r *Registrar) LastFinal() *sip.Response { return r.lastFinal }

func (r *Registrar) tagged(res *sip.Response) *sip.Response {
	if to, ok := res.To(); ok {
		if _, tagged := to.Address.Tag(); !tagged {
			to.Address.SetTag(r.toTag)
		}
	}
	return res
}

// handleResponse reacts to answers for stub-originated requests.
func (r *Registrar) handleResponse(res *sip.Response) {
	if r.Scenario != UASCall || r.callInvite == nil {
		return
	}
	cseq, ok := res.CSeq()
	if !ok {
		return
	}
	if cseq.MethodName == sip.INVITE && res.IsSuccess() {
		r.Push(r.dialogRequest(sip.ACK, res, r.callCSeq))
		r.Push(r.dialogRequest(sip.BYE, res, r.callCSeq+1))
	}
}

// PlaceCall makes the stub originate an INVITE toward the unit under
// test.
func (r *Registrar) PlaceCall(fromUser, toUser string) {
	via := &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            15060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
	from := &sip.Address{Uri: &sip.Uri{User: fromUser, Host: StubRealm}}
	from.SetTag(utils.RandString(8))
	to := &sip.Address{Uri: &sip.Uri{User: toUser, Host: StubRealm}}

	r.callCSeq = 1
	invite := sip.NewRequest(sip.INVITE, to.Uri.Clone(), via, from, to,
		sip.CallID("mock-call-"+utils.RandString(8)), r.callCSeq)
	invite.SetBody(Offer(), true)
	contentType := sip.ContentType("application/sdp")
	invite.AppendHeader(&contentType)
	invite.AppendHeader(&sip.ContactHeader{Address: &sip.Address{
		Uri: &sip.Uri{User: fromUser, Host: "127.0.0.1", Port: 15060},
	}})

	r.callInvite = invite
	r.Push(invite)
}

// dialogRequest builds an in-dialog ACK or BYE from the peer's 2xx.
func (r *Registrar) dialogRequest(method sip.RequestMethod, res *sip.Response, seqNo uint32) *sip.Request {
	via := &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            15060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}

	target := r.callInvite.Recipient().Clone()
	if contact, ok := res.Contact(); ok {
		target = contact.Address.Uri.Clone()
	}
	from, _ := r.callInvite.From()
	to, _ := res.To()

	callID := sip.CallID("")
	if cid, ok := r.callInvite.CallID(); ok {
		callID = *cid
	}
	return sip.NewRequest(method, target, via,
		from.Address.Clone(), to.Address.Clone(), callID, seqNo)
}

func md5Hex(data string) string {
	sum := md5.Sum([]byte(data))
	return hex.EncodeToString(sum[:])
}
