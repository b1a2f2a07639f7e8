package ua

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xbitsmaster/lwsip/pkg/account"
	"github.com/xbitsmaster/lwsip/pkg/auth"
	"github.com/xbitsmaster/lwsip/pkg/dialog"
	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/session"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/stack"
	"github.com/xbitsmaster/lwsip/pkg/transaction"
	"github.com/xbitsmaster/lwsip/pkg/utils"
)

// InviteSessionHandler observes call session transitions.
type InviteSessionHandler func(sess *session.Session, req *sip.Request, resp *sip.Response, status session.Status)

// InfoHandler receives in-dialog INFO payloads.
type InfoHandler func(sess *session.Session, req *sip.Request)

type UserAgentConfig struct {
	SipStack *stack.SipStack
}

// UserAgent is the library façade: registration, outgoing and incoming
// calls, in-dialog requests. All callbacks fire from Loop.
type UserAgent struct {
	InviteStateHandler   InviteSessionHandler
	RegisterStateHandler account.RegisterHandler
	InfoHandler          InfoHandler

	config    *UserAgentConfig
	iss       map[sip.CallID]*session.Session
	registers []*Register
	log       log.Logger
}

func NewUserAgent(config *UserAgentConfig, logger log.Logger) *UserAgent {
	ua := &UserAgent{
		config: config,
		iss:    make(map[sip.CallID]*session.Session),
		log:    logger.WithPrefix("UserAgent"),
	}
	s := config.SipStack
	s.OnRequest(sip.INVITE, ua.handleInvite)
	s.OnRequest(sip.ACK, ua.handleACK)
	s.OnRequest(sip.BYE, ua.handleBye)
	s.OnRequest(sip.CANCEL, ua.handleCancel)
	s.OnRequest(sip.OPTIONS, ua.handleOptions)
	s.OnRequest(sip.INFO, ua.handleInfo)
	s.OnOrphanResponse(ua.handleOrphanResponse)
	return ua
}

func (ua *UserAgent) Log() log.Logger           { return ua.log }
func (ua *UserAgent) SipStack() *stack.SipStack { return ua.config.SipStack }

// Loop runs one cooperative iteration of the whole agent.
func (ua *UserAgent) Loop(timeout time.Duration) (int, error) {
	return ua.config.SipStack.Loop(timeout)
}

func (ua *UserAgent) handleInviteState(sess *session.Session, req *sip.Request, resp *sip.Response, status session.Status) {
	if req != nil {
		sess.StoreRequest(req)
	}
	if resp != nil {
		sess.StoreResponse(resp)
	}
	sess.SetState(status)

	if ua.InviteStateHandler != nil {
		ua.InviteStateHandler(sess, req, resp, status)
	}
}

// SendRegister creates the registration for profile against the
// registrar and sends the initial REGISTER. The returned Register owns
// refresh and retry scheduling.
func (ua *UserAgent) SendRegister(profile *account.Profile, recipient *sip.Uri, expires uint32) (*Register, error) {
	r := NewRegister(ua, profile, recipient)
	ua.registers = append(ua.registers, r)
	if err := r.SendRegister(expires); err != nil {
		return nil, err
	}
	return r, nil
}

// Invite starts an outgoing call carrying the sdp offer.
func (ua *UserAgent) Invite(profile *account.Profile, target *sip.Uri, offer string) (*session.Session, error) {
	s := ua.config.SipStack

	from := &sip.Address{
		DisplayName: profile.DisplayName,
		Uri:         profile.URI.Clone(),
		Params:      sip.NewParams().Add("tag", utils.RandString(8)),
	}
	to := &sip.Address{Uri: target.Clone(), Params: sip.NewParams()}
	contact := ua.buildContact(profile)

	callID := sip.CallID(uuid.New().String())
	req := sip.NewRequest(sip.INVITE, target.Clone(), s.ViaHop(), from, to, callID, 1)
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	if offer != "" {
		contentType := sip.ContentType("application/sdp")
		req.AppendHeader(&contentType)
		req.SetBody(offer, true)
	}

	var authorizer *auth.ClientAuthorizer
	if profile.AuthInfo != nil {
		authorizer = auth.NewClientAuthorizer(profile.AuthInfo.AuthUser, profile.AuthInfo.Password)
	}

	var sess *session.Session
	challenged := false

	var onResponse func(tx *transaction.ClientTx, res *sip.Response)
	onError := func(tx *transaction.ClientTx, err error) {
		ua.log.Errorf("INVITE failed: %v", err)
		if sess != nil && !sess.IsEnded() {
			ua.handleInviteState(sess, nil, nil, session.Failure)
			delete(ua.iss, callID)
		}
	}
	onResponse = func(tx *transaction.ClientTx, res *sip.Response) {
		ua.handleUACResponse(sess, tx, res, authorizer, &challenged, onResponse, onError)
	}

	tx, err := s.Request(req, onResponse, onError)
	if err != nil {
		return nil, err
	}

	sess = session.NewUAC(s, req, tx, &sip.ContactHeader{Address: contact}, ua.log)
	ua.iss[callID] = sess
	ua.handleInviteState(sess, req, nil, session.InviteSent)
	return sess, nil
}

func (ua *UserAgent) handleUACResponse(
	sess *session.Session,
	tx *transaction.ClientTx,
	res *sip.Response,
	authorizer *auth.ClientAuthorizer,
	challenged *bool,
	onResponse func(tx *transaction.ClientTx, res *sip.Response),
	onError func(tx *transaction.ClientTx, err error),
) {
	code := res.StatusCode()
	switch {
	case res.IsProvisional():
		if code == 100 {
			return
		}
		if sess.Dialog() == nil {
			if d, err := dialog.NewUAC(tx.Origin(), res, ua.log); err == nil {
				sess.StoreDialog(d)
			}
		}
		ua.handleInviteState(sess, nil, res, session.Provisional)
		if len(res.Body()) > 0 {
			ua.handleInviteState(sess, nil, res, session.EarlyMedia)
		}

	case res.IsSuccess():
		if sess.Status() == session.Canceled {
			// Glare: the 200 won the race against our CANCEL.
			ua.log.Debugf("2xx after CANCEL, acking and sending BYE")
		}
		d := sess.Dialog()
		if d == nil {
			var err error
			d, err = dialog.NewUAC(tx.Origin(), res, ua.log)
			if err != nil {
				ua.log.Errorf("dialog from 2xx failed: %v", err)
				return
			}
			sess.StoreDialog(d)
		} else {
			d.Confirm(res)
		}

		cseq, _ := tx.Origin().CSeq()
		ack := d.MakeAck(cseq.SeqNo, ua.config.SipStack.ViaHop())
		if err := ua.config.SipStack.Send(ack); err != nil {
			ua.log.Errorf("send ACK failed: %v", err)
		}
		sess.StoreAck(ack)

		if sess.Status() == session.Canceled {
			if err := sess.Bye(); err != nil {
				ua.log.Warnf("BYE after glare failed: %v", err)
			}
			return
		}
		ua.handleInviteState(sess, nil, res, session.Confirmed)

	case (code == 401 || code == 407) && authorizer != nil && !*challenged:
		*challenged = true
		request := tx.Origin().Clone()
		if err := authorizer.AuthorizeRequest(request, res); err != nil {
			ua.log.Errorf("INVITE authorization failed: %v", err)
			ua.handleInviteState(sess, nil, res, session.Failure)
			delete(ua.iss, *sess.CallID())
			return
		}
		if _, err := ua.config.SipStack.Request(request, onResponse, onError); err != nil {
			ua.log.Errorf("INVITE resend failed: %v", err)
			ua.handleInviteState(sess, nil, res, session.Failure)
			delete(ua.iss, *sess.CallID())
		}

	default:
		if sess.Status() == session.Canceled {
			ua.handleInviteState(sess, nil, res, session.Canceled)
		} else {
			ua.handleInviteState(sess, nil, res, session.Failure)
		}
		delete(ua.iss, *sess.CallID())
	}
}

// Hangup finishes a session in whatever state it is.
func (ua *UserAgent) Hangup(sess *session.Session) error {
	if sess.IsEnded() {
		return nil
	}
	return sess.End()
}

func (ua *UserAgent) buildContact(profile *account.Profile) *sip.Address {
	host, port := ua.config.SipStack.Host()
	contact := profile.Contact()
	if contact.Uri.Host == "" || profile.ContactURI == nil {
		contact.Uri.Host = host
		contact.Uri.Port = port
	}
	return contact
}

func (ua *UserAgent) findSession(msg sip.Message) (*session.Session, bool) {
	cid, ok := msg.CallID()
	if !ok {
		return nil, false
	}
	sess, found := ua.iss[*cid]
	return sess, found
}

func (ua *UserAgent) handleInvite(req *sip.Request, tx *transaction.ServerTx) {
	s := ua.config.SipStack

	if sess, found := ua.findSession(req); found {
		// re-INVITE: answer with the current sdp, media unchanged.
		d := sess.Dialog()
		if d == nil || !d.Match(req) {
			ua.respondPlain(tx, req, 481, "")
			return
		}
		if err := d.CheckInbound(req); err != nil {
			ua.respondPlain(tx, req, 500, "Server Internal Error")
			return
		}
		contentType := sip.ContentType("application/sdp")
		res := sip.NewResponseFromRequest(req, 200, "OK", sess.LocalSdp())
		if to, ok := res.To(); ok {
			if _, tagged := to.Address.Tag(); !tagged {
				to.Address.SetTag(sess.LocalTag())
			}
		}
		res.AppendHeader(&contentType)
		if err := tx.Respond(res); err != nil {
			ua.log.Errorf("re-INVITE respond failed: %v", err)
		}
		ua.handleInviteState(sess, req, nil, session.ReInviteReceived)
		return
	}

	if to, ok := req.To(); ok {
		if _, tagged := to.Address.Tag(); tagged {
			// In-dialog INVITE for an unknown dialog.
			ua.respondPlain(tx, req, 481, "")
			return
		}
	}

	cid, ok := req.CallID()
	if !ok {
		ua.respondPlain(tx, req, 400, "Missing Call-ID")
		return
	}

	contact, _ := req.Contact()
	sess := session.NewUAS(s, req, tx, contact, ua.log)
	ua.iss[*cid] = sess
	if err := sess.Provisional(100, "Trying"); err != nil {
		ua.log.Warnf("100 Trying failed: %v", err)
	}
	ua.handleInviteState(sess, req, nil, session.InviteReceived)
}

func (ua *UserAgent) handleACK(req *sip.Request, tx *transaction.ServerTx) {
	if sess, found := ua.findSession(req); found {
		if sess.Status() == session.WaitingForACK {
			ua.handleInviteState(sess, req, nil, session.Confirmed)
		}
	}
}

func (ua *UserAgent) handleBye(req *sip.Request, tx *transaction.ServerTx) {
	sess, found := ua.findSession(req)
	if !found {
		ua.respondPlain(tx, req, 481, "")
		return
	}
	if d := sess.Dialog(); d != nil {
		if err := d.CheckInbound(req); err != nil {
			ua.respondPlain(tx, req, 500, "Server Internal Error")
			return
		}
	}
	ua.respondPlain(tx, req, 200, "OK")
	sess.Terminate()
	ua.handleInviteState(sess, req, nil, session.Terminated)
	delete(ua.iss, *sess.CallID())
}

func (ua *UserAgent) handleCancel(req *sip.Request, tx *transaction.ServerTx) {
	s := ua.config.SipStack

	inviteTx, ok := s.FindInviteTx(req)
	if !ok {
		ua.respondPlain(tx, req, 481, "")
		return
	}
	ua.respondPlain(tx, req, 200, "OK")

	res := sip.NewResponseFromRequest(inviteTx.Origin(), 487, "Request Terminated", "")
	if err := inviteTx.Respond(res); err != nil {
		ua.log.Warnf("487 respond failed: %v", err)
	}

	if sess, found := ua.findSession(req); found {
		sess.SetState(session.Canceled)
		ua.handleInviteState(sess, req, nil, session.Canceled)
		delete(ua.iss, *sess.CallID())
	}
}

func (ua *UserAgent) handleOptions(req *sip.Request, tx *transaction.ServerTx) {
	if _, err := ua.config.SipStack.RespondOnRequest(tx, 200, "OK", "", nil); err != nil {
		ua.log.Warnf("OPTIONS respond failed: %v", err)
	}
}

func (ua *UserAgent) handleInfo(req *sip.Request, tx *transaction.ServerTx) {
	sess, found := ua.findSession(req)
	if !found {
		ua.respondPlain(tx, req, 481, "")
		return
	}
	if d := sess.Dialog(); d != nil {
		if err := d.CheckInbound(req); err != nil {
			ua.respondPlain(tx, req, 500, "Server Internal Error")
			return
		}
	}
	ua.respondPlain(tx, req, 200, "OK")
	if ua.InfoHandler != nil {
		ua.InfoHandler(sess, req)
	}
}

// handleOrphanResponse re-ACKs retransmitted 2xx finals whose client
// transaction is gone.
func (ua *UserAgent) handleOrphanResponse(res *sip.Response) {
	if !res.IsSuccess() {
		return
	}
	cseq, ok := res.CSeq()
	if !ok || cseq.MethodName != sip.INVITE {
		return
	}
	if sess, found := ua.findSession(res); found && sess.Ack() != nil {
		if err := ua.config.SipStack.Send(sess.Ack()); err != nil {
			ua.log.Warnf("re-ACK failed: %v", err)
		}
	}
}

func (ua *UserAgent) respondPlain(tx *transaction.ServerTx, req *sip.Request, code sip.StatusCode, reason string) {
	if tx == nil {
		return
	}
	if reason == "" {
		reason = session.Reason(code)
	}
	res := sip.NewResponseFromRequest(req, code, reason, "")
	if err := tx.Respond(res); err != nil {
		ua.log.Warnf("respond %d failed: %v", code, err)
	}
}

// Shutdown deregisters, ends active sessions and closes the stack.
// Pending teardown signaling is best effort: callers should keep
// driving Loop briefly before exiting.
func (ua *UserAgent) Shutdown() error {
	var firstErr error
	for _, r := range ua.registers {
		if err := r.Deregister(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.Stop()
	}
	ua.registers = nil

	for cid, sess := range ua.iss {
		if err := sess.End(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(ua.iss, cid)
	}

	ua.config.SipStack.Shutdown()
	if firstErr != nil {
		return fmt.Errorf("shutdown: %w", firstErr)
	}
	return nil
}
