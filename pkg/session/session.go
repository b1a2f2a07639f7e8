package session

import (
	"fmt"

	"github.com/xbitsmaster/lwsip/pkg/dialog"
	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/stack"
	"github.com/xbitsmaster/lwsip/pkg/transaction"
	"github.com/xbitsmaster/lwsip/pkg/utils"
)

// Session is one SIP call leg: the INVITE usage from first request to
// dialog teardown, with offer/answer custody. State transitions are
// driven by the UserAgent; the session owns the respond/send plumbing.
type Session struct {
	stack     *stack.SipStack
	status    Status
	direction Direction
	callID    sip.CallID

	offer  string
	answer string

	request  *sip.Request
	response *sip.Response

	serverTx *transaction.ServerTx
	clientTx *transaction.ClientTx

	dlg      *dialog.Dialog
	contact  *sip.ContactHeader
	localTag string

	// ack is the dialog ACK sent for a 2xx, kept for retransmission
	// when the 2xx arrives again.
	ack *sip.Request

	logger log.Logger
}

// NewUAS creates the session for an incoming INVITE.
func NewUAS(s *stack.SipStack, req *sip.Request, tx *transaction.ServerTx,
	contact *sip.ContactHeader, logger log.Logger) *Session {
	cid, _ := req.CallID()
	sess := &Session{
		stack:     s,
		status:    InviteReceived,
		direction: Incoming,
		callID:    *cid,
		offer:     req.Body(),
		request:   req,
		serverTx:  tx,
		contact:   contact,
		localTag:  utils.RandString(8),
		logger:    logger.WithPrefix("Session"),
	}
	return sess
}

// NewUAC creates the session for an outgoing INVITE.
func NewUAC(s *stack.SipStack, req *sip.Request, tx *transaction.ClientTx,
	contact *sip.ContactHeader, logger log.Logger) *Session {
	cid, _ := req.CallID()
	sess := &Session{
		stack:     s,
		status:    InviteSent,
		direction: Outgoing,
		callID:    *cid,
		offer:     req.Body(),
		request:   req,
		clientTx:  tx,
		contact:   contact,
		logger:    logger.WithPrefix("Session"),
	}
	return sess
}

func (s *Session) Log() log.Logger { return s.logger }

func (s *Session) String() string {
	return fmt.Sprintf("%s session %s [%s]", s.direction, s.callID, s.status)
}

func (s *Session) CallID() *sip.CallID     { return &s.callID }
func (s *Session) Request() *sip.Request   { return s.request }
func (s *Session) Response() *sip.Response { return s.response }
func (s *Session) Direction() Direction    { return s.direction }
func (s *Session) Status() Status          { return s.status }
func (s *Session) SetState(status Status)  { s.status = status }
func (s *Session) Dialog() *dialog.Dialog  { return s.dlg }
func (s *Session) LocalTag() string        { return s.localTag }

func (s *Session) LocalSdp() string {
	if s.direction == Outgoing {
		return s.offer
	}
	return s.answer
}

func (s *Session) RemoteSdp() string {
	if s.direction == Incoming {
		return s.offer
	}
	return s.answer
}

// GetEarlyMedia returns the remote sdp carried by a provisional
// response, if any.
func (s *Session) GetEarlyMedia() string { return s.answer }

func (s *Session) ProvideOffer(sdp string)  { s.offer = sdp }
func (s *Session) ProvideAnswer(sdp string) { s.answer = sdp }

func (s *Session) IsInProgress() bool {
	switch s.status {
	case InviteSent, Provisional, EarlyMedia, InviteReceived, WaitingForAnswer:
		return true
	default:
		return false
	}
}

func (s *Session) IsEstablished() bool {
	switch s.status {
	case WaitingForACK, Confirmed:
		return true
	default:
		return false
	}
}

func (s *Session) IsEnded() bool {
	switch s.status {
	case Failure, Canceled, Terminated:
		return true
	default:
		return false
	}
}

func (s *Session) StoreRequest(request *sip.Request) { s.request = request }
func (s *Session) StoreResponse(response *sip.Response) {
	if s.direction == Outgoing && len(response.Body()) > 0 {
		s.answer = response.Body()
	}
	s.response = response
}

// StoreDialog attaches the dialog once the first To-tagged response is
// seen (UAC) or the first response is sent (UAS).
func (s *Session) StoreDialog(d *dialog.Dialog) { s.dlg = d }

// StoreAck keeps the dialog ACK for 2xx retransmissions.
func (s *Session) StoreAck(ack *sip.Request) { s.ack = ack }
func (s *Session) Ack() *sip.Request         { return s.ack }

// Provisional sends a 1xx through the server transaction, with the
// current answer as early media when present.
func (s *Session) Provisional(statusCode sip.StatusCode, reason string) error {
	if s.serverTx == nil {
		return fmt.Errorf("session: not a UAS session")
	}
	body := ""
	var headers []sip.Header
	if statusCode > 100 && len(s.answer) > 0 {
		body = s.answer
		contentType := sip.ContentType("application/sdp")
		headers = append(headers, &contentType)
	}
	headers = append(headers, s.contactHeader())
	res, err := s.respondTagged(statusCode, reason, body, headers)
	if err != nil {
		return err
	}
	s.response = res
	if statusCode > 100 {
		s.status = WaitingForAnswer
	}
	return nil
}

// Accept answers an incoming INVITE with a 2xx carrying the provided
// answer sdp.
func (s *Session) Accept(statusCode sip.StatusCode) error {
	if s.serverTx == nil {
		return fmt.Errorf("session: not a UAS session")
	}
	if len(s.answer) == 0 {
		return fmt.Errorf("session: no answer sdp provided")
	}

	contentType := sip.ContentType("application/sdp")
	res, err := s.respondTagged(statusCode, Reason(statusCode), s.answer,
		[]sip.Header{&contentType, s.contactHeader()})
	if err != nil {
		return err
	}
	s.response = res

	if s.dlg == nil {
		d, err := dialog.NewUAS(s.request, s.localTag, s.logger)
		if err != nil {
			return err
		}
		s.dlg = d
	}
	s.status = WaitingForACK
	return nil
}

// Reject declines an incoming INVITE or re-INVITE.
func (s *Session) Reject(statusCode sip.StatusCode, reason string) error {
	if s.serverTx == nil {
		return fmt.Errorf("session: not a UAS session")
	}
	if reason == "" {
		reason = Reason(statusCode)
	}
	res, err := s.respondTagged(statusCode, reason, "", nil)
	if err != nil {
		return err
	}
	s.response = res
	s.status = Failure
	return nil
}

// Bye tears down a confirmed dialog.
func (s *Session) Bye() error {
	if s.dlg == nil {
		return fmt.Errorf("session: no dialog to tear down")
	}
	bye := s.dlg.MakeRequest(sip.BYE, s.stack.ViaHop())
	_, err := s.stack.Request(bye,
		func(tx *transaction.ClientTx, res *sip.Response) {
			if !res.IsProvisional() {
				s.finish()
			}
		},
		func(tx *transaction.ClientTx, err error) {
			s.logger.Warnf("BYE failed: %v", err)
			s.finish()
		})
	return err
}

// Cancel aborts a pending outgoing INVITE.
func (s *Session) Cancel() error {
	if s.clientTx == nil {
		return fmt.Errorf("session: not a UAC session")
	}
	cancel := sip.NewCancelRequest(s.clientTx.Origin())
	_, err := s.stack.Request(cancel, func(tx *transaction.ClientTx, res *sip.Response) {}, nil)
	if err != nil {
		return err
	}
	s.status = Canceled
	return nil
}

// Info sends an in-dialog INFO with the given payload.
func (s *Session) Info(content string, contentType string) error {
	if s.dlg == nil {
		return fmt.Errorf("session: no dialog for INFO")
	}
	req := s.dlg.MakeRequest(sip.INFO, s.stack.ViaHop())
	hdr := sip.ContentType(contentType)
	req.AppendHeader(&hdr)
	req.SetBody(content, true)
	_, err := s.stack.Request(req, func(tx *transaction.ClientTx, res *sip.Response) {}, nil)
	return err
}

// ReInvite re-offers the current sdp inside the dialog.
func (s *Session) ReInvite() error {
	if s.dlg == nil {
		return fmt.Errorf("session: no dialog for re-INVITE")
	}
	req := s.dlg.MakeRequest(sip.INVITE, s.stack.ViaHop())
	hdr := sip.ContentType("application/sdp")
	req.AppendHeader(&hdr)
	req.SetBody(s.offer, true)
	_, err := s.stack.Request(req,
		func(tx *transaction.ClientTx, res *sip.Response) {
			if res.IsSuccess() {
				cseq, _ := req.CSeq()
				ack := s.dlg.MakeAck(cseq.SeqNo, s.stack.ViaHop())
				if err := s.stack.Send(ack); err != nil {
					s.logger.Warnf("re-INVITE ACK failed: %v", err)
				}
			}
		}, nil)
	return err
}

// End finishes the session whatever its state: CANCEL while the INVITE
// is pending, reject while an incoming INVITE waits, BYE once
// established, no-op when already ended.
func (s *Session) End() error {
	switch s.status {
	case InviteSent, Provisional, EarlyMedia:
		if s.direction == Outgoing {
			return s.Cancel()
		}
		return s.Reject(603, "Decline")
	case InviteReceived, WaitingForAnswer:
		return s.Reject(603, "Decline")
	case WaitingForACK, Confirmed:
		return s.Bye()
	default:
		return nil
	}
}

func (s *Session) finish() {
	if s.dlg != nil {
		s.dlg.Terminate()
	}
	s.status = Terminated
}

// Terminate marks the session ended without signaling (remote BYE,
// transaction failure).
func (s *Session) Terminate() { s.finish() }

func (s *Session) contactHeader() *sip.ContactHeader {
	if s.contact != nil {
		return s.contact
	}
	to, _ := s.request.To()
	return &sip.ContactHeader{Address: &sip.Address{Uri: to.Address.Uri.Clone(), Params: sip.NewParams()}}
}

// respondTagged responds through the server transaction with the local
// tag applied to To.
func (s *Session) respondTagged(statusCode sip.StatusCode, reason, body string, headers []sip.Header) (*sip.Response, error) {
	res := sip.NewResponseFromRequest(s.serverTx.Origin(), statusCode, reason, body)
	if statusCode != 100 {
		if to, ok := res.To(); ok {
			if _, tagged := to.Address.Tag(); !tagged {
				to.Address.SetTag(s.localTag)
			}
		}
	}
	for _, h := range headers {
		res.AppendHeader(h)
	}
	if err := s.serverTx.Respond(res); err != nil {
		return nil, err
	}
	return res, nil
}
