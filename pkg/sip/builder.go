package sip

import (
	"fmt"

	"github.com/xbitsmaster/lwsip/pkg/utils"
)

// RFC3261BranchMagicCookie marks RFC 3261 compliant branch parameters.
const RFC3261BranchMagicCookie = "z9hG4bK"

// GenerateBranch returns a fresh RFC 3261 branch parameter.
func GenerateBranch() string {
	return fmt.Sprintf("%s.%s", RFC3261BranchMagicCookie, utils.RandString(16))
}

// NewRequest assembles a request with the given start line and headers.
// Via, From, To, Call-ID, CSeq and Max-Forwards are appended in that
// order; the caller appends Contact and body afterwards.
func NewRequest(
	method RequestMethod,
	recipient *Uri,
	via *ViaHop,
	from *Address,
	to *Address,
	callID CallID,
	seqNo uint32,
) *Request {
	req := &Request{method: method, recipient: recipient}
	req.AppendHeader(ViaHeader{via})
	req.AppendHeader(&FromHeader{Address: from})
	req.AppendHeader(&ToHeader{Address: to})
	cid := callID
	req.AppendHeader(&cid)
	req.AppendHeader(&CSeq{SeqNo: seqNo, MethodName: method})
	maxFwd := MaxForwards(70)
	req.AppendHeader(&maxFwd)
	length := ContentLength(0)
	req.AppendHeader(&length)
	return req
}

// NewResponseFromRequest builds a response per RFC 3261 §8.2.6: Via,
// From, To (tag custody stays with the caller), Call-ID, CSeq and any
// Record-Route are copied from the request.
func NewResponseFromRequest(req *Request, code StatusCode, reason string, body string) *Response {
	res := &Response{statusCode: code, reason: reason}
	for _, h := range req.Headers("Via") {
		res.AppendHeader(h.Clone())
	}
	for _, h := range req.Headers("Record-Route") {
		res.AppendHeader(h.Clone())
	}
	if from, ok := req.From(); ok {
		res.AppendHeader(from.Clone())
	}
	if to, ok := req.To(); ok {
		res.AppendHeader(to.Clone())
	}
	if cid, ok := req.CallID(); ok {
		res.AppendHeader(cid.Clone())
	}
	if cseq, ok := req.CSeq(); ok {
		res.AppendHeader(cseq.Clone())
	}
	res.SetBody(body, true)
	res.SetDestination(req.Source())
	return res
}

// NewAckRequest builds the ACK a client transaction sends for a non-2xx
// final response (RFC 3261 §17.1.1.3): same branch, same Request-URI,
// To taken from the response.
func NewAckRequest(invite *Request, res *Response) *Request {
	ack := &Request{method: ACK, recipient: invite.Recipient().Clone()}
	if via, ok := invite.ViaHop(); ok {
		ack.AppendHeader(ViaHeader{via.Clone()})
	}
	for _, h := range invite.Headers("Route") {
		ack.AppendHeader(h.Clone())
	}
	if from, ok := invite.From(); ok {
		ack.AppendHeader(from.Clone())
	}
	if to, ok := res.To(); ok {
		ack.AppendHeader(to.Clone())
	}
	if cid, ok := invite.CallID(); ok {
		ack.AppendHeader(cid.Clone())
	}
	if cseq, ok := invite.CSeq(); ok {
		ackCSeq := cseq.Clone().(*CSeq)
		ackCSeq.MethodName = ACK
		ack.AppendHeader(ackCSeq)
	}
	maxFwd := MaxForwards(70)
	ack.AppendHeader(&maxFwd)
	ack.SetBody("", true)
	ack.SetDestination(invite.Destination())
	return ack
}

// NewCancelRequest builds a CANCEL for a pending INVITE (RFC 3261 §9.1):
// identical Request-URI, Call-ID, From, To and branch; CSeq method CANCEL
// with the same sequence number.
func NewCancelRequest(invite *Request) *Request {
	cancel := &Request{method: CANCEL, recipient: invite.Recipient().Clone()}
	if via, ok := invite.ViaHop(); ok {
		cancel.AppendHeader(ViaHeader{via.Clone()})
	}
	for _, h := range invite.Headers("Route") {
		cancel.AppendHeader(h.Clone())
	}
	if from, ok := invite.From(); ok {
		cancel.AppendHeader(from.Clone())
	}
	if to, ok := invite.To(); ok {
		cancel.AppendHeader(to.Clone())
	}
	if cid, ok := invite.CallID(); ok {
		cancel.AppendHeader(cid.Clone())
	}
	if cseq, ok := invite.CSeq(); ok {
		cancelCSeq := cseq.Clone().(*CSeq)
		cancelCSeq.MethodName = CANCEL
		cancel.AppendHeader(cancelCSeq)
	}
	maxFwd := MaxForwards(70)
	cancel.AppendHeader(&maxFwd)
	cancel.SetBody("", true)
	cancel.SetDestination(invite.Destination())
	return cancel
}
