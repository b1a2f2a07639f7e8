package sip

import (
	"bytes"
	"fmt"
	"net"
)

// Message is a parsed SIP request or response.
type Message interface {
	StartLine() string
	String() string
	Short() string

	Headers(name string) []Header
	AllHeaders() []Header
	AppendHeader(h Header)
	PrependHeader(h Header)
	RemoveHeader(name string)
	ReplaceHeader(h Header)

	// Typed accessors for the headers every layer touches.
	ViaHop() (*ViaHop, bool)
	From() (*FromHeader, bool)
	To() (*ToHeader, bool)
	CallID() (*CallID, bool)
	CSeq() (*CSeq, bool)
	Contact() (*ContactHeader, bool)
	ContentLength() (ContentLength, bool)
	Expires() (Expires, bool)

	Body() string
	SetBody(body string, setContentLength bool)

	Source() net.Addr
	SetSource(addr net.Addr)
	Destination() net.Addr
	SetDestination(addr net.Addr)
}

type message struct {
	headers []Header
	body    string
	src     net.Addr
	dst     net.Addr
}

func (msg *message) Headers(name string) []Header {
	name = CanonicalHeaderName(name)
	var out []Header
	for _, h := range msg.headers {
		if h.Name() == name {
			out = append(out, h)
		}
	}
	return out
}

func (msg *message) AllHeaders() []Header { return msg.headers }

func (msg *message) AppendHeader(h Header) {
	msg.headers = append(msg.headers, h)
}

func (msg *message) PrependHeader(h Header) {
	msg.headers = append([]Header{h}, msg.headers...)
}

func (msg *message) RemoveHeader(name string) {
	name = CanonicalHeaderName(name)
	kept := msg.headers[:0]
	for _, h := range msg.headers {
		if h.Name() != name {
			kept = append(kept, h)
		}
	}
	msg.headers = kept
}

// ReplaceHeader swaps the first header of the same name in place,
// appending when absent.
func (msg *message) ReplaceHeader(h Header) {
	for i, old := range msg.headers {
		if old.Name() == h.Name() {
			msg.headers[i] = h
			return
		}
	}
	msg.headers = append(msg.headers, h)
}

func (msg *message) ViaHop() (*ViaHop, bool) {
	for _, h := range msg.headers {
		if via, ok := h.(ViaHeader); ok && len(via) > 0 {
			return via[0], true
		}
	}
	return nil, false
}

func (msg *message) From() (*FromHeader, bool) {
	for _, h := range msg.headers {
		if from, ok := h.(*FromHeader); ok {
			return from, true
		}
	}
	return nil, false
}

func (msg *message) To() (*ToHeader, bool) {
	for _, h := range msg.headers {
		if to, ok := h.(*ToHeader); ok {
			return to, true
		}
	}
	return nil, false
}

func (msg *message) CallID() (*CallID, bool) {
	for _, h := range msg.headers {
		if cid, ok := h.(*CallID); ok {
			return cid, true
		}
	}
	return nil, false
}

func (msg *message) CSeq() (*CSeq, bool) {
	for _, h := range msg.headers {
		if cseq, ok := h.(*CSeq); ok {
			return cseq, true
		}
	}
	return nil, false
}

func (msg *message) Contact() (*ContactHeader, bool) {
	for _, h := range msg.headers {
		if contact, ok := h.(*ContactHeader); ok {
			return contact, true
		}
	}
	return nil, false
}

func (msg *message) ContentLength() (ContentLength, bool) {
	for _, h := range msg.headers {
		if cl, ok := h.(*ContentLength); ok {
			return *cl, true
		}
	}
	return 0, false
}

func (msg *message) Expires() (Expires, bool) {
	for _, h := range msg.headers {
		if e, ok := h.(*Expires); ok {
			return *e, true
		}
	}
	return 0, false
}

func (msg *message) Body() string { return msg.body }

func (msg *message) SetBody(body string, setContentLength bool) {
	msg.body = body
	if setContentLength {
		length := ContentLength(len(body))
		msg.ReplaceHeader(&length)
	}
}

func (msg *message) Source() net.Addr            { return msg.src }
func (msg *message) SetSource(addr net.Addr)     { msg.src = addr }
func (msg *message) Destination() net.Addr       { return msg.dst }
func (msg *message) SetDestination(addr net.Addr) { msg.dst = addr }

func (msg *message) render(startLine string) string {
	var buf bytes.Buffer
	buf.WriteString(startLine)
	buf.WriteString("\r\n")
	for _, h := range msg.headers {
		buf.WriteString(h.String())
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(msg.body)
	return buf.String()
}

func (msg *message) cloneHeadersInto(dst *message) {
	dst.headers = make([]Header, len(msg.headers))
	for i, h := range msg.headers {
		dst.headers[i] = h.Clone()
	}
	dst.body = msg.body
	dst.src = msg.src
	dst.dst = msg.dst
}

// Request is a SIP request.
type Request struct {
	message
	method    RequestMethod
	recipient *Uri
}

func (req *Request) Method() RequestMethod { return req.method }
func (req *Request) Recipient() *Uri       { return req.recipient }
func (req *Request) SetRecipient(uri *Uri) { req.recipient = uri }
func (req *Request) IsInvite() bool        { return req.method == INVITE }
func (req *Request) IsAck() bool           { return req.method == ACK }

func (req *Request) StartLine() string {
	return fmt.Sprintf("%s %s SIP/2.0", req.method, req.recipient)
}

func (req *Request) String() string { return req.render(req.StartLine()) }

func (req *Request) Short() string {
	if cid, ok := req.CallID(); ok {
		return fmt.Sprintf("request %s (call-id %s)", req.method, string(*cid))
	}
	return fmt.Sprintf("request %s", req.method)
}

func (req *Request) Clone() *Request {
	clone := &Request{method: req.method, recipient: req.recipient.Clone()}
	req.cloneHeadersInto(&clone.message)
	return clone
}

// Response is a SIP response.
type Response struct {
	message
	statusCode StatusCode
	reason     string
}

func (res *Response) StatusCode() StatusCode { return res.statusCode }
func (res *Response) Reason() string         { return res.reason }

func (res *Response) IsProvisional() bool {
	return res.statusCode >= 100 && res.statusCode < 200
}

func (res *Response) IsSuccess() bool {
	return res.statusCode >= 200 && res.statusCode < 300
}

func (res *Response) StartLine() string {
	return fmt.Sprintf("SIP/2.0 %d %s", res.statusCode, res.reason)
}

func (res *Response) String() string { return res.render(res.StartLine()) }

func (res *Response) Short() string {
	if cseq, ok := res.CSeq(); ok {
		return fmt.Sprintf("response %d %s to %s", res.statusCode, res.reason, cseq.MethodName)
	}
	return fmt.Sprintf("response %d %s", res.statusCode, res.reason)
}

func (res *Response) Clone() *Response {
	clone := &Response{statusCode: res.statusCode, reason: res.reason}
	res.cloneHeadersInto(&clone.message)
	return clone
}
