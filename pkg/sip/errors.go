package sip

import "fmt"

// MalformedMessageError reports an unparseable SIP message or field.
// The offending bytes are dropped; nothing else fails.
type MalformedMessageError struct {
	Reason string
	Msg    string
}

func (err *MalformedMessageError) Error() string {
	return fmt.Sprintf("sip: malformed message: %s", err.Reason)
}

// RequestError is a request that ended in a non-2xx final response or in
// a transaction-level failure synthesized as a status code (408 timeout,
// 503 transport).
type RequestError struct {
	Code     StatusCode
	Reason   string
	Request  *Request
	Response *Response
}

func NewRequestError(code StatusCode, reason string, req *Request, res *Response) *RequestError {
	return &RequestError{Code: code, Reason: reason, Request: req, Response: res}
}

func (err *RequestError) Error() string {
	return fmt.Sprintf("sip: request failed: %d %s", err.Code, err.Reason)
}
