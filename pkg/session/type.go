package session

import "github.com/xbitsmaster/lwsip/pkg/sip"

// ReasonPhrase maps status codes to their default reason phrases.
var ReasonPhrase = map[sip.StatusCode]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Moved Temporarily",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	415: "Unsupported Media Type",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	483: "Too Many Hops",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	500: "Server Internal Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	504: "Server Time-out",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
	606: "Not Acceptable",
}

// Reason returns the default reason phrase for code.
func Reason(code sip.StatusCode) string {
	if reason, ok := ReasonPhrase[code]; ok {
		return reason
	}
	return "Unknown"
}

type Status string

const (
	InviteSent       Status = "InviteSent"       // INVITE sent
	InviteReceived   Status = "InviteReceived"   // INVITE received
	ReInviteReceived Status = "ReInviteReceived" // re-INVITE received
	Provisional      Status = "Provisional"      // 1xx received/sent
	EarlyMedia       Status = "EarlyMedia"       // 1xx with sdp
	WaitingForAnswer Status = "WaitingForAnswer"
	WaitingForACK    Status = "WaitingForACK" // 2xx sent/received
	Canceled         Status = "Canceled"
	Confirmed        Status = "Confirmed" // ACK sent/received
	Failure          Status = "Failure"   // rejected or errored
	Terminated       Status = "Terminated"
)

type Direction string

const (
	Outgoing Direction = "Outgoing"
	Incoming Direction = "Incoming"
)
