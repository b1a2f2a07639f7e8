package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// RequestMethod is an uppercase SIP method name.
type RequestMethod string

const (
	INVITE   RequestMethod = "INVITE"
	ACK      RequestMethod = "ACK"
	CANCEL   RequestMethod = "CANCEL"
	BYE      RequestMethod = "BYE"
	REGISTER RequestMethod = "REGISTER"
	OPTIONS  RequestMethod = "OPTIONS"
	INFO     RequestMethod = "INFO"
)

// StatusCode is a SIP response status code.
type StatusCode int

// A Header is one message header; String renders the full line without CRLF.
type Header interface {
	Name() string
	String() string
	Clone() Header
}

// compactForms maps short header names (RFC 3261 §7.3.3) to long ones.
var compactForms = map[string]string{
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"v": "Via",
	"m": "Contact",
	"c": "Content-Type",
	"l": "Content-Length",
}

// CanonicalHeaderName normalizes a wire header name, expanding compact forms.
func CanonicalHeaderName(name string) string {
	name = strings.TrimSpace(name)
	if long, ok := compactForms[strings.ToLower(name)]; ok {
		return long
	}
	switch strings.ToLower(name) {
	case "via":
		return "Via"
	case "from":
		return "From"
	case "to":
		return "To"
	case "call-id":
		return "Call-ID"
	case "cseq":
		return "CSeq"
	case "contact":
		return "Contact"
	case "route":
		return "Route"
	case "record-route":
		return "Record-Route"
	case "max-forwards":
		return "Max-Forwards"
	case "expires":
		return "Expires"
	case "content-type":
		return "Content-Type"
	case "content-length":
		return "Content-Length"
	case "www-authenticate":
		return "WWW-Authenticate"
	case "authorization":
		return "Authorization"
	case "proxy-authenticate":
		return "Proxy-Authenticate"
	case "proxy-authorization":
		return "Proxy-Authorization"
	case "user-agent":
		return "User-Agent"
	case "allow":
		return "Allow"
	}
	return name
}

// --- Via ---

// ViaHop is one hop of a Via header.
type ViaHop struct {
	ProtocolName    string // "SIP"
	ProtocolVersion string // "2.0"
	Transport       string // "UDP"
	Host            string
	Port            int
	Params          *Params
}

func (hop *ViaHop) Branch() (string, bool) {
	return hop.Params.Get("branch")
}

func (hop *ViaHop) SentBy() string {
	if hop.Port > 0 {
		return fmt.Sprintf("%s:%d", hop.Host, hop.Port)
	}
	return hop.Host
}

func (hop *ViaHop) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s/%s/%s %s", hop.ProtocolName, hop.ProtocolVersion, hop.Transport, hop.Host)
	if hop.Port > 0 {
		fmt.Fprintf(&buf, ":%d", hop.Port)
	}
	if hop.Params.Length() > 0 {
		buf.WriteByte(';')
		buf.WriteString(hop.Params.ToString(';'))
	}
	return buf.String()
}

func (hop *ViaHop) Clone() *ViaHop {
	clone := *hop
	clone.Params = hop.Params.Clone()
	return &clone
}

// ViaHeader holds the hops of one Via header line, topmost first.
type ViaHeader []*ViaHop

func (via ViaHeader) Name() string { return "Via" }

func (via ViaHeader) String() string {
	hops := make([]string, len(via))
	for i, hop := range via {
		hops[i] = hop.String()
	}
	return "Via: " + strings.Join(hops, ", ")
}

func (via ViaHeader) Clone() Header {
	clone := make(ViaHeader, len(via))
	for i, hop := range via {
		clone[i] = hop.Clone()
	}
	return clone
}

// --- address headers ---

type FromHeader struct {
	Address *Address
}

func (h *FromHeader) Name() string   { return "From" }
func (h *FromHeader) String() string { return "From: " + h.Address.String() }
func (h *FromHeader) Clone() Header  { return &FromHeader{Address: h.Address.Clone()} }

type ToHeader struct {
	Address *Address
}

func (h *ToHeader) Name() string   { return "To" }
func (h *ToHeader) String() string { return "To: " + h.Address.String() }
func (h *ToHeader) Clone() Header  { return &ToHeader{Address: h.Address.Clone()} }

type ContactHeader struct {
	Address *Address
}

func (h *ContactHeader) Name() string   { return "Contact" }
func (h *ContactHeader) String() string { return "Contact: " + h.Address.String() }
func (h *ContactHeader) Clone() Header  { return &ContactHeader{Address: h.Address.Clone()} }

type RouteHeader struct {
	Address *Address
}

func (h *RouteHeader) Name() string   { return "Route" }
func (h *RouteHeader) String() string { return "Route: " + h.Address.String() }
func (h *RouteHeader) Clone() Header  { return &RouteHeader{Address: h.Address.Clone()} }

type RecordRouteHeader struct {
	Address *Address
}

func (h *RecordRouteHeader) Name() string   { return "Record-Route" }
func (h *RecordRouteHeader) String() string { return "Record-Route: " + h.Address.String() }
func (h *RecordRouteHeader) Clone() Header  { return &RecordRouteHeader{Address: h.Address.Clone()} }

// --- scalar headers ---

type CallID string

func (h *CallID) Name() string   { return "Call-ID" }
func (h *CallID) String() string { return "Call-ID: " + string(*h) }
func (h *CallID) Clone() Header  { c := *h; return &c }

type CSeq struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeq) Name() string   { return "CSeq" }
func (h *CSeq) String() string { return fmt.Sprintf("CSeq: %d %s", h.SeqNo, h.MethodName) }
func (h *CSeq) Clone() Header  { c := *h; return &c }

type MaxForwards uint32

func (h *MaxForwards) Name() string   { return "Max-Forwards" }
func (h *MaxForwards) String() string { return fmt.Sprintf("Max-Forwards: %d", uint32(*h)) }
func (h *MaxForwards) Clone() Header  { c := *h; return &c }

type Expires uint32

func (h *Expires) Name() string   { return "Expires" }
func (h *Expires) String() string { return fmt.Sprintf("Expires: %d", uint32(*h)) }
func (h *Expires) Clone() Header  { c := *h; return &c }

type ContentLength uint32

func (h *ContentLength) Name() string   { return "Content-Length" }
func (h *ContentLength) String() string { return fmt.Sprintf("Content-Length: %d", uint32(*h)) }
func (h *ContentLength) Clone() Header  { c := *h; return &c }

type ContentType string

func (h *ContentType) Name() string   { return "Content-Type" }
func (h *ContentType) String() string { return "Content-Type: " + string(*h) }
func (h *ContentType) Clone() Header  { c := *h; return &c }

type UserAgentHeader string

func (h *UserAgentHeader) Name() string   { return "User-Agent" }
func (h *UserAgentHeader) String() string { return "User-Agent: " + string(*h) }
func (h *UserAgentHeader) Clone() Header  { c := *h; return &c }

type AllowHeader []RequestMethod

func (h AllowHeader) Name() string { return "Allow" }
func (h AllowHeader) String() string {
	methods := make([]string, len(h))
	for i, m := range h {
		methods[i] = string(m)
	}
	return "Allow: " + strings.Join(methods, ", ")
}
func (h AllowHeader) Clone() Header {
	clone := make(AllowHeader, len(h))
	copy(clone, h)
	return clone
}

// GenericHeader preserves headers this stack does not model, verbatim.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) Name() string   { return h.HeaderName }
func (h *GenericHeader) String() string { return h.HeaderName + ": " + h.Contents }
func (h *GenericHeader) Clone() Header  { c := *h; return &c }

func parseUint32(s string, what string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, &MalformedMessageError{Reason: fmt.Sprintf("bad %s value %q", what, s)}
	}
	return uint32(v), nil
}
