package sip

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMessage parses one SIP message from a datagram. CRLF line endings
// are produced on output; bare LF is tolerated on input.
func ParseMessage(data []byte) (Message, error) {
	raw := string(data)

	// Split before normalizing: the body is passed through byte for
	// byte, only the head tolerates bare LF.
	var head, body string
	sep, skip := strings.Index(raw, "\r\n\r\n"), 4
	if lf := strings.Index(raw, "\n\n"); lf >= 0 && (sep < 0 || lf < sep) {
		sep, skip = lf, 2
	}
	if sep >= 0 {
		head = raw[:sep]
		body = raw[sep+skip:]
	} else {
		head = raw
	}
	head = strings.ReplaceAll(head, "\r\n", "\n")
	head = strings.TrimRight(head, "\r\n")

	lines := unfoldLines(strings.Split(head, "\n"))
	if len(lines) == 0 || lines[0] == "" {
		return nil, &MalformedMessageError{Reason: "empty message"}
	}

	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, err
	}

	base := messageOf(msg)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, &MalformedMessageError{Reason: fmt.Sprintf("header line without colon: %q", line)}
		}
		name := CanonicalHeaderName(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		headers, err := parseHeader(name, value)
		if err != nil {
			return nil, err
		}
		for _, h := range headers {
			base.AppendHeader(h)
		}
	}

	if cl, ok := base.ContentLength(); ok && int(cl) <= len(body) {
		body = body[:int(cl)]
	}
	base.body = body
	return msg, nil
}

func messageOf(msg Message) *message {
	switch m := msg.(type) {
	case *Request:
		return &m.message
	case *Response:
		return &m.message
	}
	return nil
}

// unfoldLines joins continuation lines (leading SP/HT) onto the previous
// header line.
func unfoldLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1] += " " + strings.TrimSpace(line)
			continue
		}
		out = append(out, line)
	}
	return out
}

func parseStartLine(line string) (Message, error) {
	if strings.HasPrefix(line, "SIP/2.0 ") {
		rest := line[len("SIP/2.0 "):]
		sp := strings.IndexByte(rest, ' ')
		code := rest
		reason := ""
		if sp >= 0 {
			code = rest[:sp]
			reason = rest[sp+1:]
		}
		status, err := strconv.Atoi(code)
		if err != nil || status < 100 || status > 699 {
			return nil, &MalformedMessageError{Reason: fmt.Sprintf("bad status line %q", line)}
		}
		return &Response{statusCode: StatusCode(status), reason: reason}, nil
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[2] != "SIP/2.0" {
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("bad request line %q", line)}
	}
	uri, err := ParseUri(parts[1])
	if err != nil {
		return nil, err
	}
	return &Request{
		method:    RequestMethod(strings.ToUpper(parts[0])),
		recipient: uri,
	}, nil
}

func parseHeader(name, value string) ([]Header, error) {
	switch name {
	case "Via":
		return parseViaHeader(value)
	case "From":
		addr, err := ParseAddress(value)
		if err != nil {
			return nil, err
		}
		return []Header{&FromHeader{Address: addr}}, nil
	case "To":
		addr, err := ParseAddress(value)
		if err != nil {
			return nil, err
		}
		return []Header{&ToHeader{Address: addr}}, nil
	case "Contact":
		if value == "*" {
			return []Header{&GenericHeader{HeaderName: name, Contents: value}}, nil
		}
		var out []Header
		for _, item := range splitTopLevel(value, ',') {
			addr, err := ParseAddress(item)
			if err != nil {
				return nil, err
			}
			out = append(out, &ContactHeader{Address: addr})
		}
		return out, nil
	case "Route":
		var out []Header
		for _, item := range splitTopLevel(value, ',') {
			addr, err := ParseAddress(item)
			if err != nil {
				return nil, err
			}
			out = append(out, &RouteHeader{Address: addr})
		}
		return out, nil
	case "Record-Route":
		var out []Header
		for _, item := range splitTopLevel(value, ',') {
			addr, err := ParseAddress(item)
			if err != nil {
				return nil, err
			}
			out = append(out, &RecordRouteHeader{Address: addr})
		}
		return out, nil
	case "Call-ID":
		cid := CallID(value)
		return []Header{&cid}, nil
	case "CSeq":
		parts := strings.Fields(value)
		if len(parts) != 2 {
			return nil, &MalformedMessageError{Reason: fmt.Sprintf("bad CSeq %q", value)}
		}
		seq, err := parseUint32(parts[0], "CSeq")
		if err != nil {
			return nil, err
		}
		return []Header{&CSeq{SeqNo: seq, MethodName: RequestMethod(strings.ToUpper(parts[1]))}}, nil
	case "Max-Forwards":
		v, err := parseUint32(value, "Max-Forwards")
		if err != nil {
			return nil, err
		}
		mf := MaxForwards(v)
		return []Header{&mf}, nil
	case "Expires":
		v, err := parseUint32(value, "Expires")
		if err != nil {
			return nil, err
		}
		e := Expires(v)
		return []Header{&e}, nil
	case "Content-Length":
		v, err := parseUint32(value, "Content-Length")
		if err != nil {
			return nil, err
		}
		cl := ContentLength(v)
		return []Header{&cl}, nil
	case "Content-Type":
		ct := ContentType(value)
		return []Header{&ct}, nil
	case "User-Agent":
		ua := UserAgentHeader(value)
		return []Header{&ua}, nil
	case "Allow":
		var allow AllowHeader
		for _, m := range strings.Split(value, ",") {
			m = strings.TrimSpace(m)
			if m != "" {
				allow = append(allow, RequestMethod(strings.ToUpper(m)))
			}
		}
		return []Header{allow}, nil
	default:
		return []Header{&GenericHeader{HeaderName: name, Contents: value}}, nil
	}
}

func parseViaHeader(value string) ([]Header, error) {
	var via ViaHeader
	for _, item := range splitTopLevel(value, ',') {
		hop, err := parseViaHop(item)
		if err != nil {
			return nil, err
		}
		via = append(via, hop)
	}
	if len(via) == 0 {
		return nil, &MalformedMessageError{Reason: "empty Via header"}
	}
	return []Header{via}, nil
}

func parseViaHop(raw string) (*ViaHop, error) {
	s := strings.TrimSpace(raw)
	sp := strings.IndexByte(s, ' ')
	if sp < 0 {
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("bad Via hop %q", raw)}
	}
	proto := strings.Split(s[:sp], "/")
	if len(proto) != 3 {
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("bad Via protocol in %q", raw)}
	}
	hop := &ViaHop{
		ProtocolName:    proto[0],
		ProtocolVersion: proto[1],
		Transport:       strings.ToUpper(proto[2]),
		Params:          NewParams(),
	}
	rest := strings.TrimSpace(s[sp+1:])
	if idx := strings.IndexByte(rest, ';'); idx >= 0 {
		hop.Params = ParseParams(rest[idx+1:], ';')
		rest = rest[:idx]
	}
	if colon := strings.LastIndexByte(rest, ':'); colon >= 0 && !strings.Contains(rest, "]") {
		port, err := strconv.Atoi(rest[colon+1:])
		if err != nil || port <= 0 || port > 0xFFFF {
			return nil, &MalformedMessageError{Reason: fmt.Sprintf("bad Via port in %q", raw)}
		}
		hop.Port = port
		rest = rest[:colon]
	}
	if rest == "" {
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("missing Via host in %q", raw)}
	}
	hop.Host = rest
	return hop, nil
}

// splitTopLevel splits on sep outside double quotes and angle brackets,
// so display names and URI headers survive.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	depth := 0
	inQuotes := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case '<':
			if !inQuotes {
				depth++
			}
		case '>':
			if !inQuotes && depth > 0 {
				depth--
			}
		case sep:
			if !inQuotes && depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" {
		out = append(out, last)
	}
	return out
}
