package sip

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Uri is a sip: or sips: URI. Port 0 means no explicit port.
type Uri struct {
	Encrypted bool
	User      string
	Password  string
	Host      string
	Port      int
	UriParams *Params
	Headers   *Params
}

func (uri *Uri) Scheme() string {
	if uri.Encrypted {
		return "sips"
	}
	return "sip"
}

func (uri *Uri) String() string {
	var buf bytes.Buffer
	buf.WriteString(uri.Scheme())
	buf.WriteByte(':')
	if uri.User != "" {
		buf.WriteString(uri.User)
		if uri.Password != "" {
			buf.WriteByte(':')
			buf.WriteString(uri.Password)
		}
		buf.WriteByte('@')
	}
	buf.WriteString(uri.Host)
	if uri.Port > 0 {
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(uri.Port))
	}
	if uri.UriParams.Length() > 0 {
		buf.WriteByte(';')
		buf.WriteString(uri.UriParams.ToString(';'))
	}
	if uri.Headers.Length() > 0 {
		buf.WriteByte('?')
		buf.WriteString(uri.Headers.ToString('&'))
	}
	return buf.String()
}

func (uri *Uri) Clone() *Uri {
	if uri == nil {
		return nil
	}
	clone := *uri
	clone.UriParams = uri.UriParams.Clone()
	clone.Headers = uri.Headers.Clone()
	return &clone
}

// Equals compares per RFC 3261 §19.1.4 essentials: host is
// case-insensitive, user is case-sensitive.
func (uri *Uri) Equals(other *Uri) bool {
	if uri == nil || other == nil {
		return uri == other
	}
	return uri.Encrypted == other.Encrypted &&
		uri.User == other.User &&
		strings.EqualFold(uri.Host, other.Host) &&
		uri.Port == other.Port
}

// ParseUri parses a sip:/sips: URI. A bare "host:port" or "host" is
// accepted and treated as a sip: URI.
func ParseUri(raw string) (*Uri, error) {
	s := strings.TrimSpace(raw)
	uri := &Uri{}
	switch {
	case strings.HasPrefix(s, "sips:"):
		uri.Encrypted = true
		s = s[len("sips:"):]
	case strings.HasPrefix(s, "sip:"):
		s = s[len("sip:"):]
	}
	if s == "" {
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("empty uri %q", raw)}
	}

	if idx := strings.IndexByte(s, '?'); idx >= 0 {
		uri.Headers = ParseParams(s[idx+1:], '&')
		s = s[:idx]
	}
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		uri.UriParams = ParseParams(s[idx+1:], ';')
		s = s[:idx]
	}
	if idx := strings.IndexByte(s, '@'); idx >= 0 {
		userinfo := s[:idx]
		s = s[idx+1:]
		if colon := strings.IndexByte(userinfo, ':'); colon >= 0 {
			uri.User = userinfo[:colon]
			uri.Password = userinfo[colon+1:]
		} else {
			uri.User = userinfo
		}
	}
	host := s
	if colon := strings.LastIndexByte(s, ':'); colon >= 0 && !strings.Contains(s, "]") {
		port, err := strconv.Atoi(s[colon+1:])
		if err != nil || port <= 0 || port > 0xFFFF {
			return nil, &MalformedMessageError{Reason: fmt.Sprintf("bad port in uri %q", raw)}
		}
		uri.Port = port
		host = s[:colon]
	}
	if host == "" {
		return nil, &MalformedMessageError{Reason: fmt.Sprintf("missing host in uri %q", raw)}
	}
	uri.Host = host
	return uri, nil
}

// Address is a name-addr: optional display name, URI and header params
// (From/To/Contact/Route tags and friends).
type Address struct {
	DisplayName string
	Uri         *Uri
	Params      *Params
}

func (addr *Address) String() string {
	var buf bytes.Buffer
	if addr.DisplayName != "" {
		buf.WriteByte('"')
		buf.WriteString(addr.DisplayName)
		buf.WriteString(`" `)
	}
	buf.WriteByte('<')
	buf.WriteString(addr.Uri.String())
	buf.WriteByte('>')
	if addr.Params.Length() > 0 {
		buf.WriteByte(';')
		buf.WriteString(addr.Params.ToString(';'))
	}
	return buf.String()
}

func (addr *Address) Clone() *Address {
	if addr == nil {
		return nil
	}
	return &Address{
		DisplayName: addr.DisplayName,
		Uri:         addr.Uri.Clone(),
		Params:      addr.Params.Clone(),
	}
}

func (addr *Address) Tag() (string, bool) {
	return addr.Params.Get("tag")
}

func (addr *Address) SetTag(tag string) {
	if addr.Params == nil {
		addr.Params = NewParams()
	}
	addr.Params.Add("tag", tag)
}

// ParseAddress parses a name-addr or addr-spec with trailing header params.
func ParseAddress(raw string) (*Address, error) {
	s := strings.TrimSpace(raw)
	addr := &Address{Params: NewParams()}

	if strings.HasPrefix(s, `"`) {
		end := strings.Index(s[1:], `"`)
		if end < 0 {
			return nil, &MalformedMessageError{Reason: fmt.Sprintf("unterminated display name in %q", raw)}
		}
		addr.DisplayName = s[1 : end+1]
		s = strings.TrimSpace(s[end+2:])
	}

	if idx := strings.IndexByte(s, '<'); idx >= 0 {
		if addr.DisplayName == "" && idx > 0 {
			addr.DisplayName = strings.TrimSpace(s[:idx])
		}
		end := strings.IndexByte(s, '>')
		if end < idx {
			return nil, &MalformedMessageError{Reason: fmt.Sprintf("unterminated name-addr in %q", raw)}
		}
		uri, err := ParseUri(s[idx+1 : end])
		if err != nil {
			return nil, err
		}
		addr.Uri = uri
		addr.Params = ParseParams(strings.TrimPrefix(strings.TrimSpace(s[end+1:]), ";"), ';')
		return addr, nil
	}

	// addr-spec form: header params after the first semicolon belong to
	// the header, not the URI (RFC 3261 §20.10 ambiguity resolved as the
	// registrars expect for From/To).
	if idx := strings.IndexByte(s, ';'); idx >= 0 {
		addr.Params = ParseParams(s[idx+1:], ';')
		s = s[:idx]
	}
	uri, err := ParseUri(s)
	if err != nil {
		return nil, err
	}
	addr.Uri = uri
	return addr, nil
}
