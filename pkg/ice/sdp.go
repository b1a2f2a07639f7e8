package ice

import (
	"fmt"
	"time"

	"github.com/pixelbender/go-sdp/sdp"
)

// RemoteDescription is what the engine needs from a peer's SDP: ICE
// credentials, candidates and the audio payload list.
type RemoteDescription struct {
	Ufrag      string
	Pwd        string
	Candidates []*Candidate
	Formats    []*sdp.Format

	// Address and Port come from c=/m= as the fallback destination
	// when the peer offers no candidates.
	Address string
	Port    int
}

// BuildSDP renders the local session description: one audio m-line with
// the given formats, session-level ice-ufrag/ice-pwd and one
// a=candidate per gathered candidate.
func BuildSDP(host string, rtpPort int, ufrag, pwd string, formats []*sdp.Format, candidates []*Candidate) string {
	now := time.Now().UnixNano() / 1e6
	media := &sdp.Media{
		Type:       "audio",
		Port:       rtpPort,
		Proto:      "RTP/AVP",
		Mode:       sdp.SendRecv,
		Connection: []*sdp.Connection{{Address: host}},
		Format:     formats,
	}
	for _, c := range candidates {
		media.Attributes = append(media.Attributes, sdp.NewAttr("candidate", c.Marshal()))
	}

	sess := &sdp.Session{
		Origin: &sdp.Origin{
			Username:       "-",
			Address:        host,
			SessionID:      now,
			SessionVersion: now,
		},
		Connection: &sdp.Connection{Address: host},
		Timing:     &sdp.Timing{Start: time.Time{}, Stop: time.Time{}},
		Attributes: []*sdp.Attr{
			sdp.NewAttr("ice-ufrag", ufrag),
			sdp.NewAttr("ice-pwd", pwd),
		},
		Media: []*sdp.Media{media},
	}
	return sess.String()
}

// ParseSDP extracts the ICE and audio description from a peer's SDP.
func ParseSDP(raw string) (*RemoteDescription, error) {
	sess, err := sdp.Parse([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("ice: parse sdp: %w", err)
	}

	desc := &RemoteDescription{}
	if sess.Connection != nil {
		desc.Address = sess.Connection.Address
	}
	for _, attr := range sess.Attributes {
		switch attr.Name {
		case "ice-ufrag":
			desc.Ufrag = attr.Value
		case "ice-pwd":
			desc.Pwd = attr.Value
		}
	}

	for _, m := range sess.Media {
		if m.Type != "audio" {
			continue
		}
		desc.Port = m.Port
		desc.Formats = m.Format
		if len(m.Connection) > 0 {
			desc.Address = m.Connection[0].Address
		}
		for _, attr := range m.Attributes {
			switch attr.Name {
			case "ice-ufrag":
				desc.Ufrag = attr.Value
			case "ice-pwd":
				desc.Pwd = attr.Value
			case "candidate":
				c, err := ParseCandidate(attr.Value)
				if err != nil {
					continue
				}
				desc.Candidates = append(desc.Candidates, c)
			}
		}
		break
	}
	if desc.Port == 0 {
		return nil, fmt.Errorf("ice: no audio media in sdp")
	}
	return desc, nil
}

// SelectFormat picks the first local format the remote also offers.
func SelectFormat(local, remote []*sdp.Format) (*sdp.Format, error) {
	for _, l := range local {
		for _, r := range remote {
			if l.Payload == r.Payload {
				return l, nil
			}
		}
	}
	return nil, ErrNegotiationFailed
}
