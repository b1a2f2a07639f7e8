// Package mock provides the canned peer used by end to end tests: SDP
// bodies and a scenario-driven registrar that stands in for the
// signaling transport.
package mock

import (
	"time"

	"github.com/pixelbender/go-sdp/sdp"
)

const host = "127.0.0.1"

// Fixed origin IDs keep the canned bodies byte-stable across calls.
func session(port int) *sdp.Session {
	return &sdp.Session{
		Origin: &sdp.Origin{
			Username:       "-",
			Address:        host,
			SessionID:      1136239445,
			SessionVersion: 1,
		},
		Timing:     &sdp.Timing{Start: time.Time{}, Stop: time.Time{}},
		Connection: &sdp.Connection{Address: host},
		Media: []*sdp.Media{
			{
				Type:       "audio",
				Port:       port,
				Proto:      "RTP/AVP",
				Mode:       sdp.SendRecv,
				Connection: []*sdp.Connection{{Address: host}},
				Format: []*sdp.Format{
					{Payload: 8, Name: "PCMA", ClockRate: 8000},
					{Payload: 0, Name: "PCMU", ClockRate: 8000},
				},
			},
		},
	}
}

// Offer is the SDP body the stub uses when it originates a call.
func Offer() string { return session(4000).String() }

// Answer is the SDP body the stub returns in a 200 to INVITE.
func Answer() string { return session(4002).String() }
