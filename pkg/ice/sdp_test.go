package ice

import (
	"strings"
	"testing"

	"github.com/pixelbender/go-sdp/sdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAndParseSDP(t *testing.T) {
	candidates := []*Candidate{
		NewCandidate(CandidateHost, ComponentRTP, "10.0.0.1", 4000, "", 0),
		NewCandidate(CandidateServerReflexive, ComponentRTP, "203.0.113.5", 4000, "10.0.0.1", 4000),
	}
	formats := []*sdp.Format{
		{Payload: 8, Name: "PCMA", ClockRate: 8000},
		{Payload: 0, Name: "PCMU", ClockRate: 8000},
	}

	raw := BuildSDP("10.0.0.1", 4000, "ufrag1", "pwd1", formats, candidates)
	assert.True(t, strings.Contains(raw, "a=ice-ufrag:ufrag1"))
	assert.True(t, strings.Contains(raw, "a=ice-pwd:pwd1"))
	assert.True(t, strings.Contains(raw, "m=audio 4000 RTP/AVP"))

	desc, err := ParseSDP(raw)
	require.NoError(t, err)
	assert.Equal(t, "ufrag1", desc.Ufrag)
	assert.Equal(t, "pwd1", desc.Pwd)
	assert.Equal(t, "10.0.0.1", desc.Address)
	assert.Equal(t, 4000, desc.Port)
	require.Len(t, desc.Candidates, 2)
	assert.Equal(t, CandidateHost, desc.Candidates[0].Type)
	assert.Equal(t, CandidateServerReflexive, desc.Candidates[1].Type)
	require.Len(t, desc.Formats, 2)
}

func TestParseSDPNoAudio(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.0.1\r\n" +
		"t=0 0\r\n" +
		"m=video 5000 RTP/AVP 96\r\n"
	_, err := ParseSDP(raw)
	assert.Error(t, err)
}

func TestSelectFormat(t *testing.T) {
	local := []*sdp.Format{
		{Payload: 8, Name: "PCMA", ClockRate: 8000},
		{Payload: 0, Name: "PCMU", ClockRate: 8000},
	}

	f, err := SelectFormat(local, []*sdp.Format{
		{Payload: 0, Name: "PCMU", ClockRate: 8000},
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(0), f.Payload)

	// Local preference order wins when both overlap.
	f, err = SelectFormat(local, []*sdp.Format{
		{Payload: 0, Name: "PCMU", ClockRate: 8000},
		{Payload: 8, Name: "PCMA", ClockRate: 8000},
	})
	require.NoError(t, err)
	assert.Equal(t, uint8(8), f.Payload)

	_, err = SelectFormat(local, []*sdp.Format{
		{Payload: 18, Name: "G729", ClockRate: 8000},
	})
	assert.ErrorIs(t, err, ErrNegotiationFailed)
}
