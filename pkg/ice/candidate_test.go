package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidatePriority(t *testing.T) {
	host := NewCandidate(CandidateHost, ComponentRTP, "10.0.0.1", 4000, "", 0)
	srflx := NewCandidate(CandidateServerReflexive, ComponentRTP, "203.0.113.5", 4000, "10.0.0.1", 4000)

	// type-pref<<24 | local-pref<<8 | (256 - component)
	assert.Equal(t, uint32(126)<<24|uint32(65535)<<8|255, host.Priority)
	assert.Equal(t, uint32(100)<<24|uint32(65535)<<8|255, srflx.Priority)
	assert.Greater(t, host.Priority, srflx.Priority)

	rtcp := NewCandidate(CandidateHost, ComponentRTCP, "10.0.0.1", 4001, "", 0)
	assert.Greater(t, host.Priority, rtcp.Priority)
}

func TestCandidateMarshalParse(t *testing.T) {
	c := NewCandidate(CandidateServerReflexive, ComponentRTP, "203.0.113.5", 4000, "10.0.0.1", 4000)

	parsed, err := ParseCandidate(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, c.Foundation, parsed.Foundation)
	assert.Equal(t, c.Component, parsed.Component)
	assert.Equal(t, c.Type, parsed.Type)
	assert.Equal(t, c.Address, parsed.Address)
	assert.Equal(t, c.Port, parsed.Port)
	assert.Equal(t, c.Priority, parsed.Priority)
	assert.Equal(t, c.BaseAddress, parsed.BaseAddress)
	assert.Equal(t, c.BasePort, parsed.BasePort)
}

func TestParseCandidateRejectsGarbage(t *testing.T) {
	_, err := ParseCandidate("not a candidate line")
	assert.Error(t, err)
}

func TestPairPriority(t *testing.T) {
	l := NewCandidate(CandidateHost, ComponentRTP, "10.0.0.1", 4000, "", 0)
	r := NewCandidate(CandidateServerReflexive, ComponentRTP, "203.0.113.9", 4002, "10.0.0.2", 4002)
	p := &Pair{Local: l, Remote: r}

	min := uint64(r.Priority)
	max := uint64(l.Priority)

	// 2^32*MIN + 2*MAX + (G>D ? 1 : 0)
	assert.Equal(t, min<<32+max<<1+1, p.Priority(true))
	assert.Equal(t, min<<32+max<<1, p.Priority(false))

	// Host pairs beat reflexive pairs regardless of role.
	hostRemote := NewCandidate(CandidateHost, ComponentRTP, "10.0.0.2", 4002, "", 0)
	q := &Pair{Local: l, Remote: hostRemote}
	assert.Greater(t, q.Priority(true), p.Priority(true))
}
