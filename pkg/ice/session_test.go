package ice

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

func newSession(t *testing.T, clock timing.Clock, config SessionConfig) (*MediaSession, *timing.Service) {
	t.Helper()
	logger := log.NewLogrusLogger(log.ErrorLevel, "test")
	timers := timing.NewService(clock)
	config.Host = "127.0.0.1"
	sess, err := NewMediaSession(config, timers, logger)
	require.NoError(t, err)
	t.Cleanup(sess.Close)
	return sess, timers
}

func TestMediaSessionGatherWithoutSTUN(t *testing.T) {
	sess, _ := newSession(t, timing.NewMockClock(), SessionConfig{})

	require.NoError(t, sess.GatherCandidates(Controlling))
	assert.Equal(t, SessionReady, sess.State())

	var raw string
	select {
	case raw = <-sess.OnSDPReady():
	default:
		t.Fatal("no local description published")
	}
	assert.Equal(t, sess.LocalSDP(), raw)
	assert.Contains(t, raw, "a=ice-ufrag:")
	assert.Contains(t, raw, "typ host")

	desc, err := ParseSDP(raw)
	require.NoError(t, err)
	assert.Len(t, desc.Candidates, 1)
	assert.Equal(t, "127.0.0.1", desc.Candidates[0].Address)
}

func TestMediaSessionGatherTwiceFails(t *testing.T) {
	sess, _ := newSession(t, timing.NewMockClock(), SessionConfig{})

	require.NoError(t, sess.GatherCandidates(Controlling))
	assert.Error(t, sess.GatherCandidates(Controlling))
}

func TestMediaSessionFallbackWithoutCandidates(t *testing.T) {
	sess, _ := newSession(t, timing.NewMockClock(), SessionConfig{})
	require.NoError(t, sess.GatherCandidates(Controlled))

	var states []SessionState
	sess.OnStateChanged(func(_, state SessionState) { states = append(states, state) })

	// A plain SDP with no candidate attributes sends media straight to
	// the advertised origin address.
	remote := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=-",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 8",
		"a=rtpmap:8 PCMA/8000",
		"",
	}, "\r\n")

	sess.SetRemoteSDP(remote)
	sess.Loop(5 * time.Millisecond)

	assert.Equal(t, SessionConnected, sess.State())
	assert.Equal(t, []SessionState{SessionConnected}, states)
	require.NotNil(t, sess.SelectedFormat())
	assert.Equal(t, uint8(8), sess.SelectedFormat().Payload)
}

func TestMediaSessionQueuedRemoteReplaces(t *testing.T) {
	sess, _ := newSession(t, timing.NewMockClock(), SessionConfig{})
	require.NoError(t, sess.GatherCandidates(Controlled))

	// The first queued description is replaced before the loop runs,
	// so the garbage never reaches the parser.
	sess.SetRemoteSDP("not an sdp")
	remote := strings.Join([]string{
		"v=0",
		"o=- 1 1 IN IP4 127.0.0.1",
		"s=-",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
		"m=audio 4000 RTP/AVP 0",
		"a=rtpmap:0 PCMU/8000",
		"",
	}, "\r\n")
	sess.SetRemoteSDP(remote)

	sess.Loop(5 * time.Millisecond)
	assert.Equal(t, SessionConnected, sess.State())
}

func TestMediaSessionBadRemoteFails(t *testing.T) {
	sess, _ := newSession(t, timing.NewMockClock(), SessionConfig{})
	require.NoError(t, sess.GatherCandidates(Controlled))

	sess.SetRemoteSDP("not an sdp")
	sess.Loop(5 * time.Millisecond)
	assert.Equal(t, SessionFailed, sess.State())
}

func TestMediaSessionsConnectOverLoopback(t *testing.T) {
	clock := timing.NewMockClock()
	offerer, timersA := newSession(t, clock, SessionConfig{})
	answerer, timersB := newSession(t, clock, SessionConfig{})

	require.NoError(t, offerer.GatherCandidates(Controlling))
	require.NoError(t, answerer.GatherCandidates(Controlled))
	require.Equal(t, SessionReady, offerer.State())
	require.Equal(t, SessionReady, answerer.State())

	answerer.SetRemoteSDP(offerer.LocalSDP())
	offerer.SetRemoteSDP(answerer.LocalSDP())

	for i := 0; i < 400; i++ {
		offerer.Loop(2 * time.Millisecond)
		answerer.Loop(2 * time.Millisecond)
		clock.Elapse(25 * time.Millisecond)
		timersA.Fire()
		timersB.Fire()
		if offerer.State() == SessionConnected && answerer.State() == SessionConnected {
			break
		}
	}

	require.Equal(t, SessionConnected, offerer.State(), "answerer state %s", answerer.State())
	require.Equal(t, SessionConnected, answerer.State())

	pair, ok := offerer.agent.SelectedPair(ComponentRTP)
	require.True(t, ok)
	assert.True(t, pair.Nominated)
}

func TestMediaSessionCloseIdempotent(t *testing.T) {
	sess, _ := newSession(t, timing.NewMockClock(), SessionConfig{})
	require.NoError(t, sess.GatherCandidates(Controlling))

	sess.Close()
	assert.Equal(t, SessionTerminated, sess.State())
	sess.Close()
	assert.Equal(t, SessionTerminated, sess.State())
}
