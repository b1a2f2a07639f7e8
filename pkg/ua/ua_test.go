package ua

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbitsmaster/lwsip/pkg/account"
	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/mock"
	"github.com/xbitsmaster/lwsip/pkg/session"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/stack"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

type fixture struct {
	agent *UserAgent
	reg   *mock.Registrar
	clock *timing.MockClock

	regStates   []account.RegState
	callStates  []session.Status
	lastSession *session.Session
}

func newFixture(t *testing.T, scenario mock.Scenario) *fixture {
	t.Helper()
	logger := log.NewLogrusLogger(log.ErrorLevel, "test")

	reg := mock.NewRegistrar(scenario, logger)
	reg.Username = "alice"
	reg.Password = "x"

	clock := timing.NewMockClock()
	s, err := stack.NewSipStack(&stack.SipStackConfig{
		Host:            "127.0.0.1",
		CustomTransport: reg,
	}, clock, logger)
	require.NoError(t, err)

	f := &fixture{
		agent: NewUserAgent(&UserAgentConfig{SipStack: s}, logger),
		reg:   reg,
		clock: clock,
	}
	f.agent.RegisterStateHandler = func(state account.RegisterState) {
		f.regStates = append(f.regStates, state.State)
	}
	f.agent.InviteStateHandler = func(sess *session.Session, req *sip.Request, resp *sip.Response, status session.Status) {
		f.lastSession = sess
		f.callStates = append(f.callStates, status)
	}
	return f
}

func (f *fixture) drive(n int) {
	for i := 0; i < n; i++ {
		f.agent.Loop(time.Millisecond)
	}
}

func (f *fixture) elapse(d time.Duration) {
	f.clock.Elapse(d)
	f.drive(20)
}

func testProfile() *account.Profile {
	return account.NewProfile(
		&sip.Uri{User: "alice", Host: mock.StubRealm},
		"alice",
		&account.AuthInfo{AuthUser: "alice", Realm: mock.StubRealm, Password: "x"},
		3600,
	)
}

func registrarURI() *sip.Uri {
	return &sip.Uri{Host: "127.0.0.1", Port: 15060}
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestRegisterSuccess(t *testing.T) {
	f := newFixture(t, mock.RegisterSuccess)

	_, err := f.agent.SendRegister(testProfile(), registrarURI(), 3600)
	require.NoError(t, err)
	f.drive(20)

	require.Len(t, f.reg.SentRequests(sip.REGISTER), 1)
	assert.Equal(t, []account.RegState{account.Registering, account.Registered}, f.regStates)
	assert.True(t, f.reg.Bindings.IsRegistered("alice@"+mock.StubRealm))

	// Refresh fires at 90% of the granted 3600s.
	f.elapse(3239 * time.Second)
	require.Len(t, f.reg.SentRequests(sip.REGISTER), 1)

	f.elapse(2 * time.Second)
	registers := f.reg.SentRequests(sip.REGISTER)
	require.Len(t, registers, 2)
	cseq1, _ := registers[0].CSeq()
	cseq2, _ := registers[1].CSeq()
	assert.Greater(t, cseq2.SeqNo, cseq1.SeqNo)
	assert.Equal(t, account.Registered, f.regStates[len(f.regStates)-1])
}

func TestRegisterDigestChallenge(t *testing.T) {
	f := newFixture(t, mock.RegisterAuth)

	_, err := f.agent.SendRegister(testProfile(), registrarURI(), 3600)
	require.NoError(t, err)
	f.drive(30)

	registers := f.reg.SentRequests(sip.REGISTER)
	require.Len(t, registers, 2)
	assert.Empty(t, registers[0].Headers("Authorization"))

	authHdrs := registers[1].Headers("Authorization")
	require.Len(t, authHdrs, 1)
	value := authHdrs[0].(*sip.GenericHeader).Contents
	assert.Contains(t, value, `realm="`+mock.StubRealm+`"`)
	assert.Contains(t, value, `nonce="`+mock.StubNonce+`"`)
	assert.Contains(t, value, `username="alice"`)

	// response = MD5(MD5(user:realm:pwd):nonce:MD5(method:uri))
	uri := registers[1].Recipient().String()
	ha1 := md5hex("alice:" + mock.StubRealm + ":x")
	ha2 := md5hex("REGISTER:" + uri)
	expected := md5hex(ha1 + ":" + mock.StubNonce + ":" + ha2)
	assert.Contains(t, value, `response="`+expected+`"`)

	assert.Equal(t, account.Registered, f.regStates[len(f.regStates)-1])
}

func TestRegisterSecondChallengeFails(t *testing.T) {
	f := newFixture(t, mock.RegisterAuth)
	f.reg.Password = "not-x"

	_, err := f.agent.SendRegister(testProfile(), registrarURI(), 3600)
	require.NoError(t, err)
	f.drive(30)

	// The stub rejects the wrong digest with 403, which surfaces as a
	// registration failure rather than a second transparent retry.
	assert.Equal(t, account.RegFailed, f.regStates[len(f.regStates)-1])
	require.Len(t, f.reg.SentRequests(sip.REGISTER), 2)
}

func TestOutboundCallAccepted(t *testing.T) {
	f := newFixture(t, mock.InviteSuccess)
	offer := mock.Offer()

	sess, err := f.agent.Invite(testProfile(), registrarURI(), offer)
	require.NoError(t, err)
	f.drive(30)

	invites := f.reg.SentRequests(sip.INVITE)
	require.Len(t, invites, 1)
	assert.Equal(t, offer, invites[0].Body())

	assert.Contains(t, f.callStates, session.Provisional)
	assert.Contains(t, f.callStates, session.Confirmed)
	assert.Equal(t, session.Confirmed, sess.Status())
	require.NotNil(t, sess.Dialog())
	assert.Equal(t, mock.Answer(), sess.RemoteSdp())

	require.Len(t, f.reg.SentRequests(sip.ACK), 1)
}

func TestRetransmitted2xxIsReAcked(t *testing.T) {
	f := newFixture(t, mock.InviteSuccess)

	_, err := f.agent.Invite(testProfile(), registrarURI(), mock.Offer())
	require.NoError(t, err)
	f.drive(30)
	require.Len(t, f.reg.SentRequests(sip.ACK), 1)

	// Client INVITE transaction is gone after Timer D equivalent; a
	// retransmitted 200 must still produce exactly one more ACK.
	f.elapse(40 * time.Second)
	f.reg.Push(f.reg.LastOK())
	f.drive(10)
	assert.Len(t, f.reg.SentRequests(sip.ACK), 2)
}

func TestOutboundCallDeclined(t *testing.T) {
	f := newFixture(t, mock.InviteDeclined)

	sess, err := f.agent.Invite(testProfile(), registrarURI(), mock.Offer())
	require.NoError(t, err)
	f.drive(30)

	assert.Equal(t, session.Failure, sess.Status())
	assert.NotContains(t, f.callStates, session.Provisional)
	assert.NotContains(t, f.callStates, session.Confirmed)

	// The 603 is acknowledged within the transaction, exactly once.
	require.Len(t, f.reg.SentRequests(sip.ACK), 1)

	// A retransmitted 603 is re-ACKed by the transaction layer without
	// surfacing a second failure.
	failures := 0
	for _, s := range f.callStates {
		if s == session.Failure {
			failures++
		}
	}
	require.Equal(t, 1, failures)

	f.reg.Push(f.reg.LastFinal())
	f.drive(10)

	require.Len(t, f.reg.SentRequests(sip.ACK), 2)
	got := 0
	for _, s := range f.callStates {
		if s == session.Failure {
			got++
		}
	}
	assert.Equal(t, 1, got)
}

func TestInboundCallAckThenBye(t *testing.T) {
	f := newFixture(t, mock.UASCall)

	var incoming *session.Session
	f.agent.InviteStateHandler = func(sess *session.Session, req *sip.Request, resp *sip.Response, status session.Status) {
		f.callStates = append(f.callStates, status)
		if status == session.InviteReceived {
			incoming = sess
			from, ok := req.From()
			require.True(t, ok)
			assert.Equal(t, "carol", from.Address.Uri.User)
			sess.ProvideAnswer(mock.Answer())
			require.NoError(t, sess.Accept(200))
		}
	}

	f.reg.PlaceCall("carol", "alice")
	f.drive(40)

	require.NotNil(t, incoming)
	assert.Contains(t, f.callStates, session.Confirmed)
	assert.Contains(t, f.callStates, session.Terminated)

	// The BYE got its 200.
	var byeOK bool
	for _, msg := range f.reg.Sent {
		if res, ok := msg.(*sip.Response); ok && res.StatusCode() == 200 {
			if cseq, found := res.CSeq(); found && cseq.MethodName == sip.BYE {
				byeOK = true
			}
		}
	}
	assert.True(t, byeOK, "expected a 200 for the BYE")
}

func TestInviteRetransmitsOnLoss(t *testing.T) {
	f := newFixture(t, mock.InviteDrop2)

	sess, err := f.agent.Invite(testProfile(), registrarURI(), mock.Offer())
	require.NoError(t, err)
	f.drive(10)
	require.Len(t, f.reg.SentRequests(sip.INVITE), 1)

	// Timer A: first retransmission at 500ms, second 1s later.
	f.elapse(500 * time.Millisecond)
	require.Len(t, f.reg.SentRequests(sip.INVITE), 2)

	f.elapse(1 * time.Second)
	require.Len(t, f.reg.SentRequests(sip.INVITE), 3)

	f.drive(20)
	assert.Equal(t, session.Confirmed, sess.Status())
	require.Len(t, f.reg.SentRequests(sip.ACK), 1)
}

func TestHangupStates(t *testing.T) {
	f := newFixture(t, mock.InviteSuccess)

	sess, err := f.agent.Invite(testProfile(), registrarURI(), mock.Offer())
	require.NoError(t, err)
	f.drive(30)
	require.Equal(t, session.Confirmed, sess.Status())

	require.NoError(t, f.agent.Hangup(sess))
	f.drive(20)

	byes := f.reg.SentRequests(sip.BYE)
	require.Len(t, byes, 1)
	cseq, _ := byes[0].CSeq()
	assert.Equal(t, uint32(2), cseq.SeqNo, "BYE CSeq follows the INVITE")

	// Hangup on an ended session is a no-op.
	require.NoError(t, f.agent.Hangup(sess))
	f.drive(5)
	assert.Len(t, f.reg.SentRequests(sip.BYE), 1)
}

func TestOptionsAnswered(t *testing.T) {
	f := newFixture(t, mock.RegisterSuccess)

	via := &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "127.0.0.1",
		Port:            15060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
	from := &sip.Address{Uri: &sip.Uri{User: "probe", Host: mock.StubRealm}}
	from.SetTag("ptag")
	to := &sip.Address{Uri: &sip.Uri{User: "alice", Host: mock.StubRealm}}
	options := sip.NewRequest(sip.OPTIONS, to.Uri.Clone(), via, from, to, "options-1", 1)

	f.reg.Push(options)
	f.drive(10)

	var answered bool
	for _, msg := range f.reg.Sent {
		if res, ok := msg.(*sip.Response); ok && res.StatusCode() == 200 {
			if cseq, found := res.CSeq(); found && cseq.MethodName == sip.OPTIONS {
				answered = true
				allow := res.Headers("Allow")
				require.Len(t, allow, 1)
				assert.True(t, strings.Contains(allow[0].String(), "INVITE"))
			}
		}
	}
	assert.True(t, answered, "expected a 200 for OPTIONS")
}

func TestGrantedExpiresFromContactParam(t *testing.T) {
	r := &Register{expires: 600}

	contactWith := func(v string) *sip.Response {
		res := &sip.Response{}
		res.AppendHeader(&sip.ContactHeader{Address: &sip.Address{
			Uri:    &sip.Uri{User: "alice", Host: mock.StubRealm},
			Params: sip.NewParams().Add("expires", v),
		}})
		return res
	}

	// Registrar-granted intervals above 65535 survive intact.
	assert.Equal(t, uint32(90000), r.grantedExpires(contactWith("90000")))
	assert.Equal(t, uint32(60), r.grantedExpires(contactWith("60")))

	// Unparseable params fall through to the requested value.
	assert.Equal(t, uint32(600), r.grantedExpires(contactWith("soon")))
}
