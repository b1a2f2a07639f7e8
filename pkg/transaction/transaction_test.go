package transaction

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

type wireRecorder struct {
	sent    []sip.Message
	sendErr error
}

func (w *wireRecorder) Send(msg sip.Message) error {
	if w.sendErr != nil {
		return w.sendErr
	}
	w.sent = append(w.sent, msg)
	return nil
}

func (w *wireRecorder) countMethod(method sip.RequestMethod) int {
	n := 0
	for _, msg := range w.sent {
		if req, ok := msg.(*sip.Request); ok && req.Method() == method {
			n++
		}
	}
	return n
}

func (w *wireRecorder) countStatus(code sip.StatusCode) int {
	n := 0
	for _, msg := range w.sent {
		if res, ok := msg.(*sip.Response); ok && res.StatusCode() == code {
			n++
		}
	}
	return n
}

type txEnv struct {
	clock  *timing.MockClock
	timers *timing.Service
	wire   *wireRecorder
	log    log.Logger
}

func newTxEnv() *txEnv {
	clock := timing.NewMockClock()
	return &txEnv{
		clock:  clock,
		timers: timing.NewService(clock),
		wire:   &wireRecorder{},
		log:    log.NewLogrusLogger(log.ErrorLevel, "test"),
	}
}

func (e *txEnv) elapse(d time.Duration) {
	e.clock.Elapse(d)
	e.timers.Fire()
}

func newInvite(branch string) *sip.Request {
	via := &sip.ViaHop{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "192.0.2.1", Port: 5060,
		Params: sip.NewParams().Add("branch", branch),
	}
	from := &sip.Address{
		Uri:    &sip.Uri{User: "alice", Host: "atlanta.com"},
		Params: sip.NewParams().Add("tag", "fromtag"),
	}
	to := &sip.Address{Uri: &sip.Uri{User: "bob", Host: "biloxi.com"}}
	return sip.NewRequest(sip.INVITE, to.Uri.Clone(), via, from, to, sip.CallID("cid-tx-test"), 1)
}

func newNonInvite(method sip.RequestMethod, branch string) *sip.Request {
	via := &sip.ViaHop{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "192.0.2.1", Port: 5060,
		Params: sip.NewParams().Add("branch", branch),
	}
	from := &sip.Address{
		Uri:    &sip.Uri{User: "alice", Host: "atlanta.com"},
		Params: sip.NewParams().Add("tag", "fromtag"),
	}
	to := &sip.Address{Uri: &sip.Uri{User: "bob", Host: "stub.com"}}
	return sip.NewRequest(method, to.Uri.Clone(), via, from, to, sip.CallID("cid-tx-test"), 1)
}

func TestClientInviteRetransmission(t *testing.T) {
	env := newTxEnv()
	tx, err := NewClientTx(newInvite("z9hG4bK.retrans"), env.wire, env.timers, env.log, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Init())
	assert.Equal(t, 1, env.wire.countMethod(sip.INVITE))

	// Timer A fires at T1, then 2*T1.
	env.elapse(500 * time.Millisecond)
	assert.Equal(t, 2, env.wire.countMethod(sip.INVITE))
	env.elapse(time.Second)
	assert.Equal(t, 3, env.wire.countMethod(sip.INVITE))
}

func TestClientInviteProvisionalStopsRetransmit(t *testing.T) {
	env := newTxEnv()
	var responses []*sip.Response
	tx, err := NewClientTx(newInvite("z9hG4bK.prov"), env.wire, env.timers, env.log,
		func(_ *ClientTx, res *sip.Response) { responses = append(responses, res) }, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Init())

	tx.Receive(sip.NewResponseFromRequest(tx.Origin(), 180, "Ringing", ""))
	require.Len(t, responses, 1)

	env.elapse(10 * time.Second)
	assert.Equal(t, 1, env.wire.countMethod(sip.INVITE), "no retransmission in Proceeding")
}

func TestClientInviteTimeout(t *testing.T) {
	env := newTxEnv()
	var txErr error
	tx, err := NewClientTx(newInvite("z9hG4bK.timeout"), env.wire, env.timers, env.log,
		nil, func(_ *ClientTx, err error) { txErr = err })
	require.NoError(t, err)
	require.NoError(t, tx.Init())

	// Timer B = 64*T1 = 32s; step past it firing intermediate timers.
	for i := 0; i < 66; i++ {
		env.elapse(500 * time.Millisecond)
	}
	require.Error(t, txErr)
	var timeout *TxTimeoutError
	require.True(t, errors.As(txErr, &timeout))
	assert.True(t, timeout.Timeout())
	assert.True(t, tx.Terminated())
}

func TestClientInviteRejectedSendsOneAckPerFinal(t *testing.T) {
	env := newTxEnv()
	var finals int
	tx, err := NewClientTx(newInvite("z9hG4bK.decline"), env.wire, env.timers, env.log,
		func(_ *ClientTx, res *sip.Response) {
			if !res.IsProvisional() {
				finals++
			}
		}, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Init())

	decline := sip.NewResponseFromRequest(tx.Origin(), 603, "Decline", "")
	if to, ok := decline.To(); ok {
		to.Address.SetTag("remote-tag")
	}
	tx.Receive(decline)
	assert.Equal(t, 1, finals, "final passed up once")
	assert.Equal(t, 1, env.wire.countMethod(sip.ACK))

	// Retransmitted finals are absorbed: same ACK, no extra pass-up.
	tx.Receive(decline)
	tx.Receive(decline)
	assert.Equal(t, 1, finals)
	assert.Equal(t, 3, env.wire.countMethod(sip.ACK), "one ACK per absorbed final")

	// Timer D fires 32s later and terminates.
	env.elapse(32 * time.Second)
	assert.True(t, tx.Terminated())
}

func TestClientInvite2xxTerminatesWithoutAck(t *testing.T) {
	env := newTxEnv()
	var got *sip.Response
	tx, err := NewClientTx(newInvite("z9hG4bK.ok"), env.wire, env.timers, env.log,
		func(_ *ClientTx, res *sip.Response) { got = res }, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Init())

	tx.Receive(sip.NewResponseFromRequest(tx.Origin(), 200, "OK", ""))
	require.NotNil(t, got)
	assert.True(t, got.IsSuccess())
	assert.True(t, tx.Terminated(), "2xx terminates the INVITE client transaction immediately")
	assert.Equal(t, 0, env.wire.countMethod(sip.ACK), "the TU owns the 2xx ACK")
}

func TestClientNonInviteRetransmitCapsAtT2(t *testing.T) {
	env := newTxEnv()
	tx, err := NewClientTx(newNonInvite(sip.REGISTER, "z9hG4bK.reg"), env.wire, env.timers, env.log, nil, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Init())

	// Timer E: 0.5, 1, 2, 4, 4, 4...
	env.elapse(500 * time.Millisecond)
	env.elapse(time.Second)
	env.elapse(2 * time.Second)
	assert.Equal(t, 4, env.wire.countMethod(sip.REGISTER))
	env.elapse(4 * time.Second)
	assert.Equal(t, 5, env.wire.countMethod(sip.REGISTER))
	env.elapse(3999 * time.Millisecond)
	assert.Equal(t, 5, env.wire.countMethod(sip.REGISTER), "interval capped at T2")
}

func TestClientNonInviteFinalThenTimerK(t *testing.T) {
	env := newTxEnv()
	var got *sip.Response
	tx, err := NewClientTx(newNonInvite(sip.REGISTER, "z9hG4bK.reg2"), env.wire, env.timers, env.log,
		func(_ *ClientTx, res *sip.Response) { got = res }, nil)
	require.NoError(t, err)
	require.NoError(t, tx.Init())

	tx.Receive(sip.NewResponseFromRequest(tx.Origin(), 200, "OK", ""))
	require.NotNil(t, got)
	assert.False(t, tx.Terminated(), "Completed until Timer K")

	env.elapse(Timer_K)
	assert.True(t, tx.Terminated())
}

func TestServerInviteAuto100(t *testing.T) {
	env := newTxEnv()
	tx, err := NewServerTx(newInvite("z9hG4bK.srv100"), env.wire, env.timers, env.log, nil, nil)
	require.NoError(t, err)
	tx.Init()

	assert.Equal(t, 0, env.wire.countStatus(100))
	env.elapse(200 * time.Millisecond)
	assert.Equal(t, 1, env.wire.countStatus(100), "100 Trying sent when the TU stays silent")
}

func TestServerInviteTUResponseCancelsAuto100(t *testing.T) {
	env := newTxEnv()
	tx, err := NewServerTx(newInvite("z9hG4bK.srv180"), env.wire, env.timers, env.log, nil, nil)
	require.NoError(t, err)
	tx.Init()

	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(tx.Origin(), 180, "Ringing", "")))
	env.elapse(time.Second)
	assert.Equal(t, 0, env.wire.countStatus(100))
	assert.Equal(t, 1, env.wire.countStatus(180))
}

func TestServerInviteAbsorbsRetransmission(t *testing.T) {
	env := newTxEnv()
	invite := newInvite("z9hG4bK.absorb")
	tx, err := NewServerTx(invite, env.wire, env.timers, env.log, nil, nil)
	require.NoError(t, err)
	tx.Init()
	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(invite, 180, "Ringing", "")))

	// Each absorbed INVITE retransmission replays exactly one response.
	tx.Receive(invite)
	tx.Receive(invite)
	assert.Equal(t, 3, env.wire.countStatus(180))
}

func TestServerInviteRejectFlow(t *testing.T) {
	env := newTxEnv()
	invite := newInvite("z9hG4bK.reject")
	tx, err := NewServerTx(invite, env.wire, env.timers, env.log, nil, nil)
	require.NoError(t, err)
	tx.Init()

	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(invite, 486, "Busy Here", "")))
	assert.Equal(t, 1, env.wire.countStatus(486))

	// Timer G retransmits the final until the ACK shows up.
	env.elapse(500 * time.Millisecond)
	assert.Equal(t, 2, env.wire.countStatus(486))

	ack := sip.NewAckRequest(invite, sip.NewResponseFromRequest(invite, 486, "Busy Here", ""))
	tx.Receive(ack)
	assert.False(t, tx.Terminated(), "Confirmed until Timer I")

	env.elapse(Timer_I)
	assert.True(t, tx.Terminated())
	assert.Equal(t, 2, env.wire.countStatus(486), "no retransmission after Confirmed")
}

func TestServerNonInviteAbsorbsByReplay(t *testing.T) {
	env := newTxEnv()
	register := newNonInvite(sip.REGISTER, "z9hG4bK.srvreg")
	tx, err := NewServerTx(register, env.wire, env.timers, env.log, nil, nil)
	require.NoError(t, err)
	tx.Init()

	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(register, 200, "OK", "")))
	assert.Equal(t, 1, env.wire.countStatus(200))

	tx.Receive(register)
	assert.Equal(t, 2, env.wire.countStatus(200), "retransmit absorbed with one replay")

	env.elapse(Timer_J)
	assert.True(t, tx.Terminated())
}

func TestLayerMatchesResponsesByBranch(t *testing.T) {
	env := newTxEnv()
	layer := NewLayer(env.wire, env.timers, env.log)

	var got *sip.Response
	_, err := layer.Request(newInvite("z9hG4bK.layer1"),
		func(_ *ClientTx, res *sip.Response) { got = res }, nil)
	require.NoError(t, err)

	other := sip.NewResponseFromRequest(newInvite("z9hG4bK.unknown"), 200, "OK", "")
	layer.HandleMessage(other)
	assert.Nil(t, got, "response with foreign branch is dropped")

	res := sip.NewResponseFromRequest(newInvite("z9hG4bK.layer1"), 180, "Ringing", "")
	layer.HandleMessage(res)
	require.NotNil(t, got)
	assert.Equal(t, sip.StatusCode(180), got.StatusCode())
}

func TestLayerCreatesServerTxAndAbsorbs(t *testing.T) {
	env := newTxEnv()
	layer := NewLayer(env.wire, env.timers, env.log)

	var handled int
	var serverTx *ServerTx
	layer.OnRequest(func(req *sip.Request, tx *ServerTx) {
		handled++
		serverTx = tx
	})

	invite := newInvite("z9hG4bK.srvlayer")
	layer.HandleMessage(invite)
	require.Equal(t, 1, handled)
	require.NotNil(t, serverTx)

	require.NoError(t, serverTx.Respond(sip.NewResponseFromRequest(invite, 180, "Ringing", "")))
	layer.HandleMessage(invite)
	assert.Equal(t, 1, handled, "retransmission absorbed, not passed up")
	assert.Equal(t, 2, env.wire.countStatus(180))
}

func TestLayer2xxAckGoesToTU(t *testing.T) {
	env := newTxEnv()
	layer := NewLayer(env.wire, env.timers, env.log)

	var acked *sip.Request
	layer.OnAck(func(ack *sip.Request) { acked = ack })

	invite := newInvite("z9hG4bK.ackdialog")
	res := sip.NewResponseFromRequest(invite, 200, "OK", "")
	ack := sip.NewAckRequest(invite, res)
	// fresh branch: a 2xx ACK is its own transaction
	if via, ok := ack.ViaHop(); ok {
		via.Params.Add("branch", "z9hG4bK.ackbranch")
	}
	layer.HandleMessage(ack)
	require.NotNil(t, acked)
	assert.Equal(t, sip.ACK, acked.Method())
}

func TestLayerFindInviteTxForCancel(t *testing.T) {
	env := newTxEnv()
	layer := NewLayer(env.wire, env.timers, env.log)
	layer.OnRequest(func(_ *sip.Request, _ *ServerTx) {})

	invite := newInvite("z9hG4bK.cxl")
	layer.HandleMessage(invite)

	cancel := sip.NewCancelRequest(invite)
	found, ok := layer.FindInviteTx(cancel)
	require.True(t, ok)
	assert.Equal(t, sip.INVITE, found.Origin().Method())
}

func TestLayerReap(t *testing.T) {
	env := newTxEnv()
	layer := NewLayer(env.wire, env.timers, env.log)

	tx, err := layer.Request(newInvite("z9hG4bK.reap"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, layer.Len())

	tx.Receive(sip.NewResponseFromRequest(tx.Origin(), 200, "OK", ""))
	require.True(t, tx.Terminated())
	layer.Reap()
	assert.Equal(t, 0, layer.Len())
}

func TestTransportErrorIsTerminal(t *testing.T) {
	env := newTxEnv()
	env.wire.sendErr = errors.New("socket gone")

	var txErr error
	tx, err := NewClientTx(newInvite("z9hG4bK.neterr"), env.wire, env.timers, env.log,
		nil, func(_ *ClientTx, err error) { txErr = err })
	require.NoError(t, err)
	require.Error(t, tx.Init())

	var transErr *TxTransportError
	require.True(t, errors.As(txErr, &transErr))
	assert.True(t, transErr.Transport())
	assert.True(t, tx.Terminated())
}
