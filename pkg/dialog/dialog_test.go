package dialog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/sip"
)

func testLogger() log.Logger {
	return log.NewLogrusLogger(log.ErrorLevel, "test")
}

func makeInvite(t *testing.T) *sip.Request {
	t.Helper()
	recipient, err := sip.ParseUri("sip:bob@example.com")
	require.NoError(t, err)
	fromUri, err := sip.ParseUri("sip:alice@example.com")
	require.NoError(t, err)
	toUri, err := sip.ParseUri("sip:bob@example.com")
	require.NoError(t, err)

	via := &sip.ViaHop{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.1",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	}
	from := &sip.Address{Uri: fromUri, Params: sip.NewParams().Add("tag", "alice-tag")}
	to := &sip.Address{Uri: toUri, Params: sip.NewParams()}
	return sip.NewRequest(sip.INVITE, recipient, via, from, to, "call-1", 1)
}

func tagResponse(req *sip.Request, code sip.StatusCode, reason, toTag, contact string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, "")
	if to, ok := res.To(); ok && toTag != "" {
		to.Address.SetTag(toTag)
	}
	if contact != "" {
		uri, _ := sip.ParseUri(contact)
		res.AppendHeader(&sip.ContactHeader{Address: &sip.Address{Uri: uri, Params: sip.NewParams()}})
	}
	return res
}

func TestUACEarlyThenConfirmed(t *testing.T) {
	invite := makeInvite(t)

	d, err := NewUAC(invite, tagResponse(invite, 180, "Ringing", "bob-tag", ""), testLogger())
	require.NoError(t, err)
	assert.Equal(t, Early, d.State())
	assert.Equal(t, ID{CallID: "call-1", LocalTag: "alice-tag", RemoteTag: "bob-tag"}, d.ID())

	ok := tagResponse(invite, 200, "OK", "bob-tag", "sip:bob@192.168.1.5:5062")
	d.Confirm(ok)
	assert.Equal(t, Confirmed, d.State())
	assert.Equal(t, "192.168.1.5", d.RemoteTarget().Host)
}

func TestUACRequiresToTag(t *testing.T) {
	invite := makeInvite(t)
	_, err := NewUAC(invite, tagResponse(invite, 180, "Ringing", "", ""), testLogger())
	assert.Error(t, err)
}

func TestUACRouteSetReversed(t *testing.T) {
	invite := makeInvite(t)
	res := tagResponse(invite, 200, "OK", "bob-tag", "sip:bob@192.168.1.5")
	for _, host := range []string{"p1.example.com", "p2.example.com"} {
		uri, _ := sip.ParseUri("sip:" + host + ";lr")
		res.AppendHeader(&sip.RecordRouteHeader{Address: &sip.Address{Uri: uri, Params: sip.NewParams()}})
	}

	d, err := NewUAC(invite, res, testLogger())
	require.NoError(t, err)

	via := &sip.ViaHop{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "10.0.0.1", Params: sip.NewParams().Add("branch", sip.GenerateBranch())}
	bye := d.MakeRequest(sip.BYE, via)

	routes := bye.Headers("Route")
	require.Len(t, routes, 2)
	assert.Equal(t, "p2.example.com", routes[0].(*sip.RouteHeader).Address.Uri.Host)
	assert.Equal(t, "p1.example.com", routes[1].(*sip.RouteHeader).Address.Uri.Host)
	// Loose routing keeps the remote target in the Request-URI.
	assert.Equal(t, "192.168.1.5", bye.Recipient().Host)
}

func TestInDialogRequestCSeqIncrements(t *testing.T) {
	invite := makeInvite(t)
	d, err := NewUAC(invite, tagResponse(invite, 200, "OK", "bob-tag", "sip:bob@192.168.1.5"), testLogger())
	require.NoError(t, err)

	via := &sip.ViaHop{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "10.0.0.1", Params: sip.NewParams().Add("branch", sip.GenerateBranch())}

	info := d.MakeRequest(sip.INFO, via)
	cseq, ok := info.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(2), cseq.SeqNo)

	bye := d.MakeRequest(sip.BYE, via)
	cseq, _ = bye.CSeq()
	assert.Equal(t, uint32(3), cseq.SeqNo)

	from, _ := bye.From()
	fromTag, _ := from.Address.Tag()
	assert.Equal(t, "alice-tag", fromTag)
	to, _ := bye.To()
	toTag, _ := to.Address.Tag()
	assert.Equal(t, "bob-tag", toTag)
	cid, _ := bye.CallID()
	assert.Equal(t, "call-1", string(*cid))
}

func TestMakeAckUsesInviteCSeq(t *testing.T) {
	invite := makeInvite(t)
	d, err := NewUAC(invite, tagResponse(invite, 200, "OK", "bob-tag", "sip:bob@192.168.1.5"), testLogger())
	require.NoError(t, err)

	via := &sip.ViaHop{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "10.0.0.1", Params: sip.NewParams().Add("branch", sip.GenerateBranch())}
	ack := d.MakeAck(1, via)

	assert.Equal(t, sip.ACK, ack.Method())
	cseq, _ := ack.CSeq()
	assert.Equal(t, uint32(1), cseq.SeqNo)
	assert.Equal(t, sip.ACK, cseq.MethodName)
	assert.Equal(t, "192.168.1.5", ack.Recipient().Host)
}

func TestUASDialogAndCSeqOrdering(t *testing.T) {
	invite := makeInvite(t)
	d, err := NewUAS(invite, "bob-tag", testLogger())
	require.NoError(t, err)
	assert.Equal(t, Early, d.State())
	assert.Equal(t, ID{CallID: "call-1", LocalTag: "bob-tag", RemoteTag: "alice-tag"}, d.ID())

	// An in-dialog request with a stale CSeq is rejected.
	stale := makeInvite(t)
	stale.RemoveHeader("CSeq")
	stale.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INFO})
	assert.Error(t, d.CheckInbound(stale))

	fresh := makeInvite(t)
	fresh.RemoveHeader("CSeq")
	fresh.AppendHeader(&sip.CSeq{SeqNo: 2, MethodName: sip.INFO})
	assert.NoError(t, d.CheckInbound(fresh))

	// ACK and CANCEL reuse the INVITE number and are exempt, judged
	// by the CSeq method as well as by the request line.
	ack := makeInvite(t)
	ack.RemoveHeader("CSeq")
	ack.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.ACK})
	assert.NoError(t, d.CheckInbound(ack))

	cancel := makeInvite(t)
	cancel.RemoveHeader("CSeq")
	cancel.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.CANCEL})
	assert.NoError(t, d.CheckInbound(cancel))

	// The exemption does not advance the window.
	next := makeInvite(t)
	next.RemoveHeader("CSeq")
	next.AppendHeader(&sip.CSeq{SeqNo: 3, MethodName: sip.INFO})
	assert.NoError(t, d.CheckInbound(next))
}

func TestMatch(t *testing.T) {
	invite := makeInvite(t)
	d, err := NewUAS(invite, "bob-tag", testLogger())
	require.NoError(t, err)

	inDialog := makeInvite(t)
	if to, ok := inDialog.To(); ok {
		to.Address.SetTag("bob-tag")
	}
	assert.True(t, d.Match(inDialog))

	other := makeInvite(t)
	if to, ok := other.To(); ok {
		to.Address.SetTag("someone-else")
	}
	assert.False(t, d.Match(other))
}
