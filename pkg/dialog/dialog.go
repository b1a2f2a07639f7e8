package dialog

import (
	"fmt"
	"net"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/sip"
)

// ID identifies a dialog by Call-ID and the two tags (RFC 3261 §12).
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id ID) String() string {
	return fmt.Sprintf("%s/%s/%s", id.CallID, id.LocalTag, id.RemoteTag)
}

type State int

const (
	Early State = iota
	Confirmed
	Terminated
)

func (s State) String() string {
	switch s {
	case Early:
		return "Early"
	case Confirmed:
		return "Confirmed"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Dialog holds the peer-to-peer SIP state established by an INVITE:
// route set, remote target, tags and sequence numbers.
type Dialog struct {
	id    ID
	state State
	uac   bool

	localURI  *sip.Address
	remoteURI *sip.Address

	remoteTarget *sip.Uri
	routeSet     []*sip.Address

	localSeq  uint32
	remoteSeq uint32

	// dest is the network address of the peer, learned from the
	// message that created the dialog.
	dest net.Addr

	log log.Logger
}

// IDFromMessage derives the dialog ID a message belongs to. asUAS flips
// which tag is local.
func IDFromMessage(msg sip.Message, asUAS bool) (ID, bool) {
	cid, ok := msg.CallID()
	if !ok {
		return ID{}, false
	}
	from, ok := msg.From()
	if !ok {
		return ID{}, false
	}
	to, ok := msg.To()
	if !ok {
		return ID{}, false
	}
	fromTag, _ := from.Address.Tag()
	toTag, _ := to.Address.Tag()

	if asUAS {
		return ID{CallID: string(*cid), LocalTag: toTag, RemoteTag: fromTag}, true
	}
	return ID{CallID: string(*cid), LocalTag: fromTag, RemoteTag: toTag}, true
}

// NewUAC creates a dialog from the INVITE the UAC sent and the first
// To-tagged response. Provisional responses yield an early dialog,
// 2xx a confirmed one (RFC 3261 §12.1.2).
func NewUAC(invite *sip.Request, response *sip.Response, logger log.Logger) (*Dialog, error) {
	id, ok := IDFromMessage(response, false)
	if !ok || id.RemoteTag == "" {
		return nil, fmt.Errorf("dialog: response carries no To tag")
	}

	from, _ := invite.From()
	to, _ := response.To()
	cseq, _ := invite.CSeq()

	d := &Dialog{
		id:        id,
		uac:       true,
		localURI:  from.Address.Clone(),
		remoteURI: to.Address.Clone(),
		localSeq:  cseq.SeqNo,
		dest:      invite.Destination(),
		log:       logger.WithPrefix("Dialog"),
	}

	if contact, ok := response.Contact(); ok {
		d.remoteTarget = contact.Address.Uri.Clone()
	} else {
		d.remoteTarget = invite.Recipient().Clone()
	}

	// Route set is the response Record-Route in reverse (§12.1.2).
	rr := response.Headers("Record-Route")
	for i := len(rr) - 1; i >= 0; i-- {
		d.routeSet = append(d.routeSet, rr[i].(*sip.RecordRouteHeader).Address.Clone())
	}

	if response.IsSuccess() {
		d.state = Confirmed
	} else {
		d.state = Early
	}
	d.log.Debugf("UAC dialog %s created, state %s", d.id, d.state)
	return d, nil
}

// NewUAS creates a dialog from an incoming INVITE and the local tag the
// UAS put in its first To-tagged response (RFC 3261 §12.1.1).
func NewUAS(invite *sip.Request, localTag string, logger log.Logger) (*Dialog, error) {
	cid, ok := invite.CallID()
	if !ok {
		return nil, fmt.Errorf("dialog: request carries no Call-ID")
	}
	from, ok := invite.From()
	if !ok {
		return nil, fmt.Errorf("dialog: request carries no From")
	}
	to, ok := invite.To()
	if !ok {
		return nil, fmt.Errorf("dialog: request carries no To")
	}
	cseq, _ := invite.CSeq()
	fromTag, _ := from.Address.Tag()

	d := &Dialog{
		id:        ID{CallID: string(*cid), LocalTag: localTag, RemoteTag: fromTag},
		uac:       false,
		state:     Early,
		localURI:  to.Address.Clone(),
		remoteURI: from.Address.Clone(),
		remoteSeq: cseq.SeqNo,
		dest:      invite.Source(),
		log:       logger.WithPrefix("Dialog"),
	}
	d.localURI.SetTag(localTag)

	if contact, ok := invite.Contact(); ok {
		d.remoteTarget = contact.Address.Uri.Clone()
	} else {
		d.remoteTarget = from.Address.Uri.Clone()
	}

	for _, h := range invite.Headers("Record-Route") {
		d.routeSet = append(d.routeSet, h.(*sip.RecordRouteHeader).Address.Clone())
	}

	d.log.Debugf("UAS dialog %s created", d.id)
	return d, nil
}

func (d *Dialog) ID() ID          { return d.id }
func (d *Dialog) State() State    { return d.state }
func (d *Dialog) IsUAC() bool     { return d.uac }
func (d *Dialog) LocalSeq() uint32 { return d.localSeq }
func (d *Dialog) Destination() net.Addr { return d.dest }
func (d *Dialog) RemoteTarget() *sip.Uri { return d.remoteTarget }

// Confirm moves an early dialog to confirmed and refreshes the remote
// target from the 2xx Contact.
func (d *Dialog) Confirm(response *sip.Response) {
	if d.state == Terminated {
		return
	}
	if contact, ok := response.Contact(); ok {
		d.remoteTarget = contact.Address.Uri.Clone()
	}
	if d.state == Early {
		d.state = Confirmed
		d.log.Debugf("dialog %s confirmed", d.id)
	}
}

func (d *Dialog) Terminate() {
	if d.state != Terminated {
		d.state = Terminated
		d.log.Debugf("dialog %s terminated", d.id)
	}
}

// Match reports whether an in-dialog request belongs to this dialog.
func (d *Dialog) Match(req *sip.Request) bool {
	id, ok := IDFromMessage(req, !d.uac)
	if !ok {
		return false
	}
	return id == d.id
}

// CheckInbound validates the CSeq of an in-dialog request (RFC 3261
// §12.2.2). ACK and CANCEL reuse the INVITE's number and are exempt
// from the strictly-greater rule.
func (d *Dialog) CheckInbound(req *sip.Request) error {
	cseq, ok := req.CSeq()
	if !ok {
		return fmt.Errorf("dialog: request carries no CSeq")
	}
	exempt := func(m sip.RequestMethod) bool { return m == sip.ACK || m == sip.CANCEL }
	if !exempt(req.Method()) && !exempt(cseq.MethodName) {
		if d.remoteSeq != 0 && cseq.SeqNo <= d.remoteSeq {
			return fmt.Errorf("dialog: out of order CSeq %d (remote %d)", cseq.SeqNo, d.remoteSeq)
		}
		d.remoteSeq = cseq.SeqNo
	}
	return nil
}

// MakeRequest builds an in-dialog request per RFC 3261 §12.2.1.1:
// Request-URI from the remote target (or the first Route when it is
// loose-routed), fixed Call-ID and tags, local CSeq incremented.
func (d *Dialog) MakeRequest(method sip.RequestMethod, via *sip.ViaHop) *sip.Request {
	d.localSeq++

	recipient := d.remoteTarget.Clone()
	var routes []*sip.Address
	if len(d.routeSet) > 0 {
		if d.routeSet[0].Uri.UriParams.Has("lr") {
			routes = d.routeSet
		} else {
			// Strict-routing fallback: first route becomes the
			// Request-URI, remote target goes last.
			recipient = d.routeSet[0].Uri.Clone()
			routes = append(routes, d.routeSet[1:]...)
			routes = append(routes, &sip.Address{Uri: d.remoteTarget.Clone(), Params: sip.NewParams()})
		}
	}

	from := d.localURI.Clone()
	to := d.remoteURI.Clone()
	to.SetTag(d.id.RemoteTag)

	req := sip.NewRequest(method, recipient, via, from, to, sip.CallID(d.id.CallID), d.localSeq)
	for _, route := range routes {
		req.AppendHeader(&sip.RouteHeader{Address: route.Clone()})
	}
	req.SetDestination(d.dest)
	return req
}

// MakeAck builds the ACK for a 2xx response. Unlike the transaction
// layer's non-2xx ACK, it is a new transaction with the INVITE's CSeq
// number (RFC 3261 §13.2.2.4).
func (d *Dialog) MakeAck(inviteSeqNo uint32, via *sip.ViaHop) *sip.Request {
	recipient := d.remoteTarget.Clone()

	from := d.localURI.Clone()
	to := d.remoteURI.Clone()
	to.SetTag(d.id.RemoteTag)

	req := sip.NewRequest(sip.ACK, recipient, via, from, to, sip.CallID(d.id.CallID), inviteSeqNo)
	for _, route := range d.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: route.Clone()})
	}
	req.SetDestination(d.dest)
	return req
}
