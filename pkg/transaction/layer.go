package transaction

import (
	"strings"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

// RequestHandler receives a new server transaction and its request.
type RequestHandler func(req *sip.Request, tx *ServerTx)

// AckHandler receives ACKs for 2xx responses; they match no transaction
// and belong to the dialog (RFC 3261 §17.1.1.2).
type AckHandler func(ack *sip.Request)

// Layer owns every live transaction, matches incoming messages and reaps
// terminated transactions at loop boundaries. It is single-threaded by
// contract: HandleMessage and the timer callbacks run on the same loop.
type Layer struct {
	sender Sender
	timers *timing.Service
	log    log.Logger

	clientTxs map[Key]*ClientTx
	serverTxs map[Key]*ServerTx

	onRequest RequestHandler
	onAck     AckHandler
	onOrphan  func(res *sip.Response)
	onError   func(err error)
}

func NewLayer(sender Sender, timers *timing.Service, logger log.Logger) *Layer {
	return &Layer{
		sender:    sender,
		timers:    timers,
		log:       logger.WithPrefix("TxLayer"),
		clientTxs: make(map[Key]*ClientTx),
		serverTxs: make(map[Key]*ServerTx),
	}
}

// OnRequest registers the TU handler for new server transactions.
func (l *Layer) OnRequest(handler RequestHandler) { l.onRequest = handler }

// OnAck registers the TU handler for transaction-less 2xx ACKs.
func (l *Layer) OnAck(handler AckHandler) { l.onAck = handler }

// OnOrphanResponse registers the TU handler for responses that match no
// live client transaction. Retransmitted 2xx for INVITE arrive this way
// once the transaction has terminated (RFC 3261 §13.2.2.4); the TU
// re-sends its ACK.
func (l *Layer) OnOrphanResponse(handler func(res *sip.Response)) { l.onOrphan = handler }

// OnError registers the TU handler for transaction failures that are not
// tied to a pending client request (server ACK timeouts, send failures).
func (l *Layer) OnError(handler func(err error)) { l.onError = handler }

// Request starts a client transaction for req. The callbacks fire from
// the loop driving this layer.
func (l *Layer) Request(
	req *sip.Request,
	onResponse func(tx *ClientTx, res *sip.Response),
	onError func(tx *ClientTx, err error),
) (*ClientTx, error) {
	tx, err := NewClientTx(req, l.sender, l.timers, l.log, onResponse, onError)
	if err != nil {
		return nil, err
	}
	l.clientTxs[tx.Key()] = tx
	if err := tx.Init(); err != nil {
		return tx, err
	}
	return tx, nil
}

// HandleMessage dispatches one parsed message into the matching
// transaction, or creates a server transaction for a new request.
func (l *Layer) HandleMessage(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		l.handleRequest(m)
	case *sip.Response:
		l.handleResponse(m)
	}
}

func (l *Layer) handleRequest(req *sip.Request) {
	key, err := MakeServerTxKey(req)
	if err != nil {
		l.log.Warnf("dropped %s: %v", req.Short(), err)
		return
	}

	if tx, ok := l.serverTxs[key]; ok && !tx.Terminated() {
		// Retransmission or ACK: absorbed inside the transaction.
		tx.Receive(req)
		return
	}

	if req.IsAck() {
		// ACK for a 2xx: no transaction, hand straight to the TU.
		if l.onAck != nil {
			l.onAck(req)
		}
		return
	}

	tx, err := NewServerTx(req, l.sender, l.timers, l.log, nil,
		func(_ *ServerTx, err error) {
			if l.onError != nil {
				l.onError(err)
			}
		})
	if err != nil {
		l.log.Warnf("dropped %s: %v", req.Short(), err)
		return
	}
	l.serverTxs[key] = tx
	tx.Init()
	if l.onRequest != nil {
		l.onRequest(req, tx)
	}
}

func (l *Layer) handleResponse(res *sip.Response) {
	key, err := MakeClientTxKey(res)
	if err != nil {
		l.log.Warnf("dropped %s: %v", res.Short(), err)
		return
	}
	tx, ok := l.clientTxs[key]
	if !ok || tx.Terminated() {
		if l.onOrphan != nil {
			l.onOrphan(res)
			return
		}
		l.log.Debugf("no client transaction for %s, dropped", res.Short())
		return
	}
	tx.Receive(res)
}

// FindInviteTx correlates a CANCEL to the INVITE server transaction that
// shares its branch (RFC 3261 §9.2).
func (l *Layer) FindInviteTx(cancel *sip.Request) (*ServerTx, bool) {
	key, err := MakeServerTxKey(cancel)
	if err != nil {
		return nil, false
	}
	inviteKey := Key(strings.TrimSuffix(string(key), string(sip.CANCEL)) + string(sip.INVITE))
	tx, ok := l.serverTxs[inviteKey]
	return tx, ok && !tx.Terminated()
}

// Reap drops terminated transactions; the stack calls it at loop
// boundaries so a transaction is never removed mid-callback.
func (l *Layer) Reap() {
	for key, tx := range l.clientTxs {
		if tx.Terminated() {
			delete(l.clientTxs, key)
		}
	}
	for key, tx := range l.serverTxs {
		if tx.Terminated() {
			delete(l.serverTxs, key)
		}
	}
}

// Shutdown terminates every live transaction.
func (l *Layer) Shutdown() {
	for _, tx := range l.clientTxs {
		tx.Terminate()
	}
	for _, tx := range l.serverTxs {
		tx.Terminate()
	}
	l.Reap()
}

// Len reports live transactions, for tests and introspection.
func (l *Layer) Len() int {
	return len(l.clientTxs) + len(l.serverTxs)
}
