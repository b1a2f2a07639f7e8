// Package transaction implements the RFC 3261 §17 client and server
// transaction state machines. Retransmission and timeout scheduling run
// on an injected timing.Service, so the whole layer is cooperative and
// deterministic under a mock clock.
package transaction

import (
	"fmt"
	"strings"
	"time"

	"github.com/xbitsmaster/lwsip/pkg/sip"
)

const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
	T4 = 5 * time.Second

	Timer_A   = T1
	Timer_B   = 64 * T1
	Timer_D   = 32 * time.Second
	Timer_E   = T1
	Timer_F   = 64 * T1
	Timer_G   = T1
	Timer_H   = 64 * T1
	Timer_I   = T4
	Timer_J   = 64 * T1
	Timer_K   = T4
	Timer_1xx = 200 * time.Millisecond
)

// Key identifies a transaction per RFC 3261 §17.1.3 / §17.2.3.
type Key string

// Sender is the wire below the transaction layer.
type Sender interface {
	Send(msg sip.Message) error
}

// Tx is the surface shared by client and server transactions.
type Tx interface {
	Key() Key
	Origin() *sip.Request
	Terminate()
	Terminated() bool
}

type TxError interface {
	error
	Key() Key
	Timeout() bool
	Transport() bool
}

// TxTimeoutError reports Timer B/F/H expiry.
type TxTimeoutError struct {
	Err   error
	TxKey Key
}

func (err *TxTimeoutError) Unwrap() error   { return err.Err }
func (err *TxTimeoutError) Key() Key        { return err.TxKey }
func (err *TxTimeoutError) Timeout() bool   { return true }
func (err *TxTimeoutError) Transport() bool { return false }
func (err *TxTimeoutError) Error() string {
	return fmt.Sprintf("transaction %q timed out: %s", err.TxKey, err.Err)
}

// TxTransportError reports a send failure; it is terminal for the owning
// transaction.
type TxTransportError struct {
	Err   error
	TxKey Key
}

func (err *TxTransportError) Unwrap() error   { return err.Err }
func (err *TxTransportError) Key() Key        { return err.TxKey }
func (err *TxTransportError) Timeout() bool   { return false }
func (err *TxTransportError) Transport() bool { return true }
func (err *TxTransportError) Error() string {
	return fmt.Sprintf("transaction %q transport failure: %s", err.TxKey, err.Err)
}

const keySep = "__"

// MakeServerTxKey builds the absorption key for incoming requests:
// top Via branch + sent-by + method, with ACK folded onto INVITE.
// CANCEL keeps its own method and forms its own server transaction; the
// TU correlates it to the INVITE by branch.
func MakeServerTxKey(msg sip.Message) (Key, error) {
	viaHop, ok := msg.ViaHop()
	if !ok {
		return "", &sip.MalformedMessageError{Reason: "missing Via header"}
	}
	cseq, ok := msg.CSeq()
	if !ok {
		return "", &sip.MalformedMessageError{Reason: "missing CSeq header"}
	}
	method := cseq.MethodName
	if method == sip.ACK {
		method = sip.INVITE
	}
	branch, ok := viaHop.Branch()
	if !ok || !strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) ||
		branch == sip.RFC3261BranchMagicCookie {
		return "", &sip.MalformedMessageError{Reason: "missing RFC 3261 branch parameter"}
	}
	return Key(strings.Join([]string{
		branch,
		viaHop.SentBy(),
		string(method),
	}, keySep)), nil
}

// MakeClientTxKey matches responses to client transactions: top Via
// branch + CSeq method (RFC 3261 §17.1.3). The CSeq method stays as-is so
// a 200 for CANCEL never lands on the INVITE transaction sharing the
// branch.
func MakeClientTxKey(msg sip.Message) (Key, error) {
	viaHop, ok := msg.ViaHop()
	if !ok {
		return "", &sip.MalformedMessageError{Reason: "missing Via header"}
	}
	cseq, ok := msg.CSeq()
	if !ok {
		return "", &sip.MalformedMessageError{Reason: "missing CSeq header"}
	}
	branch, ok := viaHop.Branch()
	if !ok || !strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie) ||
		branch == sip.RFC3261BranchMagicCookie {
		return "", &sip.MalformedMessageError{Reason: "missing RFC 3261 branch parameter"}
	}
	return Key(strings.Join([]string{
		branch,
		string(cseq.MethodName),
	}, keySep)), nil
}
