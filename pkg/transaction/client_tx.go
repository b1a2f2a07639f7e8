package transaction

import (
	"fmt"
	"time"

	"github.com/discoviking/fsm"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

// ClientTx drives one client INVITE or non-INVITE transaction. Responses
// and errors are delivered synchronously through the listener callbacks,
// always from the loop that feeds Receive or fires timers.
type ClientTx struct {
	key    Key
	origin *sip.Request
	fsm    *fsm.FSM

	sender Sender
	timers *timing.Service
	log    log.Logger

	lastResp *sip.Response
	lastErr  error

	timer_a      timing.ID
	timer_a_time time.Duration
	timer_b      timing.ID
	timer_d      timing.ID
	timer_d_time time.Duration

	onResponse func(tx *ClientTx, res *sip.Response)
	onError    func(tx *ClientTx, err error)

	terminated bool
}

// NewClientTx builds the transaction; Init sends the request and arms
// the timers.
func NewClientTx(
	origin *sip.Request,
	sender Sender,
	timers *timing.Service,
	logger log.Logger,
	onResponse func(tx *ClientTx, res *sip.Response),
	onError func(tx *ClientTx, err error),
) (*ClientTx, error) {
	key, err := MakeClientTxKey(origin)
	if err != nil {
		return nil, err
	}
	tx := &ClientTx{
		key:        key,
		origin:     origin,
		sender:     sender,
		timers:     timers,
		log:        logger.WithPrefix("ClientTx").WithFields(log.Fields{"key": string(key)}),
		onResponse: onResponse,
		onError:    onError,
	}
	tx.initFSM()
	return tx, nil
}

func (tx *ClientTx) Key() Key             { return tx.key }
func (tx *ClientTx) Origin() *sip.Request { return tx.origin }
func (tx *ClientTx) Terminated() bool     { return tx.terminated }

func (tx *ClientTx) String() string {
	return fmt.Sprintf("ClientTx<%s %s>", tx.origin.Method(), tx.key)
}

// Init performs the initial send and arms Timer A/E and Timer B/F.
func (tx *ClientTx) Init() error {
	if err := tx.sender.Send(tx.origin); err != nil {
		tx.lastErr = err
		tx.fsm.Spin(client_input_transport_err)
		return err
	}

	// Timer A (INVITE) / Timer E (non-INVITE): retransmit interval,
	// starting at T1.
	tx.timer_a_time = Timer_A
	tx.timer_a = tx.timers.Start(tx.timer_a_time, func() {
		tx.log.Debugf("%s, retransmit timer fired", tx)
		tx.fsm.Spin(client_input_timer_a)
	})
	// Timer B (INVITE) / Timer F (non-INVITE): transaction timeout.
	tx.timer_b = tx.timers.Start(Timer_B, func() {
		tx.log.Debugf("%s, timeout timer fired", tx)
		tx.fsm.Spin(client_input_timer_b)
	})
	// Timer D for unreliable transports; Timer K reuses the slot for
	// non-INVITE.
	if tx.origin.IsInvite() {
		tx.timer_d_time = Timer_D
	} else {
		tx.timer_d_time = Timer_K
	}
	return nil
}

// Receive feeds a matched response into the state machine.
func (tx *ClientTx) Receive(res *sip.Response) {
	tx.lastResp = res
	var input fsm.Input
	switch {
	case res.IsProvisional():
		input = client_input_1xx
	case res.IsSuccess():
		input = client_input_2xx
	default:
		input = client_input_300_plus
	}
	tx.fsm.Spin(input)
}

func (tx *ClientTx) Terminate() {
	if tx.terminated {
		return
	}
	tx.delete()
}

// ack sends the in-transaction ACK for a 300-699 final response
// (RFC 3261 §17.1.1.3). Duplicate finals re-run this action, so every
// absorbed retransmission is answered with the same ACK.
func (tx *ClientTx) ack() {
	ack := sip.NewAckRequest(tx.origin, tx.lastResp)
	if err := tx.sender.Send(ack); err != nil {
		tx.log.Warnf("%s, failed to send ACK: %v", tx, err)
		tx.lastErr = err
		tx.fsm.Spin(client_input_transport_err)
	}
}

// FSM states
const (
	client_state_calling = iota
	client_state_proceeding
	client_state_completed
	client_state_terminated
)

// FSM inputs
const (
	client_input_1xx fsm.Input = iota
	client_input_2xx
	client_input_300_plus
	client_input_timer_a
	client_input_timer_b
	client_input_timer_d
	client_input_transport_err
	client_input_delete
)

func (tx *ClientTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.initInviteFSM()
	} else {
		tx.initNonInviteFSM()
	}
}

func (tx *ClientTx) initInviteFSM() {
	// Calling
	client_state_def_calling := fsm.State{
		Index: client_state_calling,
		Outcomes: map[fsm.Input]fsm.Outcome{
			client_input_1xx:           {State: client_state_proceeding, Action: tx.act_proceed},
			client_input_2xx:           {State: client_state_terminated, Action: tx.act_passup_delete},
			client_input_300_plus:      {State: client_state_completed, Action: tx.act_invite_final},
			client_input_timer_a:       {State: client_state_calling, Action: tx.act_invite_resend},
			client_input_timer_b:       {State: client_state_terminated, Action: tx.act_timeout},
			client_input_transport_err: {State: client_state_terminated, Action: tx.act_trans_err},
		},
	}

	// Proceeding
	client_state_def_proceeding := fsm.State{
		Index: client_state_proceeding,
		Outcomes: map[fsm.Input]fsm.Outcome{
			client_input_1xx:      {State: client_state_proceeding, Action: tx.act_passup},
			client_input_2xx:      {State: client_state_terminated, Action: tx.act_passup_delete},
			client_input_300_plus: {State: client_state_completed, Action: tx.act_invite_final},
			client_input_timer_a:  {State: client_state_proceeding, Action: fsm.NO_ACTION},
			client_input_timer_b:  {State: client_state_proceeding, Action: fsm.NO_ACTION},
		},
	}

	// Completed
	client_state_def_completed := fsm.State{
		Index: client_state_completed,
		Outcomes: map[fsm.Input]fsm.Outcome{
			client_input_1xx:           {State: client_state_completed, Action: fsm.NO_ACTION},
			client_input_2xx:           {State: client_state_completed, Action: fsm.NO_ACTION},
			client_input_300_plus:      {State: client_state_completed, Action: tx.act_ack},
			client_input_transport_err: {State: client_state_terminated, Action: tx.act_trans_err},
			client_input_timer_a:       {State: client_state_completed, Action: fsm.NO_ACTION},
			client_input_timer_b:       {State: client_state_completed, Action: fsm.NO_ACTION},
			client_input_timer_d:       {State: client_state_terminated, Action: tx.act_delete},
		},
	}

	// Terminated
	client_state_def_terminated := fsm.State{
		Index: client_state_terminated,
		Outcomes: map[fsm.Input]fsm.Outcome{
			client_input_1xx:      {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_2xx:      {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_300_plus: {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_timer_a:  {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_timer_b:  {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_timer_d:  {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_delete:   {State: client_state_terminated, Action: tx.act_delete},
		},
	}

	fsm_, err := fsm.Define(
		client_state_def_calling,
		client_state_def_proceeding,
		client_state_def_completed,
		client_state_def_terminated,
	)
	if err != nil {
		tx.log.Errorf("define INVITE client FSM failed: %s", err)
		return
	}
	tx.fsm = fsm_
}

func (tx *ClientTx) initNonInviteFSM() {
	// Trying
	client_state_def_trying := fsm.State{
		Index: client_state_calling,
		Outcomes: map[fsm.Input]fsm.Outcome{
			client_input_1xx:           {State: client_state_proceeding, Action: tx.act_passup},
			client_input_2xx:           {State: client_state_completed, Action: tx.act_non_invite_final},
			client_input_300_plus:      {State: client_state_completed, Action: tx.act_non_invite_final},
			client_input_timer_a:       {State: client_state_calling, Action: tx.act_non_invite_resend},
			client_input_timer_b:       {State: client_state_terminated, Action: tx.act_timeout},
			client_input_transport_err: {State: client_state_terminated, Action: tx.act_trans_err},
		},
	}

	// Proceeding
	client_state_def_proceeding := fsm.State{
		Index: client_state_proceeding,
		Outcomes: map[fsm.Input]fsm.Outcome{
			client_input_1xx:           {State: client_state_proceeding, Action: tx.act_passup},
			client_input_2xx:           {State: client_state_completed, Action: tx.act_non_invite_final},
			client_input_300_plus:      {State: client_state_completed, Action: tx.act_non_invite_final},
			client_input_timer_a:       {State: client_state_proceeding, Action: tx.act_non_invite_resend},
			client_input_timer_b:       {State: client_state_terminated, Action: tx.act_timeout},
			client_input_transport_err: {State: client_state_terminated, Action: tx.act_trans_err},
		},
	}

	// Completed
	client_state_def_completed := fsm.State{
		Index: client_state_completed,
		Outcomes: map[fsm.Input]fsm.Outcome{
			client_input_1xx:      {State: client_state_completed, Action: fsm.NO_ACTION},
			client_input_2xx:      {State: client_state_completed, Action: fsm.NO_ACTION},
			client_input_300_plus: {State: client_state_completed, Action: fsm.NO_ACTION},
			client_input_timer_d:  {State: client_state_terminated, Action: tx.act_delete},
			client_input_timer_a:  {State: client_state_completed, Action: fsm.NO_ACTION},
			client_input_timer_b:  {State: client_state_completed, Action: fsm.NO_ACTION},
		},
	}

	// Terminated
	client_state_def_terminated := fsm.State{
		Index: client_state_terminated,
		Outcomes: map[fsm.Input]fsm.Outcome{
			client_input_1xx:      {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_2xx:      {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_300_plus: {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_timer_a:  {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_timer_b:  {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_timer_d:  {State: client_state_terminated, Action: fsm.NO_ACTION},
			client_input_delete:   {State: client_state_terminated, Action: tx.act_delete},
		},
	}

	fsm_, err := fsm.Define(
		client_state_def_trying,
		client_state_def_proceeding,
		client_state_def_completed,
		client_state_def_terminated,
	)
	if err != nil {
		tx.log.Errorf("define non-INVITE client FSM failed: %s", err)
		return
	}
	tx.fsm = fsm_
}

func (tx *ClientTx) resend() {
	tx.log.Debugf("%s, resend %s", tx, tx.origin.Short())
	tx.lastErr = tx.sender.Send(tx.origin)
	if tx.lastErr != nil {
		tx.fsm.Spin(client_input_transport_err)
	}
}

func (tx *ClientTx) passUp() {
	if tx.lastResp != nil && tx.onResponse != nil {
		tx.onResponse(tx, tx.lastResp)
	}
}

func (tx *ClientTx) delete() {
	if tx.terminated {
		return
	}
	tx.terminated = true
	tx.timers.Stop(tx.timer_a)
	tx.timers.Stop(tx.timer_b)
	tx.timers.Stop(tx.timer_d)
}

// Actions

func (tx *ClientTx) act_invite_resend() fsm.Input {
	tx.timer_a_time *= 2
	tx.timers.Stop(tx.timer_a)
	tx.timer_a = tx.timers.Start(tx.timer_a_time, func() {
		tx.fsm.Spin(client_input_timer_a)
	})
	tx.resend()
	return fsm.NO_INPUT
}

func (tx *ClientTx) act_non_invite_resend() fsm.Input {
	tx.timer_a_time *= 2
	// Timer E doubles up to the T2 cap.
	if tx.timer_a_time > T2 {
		tx.timer_a_time = T2
	}
	tx.timers.Stop(tx.timer_a)
	tx.timer_a = tx.timers.Start(tx.timer_a_time, func() {
		tx.fsm.Spin(client_input_timer_a)
	})
	tx.resend()
	return fsm.NO_INPUT
}

func (tx *ClientTx) act_passup() fsm.Input {
	tx.passUp()
	return fsm.NO_INPUT
}

// act_proceed cancels the retransmission timer on the first provisional.
func (tx *ClientTx) act_proceed() fsm.Input {
	tx.timers.Stop(tx.timer_a)
	tx.passUp()
	return fsm.NO_INPUT
}

func (tx *ClientTx) act_invite_final() fsm.Input {
	tx.passUp()
	tx.ack()
	tx.timers.Stop(tx.timer_a)
	tx.timers.Stop(tx.timer_b)
	tx.timers.Stop(tx.timer_d)
	tx.timer_d = tx.timers.Start(tx.timer_d_time, func() {
		tx.fsm.Spin(client_input_timer_d)
	})
	return fsm.NO_INPUT
}

func (tx *ClientTx) act_non_invite_final() fsm.Input {
	tx.passUp()
	tx.timers.Stop(tx.timer_a)
	tx.timers.Stop(tx.timer_b)
	tx.timers.Stop(tx.timer_d)
	tx.timer_d = tx.timers.Start(tx.timer_d_time, func() {
		tx.fsm.Spin(client_input_timer_d)
	})
	return fsm.NO_INPUT
}

func (tx *ClientTx) act_ack() fsm.Input {
	tx.ack()
	return fsm.NO_INPUT
}

func (tx *ClientTx) act_trans_err() fsm.Input {
	if tx.onError != nil {
		tx.onError(tx, &TxTransportError{
			Err:   fmt.Errorf("%s failed to send: %w", tx, tx.lastErr),
			TxKey: tx.key,
		})
	}
	return client_input_delete
}

func (tx *ClientTx) act_timeout() fsm.Input {
	if tx.onError != nil {
		tx.onError(tx, &TxTimeoutError{
			Err:   fmt.Errorf("%s timed out", tx),
			TxKey: tx.key,
		})
	}
	return client_input_delete
}

func (tx *ClientTx) act_passup_delete() fsm.Input {
	tx.passUp()
	return client_input_delete
}

func (tx *ClientTx) act_delete() fsm.Input {
	tx.delete()
	return fsm.NO_INPUT
}
