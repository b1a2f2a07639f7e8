package transaction

import (
	"fmt"
	"time"

	"github.com/discoviking/fsm"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

// ServerTx drives one server INVITE or non-INVITE transaction.
// Retransmitted requests are absorbed by replaying the last response.
type ServerTx struct {
	key    Key
	origin *sip.Request
	fsm    *fsm.FSM

	sender Sender
	timers *timing.Service
	log    log.Logger

	lastResp *sip.Response
	lastErr  error

	timer_g      timing.ID
	timer_g_time time.Duration
	timer_h      timing.ID
	timer_i      timing.ID
	timer_j      timing.ID
	timer_1xx    timing.ID

	onAck   func(tx *ServerTx, ack *sip.Request)
	onError func(tx *ServerTx, err error)

	terminated bool
}

func NewServerTx(
	origin *sip.Request,
	sender Sender,
	timers *timing.Service,
	logger log.Logger,
	onAck func(tx *ServerTx, ack *sip.Request),
	onError func(tx *ServerTx, err error),
) (*ServerTx, error) {
	key, err := MakeServerTxKey(origin)
	if err != nil {
		return nil, err
	}
	tx := &ServerTx{
		key:     key,
		origin:  origin,
		sender:  sender,
		timers:  timers,
		log:     logger.WithPrefix("ServerTx").WithFields(log.Fields{"key": string(key)}),
		onAck:   onAck,
		onError: onError,
	}
	tx.initFSM()
	return tx, nil
}

func (tx *ServerTx) Key() Key             { return tx.key }
func (tx *ServerTx) Origin() *sip.Request { return tx.origin }
func (tx *ServerTx) Terminated() bool     { return tx.terminated }

func (tx *ServerTx) String() string {
	return fmt.Sprintf("ServerTx<%s %s>", tx.origin.Method(), tx.key)
}

// Init arms the 100-Trying guard for INVITE: if the TU has not responded
// within Timer_1xx, the transaction answers 100 itself (RFC 3261 §17.2.1).
func (tx *ServerTx) Init() {
	tx.timer_g_time = Timer_G
	if tx.origin.IsInvite() {
		tx.timer_1xx = tx.timers.Start(Timer_1xx, func() {
			tx.log.Debugf("%s, timer_1xx fired, sending 100 Trying", tx)
			tx.Respond(sip.NewResponseFromRequest(tx.origin, 100, "Trying", ""))
		})
	}
}

// Receive feeds a retransmitted request or an ACK into the state machine.
func (tx *ServerTx) Receive(req *sip.Request) {
	var input fsm.Input
	switch {
	case req.Method() == tx.origin.Method():
		input = server_input_request
	case req.IsAck():
		input = server_input_ack
		if tx.onAck != nil {
			tx.onAck(tx, req)
		}
	default:
		tx.log.Warnf("%s, dropped uncorrelated %s", tx, req.Short())
		return
	}
	tx.fsm.Spin(input)
}

// Respond sends a TU response through the transaction.
func (tx *ServerTx) Respond(res *sip.Response) error {
	tx.lastResp = res
	if tx.timer_1xx != 0 {
		tx.timers.Stop(tx.timer_1xx)
		tx.timer_1xx = 0
	}

	var input fsm.Input
	switch {
	case res.IsProvisional():
		input = server_input_user_1xx
	case res.IsSuccess():
		input = server_input_user_2xx
	default:
		input = server_input_user_300_plus
	}
	tx.fsm.Spin(input)
	return tx.lastErr
}

func (tx *ServerTx) Terminate() {
	if tx.terminated {
		return
	}
	tx.delete()
}

// FSM states
const (
	server_state_trying = iota
	server_state_proceeding
	server_state_completed
	server_state_confirmed
	server_state_terminated
)

// FSM inputs
const (
	server_input_request fsm.Input = iota
	server_input_ack
	server_input_user_1xx
	server_input_user_2xx
	server_input_user_300_plus
	server_input_timer_g
	server_input_timer_h
	server_input_timer_i
	server_input_timer_j
	server_input_transport_err
	server_input_delete
)

func (tx *ServerTx) initFSM() {
	if tx.origin.IsInvite() {
		tx.initInviteFSM()
	} else {
		tx.initNonInviteFSM()
	}
}

func (tx *ServerTx) initInviteFSM() {
	// Proceeding
	server_state_def_proceeding := fsm.State{
		Index: server_state_proceeding,
		Outcomes: map[fsm.Input]fsm.Outcome{
			server_input_request:       {State: server_state_proceeding, Action: tx.act_respond},
			server_input_user_1xx:      {State: server_state_proceeding, Action: tx.act_respond},
			server_input_user_2xx:      {State: server_state_terminated, Action: tx.act_respond_delete},
			server_input_user_300_plus: {State: server_state_completed, Action: tx.act_respond_complete},
			server_input_transport_err: {State: server_state_terminated, Action: tx.act_trans_err},
		},
	}

	// Completed
	server_state_def_completed := fsm.State{
		Index: server_state_completed,
		Outcomes: map[fsm.Input]fsm.Outcome{
			server_input_request:       {State: server_state_completed, Action: tx.act_respond},
			server_input_ack:           {State: server_state_confirmed, Action: tx.act_confirm},
			server_input_user_1xx:      {State: server_state_completed, Action: fsm.NO_ACTION},
			server_input_user_2xx:      {State: server_state_completed, Action: fsm.NO_ACTION},
			server_input_user_300_plus: {State: server_state_completed, Action: fsm.NO_ACTION},
			server_input_timer_g:       {State: server_state_completed, Action: tx.act_respond_complete},
			server_input_timer_h:       {State: server_state_terminated, Action: tx.act_timeout},
			server_input_transport_err: {State: server_state_terminated, Action: tx.act_trans_err},
		},
	}

	// Confirmed
	server_state_def_confirmed := fsm.State{
		Index: server_state_confirmed,
		Outcomes: map[fsm.Input]fsm.Outcome{
			server_input_request:       {State: server_state_confirmed, Action: fsm.NO_ACTION},
			server_input_ack:           {State: server_state_confirmed, Action: fsm.NO_ACTION},
			server_input_user_1xx:      {State: server_state_confirmed, Action: fsm.NO_ACTION},
			server_input_user_2xx:      {State: server_state_confirmed, Action: fsm.NO_ACTION},
			server_input_user_300_plus: {State: server_state_confirmed, Action: fsm.NO_ACTION},
			server_input_timer_i:       {State: server_state_terminated, Action: tx.act_delete},
		},
	}

	// Terminated
	server_state_def_terminated := fsm.State{
		Index: server_state_terminated,
		Outcomes: map[fsm.Input]fsm.Outcome{
			server_input_request:       {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_ack:           {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_user_1xx:      {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_user_2xx:      {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_user_300_plus: {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_delete:        {State: server_state_terminated, Action: tx.act_delete},
		},
	}

	fsm_, err := fsm.Define(
		server_state_def_proceeding,
		server_state_def_completed,
		server_state_def_confirmed,
		server_state_def_terminated,
	)
	if err != nil {
		tx.log.Errorf("define INVITE server FSM failed: %s", err)
		return
	}
	tx.fsm = fsm_
}

func (tx *ServerTx) initNonInviteFSM() {
	// Trying
	server_state_def_trying := fsm.State{
		Index: server_state_trying,
		Outcomes: map[fsm.Input]fsm.Outcome{
			server_input_request:       {State: server_state_trying, Action: fsm.NO_ACTION},
			server_input_user_1xx:      {State: server_state_proceeding, Action: tx.act_respond},
			server_input_user_2xx:      {State: server_state_completed, Action: tx.act_final},
			server_input_user_300_plus: {State: server_state_completed, Action: tx.act_final},
			server_input_transport_err: {State: server_state_terminated, Action: tx.act_trans_err},
		},
	}

	// Proceeding
	server_state_def_proceeding := fsm.State{
		Index: server_state_proceeding,
		Outcomes: map[fsm.Input]fsm.Outcome{
			server_input_request:       {State: server_state_proceeding, Action: tx.act_respond},
			server_input_user_1xx:      {State: server_state_proceeding, Action: tx.act_respond},
			server_input_user_2xx:      {State: server_state_completed, Action: tx.act_final},
			server_input_user_300_plus: {State: server_state_completed, Action: tx.act_final},
			server_input_transport_err: {State: server_state_terminated, Action: tx.act_trans_err},
		},
	}

	// Completed
	server_state_def_completed := fsm.State{
		Index: server_state_completed,
		Outcomes: map[fsm.Input]fsm.Outcome{
			server_input_request:       {State: server_state_completed, Action: tx.act_respond},
			server_input_user_1xx:      {State: server_state_completed, Action: fsm.NO_ACTION},
			server_input_user_2xx:      {State: server_state_completed, Action: fsm.NO_ACTION},
			server_input_user_300_plus: {State: server_state_completed, Action: fsm.NO_ACTION},
			server_input_timer_j:       {State: server_state_terminated, Action: tx.act_delete},
			server_input_transport_err: {State: server_state_terminated, Action: tx.act_trans_err},
		},
	}

	// Terminated
	server_state_def_terminated := fsm.State{
		Index: server_state_terminated,
		Outcomes: map[fsm.Input]fsm.Outcome{
			server_input_request:       {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_user_1xx:      {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_user_2xx:      {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_user_300_plus: {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_timer_j:       {State: server_state_terminated, Action: fsm.NO_ACTION},
			server_input_delete:        {State: server_state_terminated, Action: tx.act_delete},
		},
	}

	fsm_, err := fsm.Define(
		server_state_def_trying,
		server_state_def_proceeding,
		server_state_def_completed,
		server_state_def_terminated,
	)
	if err != nil {
		tx.log.Errorf("define non-INVITE server FSM failed: %s", err)
		return
	}
	tx.fsm = fsm_
}

func (tx *ServerTx) delete() {
	if tx.terminated {
		return
	}
	tx.terminated = true
	tx.timers.Stop(tx.timer_g)
	tx.timers.Stop(tx.timer_h)
	tx.timers.Stop(tx.timer_i)
	tx.timers.Stop(tx.timer_j)
	tx.timers.Stop(tx.timer_1xx)
}

// Actions

// act_respond replays the last response; this is the absorption path for
// retransmitted requests.
func (tx *ServerTx) act_respond() fsm.Input {
	if tx.lastResp == nil {
		return fsm.NO_INPUT
	}
	tx.lastErr = tx.sender.Send(tx.lastResp)
	if tx.lastErr != nil {
		return server_input_transport_err
	}
	return fsm.NO_INPUT
}

// act_respond_complete sends the non-2xx final and arms Timer G
// (retransmit, doubling to T2) and Timer H (ACK wait).
func (tx *ServerTx) act_respond_complete() fsm.Input {
	tx.lastErr = tx.sender.Send(tx.lastResp)
	if tx.lastErr != nil {
		return server_input_transport_err
	}
	if tx.timer_g == 0 {
		tx.timer_g = tx.timers.Start(tx.timer_g_time, func() {
			tx.log.Debugf("%s, timer_g fired", tx)
			tx.fsm.Spin(server_input_timer_g)
		})
	} else {
		tx.timer_g_time *= 2
		if tx.timer_g_time > T2 {
			tx.timer_g_time = T2
		}
		tx.timers.Stop(tx.timer_g)
		tx.timer_g = tx.timers.Start(tx.timer_g_time, func() {
			tx.log.Debugf("%s, timer_g fired", tx)
			tx.fsm.Spin(server_input_timer_g)
		})
	}
	if tx.timer_h == 0 {
		tx.timer_h = tx.timers.Start(Timer_H, func() {
			tx.log.Debugf("%s, timer_h fired", tx)
			tx.fsm.Spin(server_input_timer_h)
		})
	}
	return fsm.NO_INPUT
}

// act_final sends a non-INVITE final and arms Timer J.
func (tx *ServerTx) act_final() fsm.Input {
	tx.lastErr = tx.sender.Send(tx.lastResp)
	if tx.lastErr != nil {
		return server_input_transport_err
	}
	tx.timer_j = tx.timers.Start(Timer_J, func() {
		tx.log.Debugf("%s, timer_j fired", tx)
		tx.fsm.Spin(server_input_timer_j)
	})
	return fsm.NO_INPUT
}

// act_respond_delete sends a 2xx for INVITE; further 2xx retransmission
// is the TU's responsibility (RFC 3261 §13.3.1.4).
func (tx *ServerTx) act_respond_delete() fsm.Input {
	tx.lastErr = tx.sender.Send(tx.lastResp)
	tx.delete()
	if tx.lastErr != nil {
		return server_input_transport_err
	}
	return fsm.NO_INPUT
}

// act_confirm arms Timer I after the ACK for a non-2xx final.
func (tx *ServerTx) act_confirm() fsm.Input {
	tx.timers.Stop(tx.timer_g)
	tx.timers.Stop(tx.timer_h)
	tx.timer_i = tx.timers.Start(Timer_I, func() {
		tx.log.Debugf("%s, timer_i fired", tx)
		tx.fsm.Spin(server_input_timer_i)
	})
	return fsm.NO_INPUT
}

func (tx *ServerTx) act_trans_err() fsm.Input {
	if tx.onError != nil {
		tx.onError(tx, &TxTransportError{
			Err:   fmt.Errorf("%s failed to send: %w", tx, tx.lastErr),
			TxKey: tx.key,
		})
	}
	return server_input_delete
}

func (tx *ServerTx) act_timeout() fsm.Input {
	if tx.onError != nil {
		tx.onError(tx, &TxTimeoutError{
			Err:   fmt.Errorf("%s timed out waiting for ACK", tx),
			TxKey: tx.key,
		})
	}
	return server_input_delete
}

func (tx *ServerTx) act_delete() fsm.Input {
	tx.delete()
	return fsm.NO_INPUT
}
