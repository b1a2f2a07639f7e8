package ua

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/xbitsmaster/lwsip/pkg/account"
	"github.com/xbitsmaster/lwsip/pkg/auth"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/timing"
	"github.com/xbitsmaster/lwsip/pkg/transaction"
	"github.com/xbitsmaster/lwsip/pkg/utils"
)

const (
	defaultExpires    = 3600
	maxRetryInterval  = 60 * time.Second
	initRetryInterval = 1 * time.Second
)

// Register owns one registration binding: initial REGISTER, transparent
// digest retry, refresh at 90% of the granted interval and exponential
// retry after transport failures.
type Register struct {
	ua        *UserAgent
	profile   *account.Profile
	recipient *sip.Uri
	request   *sip.Request

	state      account.RegState
	challenged bool
	expires    uint32

	refreshID timing.ID
	refreshOn bool
	retryID   timing.ID
	retryOn   bool
	backoff   time.Duration

	stopped bool
}

func NewRegister(ua *UserAgent, profile *account.Profile, recipient *sip.Uri) *Register {
	return &Register{
		ua:        ua,
		profile:   profile,
		recipient: recipient,
		state:     account.Unregistered,
		backoff:   initRetryInterval,
	}
}

func (r *Register) State() account.RegState { return r.state }

// SendRegister sends a REGISTER with the given expiry. expires=0
// deregisters and cancels the refresh.
func (r *Register) SendRegister(expires uint32) error {
	if r.stopped {
		return nil
	}
	s := r.ua.config.SipStack
	profile := r.profile

	if expires == 0 {
		r.cancelRefresh()
		r.cancelRetry()
	}
	r.expires = expires

	if r.request == nil {
		from := &sip.Address{
			DisplayName: profile.DisplayName,
			Uri:         profile.URI.Clone(),
			Params:      sip.NewParams().Add("tag", utils.RandString(8)),
		}
		to := &sip.Address{Uri: profile.URI.Clone(), Params: sip.NewParams()}
		contact := r.ua.buildContact(profile)
		callID := sip.CallID(uuid.New().String())

		request := sip.NewRequest(sip.REGISTER, r.recipient.Clone(), s.ViaHop(), from, to, callID, 1)
		request.AppendHeader(&sip.ContactHeader{Address: contact})
		r.request = request
	} else {
		if cseq, ok := r.request.CSeq(); ok {
			cseq.SeqNo++
		}
		if via, ok := r.request.ViaHop(); ok {
			via.Params.Add("branch", sip.GenerateBranch())
		}
	}

	r.request.RemoveHeader("Expires")
	expiresHeader := sip.Expires(expires)
	r.request.AppendHeader(&expiresHeader)

	switch r.state {
	case account.Registered, account.Refreshing:
		r.setState(account.Refreshing, 0, "", 0, nil)
	default:
		r.setState(account.Registering, 0, "", 0, nil)
	}
	r.challenged = false

	_, err := s.Request(r.request.Clone(), r.onResponse, r.onError)
	if err != nil {
		r.scheduleRetry()
		return err
	}
	return nil
}

// Deregister removes the binding.
func (r *Register) Deregister() error {
	if r.request == nil {
		return nil
	}
	return r.SendRegister(0)
}

// Stop cancels all scheduled work without signaling.
func (r *Register) Stop() {
	r.stopped = true
	r.cancelRefresh()
	r.cancelRetry()
}

func (r *Register) onResponse(tx *transaction.ClientTx, res *sip.Response) {
	if r.stopped || res.IsProvisional() {
		return
	}
	code := res.StatusCode()

	switch {
	case res.IsSuccess():
		r.backoff = initRetryInterval
		granted := r.grantedExpires(res)
		if r.expires == 0 || granted == 0 {
			r.setState(account.Unregistered, code, res.Reason(), 0, res)
			return
		}
		r.setState(account.Registered, code, res.Reason(), granted, res)
		r.scheduleRefresh(granted)

	case code == 401 || code == 407:
		if r.challenged || r.profile.AuthInfo == nil {
			r.setState(account.AuthFailed, code, res.Reason(), 0, res)
			return
		}
		r.challenged = true
		r.setState(account.Challenged, code, res.Reason(), 0, res)

		request := tx.Origin().Clone()
		if err := auth.AuthorizeRequest(request, res, r.profile.AuthInfo.AuthUser, r.profile.AuthInfo.Password); err != nil {
			r.ua.log.Errorf("REGISTER authorization failed: %v", err)
			r.setState(account.AuthFailed, code, res.Reason(), 0, res)
			return
		}
		// Keep the authorized request so refreshes carry credentials.
		r.request = request.Clone()
		r.setState(account.Registering, 0, "", 0, nil)
		if _, err := r.ua.config.SipStack.Request(request, r.onResponse, r.onError); err != nil {
			r.ua.log.Errorf("REGISTER resend failed: %v", err)
			r.scheduleRetry()
		}

	default:
		r.setState(account.RegFailed, code, res.Reason(), 0, res)
	}
}

func (r *Register) onError(tx *transaction.ClientTx, err error) {
	if r.stopped {
		return
	}
	r.ua.log.Warnf("REGISTER failed: %v", err)
	r.setState(account.Unregistered, 0, err.Error(), 0, nil)
	r.scheduleRetry()
}

// grantedExpires resolves the registrar's granted interval: Contact
// expires param, then Expires header, then the requested value.
func (r *Register) grantedExpires(res *sip.Response) uint32 {
	if contact, ok := res.Contact(); ok {
		if v, found := contact.Address.Params.Get("expires"); found {
			if granted, err := strconv.ParseUint(v, 10, 32); err == nil {
				return uint32(granted)
			}
		}
	}
	if expires, ok := res.Expires(); ok {
		return uint32(expires)
	}
	if r.expires != 0 {
		return r.expires
	}
	return defaultExpires
}

func (r *Register) scheduleRefresh(granted uint32) {
	r.cancelRefresh()
	d := time.Duration(granted) * time.Second * 9 / 10
	r.refreshID = r.ua.config.SipStack.Timers().Start(d, func() {
		r.refreshOn = false
		r.setState(account.Refreshing, 0, "", 0, nil)
		if err := r.SendRegister(r.expires); err != nil {
			r.ua.log.Warnf("refresh REGISTER failed: %v", err)
		}
	})
	r.refreshOn = true
}

func (r *Register) scheduleRetry() {
	if r.stopped || r.expires == 0 {
		return
	}
	r.cancelRetry()
	d := r.backoff
	r.backoff *= 2
	if r.backoff > maxRetryInterval {
		r.backoff = maxRetryInterval
	}
	r.retryID = r.ua.config.SipStack.Timers().Start(d, func() {
		r.retryOn = false
		if err := r.SendRegister(r.expires); err != nil {
			r.ua.log.Warnf("retry REGISTER failed: %v", err)
		}
	})
	r.retryOn = true
}

func (r *Register) cancelRefresh() {
	if r.refreshOn {
		r.ua.config.SipStack.Timers().Stop(r.refreshID)
		r.refreshOn = false
	}
}

func (r *Register) cancelRetry() {
	if r.retryOn {
		r.ua.config.SipStack.Timers().Stop(r.retryID)
		r.retryOn = false
	}
}

func (r *Register) setState(state account.RegState, code sip.StatusCode, reason string, expiration uint32, res *sip.Response) {
	r.state = state
	if r.ua.RegisterStateHandler != nil && state != account.Challenged {
		r.ua.RegisterStateHandler(account.RegisterState{
			Account:    r.profile,
			State:      state,
			StatusCode: code,
			Reason:     reason,
			Expiration: expiration,
			Response:   res,
		})
	}
}
