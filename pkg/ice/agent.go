package ice

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"time"

	"github.com/pion/stun"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

const (
	// Ta is the pacing interval between connectivity checks.
	Ta = 50 * time.Millisecond

	checkTimeout        = 2 * time.Second
	keepaliveInterval   = 15 * time.Second
	connectivityTimeout = 30 * time.Second
)

var (
	ErrNegotiationFailed = errors.New("ice: no common payload format")
	ErrNoCandidates      = errors.New("ice: no candidate pairs")
)

// Role of the agent; the offerer controls (RFC 5245 §5.2).
type Role int

const (
	Controlling Role = iota
	Controlled
)

// CheckSender transmits a datagram from the base socket of a component.
type CheckSender func(data []byte, to net.Addr, component int) error

type pendingCheck struct {
	id        [stun.TransactionIDSize]byte
	pair      *Pair
	nominate  bool
	timeoutID timing.ID
}

// Agent runs the connectivity checklist for one media session:
// pacing, triggered checks, regular nomination and keepalives.
type Agent struct {
	role       Role
	tiebreaker uint64

	localUfrag string
	localPwd   string

	remoteUfrag string
	remotePwd   string

	locals  []*Candidate
	remotes []*Candidate

	checklist []*Pair
	selected  map[int]*Pair

	components []int
	pending    map[[stun.TransactionIDSize]byte]*pendingCheck

	send        CheckSender
	timers      *timing.Service
	onCompleted func()
	onFailed    func()

	pacingOn    bool
	pacingID    timing.ID
	keepaliveID timing.ID
	keepaliveOn bool
	deadlineID  timing.ID
	deadlineOn  bool
	running     bool
	completed   bool

	log log.Logger
}

func NewAgent(role Role, ufrag, pwd string, components []int, send CheckSender,
	timers *timing.Service, logger log.Logger) *Agent {
	var tb [8]byte
	rand.Read(tb[:])
	return &Agent{
		role:       role,
		tiebreaker: binary.BigEndian.Uint64(tb[:]),
		localUfrag: ufrag,
		localPwd:   pwd,
		components: components,
		selected:   make(map[int]*Pair),
		pending:    make(map[[stun.TransactionIDSize]byte]*pendingCheck),
		send:       send,
		timers:     timers,
		log:        logger.WithPrefix("ICE"),
	}
}

func (a *Agent) Role() Role { return a.role }

// SetRemoteCredentials installs the peer's ufrag/pwd from its SDP.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) {
	a.remoteUfrag = ufrag
	a.remotePwd = pwd
}

func (a *Agent) AddLocalCandidate(c *Candidate)  { a.locals = append(a.locals, c) }
func (a *Agent) AddRemoteCandidate(c *Candidate) { a.remotes = append(a.remotes, c) }

// SelectedPair returns the nominated pair for a component once
// completed.
func (a *Agent) SelectedPair(component int) (*Pair, bool) {
	p, ok := a.selected[component]
	return p, ok
}

func (a *Agent) OnCompleted(fn func()) { a.onCompleted = fn }
func (a *Agent) OnFailed(fn func())    { a.onFailed = fn }

// FormPairs builds and prunes the checklist (RFC 5245 §5.7): pair
// candidates per component, drop srflx locals sharing a base with a
// host local, order by pair priority.
func (a *Agent) FormPairs() error {
	a.checklist = a.checklist[:0]
	for _, l := range a.locals {
		for _, r := range a.remotes {
			if l.Component != r.Component {
				continue
			}
			a.checklist = append(a.checklist, &Pair{Local: l, Remote: r, State: PairWaiting})
		}
	}

	// Prune: a srflx local is redundant with the host local that is
	// its base; checks go out from the base either way.
	pruned := a.checklist[:0]
	for _, p := range a.checklist {
		redundant := false
		if p.Local.Type == CandidateServerReflexive {
			for _, q := range a.checklist {
				if q == p || q.Remote != p.Remote {
					continue
				}
				if q.Local.Type == CandidateHost &&
					q.Local.Address == p.Local.BaseAddress && q.Local.Port == p.Local.BasePort {
					redundant = true
					break
				}
			}
		}
		if !redundant {
			pruned = append(pruned, p)
		}
	}
	a.checklist = pruned

	if len(a.checklist) == 0 {
		return ErrNoCandidates
	}
	sort.SliceStable(a.checklist, func(i, j int) bool {
		return a.checklist[i].Priority(a.role == Controlling) > a.checklist[j].Priority(a.role == Controlling)
	})
	return nil
}

// Start begins paced checks and arms the connectivity deadline.
func (a *Agent) Start() error {
	if err := a.FormPairs(); err != nil {
		return err
	}
	a.running = true
	a.deadlineID = a.timers.Start(connectivityTimeout, a.connectivityExpired)
	a.deadlineOn = true
	a.schedulePacing()
	return nil
}

// Stop cancels all scheduled work.
func (a *Agent) Stop() {
	a.running = false
	if a.pacingOn {
		a.timers.Stop(a.pacingID)
		a.pacingOn = false
	}
	if a.keepaliveOn {
		a.timers.Stop(a.keepaliveID)
		a.keepaliveOn = false
	}
	if a.deadlineOn {
		a.timers.Stop(a.deadlineID)
		a.deadlineOn = false
	}
	for _, pc := range a.pending {
		a.timers.Stop(pc.timeoutID)
	}
	a.pending = make(map[[stun.TransactionIDSize]byte]*pendingCheck)
}

func (a *Agent) schedulePacing() {
	if !a.running || a.pacingOn {
		return
	}
	a.pacingID = a.timers.Start(Ta, func() {
		a.pacingOn = false
		a.pace()
	})
	a.pacingOn = true
}

// pace sends one ordinary check per Ta tick.
func (a *Agent) pace() {
	if !a.running || a.completed {
		return
	}
	for _, p := range a.checklist {
		if p.State == PairWaiting {
			p.State = PairInProgress
			a.sendCheck(p, false)
			break
		}
	}
	a.schedulePacing()
}

func (a *Agent) sendCheck(p *Pair, nominate bool) {
	m := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	a.addCheckAttributes(m, p, nominate)

	pc := &pendingCheck{id: m.TransactionID, pair: p, nominate: nominate}
	pc.timeoutID = a.timers.Start(checkTimeout, func() {
		delete(a.pending, pc.id)
		if !nominate && p.State == PairInProgress {
			p.State = PairFailed
			a.log.Debugf("check timed out: %s", p)
			a.checkAllFailed()
		}
	})
	a.pending[pc.id] = pc

	if err := a.send(m.Raw, p.Remote.Addr(), p.Local.Component); err != nil {
		a.timers.Stop(pc.timeoutID)
		delete(a.pending, pc.id)
		p.State = PairFailed
		a.log.Warnf("check send failed: %v", err)
		a.checkAllFailed()
	}
}

func (a *Agent) addCheckAttributes(m *stun.Message, p *Pair, nominate bool) {
	username := stun.NewUsername(a.remoteUfrag + ":" + a.localUfrag)
	username.AddTo(m)

	var prio [4]byte
	// Checks advertise the priority a peer-reflexive candidate would
	// get (RFC 5245 §7.1.2.1).
	binary.BigEndian.PutUint32(prio[:], typePreference(CandidatePeerReflexive)<<24|
		uint32(65535)<<8|uint32(256-p.Local.Component))
	m.Add(stun.AttrPriority, prio[:])

	var tb [8]byte
	binary.BigEndian.PutUint64(tb[:], a.tiebreaker)
	if a.role == Controlling {
		m.Add(stun.AttrICEControlling, tb[:])
		if nominate {
			m.Add(stun.AttrUseCandidate, nil)
		}
	} else {
		m.Add(stun.AttrICEControlled, tb[:])
	}

	stun.NewShortTermIntegrity(a.remotePwd).AddTo(m)
	stun.Fingerprint.AddTo(m)
}

// HandleInbound processes one STUN datagram from a media socket.
func (a *Agent) HandleInbound(data []byte, src net.Addr, component int) {
	m := &stun.Message{Raw: append([]byte{}, data...)}
	if err := m.Decode(); err != nil {
		a.log.Debugf("bad stun message from %v: %v", src, err)
		return
	}

	switch m.Type {
	case stun.BindingRequest:
		a.handleRequest(m, src, component)
	case stun.BindingSuccess:
		a.handleSuccess(m, src)
	case stun.BindingError:
		a.handleError(m)
	default:
		// Binding Indication keepalives need no reply.
	}
}

func (a *Agent) handleRequest(m *stun.Message, src net.Addr, component int) {
	integrity := stun.NewShortTermIntegrity(a.localPwd)
	if err := integrity.Check(m); err != nil {
		a.log.Debugf("integrity check failed from %v: %v", src, err)
		return
	}

	// Role conflict (RFC 8445 §7.3.1.1, simplified): the side with the
	// lower tiebreaker switches; equal roles with higher remote
	// tiebreaker get a 487.
	var remoteTB uint64
	conflicting := false
	if v, err := m.Get(stun.AttrICEControlling); err == nil && a.role == Controlling {
		remoteTB = binary.BigEndian.Uint64(v)
		conflicting = true
	} else if v, err := m.Get(stun.AttrICEControlled); err == nil && a.role == Controlled {
		remoteTB = binary.BigEndian.Uint64(v)
		conflicting = true
	}
	if conflicting {
		if a.tiebreaker >= remoteTB {
			a.respondError(m, src, component, stun.CodeRoleConflict)
			return
		}
		if a.role == Controlling {
			a.role = Controlled
		} else {
			a.role = Controlling
		}
		a.log.Debugf("role conflict, switched to %v", a.role)
	}

	nominated := false
	if _, err := m.Get(stun.AttrUseCandidate); err == nil {
		nominated = true
	}

	a.respondSuccess(m, src, component)

	pair := a.ensurePair(src, component)
	if pair == nil {
		return
	}
	if nominated {
		pair.Nominated = true
	}
	if nominated && a.role == Controlled && pair.State == PairSucceeded {
		a.nominate(pair)
		return
	}
	// Triggered check (RFC 5245 §7.2.1.4). With Nominated already set,
	// its success response nominates on the controlled side.
	if pair.State == PairFrozen || pair.State == PairFailed {
		pair.State = PairWaiting
	}
	if pair.State == PairWaiting {
		pair.State = PairInProgress
		a.sendCheck(pair, false)
	}
}

// ensurePair finds the checklist pair matching the source address,
// creating a peer-reflexive remote when it is unknown.
func (a *Agent) ensurePair(src net.Addr, component int) *Pair {
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return nil
	}
	for _, p := range a.checklist {
		if p.Local.Component == component &&
			p.Remote.Address == udp.IP.String() && p.Remote.Port == udp.Port {
			return p
		}
	}

	var local *Candidate
	for _, l := range a.locals {
		if l.Component == component && l.Type == CandidateHost {
			local = l
			break
		}
	}
	if local == nil {
		return nil
	}
	remote := NewCandidate(CandidatePeerReflexive, component, udp.IP.String(), udp.Port, "", 0)
	a.remotes = append(a.remotes, remote)
	p := &Pair{Local: local, Remote: remote, State: PairWaiting}
	a.checklist = append(a.checklist, p)
	a.log.Debugf("learned peer-reflexive remote %s:%d", remote.Address, remote.Port)
	return p
}

func (a *Agent) respondSuccess(req *stun.Message, src net.Addr, component int) {
	udp, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	res := stun.MustBuild(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse),
		&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	)
	if err := a.send(res.Raw, src, component); err != nil {
		a.log.Warnf("stun response send failed: %v", err)
	}
}

func (a *Agent) respondError(req *stun.Message, src net.Addr, component int, code stun.ErrorCode) {
	res := stun.MustBuild(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
		stun.ErrorCodeAttribute{Code: code},
		stun.NewShortTermIntegrity(a.localPwd),
		stun.Fingerprint,
	)
	if err := a.send(res.Raw, src, component); err != nil {
		a.log.Warnf("stun error response send failed: %v", err)
	}
}

func (a *Agent) handleSuccess(m *stun.Message, src net.Addr) {
	pc, ok := a.pending[m.TransactionID]
	if !ok {
		return
	}
	if err := stun.NewShortTermIntegrity(a.remotePwd).Check(m); err != nil {
		a.log.Debugf("response integrity failed: %v", err)
		return
	}
	a.timers.Stop(pc.timeoutID)
	delete(a.pending, m.TransactionID)

	pair := pc.pair
	if pair.State != PairSucceeded {
		pair.State = PairSucceeded
		a.log.Debugf("check succeeded: %s", pair)
	}

	if pc.nominate || (a.role == Controlled && pair.Nominated) {
		a.nominate(pair)
		return
	}

	// Regular nomination: the controlling agent re-checks the best
	// succeeded pair with USE-CANDIDATE.
	if a.role == Controlling {
		if _, done := a.selected[pair.Local.Component]; !done {
			a.sendCheck(pair, true)
		}
	}
}

func (a *Agent) handleError(m *stun.Message) {
	pc, ok := a.pending[m.TransactionID]
	if !ok {
		return
	}
	a.timers.Stop(pc.timeoutID)
	delete(a.pending, m.TransactionID)

	var code stun.ErrorCodeAttribute
	if err := code.GetFrom(m); err == nil && code.Code == stun.CodeRoleConflict {
		if a.role == Controlling {
			a.role = Controlled
		} else {
			a.role = Controlling
		}
		pc.pair.State = PairWaiting
		a.log.Debugf("role conflict from peer, switched to %v", a.role)
		return
	}
	pc.pair.State = PairFailed
	a.checkAllFailed()
}

// nominate selects the pair for its component; when every component has
// a selected pair the agent completes.
func (a *Agent) nominate(p *Pair) {
	p.Nominated = true
	component := p.Local.Component
	if _, done := a.selected[component]; done {
		return
	}
	a.selected[component] = p
	a.log.Infof("component %d selected pair %s", component, p)

	for _, c := range a.components {
		if _, done := a.selected[c]; !done {
			return
		}
	}
	a.completed = true
	if a.deadlineOn {
		a.timers.Stop(a.deadlineID)
		a.deadlineOn = false
	}
	a.scheduleKeepalive()
	if a.onCompleted != nil {
		a.onCompleted()
	}
}

func (a *Agent) scheduleKeepalive() {
	if !a.running || a.keepaliveOn {
		return
	}
	a.keepaliveID = a.timers.Start(keepaliveInterval, func() {
		a.keepaliveOn = false
		a.keepalive()
	})
	a.keepaliveOn = true
}

// keepalive sends a Binding Indication on every selected pair.
func (a *Agent) keepalive() {
	if !a.running {
		return
	}
	for component, p := range a.selected {
		m := stun.MustBuild(stun.TransactionID,
			stun.NewType(stun.MethodBinding, stun.ClassIndication))
		if err := a.send(m.Raw, p.Remote.Addr(), component); err != nil {
			a.log.Warnf("keepalive send failed: %v", err)
		}
	}
	a.scheduleKeepalive()
}

func (a *Agent) connectivityExpired() {
	a.deadlineOn = false
	if a.completed {
		return
	}
	a.running = false
	a.log.Warnf("connectivity checks timed out")
	if a.onFailed != nil {
		a.onFailed()
	}
}

func (a *Agent) checkAllFailed() {
	if a.completed || !a.running {
		return
	}
	for _, p := range a.checklist {
		if p.State != PairFailed {
			return
		}
	}
	a.running = false
	if a.deadlineOn {
		a.timers.Stop(a.deadlineID)
		a.deadlineOn = false
	}
	if a.onFailed != nil {
		a.onFailed()
	}
}
