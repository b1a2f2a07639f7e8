package ice

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/pixelbender/go-sdp/sdp"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/media"
	"github.com/xbitsmaster/lwsip/pkg/timing"
	"github.com/xbitsmaster/lwsip/pkg/transport"
	"github.com/xbitsmaster/lwsip/pkg/utils"
)

// SessionState is the media session lifecycle.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionGathering
	SessionReady
	SessionConnecting
	SessionConnected
	SessionFailed
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "Idle"
	case SessionGathering:
		return "Gathering"
	case SessionReady:
		return "Ready"
	case SessionConnecting:
		return "Connecting"
	case SessionConnected:
		return "Connected"
	case SessionFailed:
		return "Failed"
	case SessionTerminated:
		return "Terminated"
	}
	return "Unknown"
}

const (
	defaultGatherTimeout = 5 * time.Second
	gatherQueryTimeout   = 5 * time.Second
)

// SessionStateHandler observes session transitions.
type SessionStateHandler func(old, new SessionState)

// SessionConfig tunes one media session.
type SessionConfig struct {
	// Host is the local address candidates advertise. Empty means it is
	// resolved from the wildcard bind.
	Host string

	// STUNServers lists "host:port" addresses queried for
	// server-reflexive candidates. Empty skips reflexive gathering.
	STUNServers []string

	GatherTimeout time.Duration

	// PortMin/PortMax bound the media socket ports; zero binds
	// ephemeral ports.
	PortMin int
	PortMax int

	// WithRTCP adds a second component on its own socket.
	WithRTCP bool

	Formats        []*sdp.Format
	JitterBufferMS int
}

type gatherQuery struct {
	server    net.Addr
	component int
	timerID   timing.ID
}

// MediaSession owns the media sockets for one call: it gathers
// candidates, runs the connectivity agent over them and feeds the RTP
// engine once a pair is nominated. Everything is driven by Loop; no
// callback blocks.
type MediaSession struct {
	config SessionConfig
	state  SessionState

	timers *timing.Service
	agent  *Agent
	rtp    *media.RTPEngine

	transports map[int]transport.Transport
	components []int

	ufrag, pwd string
	candidates []*Candidate
	localSDP   string
	remote     *RemoteDescription
	format     *sdp.Format

	// fallbackDest is used when the peer offered no candidates and
	// connectivity checks are skipped.
	fallbackDest map[int]net.Addr

	gatherQueries map[[stun.TransactionIDSize]byte]*gatherQuery
	gatherID      timing.ID
	gatherOn      bool

	// sdpReady and remoteIn are the only cross-thread seams in the
	// optional two-thread split. Both are bounded at one message;
	// pushes replace any unread value.
	sdpReady chan string
	remoteIn chan string

	onStateChanged SessionStateHandler

	log log.Logger
}

// NewMediaSession binds the component sockets and prepares the engine.
// The caller drives it with Loop.
func NewMediaSession(config SessionConfig, timers *timing.Service, logger log.Logger) (*MediaSession, error) {
	if config.GatherTimeout == 0 {
		config.GatherTimeout = defaultGatherTimeout
	}
	if len(config.Formats) == 0 {
		config.Formats = []*sdp.Format{media.PCMA.Format(), media.PCMU.Format()}
	}

	s := &MediaSession{
		config:        config,
		state:         SessionIdle,
		timers:        timers,
		transports:    make(map[int]transport.Transport),
		ufrag:         utils.RandString(8),
		pwd:           utils.RandString(24),
		fallbackDest:  make(map[int]net.Addr),
		gatherQueries: make(map[[stun.TransactionIDSize]byte]*gatherQuery),
		sdpReady:      make(chan string, 1),
		remoteIn:      make(chan string, 1),
		log:           logger.WithPrefix("MediaSession"),
	}

	s.components = []int{ComponentRTP}
	if config.WithRTCP {
		s.components = append(s.components, ComponentRTCP)
	}
	for _, comp := range s.components {
		tp, err := s.bindComponent(comp)
		if err != nil {
			s.closeTransports()
			return nil, err
		}
		s.transports[comp] = tp
	}
	if s.config.Host == "" {
		s.config.Host = utils.GetIP(s.transports[ComponentRTP].LocalAddr().String())
	}

	s.rtp = media.NewRTPEngine(media.RTPConfig{
		JitterBufferMS: config.JitterBufferMS,
	}, timers, logger)
	return s, nil
}

func (s *MediaSession) bindComponent(comp int) (transport.Transport, error) {
	handler := transport.Handler{
		OnData: func(_ transport.Transport, data []byte, from net.Addr) {
			s.onData(comp, data, from)
		},
		OnError: func(_ transport.Transport, err error) {
			s.log.Warnf("component %d socket error: %v", comp, err)
		},
	}
	host := s.config.Host
	if s.config.PortMin == 0 {
		return transport.New(transport.Config{
			Type:       transport.TypeUDP,
			ListenAddr: fmt.Sprintf("%s:0", host),
		}, handler, s.log)
	}
	for port := s.config.PortMin; port <= s.config.PortMax; port++ {
		tp, err := transport.New(transport.Config{
			Type:       transport.TypeUDP,
			ListenAddr: fmt.Sprintf("%s:%d", host, port),
		}, handler, s.log)
		if err == nil {
			return tp, nil
		}
	}
	return nil, fmt.Errorf("ice: no free port in [%d,%d]", s.config.PortMin, s.config.PortMax)
}

func (s *MediaSession) State() SessionState { return s.state }

func (s *MediaSession) OnStateChanged(h SessionStateHandler) { s.onStateChanged = h }

func (s *MediaSession) RTP() *media.RTPEngine { return s.rtp }

func (s *MediaSession) LocalSDP() string { return s.localSDP }

// SelectedFormat is the negotiated payload, nil before the answer is
// applied.
func (s *MediaSession) SelectedFormat() *sdp.Format { return s.format }

// OnSDPReady surfaces the local description once gathering finishes.
// The channel holds at most one pending value.
func (s *MediaSession) OnSDPReady() <-chan string { return s.sdpReady }

// SetRemoteSDP queues the peer description for the next Loop. A second
// call before the session consumed the first replaces it.
func (s *MediaSession) SetRemoteSDP(raw string) {
	select {
	case <-s.remoteIn:
	default:
	}
	s.remoteIn <- raw
}

func (s *MediaSession) setState(state SessionState) {
	if s.state == state {
		return
	}
	old := s.state
	s.state = state
	s.log.Debugf("state %s -> %s", old, state)
	if s.onStateChanged != nil {
		s.onStateChanged(old, state)
	}
}

// GatherCandidates collects host candidates and queries the STUN
// servers for reflexive ones. The offerer takes the controlling role.
func (s *MediaSession) GatherCandidates(role Role) error {
	if s.state != SessionIdle {
		return fmt.Errorf("ice: gather in state %s", s.state)
	}
	s.agent = NewAgent(role, s.ufrag, s.pwd, s.components, s.sendFor, s.timers, s.log)
	s.agent.OnCompleted(s.connected)
	s.agent.OnFailed(func() { s.setState(SessionFailed) })
	s.setState(SessionGathering)

	for _, comp := range s.components {
		port := utils.StrToUint16(utils.GetPort(s.transports[comp].LocalAddr().String()))
		c := NewCandidate(CandidateHost, comp, s.config.Host, int(port), "", 0)
		s.candidates = append(s.candidates, c)
	}

	for _, server := range s.config.STUNServers {
		addr, err := net.ResolveUDPAddr("udp", server)
		if err != nil {
			s.log.Warnf("bad stun server %q: %v", server, err)
			continue
		}
		for _, comp := range s.components {
			s.sendGatherQuery(addr, comp)
		}
	}

	if len(s.gatherQueries) == 0 {
		s.finishGather()
		return nil
	}
	s.gatherID = s.timers.Start(s.config.GatherTimeout, func() {
		s.gatherOn = false
		s.finishGather()
	})
	s.gatherOn = true
	return nil
}

func (s *MediaSession) sendGatherQuery(server net.Addr, comp int) {
	m := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var id [stun.TransactionIDSize]byte
	copy(id[:], m.TransactionID[:])

	q := &gatherQuery{server: server, component: comp}
	q.timerID = s.timers.Start(gatherQueryTimeout, func() {
		if _, ok := s.gatherQueries[id]; !ok {
			return
		}
		delete(s.gatherQueries, id)
		s.log.Debugf("stun query to %s timed out", server)
		s.maybeFinishGather()
	})
	s.gatherQueries[id] = q

	if _, err := s.transports[comp].Send(m.Raw, server); err != nil {
		s.timers.Stop(q.timerID)
		delete(s.gatherQueries, id)
		s.log.Warnf("stun query to %s failed: %v", server, err)
	}
}

func (s *MediaSession) maybeFinishGather() {
	if s.state == SessionGathering && len(s.gatherQueries) == 0 {
		if s.gatherOn {
			s.timers.Stop(s.gatherID)
			s.gatherOn = false
		}
		s.finishGather()
	}
}

func (s *MediaSession) finishGather() {
	if s.state != SessionGathering {
		return
	}
	for id, q := range s.gatherQueries {
		s.timers.Stop(q.timerID)
		delete(s.gatherQueries, id)
	}
	for _, c := range s.candidates {
		s.agent.AddLocalCandidate(c)
	}

	rtpPort := 0
	for _, c := range s.candidates {
		if c.Component == ComponentRTP && c.Type == CandidateHost {
			rtpPort = c.Port
			break
		}
	}
	s.localSDP = BuildSDP(s.config.Host, rtpPort, s.ufrag, s.pwd, s.config.Formats, s.candidates)
	s.setState(SessionReady)

	select {
	case <-s.sdpReady:
	default:
	}
	s.sdpReady <- s.localSDP
}

// ApplyRemote installs the peer description and starts connectivity
// checks, or goes straight to Connected when the peer offered no
// candidates.
func (s *MediaSession) ApplyRemote(raw string) error {
	desc, err := ParseSDP(raw)
	if err != nil {
		return err
	}
	format, err := SelectFormat(s.config.Formats, desc.Formats)
	if err != nil {
		return err
	}
	s.remote = desc
	s.format = format
	if codec, ok := media.CodecByPayload(format.Payload); ok {
		s.rtp.SetCodec(codec)
	}

	if len(desc.Candidates) == 0 {
		addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", desc.Address, desc.Port))
		if err != nil {
			return fmt.Errorf("ice: bad remote address: %w", err)
		}
		s.fallbackDest[ComponentRTP] = addr
		if s.config.WithRTCP {
			s.fallbackDest[ComponentRTCP] = &net.UDPAddr{IP: addr.IP, Port: addr.Port + 1}
		}
		s.log.Infof("no remote candidates, using %s directly", addr)
		s.connected()
		return nil
	}

	s.agent.SetRemoteCredentials(desc.Ufrag, desc.Pwd)
	for _, c := range desc.Candidates {
		s.agent.AddRemoteCandidate(c)
	}
	s.setState(SessionConnecting)
	if err := s.agent.Start(); err != nil {
		s.setState(SessionFailed)
		return err
	}
	return nil
}

func (s *MediaSession) connected() {
	if s.state == SessionConnected {
		return
	}
	s.setState(SessionConnected)
	if err := s.rtp.Start(s.sendRTP, s.sendRTCP); err != nil {
		s.log.Errorf("rtp start failed: %v", err)
		s.setState(SessionFailed)
	}
}

// mediaDest resolves where a component's traffic goes: the nominated
// pair when checks ran, the fallback address otherwise.
func (s *MediaSession) mediaDest(comp int) (transport.Transport, net.Addr) {
	tp, ok := s.transports[comp]
	if !ok {
		tp = s.transports[ComponentRTP]
		comp = ComponentRTP
	}
	if s.agent != nil {
		if pair, ok := s.agent.SelectedPair(comp); ok {
			return tp, pair.Remote.Addr()
		}
	}
	return tp, s.fallbackDest[comp]
}

func (s *MediaSession) sendRTP(data []byte) error {
	tp, dest := s.mediaDest(ComponentRTP)
	if dest == nil {
		return transport.ErrNotConnected
	}
	_, err := tp.Send(data, dest)
	return err
}

func (s *MediaSession) sendRTCP(data []byte) error {
	comp := ComponentRTP
	if s.config.WithRTCP {
		comp = ComponentRTCP
	}
	tp, dest := s.mediaDest(comp)
	if dest == nil {
		return transport.ErrNotConnected
	}
	_, err := tp.Send(data, dest)
	return err
}

// sendFor is the agent's check sender.
func (s *MediaSession) sendFor(data []byte, to net.Addr, component int) error {
	tp, ok := s.transports[component]
	if !ok {
		return transport.ErrNotConnected
	}
	_, err := tp.Send(data, to)
	return err
}

func (s *MediaSession) onData(comp int, data []byte, from net.Addr) {
	switch media.ClassifyPacket(data) {
	case media.PacketSTUN:
		if s.handleGatherResponse(data) {
			return
		}
		if s.agent != nil {
			s.agent.HandleInbound(data, from, comp)
		}
	case media.PacketRTP:
		s.rtp.HandleRTP(data)
	case media.PacketRTCP:
		s.rtp.HandleRTCP(data)
	default:
		s.log.Tracef("dropped %d unclassifiable bytes from %s", len(data), from)
	}
}

// handleGatherResponse consumes Binding responses belonging to the
// gathering phase. Returns false when the message is the agent's.
func (s *MediaSession) handleGatherResponse(data []byte) bool {
	if len(s.gatherQueries) == 0 {
		return false
	}
	m := &stun.Message{Raw: append([]byte{}, data...)}
	if err := m.Decode(); err != nil {
		return false
	}
	var id [stun.TransactionIDSize]byte
	copy(id[:], m.TransactionID[:])
	q, ok := s.gatherQueries[id]
	if !ok {
		return false
	}
	s.timers.Stop(q.timerID)
	delete(s.gatherQueries, id)

	if m.Type == stun.BindingSuccess {
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(m); err == nil {
			base := s.transports[q.component].LocalAddr().String()
			c := NewCandidate(CandidateServerReflexive, q.component,
				mapped.IP.String(), mapped.Port,
				utils.GetIP(base), int(utils.StrToUint16(utils.GetPort(base))))
			s.candidates = append(s.candidates, c)
			s.log.Debugf("reflexive candidate %s:%d", mapped.IP, mapped.Port)
		}
	}
	s.maybeFinishGather()
	return true
}

// Loop drives the media sockets and applies any queued remote SDP.
// Timer callbacks fire from the owning timing service.
func (s *MediaSession) Loop(timeout time.Duration) int {
	select {
	case raw := <-s.remoteIn:
		if err := s.ApplyRemote(raw); err != nil {
			s.log.Errorf("apply remote sdp failed: %v", err)
			s.setState(SessionFailed)
		}
	default:
	}

	processed := 0
	slice := timeout / time.Duration(len(s.components))
	if slice <= 0 {
		slice = time.Millisecond
	}
	for _, comp := range s.components {
		n, err := s.transports[comp].Loop(slice)
		if err != nil && err != transport.ErrClosed {
			s.log.Warnf("component %d loop: %v", comp, err)
		}
		processed += n
	}
	return processed
}

func (s *MediaSession) closeTransports() {
	for _, tp := range s.transports {
		tp.Close()
	}
}

// Close tears the session down. Idempotent.
func (s *MediaSession) Close() {
	if s.state == SessionTerminated {
		return
	}
	s.rtp.Stop()
	if s.agent != nil {
		s.agent.Stop()
	}
	if s.gatherOn {
		s.timers.Stop(s.gatherID)
		s.gatherOn = false
	}
	for id, q := range s.gatherQueries {
		s.timers.Stop(q.timerID)
		delete(s.gatherQueries, id)
	}
	s.closeTransports()
	s.setState(SessionTerminated)
}
