package ice

import (
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
)

// CandidateType per RFC 5245 §4.1.1.1.
type CandidateType string

const (
	CandidateHost            CandidateType = "host"
	CandidatePeerReflexive   CandidateType = "prflx"
	CandidateServerReflexive CandidateType = "srflx"
	CandidateRelay           CandidateType = "relay"
)

// type preferences per RFC 5245 §4.1.2.2.
func typePreference(t CandidateType) uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	default:
		return 0
	}
}

const (
	ComponentRTP  = 1
	ComponentRTCP = 2
)

// Candidate is one transport address a peer offers for media.
type Candidate struct {
	Foundation string
	Component  int
	Type       CandidateType
	Address    string
	Port       int
	Priority   uint32

	// Base is the local address checks for this candidate are sent
	// from. For host candidates it equals Address:Port.
	BaseAddress string
	BasePort    int
}

// NewCandidate computes priority and foundation per RFC 5245 §4.1.2.1:
// priority = 2^24*typepref + 2^8*localpref + (256 - component).
func NewCandidate(t CandidateType, component int, address string, port int, baseAddress string, basePort int) *Candidate {
	localPref := uint32(65535)
	c := &Candidate{
		Component:   component,
		Type:        t,
		Address:     address,
		Port:        port,
		BaseAddress: baseAddress,
		BasePort:    basePort,
	}
	c.Priority = typePreference(t)<<24 | localPref<<8 | uint32(256-component)
	c.Foundation = foundation(t, baseAddress)
	return c
}

// foundation groups candidates of the same type and base (RFC 5245
// §4.1.1.3). A CRC over the pair keeps it compact and stable.
func foundation(t CandidateType, baseAddress string) string {
	sum := crc32.ChecksumIEEE([]byte(string(t) + "/" + baseAddress))
	return strconv.FormatUint(uint64(sum&0xFFFFFF), 10)
}

func (c *Candidate) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(c.Address), Port: c.Port}
}

// Marshal renders the candidate-attribute value for a=candidate lines.
func (c *Candidate) Marshal() string {
	s := fmt.Sprintf("%s %d UDP %d %s %d typ %s",
		c.Foundation, c.Component, c.Priority, c.Address, c.Port, c.Type)
	if c.Type != CandidateHost && c.BaseAddress != "" {
		s += fmt.Sprintf(" raddr %s rport %d", c.BaseAddress, c.BasePort)
	}
	return s
}

// ParseCandidate parses a candidate-attribute value (without the
// "candidate:" prefix).
func ParseCandidate(value string) (*Candidate, error) {
	fields := strings.Fields(value)
	if len(fields) < 8 || fields[6] != "typ" {
		return nil, fmt.Errorf("ice: malformed candidate %q", value)
	}
	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("ice: bad component in %q", value)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("ice: bad priority in %q", value)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, fmt.Errorf("ice: bad port in %q", value)
	}

	c := &Candidate{
		Foundation: fields[0],
		Component:  component,
		Type:       CandidateType(fields[7]),
		Address:    fields[4],
		Port:       port,
		Priority:   uint32(priority),
	}
	for i := 8; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "raddr":
			c.BaseAddress = fields[i+1]
		case "rport":
			if p, err := strconv.Atoi(fields[i+1]); err == nil {
				c.BasePort = p
			}
		}
	}
	if c.Type == CandidateHost {
		c.BaseAddress = c.Address
		c.BasePort = c.Port
	}
	return c, nil
}

// Pair is a local/remote candidate pairing on one component.
type Pair struct {
	Local  *Candidate
	Remote *Candidate

	State     PairState
	Nominated bool
}

type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "Frozen"
	case PairWaiting:
		return "Waiting"
	case PairInProgress:
		return "InProgress"
	case PairSucceeded:
		return "Succeeded"
	case PairFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Priority computes the pair priority per RFC 5245 §5.7.2 with G the
// controlling side's candidate priority and D the controlled side's.
func (p *Pair) Priority(controlling bool) uint64 {
	g := uint64(p.Local.Priority)
	d := uint64(p.Remote.Priority)
	if !controlling {
		g, d = d, g
	}
	min, max := g, d
	if d < g {
		min, max = d, g
	}
	var gr uint64
	if g > d {
		gr = 1
	}
	return (min << 32) + (max << 1) + gr
}

func (p *Pair) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d (%s)",
		p.Local.Address, p.Local.Port, p.Remote.Address, p.Remote.Port, p.State)
}
