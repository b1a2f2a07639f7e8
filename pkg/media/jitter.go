package media

import (
	"sort"
	"time"

	"github.com/xbitsmaster/lwsip/pkg/timing"
)

const jitterMaxPackets = 100

type jitterEntry struct {
	extSeq  uint32
	ts      uint32
	payload []byte
	arrived time.Time
}

// JitterBuffer reorders inbound RTP payloads by extended sequence
// number. Frames are emitted in order once the head has aged maxAge or
// the buffer is full; gaps beyond that window count as lost.
type JitterBuffer struct {
	entries []jitterEntry
	maxAge  time.Duration
	clock   timing.Clock

	// nextSeq is the extended sequence number expected next; zero
	// until the first pop.
	nextSeq    uint32
	havePopped bool

	cycles  uint32
	highest uint16
	haveSeq bool

	lost uint64
}

func NewJitterBuffer(maxAge time.Duration, clock timing.Clock) *JitterBuffer {
	if clock == nil {
		clock = timing.SystemClock()
	}
	return &JitterBuffer{maxAge: maxAge, clock: clock}
}

// extend maps a 16-bit sequence number onto the 32-bit extended space,
// tracking wraparound (RFC 3550 A.1).
func (jb *JitterBuffer) extend(seq uint16) uint32 {
	if !jb.haveSeq {
		jb.haveSeq = true
		jb.highest = seq
		return uint32(seq)
	}
	delta := int32(int16(seq - jb.highest))
	if delta > 0 {
		if seq < jb.highest {
			jb.cycles++
		}
		jb.highest = seq
	}
	cycles := jb.cycles
	// A late packet from before the wrap belongs to the previous
	// cycle.
	if delta < 0 && seq > jb.highest {
		cycles--
	}
	return cycles<<16 | uint32(seq)
}

// Push inserts one payload. Duplicates and packets older than the next
// expected emit are dropped.
func (jb *JitterBuffer) Push(seq uint16, ts uint32, payload []byte) {
	ext := jb.extend(seq)
	if jb.havePopped && ext < jb.nextSeq {
		return
	}
	for _, e := range jb.entries {
		if e.extSeq == ext {
			return
		}
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	jb.entries = append(jb.entries, jitterEntry{extSeq: ext, ts: ts, payload: buf, arrived: jb.clock.Now()})
	sort.Slice(jb.entries, func(i, j int) bool { return jb.entries[i].extSeq < jb.entries[j].extSeq })
}

// Pop returns the next in-order payload, or nil when nothing is ready.
// A head frame is ready when it is the expected sequence, has aged out,
// or the buffer is full.
func (jb *JitterBuffer) Pop() []byte {
	if len(jb.entries) == 0 {
		return nil
	}
	head := jb.entries[0]

	inOrder := !jb.havePopped || head.extSeq == jb.nextSeq
	aged := jb.clock.Now().Sub(head.arrived) >= jb.maxAge
	full := len(jb.entries) >= jitterMaxPackets

	if !inOrder && !aged && !full {
		return nil
	}

	if jb.havePopped && head.extSeq > jb.nextSeq {
		jb.lost += uint64(head.extSeq - jb.nextSeq)
	}
	jb.entries = jb.entries[1:]
	jb.nextSeq = head.extSeq + 1
	jb.havePopped = true
	return head.payload
}

// Lost reports packets skipped over as lost.
func (jb *JitterBuffer) Lost() uint64 { return jb.lost }

// Len reports buffered packets.
func (jb *JitterBuffer) Len() int { return len(jb.entries) }
