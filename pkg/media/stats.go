package media

import (
	"time"
)

// Stats keeps the RFC 3550 sender/receiver bookkeeping for one stream.
type Stats struct {
	PacketsSent uint32
	BytesSent   uint32
	PacketsRecv uint32
	BytesRecv   uint32

	baseSeq   uint32
	maxExtSeq uint32
	cycles    uint32
	maxSeq    uint16
	haveSeq   bool

	// expectedPrior/receivedPrior snapshot the counts at the last
	// report interval for fraction-lost (RFC 3550 A.3).
	expectedPrior uint32
	receivedPrior uint32

	// jitter is the interarrival jitter estimate scaled per A.8.
	jitter      float64
	lastTransit int64
	haveTransit bool

	// lastSR and lastSRTime back LSR/DLSR in receiver reports.
	lastSR     uint32
	lastSRTime time.Time
}

// OnSent accounts one outbound RTP packet.
func (s *Stats) OnSent(payloadBytes int) {
	s.PacketsSent++
	s.BytesSent += uint32(payloadBytes)
}

// OnReceived accounts one inbound RTP packet and updates the jitter
// estimate. arrivalRTP is the arrival time expressed in RTP clock
// units.
func (s *Stats) OnReceived(seq uint16, rtpTS uint32, arrivalRTP uint32, payloadBytes int) {
	s.PacketsRecv++
	s.BytesRecv += uint32(payloadBytes)

	if !s.haveSeq {
		s.haveSeq = true
		s.baseSeq = uint32(seq)
		s.maxSeq = seq
		s.maxExtSeq = uint32(seq)
	} else {
		if int16(seq-s.maxSeq) > 0 {
			if seq < s.maxSeq {
				s.cycles++
			}
			s.maxSeq = seq
			s.maxExtSeq = s.cycles<<16 | uint32(seq)
		}
	}

	transit := int64(arrivalRTP) - int64(rtpTS)
	if s.haveTransit {
		d := transit - s.lastTransit
		if d < 0 {
			d = -d
		}
		s.jitter += (float64(d) - s.jitter) / 16
	}
	s.lastTransit = transit
	s.haveTransit = true
}

// CumulativeLost is highest extended seq received minus packets
// received.
func (s *Stats) CumulativeLost() uint32 {
	expected := s.maxExtSeq - s.baseSeq + 1
	if !s.haveSeq || expected < s.PacketsRecv {
		return 0
	}
	return expected - s.PacketsRecv
}

// FractionLost computes the loss fraction since the previous report
// and resets the interval (RFC 3550 A.3).
func (s *Stats) FractionLost() uint8 {
	expected := uint32(0)
	if s.haveSeq {
		expected = s.maxExtSeq - s.baseSeq + 1
	}
	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.PacketsRecv - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.PacketsRecv

	if expectedInterval == 0 || expectedInterval < receivedInterval {
		return 0
	}
	lostInterval := expectedInterval - receivedInterval
	return uint8((lostInterval << 8) / expectedInterval)
}

// Jitter returns the current interarrival jitter in RTP clock units.
func (s *Stats) Jitter() uint32 { return uint32(s.jitter) }

// HighestExtSeq returns the extended highest sequence received.
func (s *Stats) HighestExtSeq() uint32 { return s.maxExtSeq }

// OnSenderReport records the middle 32 bits of the SR NTP timestamp
// for LSR.
func (s *Stats) OnSenderReport(ntpTime uint64, now time.Time) {
	s.lastSR = uint32(ntpTime >> 16)
	s.lastSRTime = now
}

// LastSR returns LSR and DLSR (1/65536 s units) for receiver reports.
func (s *Stats) LastSR(now time.Time) (lsr uint32, dlsr uint32) {
	if s.lastSRTime.IsZero() {
		return 0, 0
	}
	delay := now.Sub(s.lastSRTime)
	return s.lastSR, uint32(delay.Seconds() * 65536)
}

// NTPTime converts a wall-clock time to the 64-bit NTP format used in
// sender reports.
func NTPTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1e9
	return secs<<32 | frac
}
