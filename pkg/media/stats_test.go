package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatsCountsAndHighestSeq(t *testing.T) {
	var s Stats

	s.OnSent(160)
	s.OnSent(160)
	assert.Equal(t, uint32(2), s.PacketsSent)
	assert.Equal(t, uint32(320), s.BytesSent)

	s.OnReceived(100, 0, 0, 160)
	s.OnReceived(101, 160, 160, 160)
	s.OnReceived(103, 480, 480, 160)
	assert.Equal(t, uint32(3), s.PacketsRecv)
	assert.Equal(t, uint32(480), s.BytesRecv)
	assert.Equal(t, uint32(103), s.HighestExtSeq())
	assert.Equal(t, uint32(1), s.CumulativeLost())
}

func TestStatsFractionLostPerInterval(t *testing.T) {
	var s Stats

	// First interval: 100..103 expected with 102 missing.
	s.OnReceived(100, 0, 0, 160)
	s.OnReceived(101, 160, 160, 160)
	s.OnReceived(103, 480, 480, 160)
	assert.Equal(t, uint8(256/4), s.FractionLost())

	// Second interval: 104..107 all received, fraction resets.
	for seq := uint16(104); seq <= 107; seq++ {
		s.OnReceived(seq, uint32(seq)*160, uint32(seq)*160, 160)
	}
	assert.Equal(t, uint8(0), s.FractionLost())
	assert.Equal(t, uint32(1), s.CumulativeLost())
}

func TestStatsJitterEstimate(t *testing.T) {
	var s Stats

	// Constant transit yields zero jitter.
	s.OnReceived(1, 0, 800, 160)
	s.OnReceived(2, 160, 960, 160)
	s.OnReceived(3, 320, 1120, 160)
	assert.Equal(t, uint32(0), s.Jitter())

	// One packet 80 ticks late: J += (80 - 0) / 16.
	s.OnReceived(4, 480, 1360, 160)
	assert.Equal(t, uint32(5), s.Jitter())
}

func TestStatsSeqWrapExtends(t *testing.T) {
	var s Stats

	s.OnReceived(65535, 0, 0, 160)
	s.OnReceived(0, 160, 160, 160)
	s.OnReceived(1, 320, 320, 160)
	assert.Equal(t, uint32(1<<16|1), s.HighestExtSeq())
	assert.Equal(t, uint32(0), s.CumulativeLost())
}

func TestStatsLastSR(t *testing.T) {
	var s Stats

	lsr, dlsr := s.LastSR(time.Now())
	assert.Zero(t, lsr)
	assert.Zero(t, dlsr)

	now := time.Unix(1136239445, 0)
	ntp := NTPTime(now)
	s.OnSenderReport(ntp, now)

	lsr, dlsr = s.LastSR(now.Add(500 * time.Millisecond))
	assert.Equal(t, uint32(ntp>>16), lsr)
	assert.Equal(t, uint32(32768), dlsr)
}

func TestNTPTimeEpoch(t *testing.T) {
	assert.Equal(t, uint64(2208988800)<<32, NTPTime(time.Unix(0, 0)))

	// Half a second is half the fractional range.
	ntp := NTPTime(time.Unix(0, 500000000))
	assert.Equal(t, uint64(1)<<31, ntp&0xffffffff)
}
