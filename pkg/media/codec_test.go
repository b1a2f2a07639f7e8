package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecByPayload(t *testing.T) {
	c, ok := CodecByPayload(0)
	require.True(t, ok)
	assert.Equal(t, "PCMU", c.Name)

	c, ok = CodecByPayload(8)
	require.True(t, ok)
	assert.Equal(t, "PCMA", c.Name)
	assert.Equal(t, 8000, c.ClockRate)
	assert.Equal(t, 160, c.SamplesPerFrame)

	_, ok = CodecByPayload(96)
	assert.False(t, ok)
}

func TestCodecEncodeDecodeSizes(t *testing.T) {
	frame := make([]byte, 320) // 160 PCM16LE samples
	for i := range frame {
		frame[i] = byte(i)
	}

	for _, c := range []Codec{PCMU, PCMA} {
		wire := c.Encode(frame)
		assert.Len(t, wire, 160, c.Name)
		pcm := c.Decode(wire)
		assert.Len(t, pcm, 320, c.Name)
	}
}

func TestCodecFormat(t *testing.T) {
	f := PCMA.Format()
	assert.Equal(t, uint8(8), f.Payload)
	assert.Equal(t, "PCMA", f.Name)
	assert.Equal(t, 8000, f.ClockRate)
}

func TestClassifyPacket(t *testing.T) {
	rtp := []byte{0x80, 8, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	rtcpSR := []byte{0x80, 200, 0, 6}
	rtcpBYE := []byte{0x81, 203, 0, 1}
	stun := []byte{0x00, 0x01, 0x00, 0x00}

	cases := []struct {
		name string
		data []byte
		want PacketKind
	}{
		{"rtp", rtp, PacketRTP},
		{"rtcp sender report", rtcpSR, PacketRTCP},
		{"rtcp bye", rtcpBYE, PacketRTCP},
		{"stun binding", stun, PacketSTUN},
		{"empty", nil, PacketMalformed},
		{"single byte", []byte{0x80}, PacketMalformed},
		{"bad version", []byte{0x40, 8, 0, 0}, PacketMalformed},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyPacket(tc.data), tc.name)
	}
}
