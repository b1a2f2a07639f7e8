package media

import (
	"time"

	"github.com/pixelbender/go-sdp/sdp"
	"github.com/zaf/g711"
)

// Codec describes an audio payload this engine can packetize.
type Codec struct {
	Payload   uint8
	Name      string
	ClockRate int

	FrameDuration   time.Duration
	SamplesPerFrame int
}

var (
	PCMU = Codec{Payload: 0, Name: "PCMU", ClockRate: 8000, FrameDuration: 20 * time.Millisecond, SamplesPerFrame: 160}
	PCMA = Codec{Payload: 8, Name: "PCMA", ClockRate: 8000, FrameDuration: 20 * time.Millisecond, SamplesPerFrame: 160}
)

// CodecByPayload resolves the static payload types this engine knows.
func CodecByPayload(payload uint8) (Codec, bool) {
	switch payload {
	case 0:
		return PCMU, true
	case 8:
		return PCMA, true
	default:
		return Codec{}, false
	}
}

func (c Codec) Format() *sdp.Format {
	return &sdp.Format{Payload: c.Payload, Name: c.Name, ClockRate: c.ClockRate}
}

// Encode converts one PCM16LE frame to the codec's wire form.
func (c Codec) Encode(lpcm []byte) []byte {
	switch c.Payload {
	case 0:
		return g711.EncodeUlaw(lpcm)
	case 8:
		return g711.EncodeAlaw(lpcm)
	default:
		return lpcm
	}
}

// Decode converts wire payload back to PCM16LE.
func (c Codec) Decode(payload []byte) []byte {
	switch c.Payload {
	case 0:
		return g711.DecodeUlaw(payload)
	case 8:
		return g711.DecodeAlaw(payload)
	default:
		return payload
	}
}
