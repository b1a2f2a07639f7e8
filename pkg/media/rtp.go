package media

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

// PacketKind classifies datagrams arriving on a media socket.
type PacketKind int

const (
	PacketMalformed PacketKind = iota
	PacketSTUN
	PacketRTP
	PacketRTCP
)

// ClassifyPacket inspects the first bytes: STUN messages start 0x00 or
// 0x01, RTP/RTCP carry version 2 with RTCP payload types 200-209.
func ClassifyPacket(data []byte) PacketKind {
	if len(data) < 2 {
		return PacketMalformed
	}
	if data[0] == 0x00 || data[0] == 0x01 {
		return PacketSTUN
	}
	if data[0]>>6 != 2 {
		return PacketMalformed
	}
	if data[1] >= 200 && data[1] <= 209 {
		return PacketRTCP
	}
	return PacketRTP
}

const rtcpInterval = 5 * time.Second

// RTPConfig tunes one RTP instance.
type RTPConfig struct {
	Codec          Codec
	JitterBufferMS int
	CNAME          string
}

// RTPEngine packetizes capture frames out and depacketizes inbound RTP
// through a reordering jitter buffer, emitting RTCP SR/RR on the usual
// randomized five second cadence. All activity is driven by the timing
// service of the owning session.
type RTPEngine struct {
	codec Codec
	ssrc  uint32
	seq   uint16
	ts    uint32
	cname string

	capture  Device
	playback Device

	stats      Stats
	jb         *JitterBuffer
	remoteSSRC uint32

	timers *timing.Service
	clock  timing.Clock
	epoch  time.Time

	sendRTP  func(data []byte) error
	sendRTCP func(data []byte) error

	frameOn bool
	frameID timing.ID
	rtcpOn  bool
	rtcpID  timing.ID
	running bool
	sending bool

	frameBuf []byte

	log log.Logger
}

func NewRTPEngine(config RTPConfig, timers *timing.Service, logger log.Logger) *RTPEngine {
	codec := config.Codec
	if codec.ClockRate == 0 {
		codec = PCMA
	}
	jitterMS := config.JitterBufferMS
	if jitterMS == 0 {
		jitterMS = 60
	}
	cname := config.CNAME
	if cname == "" {
		var b [8]byte
		rand.Read(b[:])
		cname = hex.EncodeToString(b[:])
	}

	e := &RTPEngine{
		codec:    codec,
		cname:    cname,
		timers:   timers,
		clock:    timers.Clock(),
		jb:       NewJitterBuffer(time.Duration(jitterMS)*time.Millisecond, timers.Clock()),
		frameBuf: make([]byte, codec.SamplesPerFrame*2),
		log:      logger.WithPrefix("RTP"),
	}

	var b [8]byte
	rand.Read(b[:])
	e.ssrc = binary.BigEndian.Uint32(b[0:4])
	e.seq = binary.BigEndian.Uint16(b[4:6])
	e.ts = binary.BigEndian.Uint32(b[4:8])
	return e
}

func (e *RTPEngine) SSRC() uint32  { return e.ssrc }
func (e *RTPEngine) Codec() Codec  { return e.codec }
func (e *RTPEngine) Stats() *Stats { return &e.stats }

// SetCodec switches the negotiated payload. Must be called before
// Start.
func (e *RTPEngine) SetCodec(c Codec) {
	e.codec = c
	e.frameBuf = make([]byte, c.SamplesPerFrame*2)
}

// SetDevices installs the capture source and optional playback sink.
func (e *RTPEngine) SetDevices(capture, playback Device) {
	e.capture = capture
	e.playback = playback
}

// Start begins the frame and RTCP cadences, sending through the given
// callbacks.
func (e *RTPEngine) Start(sendRTP, sendRTCP func(data []byte) error) error {
	if sendRTP == nil {
		return fmt.Errorf("media: nil rtp sender")
	}
	e.sendRTP = sendRTP
	e.sendRTCP = sendRTCP
	e.running = true
	e.epoch = e.clock.Now()

	if e.capture != nil {
		if err := e.capture.Start(); err != nil {
			return err
		}
		e.sending = true
		e.scheduleFrame()
	}
	e.scheduleRTCP()
	return nil
}

// Stop halts all cadences.
func (e *RTPEngine) Stop() {
	e.running = false
	if e.frameOn {
		e.timers.Stop(e.frameID)
		e.frameOn = false
	}
	if e.rtcpOn {
		e.timers.Stop(e.rtcpID)
		e.rtcpOn = false
	}
	if e.capture != nil {
		e.capture.Stop()
	}
}

func (e *RTPEngine) scheduleFrame() {
	if !e.running || e.frameOn {
		return
	}
	e.frameID = e.timers.Start(e.codec.FrameDuration, func() {
		e.frameOn = false
		e.frameTick()
	})
	e.frameOn = true
}

func (e *RTPEngine) frameTick() {
	if !e.running {
		return
	}
	n, err := e.capture.ReadFrame(e.frameBuf, e.codec.SamplesPerFrame)
	if err != nil {
		e.log.Warnf("capture read failed: %v", err)
	} else if n > 0 {
		payload := e.codec.Encode(e.frameBuf[:n*2])
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    e.codec.Payload,
				SequenceNumber: e.seq,
				Timestamp:      e.ts,
				SSRC:           e.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			e.log.Warnf("rtp marshal failed: %v", err)
		} else if err := e.sendRTP(raw); err != nil {
			e.log.Warnf("rtp send failed: %v", err)
		} else {
			e.stats.OnSent(len(payload))
		}
		e.seq++
		e.ts += uint32(n)
	}
	e.scheduleFrame()
}

// arrivalRTP expresses now in RTP clock units for jitter bookkeeping.
func (e *RTPEngine) arrivalRTP() uint32 {
	elapsed := e.clock.Now().Sub(e.epoch)
	return uint32(elapsed.Seconds() * float64(e.codec.ClockRate))
}

// HandleRTP processes one inbound RTP datagram.
func (e *RTPEngine) HandleRTP(data []byte) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		e.log.Debugf("bad rtp packet: %v", err)
		return
	}
	e.remoteSSRC = pkt.SSRC
	e.stats.OnReceived(pkt.SequenceNumber, pkt.Timestamp, e.arrivalRTP(), len(pkt.Payload))
	e.jb.Push(pkt.SequenceNumber, pkt.Timestamp, pkt.Payload)

	for {
		payload := e.jb.Pop()
		if payload == nil {
			break
		}
		if e.playback != nil {
			lpcm := e.codec.Decode(payload)
			if err := e.playback.WriteFrame(lpcm, len(lpcm)/2); err != nil {
				e.log.Debugf("playback write failed: %v", err)
			}
		}
	}
}

// HandleRTCP parses an inbound compound and records SR timing for
// LSR/DLSR.
func (e *RTPEngine) HandleRTCP(data []byte) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		e.log.Debugf("bad rtcp packet: %v", err)
		return
	}
	for _, p := range packets {
		if sr, ok := p.(*rtcp.SenderReport); ok {
			e.stats.OnSenderReport(sr.NTPTime, e.clock.Now())
		}
	}
}

func (e *RTPEngine) scheduleRTCP() {
	if !e.running || e.rtcpOn {
		return
	}
	// Randomized as rtcp_interval * uniform(0.5, 1.5).
	factor := 0.5 + mrand.Float64()
	d := time.Duration(float64(rtcpInterval) * factor)
	e.rtcpID = e.timers.Start(d, func() {
		e.rtcpOn = false
		e.rtcpTick()
	})
	e.rtcpOn = true
}

func (e *RTPEngine) rtcpTick() {
	if !e.running {
		return
	}
	if e.sendRTCP != nil {
		raw, err := e.buildReport()
		if err != nil {
			e.log.Warnf("rtcp build failed: %v", err)
		} else if err := e.sendRTCP(raw); err != nil {
			e.log.Warnf("rtcp send failed: %v", err)
		}
	}
	e.scheduleRTCP()
}

// buildReport assembles SR (when sending) or RR plus SDES CNAME.
func (e *RTPEngine) buildReport() ([]byte, error) {
	now := e.clock.Now()
	var reports []rtcp.ReceptionReport
	if e.stats.PacketsRecv > 0 {
		lsr, dlsr := e.stats.LastSR(now)
		reports = append(reports, rtcp.ReceptionReport{
			SSRC:               e.remoteSSRC,
			FractionLost:       e.stats.FractionLost(),
			TotalLost:          e.stats.CumulativeLost(),
			LastSequenceNumber: e.stats.HighestExtSeq(),
			Jitter:             e.stats.Jitter(),
			LastSenderReport:   lsr,
			Delay:              dlsr,
		})
	}

	var head rtcp.Packet
	if e.sending && e.stats.PacketsSent > 0 {
		head = &rtcp.SenderReport{
			SSRC:        e.ssrc,
			NTPTime:     NTPTime(now),
			RTPTime:     e.ts,
			PacketCount: e.stats.PacketsSent,
			OctetCount:  e.stats.BytesSent,
			Reports:     reports,
		}
	} else {
		head = &rtcp.ReceiverReport{
			SSRC:    e.ssrc,
			Reports: reports,
		}
	}

	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: e.ssrc,
			Items: []rtcp.SourceDescriptionItem{{
				Type: rtcp.SDESCNAME,
				Text: e.cname,
			}},
		}},
	}
	return rtcp.Marshal([]rtcp.Packet{head, sdes})
}
