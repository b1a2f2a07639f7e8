package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("media: unsupported file format")
	ErrDeviceClosed      = errors.New("media: device closed")
)

// DeviceFormat declares what a device produces or consumes.
type DeviceFormat struct {
	SampleRate      int
	Channels        int
	FrameDurationMS int
}

// Device is an audio source or sink. ReadFrame fills buf with up to
// samples PCM16LE samples and returns how many were read.
type Device interface {
	Open() error
	Start() error
	Stop() error
	Close() error
	ReadFrame(buf []byte, samples int) (int, error)
	WriteFrame(buf []byte, samples int) error
	Format() DeviceFormat
}

// OpenFileSource creates a capture device for path. Only PCM WAV files
// are supported; anything else is rejected.
func OpenFileSource(path string) (Device, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return newWavSource(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// wavSource reads a PCM16LE mono WAV file and loops it.
type wavSource struct {
	path    string
	file    *os.File
	dataOff int64
	dataLen int64
	pos     int64
	format  DeviceFormat
	started bool
	closed  bool
}

func newWavSource(path string) *wavSource {
	return &wavSource{path: path}
}

func (w *wavSource) Open() error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}

	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		f.Close()
		return fmt.Errorf("media: short wav header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		f.Close()
		return fmt.Errorf("%w: not a RIFF/WAVE file", ErrUnsupportedFormat)
	}

	var sampleRate, channels, bits int
	offset := int64(12)
	for {
		var chunk [8]byte
		if _, err := f.ReadAt(chunk[:], offset); err != nil {
			f.Close()
			return fmt.Errorf("%w: missing data chunk", ErrUnsupportedFormat)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			var fmtData [16]byte
			if _, err := f.ReadAt(fmtData[:], offset+8); err != nil {
				f.Close()
				return fmt.Errorf("media: short fmt chunk: %w", err)
			}
			audioFormat := binary.LittleEndian.Uint16(fmtData[0:2])
			channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
			sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
			bits = int(binary.LittleEndian.Uint16(fmtData[14:16]))
			if audioFormat != 1 {
				f.Close()
				return fmt.Errorf("%w: non-PCM wav (format %d)", ErrUnsupportedFormat, audioFormat)
			}
		case "data":
			w.dataOff = offset + 8
			w.dataLen = size
		}
		if w.dataLen > 0 && sampleRate > 0 {
			break
		}
		// Chunks are word aligned.
		offset += 8 + size + size%2
	}

	if bits != 16 || channels != 1 {
		f.Close()
		return fmt.Errorf("%w: need PCM16 mono, got %d-bit %dch", ErrUnsupportedFormat, bits, channels)
	}

	w.file = f
	w.pos = 0
	w.format = DeviceFormat{SampleRate: sampleRate, Channels: channels, FrameDurationMS: 20}
	return nil
}

func (w *wavSource) Start() error {
	if w.file == nil {
		return ErrDeviceClosed
	}
	w.started = true
	return nil
}

func (w *wavSource) Stop() error {
	w.started = false
	return nil
}

func (w *wavSource) Close() error {
	w.closed = true
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}

// ReadFrame returns samples PCM16LE samples, wrapping to the start of
// the data chunk at EOF.
func (w *wavSource) ReadFrame(buf []byte, samples int) (int, error) {
	if w.file == nil || w.closed {
		return 0, ErrDeviceClosed
	}
	if !w.started {
		return 0, nil
	}
	want := int64(samples * 2)
	if int64(len(buf)) < want {
		want = int64(len(buf))
	}

	read := int64(0)
	for read < want {
		if w.pos >= w.dataLen {
			w.pos = 0
		}
		chunk := want - read
		if remain := w.dataLen - w.pos; chunk > remain {
			chunk = remain
		}
		n, err := w.file.ReadAt(buf[read:read+chunk], w.dataOff+w.pos)
		if n > 0 {
			read += int64(n)
			w.pos += int64(n)
		}
		if err != nil && err != io.EOF {
			return int(read / 2), err
		}
		if n == 0 {
			break
		}
	}
	return int(read / 2), nil
}

func (w *wavSource) WriteFrame(buf []byte, samples int) error {
	return fmt.Errorf("media: wav source is capture only")
}

func (w *wavSource) Format() DeviceFormat { return w.format }

// silenceSource produces zeroed PCM frames; it backs calls started
// without a device.
type silenceSource struct {
	format  DeviceFormat
	started bool
}

// NewSilenceSource returns a capture device producing silence at 8 kHz
// mono.
func NewSilenceSource() Device {
	return &silenceSource{format: DeviceFormat{SampleRate: 8000, Channels: 1, FrameDurationMS: 20}}
}

func (s *silenceSource) Open() error  { return nil }
func (s *silenceSource) Start() error { s.started = true; return nil }
func (s *silenceSource) Stop() error  { s.started = false; return nil }
func (s *silenceSource) Close() error { return nil }

func (s *silenceSource) ReadFrame(buf []byte, samples int) (int, error) {
	if !s.started {
		return 0, nil
	}
	n := samples * 2
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
	return n / 2, nil
}

func (s *silenceSource) WriteFrame(buf []byte, samples int) error { return nil }
func (s *silenceSource) Format() DeviceFormat                     { return s.format }
