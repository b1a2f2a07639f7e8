package media

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWav writes a minimal PCM16LE mono WAV file holding samples.
func writeWav(t *testing.T, path string, sampleRate int, samples []int16) {
	t.Helper()
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}

	buf := make([]byte, 0, 44+len(data))
	u32 := func(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
	u16 := func(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }

	buf = append(buf, "RIFF"...)
	buf = append(buf, u32(uint32(36+len(data)))...)
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = append(buf, u32(16)...)
	buf = append(buf, u16(1)...) // PCM
	buf = append(buf, u16(1)...) // mono
	buf = append(buf, u32(uint32(sampleRate))...)
	buf = append(buf, u32(uint32(sampleRate*2))...)
	buf = append(buf, u16(2)...)
	buf = append(buf, u16(16)...)
	buf = append(buf, "data"...)
	buf = append(buf, u32(uint32(len(data)))...)
	buf = append(buf, data...)

	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestOpenFileSourceRejectsUnknownExtension(t *testing.T) {
	_, err := OpenFileSource("song.mp3")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = OpenFileSource("clip.mp4")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestWavSourceReadsAndLoops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWav(t, path, 8000, []int16{100, 200, 300, 400})

	dev, err := OpenFileSource(path)
	require.NoError(t, err)
	require.NoError(t, dev.Open())
	defer dev.Close()

	assert.Equal(t, 8000, dev.Format().SampleRate)
	assert.Equal(t, 1, dev.Format().Channels)

	// Not started yet: no samples.
	buf := make([]byte, 320)
	n, err := dev.ReadFrame(buf, 4)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, dev.Start())
	n, err = dev.ReadFrame(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, int16(100), int16(binary.LittleEndian.Uint16(buf[0:2])))
	assert.Equal(t, int16(400), int16(binary.LittleEndian.Uint16(buf[6:8])))

	// A six sample read wraps back to the start of the data chunk.
	n, err = dev.ReadFrame(buf, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, int16(100), int16(binary.LittleEndian.Uint16(buf[0:2])))
	assert.Equal(t, int16(200), int16(binary.LittleEndian.Uint16(buf[10:12])))
}

func TestWavSourceRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	notRiff := filepath.Join(dir, "bad.wav")
	require.NoError(t, os.WriteFile(notRiff, []byte("this is not a wav file at all"), 0o644))
	dev, err := OpenFileSource(notRiff)
	require.NoError(t, err)
	assert.ErrorIs(t, dev.Open(), ErrUnsupportedFormat)
}

func TestWavSourceClosedRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	writeWav(t, path, 8000, []int16{1, 2})

	dev, err := OpenFileSource(path)
	require.NoError(t, err)
	require.NoError(t, dev.Open())
	require.NoError(t, dev.Start())
	require.NoError(t, dev.Close())

	_, err = dev.ReadFrame(make([]byte, 32), 2)
	assert.ErrorIs(t, err, ErrDeviceClosed)
}

func TestSilenceSource(t *testing.T) {
	dev := NewSilenceSource()
	require.NoError(t, dev.Open())

	buf := make([]byte, 320)
	n, err := dev.ReadFrame(buf, 160)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, dev.Start())
	buf[0] = 0xff
	n, err = dev.ReadFrame(buf, 160)
	require.NoError(t, err)
	assert.Equal(t, 160, n)
	assert.Zero(t, buf[0])
}
