package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xbitsmaster/lwsip/pkg/timing"
)

func TestJitterBufferInOrder(t *testing.T) {
	clock := timing.NewMockClock()
	jb := NewJitterBuffer(60*time.Millisecond, clock)

	jb.Push(10, 1000, []byte{1})
	jb.Push(11, 1160, []byte{2})
	jb.Push(12, 1320, []byte{3})

	assert.Equal(t, []byte{1}, jb.Pop())
	assert.Equal(t, []byte{2}, jb.Pop())
	assert.Equal(t, []byte{3}, jb.Pop())
	assert.Nil(t, jb.Pop())
	assert.Equal(t, uint64(0), jb.Lost())
}

func TestJitterBufferReorders(t *testing.T) {
	clock := timing.NewMockClock()
	jb := NewJitterBuffer(60*time.Millisecond, clock)

	jb.Push(10, 1000, []byte{1})
	assert.Equal(t, []byte{1}, jb.Pop())

	// 12 arrives before 11; it must wait for its turn.
	jb.Push(12, 1320, []byte{3})
	assert.Nil(t, jb.Pop())
	jb.Push(11, 1160, []byte{2})
	assert.Equal(t, []byte{2}, jb.Pop())
	assert.Equal(t, []byte{3}, jb.Pop())
	assert.Equal(t, uint64(0), jb.Lost())
}

func TestJitterBufferDropsDuplicatesAndStale(t *testing.T) {
	clock := timing.NewMockClock()
	jb := NewJitterBuffer(60*time.Millisecond, clock)

	jb.Push(10, 1000, []byte{1})
	jb.Push(10, 1000, []byte{0xff})
	assert.Equal(t, 1, jb.Len())

	assert.Equal(t, []byte{1}, jb.Pop())

	// A packet before the next expected emit is stale.
	jb.Push(9, 840, []byte{9})
	assert.Equal(t, 0, jb.Len())
}

func TestJitterBufferAgedHeadSkipsGap(t *testing.T) {
	clock := timing.NewMockClock()
	jb := NewJitterBuffer(60*time.Millisecond, clock)

	jb.Push(10, 1000, []byte{1})
	assert.Equal(t, []byte{1}, jb.Pop())

	// 11 is lost. 12 only emits after the head has aged out.
	jb.Push(12, 1320, []byte{3})
	assert.Nil(t, jb.Pop())
	clock.Elapse(59 * time.Millisecond)
	assert.Nil(t, jb.Pop())
	clock.Elapse(time.Millisecond)
	assert.Equal(t, []byte{3}, jb.Pop())
	assert.Equal(t, uint64(1), jb.Lost())

	// The stream resumes in order after the skip.
	jb.Push(13, 1480, []byte{4})
	assert.Equal(t, []byte{4}, jb.Pop())
}

func TestJitterBufferFullEmitsEarly(t *testing.T) {
	clock := timing.NewMockClock()
	jb := NewJitterBuffer(time.Hour, clock)

	jb.Push(0, 0, []byte{0})
	assert.Equal(t, []byte{0}, jb.Pop())

	// Sequence 1 never arrives; fill the buffer with 2..101.
	for i := 0; i < jitterMaxPackets; i++ {
		seq := uint16(2 + i)
		jb.Push(seq, uint32(seq)*160, []byte{byte(seq)})
	}
	assert.Equal(t, []byte{2}, jb.Pop())
	assert.Equal(t, uint64(1), jb.Lost())
}

func TestJitterBufferSequenceWrap(t *testing.T) {
	clock := timing.NewMockClock()
	jb := NewJitterBuffer(60*time.Millisecond, clock)

	jb.Push(65534, 100, []byte{1})
	jb.Push(65535, 260, []byte{2})
	jb.Push(0, 420, []byte{3})
	jb.Push(1, 580, []byte{4})

	assert.Equal(t, []byte{1}, jb.Pop())
	assert.Equal(t, []byte{2}, jb.Pop())
	assert.Equal(t, []byte{3}, jb.Pop())
	assert.Equal(t, []byte{4}, jb.Pop())
	assert.Equal(t, uint64(0), jb.Lost())
}
