package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireInDeadlineOrder(t *testing.T) {
	clock := NewMockClock()
	svc := NewService(clock)

	var got []string
	svc.Start(30*time.Millisecond, func() { got = append(got, "c") })
	svc.Start(10*time.Millisecond, func() { got = append(got, "a") })
	svc.Start(20*time.Millisecond, func() { got = append(got, "b") })

	clock.Elapse(25 * time.Millisecond)
	assert.Equal(t, 2, svc.Fire())
	assert.Equal(t, []string{"a", "b"}, got)

	clock.Elapse(10 * time.Millisecond)
	assert.Equal(t, 1, svc.Fire())
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSameDeadlineInsertionOrder(t *testing.T) {
	clock := NewMockClock()
	svc := NewService(clock)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		svc.Start(time.Second, func() { got = append(got, i) })
	}
	clock.Elapse(time.Second)
	svc.Fire()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestStoppedTimerNeverFires(t *testing.T) {
	clock := NewMockClock()
	svc := NewService(clock)

	fired := false
	id := svc.Start(time.Second, func() { fired = true })
	require.True(t, svc.Stop(id))

	clock.Elapse(2 * time.Second)
	assert.Equal(t, 0, svc.Fire())
	assert.False(t, fired)
	assert.False(t, svc.Stop(id))
}

func TestTimerStartedInCallbackFiresNextRound(t *testing.T) {
	clock := NewMockClock()
	svc := NewService(clock)

	inner := false
	svc.Start(0, func() {
		svc.Start(0, func() { inner = true })
	})

	clock.Elapse(time.Millisecond)
	svc.Fire()
	assert.False(t, inner, "timer started during Fire must wait for the next Fire")
	svc.Fire()
	assert.True(t, inner)
}

func TestReset(t *testing.T) {
	clock := NewMockClock()
	svc := NewService(clock)

	fired := 0
	id := svc.Start(time.Second, func() { fired++ })

	clock.Elapse(800 * time.Millisecond)
	require.True(t, svc.Reset(id, time.Second))
	svc.Fire()
	assert.Equal(t, 0, fired)

	clock.Elapse(time.Second)
	svc.Fire()
	assert.Equal(t, 1, fired)

	assert.False(t, svc.Reset(id, time.Second), "fired timer cannot be reset")
}

func TestUntil(t *testing.T) {
	clock := NewMockClock()
	svc := NewService(clock)

	_, ok := svc.Until()
	assert.False(t, ok)

	svc.Start(time.Second, func() {})
	d, ok := svc.Until()
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	clock.Elapse(2 * time.Second)
	d, ok = svc.Until()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)
}
