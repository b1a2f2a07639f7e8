package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbitsmaster/lwsip/pkg/log"
)

func newTestLogger() log.Logger {
	return log.NewLogrusLogger(log.ErrorLevel, "test")
}

func TestFactoryRejectsBadConfig(t *testing.T) {
	logger := newTestLogger()

	_, err := New(Config{}, Handler{}, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Type: "tcp"}, Handler{}, logger)
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = New(Config{Type: TypeUDP}, Handler{}, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Type: TypeMQTT}, Handler{}, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestUDPSendAndLoop(t *testing.T) {
	logger := newTestLogger()

	var gotData []byte
	var gotFrom net.Addr
	receiver, err := New(Config{Type: TypeUDP, ListenAddr: "127.0.0.1:0"}, Handler{
		OnData: func(_ Transport, data []byte, from net.Addr) {
			gotData = data
			gotFrom = from
		},
	}, logger)
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := New(Config{Type: TypeUDP, ListenAddr: "127.0.0.1:0"}, Handler{}, logger)
	require.NoError(t, err)
	defer sender.Close()

	payload := []byte("OPTIONS sip:x@127.0.0.1 SIP/2.0\r\n\r\n")
	n, err := sender.Send(payload, receiver.LocalAddr())
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	processed := 0
	deadline := time.Now().Add(time.Second)
	for processed == 0 && time.Now().Before(deadline) {
		p, err := receiver.Loop(50 * time.Millisecond)
		require.NoError(t, err)
		processed += p
	}
	require.Equal(t, 1, processed)
	assert.Equal(t, payload, gotData)
	assert.Equal(t, sender.LocalAddr().String(), gotFrom.String())
}

func TestUDPConnectedFiresFromLoop(t *testing.T) {
	logger := newTestLogger()

	connected := 0
	tp, err := New(Config{Type: TypeUDP, ListenAddr: "127.0.0.1:0"}, Handler{
		OnConnected: func(_ Transport) { connected++ },
	}, logger)
	require.NoError(t, err)
	defer tp.Close()

	// The callback is deferred to the loop thread: nothing fires at
	// construction, once on the first Loop, never again.
	assert.Equal(t, 0, connected)
	_, err = tp.Loop(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, connected)
	_, err = tp.Loop(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, connected)
}

func TestUDPLoopTimeout(t *testing.T) {
	tp, err := New(Config{Type: TypeUDP, ListenAddr: "127.0.0.1:0"}, Handler{}, newTestLogger())
	require.NoError(t, err)
	defer tp.Close()

	start := time.Now()
	n, err := tp.Loop(30 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestUDPSendRequiresDestination(t *testing.T) {
	tp, err := New(Config{Type: TypeUDP, ListenAddr: "127.0.0.1:0"}, Handler{}, newTestLogger())
	require.NoError(t, err)
	defer tp.Close()

	_, err = tp.Send([]byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestUDPOneDatagramPerLoop(t *testing.T) {
	logger := newTestLogger()
	count := 0
	receiver, err := New(Config{Type: TypeUDP, ListenAddr: "127.0.0.1:0"}, Handler{
		OnData: func(_ Transport, _ []byte, _ net.Addr) { count++ },
	}, logger)
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := New(Config{Type: TypeUDP, ListenAddr: "127.0.0.1:0"}, Handler{}, logger)
	require.NoError(t, err)
	defer sender.Close()

	for i := 0; i < 3; i++ {
		_, err = sender.Send([]byte{byte(i)}, receiver.LocalAddr())
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	n, err := receiver.Loop(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "Loop must dispatch at most one datagram")
	assert.Equal(t, 1, count)

	// the upper layer drains by calling again
	total := n
	for {
		n, err = receiver.Loop(20 * time.Millisecond)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	assert.Equal(t, 3, total)
}

func TestUDPClose(t *testing.T) {
	tp, err := New(Config{Type: TypeUDP, ListenAddr: "127.0.0.1:0"}, Handler{}, newTestLogger())
	require.NoError(t, err)

	assert.True(t, tp.IsConnected())
	require.NoError(t, tp.Close())
	assert.False(t, tp.IsConnected())

	_, err = tp.Send([]byte("x"), tp.LocalAddr())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tp.Loop(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, tp.Close(), "double close is a no-op")
}
