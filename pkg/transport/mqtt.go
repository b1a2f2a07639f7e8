package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gammazero/deque"
	"github.com/tevino/abool"

	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/utils"
)

const mqttRxQueueCap = 128

// mqttAddr satisfies net.Addr for frames received over a broker.
type mqttAddr struct {
	topic string
}

func (a mqttAddr) Network() string { return "mqtt" }
func (a mqttAddr) String() string  { return a.topic }

// mqttTransport frames raw SIP/STUN/RTP bytes over an MQTT broker:
// publish on <prefix>/send, subscribe on <prefix>/recv, QoS 0.
// Inbound payloads are queued on the paho callback goroutine and drained
// by Loop, preserving the loop-thread callback contract.
type mqttTransport struct {
	client    mqtt.Client
	prefix    string
	handler   Handler
	connected *abool.AtomicBool
	closed    *abool.AtomicBool
	pendingUp *abool.AtomicBool

	mu sync.Mutex
	rx deque.Deque

	log log.Logger
}

func newMQTTTransport(config Config, handler Handler, logger log.Logger) (Transport, error) {
	if config.Broker == "" || config.TopicPrefix == "" {
		return nil, fmt.Errorf("%w: mqtt: broker and topic prefix required", ErrInvalidConfig)
	}
	clientID := config.ClientID
	if clientID == "" {
		clientID = "lwsip-" + utils.RandString(8)
	}

	t := &mqttTransport{
		prefix:    config.TopicPrefix,
		handler:   handler,
		connected: abool.New(),
		closed:    abool.New(),
		pendingUp: abool.New(),
		log:       logger.WithPrefix("transport.MQTT"),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(config.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(t.prefix+"/recv", 0, t.onPublish)
			go func() {
				token.Wait()
				if token.Error() != nil {
					t.log.Errorf("subscribe %s/recv failed: %v", t.prefix, token.Error())
					return
				}
				t.connected.Set()
				t.pendingUp.Set()
			}()
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			t.connected.UnSet()
			t.log.Warnf("broker connection lost: %v", err)
		})

	t.client = mqtt.NewClient(opts)
	if token := t.client.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect %s: %w", config.Broker, token.Error())
	}
	return t, nil
}

func (t *mqttTransport) onPublish(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	t.mu.Lock()
	if t.rx.Len() >= mqttRxQueueCap {
		t.rx.PopFront() // drop oldest, QoS 0 semantics
	}
	t.rx.PushBack(payload)
	t.mu.Unlock()
}

// Send publishes one frame on <prefix>/send. The destination argument is
// ignored; routing belongs to the broker.
func (t *mqttTransport) Send(data []byte, _ net.Addr) (int, error) {
	if t.closed.IsSet() {
		return 0, ErrClosed
	}
	if !t.connected.IsSet() {
		return 0, ErrNotConnected
	}
	token := t.client.Publish(t.prefix+"/send", 0, false, data)
	token.Wait()
	if token.Error() != nil {
		return 0, token.Error()
	}
	return len(data), nil
}

func (t *mqttTransport) Loop(timeout time.Duration) (int, error) {
	if t.closed.IsSet() {
		return 0, ErrClosed
	}
	if t.pendingUp.SetToIf(true, false) && t.handler.OnConnected != nil {
		t.handler.OnConnected(t)
	}

	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		var payload []byte
		if t.rx.Len() > 0 {
			payload = t.rx.PopFront().([]byte)
		}
		t.mu.Unlock()

		if payload != nil {
			if t.handler.OnData != nil {
				t.handler.OnData(t, payload, mqttAddr{topic: t.prefix + "/recv"})
			}
			return 1, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, nil
		}
		wait := 5 * time.Millisecond
		if remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
	}
}

func (t *mqttTransport) LocalAddr() net.Addr {
	return mqttAddr{topic: t.prefix + "/send"}
}

func (t *mqttTransport) IsConnected() bool {
	return t.connected.IsSet() && !t.closed.IsSet()
}

func (t *mqttTransport) Close() error {
	if !t.closed.SetToIf(false, true) {
		return nil
	}
	t.connected.UnSet()
	t.client.Disconnect(250)
	return nil
}
