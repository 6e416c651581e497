package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hangarf9/relaywan/internal/logging"
)

// Topic layout under the configured prefix. The network server bridges
// these to the actual radio frames.
const (
	topicUp      = "/up"
	topicDown    = "/down"
	topicTimeReq = "/time/req"
	topicTimeRsp = "/time/rsp"
)

type MQTTConfig struct {
	BrokerURL        string
	ClientName       string
	TopicPrefix      string
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
}

// MQTTTransport implements Transport over the network server's MQTT
// application interface. One uplink may be in flight at a time, matching the
// single TX slot of the radio MAC.
type MQTTTransport struct {
	cfg    MQTTConfig
	client mqtt.Client

	events   chan Event
	inflight atomic.Bool
}

func NewMQTTTransport(cfg MQTTConfig) *MQTTTransport {
	return &MQTTTransport{
		cfg:    cfg,
		events: make(chan Event, 16),
	}
}

// Connect dials the broker and blocks until connected or ctx expires.
// Reconnects are automatic; every (re)connect resubscribes the downlink
// topics and emits a Joined event.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	if t.client == nil {
		t.client = mqtt.NewClient(t.optionsFromConfig())
	}
	if t.client.IsConnected() {
		return nil
	}

	tok := t.client.Connect()
	done := make(chan struct{})
	go func() {
		tok.Wait()
		close(done)
	}()

	select {
	case <-done:
		return tok.Error()
	case <-ctx.Done():
		t.client.Disconnect(250)
		return ctx.Err()
	}
}

func (t *MQTTTransport) optionsFromConfig() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(t.cfg.BrokerURL)
	opts.SetClientID("relaywan-" + t.cfg.ClientName)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.OnConnect = func(mqtt.Client) {
		t.onConnect()
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.emit(Event{Type: LinkError, Err: err})
	}
	return opts
}

func (t *MQTTTransport) onConnect() {
	if err := t.subscribe(topicDown, func(payload []byte) {
		t.emit(Event{Type: RxComplete, Payload: payload})
	}); err != nil {
		logging.Error("radio downlink subscribe", "error", err)
	}
	if err := t.subscribe(topicTimeRsp, t.onTimeResponse); err != nil {
		logging.Error("radio time subscribe", "error", err)
	}
	t.emit(Event{Type: Joined})
}

func (t *MQTTTransport) subscribe(suffix string, handler func(payload []byte)) error {
	topic := t.cfg.TopicPrefix + suffix
	// wrapper logs panics without crashing the paho router
	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				logging.Error("radio handler panic", "topic", msg.Topic(), "err", r)
			}
		}()
		handler(msg.Payload())
	}
	tok := t.client.Subscribe(topic, 1, onMessage)

	timeout := t.cfg.SubscribeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-time.After(timeout):
		return fmt.Errorf("subscribe timeout for %s", topic)
	}
}

// Send queues one uplink. Returns ErrBusy while a previous transmission has
// not completed; the caller retries on its next tick.
func (t *MQTTTransport) Send(payload []byte) error {
	if t.client == nil || !t.client.IsConnected() {
		return ErrBusy
	}
	if !t.inflight.CompareAndSwap(false, true) {
		return ErrBusy
	}

	tok := t.client.Publish(t.cfg.TopicPrefix+topicUp, 1, false, payload)
	go func() {
		defer t.inflight.Store(false)

		timeout := t.cfg.PublishTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		select {
		case <-tok.Done():
			t.emit(Event{Type: TxComplete, Ack: tok.Error() == nil})
		case <-time.After(timeout):
			t.emit(Event{Type: TxComplete, Ack: false})
		}
	}()
	return nil
}

func (t *MQTTTransport) Events() <-chan Event {
	return t.events
}

// RequestNetworkTime asks the network for a time reference. Fire and forget:
// the answer, if it ever comes, arrives as a TimeSync event.
func (t *MQTTTransport) RequestNetworkTime() {
	if t.client == nil || !t.client.IsConnected() {
		return
	}
	t.client.Publish(t.cfg.TopicPrefix+topicTimeReq, 0, false, []byte{})
}

// onTimeResponse parses a big-endian uint32 epoch, the network server's GPS
// time answer.
func (t *MQTTTransport) onTimeResponse(payload []byte) {
	if len(payload) != 4 {
		logging.Warn("radio time response malformed", "len", len(payload))
		return
	}
	t.emit(Event{Type: TimeSync, Epoch: binary.BigEndian.Uint32(payload)})
}

func (t *MQTTTransport) Close(ctx context.Context) error {
	if t.client == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		// 250 ms quiesce period
		t.client.Disconnect(250)
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit never blocks the paho callbacks; if the engine is not draining,
// dropping the event is the same behavior as a missed radio window.
func (t *MQTTTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		logging.Warn("radio event dropped", "type", ev.Type.String())
	}
}
