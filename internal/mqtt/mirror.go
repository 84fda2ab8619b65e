// Package mqtt mirrors the bridge onto an MQTT broker: every state frame is
// published to <prefix>/state and poses published to <prefix>/setpoint are
// fed to the pose store, exactly as a WebSocket client's would be.
package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/conneroisu/rtdebridge/internal/errors"
	"github.com/conneroisu/rtdebridge/internal/fanout"
	"github.com/conneroisu/rtdebridge/internal/frame"
	"github.com/conneroisu/rtdebridge/internal/logging"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
	// Disconnect quiescence in milliseconds.
	quiesce = 250
)

// Config configures the mirror.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// Client is the part of paho.Client the mirror uses.
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// PoseStore receives every pose decoded from the setpoint topic.
type PoseStore interface {
	Store(p frame.Pose)
}

// NewClient builds a paho client for cfg. Reconnection is left to paho.
func NewClient(cfg Config, logger logging.Logger) paho.Client {
	if logger == nil {
		logger = logging.Discard()
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(connectTimeout)

	opts.OnConnect = func(paho.Client) {
		logger.Info(context.Background(), "MQTT connection established",
			"broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logger.Warn(context.Background(), err, "MQTT connection lost, reconnecting",
			"broker", cfg.Broker)
	}
	return paho.NewClient(opts)
}

// Mirror is a bridge service backed by an MQTT broker.
type Mirror struct {
	client Client
	cfg    Config
	poses  PoseStore
	states *fanout.Fanout[*frame.Snapshot]
	logger logging.Logger
	errs   *errors.Handler

	published atomic.Uint64
	received  atomic.Uint64
	rejected  atomic.Uint64
}

// NewMirror creates a mirror. It connects when served.
func NewMirror(
	client Client,
	cfg Config,
	poses PoseStore,
	states *fanout.Fanout[*frame.Snapshot],
	logger logging.Logger,
) *Mirror {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "rtde"
	}
	logger = logger.WithComponent("mqtt")
	return &Mirror{
		client: client,
		cfg:    cfg,
		poses:  poses,
		states: states,
		logger: logger,
		errs:   errors.NewHandler(logger),
	}
}

// StateTopic is where state frames are published.
func (m *Mirror) StateTopic() string {
	return m.cfg.TopicPrefix + "/state"
}

// SetpointTopic is where poses are accepted.
func (m *Mirror) SetpointTopic() string {
	return m.cfg.TopicPrefix + "/setpoint"
}

// Stats reports mirror counters.
type Stats struct {
	Published uint64 `json:"published"`
	Received  uint64 `json:"received"`
	Rejected  uint64 `json:"rejected"`
}

// Stats returns published frames, accepted poses and rejected payloads.
func (m *Mirror) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Received:  m.received.Load(),
		Rejected:  m.rejected.Load(),
	}
}

// Serve connects, subscribes to the setpoint topic and publishes state
// frames until ctx is done. A broker failure ends the service with an
// error.
func (m *Mirror) Serve(ctx context.Context) error {
	if err := wait(m.client.Connect(), connectTimeout); err != nil {
		return errors.NewTransportError(errors.ErrCodeConnectFailed,
			"cannot connect to MQTT broker", err).WithContext("broker", m.cfg.Broker)
	}
	defer m.client.Disconnect(quiesce)

	sub := m.states.Subscribe()
	defer sub.Close()

	if err := wait(m.client.Subscribe(m.SetpointTopic(), m.cfg.QoS, m.handlePose), connectTimeout); err != nil {
		return errors.NewTransportError(errors.ErrCodeConnectFailed,
			"cannot subscribe to setpoint topic", err).WithContext("topic", m.SetpointTopic())
	}
	defer func() {
		_ = wait(m.client.Unsubscribe(m.SetpointTopic()), publishTimeout)
	}()

	m.logger.Info(ctx, "Mirroring bridge over MQTT",
		"broker", m.cfg.Broker, "state_topic", m.StateTopic(), "setpoint_topic", m.SetpointTopic())

	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			return nil
		}
		data, err := snap.Encode()
		if err != nil {
			m.logger.Warn(ctx, err, "Dropping unencodable state frame")
			continue
		}
		if err := wait(m.client.Publish(m.StateTopic(), m.cfg.QoS, false, data), publishTimeout); err != nil {
			return errors.NewTransportError(errors.ErrCodeSendFailed,
				"publishing state frame", err).WithContext("topic", m.StateTopic())
		}
		m.published.Add(1)
	}
}

func (m *Mirror) handlePose(_ paho.Client, msg paho.Message) {
	ctx := context.Background()
	pose, err := frame.DecodePose(msg.Payload())
	if err != nil {
		m.rejected.Add(1)
		m.errs.Handle(ctx, errors.NewDecodeError("rejected MQTT setpoint", err).
			WithContext("topic", msg.Topic()))
		return
	}
	m.received.Add(1)
	m.poses.Store(pose)
	m.logger.Debug(ctx, "Received pose", "topic", msg.Topic(), "pose", pose)
}

func wait(t paho.Token, timeout time.Duration) error {
	if !t.WaitTimeout(timeout) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return t.Error()
}
