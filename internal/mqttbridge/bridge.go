package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/oikosnomo/ccu-bridge/internal/command"
	"github.com/oikosnomo/ccu-bridge/internal/config"
	"github.com/oikosnomo/ccu-bridge/internal/state"
)

const (
	setSuffix      = "set"
	connectTimeout = 10 * time.Second
	quiesceMS      = 250
)

// Requester accepts user writes for command parameters.
type Requester interface {
	Request(ctx context.Context, device, param string, value float64) error
}

// Bridge mirrors every state change to retained MQTT topics and turns
// messages on <prefix>/<device>/sendcommand/<param>/set into user writes.
type Bridge struct {
	cfg       config.MQTTConfig
	tree      *state.Tree
	requester Requester
	logger    *slog.Logger

	client mqtt.Client

	mu          sync.Mutex
	ctx         context.Context
	unsubscribe func()
}

func New(cfg config.MQTTConfig, tree *state.Tree, requester Requester, logger *slog.Logger) *Bridge {
	return &Bridge{cfg: cfg, tree: tree, requester: requester, logger: logger}
}

// NewWithClient uses an already configured client; Connect is then a no-op
// apart from the tree subscription.
func NewWithClient(client mqtt.Client, cfg config.MQTTConfig, tree *state.Tree, requester Requester, logger *slog.Logger) *Bridge {
	b := New(cfg, tree, requester, logger)
	b.client = client
	return b
}

// Connect dials the broker, subscribes the command topic on every
// (re)connect and starts mirroring the tree.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	b.ctx = context.WithoutCancel(ctx)
	b.mu.Unlock()

	if b.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(brokerURL(b.cfg.Broker))
		opts.SetClientID(b.cfg.ClientID + "-" + uuid.NewString()[:8])
		if b.cfg.Username != "" {
			opts.SetUsername(b.cfg.Username)
			opts.SetPassword(b.cfg.Password)
		}
		opts.SetAutoReconnect(true)
		opts.SetDefaultPublishHandler(b.messageHandler)
		opts.SetOnConnectHandler(func(c mqtt.Client) {
			topic := CommandFilter(b.cfg.TopicPrefix)
			if token := c.Subscribe(topic, 1, b.messageHandler); token.Wait() && token.Error() != nil {
				b.logger.Error("mqtt_subscribe_failed", "topic", topic, "err", token.Error())
				return
			}
			b.logger.Info("mqtt_subscribed", "topic", topic)
		})
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt_connection_lost", "err", err)
		})

		b.client = mqtt.NewClient(opts)
		token := b.client.Connect()
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("mqtt connect %s: timed out", b.cfg.Broker)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", b.cfg.Broker, err)
		}
		b.logger.Info("mqtt_connected", "broker", b.cfg.Broker)
	}

	unsub, err := b.tree.Subscribe("*", b.mirror)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.unsubscribe = unsub
	b.mu.Unlock()
	return nil
}

func (b *Bridge) mirror(_ context.Context, ev state.Event) {
	payload, err := json.Marshal(ev.Value)
	if err != nil {
		b.logger.Error("mqtt_encode_failed", "path", ev.Path, "err", err)
		return
	}
	topic := TopicFor(b.cfg.TopicPrefix, ev.Path)
	token := b.client.Publish(topic, 0, true, payload)
	go func() {
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			b.logger.Warn("mqtt_publish_failed", "topic", topic, "err", token.Error())
		}
	}()
}

func (b *Bridge) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	device, param, ok := ParseCommandTopic(b.cfg.TopicPrefix, msg.Topic())
	if !ok {
		b.logger.Debug("mqtt_ignored", "topic", msg.Topic())
		return
	}
	value, err := ParsePayload(msg.Payload())
	if err != nil {
		b.logger.Warn("mqtt_invalid_payload", "topic", msg.Topic(), "err", err)
		return
	}

	b.mu.Lock()
	ctx := b.ctx
	b.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := b.requester.Request(ctx, device, param, value); err != nil {
		b.logger.Error("mqtt_request_failed", "device", device, "param", param, "err", err)
		return
	}
	b.logger.Info("mqtt_command_received", "device", device, "param", param, "value", value)
}

// Disconnect stops mirroring and closes the broker connection.
func (b *Bridge) Disconnect() error {
	b.mu.Lock()
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	b.mu.Unlock()
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(quiesceMS)
	}
	return nil
}

// TopicFor maps a dotted state path onto a topic below prefix.
func TopicFor(prefix, path string) string {
	return strings.Trim(prefix, "/") + "/" + strings.ReplaceAll(path, ".", "/")
}

// CommandFilter is the subscription filter for inbound commands.
func CommandFilter(prefix string) string {
	return strings.Trim(prefix, "/") + "/+/" + command.Namespace + "/+/" + setSuffix
}

// ParseCommandTopic extracts device and parameter from
// <prefix>/<device>/sendcommand/<param>/set.
func ParseCommandTopic(prefix, topic string) (device, param string, ok bool) {
	rest, found := strings.CutPrefix(topic, strings.Trim(prefix, "/")+"/")
	if !found {
		return "", "", false
	}
	segs := strings.Split(rest, "/")
	if len(segs) != 4 || segs[1] != command.Namespace || segs[3] != setSuffix || segs[0] == "" || segs[2] == "" {
		return "", "", false
	}
	return segs[0], segs[2], true
}

var errEmptyPayload = errors.New("empty payload")

// ParsePayload accepts a bare number or a JSON object {"value": n}.
func ParsePayload(b []byte) (float64, error) {
	raw := strings.TrimSpace(string(b))
	if raw == "" {
		return 0, errEmptyPayload
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("payload %q: not a finite number", raw)
		}
		return v, nil
	}
	var body struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return 0, fmt.Errorf("payload %q: %w", raw, err)
	}
	if body.Value == nil {
		return 0, fmt.Errorf("payload %q: no value", raw)
	}
	return *body.Value, nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
