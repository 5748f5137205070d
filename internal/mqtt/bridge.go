//go:build !no_mqtt

// Package mqtt publishes lights to Home Assistant via MQTT discovery.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zwave-go-home/internal/colorutil"
	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	ClientID    string
	TopicPrefix string
}

// Controller is the part of the coordinator the bridge drives.
type Controller interface {
	Lights() []coordinator.LightInfo
	Light(id string) (coordinator.LightInfo, error)
	TurnOn(ctx context.Context, id string, cmd light.Command) error
	TurnOff(ctx context.Context, id string) error
	Events() *coordinator.EventBus
	Context() context.Context
	Bounds() colorutil.Bounds
}

// Bridge connects the coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	coord  Controller
	prefix string
	bounds colorutil.Bounds
	logger *slog.Logger
	unsub  func()

	publish     func(topic string, payload []byte, retained bool)
	subscribe   func(topic string, handler func(payload []byte))
	unsubscribe func(topic string)

	// Command topic currently subscribed per light id.
	mu     sync.Mutex
	topics map[string]string
}

func newBridge(coord Controller, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		coord:  coord,
		prefix: strings.TrimSuffix(prefix, "/"),
		bounds: coord.Bounds(),
		logger: logger,
		topics: make(map[string]string),
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord Controller, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, logger.With("component", "mqtt"))
	b.publish = b.pahoPublish
	b.subscribe = b.pahoSubscribe
	b.unsubscribe = b.pahoUnsubscribe

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zwave-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	le, ok := coordinator.LightOf(event)
	if !ok {
		return
	}
	id := le.ID

	switch event.Type {
	case coordinator.EventLightAdded, coordinator.EventLightRenamed:
		info, err := b.coord.Light(id)
		if err != nil {
			return
		}
		b.publishLight(info)
	case coordinator.EventLightState:
		info, err := b.coord.Light(id)
		if err != nil {
			return
		}
		if le.State != nil {
			info.State = *le.State
		}
		b.publishState(info)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAll() {
	b.mu.Lock()
	// Subscriptions do not survive a clean reconnect.
	b.topics = make(map[string]string)
	b.mu.Unlock()
	for _, info := range b.coord.Lights() {
		b.publishLight(info)
	}
}

// publishLight publishes discovery and state for a light and (re)subscribes
// its command topic.
func (b *Bridge) publishLight(info coordinator.LightInfo) {
	msg := buildDiscovery(info, b.prefix, b.bounds)
	b.publish(msg.Topic, msg.Payload, true)
	b.subscribeCommands(info)
	b.publishState(info)
	b.logger.Info("published HA discovery", "light", info.ID, "name", info.DisplayName())
}

func (b *Bridge) publishState(info coordinator.LightInfo) {
	topic := b.prefix + "/" + lightTopicName(info)
	b.publish(topic, mustJSON(buildState(info)), true)
}

func (b *Bridge) subscribeCommands(info coordinator.LightInfo) {
	topic := b.prefix + "/" + lightTopicName(info) + "/set"
	id := info.ID

	b.mu.Lock()
	old, had := b.topics[id]
	b.topics[id] = topic
	b.mu.Unlock()

	if had && old == topic {
		return
	}
	if had {
		b.unsubscribe(old)
	}
	b.subscribe(topic, func(payload []byte) {
		b.handleCommand(id, payload)
	})
}

// haCommand is a JSON-schema light command.
type haCommand struct {
	State      string   `json:"state"`
	Brightness *float64 `json:"brightness"`
	Color      *struct {
		R float64 `json:"r"`
		G float64 `json:"g"`
		B float64 `json:"b"`
	} `json:"color"`
	ColorTemp *float64 `json:"color_temp"`
}

// parseCommand decodes a command payload into an action ("on", "off" or
// "toggle") and the turn-on parameters.
func parseCommand(payload []byte) (string, light.Command, error) {
	var hc haCommand
	if err := json.Unmarshal(payload, &hc); err != nil {
		return "", light.Command{}, err
	}

	var cmd light.Command
	if hc.Brightness != nil {
		v := clampByte(*hc.Brightness)
		cmd.Brightness = &v
	}
	if hc.Color != nil {
		cmd.RGB = &light.RGB{R: clampByte(hc.Color.R), G: clampByte(hc.Color.G), B: clampByte(hc.Color.B)}
	}
	if hc.ColorTemp != nil {
		t := *hc.ColorTemp
		cmd.ColorTemp = &t
	}

	switch strings.ToUpper(hc.State) {
	case "OFF":
		return "off", cmd, nil
	case "TOGGLE":
		return "toggle", cmd, nil
	case "ON", "":
		return "on", cmd, nil
	default:
		return "", cmd, fmt.Errorf("unknown state %q", hc.State)
	}
}

func (b *Bridge) handleCommand(id string, payload []byte) {
	action, cmd, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command JSON", "light", id, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()

	if action == "toggle" {
		info, err := b.coord.Light(id)
		if err != nil {
			b.logger.Warn("command for unknown light", "light", id)
			return
		}
		action = "on"
		if info.State.On {
			action = "off"
		}
	}

	switch action {
	case "off":
		err = b.coord.TurnOff(ctx, id)
	default:
		err = b.coord.TurnOn(ctx, id, cmd)
	}
	if err != nil {
		b.logger.Warn("light command failed", "light", id, "action", action, "err", err)
		// Republish so HA drops its optimistic state.
		if info, lerr := b.coord.Light(id); lerr == nil {
			b.publishState(info)
		}
	}
}

func (b *Bridge) pahoPublish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) pahoSubscribe(topic string, handler func([]byte)) {
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) pahoUnsubscribe(topic string) {
	b.client.Unsubscribe(topic)
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
