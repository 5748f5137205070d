//go:build !no_mqtt

// Package mqttgw implements zwave.Transport against a Z-Wave gateway that
// mirrors the network onto MQTT topics.
//
// Topics, relative to the configured prefix:
//
//	nodes/<node>                           retained node descriptor (JSON)
//	<node>/<cc>/<instance>/<index>         {"time":..,"value":..}
//	<node>/<cc>/<instance>/<index>/set     {"value":..} written by us
//	<node>/<cc>/<instance>/<index>/refresh written by us
package mqttgw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zwave-go-home/internal/zwave"
)

// DefaultSettle is how long Nodes waits after subscribing for retained
// node descriptors to arrive.
const DefaultSettle = 2 * time.Second

// Config holds gateway connection settings.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
	Prefix   string
	Settle   time.Duration
}

// Gateway is a zwave.Transport over MQTT.
type Gateway struct {
	client  pahomqtt.Client
	prefix  string
	settle  time.Duration
	logger  *slog.Logger
	subs    *zwave.Subscribers
	publish func(topic string, payload []byte) error

	mu    sync.RWMutex
	nodes map[uint8]*zwave.Node

	ready     chan struct{}
	readyOnce sync.Once
	settleMu  sync.Mutex
	settleT   *time.Timer
}

// valueMessage is the payload of value and /set topics.
type valueMessage struct {
	Time  int64           `json:"time,omitempty"`
	Value json.RawMessage `json:"value"`
}

func newGateway(prefix string, settle time.Duration, publish func(string, []byte) error, logger *slog.Logger) *Gateway {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Gateway{
		prefix:  strings.TrimSuffix(prefix, "/"),
		settle:  settle,
		logger:  logger,
		subs:    zwave.NewSubscribers(logger),
		publish: publish,
		nodes:   make(map[uint8]*zwave.Node),
		ready:   make(chan struct{}),
	}
}

// Dial connects to the broker and subscribes to the gateway topics.
func Dial(cfg Config, logger *slog.Logger) (*Gateway, error) {
	logger = logger.With("component", "zwave_mqtt")
	g := newGateway(cfg.Prefix, cfg.Settle, nil, logger)
	g.publish = g.pahoPublish

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "zwave-go-home-transport"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			g.logger.Info("gateway connected", "prefix", g.prefix)
			g.subscribe(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			g.logger.Warn("gateway connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt gateway connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt gateway connect: %w", err)
	}
	g.client = client
	return g, nil
}

func (g *Gateway) subscribe(c pahomqtt.Client) {
	filters := map[string]byte{
		g.prefix + "/nodes/+": 1,
		g.prefix + "/+/+/+/+": 1,
	}
	token := c.SubscribeMultiple(filters, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		g.handleMessage(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(10 * time.Second) {
			g.logger.Warn("gateway subscribe timeout")
			return
		}
		if err := token.Error(); err != nil {
			g.logger.Error("gateway subscribe", "err", err)
			return
		}
		g.markSubscribed()
	}()
}

// markSubscribed opens Nodes once the settle period has passed.
func (g *Gateway) markSubscribed() {
	g.settleMu.Lock()
	defer g.settleMu.Unlock()
	if g.settleT != nil {
		return
	}
	g.settleT = time.AfterFunc(g.settle, func() {
		g.readyOnce.Do(func() { close(g.ready) })
	})
}

func (g *Gateway) pahoPublish(topic string, payload []byte) error {
	token := g.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// --- Incoming messages ---

func (g *Gateway) handleMessage(topic string, payload []byte) {
	rest, ok := strings.CutPrefix(topic, g.prefix+"/")
	if !ok {
		return
	}
	if nodeStr, ok := strings.CutPrefix(rest, "nodes/"); ok {
		g.handleNode(nodeStr, payload)
		return
	}
	id, err := parseValueTopic(rest)
	if err != nil {
		g.logger.Debug("ignoring topic", "topic", topic, "err", err)
		return
	}
	g.handleValue(id, payload)
}

func (g *Gateway) handleNode(nodeStr string, payload []byte) {
	id, err := strconv.ParseUint(nodeStr, 10, 8)
	if err != nil {
		return
	}
	if len(payload) == 0 {
		g.mu.Lock()
		delete(g.nodes, uint8(id))
		g.mu.Unlock()
		g.logger.Info("node removed", "node", id)
		return
	}

	var n zwave.Node
	if err := json.Unmarshal(payload, &n); err != nil {
		g.logger.Warn("bad node descriptor", "node", id, "err", err)
		return
	}
	n.ID = uint8(id)
	for i := range n.Values {
		n.Values[i].ID.Node = n.ID
		n.Values[i].Data = normalize(n.Values[i].ID, n.Values[i].Data)
	}

	g.mu.Lock()
	g.nodes[n.ID] = &n
	g.mu.Unlock()
	g.logger.Debug("node descriptor", "node", n.ID, "values", len(n.Values))
}

func (g *Gateway) handleValue(id zwave.ValueID, payload []byte) {
	var msg valueMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		g.logger.Warn("bad value message", "value", id.String(), "err", err)
		return
	}
	var raw any
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		g.logger.Warn("bad value", "value", id.String(), "err", err)
		return
	}
	data := normalize(id, raw)

	g.mu.Lock()
	if n, ok := g.nodes[id.Node]; ok {
		for i := range n.Values {
			if n.Values[i].ID == id {
				n.Values[i].Data = data
			}
		}
	}
	g.mu.Unlock()

	g.subs.Publish(zwave.ValueChanged{ID: id, Data: data})
}

// parseValueTopic parses "<node>/<cc>/<instance>/<index>".
func parseValueTopic(s string) (zwave.ValueID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return zwave.ValueID{}, fmt.Errorf("want 4 levels, got %d", len(parts))
	}
	var nums [4]uint8
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return zwave.ValueID{}, fmt.Errorf("level %d: %w", i, err)
		}
		nums[i] = uint8(v)
	}
	return zwave.ValueID{Node: nums[0], CommandClass: nums[1], Instance: nums[2], Index: nums[3]}, nil
}

// normalize converts JSON-decoded data to the types zwave.ValueChanged documents.
func normalize(id zwave.ValueID, data any) any {
	switch {
	case id.CommandClass == zwave.CommandClassSwitchMultilevel:
		if lvl, ok := zwave.Level(data); ok {
			return lvl
		}
	case id.CommandClass == zwave.CommandClassSwitchColor && id.Index == zwave.ColorIndexChannels:
		if f, ok := data.(float64); ok {
			return int(f)
		}
	}
	return data
}

func (g *Gateway) valueTopic(id zwave.ValueID) string {
	return fmt.Sprintf("%s/%d/%d/%d/%d", g.prefix, id.Node, id.CommandClass, id.Instance, id.Index)
}

// --- zwave.Transport ---

func (g *Gateway) write(id zwave.ValueID, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(valueMessage{Value: raw})
	if err != nil {
		return err
	}
	return g.publish(g.valueTopic(id)+"/set", payload)
}

func (g *Gateway) SetDimmerLevel(_ context.Context, id zwave.ValueID, level uint8) error {
	if id.CommandClass != zwave.CommandClassSwitchMultilevel {
		return fmt.Errorf("value %s is not a multilevel switch", id)
	}
	return g.write(id, level)
}

func (g *Gateway) SetColorPayload(_ context.Context, id zwave.ValueID, payload string) error {
	if id.CommandClass != zwave.CommandClassSwitchColor {
		return fmt.Errorf("value %s is not a color switch", id)
	}
	return g.write(id, payload)
}

func (g *Gateway) RefreshValue(_ context.Context, id zwave.ValueID) error {
	return g.publish(g.valueTopic(id)+"/refresh", []byte("{}"))
}

func (g *Gateway) OnValueChanged(handler func(zwave.ValueChanged)) func() {
	return g.subs.Add(handler)
}

// Nodes waits for the retained node descriptors and returns them.
func (g *Gateway) Nodes(ctx context.Context) ([]zwave.Node, error) {
	select {
	case <-g.ready:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for gateway nodes: %w", ctx.Err())
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]zwave.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		cp := *n
		cp.Values = append([]zwave.Value(nil), n.Values...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *Gateway) Close() error {
	g.settleMu.Lock()
	if g.settleT != nil {
		g.settleT.Stop()
	}
	g.settleMu.Unlock()
	if g.client != nil {
		g.client.Disconnect(1000)
	}
	return nil
}
