// Package coordinator ties a Z-Wave transport to the light drivers, the store
// and the event bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zwave-go-home/internal/colorutil"
	"zwave-go-home/internal/light"
	"zwave-go-home/internal/store"
	"zwave-go-home/internal/zwave"
)

// ErrLightNotFound is returned for an unknown light id or name.
var ErrLightNotFound = errors.New("light not found")

// Config holds coordinator configuration.
type Config struct {
	Bounds       colorutil.Bounds
	RefreshDelay time.Duration
}

// TransportConfig holds transport settings for display purposes.
type TransportConfig struct {
	Type   string
	Port   string
	Baud   int
	Broker string
	Prefix string
}

// Coordinator manages the lights discovered on a Z-Wave transport.
type Coordinator struct {
	transport       zwave.Transport
	store           store.Store
	events          *EventBus
	logger          *slog.Logger
	config          Config
	transportConfig TransportConfig
	clock           light.Clock

	mu      sync.RWMutex
	lights  map[string]*entry
	byNode  map[uint8][]*entry
	nodes   int
	started time.Time
	unsub   func()

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a coordinator. Start must be called before lights are available.
func New(transport zwave.Transport, st store.Store, events *EventBus, cfg Config, tcfg TransportConfig, logger *slog.Logger) *Coordinator {
	if !cfg.Bounds.Valid() {
		cfg.Bounds = colorutil.DefaultBounds
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		transport:       transport,
		store:           st,
		events:          events,
		logger:          logger,
		config:          cfg,
		transportConfig: tcfg,
		lights:          make(map[string]*entry),
		byNode:          make(map[uint8][]*entry),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start discovers nodes, sets up their lights and subscribes them to value
// notifications.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.RLock()
	running := c.unsub != nil
	c.mu.RUnlock()
	if running {
		return errors.New("coordinator already started")
	}

	c.logger.Info("discovering nodes...", "transport", c.transportConfig.Type)
	nodes, err := c.transport.Nodes(ctx)
	if err != nil {
		return fmt.Errorf("discover nodes: %w", err)
	}

	opts := light.Options{
		Bounds:       c.config.Bounds,
		RefreshDelay: c.config.RefreshDelay,
		Clock:        c.clock,
		Logger:       c.logger,
		StateChanged: c.handleStateChanged,
	}

	var added []*entry
	c.mu.Lock()
	for i := range nodes {
		n := &nodes[i]
		for _, d := range light.Setup(n, c.transport, opts) {
			e := c.register(n, d)
			added = append(added, e)
		}
	}
	c.nodes = len(nodes)
	c.started = time.Now()
	c.unsub = c.transport.OnValueChanged(c.dispatch)
	c.mu.Unlock()

	if err := c.store.SaveControllerState(&store.ControllerState{
		Transport: c.transportConfig.Type,
		Nodes:     len(nodes),
		Lights:    len(added),
		StartedAt: c.started,
	}); err != nil {
		c.logger.Error("save controller state", "err", err)
	}

	for _, e := range added {
		info := c.infoOf(e)
		c.events.Emit(Event{Type: EventLightAdded, Data: LightEvent{
			ID:   info.ID,
			Name: info.DisplayName(),
			Node: info.Node,
			Kind: info.Kind,
		}})
	}
	c.logger.Info("network started", "nodes", len(nodes), "lights", len(added))
	c.events.Emit(Event{Type: EventNetworkState, Data: "started"})
	return nil
}

// register records a new driver. Caller holds c.mu.
func (c *Coordinator) register(n *zwave.Node, d light.Driver) *entry {
	id := d.ID().String()
	now := time.Now()

	rec, err := c.store.GetLight(id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("load light record", "light", id, "err", err)
		}
		rec = &store.Light{ID: id, FirstSeen: now}
	}
	rec.Node = n.ID
	rec.Instance = d.ID().Instance
	rec.Kind = string(d.Kind())
	rec.Channels = uint8(d.Channels())
	rec.Manufacturer = n.Manufacturer
	rec.Product = n.Product
	rec.LastSeen = now
	if err := c.store.SaveLight(rec); err != nil {
		c.logger.Error("save light", "light", id, "err", err)
	}

	e := &entry{
		driver:       d,
		name:         rec.Name,
		manufacturer: n.Manufacturer,
		product:      n.Product,
		lastSeen:     now,
	}
	if old, ok := c.lights[id]; ok {
		old.driver.Close()
		c.byNode[n.ID] = without(c.byNode[n.ID], old)
	}
	c.lights[id] = e
	c.byNode[n.ID] = append(c.byNode[n.ID], e)
	c.logger.Info("light added", "light", id, "kind", d.Kind(), "channels", d.Channels().String(), "name", rec.Name)
	return e
}

// without returns a copy of entries minus e. dispatch may still be ranging
// over the old slice.
func without(entries []*entry, e *entry) []*entry {
	out := make([]*entry, 0, len(entries))
	for _, x := range entries {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

// dispatch routes a value notification to the drivers of its node.
func (c *Coordinator) dispatch(n zwave.ValueChanged) {
	c.mu.RLock()
	entries := c.byNode[n.ID.Node]
	c.mu.RUnlock()
	for _, e := range entries {
		e.driver.HandleValue(n)
	}
}

func (c *Coordinator) handleStateChanged(id zwave.ValueID, s light.State) {
	key := id.String()
	now := time.Now()

	c.mu.Lock()
	e, ok := c.lights[key]
	var name string
	if ok {
		e.lastSeen = now
		name = e.displayName()
	}
	c.mu.Unlock()

	err := c.store.UpdateLight(key, func(l *store.Light) error {
		l.LastState = toStoreState(s)
		l.LastSeen = now
		return nil
	})
	if err != nil {
		c.logger.Warn("persist light state", "light", key, "err", err)
	}

	c.events.Emit(Event{Type: EventLightState, Data: LightEvent{
		ID:    key,
		Name:  name,
		Node:  id.Node,
		State: &s,
	}})
}

func toStoreState(s light.State) *store.LightState {
	st := &store.LightState{
		On:         s.On,
		Brightness: s.Brightness,
		Level:      s.Level,
		ColorTemp:  s.ColorTemp,
	}
	if s.RGB != nil {
		st.RGB = &[3]uint8{s.RGB.R, s.RGB.G, s.RGB.B}
	}
	return st
}

// Stop detaches from the transport and closes all drivers.
func (c *Coordinator) Stop() {
	c.cancel()

	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	entries := make([]*entry, 0, len(c.lights))
	for _, e := range c.lights {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, e := range entries {
		e.driver.Close()
	}
	c.events.Emit(Event{Type: EventNetworkState, Data: "stopped"})
}

// NetworkInfo returns transport and discovery information.
func (c *Coordinator) NetworkInfo() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info := map[string]interface{}{
		"transport": c.transportConfig.Type,
		"nodes":     c.nodes,
		"lights":    len(c.lights),
		"min_mired": c.config.Bounds.MinMireds,
		"max_mired": c.config.Bounds.MaxMireds,
	}
	switch c.transportConfig.Type {
	case "serial":
		info["port"] = c.transportConfig.Port
		info["baud"] = c.transportConfig.Baud
	case "mqtt":
		info["broker"] = c.transportConfig.Broker
		info["prefix"] = c.transportConfig.Prefix
	}
	if !c.started.IsZero() {
		info["started_at"] = c.started
	}
	return info
}

// Bounds returns the color temperature range used by the drivers.
func (c *Coordinator) Bounds() colorutil.Bounds {
	return c.config.Bounds
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}
