package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"zwave-go-home/internal/light"
	"zwave-go-home/internal/store"
)

// LightInfo is a snapshot of a managed light.
type LightInfo struct {
	ID           string      `json:"id"`
	Name         string      `json:"name,omitempty"`
	Node         uint8       `json:"node"`
	Instance     uint8       `json:"instance"`
	Kind         light.Kind  `json:"kind"`
	Channels     string      `json:"channels,omitempty"`
	ChannelMask  uint8       `json:"channel_mask,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Product      string      `json:"product,omitempty"`
	State        light.State `json:"state"`
	LastSeen     time.Time   `json:"last_seen"`
}

// DisplayName returns the friendly name, falling back to the product
// description and then the node number.
func (i LightInfo) DisplayName() string {
	return displayName(i.Name, i.Manufacturer, i.Product, i.Node, i.Instance)
}

func displayName(name, manufacturer, product string, node, instance uint8) string {
	if name != "" {
		return name
	}
	desc := strings.TrimSpace(manufacturer + " " + product)
	if desc == "" {
		desc = fmt.Sprintf("Node %d", node)
	}
	if instance > 1 {
		desc = fmt.Sprintf("%s (%d)", desc, instance)
	}
	return desc
}

type entry struct {
	driver       light.Driver
	name         string
	manufacturer string
	product      string
	lastSeen     time.Time
}

// displayName requires the coordinator lock.
func (e *entry) displayName() string {
	id := e.driver.ID()
	return displayName(e.name, e.manufacturer, e.product, id.Node, id.Instance)
}

// snapshot requires the coordinator lock.
func (e *entry) snapshot() LightInfo {
	id := e.driver.ID()
	info := LightInfo{
		ID:           id.String(),
		Name:         e.name,
		Node:         id.Node,
		Instance:     id.Instance,
		Kind:         e.driver.Kind(),
		Manufacturer: e.manufacturer,
		Product:      e.product,
		State:        e.driver.State(),
		LastSeen:     e.lastSeen,
	}
	if ch := e.driver.Channels(); ch != 0 {
		info.Channels = ch.String()
		info.ChannelMask = uint8(ch)
	}
	return info
}

func (c *Coordinator) infoOf(e *entry) LightInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return e.snapshot()
}

// Lights returns all managed lights ordered by id.
func (c *Coordinator) Lights() []LightInfo {
	c.mu.RLock()
	out := make([]LightInfo, 0, len(c.lights))
	for _, e := range c.lights {
		out = append(out, e.snapshot())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Node != b.Node {
			return a.Node < b.Node
		}
		return a.Instance < b.Instance
	})
	return out
}

// Light returns the light with the given id.
func (c *Coordinator) Light(id string) (LightInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lights[id]
	if !ok {
		return LightInfo{}, fmt.Errorf("light %s: %w", id, ErrLightNotFound)
	}
	return e.snapshot(), nil
}

// Resolve finds a light by id or, case-insensitively, by display name.
func (c *Coordinator) Resolve(ref string) (LightInfo, error) {
	if info, err := c.Light(ref); err == nil {
		return info, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.lights {
		if strings.EqualFold(e.displayName(), ref) {
			return e.snapshot(), nil
		}
	}
	return LightInfo{}, fmt.Errorf("light %q: %w", ref, ErrLightNotFound)
}

func (c *Coordinator) driver(id string) (light.Driver, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.lights[id]
	if !ok {
		return nil, fmt.Errorf("light %s: %w", id, ErrLightNotFound)
	}
	return e.driver, nil
}

// TurnOn turns a light on, optionally with a brightness, color or temperature.
func (c *Coordinator) TurnOn(ctx context.Context, id string, cmd light.Command) error {
	d, err := c.driver(id)
	if err != nil {
		return err
	}
	if err := d.TurnOn(ctx, cmd); err != nil {
		return fmt.Errorf("turn on %s: %w", id, err)
	}
	return nil
}

// TurnOff turns a light off.
func (c *Coordinator) TurnOff(ctx context.Context, id string) error {
	d, err := c.driver(id)
	if err != nil {
		return err
	}
	if err := d.TurnOff(ctx); err != nil {
		return fmt.Errorf("turn off %s: %w", id, err)
	}
	return nil
}

// Rename sets the friendly name of a light. An empty name clears it.
func (c *Coordinator) Rename(id, name string) (LightInfo, error) {
	name = strings.TrimSpace(name)
	if _, err := c.driver(id); err != nil {
		return LightInfo{}, err
	}
	err := c.store.UpdateLight(id, func(l *store.Light) error {
		l.Name = name
		return nil
	})
	if err != nil {
		return LightInfo{}, fmt.Errorf("rename %s: %w", id, err)
	}

	c.mu.Lock()
	e := c.lights[id]
	e.name = name
	info := e.snapshot()
	c.mu.Unlock()

	c.logger.Info("light renamed", "light", id, "name", name)
	c.events.Emit(Event{Type: EventLightRenamed, Data: LightEvent{
		ID:   id,
		Name: info.DisplayName(),
		Node: info.Node,
	}})
	return info, nil
}
