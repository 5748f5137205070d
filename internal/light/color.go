package light

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zwave-go-home/internal/colorutil"
	"zwave-go-home/internal/zwave"
)

// ColorLight is a dimmer with a Color Switch value on the same instance.
type ColorLight struct {
	dimmer    *Dimmer
	colorID   zwave.ValueID
	channels  Channels
	bounds    colorutil.Bounds
	transport zwave.Transport
	logger    *slog.Logger
	notify    func()

	mu      sync.Mutex
	reading ColorReading
}

// NewColorLight creates a color light. payload is the initial color value and
// may be empty when unknown.
func NewColorLight(id zwave.ValueID, level uint8, colorID zwave.ValueID, channels Channels, payload string, transport zwave.Transport, opts Options) *ColorLight {
	opts = opts.withDefaults()
	c := &ColorLight{
		colorID:   colorID,
		channels:  channels,
		bounds:    opts.Bounds,
		transport: transport,
		logger:    opts.Logger.With("component", "color_light", "light", id.String()),
	}
	c.notify = func() {
		if opts.StateChanged != nil {
			opts.StateChanged(id, c.State())
		}
	}

	dimmerOpts := opts
	dimmerOpts.StateChanged = func(zwave.ValueID, State) { c.notify() }
	c.dimmer = NewDimmer(id, level, transport, dimmerOpts)

	if payload != "" {
		if reading, err := Decode(payload, channels, c.bounds); err != nil {
			c.logger.Warn("initial color unreadable", "err", err)
		} else {
			c.reading = reading
		}
	}
	return c
}

func (c *ColorLight) ID() zwave.ValueID      { return c.dimmer.ID() }
func (c *ColorLight) ColorID() zwave.ValueID { return c.colorID }
func (c *ColorLight) Kind() Kind             { return KindColor }
func (c *ColorLight) Channels() Channels     { return c.channels }

// RefreshState exposes the dimmer refresher state.
func (c *ColorLight) RefreshState() RefreshState { return c.dimmer.RefreshState() }

func (c *ColorLight) State() State {
	s := c.dimmer.State()
	c.mu.Lock()
	defer c.mu.Unlock()
	s.RGB = c.reading.RGB
	s.ColorTemp = c.reading.ColorTemp
	return s
}

// TurnOn writes the color first, when given, then the dimmer level.
// A failed color write leaves the light untouched.
func (c *ColorLight) TurnOn(ctx context.Context, cmd Command) error {
	if cmd.HasColor() {
		target := ColorTarget{RGB: cmd.RGB, ColorTemp: cmd.ColorTemp}
		payload, err := Encode(target, c.channels, c.bounds)
		if err != nil {
			return err
		}
		if err := c.transport.SetColorPayload(ctx, c.colorID, payload); err != nil {
			return fmt.Errorf("set color %s: %w", payload, err)
		}
		// Remember what the device will report for this payload, not the request.
		if reading, err := Decode(payload, c.channels, c.bounds); err != nil {
			c.logger.Warn("written color unreadable", "payload", payload, "err", err)
		} else {
			c.mu.Lock()
			c.reading = reading
			c.mu.Unlock()
		}
	}
	return c.dimmer.TurnOn(ctx, cmd)
}

func (c *ColorLight) TurnOff(ctx context.Context) error {
	return c.dimmer.TurnOff(ctx)
}

// HandleValue decodes color notifications immediately and passes the rest to
// the dimmer.
func (c *ColorLight) HandleValue(n zwave.ValueChanged) {
	if n.ID != c.colorID {
		c.dimmer.HandleValue(n)
		return
	}
	payload, ok := n.Data.(string)
	if !ok {
		c.logger.Warn("unexpected color value", "data", n.Data)
		return
	}
	reading, err := Decode(payload, c.channels, c.bounds)
	if err != nil {
		c.logger.Warn("keeping last color", "err", err)
		return
	}
	c.mu.Lock()
	c.reading = reading
	c.mu.Unlock()
	c.notify()
}

func (c *ColorLight) Close() {
	c.dimmer.Close()
}
