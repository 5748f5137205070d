package light

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"zwave-go-home/internal/zwave"
)

// Dimmer is a brightness-only light on a Switch Multilevel value.
type Dimmer struct {
	id        zwave.ValueID
	transport zwave.Transport
	refresher *Refresher
	logger    *slog.Logger
	notify    func()

	mu         sync.Mutex
	on         bool
	brightness uint8
	level      uint8
}

// NewDimmer creates a dimmer for the value id with the given initial raw level.
func NewDimmer(id zwave.ValueID, level uint8, transport zwave.Transport, opts Options) *Dimmer {
	opts = opts.withDefaults()
	d := &Dimmer{
		id:        id,
		transport: transport,
		logger:    opts.Logger.With("component", "dimmer", "light", id.String()),
	}
	d.notify = func() {
		if opts.StateChanged != nil {
			opts.StateChanged(id, d.State())
		}
	}
	d.setLevel(level)
	d.refresher = NewRefresher(id, transport, opts.Clock, opts.RefreshDelay, d.applyResult, opts.Logger)
	return d
}

func (d *Dimmer) ID() zwave.ValueID  { return d.id }
func (d *Dimmer) Kind() Kind         { return KindDimmer }
func (d *Dimmer) Channels() Channels { return 0 }

// RefreshState exposes the refresher state.
func (d *Dimmer) RefreshState() RefreshState { return d.refresher.State() }

func (d *Dimmer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{On: d.on, Brightness: d.brightness, Level: d.level}
}

// TurnOn sets the level from cmd.Brightness, or the last brightness.
// Color fields are ignored.
func (d *Dimmer) TurnOn(ctx context.Context, cmd Command) error {
	d.mu.Lock()
	brightness := d.brightness
	d.mu.Unlock()
	if cmd.Brightness != nil {
		brightness = *cmd.Brightness
	}

	level := brightnessToLevel(brightness)
	if err := d.transport.SetDimmerLevel(ctx, d.id, level); err != nil {
		return fmt.Errorf("set dimmer level %d: %w", level, err)
	}

	d.mu.Lock()
	d.brightness = brightness
	d.level = level
	d.on = level > 0
	d.mu.Unlock()
	d.notify()
	return nil
}

func (d *Dimmer) TurnOff(ctx context.Context) error {
	if err := d.transport.SetDimmerLevel(ctx, d.id, 0); err != nil {
		return fmt.Errorf("set dimmer level 0: %w", err)
	}
	d.mu.Lock()
	d.on = false
	d.level = 0
	d.mu.Unlock()
	d.notify()
	return nil
}

// HandleValue passes notifications for the dimmer value to the refresher.
func (d *Dimmer) HandleValue(n zwave.ValueChanged) {
	d.refresher.Notify(n)
}

func (d *Dimmer) applyResult(n zwave.ValueChanged) {
	level, ok := zwave.Level(n.Data)
	if !ok {
		d.logger.Warn("unexpected dimmer value", "data", n.Data)
		return
	}
	d.setLevel(level)
	d.notify()
}

func (d *Dimmer) setLevel(level uint8) {
	if level > maxLevel {
		level = maxLevel
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = level
	d.brightness, d.on = levelToBrightness(level)
}

func (d *Dimmer) Close() {
	d.refresher.Close()
}
