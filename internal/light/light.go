// Package light implements the Z-Wave dimmer and color light drivers: the
// color payload codec, the debounced refresher and light setup from node values.
package light

import (
	"context"
	"log/slog"
	"time"

	"zwave-go-home/internal/colorutil"
	"zwave-go-home/internal/zwave"
)

// Kind names the driver variant.
type Kind string

const (
	KindDimmer Kind = "dimmer"
	KindColor  Kind = "color"
)

// State is the observable state of a light.
type State struct {
	On         bool     `json:"on"`
	Brightness uint8    `json:"brightness"`
	Level      uint8    `json:"level"`
	RGB        *RGB     `json:"rgb,omitempty"`
	ColorTemp  *float64 `json:"color_temp,omitempty"`
}

// Command is a turn-on request. Nil fields keep the current value.
type Command struct {
	Brightness *uint8   `json:"brightness,omitempty"`
	RGB        *RGB     `json:"rgb,omitempty"`
	ColorTemp  *float64 `json:"color_temp,omitempty"`
}

// HasColor reports whether the command carries a color or temperature.
func (c Command) HasColor() bool {
	return c.RGB != nil || c.ColorTemp != nil
}

// Driver is a light bound to one dimmer value.
type Driver interface {
	// ID is the dimmer value the light is bound to.
	ID() zwave.ValueID
	Kind() Kind
	Channels() Channels
	TurnOn(ctx context.Context, cmd Command) error
	TurnOff(ctx context.Context) error
	State() State
	// HandleValue feeds a value notification from the transport.
	HandleValue(n zwave.ValueChanged)
	Close()
}

// Options configures drivers created by Setup.
type Options struct {
	Bounds       colorutil.Bounds
	RefreshDelay time.Duration
	Clock        Clock
	Logger       *slog.Logger
	// StateChanged is called whenever cached state changes.
	StateChanged func(id zwave.ValueID, s State)
}

func (o Options) withDefaults() Options {
	if !o.Bounds.Valid() {
		o.Bounds = colorutil.DefaultBounds
	}
	if o.RefreshDelay <= 0 {
		o.RefreshDelay = DefaultRefreshDelay
	}
	if o.Clock == nil {
		o.Clock = SystemClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// maxLevel is the highest Switch Multilevel level; 0xFF means "restore last".
const maxLevel = 99

// levelToBrightness maps a raw 0..99 level to 0..255 brightness and on/off.
// Off reports full brightness so a plain turn-on restores full level.
func levelToBrightness(level uint8) (brightness uint8, on bool) {
	if level > maxLevel {
		level = maxLevel
	}
	if level == 0 {
		return 255, false
	}
	return uint8(int(level) * 255 / maxLevel), true
}

func brightnessToLevel(brightness uint8) uint8 {
	return uint8(int(brightness) * maxLevel / 255)
}
