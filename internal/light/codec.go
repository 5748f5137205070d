package light

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"zwave-go-home/internal/colorutil"
)

// Channels is the bitmask of physical channels a color device reports.
// Bit n corresponds to Color Switch component n.
type Channels uint8

const (
	WarmWhite Channels = 0x01
	ColdWhite Channels = 0x02
	Red       Channels = 0x04
	Green     Channels = 0x08
	Blue      Channels = 0x10
)

// Has reports whether every bit in c is set.
func (ch Channels) Has(c Channels) bool { return ch&c == c }

// HasRGB reports whether at least one of red, green or blue is present.
func (ch Channels) HasRGB() bool { return ch&(Red|Green|Blue) != 0 }

// HasWhite reports whether at least one white channel is present.
func (ch Channels) HasWhite() bool { return ch&(WarmWhite|ColdWhite) != 0 }

// whiteCount is the number of white bytes that follow #RRGGBB in a payload.
func (ch Channels) whiteCount() int {
	n := 0
	if ch.Has(WarmWhite) {
		n++
	}
	if ch.Has(ColdWhite) {
		n++
	}
	return n
}

func (ch Channels) String() string {
	var parts []string
	for _, c := range []struct {
		bit  Channels
		name string
	}{{WarmWhite, "ww"}, {ColdWhite, "cw"}, {Red, "r"}, {Green, "g"}, {Blue, "b"}} {
		if ch.Has(c.bit) {
			parts = append(parts, c.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// RGB is an 8-bit color triple.
type RGB struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

func (c RGB) hex() string {
	return fmt.Sprintf("%02X%02X%02X", c.R, c.G, c.B)
}

// ColorReading is the normalized color of a device. Either field may be nil.
type ColorReading struct {
	RGB       *RGB     `json:"rgb,omitempty"`
	ColorTemp *float64 `json:"color_temp,omitempty"`
}

// ColorTarget is a requested color. ColorTemp takes precedence over RGB.
type ColorTarget struct {
	RGB       *RGB     `json:"rgb,omitempty"`
	ColorTemp *float64 `json:"color_temp,omitempty"`
}

// PayloadDecodeError reports a malformed color payload.
type PayloadDecodeError struct {
	Payload string
	Reason  string
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("decode color payload %q: %s", e.Payload, e.Reason)
}

// EncodingError reports a color target that cannot be written to a device.
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string {
	return "encode color: " + e.Reason
}

// Decode parses a "#RRGGBB[WW][CW]" payload for a device with the given channels.
func Decode(payload string, ch Channels, b colorutil.Bounds) (ColorReading, error) {
	want := 7 + 2*ch.whiteCount()
	if len(payload) != want {
		return ColorReading{}, &PayloadDecodeError{
			Payload: payload,
			Reason:  fmt.Sprintf("length %d, want %d for channels %s", len(payload), want, ch),
		}
	}
	if payload[0] != '#' {
		return ColorReading{}, &PayloadDecodeError{Payload: payload, Reason: "missing '#'"}
	}
	raw, err := hex.DecodeString(payload[1:])
	if err != nil {
		return ColorReading{}, &PayloadDecodeError{Payload: payload, Reason: "invalid hex"}
	}

	rgb := RGB{R: raw[0], G: raw[1], B: raw[2]}
	rest := raw[3:]
	var ww, cw uint8
	if ch.Has(WarmWhite) {
		ww, rest = rest[0], rest[1:]
	}
	if ch.Has(ColdWhite) {
		cw = rest[0]
	}

	var reading ColorReading
	switch {
	case ch.Has(WarmWhite | ColdWhite):
		switch {
		case ww > 0:
			reading = fromTemp(b.Warm())
		case cw > 0:
			reading = fromTemp(b.Cold())
		default:
			mid := b.Mid()
			reading = ColorReading{RGB: &rgb, ColorTemp: &mid}
		}
	case ch.Has(WarmWhite):
		reading = fromTemp(b.MinMireds + b.Span()*(float64(ww)/255))
	case ch.Has(ColdWhite):
		reading = fromTemp(b.MinMireds + b.Span()*(1-float64(cw)/255))
	default:
		reading = ColorReading{RGB: &rgb}
	}

	if !ch.HasRGB() {
		reading.RGB = nil
	}
	return reading, nil
}

func fromTemp(mireds float64) ColorReading {
	r, g, bl := colorutil.MiredToRGB(mireds)
	return ColorReading{RGB: &RGB{R: r, G: g, B: bl}, ColorTemp: &mireds}
}

// Encode builds the payload that drives a device with the given channels to target.
func Encode(target ColorTarget, ch Channels, b colorutil.Bounds) (string, error) {
	if !ch.HasRGB() && !ch.HasWhite() {
		return "", &EncodingError{Reason: fmt.Sprintf("device has no color channels (mask 0x%02X)", uint8(ch))}
	}

	switch {
	case target.ColorTemp != nil:
		t := b.Clamp(*target.ColorTemp)
		frac := (t - b.MinMireds) / b.Span()
		switch {
		case ch.Has(WarmWhite | ColdWhite):
			if t <= b.Mid() {
				return "#000000FF00", nil
			}
			return "#00000000FF", nil
		case ch.Has(WarmWhite):
			return fmt.Sprintf("#000000%02X", uint8(math.Round(frac*255))), nil
		case ch.Has(ColdWhite):
			return fmt.Sprintf("#000000%02X", uint8(math.Round(255-frac*255))), nil
		default:
			return "", &EncodingError{Reason: "color temperature requested on a device without white channels"}
		}

	case target.RGB != nil:
		return "#" + target.RGB.hex() + strings.Repeat("00", ch.whiteCount()), nil

	default:
		return "", &EncodingError{Reason: "no color temperature or rgb given"}
	}
}
