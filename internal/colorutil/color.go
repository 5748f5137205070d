// Package colorutil converts between color temperature (mireds, Kelvin) and RGB.
package colorutil

import "math"

// Bounds is the color temperature range, in mireds, exposed to users.
type Bounds struct {
	MinMireds float64 `yaml:"min_mireds" json:"min_mireds"`
	MaxMireds float64 `yaml:"max_mireds" json:"max_mireds"`
}

// DefaultBounds is 6500 K (154 mireds) to 2000 K (500 mireds).
var DefaultBounds = Bounds{MinMireds: 154, MaxMireds: 500}

// Span returns MaxMireds - MinMireds.
func (b Bounds) Span() float64 {
	return b.MaxMireds - b.MinMireds
}

// Mid is the midpoint temperature, reported by two-white bulbs in RGB mode.
func (b Bounds) Mid() float64 {
	return b.Span()/2 + b.MinMireds
}

// Warm is the fixed temperature a two-white bulb shows on its warm channel.
func (b Bounds) Warm() float64 {
	return b.Span()*2/3 + b.MinMireds
}

// Cold is the fixed temperature a two-white bulb shows on its cold channel.
func (b Bounds) Cold() float64 {
	return b.Span()/3 + b.MinMireds
}

// Clamp limits mireds to [MinMireds, MaxMireds].
func (b Bounds) Clamp(mireds float64) float64 {
	return math.Max(b.MinMireds, math.Min(b.MaxMireds, mireds))
}

// Valid reports whether the bounds describe a non-empty positive range.
func (b Bounds) Valid() bool {
	return b.MinMireds > 0 && b.MaxMireds > b.MinMireds
}

// MiredToKelvin converts a mired value to Kelvin.
func MiredToKelvin(mireds float64) float64 {
	return 1e6 / mireds
}

// KelvinToMired converts a Kelvin value to mireds.
func KelvinToMired(kelvin float64) float64 {
	return 1e6 / kelvin
}

// KelvinToRGB approximates the RGB color of a black body at the given
// temperature (Tanner Helland's fit). Input is clamped to 1000..40000 K.
func KelvinToRGB(kelvin float64) (r, g, b uint8) {
	kelvin = math.Max(1000, math.Min(40000, kelvin))
	t := kelvin / 100

	return bound(red(t)), bound(green(t)), bound(blue(t))
}

// MiredToRGB is KelvinToRGB(MiredToKelvin(mireds)).
func MiredToRGB(mireds float64) (r, g, b uint8) {
	return KelvinToRGB(MiredToKelvin(mireds))
}

func red(t float64) float64 {
	if t <= 66 {
		return 255
	}
	return 329.698727446 * math.Pow(t-60, -0.1332047592)
}

func green(t float64) float64 {
	if t <= 66 {
		return 99.4708025861*math.Log(t) - 161.1195681661
	}
	return 288.1221695283 * math.Pow(t-60, -0.0755148492)
}

func blue(t float64) float64 {
	if t >= 66 {
		return 255
	}
	if t <= 19 {
		return 0
	}
	return 138.5177312231*math.Log(t-10) - 305.0447927307
}

// bound clamps to 0..255 and truncates toward zero.
func bound(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
