package light

import (
	"errors"
	"math"
	"testing"

	"zwave-go-home/internal/colorutil"
)

var bounds = colorutil.DefaultBounds

func ptr[T any](v T) *T { return &v }

func rgbOf(mireds float64) *RGB {
	r, g, b := colorutil.MiredToRGB(mireds)
	return &RGB{R: r, G: g, B: b}
}

func sameRGB(a, b *RGB) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTemp(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return math.Abs(*a-*b) < 1e-9
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ch      Channels
		rgb     *RGB
		temp    *float64
	}{
		{
			name:    "both whites, warm lit",
			payload: "#000000FF00",
			ch:      WarmWhite | ColdWhite,
			temp:    ptr(bounds.Warm()),
		},
		{
			name:    "both whites, cold lit",
			payload: "#0000000080",
			ch:      WarmWhite | ColdWhite,
			temp:    ptr(bounds.Cold()),
		},
		{
			name:    "both whites dark is rgb mode",
			payload: "#1A2B3C0000",
			ch:      WarmWhite | ColdWhite | Red | Green | Blue,
			rgb:     &RGB{0x1A, 0x2B, 0x3C},
			temp:    ptr(bounds.Mid()),
		},
		{
			name:    "both whites warm lit with rgb",
			payload: "#1A2B3CFF00",
			ch:      WarmWhite | ColdWhite | Red | Green | Blue,
			rgb:     rgbOf(bounds.Warm()),
			temp:    ptr(bounds.Warm()),
		},
		{
			name:    "warm only full",
			payload: "#000000FF",
			ch:      WarmWhite | Red | Green | Blue,
			rgb:     rgbOf(bounds.MaxMireds),
			temp:    ptr(bounds.MaxMireds),
		},
		{
			name:    "warm only dark",
			payload: "#00000000",
			ch:      WarmWhite | Red | Green | Blue,
			rgb:     rgbOf(bounds.MinMireds),
			temp:    ptr(bounds.MinMireds),
		},
		{
			name:    "cold only full is coolest",
			payload: "#000000FF",
			ch:      ColdWhite | Red | Green | Blue,
			rgb:     rgbOf(bounds.MinMireds),
			temp:    ptr(bounds.MinMireds),
		},
		{
			name:    "cold only dark is warmest",
			payload: "#00000000",
			ch:      ColdWhite | Red | Green | Blue,
			rgb:     rgbOf(bounds.MaxMireds),
			temp:    ptr(bounds.MaxMireds),
		},
		{
			name:    "rgb only",
			payload: "#1A2B3C",
			ch:      Red | Green | Blue,
			rgb:     &RGB{0x1A, 0x2B, 0x3C},
		},
		{
			name:    "lowercase hex",
			payload: "#ff8000",
			ch:      Red | Green | Blue,
			rgb:     &RGB{0xFF, 0x80, 0x00},
		},
		{
			name:    "partial rgb still reports rgb",
			payload: "#110000",
			ch:      Red,
			rgb:     &RGB{0x11, 0x00, 0x00},
		},
		{
			name:    "no channels",
			payload: "#1A2B3C",
			ch:      0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.payload, tt.ch, bounds)
			if err != nil {
				t.Fatalf("Decode(%q, %s): %v", tt.payload, tt.ch, err)
			}
			if !sameTemp(got.ColorTemp, tt.temp) {
				t.Errorf("temp = %v, want %v", deref(got.ColorTemp), deref(tt.temp))
			}
			if !sameRGB(got.RGB, tt.rgb) {
				t.Errorf("rgb = %+v, want %+v", got.RGB, tt.rgb)
			}
		})
	}
}

func deref(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func TestDecodeNoWhiteHasNoTemperature(t *testing.T) {
	for ch := Channels(0); ch < 0x20; ch++ {
		if ch.HasWhite() {
			continue
		}
		got, err := Decode("#102030", ch, bounds)
		if err != nil {
			t.Fatalf("Decode with %s: %v", ch, err)
		}
		if got.ColorTemp != nil {
			t.Errorf("channels %s: temp = %v, want nil", ch, *got.ColorTemp)
		}
	}
}

func TestDecodeNoRGBHasNoRGB(t *testing.T) {
	payloads := map[Channels]string{
		0:                     "#102030",
		WarmWhite:             "#10203040",
		ColdWhite:             "#10203040",
		WarmWhite | ColdWhite: "#1020304000",
	}
	for ch, p := range payloads {
		got, err := Decode(p, ch, bounds)
		if err != nil {
			t.Fatalf("Decode(%q, %s): %v", p, ch, err)
		}
		if got.RGB != nil {
			t.Errorf("channels %s: rgb = %+v, want nil", ch, *got.RGB)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		ch      Channels
	}{
		{"empty", "", Red | Green | Blue},
		{"missing hash", "1A2B3C0", Red | Green | Blue},
		{"too short for whites", "#1A2B3C", WarmWhite | ColdWhite},
		{"too long", "#1A2B3C00", Red | Green | Blue},
		{"non hex", "#1A2B3G", Red | Green | Blue},
		{"odd white", "#1A2B3C0Z00", WarmWhite | ColdWhite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.payload, tt.ch, bounds)
			var pde *PayloadDecodeError
			if !errors.As(err, &pde) {
				t.Fatalf("err = %v, want *PayloadDecodeError", err)
			}
			if pde.Payload != tt.payload {
				t.Errorf("Payload = %q, want %q", pde.Payload, tt.payload)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name   string
		target ColorTarget
		ch     Channels
		want   string
	}{
		{"rgb with both whites", ColorTarget{RGB: &RGB{255, 0, 0}}, Red | Green | Blue | WarmWhite | ColdWhite, "#FF00000000"},
		{"rgb with warm", ColorTarget{RGB: &RGB{1, 2, 3}}, Red | Green | Blue | WarmWhite, "#01020300"},
		{"rgb only", ColorTarget{RGB: &RGB{0x1A, 0x2B, 0x3C}}, Red | Green | Blue, "#1A2B3C"},
		{"temp both whites at mid", ColorTarget{ColorTemp: ptr(bounds.Mid())}, WarmWhite | ColdWhite, "#000000FF00"},
		{"temp both whites low", ColorTarget{ColorTemp: ptr(200.0)}, WarmWhite | ColdWhite, "#000000FF00"},
		{"temp both whites high", ColorTarget{ColorTemp: ptr(400.0)}, WarmWhite | ColdWhite, "#00000000FF"},
		{"temp warm only min", ColorTarget{ColorTemp: ptr(154.0)}, WarmWhite, "#00000000"},
		{"temp warm only max", ColorTarget{ColorTemp: ptr(500.0)}, WarmWhite, "#000000FF"},
		{"temp warm only mid", ColorTarget{ColorTemp: ptr(327.0)}, WarmWhite, "#00000080"},
		{"temp cold only min", ColorTarget{ColorTemp: ptr(154.0)}, ColdWhite, "#000000FF"},
		{"temp cold only max", ColorTarget{ColorTemp: ptr(500.0)}, ColdWhite, "#00000000"},
		{"temp clamped below", ColorTarget{ColorTemp: ptr(50.0)}, WarmWhite, "#00000000"},
		{"temp clamped above", ColorTarget{ColorTemp: ptr(900.0)}, ColdWhite, "#00000000"},
		{"temp wins over rgb", ColorTarget{ColorTemp: ptr(500.0), RGB: &RGB{9, 9, 9}}, WarmWhite | Red | Green | Blue, "#000000FF"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.target, tt.ch, bounds)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if got != tt.want {
				t.Errorf("Encode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		target ColorTarget
		ch     Channels
	}{
		{"empty target", ColorTarget{}, Red | Green | Blue},
		{"no channels", ColorTarget{RGB: &RGB{1, 2, 3}}, 0},
		{"temp without white", ColorTarget{ColorTemp: ptr(300.0)}, Red | Green | Blue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.target, tt.ch, bounds)
			var ee *EncodingError
			if !errors.As(err, &ee) {
				t.Fatalf("err = %v, want *EncodingError", err)
			}
		})
	}
}

func TestSingleWhiteRoundTrip(t *testing.T) {
	for _, ch := range []Channels{WarmWhite, ColdWhite} {
		for v := 0; v <= 255; v++ {
			payload := "#000000" + hexByte(uint8(v))
			first, err := Decode(payload, ch, bounds)
			if err != nil {
				t.Fatal(err)
			}
			encoded, err := Encode(ColorTarget{ColorTemp: first.ColorTemp}, ch, bounds)
			if err != nil {
				t.Fatal(err)
			}
			second, err := Decode(encoded, ch, bounds)
			if err != nil {
				t.Fatal(err)
			}
			step := bounds.Span() / 255
			if d := math.Abs(*second.ColorTemp - *first.ColorTemp); d > step+1e-9 {
				t.Errorf("%s byte %d: round trip drifted %v mireds (> one step %v)", ch, v, d, step)
			}
		}
	}
}

func hexByte(v uint8) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[v>>4], digits[v&0x0F]})
}

func TestChannelsString(t *testing.T) {
	if s := (WarmWhite | Red | Blue).String(); s != "ww+r+b" {
		t.Errorf("String() = %q", s)
	}
	if s := Channels(0).String(); s != "none" {
		t.Errorf("String() = %q", s)
	}
}
