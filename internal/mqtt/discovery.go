//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zwave-go-home/internal/colorutil"
	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/light/zwave_n7-cc0x26-i1-x0/light/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a JSON-schema light discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	Schema              string   `json:"schema"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes"`
	MinMireds           int      `json:"min_mireds,omitempty"`
	MaxMireds           int      `json:"max_mireds,omitempty"`
	Device              haDevice `json:"device"`
}

// haColor is the "color" object of JSON-schema state and commands.
type haColor struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// haState is the retained state payload.
type haState struct {
	State      string   `json:"state"`
	Brightness uint8    `json:"brightness"`
	ColorMode  string   `json:"color_mode"`
	Color      *haColor `json:"color,omitempty"`
	ColorTemp  *int     `json:"color_temp,omitempty"`
	Level      uint8    `json:"level"`
}

// lightIdentifier returns the unique identifier for the HA device registry.
func lightIdentifier(info coordinator.LightInfo) string {
	return "zwave_" + info.ID
}

// lightTopicName returns the topic name for a light (friendly name or id).
func lightTopicName(info coordinator.LightInfo) string {
	if info.Name == "" {
		return info.ID
	}
	name := strings.ToLower(info.Name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// colorModes lists the HA color modes a light supports.
func colorModes(info coordinator.LightInfo) []string {
	if info.Kind != light.KindColor {
		return []string{"brightness"}
	}
	ch := light.Channels(info.ChannelMask)
	var modes []string
	if ch.HasRGB() {
		modes = append(modes, "rgb")
	}
	if ch.HasWhite() {
		modes = append(modes, "color_temp")
	}
	if len(modes) == 0 {
		return []string{"brightness"}
	}
	return modes
}

func hasMode(modes []string, mode string) bool {
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}

// buildDiscovery generates the HA discovery message for a light.
func buildDiscovery(info coordinator.LightInfo, prefix string, bounds colorutil.Bounds) discoveryMsg {
	nodeID := lightIdentifier(info)
	topicName := lightTopicName(info)
	modes := colorModes(info)

	payload := haDiscovery{
		Name:                info.DisplayName(),
		UniqueID:            nodeID + "_light",
		Schema:              "json",
		StateTopic:          prefix + "/" + topicName,
		CommandTopic:        prefix + "/" + topicName + "/set",
		AvailabilityTopic:   prefix + "/bridge/state",
		Brightness:          true,
		BrightnessScale:     255,
		SupportedColorModes: modes,
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: info.Manufacturer,
			Model:        info.Product,
			Name:         info.DisplayName(),
		},
	}
	if hasMode(modes, "color_temp") {
		payload.MinMireds = int(bounds.MinMireds)
		payload.MaxMireds = int(bounds.MaxMireds)
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/light/%s/light/config", nodeID),
		Payload: mustJSON(payload),
	}
}

// buildState converts a light snapshot to its retained state payload.
// RGB takes the color mode when both are reported.
func buildState(info coordinator.LightInfo) haState {
	s := info.State
	st := haState{
		State:      "OFF",
		Brightness: s.Brightness,
		ColorMode:  "brightness",
		Level:      s.Level,
	}
	if s.On {
		st.State = "ON"
	}
	modes := colorModes(info)
	if hasMode(modes, "color_temp") && s.ColorTemp != nil {
		t := int(*s.ColorTemp + 0.5)
		st.ColorTemp = &t
		st.ColorMode = "color_temp"
	}
	if hasMode(modes, "rgb") && s.RGB != nil {
		st.Color = &haColor{R: s.RGB.R, G: s.RGB.G, B: s.RGB.B}
		st.ColorMode = "rgb"
	}
	if st.ColorMode == "brightness" && modes[0] != "brightness" {
		// Color mode must be one of the supported modes.
		st.ColorMode = modes[0]
	}
	return st
}
