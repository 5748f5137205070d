package store

import "time"

// Light is the persisted record of a discovered light, keyed by the string
// form of its level value id.
type Light struct {
	ID           string      `json:"id"`
	Node         uint8       `json:"node"`
	Instance     uint8       `json:"instance"`
	Kind         string      `json:"kind"`
	Channels     uint8       `json:"channels,omitempty"`
	Name         string      `json:"name,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Product      string      `json:"product,omitempty"`
	LastState    *LightState `json:"last_state,omitempty"`
	FirstSeen    time.Time   `json:"first_seen"`
	LastSeen     time.Time   `json:"last_seen"`
}

// LightState is the last state reported for a light.
type LightState struct {
	On         bool      `json:"on"`
	Brightness uint8     `json:"brightness"`
	Level      uint8     `json:"level"`
	RGB        *[3]uint8 `json:"rgb,omitempty"`
	ColorTemp  *float64  `json:"color_temp,omitempty"`
}

// ControllerState describes the most recent controller session.
type ControllerState struct {
	Transport string    `json:"transport"`
	Nodes     int       `json:"nodes"`
	Lights    int       `json:"lights"`
	StartedAt time.Time `json:"started_at"`
}
