// Package zwave defines the transport-neutral Z-Wave model: value identifiers,
// node descriptions and the Transport interface implemented by the serial
// controller and the MQTT gateway backends.
package zwave

import (
	"context"
	"fmt"
	"slices"
)

// Command classes used by the light adapter.
const (
	CommandClassBasic            uint8 = 0x20
	CommandClassSwitchBinary     uint8 = 0x25
	CommandClassSwitchMultilevel uint8 = 0x26
	CommandClassSwitchColor      uint8 = 0x33
)

// Value indexes on the Color Switch command class.
const (
	ColorIndexColor    uint8 = 0x00 // "#RRGGBB[WW][CW]" payload
	ColorIndexChannels uint8 = 0x02 // supported channel bitmask
)

// Genre classifies a value the way controllers present it.
type Genre string

const (
	GenreUser   Genre = "user"
	GenreSystem Genre = "system"
	GenreConfig Genre = "config"
	GenreBasic  Genre = "basic"
)

// ValueType is the data type carried by a value.
type ValueType string

const (
	TypeBool   ValueType = "bool"
	TypeByte   ValueType = "byte"
	TypeInt    ValueType = "int"
	TypeString ValueType = "string"
)

// ValueID identifies one value on a node. It is comparable and usable as a map key.
type ValueID struct {
	Node         uint8 `json:"node"`
	CommandClass uint8 `json:"command_class"`
	Instance     uint8 `json:"instance"`
	Index        uint8 `json:"index"`
}

// String renders the id as "n5-cc0x26-i1-x0".
func (v ValueID) String() string {
	return fmt.Sprintf("n%d-cc0x%02X-i%d-x%d", v.Node, v.CommandClass, v.Instance, v.Index)
}

// ParseValueID parses the String form.
func ParseValueID(s string) (ValueID, error) {
	var v ValueID
	if _, err := fmt.Sscanf(s, "n%d-cc0x%X-i%d-x%d", &v.Node, &v.CommandClass, &v.Instance, &v.Index); err != nil {
		return ValueID{}, fmt.Errorf("parse value id %q: %w", s, err)
	}
	return v, nil
}

// Value describes one value exposed by a node.
type Value struct {
	ID    ValueID   `json:"id"`
	Genre Genre     `json:"genre"`
	Type  ValueType `json:"type"`
	Label string    `json:"label,omitempty"`
	Data  any       `json:"data,omitempty"`
}

// Node is a Z-Wave node as reported by the transport.
type Node struct {
	ID             uint8   `json:"id"`
	Name           string  `json:"name,omitempty"`
	Manufacturer   string  `json:"manufacturer,omitempty"`
	Product        string  `json:"product,omitempty"`
	CommandClasses []uint8 `json:"command_classes"`
	Values         []Value `json:"values"`
}

// HasCommandClass reports whether the node advertises cc.
func (n *Node) HasCommandClass(cc uint8) bool {
	return slices.Contains(n.CommandClasses, cc)
}

// FindValues returns values matching the filter. Zero-valued filter fields match
// anything, so Instance 0 cannot select the root endpoint; compare ID.Instance
// directly for that.
func (n *Node) FindValues(f ValueFilter) []Value {
	var out []Value
	for _, v := range n.Values {
		if f.CommandClass != 0 && v.ID.CommandClass != f.CommandClass {
			continue
		}
		if f.Instance != 0 && v.ID.Instance != f.Instance {
			continue
		}
		if f.Genre != "" && v.Genre != f.Genre {
			continue
		}
		if f.Type != "" && v.Type != f.Type {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ValueFilter selects values in Node.FindValues.
type ValueFilter struct {
	CommandClass uint8
	Instance     uint8
	Genre        Genre
	Type         ValueType
}

// ValueChanged is a notification that a value changed on the network.
// Data is uint8 for dimmer levels, string for color payloads and int for
// channel masks.
type ValueChanged struct {
	ID   ValueID
	Data any
}

// Transport is the abstract interface to a Z-Wave network.
//
// Writes return an error when the controller rejected or could not deliver the
// command; callers must treat that as "state unchanged". RefreshValue only
// requests a re-read: the result arrives later through OnValueChanged.
type Transport interface {
	SetDimmerLevel(ctx context.Context, id ValueID, level uint8) error
	SetColorPayload(ctx context.Context, id ValueID, payload string) error
	RefreshValue(ctx context.Context, id ValueID) error

	// OnValueChanged registers a notification handler and returns an
	// unsubscribe function.
	OnValueChanged(handler func(ValueChanged)) func()

	// Nodes returns the nodes currently known to the controller.
	Nodes(ctx context.Context) ([]Node, error)

	Close() error
}

// Level extracts a dimmer level from notification data.
func Level(data any) (uint8, bool) {
	switch v := data.(type) {
	case uint8:
		return v, true
	case int:
		return clampLevel(int64(v)), true
	case int64:
		return clampLevel(v), true
	case float64:
		return clampLevel(int64(v)), true
	default:
		return 0, false
	}
}

func clampLevel(v int64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 0xFF {
		return 0xFF
	}
	return uint8(v)
}
