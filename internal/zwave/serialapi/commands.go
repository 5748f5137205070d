package serialapi

import (
	"encoding/hex"
	"fmt"
	"strings"

	"zwave-go-home/internal/zwave"
)

// Switch Multilevel commands.
const (
	multilevelSet    uint8 = 0x01
	multilevelGet    uint8 = 0x02
	multilevelReport uint8 = 0x03
)

// Color Switch commands.
const (
	colorSupportedGet    uint8 = 0x01
	colorSupportedReport uint8 = 0x02
	colorGet             uint8 = 0x03
	colorReport          uint8 = 0x04
	colorSet             uint8 = 0x05
)

// Color Switch component ids used in payload strings.
const (
	componentWarmWhite uint8 = 0
	componentColdWhite uint8 = 1
	componentRed       uint8 = 2
	componentGreen     uint8 = 3
	componentBlue      uint8 = 4
	numComponents            = 5
)

// payloadOrder is the order components appear in "#RRGGBB[WW][CW]".
var payloadOrder = [...]uint8{componentRed, componentGreen, componentBlue, componentWarmWhite, componentColdWhite}

type component struct {
	ID    uint8
	Value uint8
}

func buildMultilevelSet(level uint8) []byte {
	return []byte{zwave.CommandClassSwitchMultilevel, multilevelSet, level}
}

func buildMultilevelGet() []byte {
	return []byte{zwave.CommandClassSwitchMultilevel, multilevelGet}
}

func buildColorSupportedGet() []byte {
	return []byte{zwave.CommandClassSwitchColor, colorSupportedGet}
}

func buildColorGet(id uint8) []byte {
	return []byte{zwave.CommandClassSwitchColor, colorGet, id}
}

func buildColorSet(components []component) []byte {
	buf := make([]byte, 0, 3+2*len(components))
	buf = append(buf, zwave.CommandClassSwitchColor, colorSet, uint8(len(components))&0x1F)
	for _, c := range components {
		buf = append(buf, c.ID, c.Value)
	}
	return buf
}

// supports reports whether component id is set in the supported mask.
func supports(mask uint16, id uint8) bool {
	return mask&(1<<id) != 0
}

func supportedComponents(mask uint16) []uint8 {
	var ids []uint8
	for id := uint8(0); id < numComponents; id++ {
		if supports(mask, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// payloadToComponents converts "#RRGGBB[WW][CW]" into the SET components the
// device supports. White bytes are present only for supported white components.
func payloadToComponents(payload string, mask uint16) ([]component, error) {
	whites := 0
	if supports(mask, componentWarmWhite) {
		whites++
	}
	if supports(mask, componentColdWhite) {
		whites++
	}
	if want := 7 + 2*whites; len(payload) != want || !strings.HasPrefix(payload, "#") {
		return nil, fmt.Errorf("color payload %q: want # and %d hex digits", payload, want-1)
	}
	raw, err := hex.DecodeString(payload[1:])
	if err != nil {
		return nil, fmt.Errorf("color payload %q: %w", payload, err)
	}

	values := map[uint8]uint8{
		componentRed:   raw[0],
		componentGreen: raw[1],
		componentBlue:  raw[2],
	}
	rest := raw[3:]
	if supports(mask, componentWarmWhite) {
		values[componentWarmWhite], rest = rest[0], rest[1:]
	}
	if supports(mask, componentColdWhite) {
		values[componentColdWhite] = rest[0]
	}

	var out []component
	for _, id := range payloadOrder {
		if supports(mask, id) {
			out = append(out, component{ID: id, Value: values[id]})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("color payload %q: device supports no known components (mask 0x%04X)", payload, mask)
	}
	return out, nil
}

// componentsToPayload renders cached component values as a payload string.
func componentsToPayload(values [numComponents]uint8, mask uint16) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#%02X%02X%02X", values[componentRed], values[componentGreen], values[componentBlue])
	if supports(mask, componentWarmWhite) {
		fmt.Fprintf(&sb, "%02X", values[componentWarmWhite])
	}
	if supports(mask, componentColdWhite) {
		fmt.Fprintf(&sb, "%02X", values[componentColdWhite])
	}
	return sb.String()
}

// parseSupportedReport returns the 16-bit component mask.
func parseSupportedReport(cmd []byte) (uint16, error) {
	if len(cmd) < 4 {
		return 0, fmt.Errorf("color supported report too short: %X", cmd)
	}
	return uint16(cmd[2]) | uint16(cmd[3])<<8, nil
}

// parseColorReport returns the component id and its current value.
func parseColorReport(cmd []byte) (component, error) {
	if len(cmd) < 4 {
		return component{}, fmt.Errorf("color report too short: %X", cmd)
	}
	return component{ID: cmd[2], Value: cmd[3]}, nil
}

// parseMultilevelReport returns the current level.
func parseMultilevelReport(cmd []byte) (uint8, error) {
	if len(cmd) < 3 {
		return 0, fmt.Errorf("multilevel report too short: %X", cmd)
	}
	return cmd[2], nil
}
