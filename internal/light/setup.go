package light

import (
	"zwave-go-home/internal/zwave"
)

// Setup creates a driver for every user-genre byte value of the Switch
// Multilevel class on node. Nodes with the Color Switch class get a
// ColorLight when the color and channel values for the same instance are
// present; otherwise they fall back to a Dimmer.
func Setup(node *zwave.Node, transport zwave.Transport, opts Options) []Driver {
	opts = opts.withDefaults()
	logger := opts.Logger.With("component", "light_setup", "node", node.ID)

	var drivers []Driver
	for _, v := range node.FindValues(zwave.ValueFilter{
		CommandClass: zwave.CommandClassSwitchMultilevel,
		Genre:        zwave.GenreUser,
		Type:         zwave.TypeByte,
	}) {
		level, _ := zwave.Level(v.Data)

		if !node.HasCommandClass(zwave.CommandClassSwitchColor) {
			drivers = append(drivers, NewDimmer(v.ID, level, transport, opts))
			continue
		}

		color, okColor := findColorValue(node, v.ID.Instance)
		channels, okChannels := findChannels(node, v.ID.Instance)
		if !okColor || !okChannels {
			logger.Warn("color light without color or channel value, using dimmer",
				"value", v.ID.String(), "color", okColor, "channels", okChannels)
			drivers = append(drivers, NewDimmer(v.ID, level, transport, opts))
			continue
		}

		payload, _ := color.Data.(string)
		logger.Info("color light", "value", v.ID.String(), "channels", channels.String())
		drivers = append(drivers, NewColorLight(v.ID, level, color.ID, channels, payload, transport, opts))
	}
	return drivers
}

func findColorValue(node *zwave.Node, instance uint8) (zwave.Value, bool) {
	for _, v := range node.FindValues(zwave.ValueFilter{
		CommandClass: zwave.CommandClassSwitchColor,
		Type:         zwave.TypeString,
	}) {
		if v.ID.Instance == instance && v.ID.Index == zwave.ColorIndexColor {
			return v, true
		}
	}
	return zwave.Value{}, false
}

func findChannels(node *zwave.Node, instance uint8) (Channels, bool) {
	for _, v := range node.FindValues(zwave.ValueFilter{
		CommandClass: zwave.CommandClassSwitchColor,
		Genre:        zwave.GenreSystem,
		Type:         zwave.TypeInt,
	}) {
		if v.ID.Instance != instance {
			continue
		}
		if mask, ok := toInt(v.Data); ok {
			return Channels(mask), true
		}
	}
	return 0, false
}

func toInt(data any) (int, bool) {
	switch v := data.(type) {
	case int:
		return v, true
	case uint8:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
