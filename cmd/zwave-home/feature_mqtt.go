//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "zwave-go-home/internal/mqtt"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/zwave"
	"zwave-go-home/internal/zwave/mqttgw"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(coord *coordinator.Coordinator, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(coord, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		ClientID:    cfg.MQTT.ClientID,
		TopicPrefix: cfg.MQTT.TopicPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}

func dialGateway(cfg *Config, logger *slog.Logger) (zwave.Transport, error) {
	settle, _ := cfg.settle()
	return mqttgw.Dial(mqttgw.Config{
		Broker:   cfg.Transport.Broker,
		Username: cfg.Transport.Username,
		Password: cfg.Transport.Password,
		ClientID: "zwave-go-home-gw",
		Prefix:   cfg.Transport.Prefix,
		Settle:   settle,
	}, logger)
}
