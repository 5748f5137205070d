//go:build no_mqtt

package main

import (
	"errors"
	"log/slog"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/zwave"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *coordinator.Coordinator, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}

func dialGateway(_ *Config, _ *slog.Logger) (zwave.Transport, error) {
	return nil, errors.New("mqtt transport not built in (no_mqtt)")
}
