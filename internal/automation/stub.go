//go:build no_automation

// Package automation is compiled out; every operation reports it is disabled.
package automation

import (
	"context"
	"errors"
	"log/slog"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// ErrDisabled is returned when the binary is built with no_automation.
var ErrDisabled = errors.New("automation disabled")

var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrInvalidScriptID = errors.New("invalid script id")
)

// Controller is the part of the coordinator scripts can drive.
type Controller interface {
	Lights() []coordinator.LightInfo
	Resolve(ref string) (coordinator.LightInfo, error)
	TurnOn(ctx context.Context, id string, cmd light.Command) error
	TurnOff(ctx context.Context, id string) error
	Events() *coordinator.EventBus
}

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single automation script.
type Script struct {
	ID   string     `json:"id"`
	Meta ScriptMeta `json:"meta"`
	Code string     `json:"code"`
	Path string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	RunID    string   `json:"run_id"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type Manager struct{}

func NewManager(string, *slog.Logger) (*Manager, error) { return nil, ErrDisabled }

func (m *Manager) Dir() string                   { return "" }
func (m *Manager) List() ([]*Script, error)      { return nil, ErrDisabled }
func (m *Manager) Get(string) (*Script, error)   { return nil, ErrDisabled }
func (m *Manager) Save(*Script) (*Script, error) { return nil, ErrDisabled }
func (m *Manager) Delete(string) error           { return ErrDisabled }

type Engine struct{}

func NewEngine(Controller, *Manager, *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start()                    {}
func (e *Engine) Stop()                     {}
func (e *Engine) Running() []string         { return nil }
func (e *Engine) ReloadScript(string) error { return ErrDisabled }
func (e *Engine) StopScript(string)         {}
func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: ErrDisabled.Error(), Logs: []string{}}
}
func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{Error: ErrDisabled.Error(), Logs: []string{}}
}
