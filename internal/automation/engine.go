//go:build !no_automation

// Package automation runs user Lua scripts that react to light events.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"zwave-go-home/internal/coordinator"
	"zwave-go-home/internal/light"
)

// runTimeout bounds a one-shot script run.
const runTimeout = 5 * time.Second

// Controller is the part of the coordinator scripts can drive.
type Controller interface {
	Lights() []coordinator.LightInfo
	Resolve(ref string) (coordinator.LightInfo, error)
	TurnOn(ctx context.Context, id string, cmd light.Command) error
	TurnOff(ctx context.Context, id string) error
	Events() *coordinator.EventBus
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	RunID    string   `json:"run_id"`
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with zwave.on.
type luaEventHandler struct {
	eventType string
	light     string // id or name filter, empty matches any light
	fn        *lua.LFunction
}

// scriptVM is the Lua state of one script. All Lua access goes through
// commands except the initial DoString.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex // protects handlers
	handlers []luaEventHandler

	// logf receives zwave.log and system.log output.
	logf func(msg string)
}

// Engine manages script VMs and feeds them coordinator events.
type Engine struct {
	coord   Controller
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(coord Controller, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		coord:   coord,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and starts all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.coord.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", len(e.Running()))
}

// Stop stops all scripts and detaches from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// Running returns the ids of running scripts.
func (e *Engine) Running() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ReloadScript restarts a script from disk; disabled scripts are only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("reload %s: %w", id, err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	vm, ok := e.vms[id]
	delete(e.vms, id)
	e.mu.Unlock()

	if ok {
		vm.cancel()
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript runs a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{RunID: uuid.NewString(), Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.Code)
}

// RunLuaCode runs code once in a throwaway VM and then calls each handler it
// registered with a synthetic event. Actions are executed for real.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := e.now()
	res := &RunResult{RunID: uuid.NewString(), Logs: []string{}}
	logger := e.logger.With("run", res.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var logMu sync.Mutex
	vm := e.newVM(ctx, cancel, "run:"+res.RunID)
	vm.logf = func(msg string) {
		logMu.Lock()
		res.Logs = append(res.Logs, msg)
		logMu.Unlock()
		logger.Info("script log", "msg", msg)
	}
	L := vm.state
	defer L.Close()

	finish := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		if err != nil {
			res.Error = luaErrorString(err)
			logger.Warn("script run failed", "err", res.Error)
		} else {
			res.OK = true
		}
		res.Duration = e.now().Sub(start).String()
		return res
	}

	if err := L.DoString(code); err != nil {
		return finish(err)
	}

	for _, h := range vm.snapshotHandlers() {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.light != "" {
			ev.RawSetString("id", lua.LString(h.light))
			ev.RawSetString("name", lua.LString(h.light))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return finish(err)
		}
	}
	return finish(nil)
}

func luaErrorString(err error) string {
	s := err.Error()
	if strings.Contains(s, context.DeadlineExceeded.Error()) {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return s
}

// newVM creates a sandboxed Lua state with the script modules registered.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, id string) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	logger := e.logger.With("script", id)
	vm.logf = func(msg string) { logger.Info("script log", "msg", msg) }

	registerZWaveModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel, s.ID)
	L := vm.state

	if err := L.DoString(s.Code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name, "handlers", len(vm.snapshotHandlers()))
	return nil
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// submit queues fn on the VM without blocking.
func (vm *scriptVM) submit(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.commands <- fn:
		return true
	default:
		return false
	}
}

// dispatchEvent queues matching handlers on their script VMs.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			if !vm.submit(func(L *lua.LState) { e.callHandler(L, vm, fn, event) }) {
				e.logger.Warn("script busy, dropping event", "script", vm.id, "event", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	if h.light == "" {
		return true
	}
	le, ok := coordinator.LightOf(event)
	if !ok {
		return false
	}
	if le.ID == h.light {
		return true
	}
	return le.Name != "" && strings.EqualFold(le.Name, h.light)
}

func (e *Engine) callHandler(L *lua.LState, vm *scriptVM, fn *lua.LFunction, event coordinator.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "script", vm.id, "err", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(event.Type))
	switch data := event.Data.(type) {
	case coordinator.LightEvent:
		ev.RawSetString("id", lua.LString(data.ID))
		ev.RawSetString("name", lua.LString(data.Name))
		ev.RawSetString("node", lua.LNumber(data.Node))
		if data.Kind != "" {
			ev.RawSetString("kind", lua.LString(data.Kind))
		}
		if data.State != nil {
			ev.RawSetString("state", stateToLua(L, *data.State))
		}
	case map[string]interface{}:
		for k, v := range data {
			ev.RawSetString(k, goToLua(L, v))
		}
	case nil:
	default:
		ev.RawSetString("value", goToLua(L, data))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		if errors.Is(err, context.Canceled) || vm.ctx.Err() != nil {
			return
		}
		e.logger.Error("lua handler error", "script", vm.id, "err", err)
	}
}

// goToLua converts event data to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case light.Kind:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case light.State:
		return stateToLua(L, val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

func stateToLua(L *lua.LState, s light.State) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("on", lua.LBool(s.On))
	t.RawSetString("brightness", lua.LNumber(s.Brightness))
	t.RawSetString("level", lua.LNumber(s.Level))
	if s.RGB != nil {
		t.RawSetString("rgb", rgbToLua(L, *s.RGB))
	}
	if s.ColorTemp != nil {
		t.RawSetString("color_temp", lua.LNumber(*s.ColorTemp))
	}
	return t
}

func rgbToLua(L *lua.LState, c light.RGB) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("r", lua.LNumber(c.R))
	t.RawSetString("g", lua.LNumber(c.G))
	t.RawSetString("b", lua.LNumber(c.B))
	return t
}
