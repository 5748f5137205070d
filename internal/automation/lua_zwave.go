//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zwave-go-home/internal/light"
)

const (
	maxHandlersPerScript = 100
	commandTimeout       = 10 * time.Second
)

// registerZWaveModule registers the `zwave` global table.
func registerZWaveModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":       func(L *lua.LState) int { return zwaveOn(L, vm) },
		"turn_on":  func(L *lua.LState) int { return zwaveTurnOn(L, vm, e) },
		"turn_off": func(L *lua.LState) int { return zwaveTurnOff(L, vm, e) },
		"toggle":   func(L *lua.LState) int { return zwaveToggle(L, vm, e) },
		"state":    func(L *lua.LState) int { return zwaveState(L, e) },
		"lights":   func(L *lua.LState) int { return zwaveLights(L, e) },
		"after":    func(L *lua.LState) int { return zwaveAfter(L, vm) },
		"log": func(L *lua.LState) int {
			vm.logf(L.CheckString(1))
			return 0
		},
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("zwave", mod)
}

// zwave.on(event_type, [filter], fn)
func zwaveOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		if filter, ok := L.Get(2).(*lua.LTable); ok {
			if v := filter.RawGetString("light"); v != lua.LNil {
				h.light = v.String()
			}
		}
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// pushResult pushes true, or false and the error message.
func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// zwave.turn_on(light, [{brightness=, rgb={r,g,b}, color_temp=}])
func zwaveTurnOn(L *lua.LState, vm *scriptVM, e *Engine) int {
	ref := L.CheckString(1)
	cmd := commandFromLua(L.OptTable(2, nil))

	info, err := e.coord.Resolve(ref)
	if err != nil {
		return pushResult(L, err)
	}
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if err := e.coord.TurnOn(ctx, info.ID, cmd); err != nil {
		e.logger.Warn("script turn_on failed", "script", vm.id, "light", ref, "err", err)
		return pushResult(L, err)
	}
	return pushResult(L, nil)
}

// zwave.turn_off(light)
func zwaveTurnOff(L *lua.LState, vm *scriptVM, e *Engine) int {
	ref := L.CheckString(1)
	info, err := e.coord.Resolve(ref)
	if err != nil {
		return pushResult(L, err)
	}
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if err := e.coord.TurnOff(ctx, info.ID); err != nil {
		e.logger.Warn("script turn_off failed", "script", vm.id, "light", ref, "err", err)
		return pushResult(L, err)
	}
	return pushResult(L, nil)
}

// zwave.toggle(light)
func zwaveToggle(L *lua.LState, vm *scriptVM, e *Engine) int {
	info, err := e.coord.Resolve(L.CheckString(1))
	if err != nil {
		return pushResult(L, err)
	}
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if info.State.On {
		err = e.coord.TurnOff(ctx, info.ID)
	} else {
		err = e.coord.TurnOn(ctx, info.ID, light.Command{})
	}
	return pushResult(L, err)
}

// commandFromLua reads turn_on options. `color` is accepted as an alias of `rgb`.
func commandFromLua(opts *lua.LTable) light.Command {
	var cmd light.Command
	if opts == nil {
		return cmd
	}
	if n, ok := opts.RawGetString("brightness").(lua.LNumber); ok {
		b := clampByte(float64(n))
		cmd.Brightness = &b
	}
	rgb, ok := opts.RawGetString("rgb").(*lua.LTable)
	if !ok {
		rgb, ok = opts.RawGetString("color").(*lua.LTable)
	}
	if ok {
		c := light.RGB{
			R: clampByte(tableNumber(rgb, "r")),
			G: clampByte(tableNumber(rgb, "g")),
			B: clampByte(tableNumber(rgb, "b")),
		}
		cmd.RGB = &c
	}
	if n, ok := opts.RawGetString("color_temp").(lua.LNumber); ok {
		t := float64(n)
		cmd.ColorTemp = &t
	}
	return cmd
}

func tableNumber(t *lua.LTable, key string) float64 {
	if n, ok := t.RawGetString(key).(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}

// zwave.state(light) returns the state table or nil.
func zwaveState(L *lua.LState, e *Engine) int {
	info, err := e.coord.Resolve(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	t := stateToLua(L, info.State)
	t.RawSetString("id", lua.LString(info.ID))
	t.RawSetString("name", lua.LString(info.DisplayName()))
	L.Push(t)
	return 1
}

// zwave.lights() returns an array of {id, name, kind, node, on}.
func zwaveLights(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, info := range e.coord.Lights() {
		t := L.NewTable()
		t.RawSetString("id", lua.LString(info.ID))
		t.RawSetString("name", lua.LString(info.DisplayName()))
		t.RawSetString("kind", lua.LString(info.Kind))
		t.RawSetString("node", lua.LNumber(info.Node))
		t.RawSetString("on", lua.LBool(info.State.On))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// zwave.after(seconds, fn) runs fn on the script VM after a delay.
func zwaveAfter(L *lua.LState, vm *scriptVM) int {
	secs := float64(L.CheckNumber(1))
	fn := L.CheckFunction(2)
	if secs < 0 {
		secs = 0
	}

	go func() {
		timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-vm.ctx.Done():
		case <-timer.C:
			vm.submit(func(L *lua.LState) {
				if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil && vm.ctx.Err() == nil {
					vm.logf("after: " + err.Error())
				}
			})
		}
	}()
	return 0
}
