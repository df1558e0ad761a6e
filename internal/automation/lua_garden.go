package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"garden-hub/internal/dispatch"
	"garden-hub/internal/store"
)

const (
	maxHandlersPerScript = 100
	commandTimeout       = 5 * time.Second
)

// registerGardenModule installs the `garden` global.
func registerGardenModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int { return gardenOn(L, vm) }))
	mod.RawSetString("command", L.NewFunction(func(L *lua.LState) int { return gardenCommand(L, vm, e) }))
	mod.RawSetString("connected", L.NewFunction(func(L *lua.LState) int { return gardenConnected(L, e) }))
	mod.RawSetString("state", L.NewFunction(func(L *lua.LState) int { return gardenState(L, e) }))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int { return gardenAfter(L, vm, e) }))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script log", "script", vm.id, "msg", L.CheckString(1))
		return 0
	}))
	L.SetGlobal("garden", mod)
}

// garden.on(event_type, [device_id], fn)
func gardenOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		h.deviceID = L.CheckString(2)
		h.fn = L.CheckFunction(3)
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

// garden.command(device_id, device, state) -> ok, err
func gardenCommand(L *lua.LState, vm *scriptVM, e *Engine) int {
	serial := L.CheckString(1)
	dev, err := store.ParseDevice(L.CheckString(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	state := L.ToBool(3)

	fail := func(err error) int {
		e.logger.Warn("script command failed", "script", vm.id, "serial", serial, "device", dev, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	g, err := e.deps.Gardens.GetGardenBySerial(serial)
	if err != nil {
		return fail(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if _, err := e.deps.Commander.Send(ctx, g, dispatch.Command{
		Device: dev,
		State:  state,
		Source: store.SourceAuto,
		Actor:  "script:" + vm.id,
	}); err != nil {
		return fail(err)
	}
	L.Push(lua.LTrue)
	return 1
}

// garden.connected(device_id) -> bool
func gardenConnected(L *lua.LState, e *Engine) int {
	g, err := e.deps.Gardens.GetGardenBySerial(L.CheckString(1))
	L.Push(lua.LBool(err == nil && e.deps.Tracker.IsConnected(g)))
	return 1
}

// garden.state(device_id) -> latest snapshot table or nil
func gardenState(L *lua.LState, e *Engine) int {
	g, err := e.deps.Gardens.GetGardenBySerial(L.CheckString(1))
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	snap, err := e.deps.Gardens.LatestSnapshot(g.ID)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, toMap(snap)))
	return 1
}

// garden.after(seconds, fn)
func gardenAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: script queue full", "script", vm.id)
		}
	}()
	return 0
}
