package automation

import (
	"context"
	"fmt"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"garden-hub/internal/clock"
	"garden-hub/internal/connectivity"
	"garden-hub/internal/dispatch"
	"garden-hub/internal/events"
	"garden-hub/internal/store"
)

type stubGardens struct {
	gardens map[string]*store.Garden
	snaps   map[string]*store.Snapshot
}

func (s *stubGardens) GetGardenBySerial(serial string) (*store.Garden, error) {
	if g, ok := s.gardens[serial]; ok {
		return g, nil
	}
	return nil, fmt.Errorf("garden %s: %w", serial, store.ErrNotFound)
}

func (s *stubGardens) LatestSnapshot(id string) (*store.Snapshot, error) {
	if snap, ok := s.snaps[id]; ok {
		return snap, nil
	}
	return nil, store.ErrNotFound
}

type sentCommand struct {
	serial string
	cmd    dispatch.Command
}

type stubCommander struct {
	sent chan sentCommand
	err  error
}

func (c *stubCommander) Send(_ context.Context, g *store.Garden, cmd dispatch.Command) (*store.HistoryEntry, error) {
	c.sent <- sentCommand{serial: g.Serial, cmd: cmd}
	if c.err != nil {
		return nil, c.err
	}
	return &store.HistoryEntry{GardenID: g.ID, Device: cmd.Device}, nil
}

type testRig struct {
	engine *Engine
	bus    *events.Bus
	cmds   *stubCommander
	mgr    *Manager
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	seen := now.Add(-time.Minute)
	clk := clock.Fake(now)
	gardens := &stubGardens{
		gardens: map[string]*store.Garden{
			"GH-1": {ID: "g1", Serial: "GH-1", LastSeen: &seen},
			"GH-2": {ID: "g2", Serial: "GH-2"},
		},
		snaps: map[string]*store.Snapshot{
			"g1": {GardenID: "g1", Temperature: 31.5, Pump: true},
		},
	}
	r := &testRig{
		bus:  events.NewBus(testLogger()),
		cmds: &stubCommander{sent: make(chan sentCommand, 8)},
		mgr:  newTestManager(t),
	}
	r.engine = NewEngine(r.mgr, Deps{
		Bus:       r.bus,
		Gardens:   gardens,
		Commander: r.cmds,
		Tracker:   connectivity.New(clk, 0),
		Clock:     clk,
	}, testLogger())
	t.Cleanup(r.engine.Stop)
	return r
}

func (r *testRig) waitCommand(t *testing.T) sentCommand {
	t.Helper()
	select {
	case c := <-r.cmds.sent:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no command sent")
		return sentCommand{}
	}
}

func TestEngineScriptReactsToSensorData(t *testing.T) {
	r := newRig(t)
	_, err := r.mgr.Save(&Script{
		Meta: ScriptMeta{Name: "hot", Enabled: true},
		LuaCode: `
garden.on("sensor_data", "GH-1", function(ev)
  if ev.snapshot.temperature > 32 then
    garden.command(ev.device_id, "fan", true)
  end
end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	r.engine.Start()
	if r.engine.Running() != 1 {
		t.Fatalf("running = %d, want 1", r.engine.Running())
	}

	// Other garden and cool reading: ignored.
	r.bus.Emit(events.Event{Type: events.SensorData, DeviceID: "GH-2",
		Data: events.SensorPayload{DeviceID: "GH-2", Snapshot: &store.Snapshot{Temperature: 40}}})
	r.bus.Emit(events.Event{Type: events.SensorData, DeviceID: "GH-1",
		Data: events.SensorPayload{DeviceID: "GH-1", Snapshot: &store.Snapshot{Temperature: 25}}})
	r.bus.Emit(events.Event{Type: events.SensorData, DeviceID: "GH-1",
		Data: events.SensorPayload{DeviceID: "GH-1", Snapshot: &store.Snapshot{Temperature: 35}}})

	c := r.waitCommand(t)
	if c.serial != "GH-1" || c.cmd.Device != store.DeviceFan || !c.cmd.State {
		t.Errorf("command = %+v", c)
	}
	if c.cmd.Source != store.SourceAuto || c.cmd.Actor != "script:hot" {
		t.Errorf("source/actor = %q/%q", c.cmd.Source, c.cmd.Actor)
	}
	select {
	case extra := <-r.cmds.sent:
		t.Errorf("unexpected extra command %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineDisabledScriptNotStarted(t *testing.T) {
	r := newRig(t)
	r.mgr.Save(&Script{Meta: ScriptMeta{Name: "off"}, LuaCode: `garden.log("x")`})
	r.engine.Start()
	if r.engine.Running() != 0 {
		t.Errorf("running = %d, want 0", r.engine.Running())
	}
}

func TestEngineReloadAndStop(t *testing.T) {
	r := newRig(t)
	s, _ := r.mgr.Save(&Script{Meta: ScriptMeta{Name: "a", Enabled: true}, LuaCode: `x = 1`})
	r.engine.Start()

	s.Meta.Enabled = false
	r.mgr.Save(s)
	if err := r.engine.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if r.engine.Running() != 0 {
		t.Errorf("running after disabling = %d, want 0", r.engine.Running())
	}

	s.Meta.Enabled = true
	r.mgr.Save(s)
	if err := r.engine.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	r.engine.StopScript(s.ID)
	if r.engine.Running() != 0 {
		t.Errorf("running after stop = %d, want 0", r.engine.Running())
	}
}

func TestEngineBrokenScript(t *testing.T) {
	r := newRig(t)
	s, _ := r.mgr.Save(&Script{Meta: ScriptMeta{Name: "bad", Enabled: true}, LuaCode: `this is not lua`})
	if err := r.engine.ReloadScript(s.ID); err == nil {
		t.Error("expected error for broken script")
	}
}

func TestRunLuaCodeCapturesLogsAndCallsHandlers(t *testing.T) {
	r := newRig(t)
	res := r.engine.RunLuaCode(`
garden.log("top level")
system.log("warn", "careful")
garden.on("device_status", function(ev)
  garden.log("handled " .. ev.type)
end)`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"top level", "[warn] careful", "handled device_status"}
	if len(res.Logs) != len(want) {
		t.Fatalf("logs = %q, want %q", res.Logs, want)
	}
	for i := range want {
		if res.Logs[i] != want[i] {
			t.Errorf("logs[%d] = %q, want %q", i, res.Logs[i], want[i])
		}
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	r := newRig(t)
	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("x")`} {
		if res := r.engine.RunLuaCode(code); res.OK {
			t.Errorf("%s succeeded, want sandbox error", code)
		}
	}
}

func TestRunLuaCodeTimeout(t *testing.T) {
	r := newRig(t)
	res := r.engine.RunLuaCode(`while true do end`)
	if res.OK || res.Error != "timeout (5s)" {
		t.Errorf("result = %+v, want timeout", res)
	}
}

func TestGardenConnectedAndState(t *testing.T) {
	r := newRig(t)
	res := r.engine.RunLuaCode(`
garden.log(tostring(garden.connected("GH-1")))
garden.log(tostring(garden.connected("GH-2")))
garden.log(tostring(garden.connected("nope")))
local s = garden.state("GH-1")
garden.log(tostring(s.temperature) .. " " .. tostring(s.pump))
garden.log(tostring(garden.state("GH-2")))`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"true", "false", "false", "31.5 true", "nil"}
	for i := range want {
		if i >= len(res.Logs) || res.Logs[i] != want[i] {
			t.Fatalf("logs = %q, want %q", res.Logs, want)
		}
	}
}

func TestGardenCommandReportsFailure(t *testing.T) {
	r := newRig(t)
	r.cmds.err = dispatch.ErrTransportUnavailable
	res := r.engine.RunLuaCode(`
local ok, err = garden.command("GH-1", "pump", false)
garden.log(tostring(ok))
local ok2, err2 = garden.command("GH-9", "pump", false)
garden.log(tostring(ok2))`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 2 || res.Logs[0] != "false" || res.Logs[1] != "false" {
		t.Errorf("logs = %q", res.Logs)
	}
	if bad := r.engine.RunLuaCode(`garden.command("GH-1", "heater", true)`); bad.OK {
		t.Error("unknown device should raise")
	}
}

func TestMatchesHandler(t *testing.T) {
	ev := events.Event{Type: events.SensorData, DeviceID: "GH-1"}
	tests := []struct {
		h    luaEventHandler
		want bool
	}{
		{luaEventHandler{eventType: events.SensorData}, true},
		{luaEventHandler{eventType: events.SensorData, deviceID: "GH-1"}, true},
		{luaEventHandler{eventType: events.SensorData, deviceID: "GH-2"}, false},
		{luaEventHandler{eventType: events.DeviceStatus}, false},
		{luaEventHandler{eventType: "*"}, true},
	}
	for _, tt := range tests {
		if got := matchesHandler(tt.h, ev); got != tt.want {
			t.Errorf("matchesHandler(%+v) = %v, want %v", tt.h, got, tt.want)
		}
	}
}

func TestEventTableFlattensPayload(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := eventTable(L, events.Event{
		Type:     events.DeviceStatus,
		DeviceID: "GH-1",
		Data:     events.StatusPayload{DeviceID: "GH-1", Fan: true},
	})
	if tbl.RawGetString("fan") != lua.LTrue {
		t.Errorf("fan = %v, want true", tbl.RawGetString("fan"))
	}
	if tbl.RawGetString("type") != lua.LString(events.DeviceStatus) {
		t.Errorf("type = %v", tbl.RawGetString("type"))
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  any
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]any{"a": 1}, lua.LTTable},
		{"slice", []any{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		if got := goToLua(L, tt.val); got.Type() != tt.want {
			t.Errorf("goToLua(%s) type = %v, want %v", tt.name, got.Type(), tt.want)
		}
	}
}
