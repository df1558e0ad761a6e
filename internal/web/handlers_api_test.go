package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"garden-hub/internal/automation"
	"garden-hub/internal/clock"
	"garden-hub/internal/connectivity"
	"garden-hub/internal/dispatch"
	"garden-hub/internal/events"
	"garden-hub/internal/recommend"
	"garden-hub/internal/schedule"
	"garden-hub/internal/store"
	"garden-hub/internal/transport"
	"garden-hub/internal/transport/transporttest"
)

var testNow = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	srv *Server
	st  *store.BoltStore
	tc  *transporttest.Client
	bus *events.Bus
	clk *clock.FakeClock
}

func setupTestServer(t *testing.T, apiKey string, extra ...ServerOption) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	clk := clock.Fake(testNow)
	tc := transporttest.New(true)
	bus := events.NewBus(logger)
	disp := dispatch.New(tc, db, transport.NewTopics("garden"), logger,
		dispatch.WithClock(clk), dispatch.WithEventBus(bus))
	mgr := schedule.NewManager(db, disp, logger)

	opts := extra
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(Deps{
		Store:      db,
		Dispatcher: disp,
		Schedules:  mgr,
		Compiler:   recommend.NewCompiler(mgr, mgr, nil, logger),
		Tracker:    connectivity.New(clk, 0),
		Bus:        bus,
	}, logger, opts...)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, st: db, tc: tc, bus: bus, clk: clk}
}

func (e *testEnv) seedGarden(t *testing.T, serial string) *store.Garden {
	t.Helper()
	g := &store.Garden{Serial: serial, Name: "Garden " + serial, Settings: store.DefaultSettings()}
	if err := e.st.SaveGarden(g); err != nil {
		t.Fatal(err)
	}
	return g
}

func (e *testEnv) markSeen(t *testing.T, id string, at time.Time) {
	t.Helper()
	if err := e.st.UpdateGarden(id, func(g *store.Garden) error {
		g.LastSeen = &at
		return nil
	}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type gardenJSON struct {
	ID        string         `json:"id"`
	Serial    string         `json:"serial"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"owner_id"`
	Connected bool           `json:"connected"`
	Status    string         `json:"status"`
	Settings  store.Settings `json:"settings"`
}

func TestAPICreateGarden(t *testing.T) {
	env := setupTestServer(t, "")

	w := env.do(t, "POST", "/api/gardens", `{"serial":" GH-7 ","name":"Balcony"}`, "X-User-ID", "u-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusCreated, w.Body.String())
	}
	g := decodeBody[gardenJSON](t, w)
	if g.ID == "" || g.Serial != "GH-7" || g.OwnerID != "u-1" {
		t.Errorf("garden = %+v", g)
	}
	if g.Connected || g.Status != "offline" {
		t.Errorf("new garden should be offline, got %+v", g)
	}
	if g.Settings != store.DefaultSettings() {
		t.Errorf("settings = %+v, want defaults", g.Settings)
	}

	// Same serial again conflicts.
	w = env.do(t, "POST", "/api/gardens", `{"serial":"GH-7"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate serial status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestAPICreateGardenValidation(t *testing.T) {
	env := setupTestServer(t, "")

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"missing serial", `{"name":"x"}`},
		{"wildcard serial", `{"serial":"GH/+"}`},
		{"inverted thresholds", `{"serial":"GH-1","settings":{"temperature_min":40,"temperature_max":10}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/gardens", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestAPIListAndGetGardensReportConnectivity(t *testing.T) {
	env := setupTestServer(t, "")
	live := env.seedGarden(t, "GH-1")
	stale := env.seedGarden(t, "GH-2")
	env.markSeen(t, live.ID, testNow.Add(-time.Minute))
	env.markSeen(t, stale.ID, testNow.Add(-10*time.Minute))

	w := env.do(t, "GET", "/api/gardens", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	list := decodeBody[[]gardenJSON](t, w)
	if len(list) != 2 {
		t.Fatalf("count = %d, want 2", len(list))
	}
	for _, g := range list {
		want := g.ID == live.ID
		if g.Connected != want {
			t.Errorf("%s connected = %v, want %v", g.Serial, g.Connected, want)
		}
	}

	w = env.do(t, "GET", "/api/gardens/"+live.ID, "")
	if g := decodeBody[gardenJSON](t, w); !g.Connected || g.Status != "online" {
		t.Errorf("get = %+v", g)
	}

	// Silence past the window flips the same garden offline.
	env.clk.Advance(5 * time.Minute)
	w = env.do(t, "GET", "/api/gardens/"+live.ID, "")
	if g := decodeBody[gardenJSON](t, w); g.Connected {
		t.Error("garden still connected after the window passed")
	}
}

func TestAPIGetGardenNotFound(t *testing.T) {
	env := setupTestServer(t, "")
	w := env.do(t, "GET", "/api/gardens/missing", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRenameAndDeleteGarden(t *testing.T) {
	env := setupTestServer(t, "")
	g := env.seedGarden(t, "GH-1")

	w := env.do(t, "PATCH", "/api/gardens/"+g.ID, `{"name":"Roof","serial":"HACK"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got := decodeBody[gardenJSON](t, w)
	if got.Name != "Roof" || got.Serial != "GH-1" {
		t.Errorf("renamed = %+v", got)
	}

	rule := &store.ScheduleRule{GardenID: g.ID, Device: store.DevicePump, Action: true,
		Hour: 7, Days: store.AllDays(), Active: true, Source: store.SourceUser}
	if err := env.st.SaveRule(rule); err != nil {
		t.Fatal(err)
	}

	w = env.do(t, "DELETE", "/api/gardens/"+g.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, err := env.st.GetGarden(g.ID); err == nil {
		t.Error("garden still present after delete")
	}
	if _, err := env.st.GetRule(rule.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rule after garden delete: err = %v, want ErrNotFound", err)
	}
}

func TestAPIUpdateSettingsStoresAndPublishes(t *testing.T) {
	env := setupTestServer(t, "")
	g := env.seedGarden(t, "GH-1")

	body := `{"auto_mode":true,"temperature_min":20,"temperature_max":30,"humidity_min":50,"humidity_max":70,
		"light_min":10,"light_max":90,"soil_moisture_min":35,"soil_moisture_max":65}`
	w := env.do(t, "PUT", "/api/gardens/"+g.ID+"/settings", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	resp := decodeBody[settingsResponse](t, w)
	if !resp.Delivered {
		t.Errorf("delivered = false, error = %q", resp.Error)
	}
	if resp.Settings.AutoMode {
		t.Error("auto_mode must not change through settings")
	}

	stored, _ := env.st.GetGarden(g.ID)
	if stored.Settings.TemperatureMin != 20 || stored.Settings.SoilMax != 65 {
		t.Errorf("stored settings = %+v", stored.Settings)
	}

	pub := env.tc.Published()
	if len(pub) != 1 || pub[0].Topic != "garden/GH-1/settings" {
		t.Fatalf("published = %+v", pub)
	}
	var sent store.Settings
	if err := json.Unmarshal(pub[0].Payload, &sent); err != nil {
		t.Fatal(err)
	}
	if sent != stored.Settings {
		t.Errorf("published %+v, stored %+v", sent, stored.Settings)
	}
}

func TestAPIUpdateSettingsTransportDown(t *testing.T) {
	env := setupTestServer(t, "")
	g := env.seedGarden(t, "GH-1")
	env.tc.SetConnected(false)

	w := env.do(t, "PUT", "/api/gardens/"+g.ID+"/settings", `{"temperature_min":21,"temperature_max":29}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decodeBody[settingsResponse](t, w); resp.Delivered || resp.Error == "" {
		t.Errorf("resp = %+v, want undelivered with error", resp)
	}
	stored, _ := env.st.GetGarden(g.ID)
	if stored.Settings.TemperatureMin != 21 {
		t.Error("settings should be stored even when not delivered")
	}
}

func TestAPISendCommand(t *testing.T) {
	env := setupTestServer(t, "")
	g := env.seedGarden(t, "GH-1")

	w := env.do(t, "POST", "/api/gardens/"+g.ID+"/command", `{"device":"pump","state":true}`, "X-User-ID", "u-9")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	entry := decodeBody[store.HistoryEntry](t, w)
	if entry.Device != store.DevicePump || entry.Action != store.ActionOn ||
		entry.Source != store.SourceUser || entry.ActorID != "u-9" {
		t.Errorf("entry = %+v", entry)
	}

	pub := env.tc.Published()
	if len(pub) != 1 || pub[0].Topic != "garden/GH-1/command" || string(pub[0].Payload) != `{"device":"pump","state":true}` {
		t.Errorf("published = %+v", pub)
	}
}

func TestAPISendCommandErrors(t *testing.T) {
	env := setupTestServer(t, "")
	g := env.seedGarden(t, "GH-1")

	tests := []struct {
		name      string
		garden    string
		body      string
		connected bool
		want      int
	}{
		{"unknown device", g.ID, `{"device":"heater","state":true}`, true, http.StatusBadRequest},
		{"missing state", g.ID, `{"device":"fan"}`, true, http.StatusBadRequest},
		{"unknown garden", "missing", `{"device":"fan","state":true}`, true, http.StatusNotFound},
		{"transport down", g.ID, `{"device":"fan","state":true}`, false, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.tc.SetConnected(tt.connected)
			w := env.do(t, "POST", "/api/gardens/"+tt.garden+"/command", tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}

	history, _ := env.st.ListHistory(g.ID, 10)
	if len(history) != 0 {
		t.Errorf("failed commands were audited: %+v", history)
	}
}

func TestAPIAutoCommandTogglesRules(t *testing.T) {
	env := setupTestServer(t, "")
	g := env.seedGarden(t, "GH-1")
	w := env.do(t, "POST", "/api/gardens/"+g.ID+"/schedules", `{"device":"light","action":true,"hour":6,"minute":30}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create rule status = %d, body = %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/gardens/"+g.ID+"/command", `{"device":"AUTO","state":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if entry := decodeBody[store.HistoryEntry](t, w); entry.Action != store.ActionSchedulesDisabled {
		t.Errorf("action = %s", entry.Action)
	}
	rules, _ := env.st.ListRules(g.ID)
	for _, r := range rules {
		if r.Active {
			t.Errorf("rule %s still active", r.ID)
		}
	}
	stored, _ := env.st.GetGarden(g.ID)
	if stored.Settings.AutoMode {
		t.Error("auto_mode should be off")
	}
}

func TestAPIGardenState(t *testing.T) {
	env := setupTestServer(t, "")
	g := env.seedGarden(t, "GH-1")

	w := env.do(t, "GET", "/api/gardens/"+g.ID+"/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"snapshot":null`) {
		t.Errorf("body = %s, want null snapshot", w.Body.String())
	}

	if err := env.st.AppendSnapshot(&store.Snapshot{GardenID: g.ID, Timestamp: testNow, Temperature: 27.5, Pump: true}); err != nil {
		t.Fatal(err)
	}
	w = env.do(t, "GET", "/api/gardens/"+g.ID+"/state", "")
	resp := decodeBody[struct {
		Serial   string          `json:"serial"`
		Snapshot *store.Snapshot `json:"snapshot"`
	}](t, w)
	if resp.Serial != "GH-1" || resp.Snapshot == nil || resp.Snapshot.Temperature != 27.5 || !resp.Snapshot.Pump {
		t.Errorf("state = %+v", resp)
	}
}

func TestAPIGardenHistoryAndSnapshots(t *testing.T) {
	env := setupTestServer(t, "")
	g := env.seedGarden(t, "GH-1")
	for i := 0; i < 3; i++ {
		if w := env.do(t, "POST", "/api/gardens/"+g.ID+"/command", `{"device":"fan","state":true}`); w.Code != http.StatusOK {
			t.Fatalf("command status = %d", w.Code)
		}
		if err := env.st.AppendSnapshot(&store.Snapshot{GardenID: g.ID, Timestamp: testNow.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do(t, "GET", "/api/gardens/"+g.ID+"/history?limit=2", "")
	if got := decodeBody[[]store.HistoryEntry](t, w); len(got) != 2 {
		t.Errorf("history len = %d, want 2", len(got))
	}
	w = env.do(t, "GET", "/api/gardens/"+g.ID+"/snapshots", "")
	if got := decodeBody[[]store.Snapshot](t, w); len(got) != 3 {
		t.Errorf("snapshots len = %d, want 3", len(got))
	}
	w = env.do(t, "GET", "/api/gardens/missing/history", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing garden history status = %d", w.Code)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=abc", 50},
		{"limit=-3", 50},
		{"limit=10", 10},
		{"limit=10000", 500},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/x?"+tt.query, nil)
		if got := parseLimit(r, 50, 500); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	env := setupTestServer(t, "secret-key")
	w := env.do(t, "GET", "/api/gardens", "", "X-API-Key", "secret-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	env := setupTestServer(t, "secret-key")

	tests := []struct {
		name    string
		headers []string
	}{
		{"missing", nil},
		{"wrong key", []string{"X-API-Key", "wrong-key"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", "/api/gardens", "", tt.headers...)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestCORSPreflightAndOrigin(t *testing.T) {
	env := setupTestServer(t, "", WithAllowedOrigins([]string{"https://app.example"}))

	w := env.do(t, "OPTIONS", "/api/gardens", "", "Origin", "https://app.example")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}
	w = env.do(t, "POST", "/api/gardens", `{"serial":"GH-1"}`, "Origin", "https://evil.example")
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestAPIVersion(t *testing.T) {
	env := setupTestServer(t, "", WithVersion("1.2.3"))
	w := env.do(t, "GET", "/api/version", "")
	if got := decodeBody[map[string]string](t, w); got["version"] != "1.2.3" {
		t.Errorf("version = %v", got)
	}
}

func TestAPIAutomationsWithoutEngine(t *testing.T) {
	env := setupTestServer(t, "")
	w := env.do(t, "GET", "/api/automations", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("list = %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, "POST", "/api/automations", `{"name":"x"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("create status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestAPIAutomationsCRUD(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	mgr, err := automation.NewManager(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(mgr, automation.Deps{Bus: events.NewBus(logger)}, logger)
	t.Cleanup(engine.Stop)
	env := setupTestServer(t, "", WithAutomation(engine, mgr))

	w := env.do(t, "POST", "/api/automations", `{"name":"Night Pump","lua_code":"garden.log('hi')","enabled":false}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decodeBody[automation.Script](t, w)
	if created.ID == "" {
		t.Fatal("no id assigned")
	}

	w = env.do(t, "POST", "/api/automations/_inline/run", `{"lua_code":"garden.log('inline')"}`)
	run := decodeBody[automation.RunResult](t, w)
	if !run.OK || len(run.Logs) != 1 || !strings.Contains(run.Logs[0], "inline") {
		t.Errorf("inline run = %+v", run)
	}

	w = env.do(t, "POST", "/api/automations/"+created.ID+"/toggle", "")
	if got := decodeBody[automation.Script](t, w); !got.Meta.Enabled {
		t.Error("toggle should enable the script")
	}
	if engine.Running() != 1 {
		t.Errorf("running = %d, want 1", engine.Running())
	}

	w = env.do(t, "DELETE", "/api/automations/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if engine.Running() != 0 {
		t.Errorf("running after delete = %d", engine.Running())
	}
	w = env.do(t, "GET", "/api/automations/"+created.ID, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", w.Code)
	}
}
