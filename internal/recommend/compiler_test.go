package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"garden-hub/internal/clock"
	"garden-hub/internal/dispatch"
	"garden-hub/internal/schedule"
	"garden-hub/internal/store"
	"garden-hub/internal/transport"
	"garden-hub/internal/transport/transporttest"
)

type fixture struct {
	st       *store.BoltStore
	tc       *transporttest.Client
	compiler *Compiler
	garden   *store.Garden
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	g := &store.Garden{Serial: "GH-1", Settings: store.DefaultSettings()}
	if err := st.SaveGarden(g); err != nil {
		t.Fatal(err)
	}
	tc := transporttest.New(true)
	clk := clock.Fake(time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC))
	disp := dispatch.New(tc, st, transport.NewTopics("garden"), slog.Default(), dispatch.WithClock(clk))
	mgr := schedule.NewManager(st, disp, slog.Default())
	return &fixture{
		st:       st,
		tc:       tc,
		compiler: NewCompiler(mgr, mgr, nil, slog.Default()),
		garden:   g,
	}
}

func (f *fixture) aiRules(t *testing.T, dev store.Device) []*store.ScheduleRule {
	t.Helper()
	rules, err := f.st.ListRules(f.garden.ID)
	if err != nil {
		t.Fatal(err)
	}
	var out []*store.ScheduleRule
	for _, r := range rules {
		if r.Device == dev && r.Source == store.SourceAI {
			out = append(out, r)
		}
	}
	return out
}

func rec(device, schedule string, action bool) Recommendation {
	return Recommendation{Recommendations: map[string]Advice{
		device: {Action: Switch(action), Schedule: schedule},
	}}
}

func TestCompileCreatesRulesAndEnablesAuto(t *testing.T) {
	f := newFixture(t)

	res, err := f.compiler.Compile(context.Background(), f.garden.ID, "u1",
		rec("pump", "7:00, 9:00, 11:00. Tưới nước nhiều lần", true))
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 3 || !res.AutoEnabled {
		t.Errorf("result = %+v", res)
	}

	rules := f.aiRules(t, store.DevicePump)
	if len(rules) != 3 {
		t.Fatalf("AI pump rules = %d, want 3", len(rules))
	}
	hours := map[int]bool{}
	for _, r := range rules {
		hours[r.Hour] = true
		if len(r.Days) != 7 || !r.Action || r.CreatedBy != "u1" || r.Minute != 0 {
			t.Errorf("rule = %+v", r)
		}
	}
	for _, h := range []int{7, 9, 11} {
		if !hours[h] {
			t.Errorf("missing rule at %02d:00", h)
		}
	}

	hist, _ := f.st.ListHistory(f.garden.ID, 0)
	if len(hist) != 1 || hist[0].Device != store.DeviceAuto || hist[0].Source != store.SourceAI {
		t.Errorf("history = %+v, want one AI AUTO entry", hist)
	}
	g, _ := f.st.GetGarden(f.garden.ID)
	if !g.Settings.AutoMode {
		t.Error("auto_mode not enabled")
	}
}

func TestCompileTwiceReplaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.compiler.Compile(ctx, f.garden.ID, "", rec("pump", "7:00, 9:00, 11:00. a", true)); err != nil {
		t.Fatal(err)
	}
	res, err := f.compiler.Compile(ctx, f.garden.ID, "", rec("pump", "6:00, 18:00. b", true))
	if err != nil {
		t.Fatal(err)
	}
	if got := len(f.aiRules(t, store.DevicePump)); got != 2 {
		t.Errorf("AI pump rules = %d, want 2 from the second run", got)
	}
	if res.Devices[0].Removed != 3 {
		t.Errorf("removed = %d, want 3", res.Devices[0].Removed)
	}
}

func TestCompileLeavesUserRules(t *testing.T) {
	f := newFixture(t)
	user := &store.ScheduleRule{GardenID: f.garden.ID, Device: store.DevicePump, Action: true, Hour: 5, Days: []int{1}, Active: true, Source: store.SourceUser}
	if err := f.st.SaveRule(user); err != nil {
		t.Fatal(err)
	}
	if _, err := f.compiler.Compile(context.Background(), f.garden.ID, "", rec("pump", "7:00", true)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.st.GetRule(user.ID); err != nil {
		t.Errorf("user rule gone: %v", err)
	}
}

func TestCompileNegativeCreatesNothing(t *testing.T) {
	for _, action := range []bool{true, false} {
		f := newFixture(t)
		res, err := f.compiler.Compile(context.Background(), f.garden.ID, "",
			rec("fan", "Không cần bật quạt vào ban đêm", action))
		if err != nil {
			t.Fatal(err)
		}
		if res.Created != 0 || res.AutoEnabled {
			t.Errorf("action=%v: result = %+v", action, res)
		}
		if !res.Devices[0].Negative {
			t.Error("negative not reported")
		}
		if n := len(f.tc.Published()); n != 0 {
			t.Errorf("published %d, want 0", n)
		}
	}
}

func TestCompileRangeStart(t *testing.T) {
	f := newFixture(t)
	if _, err := f.compiler.Compile(context.Background(), f.garden.ID, "", rec("light", "6:00-18:00 hàng ngày", true)); err != nil {
		t.Fatal(err)
	}
	rules := f.aiRules(t, store.DeviceLight)
	if len(rules) != 1 || rules[0].Hour != 6 || rules[0].Minute != 0 || len(rules[0].Days) != 7 {
		t.Errorf("rules = %+v", rules)
	}
}

func TestCompileOneDeviceFailureDoesNotAbortOthers(t *testing.T) {
	f := newFixture(t)
	r := Recommendation{Recommendations: map[string]Advice{
		"fan":    {Action: true, Schedule: "Khi trời nóng. Bật quạt"},
		"pump":   {Action: true, Schedule: "7:00"},
		"heater": {Action: true, Schedule: "8:00"},
	}}
	res, err := f.compiler.Compile(context.Background(), f.garden.ID, "", r)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created != 1 {
		t.Errorf("created = %d, want 1", res.Created)
	}
	if len(res.Devices) != 2 {
		t.Fatalf("devices = %+v, want fan and pump", res.Devices)
	}
	if res.Devices[0].Device != store.DeviceFan || res.Devices[0].Error == "" {
		t.Errorf("fan result = %+v", res.Devices[0])
	}
}

func TestCompileAutoFailsWhenTransportDown(t *testing.T) {
	f := newFixture(t)
	f.tc.SetConnected(false)

	res, err := f.compiler.Compile(context.Background(), f.garden.ID, "", rec("pump", "7:00", true))
	if err != nil {
		t.Fatalf("err = %v, want nil (transport errors are recovered)", err)
	}
	if res.Created != 1 || res.AutoEnabled || res.AutoError == "" {
		t.Errorf("result = %+v", res)
	}
}

type brokenReplacer struct{}

func (brokenReplacer) Replace(string, store.Device, store.Source, []*store.ScheduleRule) (int, error) {
	return 0, store.ErrPersistence
}

func TestCompilePersistenceErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	c := NewCompiler(brokenReplacer{}, nil, nil, slog.Default())
	_, err := c.Compile(context.Background(), f.garden.ID, "", rec("pump", "7:00", true))
	if !errors.Is(err, store.ErrPersistence) {
		t.Errorf("err = %v, want ErrPersistence", err)
	}
}

func TestSwitchDecoding(t *testing.T) {
	tests := []struct {
		raw     string
		want    bool
		wantErr bool
	}{
		{`true`, true, false},
		{`false`, false, false},
		{`"ON"`, true, false},
		{`"off"`, false, false},
		{`"bật"`, true, false},
		{`"Tắt"`, false, false},
		{`"maybe"`, false, true},
		{`3`, false, true},
	}
	for _, tt := range tests {
		var s Switch
		err := json.Unmarshal([]byte(tt.raw), &s)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && bool(s) != tt.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.raw, s, tt.want)
		}
	}
}

func TestRecommendationDecoding(t *testing.T) {
	raw := `{"summary":"Đất khô","conditions":{"soil":"low"},"recommendations":{"pump":{"action":"ON","schedule":"7:00"}}}`
	var r Recommendation
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatal(err)
	}
	if !bool(r.Recommendations["pump"].Action) || r.Recommendations["pump"].Schedule != "7:00" {
		t.Errorf("decoded = %+v", r)
	}
}
