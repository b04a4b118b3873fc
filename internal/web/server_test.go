package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pidctl/internal/controller"
	"pidctl/internal/entity"
	"pidctl/internal/pid"
	"pidctl/internal/registry"
)

type testEnv struct {
	ts      *httptest.Server
	reg     *registry.Registry
	store   *entity.Store
	status  *Status
	reloads atomic.Int32
}

func newTestEnv(t *testing.T, reloadErr error) *testEnv {
	t.Helper()
	store := entity.NewStore()
	store.Set("sensor.temp", "10", nil)
	store.Set("number.heater", "0", map[string]any{"min": 0, "max": 100, "step": 1})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(context.Background(), store, store, logger)
	t.Cleanup(reg.Close)
	err := reg.Add(registry.Entry{Config: controller.Config{
		ID: "heater", Input1: "sensor.temp", Output: "number.heater",
		Gains: pid.Gains{Kp: 1}, CycleTime: time.Hour, Maximum: 100, Step: 1, Setpoint: 20,
	}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	env := &testEnv{reg: reg, store: store, status: NewStatus("/etc/pidctl.yaml")}
	env.ts = httptest.NewServer(Handler(Deps{
		Status:      env.status,
		Controllers: reg,
		Entities:    store,
		Logs:        NewLogBuffer(10),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "# EOF\n")
		}),
		Reload: func(context.Context) error {
			env.reloads.Add(1)
			return reloadErr
		},
	}))
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func TestAPIStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body := env.do(t, http.MethodGet, "/api/status", "")
	if code != http.StatusOK {
		t.Fatalf("status code=%d", code)
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "pidctl" || snap.Controllers != 1 || snap.Enabled != 0 || snap.Entities != 2 {
		t.Fatalf("snap=%+v", snap)
	}
	if snap.ConfigPath != "/etc/pidctl.yaml" {
		t.Fatalf("config_path=%q", snap.ConfigPath)
	}
}

func TestAPIControllers(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodGet, "/api/controllers", "")
	if code != http.StatusOK {
		t.Fatalf("list code=%d", code)
	}
	var list []controller.Snapshot
	if err := json.Unmarshal(body, &list); err != nil || len(list) != 1 || list[0].ID != "heater" {
		t.Fatalf("list=%s err=%v", body, err)
	}

	if code, _ := env.do(t, http.MethodGet, "/api/controllers/heater", ""); code != http.StatusOK {
		t.Fatalf("get code=%d", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/controllers/nope", ""); code != http.StatusNotFound {
		t.Fatalf("unknown code=%d want 404", code)
	}
	if code, _ := env.do(t, http.MethodDelete, "/api/controllers/heater", ""); code != http.StatusMethodNotAllowed {
		t.Fatalf("delete code=%d want 405", code)
	}
}

func TestAPITurnOnOff(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/api/controllers/heater/turn_on", "")
	if code != http.StatusOK {
		t.Fatalf("turn_on code=%d body=%s", code, body)
	}
	var resp commandResponse
	if err := json.Unmarshal(body, &resp); err != nil || !resp.OK || !resp.Controller.Enabled {
		t.Fatalf("turn_on resp=%s err=%v", body, err)
	}

	code, body = env.do(t, http.MethodPost, "/api/controllers/heater/turn_off", "")
	if code != http.StatusOK {
		t.Fatalf("turn_off code=%d", code)
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Controller.Enabled {
		t.Fatalf("turn_off resp=%s err=%v", body, err)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/controllers/nope/turn_on", ""); code != http.StatusNotFound {
		t.Fatalf("unknown turn_on code=%d want 404", code)
	}
}

func TestAPISetValue(t *testing.T) {
	env := newTestEnv(t, nil)
	setpoint := func() float64 {
		c, err := env.reg.Get("heater")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		return c.Setpoint()
	}

	cases := []struct {
		body     string
		wantCode int
		wantSP   float64
	}{
		{`{"value": 25}`, http.StatusOK, 25},
		{`{"value": "30.5"}`, http.StatusOK, 30.5},
		{`{"value": 150}`, http.StatusBadRequest, 30.5},
		{`{"value": "inf"}`, http.StatusBadRequest, 30.5},
		{`{"value": "-inf"}`, http.StatusBadRequest, 30.5},
		{`{"value": "nan"}`, http.StatusOK, 30.5},
		{`{"value": "warm"}`, http.StatusBadRequest, 30.5},
		{`{"value": 1, "extra": true}`, http.StatusBadRequest, 30.5},
		{`{}`, http.StatusBadRequest, 30.5},
		{`{"value": 1} {}`, http.StatusBadRequest, 30.5},
	}
	for _, tc := range cases {
		code, body := env.do(t, http.MethodPost, "/api/controllers/heater/set_value", tc.body)
		if code != tc.wantCode {
			t.Fatalf("%s: code=%d want %d body=%s", tc.body, code, tc.wantCode, body)
		}
		if got := setpoint(); got != tc.wantSP {
			t.Fatalf("%s: setpoint=%v want %v", tc.body, got, tc.wantSP)
		}
	}
}

func TestAPIEntities(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/api/entities/sensor.temp", `{"state": 18.5}`)
	if code != http.StatusOK {
		t.Fatalf("post state code=%d body=%s", code, body)
	}
	v, err := env.store.ReadValue(context.Background(), "sensor.temp")
	if err != nil || v != 18.5 {
		t.Fatalf("sensor.temp=%v err=%v", v, err)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/entities/sensor.temp", `{"state": "unavailable"}`); code != http.StatusOK {
		t.Fatalf("post text state code=%d", code)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/entities/number.heater", `{"value": 40}`); code != http.StatusOK {
		t.Fatalf("write value code=%d", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/entities/number.heater", `{"value": 400}`); code != http.StatusBadRequest {
		t.Fatalf("out of bounds write code=%d want 400", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/entities/number.missing", `{"value": 1}`); code != http.StatusNotFound {
		t.Fatalf("missing write code=%d want 404", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/entities/x", `{}`); code != http.StatusBadRequest {
		t.Fatalf("empty post code=%d want 400", code)
	}

	code, body = env.do(t, http.MethodGet, "/api/entities/number.heater", "")
	if code != http.StatusOK {
		t.Fatalf("get code=%d", code)
	}
	var er EntityResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Value != "40" {
		t.Fatalf("entity=%s err=%v", body, err)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/entities/nope", ""); code != http.StatusNotFound {
		t.Fatalf("get missing code=%d want 404", code)
	}

	code, body = env.do(t, http.MethodGet, "/api/entities", "")
	var all []EntityResponse
	if code != http.StatusOK || json.Unmarshal(body, &all) != nil || len(all) != 2 {
		t.Fatalf("list code=%d body=%s", code, body)
	}
}

func TestAPIReload(t *testing.T) {
	env := newTestEnv(t, nil)
	if code, _ := env.do(t, http.MethodPost, "/api/reload", ""); code != http.StatusOK {
		t.Fatalf("reload code=%d", code)
	}
	if env.reloads.Load() != 1 || env.status.Snapshot(time.Time{}).Reloads != 1 {
		t.Fatalf("reloads=%d", env.reloads.Load())
	}

	bad := newTestEnv(t, errors.New("controllers[0].output is required"))
	code, body := bad.do(t, http.MethodPost, "/api/reload", "")
	if code != http.StatusBadRequest || !strings.Contains(string(body), "output is required") {
		t.Fatalf("bad reload code=%d body=%s", code, body)
	}
	if got := bad.status.Snapshot(time.Time{}).LastReloadError; got == "" {
		t.Fatalf("expected last reload error")
	}
}

func TestRootAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	code, body := env.do(t, http.MethodGet, "/", "")
	if code != http.StatusOK || !strings.Contains(string(body), "heater") {
		t.Fatalf("root code=%d body=%s", code, body)
	}
	if code, _ := env.do(t, http.MethodGet, "/metrics", ""); code != http.StatusOK {
		t.Fatalf("metrics code=%d", code)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/nope", ""); code != http.StatusNotFound {
		t.Fatalf("unknown api code=%d want 404", code)
	}
}

func TestClient(t *testing.T) {
	env := newTestEnv(t, nil)
	c := NewClient(strings.TrimPrefix(env.ts.URL, "http://"))
	ctx := context.Background()

	snap, err := c.SetValue(ctx, "heater", "42")
	if err != nil || snap.Setpoint != 42 {
		t.Fatalf("SetValue snap=%+v err=%v", snap, err)
	}
	_, err = c.SetValue(ctx, "heater", "inf")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("SetValue inf err=%v", err)
	}

	if snap, err = c.TurnOn(ctx, "heater"); err != nil || !snap.Enabled {
		t.Fatalf("TurnOn snap=%+v err=%v", snap, err)
	}
	if snap, err = c.TurnOff(ctx, "heater"); err != nil || snap.Enabled {
		t.Fatalf("TurnOff snap=%+v err=%v", snap, err)
	}

	list, err := c.Controllers(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("Controllers=%v err=%v", list, err)
	}
	if _, err := c.Controller(ctx, "nope"); !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("Controller nope err=%v", err)
	}

	raw := json.RawMessage(`"21"`)
	if _, err := c.SetEntity(ctx, "sensor.temp", EntityRequest{State: raw}); err != nil {
		t.Fatalf("SetEntity: %v", err)
	}
	e, err := c.Entity(ctx, "sensor.temp")
	if err != nil || e.Value != "21" {
		t.Fatalf("Entity=%+v err=%v", e, err)
	}

	st, err := c.Status(ctx)
	if err != nil || st.Controllers != 1 {
		t.Fatalf("Status=%+v err=%v", st, err)
	}
	if err := c.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
}
