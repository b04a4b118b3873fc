package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pidctl/internal/pid"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "cfg.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func requireErrEq(t *testing.T, err error, want string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", want)
	}
	if err.Error() != want {
		t.Fatalf("error=%q want %q", err.Error(), want)
	}
}

const minimalController = `controllers:
  - id: heater
    input1: sensor.temp
    output: number.heater
`

func TestLoad_EmptyFileIsValid(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.HTTP.Listen != ":8080" || cfg.Log.Level != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_ControllerDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalController))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	entries, err := cfg.Entries()
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries=%d want 1", len(entries))
	}
	c := entries[0].Config
	if c.Name != "heater" {
		t.Fatalf("name=%q want heater", c.Name)
	}
	if c.Gains != (pid.Gains{Kp: 1, Ki: 0.1, Kd: 0}) {
		t.Fatalf("gains=%+v", c.Gains)
	}
	if c.CycleTime != time.Second {
		t.Fatalf("cycle_time=%s want 1s", c.CycleTime)
	}
	if c.Minimum != 0 || c.Maximum != 100 || c.Step != 1 {
		t.Fatalf("bounds=%v..%v step %v", c.Minimum, c.Maximum, c.Step)
	}
	if c.Direction != pid.Normal {
		t.Fatalf("direction=%v want normal", c.Direction)
	}
	if entries[0].Enabled {
		t.Fatalf("enabled should default to false")
	}
}

func TestLoad_ExplicitZeroGainsKept(t *testing.T) {
	body := minimalController + "    kp: 2\n    ki: 0\n    direction: Reverse\n    cycle_time: 250ms\n    minimum: -50\n    maximum: 50\n    setpoint: 21.5\n    enabled: true\n"
	cfg, err := Load(writeTempConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	entries, err := cfg.Entries()
	if err != nil {
		t.Fatalf("Entries() error: %v", err)
	}
	c := entries[0].Config
	if c.Gains.Kp != 2 || c.Gains.Ki != 0 {
		t.Fatalf("gains=%+v", c.Gains)
	}
	if c.Direction != pid.Reverse || c.CycleTime != 250*time.Millisecond {
		t.Fatalf("direction=%v cycle=%s", c.Direction, c.CycleTime)
	}
	if c.Minimum != -50 || c.Maximum != 50 || c.Setpoint != 21.5 {
		t.Fatalf("bounds/setpoint=%+v", c)
	}
	if !entries[0].Enabled {
		t.Fatalf("enabled=false want true")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "MissingID",
			body: "controllers:\n  - input1: a\n    output: b\n",
			want: "controllers[0].id is required",
		},
		{
			name: "MissingOutput",
			body: "controllers:\n  - id: x\n    input1: a\n",
			want: "controllers[0].output is required",
		},
		{
			name: "MissingInput",
			body: "controllers:\n  - id: x\n    output: b\n",
			want: "controllers[0].input1 is required",
		},
		{
			name: "Duplicate",
			body: minimalController + "  - id: heater\n    input1: a\n    output: b\n",
			want: `controllers[1].id "heater" is duplicated`,
		},
		{
			name: "Direction",
			body: minimalController + "    direction: sideways\n",
			want: "controllers[0].direction must be normal or reverse",
		},
		{
			name: "NegativeCycle",
			body: minimalController + "    cycle_time: -1s\n",
			want: "controllers[0].cycle_time must be > 0",
		},
		{
			name: "Bounds",
			body: minimalController + "    minimum: 10\n    maximum: 5\n",
			want: "controllers[0].minimum must be <= maximum",
		},
		{
			name: "LogLevel",
			body: "log:\n  level: loud\n",
			want: "log.level must be one of debug, info, warn, error",
		},
		{
			name: "EntityID",
			body: "entities:\n  - state: '1'\n",
			want: "entities[0].id is required",
		},
		{
			name: "ThermalEntity",
			body: "sources:\n  thermal:\n    enable: true\n",
			want: "sources.thermal.entity is required when sources.thermal.enable is true",
		},
		{
			name: "PWMEntity",
			body: "actuators:\n  pwm:\n    enable: true\n",
			want: "actuators.pwm.entity is required when actuators.pwm.enable is true",
		},
		{
			name: "PWMBackend",
			body: "actuators:\n  pwm:\n    enable: true\n    entity: number.fan\n    backend: can\n",
			want: "actuators.pwm.backend must be pwm or gpio",
		},
		{
			name: "PWMDutyMin",
			body: "actuators:\n  pwm:\n    enable: true\n    entity: number.fan\n    duty_min: 120\n",
			want: "actuators.pwm.duty_min must be within 0..100",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tc.body))
			requireErrEq(t, err, tc.want)
		})
	}
}

func TestLoad_UnknownFields(t *testing.T) {
	_, err := Load(writeTempConfig(t, minimalController+"    kpp: 3\n"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.HasPrefix(err.Error(), "config contains unknown fields") {
		t.Fatalf("err=%q", err.Error())
	}
}

func TestLoad_Entities(t *testing.T) {
	body := "entities:\n  - id: number.out\n    state: 0\n    attributes:\n      min: 0\n      max: 50\n  - id: sensor.temp\n"
	cfg, err := Load(writeTempConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Entities[0].State != "0" {
		t.Fatalf("state=%q want 0", cfg.Entities[0].State)
	}
	if cfg.Entities[0].Attributes["max"] != 50 {
		t.Fatalf("attributes=%v", cfg.Entities[0].Attributes)
	}
	if cfg.Entities[1].State != "unknown" {
		t.Fatalf("state=%q want unknown", cfg.Entities[1].State)
	}
}

func TestLogConfig_SlogLevel(t *testing.T) {
	lvl, err := LogConfig{Level: "debug"}.SlogLevel()
	if err != nil || lvl != slog.LevelDebug {
		t.Fatalf("lvl=%v err=%v", lvl, err)
	}
	lvl, err = LogConfig{Level: "warn"}.SlogLevel()
	if err != nil || lvl != slog.LevelWarn {
		t.Fatalf("lvl=%v err=%v", lvl, err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error")
	}
}
