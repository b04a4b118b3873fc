package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pidctl/internal/controller"
	"pidctl/internal/pid"
	"pidctl/internal/registry"
)

type Config struct {
	HTTP        HTTPConfig         `yaml:"http"`
	Log         LogConfig          `yaml:"log"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Notify      NotifyConfig       `yaml:"notify"`
	Entities    []EntityConfig     `yaml:"entities"`
	Sources     SourcesConfig      `yaml:"sources"`
	Actuators   ActuatorsConfig    `yaml:"actuators"`
	Controllers []ControllerConfig `yaml:"controllers"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable"`
}

type NotifyConfig struct {
	// UDPDest receives a JSON datagram per controller update when set.
	UDPDest string `yaml:"udp_dest"`
}

// EntityConfig seeds the entity store at startup.
type EntityConfig struct {
	ID         string         `yaml:"id"`
	State      string         `yaml:"state"`
	Attributes map[string]any `yaml:"attributes"`
}

type SourcesConfig struct {
	JSONFile JSONFileConfig `yaml:"jsonfile"`
	Thermal  ThermalConfig  `yaml:"thermal"`
}

type JSONFileConfig struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

type ThermalConfig struct {
	Enable   bool          `yaml:"enable"`
	Entity   string        `yaml:"entity"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

type ActuatorsConfig struct {
	PWM PWMConfig `yaml:"pwm"`
}

type PWMConfig struct {
	Enable bool   `yaml:"enable"`
	Entity string `yaml:"entity"`
	// Backend is pwm (sysfs channel) or gpio (on/off line).
	Backend   string  `yaml:"backend"`
	Pin       int     `yaml:"pin"`
	Frequency int     `yaml:"frequency"`
	DutyMin   float64 `yaml:"duty_min"`
	SafeDuty  float64 `yaml:"safe_duty"`
}

type ControllerConfig struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Input1 string `yaml:"input1"`
	Input2 string `yaml:"input2"`
	Output string `yaml:"output"`

	// Gains default to kp=1, ki=0.1, kd=0; pointers tell "unset" from 0.
	Kp *float64 `yaml:"kp"`
	Ki *float64 `yaml:"ki"`
	Kd *float64 `yaml:"kd"`

	Direction string        `yaml:"direction"`
	CycleTime time.Duration `yaml:"cycle_time"`

	Minimum *float64 `yaml:"minimum"`
	Maximum *float64 `yaml:"maximum"`
	Step    *float64 `yaml:"step"`

	Setpoint float64 `yaml:"setpoint"`
	// Enabled turns the controller on at startup.
	Enabled bool `yaml:"enabled"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes strictly and then applies defaults and validation.
func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		// Tell a typo apart from broken YAML.
		var loose Config
		if yaml.Unmarshal(b, &loose) == nil {
			return Config{}, fmt.Errorf("config contains unknown fields: %w", err)
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func ptr(v float64) *float64 { return &v }

// DefaultAndValidate fills defaults in place and reports the first problem.
func DefaultAndValidate(cfg *Config) error {
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8080"
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if _, err := cfg.Log.SlogLevel(); err != nil {
		return err
	}

	for i, e := range cfg.Entities {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("entities[%d].id is required", i)
		}
		if e.State == "" {
			cfg.Entities[i].State = "unknown"
		}
	}

	if cfg.Sources.JSONFile.Path != "" && cfg.Sources.JSONFile.Interval <= 0 {
		cfg.Sources.JSONFile.Interval = time.Second
	}
	if t := &cfg.Sources.Thermal; t.Enable {
		if t.Entity == "" {
			return fmt.Errorf("sources.thermal.entity is required when sources.thermal.enable is true")
		}
		if t.Interval <= 0 {
			t.Interval = 5 * time.Second
		}
	}

	if p := &cfg.Actuators.PWM; p.Enable {
		if p.Entity == "" {
			return fmt.Errorf("actuators.pwm.entity is required when actuators.pwm.enable is true")
		}
		p.Backend = strings.ToLower(strings.TrimSpace(p.Backend))
		if p.Backend == "" {
			p.Backend = "pwm"
		}
		if p.Backend != "pwm" && p.Backend != "gpio" {
			return fmt.Errorf("actuators.pwm.backend must be pwm or gpio")
		}
		if p.Backend == "gpio" && p.Pin <= 0 {
			return fmt.Errorf("actuators.pwm.pin must be > 0 for the gpio backend")
		}
		if p.Frequency < 0 {
			return fmt.Errorf("actuators.pwm.frequency must be >= 0")
		}
		if p.DutyMin < 0 || p.DutyMin > 100 {
			return fmt.Errorf("actuators.pwm.duty_min must be within 0..100")
		}
		if p.SafeDuty < 0 || p.SafeDuty > 100 {
			return fmt.Errorf("actuators.pwm.safe_duty must be within 0..100")
		}
	}

	seen := make(map[string]bool, len(cfg.Controllers))
	for i := range cfg.Controllers {
		c := &cfg.Controllers[i]
		at := fmt.Sprintf("controllers[%d]", i)
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			return fmt.Errorf("%s.id is required", at)
		}
		if seen[c.ID] {
			return fmt.Errorf("%s.id %q is duplicated", at, c.ID)
		}
		seen[c.ID] = true
		if c.Name == "" {
			c.Name = c.ID
		}
		if c.Input1 == "" {
			return fmt.Errorf("%s.input1 is required", at)
		}
		if c.Output == "" {
			return fmt.Errorf("%s.output is required", at)
		}
		if c.Kp == nil {
			c.Kp = ptr(1)
		}
		if c.Ki == nil {
			c.Ki = ptr(0.1)
		}
		if c.Kd == nil {
			c.Kd = ptr(0)
		}
		d, err := pid.ParseDirection(c.Direction)
		if err != nil {
			return fmt.Errorf("%s.direction must be normal or reverse", at)
		}
		c.Direction = d.String()
		if c.CycleTime == 0 {
			c.CycleTime = time.Second
		}
		if c.CycleTime < 0 {
			return fmt.Errorf("%s.cycle_time must be > 0", at)
		}
		if c.Minimum == nil {
			c.Minimum = ptr(0)
		}
		if c.Maximum == nil {
			c.Maximum = ptr(100)
		}
		if c.Step == nil {
			c.Step = ptr(1)
		}
		if *c.Minimum > *c.Maximum {
			return fmt.Errorf("%s.minimum must be <= maximum", at)
		}
		if *c.Step < 0 {
			return fmt.Errorf("%s.step must be >= 0", at)
		}
		if _, err := c.ToController(); err != nil {
			return fmt.Errorf("%s: %w", at, err)
		}
	}
	return nil
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch l.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level must be one of debug, info, warn, error")
}

// ToController converts a defaulted entry into a controller.Config.
func (c ControllerConfig) ToController() (controller.Config, error) {
	d, err := pid.ParseDirection(c.Direction)
	if err != nil {
		return controller.Config{}, err
	}
	val := func(p *float64, def float64) float64 {
		if p == nil {
			return def
		}
		return *p
	}
	out := controller.Config{
		ID:     c.ID,
		Name:   c.Name,
		Input1: c.Input1,
		Input2: c.Input2,
		Output: c.Output,
		Gains: pid.Gains{
			Kp: val(c.Kp, 1),
			Ki: val(c.Ki, 0.1),
			Kd: val(c.Kd, 0),
		},
		Direction: d,
		CycleTime: c.CycleTime,
		Minimum:   val(c.Minimum, 0),
		Maximum:   val(c.Maximum, 100),
		Step:      val(c.Step, 1),
		Setpoint:  c.Setpoint,
	}
	if out.CycleTime == 0 {
		out.CycleTime = time.Second
	}
	return out, out.Validate()
}

// Entries returns the registry entries for every configured controller.
func (c Config) Entries() ([]registry.Entry, error) {
	out := make([]registry.Entry, 0, len(c.Controllers))
	for i, cc := range c.Controllers {
		cfg, err := cc.ToController()
		if err != nil {
			return nil, fmt.Errorf("controllers[%d]: %w", i, err)
		}
		out = append(out, registry.Entry{Config: cfg, Enabled: cc.Enabled})
	}
	return out, nil
}
