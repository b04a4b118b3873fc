package hardware

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

const defaultFrequencyHz = 1000

type ActuatorConfig struct {
	// Backend is "pwm" (sysfs PWM channel) or "gpio" (digital on/off line).
	Backend string
	// Pin is the PWM channel for "pwm" and the BCM GPIO number for "gpio".
	Pin         int
	FrequencyHz int
	// DutyMin is the lowest non-zero duty; values above zero are mapped into
	// [DutyMin, 100].
	DutyMin float64
	// SafeDuty is written on Close.
	SafeDuty float64
}

type ActuatorSnapshot struct {
	Backend      string    `json:"backend"`
	Value        float64   `json:"value"`
	Duty         float64   `json:"duty"`
	Writes       uint64    `json:"writes"`
	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Actuator exposes a PWM or GPIO output as a 0..100 entity device.
type Actuator struct {
	cfg ActuatorConfig

	mu   sync.Mutex
	drv  driver
	snap ActuatorSnapshot
}

func OpenActuator(cfg ActuatorConfig) (*Actuator, error) {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = "pwm"
	}
	if cfg.FrequencyHz <= 0 {
		cfg.FrequencyHz = defaultFrequencyHz
	}
	cfg.DutyMin = clamp(cfg.DutyMin, 0, 100)
	cfg.SafeDuty = clamp(cfg.SafeDuty, 0, 100)

	var (
		drv driver
		err error
	)
	switch cfg.Backend {
	case "pwm":
		drv, err = openPWMFn(cfg.Pin)
	case "gpio":
		drv, err = openGPIOFn(cfg.Pin)
	default:
		return nil, fmt.Errorf("hardware: unknown actuator backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err := drv.SetFrequencyHz(cfg.FrequencyHz); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("hardware: set frequency: %w", err)
	}
	return &Actuator{cfg: cfg, drv: drv, snap: ActuatorSnapshot{Backend: cfg.Backend}}, nil
}

// Attributes are the entity attributes an actuator is registered with.
func (a *Actuator) Attributes() map[string]any {
	return map[string]any{
		"min":     0.0,
		"max":     100.0,
		"step":    1.0,
		"backend": a.cfg.Backend,
	}
}

func (a *Actuator) Write(_ context.Context, v float64) error {
	if math.IsNaN(v) || v < 0 || v > 100 {
		return fmt.Errorf("hardware: value %v outside [0, 100]", v)
	}
	duty := DutyFor(v, a.cfg.DutyMin)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.drv == nil {
		return fmt.Errorf("hardware: actuator closed")
	}
	if err := a.drv.SetDutyPercent(duty); err != nil {
		a.snap.LastError = err.Error()
		a.snap.LastUpdateAt = time.Now().UTC()
		return fmt.Errorf("hardware: set duty: %w", err)
	}
	a.snap.Value = v
	a.snap.Duty = duty
	a.snap.Writes++
	a.snap.LastError = ""
	a.snap.LastUpdateAt = time.Now().UTC()
	return nil
}

func (a *Actuator) Snapshot() ActuatorSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snap
}

// Close writes SafeDuty and releases the line.
func (a *Actuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.drv == nil {
		return nil
	}
	_ = a.drv.SetDutyPercent(a.cfg.SafeDuty)
	err := a.drv.Close()
	a.drv = nil
	return err
}

// DutyFor maps a 0..100 output onto [dutyMin, 100], keeping 0 as off.
func DutyFor(v, dutyMin float64) float64 {
	v = clamp(v, 0, 100)
	if v == 0 {
		return 0
	}
	dutyMin = clamp(dutyMin, 0, 100)
	return clamp(dutyMin+v*(100-dutyMin)/100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
