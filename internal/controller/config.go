package controller

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"pidctl/internal/pid"
)

// Config is the immutable per-instance configuration. Reconfiguration swaps a
// whole new Config in; a Config value is never mutated after it is handed over.
type Config struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Input1 string `json:"input1"`
	Input2 string `json:"input2,omitempty"`
	Output string `json:"output"`

	Gains     pid.Gains     `json:"gains"`
	Direction pid.Direction `json:"direction"`
	CycleTime time.Duration `json:"cycle_time"`

	// Static bounds, used while the actuator reports none.
	Minimum float64 `json:"minimum"`
	Maximum float64 `json:"maximum"`
	Step    float64 `json:"step"`

	// Setpoint is the initial setpoint; it is clamped into the bounds.
	Setpoint float64 `json:"setpoint"`
}

// Validate reports the first problem found in c, wrapping ErrInvalidConfig.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(c.ID) == "" {
		return fail("id is required")
	}
	if strings.TrimSpace(c.Input1) == "" {
		return fail("%s: input1 is required", c.ID)
	}
	if strings.TrimSpace(c.Output) == "" {
		return fail("%s: output is required", c.ID)
	}
	if c.CycleTime <= 0 {
		return fail("%s: cycle_time must be > 0", c.ID)
	}
	for name, v := range map[string]float64{
		"kp": c.Gains.Kp, "ki": c.Gains.Ki, "kd": c.Gains.Kd,
		"minimum": c.Minimum, "maximum": c.Maximum, "step": c.Step, "setpoint": c.Setpoint,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fail("%s: %s must be finite", c.ID, name)
		}
	}
	if c.Minimum > c.Maximum {
		return fail("%s: minimum must be <= maximum", c.ID)
	}
	if c.Step < 0 {
		return fail("%s: step must be >= 0", c.ID)
	}
	return nil
}

// Bounds is the permissible actuator range.
type Bounds struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

func (b Bounds) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

func (b Bounds) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// SampleSource supplies the current numeric value of a named input.
// Implementations return ErrUnavailable, ErrNotNumeric or ErrNotFound
// (possibly wrapped) when no usable value exists.
type SampleSource interface {
	ReadValue(ctx context.Context, ref string) (float64, error)
}

// ActuatorSink accepts output values and reports its current bounds.
// ok == false from Bounds means "use the static config bounds".
type ActuatorSink interface {
	Bounds(ctx context.Context, ref string) (b Bounds, ok bool)
	WriteValue(ctx context.Context, ref string, v float64) error
}

// Lookup is optionally implemented by sinks that can tell whether a target
// exists, so a missing output can be reported at activation.
type Lookup interface {
	Has(ref string) bool
}
