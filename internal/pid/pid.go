package pid

import (
	"fmt"
	"strings"
	"time"
)

// Direction links a change of the actuator to a change of the measurement.
type Direction int

const (
	// Normal: increasing the output increases the measurement.
	Normal Direction = iota
	// Reverse: increasing the output decreases the measurement.
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Normal:
		return "normal"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Sign is +1 for Normal and -1 for Reverse.
func (d Direction) Sign() float64 {
	if d == Reverse {
		return -1
	}
	return 1
}

// ParseDirection accepts "normal" or "reverse" (case-insensitive). Empty is Normal.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "direct":
		return Normal, nil
	case "reverse":
		return Reverse, nil
	default:
		return Normal, fmt.Errorf("pid: unknown direction %q", s)
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

type Gains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// State is what the engine remembers between invocations.
//
// Integral holds the raw error-time integral (not multiplied by Ki) so a gain
// change applies to the whole history immediately.
type State struct {
	Integral        float64 `json:"integral"`
	PrevError       float64 `json:"prev_error"`
	PrevMeasurement float64 `json:"prev_measurement"`
	HavePrev        bool    `json:"have_prev"`
}

// Result of a single Step. Output is unclamped.
type Result struct {
	Output float64
	Error  float64

	Proportional float64
	Integral     float64
	Derivative   float64

	// IntegralDelta is the raw e*dt added to the accumulator by this step.
	IntegralDelta float64

	Next State
}

// Step computes one controller update. It is a pure function over finite inputs.
//
// The first step after a reset (prev.HavePrev == false) and any step with
// dt <= 0 only establish a baseline: the integral does not advance and the
// derivative term is zero.
func Step(prev State, g Gains, dir Direction, setpoint, measurement float64, dt time.Duration) Result {
	e := setpoint - measurement
	next := prev

	var delta, rate float64
	if prev.HavePrev && dt > 0 {
		sec := dt.Seconds()
		delta = e * sec
		next.Integral += delta
		// Derivative on measurement: setpoint jumps do not kick the output.
		rate = (measurement - prev.PrevMeasurement) / sec
	}
	next.PrevError = e
	next.PrevMeasurement = measurement
	next.HavePrev = true

	sign := dir.Sign()
	p := sign * g.Kp * e
	i := sign * g.Ki * next.Integral
	d := sign * -g.Kd * rate

	return Result{
		Output:        p + i + d,
		Error:         e,
		Proportional:  p,
		Integral:      i,
		Derivative:    d,
		IntegralDelta: delta,
		Next:          next,
	}
}

// IntegralPush is the signed change this step's integration made to Output.
func (r Result) IntegralPush(g Gains, dir Direction) float64 {
	return dir.Sign() * g.Ki * r.IntegralDelta
}
