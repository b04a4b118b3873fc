// Package sim closes a Controller around a first-order plant on a simulated
// clock, for tuning gains without hardware.
package sim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"pidctl/internal/controller"
	"pidctl/internal/entity"
)

const (
	inputEntity  = "sim.measurement"
	outputEntity = "sim.output"
)

// Plant is a first-order lag: dy/dt = (Ambient + Gain*u - y) / TimeConstant.
type Plant struct {
	Gain         float64
	TimeConstant time.Duration
	Ambient      float64
	// Value is the current process value.
	Value float64
}

// Step advances the plant by dt with actuator output u.
func (p *Plant) Step(u float64, dt time.Duration) {
	if dt <= 0 {
		return
	}
	target := p.Ambient + p.Gain*u
	if p.TimeConstant <= 0 {
		p.Value = target
		return
	}
	// Exact solution over the step, stable for any dt.
	a := math.Exp(-dt.Seconds() / p.TimeConstant.Seconds())
	p.Value = target + (p.Value-target)*a
}

type SetpointChange struct {
	At    time.Duration
	Value float64
}

type Config struct {
	Controller controller.Config
	Plant      Plant
	Duration   time.Duration
	Changes    []SetpointChange
	Logger     *slog.Logger
}

type Sample struct {
	T           time.Duration `json:"t"`
	Setpoint    float64       `json:"setpoint"`
	Measurement float64       `json:"measurement"`
	Output      float64       `json:"output"`
}

type Stats struct {
	MeanError        float64 `json:"mean_error"`
	StdDevError      float64 `json:"stddev_error"`
	MaxAbsError      float64 `json:"max_abs_error"`
	IAE              float64 `json:"iae"`
	FinalMeasurement float64 `json:"final_measurement"`
	FinalOutput      float64 `json:"final_output"`
}

type Result struct {
	Samples []Sample `json:"samples"`
	Stats   Stats    `json:"stats"`
}

// Run simulates cfg.Duration of operation, one sample per cycle.
func Run(ctx context.Context, cfg Config) (Result, error) {
	cc := cfg.Controller
	if cc.ID == "" {
		cc.ID = "sim"
	}
	cc.Input1 = inputEntity
	cc.Input2 = ""
	cc.Output = outputEntity
	if err := cc.Validate(); err != nil {
		return Result{}, err
	}
	if cfg.Duration < cc.CycleTime {
		return Result{}, fmt.Errorf("sim: duration %s is shorter than one cycle", cfg.Duration)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store := entity.NewStore()
	store.Set(outputEntity, "0", map[string]any{
		entity.AttrMin:  cc.Minimum,
		entity.AttrMax:  cc.Maximum,
		entity.AttrStep: cc.Step,
	})
	plant := cfg.Plant
	store.SetFloat(inputEntity, plant.Value)

	clk := &clock{now: time.Unix(0, 0)}
	c, err := controller.New(cc, store, store,
		controller.WithLogger(logger),
		controller.WithClock(clk.Now),
		controller.WithTicker(func(time.Duration) (<-chan time.Time, func()) { return nil, func() {} }),
	)
	if err != nil {
		return Result{}, err
	}
	if err := c.TurnOn(ctx); err != nil {
		return Result{}, err
	}
	defer c.TurnOff()

	changes := append([]SetpointChange(nil), cfg.Changes...)
	sort.Slice(changes, func(i, j int) bool { return changes[i].At < changes[j].At })

	steps := int(cfg.Duration / cc.CycleTime)
	samples := make([]Sample, 0, steps)
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		t := time.Duration(i) * cc.CycleTime
		for len(changes) > 0 && changes[0].At <= t {
			if err := c.SetValue(ctx, changes[0].Value); err != nil {
				return Result{}, fmt.Errorf("sim: setpoint change at %s: %w", changes[0].At, err)
			}
			changes = changes[1:]
		}

		store.SetFloat(inputEntity, plant.Value)
		if err := c.RunCycle(ctx); err != nil {
			return Result{}, err
		}
		u, err := store.ReadValue(ctx, outputEntity)
		if err != nil {
			return Result{}, err
		}
		samples = append(samples, Sample{T: t, Setpoint: c.Setpoint(), Measurement: plant.Value, Output: u})

		plant.Step(u, cc.CycleTime)
		clk.Advance(cc.CycleTime)
	}
	return Result{Samples: samples, Stats: Summarize(samples, cc.CycleTime)}, nil
}

// Summarize computes error statistics over the second half of the run, after
// the initial transient.
func Summarize(samples []Sample, dt time.Duration) Stats {
	if len(samples) == 0 {
		return Stats{}
	}
	tail := samples[len(samples)/2:]
	errs := make([]float64, len(tail))
	var maxAbs float64
	for i, s := range tail {
		errs[i] = s.Setpoint - s.Measurement
		maxAbs = math.Max(maxAbs, math.Abs(errs[i]))
	}
	var iae float64
	for _, s := range samples {
		iae += math.Abs(s.Setpoint-s.Measurement) * dt.Seconds()
	}

	mean, std := stat.MeanStdDev(errs, nil)
	if len(errs) < 2 {
		std = 0
	}
	last := samples[len(samples)-1]
	return Stats{
		MeanError:        mean,
		StdDevError:      std,
		MaxAbsError:      maxAbs,
		IAE:              iae,
		FinalMeasurement: last.Measurement,
		FinalOutput:      last.Output,
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
