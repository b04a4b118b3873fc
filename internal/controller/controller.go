package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"pidctl/internal/pid"
)

type Outcome string

const (
	OutcomeNone        Outcome = ""
	OutcomeWritten     Outcome = "written"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeWriteFailed Outcome = "write_failed"
)

// Snapshot is the observable state of a controller. Its state value is the
// setpoint; Output is the last value published to the actuator.
type Snapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Setpoint  float64   `json:"setpoint"`
	Enabled   bool      `json:"enabled"`
	Input1    string    `json:"input1"`
	Input2    string    `json:"input2,omitempty"`
	Output    string    `json:"output"`
	Gains     pid.Gains `json:"gains"`
	Direction string    `json:"direction"`
	CycleTime string    `json:"cycle_time"`

	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`

	OutputValue  float64 `json:"output_value"`
	HaveOutput   bool    `json:"have_output"`
	Measurement  float64 `json:"measurement"`
	Error        float64 `json:"error"`
	Integral     float64 `json:"integral"`
	Proportional float64 `json:"p_term"`
	IntegralTerm float64 `json:"i_term"`
	Derivative   float64 `json:"d_term"`

	Cycles      uint64  `json:"cycles"`
	Skipped     uint64  `json:"skipped"`
	WriteErrors uint64  `json:"write_errors"`
	LastOutcome Outcome `json:"last_outcome,omitempty"`
	LastCycleAt string  `json:"last_cycle_utc,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
}

type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces time.Now. The clock must be monotonic; time.Now is.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithTicker replaces the scheduler's ticker source.
func WithTicker(fn func(time.Duration) (<-chan time.Time, func())) Option {
	return func(c *Controller) {
		c.sched.NewTicker = fn
	}
}

// WithObserver registers fn to be called with a fresh snapshot after every
// cycle and every command. fn runs on the caller's goroutine and must not
// call back into the controller's command methods.
func WithObserver(fn func(Snapshot)) Option {
	return func(c *Controller) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	}
}

// Controller closes the loop between a SampleSource and an ActuatorSink.
type Controller struct {
	cfg       atomic.Pointer[Config]
	src       SampleSource
	sink      ActuatorSink
	log       *slog.Logger
	now       func() time.Time
	observers []func(Snapshot)

	// opMu serializes TurnOn/TurnOff/ReplaceConfig.
	opMu  sync.Mutex
	sched Scheduler

	// cycleMu is held for a whole cycle and while history is reset.
	cycleMu sync.Mutex

	mu          sync.RWMutex
	setpoint    float64
	enabled     bool
	engine      pid.State
	prevAt      time.Time
	bounds      Bounds
	last        pid.Result
	output      float64
	haveOutput  bool
	measurement float64
	cycles      uint64
	skipped     uint64
	writeErrors uint64
	lastOutcome Outcome
	lastCycleAt time.Time
	lastErr     string
}

func New(cfg Config, src SampleSource, sink ActuatorSink, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || sink == nil {
		return nil, fmt.Errorf("controller %s: sample source and actuator sink are required", cfg.ID)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	c := &Controller{
		src:  src,
		sink: sink,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("controller", cfg.ID)
	c.cfg.Store(&cfg)

	c.bounds = c.activeBounds(context.Background(), &cfg)
	c.setpoint = c.bounds.Clamp(cfg.Setpoint)
	c.checkTargets(&cfg)
	return c, nil
}

func (c *Controller) ID() string { return c.cfg.Load().ID }

// Config returns a copy of the active configuration.
func (c *Controller) Config() Config { return *c.cfg.Load() }

func (c *Controller) Setpoint() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.setpoint
}

func (c *Controller) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *Controller) Snapshot() Snapshot {
	cfg := c.cfg.Load()
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked(cfg)
}

// TurnOn clears the integral and derivative history and starts the cycle
// scheduler. ctx bounds the lifetime of the loop, so pass a long-lived
// context rather than a request context. Turning on a running controller is
// a no-op.
func (c *Controller) TurnOn(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.cycleMu.Lock()
	c.mu.Lock()
	if c.enabled && c.sched.Running() {
		c.mu.Unlock()
		c.cycleMu.Unlock()
		return nil
	}
	c.enabled = true
	c.engine = pid.State{}
	c.prevAt = time.Time{}
	c.last = pid.Result{}
	c.mu.Unlock()
	c.cycleMu.Unlock()

	cfg := c.cfg.Load()
	if err := c.sched.Start(ctx, cfg.CycleTime, c.tick); err != nil {
		c.mu.Lock()
		c.enabled = false
		c.mu.Unlock()
		return fmt.Errorf("controller %s: %w", cfg.ID, err)
	}
	c.checkTargets(cfg)
	c.log.Info("turned on", "cycle_time", cfg.CycleTime)
	c.notify(c.Snapshot())
	return nil
}

// TurnOff stops the scheduler. A cycle in progress finishes first; after
// TurnOff returns the actuator is never written again until TurnOn. The last
// output is left as it is.
func (c *Controller) TurnOff() {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.sched.Stop()
	c.mu.Lock()
	was := c.enabled
	c.enabled = false
	c.mu.Unlock()
	if was {
		c.log.Info("turned off")
	}
	c.notify(c.Snapshot())
}

// SetValue is the explicit set-value command. Out-of-range and infinite
// values are refused with a *ValidationError and the setpoint is unchanged.
// NaN is ignored with a warning.
func (c *Controller) SetValue(ctx context.Context, v float64) error {
	if math.IsNaN(v) {
		c.log.Warn("ignoring setpoint that is not a number", "value", v)
		return nil
	}
	if math.IsInf(v, 0) {
		return &ValidationError{Value: v, Wrapped: ErrInvalidValue}
	}

	cfg := c.cfg.Load()
	b := c.activeBounds(ctx, cfg)
	if !b.Contains(v) {
		return &ValidationError{Value: v, Min: b.Min, Max: b.Max, Wrapped: ErrOutOfRange}
	}

	c.mu.Lock()
	c.setpoint = b.Clamp(v)
	c.bounds = b
	snap := c.snapshotLocked(cfg)
	c.mu.Unlock()

	c.log.Debug("setpoint changed", "setpoint", v)
	c.notify(snap)
	return nil
}

// ReplaceConfig swaps in a new configuration. The cycle in flight keeps the
// config it started with; the change applies from the next cycle. History is
// kept, and a changed cycle time restarts the scheduler.
func (c *Controller) ReplaceConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	old := c.cfg.Load()
	if cfg.ID != old.ID {
		return fmt.Errorf("%w: cannot change id %q to %q", ErrInvalidConfig, old.ID, cfg.ID)
	}
	c.cfg.Store(&cfg)

	if c.sched.Running() && c.sched.Period() != cfg.CycleTime {
		c.sched.Stop()
		if err := c.sched.Start(ctx, cfg.CycleTime, c.tick); err != nil {
			return fmt.Errorf("controller %s: %w", cfg.ID, err)
		}
	}

	b := c.activeBounds(ctx, &cfg)
	c.mu.Lock()
	c.bounds = b
	c.setpoint = b.Clamp(c.setpoint)
	snap := c.snapshotLocked(&cfg)
	c.mu.Unlock()

	if cfg.Output != old.Output {
		c.checkTargets(&cfg)
	}
	c.log.Info("reconfigured",
		"kp", cfg.Gains.Kp, "ki", cfg.Gains.Ki, "kd", cfg.Gains.Kd,
		"direction", cfg.Direction, "cycle_time", cfg.CycleTime)
	c.notify(snap)
	return nil
}

func (c *Controller) tick(ctx context.Context) {
	_ = c.RunCycle(ctx)
}

// RunCycle performs one control cycle. The scheduler calls it on every
// tick; it is exported for one-shot use and simulation.
//
// An unusable input skips the cycle and returns the input error. A rejected
// write is logged and returned, but the cycle's PID state is kept.
func (c *Controller) RunCycle(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	cfg := c.cfg.Load()
	c.mu.RLock()
	enabled := c.enabled
	setpoint := c.setpoint
	prev := c.engine
	prevAt := c.prevAt
	c.mu.RUnlock()
	if !enabled {
		return ErrDisabled
	}

	measurement, err := c.measure(ctx, cfg)
	if err != nil {
		c.log.Warn("skipping cycle", "err", err)
		c.mu.Lock()
		c.skipped++
		c.lastOutcome = OutcomeSkipped
		c.lastErr = err.Error()
		snap := c.snapshotLocked(cfg)
		c.mu.Unlock()
		c.notify(snap)
		return err
	}

	now := c.now()
	var dt time.Duration
	if prev.HavePrev && !prevAt.IsZero() {
		dt = now.Sub(prevAt)
		if dt < 0 {
			dt = 0
		}
	}

	b := c.activeBounds(ctx, cfg)
	clampedSP := b.Clamp(setpoint)

	res := pid.Step(prev, cfg.Gains, cfg.Direction, clampedSP, measurement, dt)
	out := b.Clamp(res.Output)
	next := res.Next
	if out != res.Output {
		// Anti-windup: drop this cycle's integration if it pushed further
		// into the limit that is already saturated.
		push := res.IntegralPush(cfg.Gains, cfg.Direction)
		if (res.Output > b.Max && push > 0) || (res.Output < b.Min && push < 0) {
			next.Integral = prev.Integral
		}
	}

	werr := c.sink.WriteValue(ctx, cfg.Output, out)

	c.mu.Lock()
	c.engine = next
	c.prevAt = now
	c.bounds = b
	c.last = res
	c.measurement = measurement
	c.cycles++
	c.lastCycleAt = now
	if clampedSP != setpoint && c.setpoint == setpoint {
		c.setpoint = clampedSP
	}
	if werr != nil {
		c.writeErrors++
		c.lastOutcome = OutcomeWriteFailed
		c.lastErr = werr.Error()
	} else {
		c.output = out
		c.haveOutput = true
		c.lastOutcome = OutcomeWritten
		c.lastErr = ""
	}
	snap := c.snapshotLocked(cfg)
	c.mu.Unlock()

	if werr != nil {
		c.log.Error("write output failed", "output", cfg.Output, "value", out, "err", werr)
	} else {
		c.log.Debug("cycle",
			"measurement", measurement, "setpoint", clampedSP, "output", out,
			"p", res.Proportional, "i", res.Integral, "d", res.Derivative, "dt", dt)
	}
	c.notify(snap)
	if werr != nil {
		return fmt.Errorf("write %s: %w", cfg.Output, werr)
	}
	return nil
}

func (c *Controller) measure(ctx context.Context, cfg *Config) (float64, error) {
	v1, err := c.readInput(ctx, cfg.Input1)
	if err != nil {
		return 0, err
	}
	if cfg.Input2 == "" {
		return v1, nil
	}
	v2, err := c.readInput(ctx, cfg.Input2)
	if err != nil {
		return 0, err
	}
	return v1 - v2, nil
}

func (c *Controller) readInput(ctx context.Context, ref string) (float64, error) {
	v, err := c.src.ReadValue(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", ref, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("read %s: %w (%v)", ref, ErrNotNumeric, v)
	}
	return v, nil
}

// activeBounds prefers the actuator's reported bounds over the static ones.
func (c *Controller) activeBounds(ctx context.Context, cfg *Config) Bounds {
	if b, ok := c.sink.Bounds(ctx, cfg.Output); ok && validBounds(b) {
		if b.Step <= 0 {
			b.Step = cfg.Step
		}
		return b
	}
	return Bounds{Min: cfg.Minimum, Max: cfg.Maximum, Step: cfg.Step}
}

func validBounds(b Bounds) bool {
	for _, v := range []float64{b.Min, b.Max, b.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.Min <= b.Max
}

func (c *Controller) checkTargets(cfg *Config) {
	if l, ok := c.sink.(Lookup); ok && !l.Has(cfg.Output) {
		c.log.Error("output target not found", "output", cfg.Output)
	}
	if l, ok := c.src.(Lookup); ok {
		for _, ref := range []string{cfg.Input1, cfg.Input2} {
			if ref != "" && !l.Has(ref) {
				c.log.Warn("input not found", "input", ref)
			}
		}
	}
}

func (c *Controller) notify(s Snapshot) {
	for _, fn := range c.observers {
		fn(s)
	}
}

func (c *Controller) snapshotLocked(cfg *Config) Snapshot {
	s := Snapshot{
		ID:           cfg.ID,
		Name:         cfg.Name,
		Setpoint:     c.setpoint,
		Enabled:      c.enabled,
		Input1:       cfg.Input1,
		Input2:       cfg.Input2,
		Output:       cfg.Output,
		Gains:        cfg.Gains,
		Direction:    cfg.Direction.String(),
		CycleTime:    cfg.CycleTime.String(),
		Min:          c.bounds.Min,
		Max:          c.bounds.Max,
		Step:         c.bounds.Step,
		OutputValue:  c.output,
		HaveOutput:   c.haveOutput,
		Measurement:  c.measurement,
		Error:        c.last.Error,
		Integral:     c.engine.Integral,
		Proportional: c.last.Proportional,
		IntegralTerm: c.last.Integral,
		Derivative:   c.last.Derivative,
		Cycles:       c.cycles,
		Skipped:      c.skipped,
		WriteErrors:  c.writeErrors,
		LastOutcome:  c.lastOutcome,
		LastError:    c.lastErr,
	}
	if !c.lastCycleAt.IsZero() {
		s.LastCycleAt = c.lastCycleAt.UTC().Format(time.RFC3339Nano)
	}
	return s
}
