// Package registry owns the set of running controllers and routes the
// turn_on, turn_off and set_value commands to them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"pidctl/internal/controller"
)

var (
	ErrUnknownController   = errors.New("registry: unknown controller")
	ErrDuplicateController = errors.New("registry: duplicate controller")
)

// Entry is one configured controller plus whether it starts enabled.
type Entry struct {
	Config  controller.Config
	Enabled bool
}

type Registry struct {
	// ctx bounds every control loop; commands carry their own contexts.
	ctx    context.Context
	cancel context.CancelFunc

	src  controller.SampleSource
	sink controller.ActuatorSink
	log  *slog.Logger
	opts []controller.Option

	mu    sync.RWMutex
	ctrls map[string]*controller.Controller
}

func New(ctx context.Context, src controller.SampleSource, sink controller.ActuatorSink, logger *slog.Logger, opts ...controller.Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(ctx)
	return &Registry{
		ctx:    runCtx,
		cancel: cancel,
		src:    src,
		sink:   sink,
		log:    logger,
		opts:   append([]controller.Option{controller.WithLogger(logger)}, opts...),
		ctrls:  make(map[string]*controller.Controller),
	}
}

// Add creates a controller and turns it on when e.Enabled is set.
func (r *Registry) Add(e Entry) error {
	c, err := controller.New(e.Config, r.src, r.sink, r.opts...)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, dup := r.ctrls[e.Config.ID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateController, e.Config.ID)
	}
	r.ctrls[e.Config.ID] = c
	r.mu.Unlock()

	if e.Enabled {
		return c.TurnOn(r.ctx)
	}
	return nil
}

// Remove turns the controller off and forgets it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	c, ok := r.ctrls[id]
	delete(r.ctrls, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownController, id)
	}
	c.TurnOff()
	return nil
}

func (r *Registry) Get(id string) (*controller.Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.ctrls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownController, id)
	}
	return c, nil
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.ctrls))
	for id := range r.ctrls {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshots returns one snapshot per controller, ordered by id.
func (r *Registry) Snapshots() []controller.Snapshot {
	ids := r.IDs()
	out := make([]controller.Snapshot, 0, len(ids))
	for _, id := range ids {
		if c, err := r.Get(id); err == nil {
			out = append(out, c.Snapshot())
		}
	}
	return out
}

func (r *Registry) TurnOn(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	return c.TurnOn(r.ctx)
}

func (r *Registry) TurnOff(id string) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.TurnOff()
	return nil
}

func (r *Registry) SetValue(ctx context.Context, id string, v float64) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	return c.SetValue(ctx, v)
}

// Apply reconciles the registry with a new configuration. Every entry is
// validated before anything changes. Existing controllers are reconfigured
// in place and keep their on/off state; new ones are added; missing ones are
// turned off and removed.
func (r *Registry) Apply(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := e.Config.Validate(); err != nil {
			return err
		}
		if seen[e.Config.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateController, e.Config.ID)
		}
		seen[e.Config.ID] = true
	}

	var errs []error
	for _, id := range r.IDs() {
		if !seen[id] {
			if err := r.Remove(id); err == nil {
				r.log.Info("controller removed", "controller", id)
			}
		}
	}
	for _, e := range entries {
		c, err := r.Get(e.Config.ID)
		if err == nil {
			if err := c.ReplaceConfig(r.ctx, e.Config); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := r.Add(e); err != nil {
			errs = append(errs, err)
			continue
		}
		r.log.Info("controller added", "controller", e.Config.ID, "enabled", e.Enabled)
	}
	return errors.Join(errs...)
}

// Close turns every controller off. The registry is unusable afterwards.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		if c, err := r.Get(id); err == nil {
			c.TurnOff()
		}
	}
	r.cancel()
}
