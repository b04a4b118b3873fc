package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"pidctl/internal/config"
	"pidctl/internal/controller"
	"pidctl/internal/entity"
	"pidctl/internal/hardware"
	"pidctl/internal/metrics"
	"pidctl/internal/notify"
	"pidctl/internal/registry"
	"pidctl/internal/web"
)

// liveRuntime owns everything `pidctl serve` starts.
type liveRuntime struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
	level      *slog.LevelVar

	// reloadMu serializes SIGHUP and API reloads.
	reloadMu sync.Mutex

	status   *web.Status
	store    *entity.Store
	registry *registry.Registry

	fileSrc   *entity.FileSource
	thermal   *hardware.Thermal
	actuator  *hardware.Actuator
	metrics   *metrics.Metrics
	publisher *notify.Publisher
}

// Openers for outward-facing resources; tests swap them.
var (
	openActuatorFn = hardware.OpenActuator
	newPublisherFn = notify.NewPublisher
)

func newRuntime(ctx context.Context, cfg config.Config, configPath string, logger *slog.Logger, level *slog.LevelVar) (*liveRuntime, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if level == nil {
		level = new(slog.LevelVar)
	}
	if lvl, err := c.Log.SlogLevel(); err == nil {
		level.Set(lvl)
	}
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	r := &liveRuntime{
		configPath: configPath,
		cfg:        c,
		log:        logger,
		level:      level,
		status:     web.NewStatus(configPath),
		store:      entity.NewStore(),
	}
	r.seedEntities(c.Entities)

	// Optional: PWM/GPIO actuator exposed as an entity.
	if p := c.Actuators.PWM; p.Enable {
		act, err := openActuatorFn(hardware.ActuatorConfig{
			Backend:     p.Backend,
			Pin:         p.Pin,
			FrequencyHz: p.Frequency,
			DutyMin:     p.DutyMin,
			SafeDuty:    p.SafeDuty,
		})
		if err != nil {
			// Keep running; controllers targeting the entity will report it missing.
			logger.Error("actuator init failed", "entity", p.Entity, "backend", p.Backend, "err", err)
		} else {
			r.actuator = act
			r.store.Attach(p.Entity, act, act.Attributes())
		}
	}

	var opts []controller.Option
	if c.Metrics.Enable {
		r.metrics = metrics.New()
		opts = append(opts, controller.WithObserver(r.metrics.Observe))
	}
	if c.Notify.UDPDest != "" {
		pub, err := newPublisherFn(c.Notify.UDPDest, logger)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("notify: %w", err)
		}
		r.publisher = pub
		opts = append(opts, controller.WithObserver(pub.Observe))
	}

	if err := r.startSources(ctx); err != nil {
		r.Close()
		return nil, err
	}

	r.registry = registry.New(ctx, r.store, r.store, logger, opts...)
	entries, err := c.Entries()
	if err != nil {
		r.Close()
		return nil, err
	}
	for _, e := range entries {
		if err := r.registry.Add(e); err != nil {
			r.Close()
			return nil, err
		}
	}
	logger.Info("runtime started", "config", configPath, "controllers", len(entries), "entities", len(r.store.IDs()))
	return r, nil
}

func (r *liveRuntime) startSources(ctx context.Context) error {
	if js := r.cfg.Sources.JSONFile; js.Path != "" {
		fs, err := entity.NewFileSource(entity.FileSourceConfig{Path: js.Path, Interval: js.Interval}, r.store)
		if err != nil {
			return err
		}
		if err := fs.Start(ctx); err != nil {
			return err
		}
		r.fileSrc = fs
	}
	if t := r.cfg.Sources.Thermal; t.Enable {
		th, err := hardware.NewThermal(hardware.ThermalConfig{Entity: t.Entity, Path: t.Path, Interval: t.Interval}, r.store, r.log)
		if err != nil {
			return err
		}
		th.Start(ctx)
		r.thermal = th
	}
	return nil
}

// seedEntities creates configured entities that do not exist yet. Existing
// states are left alone so a reload never rewinds a live sensor.
func (r *liveRuntime) seedEntities(list []config.EntityConfig) {
	for _, e := range list {
		if r.store.Has(e.ID) {
			continue
		}
		r.store.Set(e.ID, e.State, e.Attributes)
	}
}

// Reload re-reads the configuration file and applies the controller and
// entity sections. Listener, source and actuator changes need a restart.
func (r *liveRuntime) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	next, err := config.Load(r.configPath)
	if err != nil {
		r.log.Error("reload failed", "config", r.configPath, "err", err)
		return err
	}
	entries, err := next.Entries()
	if err != nil {
		return err
	}

	if next.HTTP != r.cfg.HTTP || next.Sources != r.cfg.Sources || next.Actuators != r.cfg.Actuators ||
		next.Metrics != r.cfg.Metrics || next.Notify != r.cfg.Notify {
		r.log.Warn("reload: http, sources, actuators, metrics and notify changes apply after restart")
	}
	if lvl, err := next.Log.SlogLevel(); err == nil {
		r.level.Set(lvl)
	}

	r.seedEntities(next.Entities)
	if err := r.registry.Apply(ctx, entries); err != nil {
		r.log.Error("reload applied with errors", "err", err)
		return err
	}
	r.cfg.Entities = next.Entities
	r.cfg.Controllers = next.Controllers
	r.cfg.Log = next.Log
	r.log.Info("config reloaded", "controllers", len(entries))
	return nil
}

func (r *liveRuntime) Handler(logs *web.LogBuffer) http.Handler {
	var mh http.Handler
	if r.metrics != nil {
		mh = r.metrics.Handler()
	}
	return web.Handler(web.Deps{
		Status:      r.status,
		Controllers: r.registry,
		Entities:    r.store,
		Logs:        logs,
		Metrics:     mh,
		Reload:      r.Reload,
	})
}

// Close turns every controller off before releasing the actuator, so the
// last write the hardware sees is its safe duty.
func (r *liveRuntime) Close() {
	if r == nil {
		return
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.fileSrc != nil {
		r.fileSrc.Close()
	}
	if r.thermal != nil {
		r.thermal.Close()
	}
	if r.actuator != nil {
		if err := r.actuator.Close(); err != nil {
			r.log.Warn("actuator close failed", "err", err)
		}
	}
	if r.publisher != nil {
		_ = r.publisher.Close()
	}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
