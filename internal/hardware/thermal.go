package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultThermalPath = "/sys/class/thermal/thermal_zone0/temp"

// Setter is the part of the entity store the thermal source writes to.
type Setter interface {
	Set(id, value string, attrs map[string]any)
}

type ThermalConfig struct {
	Entity   string
	Path     string
	Interval time.Duration
}

// Thermal publishes a thermal zone temperature in degrees C to an entity.
type Thermal struct {
	cfg ThermalConfig
	out Setter
	log *slog.Logger

	mu      sync.Mutex
	lastErr string

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewThermal(cfg ThermalConfig, out Setter, logger *slog.Logger) (*Thermal, error) {
	if cfg.Entity == "" {
		return nil, fmt.Errorf("hardware: thermal entity is required")
	}
	if out == nil {
		return nil, fmt.Errorf("hardware: thermal output is nil")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultThermalPath
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Thermal{
		cfg:    cfg,
		out:    out,
		log:    logger.With("source", "thermal", "entity", cfg.Entity),
		stopCh: make(chan struct{}),
	}, nil
}

func (t *Thermal) Start(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		tk := time.NewTicker(t.cfg.Interval)
		defer tk.Stop()

		t.poll()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-tk.C:
				t.poll()
			}
		}
	}()
}

func (t *Thermal) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *Thermal) poll() {
	attrs := map[string]any{"unit_of_measurement": "°C", "device_class": "temperature"}
	c, err := readTempCFromPath(t.cfg.Path)

	t.mu.Lock()
	prev := t.lastErr
	if err != nil {
		t.lastErr = err.Error()
	} else {
		t.lastErr = ""
	}
	t.mu.Unlock()

	if err != nil {
		// Only log transitions; a missing zone would otherwise log forever.
		if prev != err.Error() {
			t.log.Warn("thermal read failed", "path", t.cfg.Path, "err", err)
		}
		t.out.Set(t.cfg.Entity, "unavailable", attrs)
		return
	}
	if prev != "" {
		t.log.Info("thermal read recovered", "path", t.cfg.Path)
	}
	t.out.Set(t.cfg.Entity, strconv.FormatFloat(c, 'f', 3, 64), attrs)
}

// parseTempC accepts milli-degrees (52345) or whole degrees (52).
func parseTempC(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("thermal: empty reading")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("thermal: parse %q: %w", s, err)
	}
	if n > 1000 || n < -1000 {
		return float64(n) / 1000.0, nil
	}
	return float64(n), nil
}

func readTempCFromPath(path string) (float64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("thermal: %w", err)
	}
	return parseTempC(string(b))
}
