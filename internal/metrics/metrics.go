// Package metrics exports controller snapshots in OpenMetrics format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/bsm/openmetrics"
	"github.com/bsm/openmetrics/omhttp"

	"pidctl/internal/controller"
)

type counts struct {
	cycles, skipped, writeErrors uint64
}

type Metrics struct {
	reg *openmetrics.Registry

	setpoint    openmetrics.GaugeFamily
	output      openmetrics.GaugeFamily
	outputMin   openmetrics.GaugeFamily
	outputMax   openmetrics.GaugeFamily
	measurement openmetrics.GaugeFamily
	integral    openmetrics.GaugeFamily
	enabled     openmetrics.GaugeFamily

	cycles      openmetrics.CounterFamily
	skipped     openmetrics.CounterFamily
	writeErrors openmetrics.CounterFamily

	mu   sync.Mutex
	seen map[string]counts
}

func New() *Metrics {
	reg := openmetrics.NewRegistry()
	gauge := func(name, help string) openmetrics.GaugeFamily {
		return reg.Gauge(openmetrics.Desc{Name: name, Help: help, Labels: []string{"controller"}})
	}
	counter := func(name, help string) openmetrics.CounterFamily {
		return reg.Counter(openmetrics.Desc{Name: name, Help: help, Labels: []string{"controller"}})
	}
	return &Metrics{
		reg:         reg,
		setpoint:    gauge("pidctl_setpoint", "Current setpoint"),
		output:      gauge("pidctl_output", "Last value written to the actuator"),
		outputMin:   gauge("pidctl_output_min", "Active lower output bound"),
		outputMax:   gauge("pidctl_output_max", "Active upper output bound"),
		measurement: gauge("pidctl_measurement", "Last process measurement"),
		integral:    gauge("pidctl_integral", "Raw integral accumulator (error seconds)"),
		enabled:     gauge("pidctl_enabled", "1 while the controller is turned on"),
		cycles:      counter("pidctl_cycles", "Completed control cycles"),
		skipped:     counter("pidctl_skipped_cycles", "Cycles skipped for unusable input"),
		writeErrors: counter("pidctl_write_errors", "Rejected actuator writes"),
		seen:        make(map[string]counts),
	}
}

// Observe records s. It is meant to be installed as a controller observer.
func (m *Metrics) Observe(s controller.Snapshot) {
	id := s.ID
	m.setpoint.With(id).Set(s.Setpoint)
	if s.HaveOutput {
		m.output.With(id).Set(s.OutputValue)
	}
	m.outputMin.With(id).Set(s.Min)
	m.outputMax.With(id).Set(s.Max)
	m.measurement.With(id).Set(s.Measurement)
	m.integral.With(id).Set(s.Integral)
	if s.Enabled {
		m.enabled.With(id).Set(1)
	} else {
		m.enabled.With(id).Set(0)
	}

	// Snapshots carry running totals; counters only move forward.
	m.mu.Lock()
	prev := m.seen[id]
	next := counts{cycles: s.Cycles, skipped: s.Skipped, writeErrors: s.WriteErrors}
	m.seen[id] = next
	m.mu.Unlock()

	addDelta(m.cycles.With(id), prev.cycles, next.cycles)
	addDelta(m.skipped.With(id), prev.skipped, next.skipped)
	addDelta(m.writeErrors.With(id), prev.writeErrors, next.writeErrors)
}

func addDelta(c openmetrics.Counter, prev, next uint64) {
	if next > prev {
		c.Add(float64(next - prev))
	}
}

func (m *Metrics) Handler() http.Handler {
	return omhttp.NewHandler(m.reg)
}
