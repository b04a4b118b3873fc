package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"pidctl/internal/controller"
	"pidctl/internal/pid"
	"pidctl/internal/sim"
)

type simFlags struct {
	kp, ki, kd float64
	reverse    bool
	setpoint   float64
	min, max   float64
	cycle      time.Duration
	duration   time.Duration

	gain    float64
	tau     time.Duration
	ambient float64
	initial float64

	changes []string
	jsonOut bool
	height  int
	width   int
}

func newSimCmd() *cobra.Command {
	f := &simFlags{}
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "close a controller around a first-order plant and plot the response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			res, err := sim.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if f.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			return writeSimReport(out, res, f.height, f.width)
		},
	}
	fl := cmd.Flags()
	fl.Float64Var(&f.kp, "kp", 1, "proportional gain")
	fl.Float64Var(&f.ki, "ki", 0.1, "integral gain")
	fl.Float64Var(&f.kd, "kd", 0, "derivative gain")
	fl.BoolVar(&f.reverse, "reverse", false, "reverse acting (output lowers the measurement)")
	fl.Float64Var(&f.setpoint, "setpoint", 50, "initial setpoint")
	fl.Float64Var(&f.min, "min", 0, "output minimum")
	fl.Float64Var(&f.max, "max", 100, "output maximum")
	fl.DurationVar(&f.cycle, "cycle", time.Second, "controller cycle time")
	fl.DurationVar(&f.duration, "time", 5*time.Minute, "simulated duration")
	fl.Float64Var(&f.gain, "plant-gain", 1, "plant steady-state gain")
	fl.DurationVar(&f.tau, "plant-tau", 30*time.Second, "plant time constant")
	fl.Float64Var(&f.ambient, "ambient", 0, "plant value with zero output")
	fl.Float64Var(&f.initial, "initial", 0, "initial plant value")
	fl.StringArrayVar(&f.changes, "change", nil, "setpoint change as <at>=<value>, e.g. 2m=30 (repeatable)")
	fl.BoolVar(&f.jsonOut, "json", false, "print samples and stats as JSON")
	fl.IntVar(&f.height, "height", 12, "plot height")
	fl.IntVar(&f.width, "width", 80, "plot width")
	return cmd
}

func (f *simFlags) config() (sim.Config, error) {
	dir := pid.Normal
	if f.reverse {
		dir = pid.Reverse
	}
	changes := make([]sim.SetpointChange, 0, len(f.changes))
	for _, s := range f.changes {
		ch, err := parseChange(s)
		if err != nil {
			return sim.Config{}, err
		}
		changes = append(changes, ch)
	}
	return sim.Config{
		Controller: controller.Config{
			ID:        "sim",
			Gains:     pid.Gains{Kp: f.kp, Ki: f.ki, Kd: f.kd},
			Direction: dir,
			CycleTime: f.cycle,
			Minimum:   f.min,
			Maximum:   f.max,
			Setpoint:  f.setpoint,
		},
		Plant: sim.Plant{
			Gain:         f.gain,
			TimeConstant: f.tau,
			Ambient:      f.ambient,
			Value:        f.initial,
		},
		Duration: f.duration,
		Changes:  changes,
	}, nil
}

func parseChange(s string) (sim.SetpointChange, error) {
	at, val, ok := strings.Cut(s, "=")
	if !ok {
		return sim.SetpointChange{}, fmt.Errorf("change %q: want <at>=<value>", s)
	}
	d, err := time.ParseDuration(strings.TrimSpace(at))
	if err != nil {
		return sim.SetpointChange{}, fmt.Errorf("change %q: %w", s, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	if err != nil {
		return sim.SetpointChange{}, fmt.Errorf("change %q: %w", s, err)
	}
	return sim.SetpointChange{At: d, Value: v}, nil
}

func writeSimReport(w io.Writer, res sim.Result, height, width int) error {
	if len(res.Samples) == 0 {
		_, err := fmt.Fprintln(w, "no samples")
		return err
	}
	sp := make([]float64, len(res.Samples))
	pv := make([]float64, len(res.Samples))
	out := make([]float64, len(res.Samples))
	for i, s := range res.Samples {
		sp[i] = s.Setpoint
		pv[i] = s.Measurement
		out[i] = s.Output
	}

	graph := asciigraph.PlotMany([][]float64{sp, pv},
		asciigraph.Height(height),
		asciigraph.Width(width),
		asciigraph.Caption("setpoint / measurement"),
	)
	fmt.Fprintln(w, graph)
	fmt.Fprintln(w)
	fmt.Fprintln(w, asciigraph.Plot(out,
		asciigraph.Height(max(height/2, 3)),
		asciigraph.Width(width),
		asciigraph.Caption("output"),
	))
	fmt.Fprintln(w)

	st := res.Stats
	_, err := fmt.Fprintf(w, "mean error     %.4f\nstddev error   %.4f\nmax |error|    %.4f\nIAE            %.4f\nfinal value    %.4f\nfinal output   %.4f\n",
		st.MeanError, st.StdDevError, st.MaxAbsError, st.IAE, st.FinalMeasurement, st.FinalOutput)
	return err
}
