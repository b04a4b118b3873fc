package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"pidctl/internal/controller"
)

const watchHistory = 120

// watchAPI is the slice of the HTTP client the live view needs.
type watchAPI interface {
	Controller(ctx context.Context, id string) (controller.Snapshot, error)
	TurnOn(ctx context.Context, id string) (controller.Snapshot, error)
	TurnOff(ctx context.Context, id string) (controller.Snapshot, error)
	SetValue(ctx context.Context, id, value string) (controller.Snapshot, error)
}

func newWatchCmd(c *cli) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "live view of one controller (o toggles, +/- nudge the setpoint, q quits)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := newWatchModel(c.client(), args[0], interval)
			_, err := tea.NewProgram(m, tea.WithContext(cmd.Context()), tea.WithOutput(cmd.OutOrStdout())).Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	return cmd
}

type snapMsg struct {
	snap controller.Snapshot
	err  error

	// polled marks results of the periodic fetch, which re-arms the poll.
	polled bool
}

type pollMsg time.Time

type watchModel struct {
	api      watchAPI
	id       string
	interval time.Duration

	snap    controller.Snapshot
	have    bool
	err     error
	pv      []float64
	sp      []float64
	updated time.Time
}

func newWatchModel(api watchAPI, id string, interval time.Duration) watchModel {
	if interval <= 0 {
		interval = time.Second
	}
	return watchModel{api: api, id: id, interval: interval}
}

func (m watchModel) Init() tea.Cmd {
	return m.fetch()
}

func (m watchModel) fetch() tea.Cmd {
	cmd := m.call(func(ctx context.Context) (controller.Snapshot, error) {
		return m.api.Controller(ctx, m.id)
	})
	return func() tea.Msg {
		msg := cmd().(snapMsg)
		msg.polled = true
		return msg
	}
}

func (m watchModel) call(fn func(ctx context.Context) (controller.Snapshot, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := fn(ctx)
		return snapMsg{snap: s, err: err}
	}
}

func (m watchModel) poll() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return pollMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case pollMsg:
		return m, m.fetch()
	case snapMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.have = true
			m.updated = time.Now()
			m.pv = appendBounded(m.pv, msg.snap.Measurement)
			m.sp = appendBounded(m.sp, msg.snap.Setpoint)
		}
		if msg.polled {
			return m, m.poll()
		}
		return m, nil
	}
	return m, nil
}

func (m watchModel) handleKey(k tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch k.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "o":
		if !m.have {
			return m, nil
		}
		if m.snap.Enabled {
			return m, m.call(func(ctx context.Context) (controller.Snapshot, error) { return m.api.TurnOff(ctx, m.id) })
		}
		return m, m.call(func(ctx context.Context) (controller.Snapshot, error) { return m.api.TurnOn(ctx, m.id) })
	case "+", "=", "up":
		return m, m.nudge(1)
	case "-", "down":
		return m, m.nudge(-1)
	}
	return m, nil
}

// nudge moves the setpoint by one step (or 1 when the step is 0).
func (m watchModel) nudge(dir float64) tea.Cmd {
	if !m.have {
		return nil
	}
	step := m.snap.Step
	if step <= 0 {
		step = 1
	}
	v := formatNum(m.snap.Setpoint + dir*step)
	return m.call(func(ctx context.Context) (controller.Snapshot, error) { return m.api.SetValue(ctx, m.id, v) })
}

func appendBounded(s []float64, v float64) []float64 {
	s = append(s, v)
	if len(s) > watchHistory {
		s = s[len(s)-watchHistory:]
	}
	return s
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("pidctl watch " + m.id))
	if !m.updated.IsZero() {
		b.WriteString(offStyle.Render("  " + m.updated.Format("15:04:05")))
	}
	b.WriteString("\n\n")
	if !m.have {
		if m.err != nil {
			b.WriteString(errStyle.Render(m.err.Error()))
		} else {
			b.WriteString(offStyle.Render("waiting for data..."))
		}
		b.WriteString("\n")
		return b.String()
	}

	s := m.snap
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s   %s %s\n",
		offStyle.Render("state"), stateLabel(s.Enabled),
		offStyle.Render("setpoint"), format2(s.Setpoint),
		offStyle.Render("measured"), format2(s.Measurement),
		offStyle.Render("output"), format2(s.OutputValue))
	fmt.Fprintf(&b, "%s p=%.3f i=%.3f d=%.3f   %s %d/%d/%d\n",
		offStyle.Render("terms"), s.Proportional, s.IntegralTerm, s.Derivative,
		offStyle.Render("cycles/skipped/errors"), s.Cycles, s.Skipped, s.WriteErrors)
	if s.LastError != "" {
		b.WriteString(errStyle.Render("last error: "+s.LastError) + "\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render(m.err.Error()) + "\n")
	}

	if len(m.pv) > 1 {
		b.WriteString("\n")
		b.WriteString(asciigraph.PlotMany([][]float64{m.sp, m.pv},
			asciigraph.Height(10),
			asciigraph.Width(72),
			asciigraph.Caption("setpoint / measurement"),
		))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(offStyle.Render("o on/off   +/- setpoint   q quit"))
	b.WriteString("\n")
	return b.String()
}
