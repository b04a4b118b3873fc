package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"pidctl/internal/controller"
	"pidctl/internal/web"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	onStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	offStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Width(14)
)

func (c *cli) client() *web.Client {
	return web.NewClient(c.addr)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, 15*time.Second)
}

func newStatusCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status [id]",
		Short: "show controllers, or one controller in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			if len(args) == 1 {
				s, err := c.client().Controller(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = io.WriteString(c.out, renderDetail(s)+"\n")
				return err
			}
			list, err := c.client().Controllers(ctx)
			if err != nil {
				return err
			}
			_, err = io.WriteString(c.out, renderTable(list)+"\n")
			return err
		},
	}
}

func newOnCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "on <id>",
		Short: "turn a controller on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			s, err := c.client().TurnOn(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.out, "%s %s\n", s.ID, stateLabel(s.Enabled))
			return err
		},
	}
}

func newOffCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "off <id>",
		Short: "turn a controller off",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			s, err := c.client().TurnOff(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.out, "%s %s\n", s.ID, stateLabel(s.Enabled))
			return err
		},
	}
}

func newSetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "set <id> <value>",
		Short: "change a controller's setpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			s, err := c.client().SetValue(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.out, "%s setpoint=%s\n", s.ID, formatNum(s.Setpoint))
			return err
		},
	}
}

func newEntityCmd(c *cli) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "entity <id> [state]",
		Short: "show an entity, or set its state",
		Long: "With a state argument the entity is updated like a sensor report. " +
			"With --write the value goes through the actuator path instead, " +
			"honouring the entity's bounds and any attached device.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			cl := c.client()
			var (
				e   web.EntityResponse
				err error
			)
			switch {
			case len(args) == 1:
				e, err = cl.Entity(ctx, args[0])
			case write:
				v, perr := strconv.ParseFloat(args[1], 64)
				if perr != nil {
					return fmt.Errorf("value %q is not a number", args[1])
				}
				e, err = cl.SetEntity(ctx, args[0], web.EntityRequest{Value: &v})
			default:
				raw, _ := json.Marshal(args[1])
				e, err = cl.SetEntity(ctx, args[0], web.EntityRequest{State: raw})
			}
			if err != nil {
				return err
			}
			_, err = io.WriteString(c.out, renderEntity(e)+"\n")
			return err
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "write the value through the actuator path")
	return cmd
}

func stateLabel(enabled bool) string {
	if enabled {
		return onStyle.Render("on")
	}
	return offStyle.Render("off")
}

func formatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func format2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// renderTable lays out one row per controller.
func renderTable(list []controller.Snapshot) string {
	if len(list) == 0 {
		return offStyle.Render("no controllers configured")
	}
	headers := []string{"ID", "STATE", "SETPOINT", "MEASURED", "OUTPUT", "RANGE", "CYCLES", "LAST"}
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		last := string(s.LastOutcome)
		if s.LastError != "" {
			last = errStyle.Render(last)
		}
		out := "-"
		if s.HaveOutput {
			out = format2(s.OutputValue)
		}
		rows = append(rows, []string{
			s.ID,
			stateLabel(s.Enabled),
			format2(s.Setpoint),
			format2(s.Measurement),
			out,
			formatNum(s.Min) + ".." + formatNum(s.Max),
			strconv.FormatUint(s.Cycles, 10),
			last,
		})
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	for i, h := range headers {
		b.WriteString(headerStyle.Width(widths[i] + 2).Render(h))
	}
	for _, r := range rows {
		b.WriteString("\n")
		for i, cell := range r {
			b.WriteString(lipgloss.NewStyle().Width(widths[i] + 2).Render(cell))
		}
	}
	return b.String()
}

func renderDetail(s controller.Snapshot) string {
	lines := [][2]string{
		{"id", s.ID},
		{"name", s.Name},
		{"state", stateLabel(s.Enabled)},
		{"setpoint", formatNum(s.Setpoint)},
		{"input", s.Input1},
	}
	if s.Input2 != "" {
		lines = append(lines, [2]string{"input2", s.Input2})
	}
	lines = append(lines,
		[2]string{"output", s.Output},
		[2]string{"gains", fmt.Sprintf("kp=%g ki=%g kd=%g %s", s.Gains.Kp, s.Gains.Ki, s.Gains.Kd, s.Direction)},
		[2]string{"range", fmt.Sprintf("%g..%g step %g", s.Min, s.Max, s.Step)},
		[2]string{"cycle", s.CycleTime},
		[2]string{"measurement", format2(s.Measurement)},
		[2]string{"error", format2(s.Error)},
		[2]string{"terms", fmt.Sprintf("p=%.3f i=%.3f d=%.3f", s.Proportional, s.IntegralTerm, s.Derivative)},
		[2]string{"counters", fmt.Sprintf("cycles=%d skipped=%d write_errors=%d", s.Cycles, s.Skipped, s.WriteErrors)},
	)
	if s.HaveOutput {
		lines = append(lines, [2]string{"output value", format2(s.OutputValue)})
	}
	if s.LastCycleAt != "" {
		lines = append(lines, [2]string{"last cycle", s.LastCycleAt + " " + string(s.LastOutcome)})
	}
	if s.LastError != "" {
		lines = append(lines, [2]string{"last error", errStyle.Render(s.LastError)})
	}

	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(labelStyle.Render(l[0]))
		b.WriteString(l[1])
	}
	return b.String()
}

func renderEntity(e web.EntityResponse) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(e.ID))
	b.WriteString(" " + e.Value)
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s%v", labelStyle.Render("  "+k), e.Attributes[k])
	}
	return b.String()
}
