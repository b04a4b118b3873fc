//go:build linux

package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openGPIO drives a named GPIO line as a digital output through the GPIO
// character device. Any duty above zero switches the line on.
func openGPIO(pin int) (driver, error) {
	if pin <= 0 {
		return nil, fmt.Errorf("hardware: invalid gpio pin %d", pin)
	}
	lineName := fmt.Sprintf("GPIO%d", pin)

	// Pi 5 kernels expose the header on gpiochip0 or gpiochip4.
	chips := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		p := filepath.Join("/dev", e.Name())
		if strings.HasPrefix(e.Name(), "gpiochip") && p != chips[0] && p != chips[1] {
			chips = append(chips, p)
		}
	}

	for _, chipPath := range chips {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("pidctl"))
		if err != nil {
			_ = chip.Close()
			continue
		}
		return &gpiodLine{chip: chip, line: line}, nil
	}
	return nil, fmt.Errorf("hardware: gpio line %q not found (or busy)", lineName)
}

type gpiodLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpiodLine) SetFrequencyHz(int) error { return nil }

func (g *gpiodLine) SetDutyPercent(p float64) error {
	if g.line == nil {
		return fmt.Errorf("hardware: gpio line closed")
	}
	v := 0
	if p > 0 {
		v = 1
	}
	return g.line.SetValue(v)
}

func (g *gpiodLine) Close() error {
	if g.line == nil {
		return nil
	}
	_ = g.line.SetValue(0)
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
