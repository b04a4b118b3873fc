//go:build linux

package hardware

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fakePWMChip(t *testing.T, base, name string, npwm string) string {
	t.Helper()
	chip := filepath.Join(base, name)
	if err := os.MkdirAll(chip, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(chip, "npwm"), []byte(npwm), 0o644); err != nil {
		t.Fatalf("WriteFile npwm: %v", err)
	}
	return chip
}

func useSysfsBase(t *testing.T, base string) {
	t.Helper()
	old := pwmSysfsBase
	pwmSysfsBase = base
	t.Cleanup(func() { pwmSysfsBase = old })
}

func TestFindPWMChip_AcceptsSymlinkedChip(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "pwm")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	realChip := fakePWMChip(t, dir, "realchip0", "2\n")
	link := filepath.Join(base, "pwmchip0")
	if err := os.Symlink(realChip, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	useSysfsBase(t, base)

	chip, err := findPWMChip(0)
	if err != nil {
		t.Fatalf("findPWMChip: %v", err)
	}
	if chip != link {
		t.Fatalf("chip=%q want %q", chip, link)
	}
}

func TestFindPWMChip_NeedsEnoughChannels(t *testing.T) {
	base := t.TempDir()
	fakePWMChip(t, base, "pwmchip0", "1")
	fakePWMChip(t, base, "pwmchip10", "4")
	want := fakePWMChip(t, base, "pwmchip2", "4")
	useSysfsBase(t, base)

	chip, err := findPWMChip(2)
	if err != nil {
		t.Fatalf("findPWMChip: %v", err)
	}
	if chip != want {
		t.Fatalf("chip=%q want %q", chip, want)
	}

	if _, err := findPWMChip(8); err == nil {
		t.Fatalf("expected error for channel 8")
	}
}

func TestSysfsPWM_WritesPeriodAndDuty(t *testing.T) {
	base := t.TempDir()
	chip := fakePWMChip(t, base, "pwmchip0", "2")
	pwm0 := filepath.Join(chip, "pwm0")
	if err := os.MkdirAll(pwm0, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	for _, name := range []string{"period", "duty_cycle", "enable"} {
		if err := os.WriteFile(filepath.Join(pwm0, name), nil, 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
	}
	useSysfsBase(t, base)

	drv, err := openPWM(0)
	if err != nil {
		t.Fatalf("openPWM: %v", err)
	}
	if err := drv.SetFrequencyHz(1000); err != nil {
		t.Fatalf("SetFrequencyHz: %v", err)
	}
	if err := drv.SetDutyPercent(25); err != nil {
		t.Fatalf("SetDutyPercent: %v", err)
	}

	read := func(name string) string {
		b, err := os.ReadFile(filepath.Join(pwm0, name))
		if err != nil {
			t.Fatalf("ReadFile %s: %v", name, err)
		}
		return strings.TrimSpace(string(b))
	}
	if got := read("period"); got != "1000000" {
		t.Fatalf("period=%q want 1000000", got)
	}
	if got := read("duty_cycle"); got != "250000" {
		t.Fatalf("duty_cycle=%q want 250000", got)
	}
	if got := read("enable"); got != "1" {
		t.Fatalf("enable=%q want 1", got)
	}

	if err := drv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := read("enable"); got != "0" {
		t.Fatalf("enable after close=%q want 0", got)
	}
}
