//go:build linux

package hardware

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// sysfsPWM drives one channel of a /sys/class/pwm chip.
//
// On a Raspberry Pi the channel only appears once a pwm overlay such as
// dtoverlay=pwm-2chan is enabled.
type sysfsPWM struct {
	chipPath string
	pwmPath  string
	channel  int

	periodNS uint64
	enabled  bool
}

var pwmSysfsBase = "/sys/class/pwm"

func openPWM(channel int) (driver, error) {
	if channel < 0 {
		return nil, fmt.Errorf("hardware: invalid pwm channel %d", channel)
	}
	chipPath, err := findPWMChip(channel)
	if err != nil {
		return nil, err
	}

	d := &sysfsPWM{
		chipPath: chipPath,
		channel:  channel,
		pwmPath:  filepath.Join(chipPath, fmt.Sprintf("pwm%d", channel)),
	}
	if err := d.ensureExported(); err != nil {
		return nil, err
	}
	_ = d.writeBool("enable", false)
	return d, nil
}

// findPWMChip returns the first pwmchip that has more than channel lines.
// pwmchip0 is tried first; pwmchipN entries are usually symlinks.
func findPWMChip(channel int) (string, error) {
	base := pwmSysfsBase
	entries, err := os.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("hardware: read %s: %w", base, err)
	}

	var candidates []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "pwmchip") {
			candidates = append(candidates, e.Name())
		}
	}
	slices.SortFunc(candidates, func(a, b string) int {
		na, _ := strconv.Atoi(strings.TrimPrefix(a, "pwmchip"))
		nb, _ := strconv.Atoi(strings.TrimPrefix(b, "pwmchip"))
		return na - nb
	})

	for _, name := range candidates {
		chip := filepath.Join(base, name)
		n, err := readInt(filepath.Join(chip, "npwm"))
		if err != nil || n <= channel {
			continue
		}
		return chip, nil
	}
	return "", fmt.Errorf("hardware: no pwmchip with channel %d under %s (is the pwm overlay enabled?)", channel, base)
}

func (d *sysfsPWM) ensureExported() error {
	if _, err := os.Stat(d.pwmPath); err == nil {
		return nil
	}
	if err := writeSysfs(filepath.Join(d.chipPath, "export"), strconv.Itoa(d.channel)); err != nil {
		// Someone else may have exported it in the meantime.
		if _, statErr := os.Stat(d.pwmPath); statErr == nil {
			return nil
		}
		return fmt.Errorf("hardware: export pwm: %w", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pwmPath); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(d.pwmPath); err != nil {
		return fmt.Errorf("hardware: pwm path not created after export: %w", err)
	}
	return nil
}

func (d *sysfsPWM) Close() error {
	err := d.writeBool("enable", false)
	d.enabled = false
	return err
}

func (d *sysfsPWM) SetFrequencyHz(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("hardware: invalid frequency %d", hz)
	}
	periodNS := uint64(1_000_000_000 / hz)
	if periodNS == 0 {
		periodNS = 1
	}

	// Most chips refuse a period change while enabled.
	_ = d.writeBool("enable", false)
	d.enabled = false

	if err := d.writeUint("period", periodNS); err != nil {
		return err
	}
	d.periodNS = periodNS
	if err := d.writeBool("enable", true); err != nil {
		return err
	}
	d.enabled = true
	return nil
}

func (d *sysfsPWM) SetDutyPercent(p float64) error {
	p = clamp(p, 0, 100)
	if d.periodNS == 0 {
		d.periodNS = 1_000_000_000 / defaultFrequencyHz
	}

	duty := uint64(math.Round(float64(d.periodNS) * (p / 100.0)))
	if duty > d.periodNS {
		duty = d.periodNS
	}
	if err := d.writeUint("duty_cycle", duty); err != nil {
		return err
	}
	if !d.enabled {
		_ = d.writeBool("enable", true)
		d.enabled = true
	}
	return nil
}

func (d *sysfsPWM) writeUint(name string, v uint64) error {
	return writeSysfs(filepath.Join(d.pwmPath, name), strconv.FormatUint(v, 10))
}

func (d *sysfsPWM) writeBool(name string, v bool) error {
	val := "0"
	if v {
		val = "1"
	}
	return writeSysfs(filepath.Join(d.pwmPath, name), val)
}

// writeSysfs opens without O_TRUNC/O_CREATE, which some attributes reject.
// Right after an export udev may still be fixing permissions, so EACCES and
// ENOENT are retried for a short while.
func writeSysfs(path, value string) error {
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := writeOnce(path, value)
		if err == nil {
			return nil
		}
		if time.Now().Before(deadline) && isRetryableSysfsErr(err) {
			time.Sleep(25 * time.Millisecond)
			continue
		}
		return err
	}
}

func writeOnce(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(value)
	return errors.Join(werr, f.Close())
}

func isRetryableSysfsErr(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBUSY)
}

func readInt(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, fmt.Errorf("%s: empty", path)
	}
	return strconv.Atoi(s)
}
