package hardware

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeDriver struct {
	mu     sync.Mutex
	freq   int
	duties []float64
	err    error
	closed bool
}

func (d *fakeDriver) SetFrequencyHz(hz int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.freq = hz
	return nil
}

func (d *fakeDriver) SetDutyPercent(p float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.duties = append(d.duties, p)
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) last() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.duties) == 0 {
		return -1
	}
	return d.duties[len(d.duties)-1]
}

func withFakeDrivers(t *testing.T) (pwm, gpio *fakeDriver) {
	t.Helper()
	pwm, gpio = &fakeDriver{}, &fakeDriver{}
	oldPWM, oldGPIO := openPWMFn, openGPIOFn
	openPWMFn = func(int) (driver, error) { return pwm, nil }
	openGPIOFn = func(int) (driver, error) { return gpio, nil }
	t.Cleanup(func() {
		openPWMFn = oldPWM
		openGPIOFn = oldGPIO
	})
	return pwm, gpio
}

func TestDutyFor(t *testing.T) {
	cases := []struct {
		v, min, want float64
	}{
		{0, 20, 0},
		{100, 20, 100},
		{50, 20, 60},
		{50, 0, 50},
		{150, 0, 100},
		{-5, 30, 0},
	}
	for _, tc := range cases {
		if got := DutyFor(tc.v, tc.min); got != tc.want {
			t.Fatalf("DutyFor(%v, %v)=%v want %v", tc.v, tc.min, got, tc.want)
		}
	}
}

func TestActuator_WriteMapsDuty(t *testing.T) {
	pwm, _ := withFakeDrivers(t)
	a, err := OpenActuator(ActuatorConfig{Backend: "PWM", DutyMin: 20, SafeDuty: 100})
	if err != nil {
		t.Fatalf("OpenActuator: %v", err)
	}
	if pwm.freq != defaultFrequencyHz {
		t.Fatalf("freq=%d want %d", pwm.freq, defaultFrequencyHz)
	}

	ctx := context.Background()
	if err := a.Write(ctx, 50); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := pwm.last(); got != 60 {
		t.Fatalf("duty=%v want 60", got)
	}
	if err := a.Write(ctx, 101); err == nil {
		t.Fatalf("expected out of range error")
	}

	snap := a.Snapshot()
	if snap.Value != 50 || snap.Duty != 60 || snap.Writes != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := pwm.last(); got != 100 {
		t.Fatalf("duty after close=%v want safe duty 100", got)
	}
	if !pwm.closed {
		t.Fatalf("driver not closed")
	}
	if err := a.Write(ctx, 10); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestActuator_DriverError(t *testing.T) {
	_, gpio := withFakeDrivers(t)
	a, err := OpenActuator(ActuatorConfig{Backend: "gpio", Pin: 18})
	if err != nil {
		t.Fatalf("OpenActuator: %v", err)
	}
	gpio.err = errors.New("line busy")
	if err := a.Write(context.Background(), 10); err == nil {
		t.Fatalf("expected driver error")
	}
	if a.Snapshot().LastError == "" {
		t.Fatalf("expected last error recorded")
	}
}

func TestOpenActuator_UnknownBackend(t *testing.T) {
	withFakeDrivers(t)
	if _, err := OpenActuator(ActuatorConfig{Backend: "can"}); err == nil {
		t.Fatalf("expected error")
	}
}
