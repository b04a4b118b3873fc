package hardware

// driver is what an actuator device needs from a PWM or GPIO backend.
// Duty is a percentage in 0..100 and frequency is the real output frequency
// in Hz. Close leaves the line disabled.
type driver interface {
	SetFrequencyHz(hz int) error
	SetDutyPercent(p float64) error
	Close() error
}

var (
	openPWMFn  = openPWM
	openGPIOFn = openGPIO
)
