//go:build !linux

package hardware

import "fmt"

func openPWM(channel int) (driver, error) {
	return nil, fmt.Errorf("hardware: pwm unsupported on this platform")
}
