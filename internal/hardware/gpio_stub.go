//go:build !linux

package hardware

import "fmt"

func openGPIO(pin int) (driver, error) {
	return nil, fmt.Errorf("hardware: gpio unsupported on this platform")
}
