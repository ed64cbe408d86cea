package hardware

import "time"

// HAL is the raw hardware surface consumed by the control core. It performs
// writes and unfiltered reads only; averaging and scaling happen in the core.
type HAL interface {
	// ReadAnalog returns raw ADC counts for a named channel
	ReadAnalog(channel string) (uint16, error)
	SetDigital(pin string, high bool) error
	// SetPWM sets an 8 bit duty cycle (0 = off, 255 = full on)
	SetPWM(pin string, duty uint8) error
}

// Clock is a monotonic time source with a blocking sleep
type Clock interface {
	// Now returns the time elapsed since an arbitrary fixed origin
	Now() time.Duration
	Sleep(d time.Duration)
}
