package hardware

const (
	// Analog channels
	ChannelSelector   = "selector"
	ChannelModeSensor = "mode_sensor"

	// Digital outputs
	PinMotorDirection = "motor_direction"
	PinShiftBrake     = "shift_brake"
	PinIndicator4Hi   = "indicator_4hi"
	PinIndicatorAWD   = "indicator_awd"
	PinIndicatorN     = "indicator_neutral"
	PinIndicator4Lo   = "indicator_4lo"

	// PWM outputs
	PinMotorPWM = "motor_pwm"

	AdcDevice    = "iio:device0"
	PwmChipPath  = "/sys/class/pwm/pwmchip0"
	PwmFrequency = 490 // Hz, what the original controller ran at
)

var DoMappings = map[string]struct {
	Chip int
	Line int
}{
	PinMotorDirection: {0, 17},
	PinShiftBrake:     {0, 27},
	PinIndicator4Hi:   {0, 5},
	PinIndicatorAWD:   {0, 6},
	PinIndicatorN:     {0, 13},
	PinIndicator4Lo:   {0, 19},
}

var AdcMappings = map[string]int{
	ChannelSelector:   0,
	ChannelModeSensor: 1,
}

var PwmMappings = map[string]int{
	PinMotorPWM: 0,
}
