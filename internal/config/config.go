// Package config holds every calibration value and timing constant of the
// shift service. Nothing in the control core hard-codes these.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"transfercase-service/internal/calibration"
	"transfercase-service/internal/hardware"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration marshals as a Go duration string ("250ms", "2s")
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return fmt.Errorf("duration must be a string or seconds: %s", b)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// ADCConfig describes the converter shared by both sensors
type ADCConfig struct {
	MaxCounts      uint16  `json:"max_counts"`
	ReferenceVolts float64 `json:"reference_volts"`
}

// Volts converts raw counts
func (a ADCConfig) Volts(counts float64) float64 {
	return counts / float64(a.MaxCounts) * a.ReferenceVolts
}

// SelectorConfig calibrates the driver's selector switch. The switch is the
// low side of a divider: supply, pull-up, node (ADC), series wiring, switch
// resistance, ground.
type SelectorConfig struct {
	Channel string `json:"channel"`
	// Windows in ohms, indexed FourHigh, AWD, Neutral, FourLow
	Windows [4]calibration.Window `json:"windows"`
	// Below ShortedHigh the switch is shorted, above OpenLow it is open
	ShortedHigh      float64  `json:"shorted_high"`
	OpenLow          float64  `json:"open_low"`
	PullupOhms       float64  `json:"pullup_ohms"`
	SeriesOhms       float64  `json:"series_ohms"`
	SupplyVolts      float64  `json:"supply_volts"`
	SampleCount      int      `json:"sample_count"`
	DebounceInterval Duration `json:"debounce_interval"`
	NeutralPressTime Duration `json:"neutral_press_time"`
}

// Table builds the resistance calibration
func (s SelectorConfig) Table() (calibration.Table, error) {
	return calibration.NewTable(s.Windows, 0, s.ShortedHigh, s.OpenLow)
}

// SpeedBand caps the normalized motor speed while the distance to the
// target is above MinDistance.
type SpeedBand struct {
	MinDistance float64 `json:"min_distance"`
	MaxSpeed    float64 `json:"max_speed"`
}

// MotorConfig calibrates the actuator and its shift policy
type MotorConfig struct {
	Channel      string `json:"channel"`
	PWMPin       string `json:"pwm_pin"`
	DirectionPin string `json:"direction_pin"`
	BrakePin     string `json:"brake_pin"`

	// Sensor centers in volts, indexed FourHigh, AWD, Neutral, FourLow
	Centers           [4]float64 `json:"centers"`
	PositionTolerance float64    `json:"position_tolerance"`
	DriftTolerance    float64    `json:"drift_tolerance"`
	LowLimit          float64    `json:"low_limit"`
	HighLimit         float64    `json:"high_limit"`
	SampleCount       int        `json:"sample_count"`

	MaxShiftTime           Duration `json:"max_shift_time"`
	RetryTime              Duration `json:"retry_time"`
	MaxSingleShiftAttempts int      `json:"max_single_shift_attempts"`
	MaxReturnShiftAttempts int      `json:"max_return_shift_attempts"`

	// Acceleration is the speed increase per second (1.0 = full scale)
	Acceleration float64     `json:"acceleration"`
	MinDuty      uint8       `json:"min_duty"`
	MaxDuty      uint8       `json:"max_duty"`
	CreepSpeed   float64     `json:"creep_speed"`
	SpeedBands   []SpeedBand `json:"speed_bands"`

	BrakeReleaseTime   Duration `json:"brake_release_time"`
	BrakeEngageTime    Duration `json:"brake_engage_time"`
	ReversalSettleTime Duration `json:"reversal_settle_time"`
	StepInterval       Duration `json:"step_interval"`
}

// Table builds the mode sensor calibration
func (m MotorConfig) Table() (calibration.Table, error) {
	var windows [4]calibration.Window
	for i, c := range m.Centers {
		windows[i] = calibration.WindowAround(c, m.PositionTolerance)
	}
	return calibration.NewTable(windows, m.DriftTolerance, m.LowLimit, m.HighLimit)
}

// LimiterConfig is the thermal shift policy from the service manual:
// MaxShifts within Window forces a cooldown during which only
// CooldownMaxShifts per CooldownWindow are allowed.
type LimiterConfig struct {
	Window            Duration `json:"window"`
	MaxShifts         int      `json:"max_shifts"`
	CooldownDuration  Duration `json:"cooldown_duration"`
	CooldownWindow    Duration `json:"cooldown_window"`
	CooldownMaxShifts int      `json:"cooldown_max_shifts"`
}

type Config struct {
	ADC          ADCConfig      `json:"adc"`
	Selector     SelectorConfig `json:"selector"`
	Motor        MotorConfig    `json:"motor"`
	Limiter      LimiterConfig  `json:"limiter"`
	TickInterval Duration       `json:"tick_interval"`
	// Digital outputs mirroring the actuator position, indexed like Centers
	IndicatorPins [4]string `json:"indicator_pins"`
}

// Default returns the NV244 calibration measured on the vehicle
func Default() Config {
	return Config{
		ADC: ADCConfig{
			MaxCounts:      4095,
			ReferenceVolts: 5.0,
		},
		Selector: SelectorConfig{
			Channel: hardware.ChannelSelector,
			Windows: [4]calibration.Window{
				{Low: 2259, High: 2503}, // 4HI (lock)
				{Low: 1050, High: 1287}, // AWD
				{Low: 20, High: 450},    // N, widened, 392 ohm seen in the field
				{Low: 4820, High: 5334}, // 4LO
			},
			ShortedHigh:      0,
			OpenLow:          19000,
			PullupOhms:       4700,
			SeriesOhms:       100,
			SupplyVolts:      5.0,
			SampleCount:      10,
			DebounceInterval: Duration(250 * time.Millisecond),
			NeutralPressTime: Duration(3 * time.Second),
		},
		Motor: MotorConfig{
			Channel:      hardware.ChannelModeSensor,
			PWMPin:       hardware.PinMotorPWM,
			DirectionPin: hardware.PinMotorDirection,
			BrakePin:     hardware.PinShiftBrake,

			Centers:           [4]float64{4.24, 3.35, 2.43, 1.53},
			PositionTolerance: 0.05,
			DriftTolerance:    0.2,
			LowLimit:          0.50,
			HighLimit:         4.51,
			SampleCount:       10,

			MaxShiftTime:           Duration(2 * time.Second),
			RetryTime:              Duration(2 * time.Second),
			MaxSingleShiftAttempts: 2,
			MaxReturnShiftAttempts: 3,

			Acceleration: 2.0,
			MinDuty:      50,
			MaxDuty:      180,
			CreepSpeed:   0.05,
			SpeedBands: []SpeedBand{
				{MinDistance: 0.5, MaxSpeed: 1.0},
				{MinDistance: 0.4, MaxSpeed: 0.5},
				{MinDistance: 0.3, MaxSpeed: 0.3},
				{MinDistance: 0.1, MaxSpeed: 0.1},
			},

			BrakeReleaseTime:   Duration(1 * time.Second),
			BrakeEngageTime:    Duration(1 * time.Second),
			ReversalSettleTime: Duration(250 * time.Millisecond),
			StepInterval:       Duration(10 * time.Millisecond),
		},
		Limiter: LimiterConfig{
			Window:            Duration(30 * time.Second),
			MaxShifts:         25,
			CooldownDuration:  Duration(5 * time.Minute),
			CooldownWindow:    Duration(15 * time.Second),
			CooldownMaxShifts: 3,
		},
		TickInterval: Duration(20 * time.Millisecond),
		IndicatorPins: [4]string{
			hardware.PinIndicator4Hi,
			hardware.PinIndicatorAWD,
			hardware.PinIndicatorN,
			hardware.PinIndicator4Lo,
		},
	}
}

// Load reads a JSON file on top of the defaults. Fields missing from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate range-checks every field and builds both calibration tables
func (c Config) Validate() error {
	if c.ADC.MaxCounts == 0 || c.ADC.ReferenceVolts <= 0 {
		return invalid("adc max counts %d reference %v", c.ADC.MaxCounts, c.ADC.ReferenceVolts)
	}

	s := c.Selector
	if s.SampleCount < 10 || s.SampleCount > 1000 {
		return invalid("selector sample count %d (need 10..1000)", s.SampleCount)
	}
	if s.PullupOhms <= 0 || s.SeriesOhms < 0 || s.SupplyVolts <= 0 {
		return invalid("selector divider pullup=%v series=%v supply=%v", s.PullupOhms, s.SeriesOhms, s.SupplyVolts)
	}
	if s.DebounceInterval <= 0 {
		return invalid("selector debounce interval %v", s.DebounceInterval.D())
	}
	if s.NeutralPressTime.D() <= s.DebounceInterval.D() {
		return invalid("neutral press time %v must exceed debounce %v", s.NeutralPressTime.D(), s.DebounceInterval.D())
	}
	if _, err := s.Table(); err != nil {
		return fmt.Errorf("%w: selector: %v", ErrInvalid, err)
	}

	m := c.Motor
	if m.SampleCount < 1 || m.SampleCount > 1000 {
		return invalid("motor sample count %d", m.SampleCount)
	}
	if m.PositionTolerance <= 0 {
		return invalid("position tolerance %v", m.PositionTolerance)
	}
	if m.MaxShiftTime <= 0 || m.RetryTime < 0 {
		return invalid("shift time %v retry %v", m.MaxShiftTime.D(), m.RetryTime.D())
	}
	if m.MaxSingleShiftAttempts < 1 || m.MaxReturnShiftAttempts < 1 {
		return invalid("attempts single=%d return=%d", m.MaxSingleShiftAttempts, m.MaxReturnShiftAttempts)
	}
	if m.Acceleration <= 0 {
		return invalid("acceleration %v", m.Acceleration)
	}
	if m.MinDuty == 0 || m.MinDuty > m.MaxDuty {
		return invalid("duty range %d..%d", m.MinDuty, m.MaxDuty)
	}
	if m.CreepSpeed <= 0 || m.CreepSpeed > 1 {
		return invalid("creep speed %v", m.CreepSpeed)
	}
	prevDist, prevSpeed := 2.0, 2.0
	for i, b := range m.SpeedBands {
		if b.MaxSpeed <= 0 || b.MaxSpeed > 1 {
			return invalid("speed band %d max speed %v", i, b.MaxSpeed)
		}
		if b.MinDistance >= prevDist || b.MaxSpeed > prevSpeed {
			return invalid("speed bands must be ordered by falling distance and speed (band %d)", i)
		}
		if b.MaxSpeed < m.CreepSpeed {
			return invalid("speed band %d slower than creep speed", i)
		}
		prevDist, prevSpeed = b.MinDistance, b.MaxSpeed
	}
	if m.BrakeReleaseTime < 0 || m.BrakeEngageTime < 0 || m.ReversalSettleTime < 0 {
		return invalid("negative brake or settle time")
	}
	if m.StepInterval <= 0 || m.StepInterval.D() >= m.MaxShiftTime.D() {
		return invalid("step interval %v", m.StepInterval.D())
	}
	if _, err := m.Table(); err != nil {
		return fmt.Errorf("%w: motor: %v", ErrInvalid, err)
	}

	l := c.Limiter
	if l.Window <= 0 || l.MaxShifts < 1 || l.CooldownWindow <= 0 || l.CooldownMaxShifts < 1 || l.CooldownDuration < 0 {
		return invalid("limiter %+v", l)
	}
	if c.TickInterval <= 0 {
		return invalid("tick interval %v", c.TickInterval.D())
	}
	return nil
}
