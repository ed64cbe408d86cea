// Package sim models the shift actuator and selector switch so the control
// core can run without hardware: in tests against a manual clock, and on a
// bench through the -simulate flag against the real clock.
package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"transfercase-service/internal/config"
	"transfercase-service/internal/hardware"
)

// Clock is a manual clock. Sleep advances time instead of blocking.
type Clock struct {
	mu  sync.Mutex
	now time.Duration
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *Clock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// Rig is a hardware.HAL backed by a simple actuator model. The actuator
// moves at a rate proportional to PWM duty while the shift brake is
// released; the direction pin high moves the sensor voltage up.
type Rig struct {
	mu    sync.Mutex
	clock hardware.Clock
	cfg   config.Config

	// Actuator state
	volts    float64
	lastT    time.Duration
	duty     uint8
	forward  bool
	released bool
	// Volts per second at duty 255
	rate float64
	// Motion below this duty stalls (static friction)
	stallDuty uint8
	minVolts  float64
	maxVolts  float64
	jammed    bool
	barriers  []float64

	selectorOhms float64
	noise        []float64
	noiseIdx     int

	digital map[string]bool
	pwm     map[string]uint8
	// Set once the motor was powered against the brake
	brakeViolation bool
	reversals      int
}

// NewRig places the actuator at volts and the selector at ohms
func NewRig(clock hardware.Clock, cfg config.Config, volts, ohms float64) *Rig {
	return &Rig{
		clock:        clock,
		cfg:          cfg,
		volts:        volts,
		lastT:        clock.Now(),
		rate:         4.0,
		stallDuty:    20,
		minVolts:     1.0,
		maxVolts:     4.45,
		selectorOhms: ohms,
		digital:      make(map[string]bool),
		pwm:          make(map[string]uint8),
	}
}

// SetRate changes the actuator speed at full duty
func (r *Rig) SetRate(voltsPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.rate = voltsPerSecond
}

// Jam stops the actuator from moving at all
func (r *Rig) Jam(jammed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.jammed = jammed
}

// AddBarrier adds a mechanical block the actuator cannot pass in either direction
func (r *Rig) AddBarrier(volts float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.barriers = append(r.barriers, volts)
}

// SetVolts teleports the actuator, e.g. to simulate drift with the brake on
func (r *Rig) SetVolts(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	r.volts = v
}

func (r *Rig) Volts() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()
	return r.volts
}

// SetSelectorOhms moves the driver's selector
func (r *Rig) SetSelectorOhms(ohms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectorOhms = ohms
}

// SetNoise adds a repeating offset pattern (in counts) to every ADC read
func (r *Rig) SetNoise(counts []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noise = append([]float64(nil), counts...)
	r.noiseIdx = 0
}

// Digital returns the last level written to a pin
func (r *Rig) Digital(pin string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.digital[pin]
}

// Duty returns the last duty written to a PWM pin
func (r *Rig) Duty(pin string) uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pwm[pin]
}

// BrakeViolation reports whether the motor was ever driven with the brake on
func (r *Rig) BrakeViolation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.brakeViolation
}

// Reversals counts direction changes made without the motor stopped first
func (r *Rig) Reversals() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reversals
}

// advance integrates the actuator position up to the current time
func (r *Rig) advance() {
	now := r.clock.Now()
	dt := (now - r.lastT).Seconds()
	r.lastT = now
	if dt <= 0 || !r.released || r.jammed || r.duty < r.stallDuty {
		return
	}

	step := r.rate * float64(r.duty) / 255.0 * dt
	next := r.volts
	if r.forward {
		next += step
	} else {
		next -= step
	}
	for _, b := range r.barriers {
		if r.volts < b && next >= b {
			next = math.Nextafter(b, math.Inf(-1))
		}
		if r.volts > b && next <= b {
			next = math.Nextafter(b, math.Inf(1))
		}
	}
	r.volts = math.Max(r.minVolts, math.Min(r.maxVolts, next))
}

func (r *Rig) nextNoise() float64 {
	if len(r.noise) == 0 {
		return 0
	}
	n := r.noise[r.noiseIdx%len(r.noise)]
	r.noiseIdx++
	return n
}

func (r *Rig) toCounts(volts float64) uint16 {
	counts := volts/r.cfg.ADC.ReferenceVolts*float64(r.cfg.ADC.MaxCounts) + r.nextNoise()
	counts = math.Round(counts)
	if counts < 0 {
		return 0
	}
	if counts > float64(r.cfg.ADC.MaxCounts) {
		return r.cfg.ADC.MaxCounts
	}
	return uint16(counts)
}

// selectorVolts is the divider node voltage for the current switch resistance
func (r *Rig) selectorVolts() float64 {
	s := r.cfg.Selector
	if math.IsInf(r.selectorOhms, 1) {
		return s.SupplyVolts
	}
	low := s.SeriesOhms + r.selectorOhms
	if low < 0 {
		low = 0
	}
	return s.SupplyVolts * low / (s.PullupOhms + low)
}

func (r *Rig) ReadAnalog(channel string) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()

	switch channel {
	case r.cfg.Motor.Channel:
		return r.toCounts(r.volts), nil
	case r.cfg.Selector.Channel:
		return r.toCounts(r.selectorVolts()), nil
	default:
		return 0, fmt.Errorf("unknown analog channel: %s", channel)
	}
}

func (r *Rig) SetDigital(pin string, high bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()

	switch pin {
	case r.cfg.Motor.DirectionPin:
		if high != r.forward && r.duty > 0 {
			r.reversals++
		}
		r.forward = high
	case r.cfg.Motor.BrakePin:
		if !high && r.duty > 0 {
			r.brakeViolation = true
		}
		r.released = high
	}
	r.digital[pin] = high
	return nil
}

func (r *Rig) SetPWM(pin string, duty uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advance()

	if pin == r.cfg.Motor.PWMPin {
		if duty > 0 && !r.released {
			r.brakeViolation = true
		}
		r.duty = duty
	}
	r.pwm[pin] = duty
	return nil
}
