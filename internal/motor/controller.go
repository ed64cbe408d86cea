// Package motor drives the shift actuator: a brushed DC motor behind an
// H-bridge, a position sensor on an analog input and a shift brake that
// holds the actuator when it is not driving.
//
// A shift is a state machine advanced by Step. AttemptShift runs it to
// completion against the injected clock; a host that needs to interleave
// other work can call Begin and Step itself.
package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/atomic"

	"transfercase-service/internal/calibration"
	"transfercase-service/internal/config"
	"transfercase-service/internal/display"
	"transfercase-service/internal/hardware"
	"transfercase-service/internal/logger"
	"transfercase-service/internal/types"
)

var (
	ErrInvalidTarget = errors.New("shift target is not a named position")
	ErrLockedOut     = errors.New("shift controller locked out")
	ErrBusy          = errors.New("shift already in progress")
)

// PositionStore persists the last valid position across power cycles
type PositionStore interface {
	Load() (types.Position, error)
	Store(p types.Position) error
}

type Result int

const (
	ResultSuccess Result = iota
	// Target not reached, actuator returned to the last valid position
	ResultFailedRecovered
	// Neither target nor last valid position reached; controller locked out
	ResultFailedUnrecoverable
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailedRecovered:
		return "failed-recovered"
	case ResultFailedUnrecoverable:
		return "failed-unrecoverable"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

type ShiftOutcome struct {
	Result Result
	// Set for ResultFailedRecovered
	RecoveredTo types.Position
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBrakeReleasing
	PhaseDriving
	PhaseBrakeEngaging
	PhaseRetryWait
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseBrakeReleasing:
		return "brake-releasing"
	case PhaseDriving:
		return "driving"
	case PhaseBrakeEngaging:
		return "brake-engaging"
	case PhaseRetryWait:
		return "retry-wait"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type direction int

const (
	dirNone direction = iota
	// Toward higher sensor voltage
	dirForward
	dirReverse
)

type ShiftController struct {
	hal     hardware.HAL
	clock   hardware.Clock
	store   PositionStore
	display display.Display
	logger  *logger.Logger
	cfg     config.MotorConfig
	adc     config.ADCConfig
	table   calibration.Table

	lastValid *atomic.Int32
	locked    *atomic.Bool
	phase     *atomic.Int32

	// Current shift
	phaseStart   time.Duration
	original     types.Position
	target       types.Position
	recovering   bool
	arrived      bool
	attempts     int
	maxAttempts  int
	attemptStart time.Duration
	lastStep     time.Duration
	speed        float64
	dir          direction
	settleUntil  time.Duration
	sensorFault  bool
	outcome      ShiftOutcome

	reading float64
}

// New builds the controller and loads the last valid position. An
// unreadable store falls back to AllWheelDrive.
func New(hal hardware.HAL, clock hardware.Clock, store PositionStore, d display.Display, cfg config.Config, l *logger.Logger) (*ShiftController, error) {
	table, err := cfg.Motor.Table()
	if err != nil {
		return nil, fmt.Errorf("motor calibration: %w", err)
	}

	c := &ShiftController{
		hal:       hal,
		clock:     clock,
		store:     store,
		display:   d,
		logger:    l,
		cfg:       cfg.Motor,
		adc:       cfg.ADC,
		table:     table,
		lastValid: atomic.NewInt32(int32(types.PositionAllWheelDrive)),
		locked:    atomic.NewBool(false),
		phase:     atomic.NewInt32(int32(PhaseIdle)),
		reading:   math.NaN(),
	}

	pos, err := store.Load()
	if err != nil {
		l.Warnf("Failed to load last position, assuming %s: %v", pos, err)
	}
	c.lastValid.Store(int32(pos))
	l.Infof("Last valid position %s", pos)

	// Motor off, brake on
	c.stopMotor()
	c.setBrake(false)
	return c, nil
}

func (c *ShiftController) LastValid() types.Position {
	return types.Position(c.lastValid.Load())
}

func (c *ShiftController) LockedOut() bool {
	return c.locked.Load()
}

func (c *ShiftController) Phase() Phase {
	return Phase(c.phase.Load())
}

// Reset clears a lockout. The last valid position stays invalid until a
// shift confirms a position.
func (c *ShiftController) Reset() {
	if c.locked.CompareAndSwap(true, false) {
		c.logger.Infof("Lockout cleared, last valid position %s", c.LastValid())
	}
}

func (c *ShiftController) setLastValid(p types.Position) {
	if types.Position(c.lastValid.Swap(int32(p))) == p {
		return
	}
	if err := c.store.Store(p); err != nil {
		c.logger.Errorf("Failed to persist position %s: %v", p, err)
	}
}

// readVolts averages SampleCount conversions of the mode sensor
func (c *ShiftController) readVolts() (float64, error) {
	var sum float64
	for i := 0; i < c.cfg.SampleCount; i++ {
		counts, err := c.hal.ReadAnalog(c.cfg.Channel)
		if err != nil {
			return math.NaN(), fmt.Errorf("failed to read mode sensor: %w", err)
		}
		sum += float64(counts)
	}
	return c.adc.Volts(sum / float64(c.cfg.SampleCount)), nil
}

// sense reads and classifies the sensor and reports both to the display
func (c *ShiftController) sense() (float64, types.Position) {
	v, err := c.readVolts()
	if err != nil {
		c.logger.Warnf("%v", err)
	}
	c.reading = v
	pos := c.table.Classify(v)
	c.display.SetMotorVoltage(v)
	c.display.SetMotorPosition(pos, c.LastValid())
	return v, pos
}

// GetPosition classifies a fresh reading. It never changes the last valid
// position.
func (c *ShiftController) GetPosition() types.Position {
	_, pos := c.sense()
	return pos
}

func (c *ShiftController) setPhase(p Phase, now time.Duration) {
	old := c.Phase()
	c.phase.Store(int32(p))
	c.phaseStart = now
	c.logger.Debugf("Phase %s -> %s", old, p)
}

func (c *ShiftController) stopMotor() {
	c.speed = 0
	if err := c.hal.SetPWM(c.cfg.PWMPin, 0); err != nil {
		c.logger.Errorf("Failed to stop motor: %v", err)
	}
}

func (c *ShiftController) setBrake(released bool) {
	if err := c.hal.SetDigital(c.cfg.BrakePin, released); err != nil {
		c.logger.Errorf("Failed to set shift brake released=%v: %v", released, err)
	}
}

func (c *ShiftController) setDirection(d direction) {
	if err := c.hal.SetDigital(c.cfg.DirectionPin, d == dirForward); err != nil {
		c.logger.Errorf("Failed to set motor direction: %v", err)
	}
	c.dir = d
}

// Begin starts a shift to desired. maxAttempts below one uses the
// configured single shift budget.
func (c *ShiftController) Begin(desired types.Position, maxAttempts int, now time.Duration) error {
	if !desired.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidTarget, desired)
	}
	if c.LockedOut() {
		return ErrLockedOut
	}
	if c.Phase() != PhaseIdle {
		return ErrBusy
	}
	if maxAttempts < 1 {
		maxAttempts = c.cfg.MaxSingleShiftAttempts
	}

	c.original = desired
	c.target = desired
	c.recovering = false
	c.attempts = 0
	c.maxAttempts = maxAttempts
	c.outcome = ShiftOutcome{}
	c.dir = dirNone

	c.logger.Infof("Shifting %s -> %s (%d attempts)", c.LastValid(), desired, maxAttempts)
	c.display.SetMainMessage("SHIFTING " + desired.Label())
	c.releaseBrake(now)
	return nil
}

func (c *ShiftController) releaseBrake(now time.Duration) {
	c.stopMotor()
	c.setBrake(true)
	c.setPhase(PhaseBrakeReleasing, now)
}

func (c *ShiftController) engageBrake(now time.Duration, arrived bool) {
	c.stopMotor()
	c.setBrake(false)
	c.arrived = arrived
	c.setPhase(PhaseBrakeEngaging, now)
}

func (c *ShiftController) startAttempt(now time.Duration) {
	c.attemptStart = now
	c.lastStep = now
	c.speed = 0
	c.dir = dirNone
	c.settleUntil = 0
	c.sensorFault = false
	c.setPhase(PhaseDriving, now)
}

// Step advances the shift to now. It returns the outcome and true once the
// shift is over; the brake is engaged and the motor stopped by then.
func (c *ShiftController) Step(now time.Duration) (ShiftOutcome, bool) {
	switch c.Phase() {
	case PhaseIdle:
		return c.outcome, true

	case PhaseBrakeReleasing:
		if now-c.phaseStart >= c.cfg.BrakeReleaseTime.D() {
			c.startAttempt(now)
		}

	case PhaseDriving:
		c.drive(now)

	case PhaseBrakeEngaging:
		if now-c.phaseStart < c.cfg.BrakeEngageTime.D() {
			break
		}
		if c.arrived {
			_, pos := c.sense()
			if pos == c.target {
				return c.finishLeg(now)
			}
			c.logger.Warnf("Actuator settled at %s (%.3f V), expected %s", pos, c.reading, c.target)
			c.attempts++
		}
		if c.attempts < c.maxAttempts {
			c.setPhase(PhaseRetryWait, now)
			break
		}
		return c.exhausted(now)

	case PhaseRetryWait:
		if now-c.phaseStart >= c.cfg.RetryTime.D() {
			c.releaseBrake(now)
		}
	}
	return ShiftOutcome{}, false
}

func (c *ShiftController) drive(now time.Duration) {
	v, pos := c.sense()
	dt := now - c.lastStep
	c.lastStep = now

	offset, _ := c.table.Offset(v, c.target)
	if math.Abs(offset) <= c.cfg.PositionTolerance {
		c.logger.Debugf("Reached %s at %.3f V after %v", c.target, v, now-c.attemptStart)
		c.engageBrake(now, true)
		return
	}
	if now-c.attemptStart >= c.cfg.MaxShiftTime.D() {
		c.attempts++
		c.logger.Warnf("Shift to %s timed out at %.3f V (attempt %d/%d)", c.target, v, c.attempts, c.maxAttempts)
		c.engageBrake(now, false)
		return
	}

	// Without a plausible reading there is nothing to steer by
	if math.IsNaN(v) || pos == types.PositionInvalidOutOfRange {
		if !c.sensorFault {
			c.logger.Errorf("Mode sensor fault (%.3f V), holding motor", v)
			c.sensorFault = true
		}
		c.stopMotor()
		return
	}
	c.sensorFault = false

	if now < c.settleUntil {
		return
	}

	want := dirReverse
	if offset > 0 {
		want = dirForward
	}
	if want != c.dir {
		if c.dir != dirNone {
			c.logger.Debugf("Reversing at %.3f V", v)
			c.stopMotor()
			c.dir = dirNone
			c.settleUntil = now + c.cfg.ReversalSettleTime.D()
			return
		}
		c.setDirection(want)
	}

	ceiling := maxSpeed(offset, c.cfg.SpeedBands, c.cfg.CreepSpeed)
	c.speed = ramp(c.speed, ceiling, c.cfg.Acceleration, dt)
	if err := c.hal.SetPWM(c.cfg.PWMPin, dutyFor(c.speed, c.cfg.MinDuty, c.cfg.MaxDuty)); err != nil {
		c.logger.Errorf("Failed to set motor duty: %v", err)
	}
}

func (c *ShiftController) finishLeg(now time.Duration) (ShiftOutcome, bool) {
	c.setPhase(PhaseIdle, now)
	c.setLastValid(c.target)
	c.display.SetMotorPosition(c.target, c.target)

	if c.recovering {
		c.logger.Warnf("Shift to %s failed, recovered to %s", c.original, c.target)
		c.display.SetMainMessage("SHIFT FAILED " + c.target.Label())
		c.outcome = ShiftOutcome{Result: ResultFailedRecovered, RecoveredTo: c.target}
	} else {
		c.logger.Infof("Shifted to %s", c.target)
		c.display.SetMainMessage(c.target.Label())
		c.outcome = ShiftOutcome{Result: ResultSuccess}
	}
	return c.outcome, true
}

// exhausted runs when a leg used up its attempts. It starts the single
// recovery leg toward the last valid position or gives up.
func (c *ShiftController) exhausted(now time.Duration) (ShiftOutcome, bool) {
	last := c.LastValid()
	_, pos := c.sense()
	invalid := pos
	if invalid.Valid() {
		invalid = types.PositionInvalidInRange
	}

	if !c.recovering && last.Valid() && last != c.target {
		c.logger.Warnf("Shift to %s failed after %d attempts, returning to %s", c.target, c.attempts, last)
		c.setLastValid(invalid)
		c.display.SetMainMessage("RETURNING " + last.Label())
		c.recovering = true
		c.target = last
		c.attempts = 0
		c.maxAttempts = c.cfg.MaxReturnShiftAttempts
		c.setPhase(PhaseRetryWait, now)
		return ShiftOutcome{}, false
	}

	if last.Valid() {
		c.setLastValid(invalid)
	}
	c.locked.Store(true)
	c.setPhase(PhaseIdle, now)
	c.logger.Errorf("Shift to %s failed, actuator at %s (%.3f V), locked out", c.original, pos, c.reading)
	c.display.SetMainMessage("SHIFT FAULT")
	c.display.SetMotorPosition(pos, c.LastValid())
	c.outcome = ShiftOutcome{Result: ResultFailedUnrecoverable}
	return c.outcome, true
}

// Abort stops a running shift immediately: motor off, brake engaged.
func (c *ShiftController) Abort() {
	if c.Phase() == PhaseIdle {
		return
	}
	c.stopMotor()
	c.setBrake(false)
	c.setPhase(PhaseIdle, c.clock.Now())
	c.logger.Warnf("Shift to %s aborted", c.target)
}

// AttemptShift runs a shift to desired to completion, stepping every
// StepInterval. Cancelling ctx aborts the shift with the brake engaged.
func (c *ShiftController) AttemptShift(ctx context.Context, desired types.Position, maxAttempts int) (ShiftOutcome, error) {
	if err := c.Begin(desired, maxAttempts, c.clock.Now()); err != nil {
		return ShiftOutcome{}, err
	}
	for {
		select {
		case <-ctx.Done():
			c.Abort()
			return ShiftOutcome{}, ctx.Err()
		default:
		}
		if outcome, done := c.Step(c.clock.Now()); done {
			return outcome, nil
		}
		c.clock.Sleep(c.cfg.StepInterval.D())
	}
}
