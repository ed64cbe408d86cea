package motor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"transfercase-service/internal/config"
	"transfercase-service/internal/hardware"
	"transfercase-service/internal/logger"
	"transfercase-service/internal/sim"
	"transfercase-service/internal/store"
	"transfercase-service/internal/types"
)

// Mock display
type mockDisplay struct {
	message   string
	motorPos  types.Position
	lastValid types.Position
	volts     float64
}

func (m *mockDisplay) SetMainMessage(text string)       { m.message = text }
func (m *mockDisplay) SetSwitchPosition(types.Position) {}
func (m *mockDisplay) SetSwitchResistance(float64)      {}
func (m *mockDisplay) SetMotorVoltage(volts float64)    { m.volts = volts }
func (m *mockDisplay) ShowEasterEgg()                   {}
func (m *mockDisplay) SetMotorPosition(p, last types.Position) {
	m.motorPos = p
	m.lastValid = last
}

// dutyRecorder keeps every duty written to the rig
type dutyRecorder struct {
	*sim.Rig
	duties []uint8
}

func (d *dutyRecorder) SetPWM(pin string, duty uint8) error {
	d.duties = append(d.duties, duty)
	return d.Rig.SetPWM(pin, duty)
}

type harness struct {
	t       *testing.T
	cfg     config.Config
	clock   *sim.Clock
	rig     *sim.Rig
	hal     *dutyRecorder
	cell    *store.MemoryCell
	display *mockDisplay
	c       *ShiftController
}

// newHarness places the actuator at volts with stored as the persisted
// position. A negative stored leaves the cell erased.
func newHarness(t *testing.T, volts float64, stored types.Position) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		cfg:     config.Default(),
		clock:   sim.NewClock(),
		cell:    store.NewMemoryCell(),
		display: &mockDisplay{},
	}
	h.rig = sim.NewRig(h.clock, h.cfg, volts, math.Inf(1))
	h.hal = &dutyRecorder{Rig: h.rig}
	if stored >= 0 {
		if err := h.cell.WriteByte(store.Encode(stored)); err != nil {
			t.Fatal(err)
		}
	}
	h.c = h.build(h.clock)
	return h
}

func (h *harness) build(clock hardware.Clock) *ShiftController {
	h.t.Helper()
	c, err := New(h.hal, clock, store.NewPositionStore(h.cell, logger.Nop()), h.display, h.cfg, logger.Nop())
	if err != nil {
		h.t.Fatalf("New failed: %v", err)
	}
	return c
}

func (h *harness) center(p types.Position) float64 {
	return h.cfg.Motor.Centers[p]
}

func (h *harness) storedByte() byte {
	b, _ := h.cell.ReadByte()
	return b
}

// assertSafe checks the motor is off with the brake engaged
func (h *harness) assertSafe() {
	h.t.Helper()
	if d := h.rig.Duty(h.cfg.Motor.PWMPin); d != 0 {
		h.t.Errorf("motor duty %d at return", d)
	}
	if h.rig.Digital(h.cfg.Motor.BrakePin) {
		h.t.Error("shift brake released at return")
	}
	if h.rig.BrakeViolation() {
		h.t.Error("motor driven against the brake")
	}
	if n := h.rig.Reversals(); n != 0 {
		h.t.Errorf("%d reversals under power", n)
	}
	if h.c.Phase() != PhaseIdle {
		h.t.Errorf("phase %s at return", h.c.Phase())
	}
}

func TestShiftConverges(t *testing.T) {
	h := newHarness(t, 3.35, types.PositionAllWheelDrive)
	start := h.clock.Now()

	outcome, err := h.c.AttemptShift(context.Background(), types.PositionFourLow, 2)
	if err != nil {
		t.Fatalf("AttemptShift failed: %v", err)
	}
	if outcome.Result != ResultSuccess {
		t.Fatalf("outcome = %v", outcome.Result)
	}
	limit := h.cfg.Motor.MaxShiftTime.D() * 2
	if elapsed := h.clock.Now() - start; elapsed > limit {
		t.Errorf("shift took %v, limit %v", elapsed, limit)
	}
	h.assertSafe()
	if got := h.c.LastValid(); got != types.PositionFourLow {
		t.Errorf("last valid = %v", got)
	}
	if b := h.storedByte(); b != 3 {
		t.Errorf("persisted byte = %d, want 3", b)
	}
	if v := h.rig.Volts(); math.Abs(v-h.center(types.PositionFourLow)) > h.cfg.Motor.PositionTolerance {
		t.Errorf("actuator stopped at %.3f V", v)
	}
	if h.display.message != types.PositionFourLow.Label() {
		t.Errorf("message = %q", h.display.message)
	}
}

func TestShiftReachesEveryPosition(t *testing.T) {
	h := newHarness(t, 3.35, types.PositionAllWheelDrive)
	for _, target := range []types.Position{
		types.PositionFourHigh,
		types.PositionNeutral,
		types.PositionFourLow,
		types.PositionAllWheelDrive,
	} {
		outcome, err := h.c.AttemptShift(context.Background(), target, 2)
		if err != nil || outcome.Result != ResultSuccess {
			t.Fatalf("shift to %v: outcome=%v err=%v", target, outcome.Result, err)
		}
		if h.c.LastValid() != target || h.c.GetPosition() != target {
			t.Errorf("after shift to %v: last valid %v, position %v", target, h.c.LastValid(), h.c.GetPosition())
		}
		h.assertSafe()
	}
}

func TestDutyRampsWithinAcceleration(t *testing.T) {
	h := newHarness(t, 4.24, types.PositionFourHigh)
	if _, err := h.c.AttemptShift(context.Background(), types.PositionFourLow, 2); err != nil {
		t.Fatal(err)
	}

	m := h.cfg.Motor
	perStep := m.Acceleration * m.StepInterval.D().Seconds() * float64(m.MaxDuty-m.MinDuty)
	prev := uint8(0)
	for i, d := range h.hal.duties {
		if d > m.MaxDuty {
			t.Fatalf("duty %d above max", d)
		}
		if prev == 0 && d > 0 && float64(d) > float64(m.MinDuty)+perStep+1 {
			t.Errorf("duty jumped from 0 to %d at write %d", d, i)
		}
		if prev > 0 && d > prev && float64(d-prev) > perStep+1 {
			t.Errorf("duty rose %d -> %d at write %d", prev, d, i)
		}
		prev = d
	}
}

func TestRecoveryReturnsToLastValid(t *testing.T) {
	h := newHarness(t, 3.35, types.PositionAllWheelDrive)
	// Blocked between AWD and Neutral
	h.rig.AddBarrier(2.9)

	outcome, err := h.c.AttemptShift(context.Background(), types.PositionFourLow, 2)
	if err != nil {
		t.Fatalf("AttemptShift failed: %v", err)
	}
	if outcome.Result != ResultFailedRecovered || outcome.RecoveredTo != types.PositionAllWheelDrive {
		t.Fatalf("outcome = %+v", outcome)
	}
	h.assertSafe()
	if h.c.LastValid() != types.PositionAllWheelDrive {
		t.Errorf("last valid = %v", h.c.LastValid())
	}
	if b := h.storedByte(); b != 1 {
		t.Errorf("persisted byte = %d, want 1", b)
	}
	if h.c.LockedOut() {
		t.Error("locked out after successful recovery")
	}
}

func TestDoubleFailureLocksOut(t *testing.T) {
	h := newHarness(t, 2.9, types.PositionAllWheelDrive)
	h.rig.Jam(true)

	outcome, err := h.c.AttemptShift(context.Background(), types.PositionFourLow, 2)
	if err != nil {
		t.Fatalf("AttemptShift failed: %v", err)
	}
	if outcome.Result != ResultFailedUnrecoverable {
		t.Fatalf("outcome = %+v", outcome)
	}
	h.assertSafe()
	if h.c.LastValid() != types.PositionInvalidInRange {
		t.Errorf("last valid = %v, want invalid", h.c.LastValid())
	}
	if b := h.storedByte(); b != 4 {
		t.Errorf("persisted byte = %d, want 4", b)
	}
	if !h.c.LockedOut() {
		t.Fatal("not locked out")
	}
	if h.display.lastValid != types.PositionInvalidInRange {
		t.Errorf("display last valid = %v", h.display.lastValid)
	}

	if _, err := h.c.AttemptShift(context.Background(), types.PositionAllWheelDrive, 2); !errors.Is(err, ErrLockedOut) {
		t.Errorf("shift while locked out: %v", err)
	}

	h.c.Reset()
	h.rig.Jam(false)
	outcome, err = h.c.AttemptShift(context.Background(), types.PositionAllWheelDrive, 2)
	if err != nil || outcome.Result != ResultSuccess {
		t.Fatalf("shift after reset: outcome=%v err=%v", outcome.Result, err)
	}
	if h.c.LastValid() != types.PositionAllWheelDrive || h.storedByte() != 1 {
		t.Errorf("last valid %v, byte %d", h.c.LastValid(), h.storedByte())
	}
}

func TestFailureAtLastValidTargetLocksOut(t *testing.T) {
	// Re-seating a drifted actuator has nowhere to recover to
	h := newHarness(t, 3.0, types.PositionAllWheelDrive)
	h.rig.Jam(true)

	outcome, err := h.c.AttemptShift(context.Background(), types.PositionAllWheelDrive, 1)
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Result != ResultFailedUnrecoverable || !h.c.LockedOut() {
		t.Errorf("outcome=%v locked=%v", outcome.Result, h.c.LockedOut())
	}
	if h.c.LastValid().Valid() {
		t.Errorf("last valid = %v", h.c.LastValid())
	}
	h.assertSafe()
}

func TestInvalidTargetRejected(t *testing.T) {
	h := newHarness(t, 3.35, types.PositionAllWheelDrive)
	for _, p := range []types.Position{types.PositionInvalidInRange, types.PositionInvalidOutOfRange} {
		if _, err := h.c.AttemptShift(context.Background(), p, 2); !errors.Is(err, ErrInvalidTarget) {
			t.Errorf("target %v: err = %v", p, err)
		}
	}
	if h.rig.Digital(h.cfg.Motor.BrakePin) {
		t.Error("brake released for an invalid target")
	}
}

func TestBeginWhileBusy(t *testing.T) {
	h := newHarness(t, 3.35, types.PositionAllWheelDrive)
	if err := h.c.Begin(types.PositionFourLow, 2, h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	if err := h.c.Begin(types.PositionFourHigh, 2, h.clock.Now()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Begin: %v", err)
	}
	h.c.Abort()
	h.assertSafe()
}

func TestReversalPausesMotor(t *testing.T) {
	h := newHarness(t, 3.35, types.PositionAllWheelDrive)
	m := h.cfg.Motor
	step := func() (ShiftOutcome, bool) {
		h.clock.Advance(m.StepInterval.D())
		return h.c.Step(h.clock.Now())
	}

	if err := h.c.Begin(types.PositionFourLow, 2, h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	for h.rig.Volts() > 3.0 {
		if _, done := step(); done {
			t.Fatal("shift finished early")
		}
	}
	// Overshoot past the target while driving down
	h.rig.SetVolts(1.2)
	step()
	if d := h.rig.Duty(m.PWMPin); d != 0 {
		t.Fatalf("duty %d right after reversal", d)
	}
	for elapsed := m.StepInterval.D(); elapsed < m.ReversalSettleTime.D(); elapsed += m.StepInterval.D() {
		step()
		if d := h.rig.Duty(m.PWMPin); d != 0 {
			t.Fatalf("duty %d during settle after %v", d, elapsed)
		}
	}

	var outcome ShiftOutcome
	for done := false; !done; {
		outcome, done = step()
	}
	if outcome.Result != ResultSuccess {
		t.Fatalf("outcome = %v", outcome.Result)
	}
	if !h.rig.Digital(m.DirectionPin) {
		t.Error("final approach not forward")
	}
	h.assertSafe()
}

type cancellingClock struct {
	*sim.Clock
	at     time.Duration
	cancel context.CancelFunc
}

func (c *cancellingClock) Sleep(d time.Duration) {
	c.Clock.Sleep(d)
	if c.Now() >= c.at {
		c.cancel()
	}
}

func TestCancelEngagesBrake(t *testing.T) {
	h := newHarness(t, 3.35, types.PositionAllWheelDrive)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.c = h.build(&cancellingClock{Clock: h.clock, at: 1500 * time.Millisecond, cancel: cancel})

	_, err := h.c.AttemptShift(ctx, types.PositionFourLow, 2)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	h.assertSafe()
	if h.c.LastValid() != types.PositionAllWheelDrive || h.c.LockedOut() {
		t.Errorf("last valid %v, locked %v", h.c.LastValid(), h.c.LockedOut())
	}
}

func TestGetPositionDoesNotMutateLastValid(t *testing.T) {
	h := newHarness(t, 2.9, types.PositionAllWheelDrive)

	if got := h.c.GetPosition(); got != types.PositionInvalidInRange {
		t.Errorf("position = %v", got)
	}
	if h.c.LastValid() != types.PositionAllWheelDrive {
		t.Errorf("last valid = %v", h.c.LastValid())
	}
	if h.display.motorPos != types.PositionInvalidInRange || h.display.lastValid != types.PositionAllWheelDrive {
		t.Errorf("display = %v/%v", h.display.motorPos, h.display.lastValid)
	}
	if math.Abs(h.display.volts-2.9) > 0.01 {
		t.Errorf("display volts = %v", h.display.volts)
	}

	// Inside the drift band still reads as the position
	h.rig.SetVolts(3.5)
	if got := h.c.GetPosition(); got != types.PositionAllWheelDrive {
		t.Errorf("drifted position = %v", got)
	}

	h.rig.SetVolts(0.2)
	if got := h.c.GetPosition(); got != types.PositionInvalidOutOfRange {
		t.Errorf("fault position = %v", got)
	}
	if h.c.LastValid() != types.PositionAllWheelDrive {
		t.Errorf("last valid = %v", h.c.LastValid())
	}
}

type brokenStore struct{}

func (brokenStore) Load() (types.Position, error) {
	return types.PositionAllWheelDrive, errors.New("bus error")
}
func (brokenStore) Store(types.Position) error { return errors.New("bus error") }

func TestBootLoad(t *testing.T) {
	h := newHarness(t, 3.35, -1)
	if h.c.LastValid() != types.PositionAllWheelDrive {
		t.Errorf("erased cell: last valid = %v", h.c.LastValid())
	}

	h = newHarness(t, 2.9, types.PositionInvalidInRange)
	if h.c.LastValid() != types.PositionInvalidInRange {
		t.Errorf("stored invalid: last valid = %v", h.c.LastValid())
	}

	c, err := New(h.hal, h.clock, brokenStore{}, h.display, h.cfg, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if c.LastValid() != types.PositionAllWheelDrive {
		t.Errorf("broken store: last valid = %v", c.LastValid())
	}
}

func TestSpeedBands(t *testing.T) {
	m := config.Default().Motor
	tests := []struct {
		distance float64
		want     float64
	}{
		{2.0, 1.0},
		{-0.8, 1.0},
		{0.45, 0.5},
		{0.35, 0.3},
		{0.2, 0.1},
		{0.1, m.CreepSpeed},
		{0.0, m.CreepSpeed},
	}
	for _, tt := range tests {
		if got := maxSpeed(tt.distance, m.SpeedBands, m.CreepSpeed); got != tt.want {
			t.Errorf("maxSpeed(%v) = %v, want %v", tt.distance, got, tt.want)
		}
	}
}

func TestRampAndDuty(t *testing.T) {
	if got := ramp(0, 1.0, 2.0, 100*time.Millisecond); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("ramp up = %v", got)
	}
	if got := ramp(0.9, 0.1, 2.0, 10*time.Millisecond); got != 0.1 {
		t.Errorf("falling ceiling = %v", got)
	}
	if got := ramp(0.5, 1.0, 2.0, 0); got != 0.5 {
		t.Errorf("zero dt = %v", got)
	}

	if got := dutyFor(0, 50, 180); got != 0 {
		t.Errorf("duty at rest = %d", got)
	}
	if got := dutyFor(0.01, 50, 180); got != 51 {
		t.Errorf("duty creeping = %d", got)
	}
	if got := dutyFor(1.5, 50, 180); got != 180 {
		t.Errorf("duty clamped = %d", got)
	}
}
