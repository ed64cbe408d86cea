package selector

import (
	"math"
	"testing"
	"time"

	"transfercase-service/internal/config"
	"transfercase-service/internal/logger"
	"transfercase-service/internal/sim"
	"transfercase-service/internal/types"
)

const tick = 10 * time.Millisecond

// Mock display
type mockDisplay struct {
	message   string
	messages  []string
	eggs      int
	switchPos types.Position
	ohms      float64
}

func (m *mockDisplay) SetMainMessage(text string) {
	m.message = text
	m.messages = append(m.messages, text)
}
func (m *mockDisplay) SetSwitchPosition(p types.Position)              { m.switchPos = p }
func (m *mockDisplay) SetSwitchResistance(ohms float64)                { m.ohms = ohms }
func (m *mockDisplay) SetMotorPosition(types.Position, types.Position) {}
func (m *mockDisplay) SetMotorVoltage(float64)                         {}
func (m *mockDisplay) ShowEasterEgg()                                  { m.eggs++ }
func (m *mockDisplay) MainMessage() string                             { return m.message }

type testRig struct {
	sel     *SelectorSwitch
	rig     *sim.Rig
	clock   *sim.Clock
	display *mockDisplay
	toggles []bool
	cfg     config.Config
}

func ohmsFor(cfg config.Config, p types.Position) float64 {
	return cfg.Selector.Windows[p].Center()
}

func newTestRig(t *testing.T, start types.Position) *testRig {
	t.Helper()
	cfg := config.Default()
	clock := sim.NewClock()
	tr := &testRig{
		clock:   clock,
		display: &mockDisplay{},
		cfg:     cfg,
	}
	tr.rig = sim.NewRig(clock, cfg, cfg.Motor.Centers[types.PositionAllWheelDrive], ohmsFor(cfg, start))

	sel, err := New(tr.rig, tr.display, cfg, Callbacks{
		OverrideChanged: func(latched bool) { tr.toggles = append(tr.toggles, latched) },
	}, logger.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	tr.sel = sel
	return tr
}

// run ticks the selector for d of simulated time
func (tr *testRig) run(d time.Duration) types.Position {
	end := tr.clock.Now() + d
	sel := tr.sel.GetSelection()
	for tr.clock.Now() < end {
		tr.clock.Advance(tick)
		sel = tr.sel.Tick(tr.clock.Now())
	}
	return sel
}

func (tr *testRig) move(p types.Position) {
	tr.rig.SetSelectorOhms(ohmsFor(tr.cfg, p))
}

func TestSampleClassifiesEveryCenter(t *testing.T) {
	tr := newTestRig(t, types.PositionFourHigh)
	for _, p := range types.NamedPositions {
		tr.move(p)
		got, err := tr.sel.Sample()
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		if got != p {
			t.Errorf("sample at %v ohm = %v, want %v", ohmsFor(tr.cfg, p), got, p)
		}
		if tr.display.switchPos != p {
			t.Errorf("display shows %v, want %v", tr.display.switchPos, p)
		}
		if math.Abs(tr.sel.Resistance()-ohmsFor(tr.cfg, p)) > 20 {
			t.Errorf("resistance = %v, want about %v", tr.sel.Resistance(), ohmsFor(tr.cfg, p))
		}
	}
}

func TestSampleFaults(t *testing.T) {
	tr := newTestRig(t, types.PositionFourHigh)

	tr.rig.SetSelectorOhms(math.Inf(1))
	if got, _ := tr.sel.Sample(); got != types.PositionInvalidOutOfRange {
		t.Errorf("open switch = %v", got)
	}
	if !math.IsInf(tr.display.ohms, 1) {
		t.Errorf("open switch resistance = %v", tr.display.ohms)
	}

	// Short to ground at the ADC node, ahead of the series resistor
	tr.rig.SetSelectorOhms(-tr.cfg.Selector.SeriesOhms)
	if got, _ := tr.sel.Sample(); got != types.PositionInvalidOutOfRange {
		t.Errorf("shorted switch = %v", got)
	}

	tr.rig.SetSelectorOhms(700)
	if got, _ := tr.sel.Sample(); got != types.PositionInvalidInRange {
		t.Errorf("between windows = %v", got)
	}
}

func TestSampleAveragesNoise(t *testing.T) {
	tr := newTestRig(t, types.PositionFourLow)
	// Each single conversion lands outside the 4LO window
	tr.rig.SetNoise([]float64{80, -80})
	for i := 0; i < 5; i++ {
		if got, _ := tr.sel.Sample(); got != types.PositionFourLow {
			t.Fatalf("noisy sample %d = %v", i, got)
		}
	}
}

func TestNoSelectionBeforeDebounce(t *testing.T) {
	tr := newTestRig(t, types.PositionFourLow)
	if got := tr.run(200 * time.Millisecond); got != types.PositionInvalidInRange {
		t.Errorf("selection before debounce = %v", got)
	}
	if got := tr.run(100 * time.Millisecond); got != types.PositionFourLow {
		t.Errorf("selection after debounce = %v", got)
	}
}

func TestDebounceHoldsAndFlickerIgnored(t *testing.T) {
	tr := newTestRig(t, types.PositionFourLow)
	tr.run(time.Second)

	tr.move(types.PositionAllWheelDrive)
	for i := 0; i < 10; i++ {
		if got := tr.run(tick); got != types.PositionFourLow {
			t.Fatalf("selection changed after %v: %v", time.Duration(i+1)*tick, got)
		}
	}
	tr.move(types.PositionFourLow)
	if got := tr.run(time.Second); got != types.PositionFourLow {
		t.Errorf("selection after flicker = %v", got)
	}

	tr.move(types.PositionAllWheelDrive)
	if got := tr.run(240 * time.Millisecond); got != types.PositionFourLow {
		t.Errorf("selection before debounce interval = %v", got)
	}
	if got := tr.run(20 * time.Millisecond); got != types.PositionAllWheelDrive {
		t.Errorf("selection after debounce interval = %v", got)
	}
}

func TestInvalidSamplesNeverDebounced(t *testing.T) {
	tr := newTestRig(t, types.PositionFourHigh)
	tr.run(time.Second)

	tr.rig.SetSelectorOhms(700)
	if got := tr.run(2 * time.Second); got != types.PositionFourHigh {
		t.Errorf("selection during mid-travel = %v", got)
	}
	tr.rig.SetSelectorOhms(math.Inf(1))
	if got := tr.run(2 * time.Second); got != types.PositionFourHigh {
		t.Errorf("selection with open switch = %v", got)
	}
}

func TestNeutralLongPressTogglesOnce(t *testing.T) {
	tr := newTestRig(t, types.PositionFourLow)
	tr.run(time.Second)

	tr.move(types.PositionNeutral)
	tr.run(tr.cfg.Selector.NeutralPressTime.D() + 50*time.Millisecond)
	if len(tr.toggles) != 1 || !tr.toggles[0] {
		t.Fatalf("toggles = %v, want [true]", tr.toggles)
	}
	if !tr.sel.OverrideLatched() || tr.sel.GetSelection() != types.PositionNeutral {
		t.Errorf("override=%v selection=%v", tr.sel.OverrideLatched(), tr.sel.GetSelection())
	}

	// Keep holding: still exactly one toggle
	tr.run(5 * time.Second)
	if len(tr.toggles) != 1 {
		t.Errorf("toggles after long hold = %v", tr.toggles)
	}
	if tr.display.eggs != 0 {
		t.Errorf("easter egg shown on a completed press")
	}
}

func TestNeutralShortPressShowsEasterEgg(t *testing.T) {
	tr := newTestRig(t, types.PositionFourLow)
	tr.run(time.Second)
	tr.display.SetMainMessage("4LOW")

	tr.move(types.PositionNeutral)
	tr.run(tr.cfg.Selector.NeutralPressTime.D() - 100*time.Millisecond)
	if tr.display.message != messageHold {
		t.Errorf("message during hold = %q", tr.display.message)
	}
	tr.move(types.PositionFourLow)
	tr.run(tick)

	if len(tr.toggles) != 0 || tr.sel.OverrideLatched() {
		t.Errorf("short press toggled override: %v", tr.toggles)
	}
	if tr.display.eggs != 1 {
		t.Errorf("eggs = %d, want 1", tr.display.eggs)
	}
	if tr.display.message != "4LOW" {
		t.Errorf("message not restored: %q", tr.display.message)
	}
	if got := tr.run(time.Second); got != types.PositionFourLow {
		t.Errorf("selection = %v", got)
	}
}

func TestNeutralBriefTouchKeepsSelection(t *testing.T) {
	tr := newTestRig(t, types.PositionAllWheelDrive)
	tr.run(time.Second)

	// Shorter than the debounce: no gesture, no egg
	tr.move(types.PositionNeutral)
	tr.run(100 * time.Millisecond)
	tr.move(types.PositionAllWheelDrive)
	if got := tr.run(time.Second); got != types.PositionAllWheelDrive {
		t.Errorf("selection = %v", got)
	}
	if tr.display.eggs != 0 {
		t.Errorf("eggs = %d", tr.display.eggs)
	}
}

func TestOverrideLatchSurvivesSwitchMovement(t *testing.T) {
	tr := newTestRig(t, types.PositionFourLow)
	tr.run(time.Second)

	tr.move(types.PositionNeutral)
	tr.run(3500 * time.Millisecond)
	tr.move(types.PositionFourHigh)
	if got := tr.run(2 * time.Second); got != types.PositionNeutral {
		t.Errorf("selection with latch = %v", got)
	}
	if tr.sel.Debounced() != types.PositionFourHigh {
		t.Errorf("debounced = %v", tr.sel.Debounced())
	}

	// Second long press releases the latch
	tr.move(types.PositionNeutral)
	tr.run(3500 * time.Millisecond)
	if tr.sel.OverrideLatched() {
		t.Fatal("override still latched")
	}
	if len(tr.toggles) != 2 || tr.toggles[1] {
		t.Errorf("toggles = %v, want [true false]", tr.toggles)
	}
	tr.move(types.PositionFourHigh)
	if got := tr.run(time.Second); got != types.PositionFourHigh {
		t.Errorf("selection after release = %v", got)
	}
}
