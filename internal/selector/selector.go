// Package selector reads the driver's mode selector, a resistor ladder on
// an analog input, and turns the noisy readings into a debounced selection.
//
// Holding Neutral for NeutralPressTime toggles a latched neutral override:
// while latched the selection reads Neutral regardless of the switch. The
// same gesture is the operator's way to clear a shift lockout.
package selector

import (
	"fmt"
	"math"
	"time"

	"transfercase-service/internal/calibration"
	"transfercase-service/internal/config"
	"transfercase-service/internal/display"
	"transfercase-service/internal/hardware"
	"transfercase-service/internal/logger"
	"transfercase-service/internal/types"
)

const (
	messageHold        = "HOLD FOR NEUTRAL"
	messageOverrideOn  = "NEUTRAL LOCKED"
	messageOverrideOff = "NEUTRAL RELEASED"
)

// Callbacks receive gesture results. Called from Tick on the caller's goroutine.
type Callbacks struct {
	OverrideChanged func(latched bool)
}

type gesture int

const (
	gestureIdle gesture = iota
	// Neutral is debounced, waiting for the long press to complete
	gestureHolding
	// Long press fired, waiting for the switch to leave Neutral
	gestureAwaitRelease
)

type SelectorSwitch struct {
	hal       hardware.HAL
	display   display.Display
	logger    *logger.Logger
	cfg       config.SelectorConfig
	adc       config.ADCConfig
	table     calibration.Table
	callbacks Callbacks

	started   bool
	candidate types.Position
	enteredAt time.Duration
	debounced types.Position
	override  bool
	gesture   gesture
	// Main message shown before the hold prompt replaced it
	prevMessage string
	ohms        float64
}

func New(hal hardware.HAL, d display.Display, cfg config.Config, callbacks Callbacks, l *logger.Logger) (*SelectorSwitch, error) {
	table, err := cfg.Selector.Table()
	if err != nil {
		return nil, fmt.Errorf("selector calibration: %w", err)
	}
	return &SelectorSwitch{
		hal:       hal,
		display:   d,
		logger:    l,
		cfg:       cfg.Selector,
		adc:       cfg.ADC,
		table:     table,
		callbacks: callbacks,
		candidate: types.PositionInvalidInRange,
		debounced: types.PositionInvalidInRange,
		ohms:      math.NaN(),
	}, nil
}

// Sample averages SampleCount conversions, classifies the resulting
// resistance and reports both to the display. A read error yields
// PositionInvalidOutOfRange.
func (s *SelectorSwitch) Sample() (types.Position, error) {
	var sum float64
	for i := 0; i < s.cfg.SampleCount; i++ {
		counts, err := s.hal.ReadAnalog(s.cfg.Channel)
		if err != nil {
			return types.PositionInvalidOutOfRange, fmt.Errorf("failed to read selector: %w", err)
		}
		sum += float64(counts)
	}
	s.ohms = s.resistance(s.adc.Volts(sum / float64(s.cfg.SampleCount)))
	pos := s.table.Classify(s.ohms)

	s.display.SetSwitchResistance(s.ohms)
	s.display.SetSwitchPosition(pos)
	return pos, nil
}

// resistance inverts the divider. At or above the supply the switch is open.
func (s *SelectorSwitch) resistance(volts float64) float64 {
	if volts >= s.cfg.SupplyVolts {
		return math.Inf(1)
	}
	return s.cfg.PullupOhms*volts/(s.cfg.SupplyVolts-volts) - s.cfg.SeriesOhms
}

// Resistance returns the switch resistance from the last Sample
func (s *SelectorSwitch) Resistance() float64 {
	return s.ohms
}

// Tick samples the switch and advances the debounce and gesture state.
// It returns the current selection.
func (s *SelectorSwitch) Tick(now time.Duration) types.Position {
	pos, err := s.Sample()
	if err != nil {
		s.logger.Warnf("%v", err)
	}

	if !s.started || pos != s.candidate {
		s.candidateChanged(pos, now)
	}
	held := now - s.enteredAt

	switch s.gesture {
	case gestureIdle:
		if !s.candidate.Valid() || held < s.cfg.DebounceInterval.D() {
			break
		}
		if s.candidate == types.PositionNeutral {
			s.beginHold()
		} else if s.debounced != s.candidate {
			s.logger.Infof("Selection %s -> %s", s.debounced, s.candidate)
			s.debounced = s.candidate
		}
	case gestureHolding:
		if held >= s.cfg.NeutralPressTime.D() {
			s.toggleOverride()
			s.gesture = gestureAwaitRelease
		}
	}

	return s.GetSelection()
}

func (s *SelectorSwitch) candidateChanged(pos types.Position, now time.Duration) {
	switch s.gesture {
	case gestureHolding:
		s.logger.Debugf("Neutral released after %v", now-s.enteredAt)
		s.display.ShowEasterEgg()
		s.display.SetMainMessage(s.prevMessage)
	case gestureAwaitRelease:
		s.logger.Debugf("Neutral released")
	}
	s.gesture = gestureIdle
	s.started = true
	s.candidate = pos
	s.enteredAt = now
}

func (s *SelectorSwitch) beginHold() {
	s.gesture = gestureHolding
	s.prevMessage = ""
	if r, ok := s.display.(display.Recorder); ok {
		s.prevMessage = r.MainMessage()
	}
	s.display.SetMainMessage(messageHold)
}

func (s *SelectorSwitch) toggleOverride() {
	s.override = !s.override
	if s.override {
		s.logger.Infof("Neutral override latched")
		s.display.SetMainMessage(messageOverrideOn)
	} else {
		s.logger.Infof("Neutral override released, selection %s", s.debounced)
		s.display.SetMainMessage(messageOverrideOff)
	}
	if s.callbacks.OverrideChanged != nil {
		s.callbacks.OverrideChanged(s.override)
	}
}

// SetCallbacks replaces the gesture callbacks
func (s *SelectorSwitch) SetCallbacks(callbacks Callbacks) {
	s.callbacks = callbacks
}

// Candidate returns the latest undebounced position
func (s *SelectorSwitch) Candidate() types.Position {
	return s.candidate
}

// GetSelection returns Neutral while the override is latched, otherwise
// the debounced switch position. Before the first debounced position it
// returns PositionInvalidInRange.
func (s *SelectorSwitch) GetSelection() types.Position {
	if s.override {
		return types.PositionNeutral
	}
	return s.debounced
}

// OverrideLatched reports whether the neutral override is active
func (s *SelectorSwitch) OverrideLatched() bool {
	return s.override
}

// Debounced returns the debounced switch position ignoring the override
func (s *SelectorSwitch) Debounced() types.Position {
	return s.debounced
}
