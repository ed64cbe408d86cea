// Package calibration maps raw sensor values onto discrete positions.
//
// The same Table type serves the actuator's position sensor (volts) and the
// selector switch (ohms). Windows are indexed by types.Position and tested in
// the fixed order FourHigh, AllWheelDrive, Neutral, FourLow; the first window
// that contains a reading wins. NewTable rejects windows that overlap or
// touch once widened by the drift tolerance, so at most one window contains
// any reading and the order is only a fixed tie-break.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"transfercase-service/internal/types"
)

var (
	ErrOverlap = errors.New("calibration windows overlap")
	ErrInvalid = errors.New("invalid calibration")
)

// Window is a closed interval of sensor values belonging to one position
type Window struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// WindowAround builds a window from a nominal center and a tolerance
func WindowAround(center, tolerance float64) Window {
	return Window{Low: center - tolerance, High: center + tolerance}
}

// Center is the arithmetic mean of the window edges
func (w Window) Center() float64 {
	return (w.Low + w.High) / 2.0
}

// Contains reports whether v lies in the window widened by drift on both sides
func (w Window) Contains(v, drift float64) bool {
	return v >= w.Low-drift && v <= w.High+drift
}

func (w Window) String() string {
	return fmt.Sprintf("[%.3f, %.3f]", w.Low, w.High)
}

// Table is an immutable calibration for one sensor
type Table struct {
	windows   [4]Window
	drift     float64
	lowLimit  float64
	highLimit float64
}

// NewTable validates and builds a calibration table.
// windows is indexed by types.Position (FourHigh..FourLow).
func NewTable(windows [4]Window, drift, lowLimit, highLimit float64) (Table, error) {
	if math.IsNaN(lowLimit) || math.IsNaN(highLimit) || lowLimit >= highLimit {
		return Table{}, fmt.Errorf("%w: limits [%v, %v]", ErrInvalid, lowLimit, highLimit)
	}
	if drift < 0 || math.IsNaN(drift) {
		return Table{}, fmt.Errorf("%w: negative drift tolerance %v", ErrInvalid, drift)
	}
	for i, w := range windows {
		if math.IsNaN(w.Low) || math.IsNaN(w.High) || w.Low > w.High {
			return Table{}, fmt.Errorf("%w: %s window %s", ErrInvalid, types.Position(i), w)
		}
		if w.Low < lowLimit || w.High > highLimit {
			return Table{}, fmt.Errorf("%w: %s window %s outside limits [%v, %v]",
				ErrInvalid, types.Position(i), w, lowLimit, highLimit)
		}
	}
	for i := 0; i < len(windows); i++ {
		for j := i + 1; j < len(windows); j++ {
			a, b := windows[i], windows[j]
			if a.Low-drift <= b.High+drift && b.Low-drift <= a.High+drift {
				return Table{}, fmt.Errorf("%w: %s %s and %s %s with drift %v",
					ErrOverlap, types.Position(i), a, types.Position(j), b, drift)
			}
		}
	}
	return Table{
		windows:   windows,
		drift:     drift,
		lowLimit:  lowLimit,
		highLimit: highLimit,
	}, nil
}

// Classify maps a reading to a position. It has no side effects.
func (t Table) Classify(reading float64) types.Position {
	if math.IsNaN(reading) || reading < t.lowLimit || reading > t.highLimit {
		return types.PositionInvalidOutOfRange
	}
	for _, p := range types.NamedPositions {
		if t.windows[p].Contains(reading, t.drift) {
			return p
		}
	}
	return types.PositionInvalidInRange
}

// Window returns the calibrated window of a named position
func (t Table) Window(p types.Position) (Window, bool) {
	if !p.Valid() {
		return Window{}, false
	}
	return t.windows[p], true
}

// Center returns the nominal center of a named position
func (t Table) Center(p types.Position) (float64, bool) {
	w, ok := t.Window(p)
	if !ok {
		return 0, false
	}
	return w.Center(), true
}

// Offset returns target center minus reading: positive means the reading
// has to rise to reach the target.
func (t Table) Offset(reading float64, target types.Position) (float64, bool) {
	c, ok := t.Center(target)
	if !ok {
		return 0, false
	}
	return c - reading, true
}
