// Package display carries status from the control core to whatever shows
// it to the driver. Calls are fire-and-forget: a sink that fails logs and
// carries on, it never reports back into the control path.
package display

import (
	"io"
	"sync"

	"go.uber.org/multierr"

	"transfercase-service/internal/types"
)

// Display is the push interface the selector and the shift controller
// write to. One instance is shared by both so each sees the other's state.
type Display interface {
	SetMainMessage(text string)
	SetSwitchPosition(p types.Position)
	SetSwitchResistance(ohms float64)
	SetMotorPosition(p types.Position, lastValid types.Position)
	SetMotorVoltage(volts float64)
	ShowEasterEgg()
}

// Recorder is implemented by displays that remember the main message, so a
// temporary message can be replaced by the previous one afterwards.
type Recorder interface {
	MainMessage() string
}

// Multi fans every call out to a set of sinks and records the main message
type Multi struct {
	mu      sync.Mutex
	sinks   []Display
	message string
}

func NewMulti(sinks ...Display) *Multi {
	return &Multi{sinks: sinks}
}

// Add attaches another sink
func (m *Multi) Add(d Display) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, d)
}

func (m *Multi) each(fn func(d Display)) {
	m.mu.Lock()
	sinks := append([]Display(nil), m.sinks...)
	m.mu.Unlock()
	for _, d := range sinks {
		fn(d)
	}
}

func (m *Multi) MainMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.message
}

func (m *Multi) SetMainMessage(text string) {
	m.mu.Lock()
	m.message = text
	m.mu.Unlock()
	m.each(func(d Display) { d.SetMainMessage(text) })
}

func (m *Multi) SetSwitchPosition(p types.Position) {
	m.each(func(d Display) { d.SetSwitchPosition(p) })
}

func (m *Multi) SetSwitchResistance(ohms float64) {
	m.each(func(d Display) { d.SetSwitchResistance(ohms) })
}

func (m *Multi) SetMotorPosition(p types.Position, lastValid types.Position) {
	m.each(func(d Display) { d.SetMotorPosition(p, lastValid) })
}

func (m *Multi) SetMotorVoltage(volts float64) {
	m.each(func(d Display) { d.SetMotorVoltage(volts) })
}

func (m *Multi) ShowEasterEgg() {
	m.each(func(d Display) { d.ShowEasterEgg() })
}

// Close closes every sink that holds a resource
func (m *Multi) Close() error {
	var err error
	m.each(func(d Display) {
		if c, ok := d.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	})
	return err
}
