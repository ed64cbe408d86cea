package display

import (
	"sync"

	"transfercase-service/internal/logger"
	"transfercase-service/internal/types"
)

// DigitalOutput is the slice of the hardware layer the pin mirror needs
type DigitalOutput interface {
	SetDigital(pin string, high bool) error
}

// PinMirror drives one output per named position so the vehicle's own
// electronics see the engaged mode. The line for the last valid position
// is high, all others low; with no valid position every line is low.
// Only the actuator position is mirrored, the other calls are no-ops.
type PinMirror struct {
	mu     sync.Mutex
	out    DigitalOutput
	pins   [4]string
	logger *logger.Logger
	shown  types.Position
	synced bool
}

func NewPinMirror(out DigitalOutput, pins [4]string, l *logger.Logger) *PinMirror {
	return &PinMirror{out: out, pins: pins, logger: l}
}

func (m *PinMirror) SetMotorPosition(_ types.Position, lastValid types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.synced && lastValid == m.shown {
		return
	}

	ok := true
	// Drop the old line before raising the new one so two are never high
	for i, pin := range m.pins {
		if pin == "" || types.Position(i) == lastValid {
			continue
		}
		if err := m.out.SetDigital(pin, false); err != nil {
			m.logger.Warnf("Failed to clear indicator %s: %v", pin, err)
			ok = false
		}
	}
	if lastValid.Valid() {
		if pin := m.pins[lastValid]; pin != "" {
			if err := m.out.SetDigital(pin, true); err != nil {
				m.logger.Warnf("Failed to set indicator %s: %v", pin, err)
				ok = false
			}
		}
	}
	// Retry on the next update after a failed write
	m.shown, m.synced = lastValid, ok
}

func (m *PinMirror) SetMainMessage(string)            {}
func (m *PinMirror) SetSwitchPosition(types.Position) {}
func (m *PinMirror) SetSwitchResistance(float64)      {}
func (m *PinMirror) SetMotorVoltage(float64)          {}
func (m *PinMirror) ShowEasterEgg()                   {}
