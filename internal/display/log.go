package display

import (
	"math"
	"sync"

	"transfercase-service/internal/logger"
	"transfercase-service/internal/types"
)

// Log writes display updates to the service log. Positions and messages
// are logged on change; analog values only at debug level and only when
// they moved more than a display digit.
type Log struct {
	logger *logger.Logger

	mu        sync.Mutex
	switchPos types.Position
	motorPos  types.Position
	lastValid types.Position
	ohms      float64
	volts     float64
}

func NewLog(l *logger.Logger) *Log {
	return &Log{
		logger:    l,
		switchPos: -1,
		motorPos:  -1,
		lastValid: -1,
		ohms:      math.NaN(),
		volts:     math.NaN(),
	}
}

func (d *Log) SetMainMessage(text string) {
	d.logger.Infof("Message: %s", text)
}

func (d *Log) SetSwitchPosition(p types.Position) {
	d.mu.Lock()
	changed := p != d.switchPos
	d.switchPos = p
	d.mu.Unlock()
	if changed {
		d.logger.Infof("Selector reads %s", p)
	}
}

func (d *Log) SetSwitchResistance(ohms float64) {
	d.mu.Lock()
	changed := !(math.Abs(ohms-d.ohms) < 10)
	if changed {
		d.ohms = ohms
	}
	d.mu.Unlock()
	if changed {
		d.logger.Debugf("Selector resistance %.0f ohm", ohms)
	}
}

func (d *Log) SetMotorPosition(p types.Position, lastValid types.Position) {
	d.mu.Lock()
	changed := p != d.motorPos || lastValid != d.lastValid
	d.motorPos, d.lastValid = p, lastValid
	d.mu.Unlock()
	if changed {
		d.logger.Infof("Actuator reads %s (last valid %s)", p, lastValid)
	}
}

func (d *Log) SetMotorVoltage(volts float64) {
	d.mu.Lock()
	changed := !(math.Abs(volts-d.volts) < 0.01)
	if changed {
		d.volts = volts
	}
	d.mu.Unlock()
	if changed {
		d.logger.Debugf("Mode sensor %.3f V", volts)
	}
}

func (d *Log) ShowEasterEgg() {
	d.logger.Infof("Neutral released early, nothing to do")
}
