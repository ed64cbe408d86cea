package core

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/librescoot/librefsm"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"transfercase-service/internal/config"
	"transfercase-service/internal/display"
	"transfercase-service/internal/fsm"
	"transfercase-service/internal/hardware"
	"transfercase-service/internal/logger"
	"transfercase-service/internal/messaging"
	"transfercase-service/internal/motor"
	"transfercase-service/internal/selector"
	"transfercase-service/internal/types"
)

// TransferCaseSystem runs the control loop: it follows the driver's
// selection with the actuator, one shift at a time, and keeps the service
// state machine and redis in step.
type TransferCaseSystem struct {
	selector Selector
	motor    Shifter
	limiter  *motor.ShiftLimiter
	redis    MessagingClient
	display  display.Display
	clock    hardware.Clock
	cfg      config.Config
	logger   *logger.Logger

	machine *librefsm.Machine
	mu      sync.RWMutex
	state   types.ServiceState

	// Set from redis and selector callbacks, consumed by the loop
	resetRequested *atomic.Bool
	// Mirrors the limiter for FSM guards
	cooling *atomic.Bool

	// Control loop only
	failedTarget  types.Position
	deferred      bool
	sensorFault   bool
	selectorFault bool
}

func NewTransferCaseSystem(sel Selector, m Shifter, limiter *motor.ShiftLimiter, redis MessagingClient, d display.Display, clock hardware.Clock, cfg config.Config, l *logger.Logger) *TransferCaseSystem {
	return &TransferCaseSystem{
		selector:       sel,
		motor:          m,
		limiter:        limiter,
		redis:          redis,
		display:        d,
		clock:          clock,
		cfg:            cfg,
		logger:         l,
		state:          types.StateStartup,
		resetRequested: atomic.NewBool(false),
		cooling:        atomic.NewBool(false),
		failedTarget:   types.PositionInvalidInRange,
	}
}

// Start wires callbacks, starts the state machine and the redis listeners
func (s *TransferCaseSystem) Start(ctx context.Context) error {
	s.logger.Infof("Starting transfer case system")

	s.redis.SetCallbacks(messaging.Callbacks{
		ResetCallback:    s.handleResetRequest,
		SettingsCallback: s.handleSettingsUpdate,
	})
	s.selector.SetCallbacks(selector.Callbacks{
		OverrideChanged: s.handleOverrideChanged,
	})

	if err := s.initFSM(ctx); err != nil {
		return fmt.Errorf("failed to start state machine: %w", err)
	}
	s.display.SetMainMessage(s.motor.LastValid().Label())
	if err := s.sendEvent(fsm.EvBooted); err != nil {
		return fmt.Errorf("failed to leave startup: %w", err)
	}

	if err := s.redis.StartListening(); err != nil {
		return fmt.Errorf("failed to start Redis listeners: %w", err)
	}
	return nil
}

// Run ticks the control loop until ctx is cancelled. A shift in progress
// is aborted with the brake engaged.
func (s *TransferCaseSystem) Run(ctx context.Context) error {
	interval := s.cfg.TickInterval.D()
	s.logger.Infof("Control loop running every %v", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.tick(ctx)
		s.clock.Sleep(interval)
	}
}

func (s *TransferCaseSystem) tick(ctx context.Context) {
	now := s.clock.Now()

	if s.resetRequested.CompareAndSwap(true, false) {
		s.reset()
	}

	selection := s.selector.Tick(now)
	s.checkSelectorFault(s.selector.Candidate())
	pos := s.motor.GetPosition()
	s.checkSensorFault(pos)

	cooling := s.limiter.InCooldown(now)
	s.cooling.Store(cooling)
	if !cooling && s.getCurrentState() == types.StateCooldown {
		if err := s.sendEvent(fsm.EvCooldownEnd); err != nil {
			s.logger.Warnf("Failed to end cooldown: %v", err)
		}
	}

	if s.motor.LockedOut() || !selection.Valid() || pos == types.PositionInvalidOutOfRange {
		return
	}

	// A failed target is not retried until the driver picks something else
	if selection != s.failedTarget {
		s.failedTarget = types.PositionInvalidInRange
	} else {
		return
	}

	last := s.motor.LastValid()
	if selection == last && pos == last {
		return
	}
	if selection == last {
		s.logger.Infof("Actuator drifted to %s, re-seating %s", pos, last)
	}

	if !s.limiter.Allow(now) {
		if !s.deferred {
			s.logger.Warnf("Shift to %s deferred, cooling down for %v", selection, s.limiter.CooldownRemaining(now))
			s.display.SetMainMessage("COOLDOWN")
			s.deferred = true
		}
		return
	}
	s.deferred = false

	s.shift(ctx, selection, now)
}

func (s *TransferCaseSystem) checkSensorFault(pos types.Position) {
	fault := pos == types.PositionInvalidOutOfRange
	if fault == s.sensorFault {
		return
	}
	s.sensorFault = fault
	if fault {
		s.logger.Errorf("Mode sensor out of range, check wiring")
		if err := s.redis.ReportFaultPresent(messaging.FaultModeSensor, "mode sensor out of range"); err != nil {
			s.logger.Warnf("Failed to report mode sensor fault: %v", err)
		}
		return
	}
	s.logger.Infof("Mode sensor back in range")
	if err := s.redis.ReportFaultAbsent(messaging.FaultModeSensor); err != nil {
		s.logger.Warnf("Failed to clear mode sensor fault: %v", err)
	}
}

func (s *TransferCaseSystem) checkSelectorFault(candidate types.Position) {
	fault := candidate == types.PositionInvalidOutOfRange
	if fault == s.selectorFault {
		return
	}
	s.selectorFault = fault
	if fault {
		s.logger.Errorf("Selector switch open or shorted")
		if err := s.redis.ReportFaultPresent(messaging.FaultSelector, "selector open or shorted"); err != nil {
			s.logger.Warnf("Failed to report selector fault: %v", err)
		}
		return
	}
	s.logger.Infof("Selector switch reading again")
	if err := s.redis.ReportFaultAbsent(messaging.FaultSelector); err != nil {
		s.logger.Warnf("Failed to clear selector fault: %v", err)
	}
}

// reset clears a lockout. Outside a lockout there is nothing to clear.
func (s *TransferCaseSystem) reset() {
	if s.getCurrentState() != types.StateLockout {
		s.logger.Debugf("Reset requested in state %s, ignoring", s.getCurrentState())
		return
	}
	s.cooling.Store(s.limiter.InCooldown(s.clock.Now()))
	if err := s.sendEvent(fsm.EvReset); err != nil {
		s.logger.Warnf("Failed to reset lockout: %v", err)
	}
}

// Shutdown closes redis and the displays. The motor is already stopped by
// the aborted shift or was idle.
func (s *TransferCaseSystem) Shutdown() error {
	s.logger.Infof("Shutting down transfer case system")
	err := s.redis.Close()
	if c, ok := s.display.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}
