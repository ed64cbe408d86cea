package core

import (
	"context"

	"github.com/librescoot/librefsm"

	"transfercase-service/internal/fsm"
	"transfercase-service/internal/messaging"
	"transfercase-service/internal/types"
)

// Ensure TransferCaseSystem implements fsm.Actions
var _ fsm.Actions = (*TransferCaseSystem)(nil)

// stateIDToServiceState converts librefsm StateID to types.ServiceState
func stateIDToServiceState(id librefsm.StateID) types.ServiceState {
	switch id {
	case fsm.StateStartup:
		return types.StateStartup
	case fsm.StateReady:
		return types.StateReady
	case fsm.StateShifting:
		return types.StateShifting
	case fsm.StateCooldown:
		return types.StateCooldown
	case fsm.StateLockout:
		return types.StateLockout
	default:
		return types.ServiceState(string(id))
	}
}

// initFSM initializes and starts the librefsm machine
func (s *TransferCaseSystem) initFSM(ctx context.Context) error {
	def := fsm.NewDefinition(s)
	machine, err := def.Build()
	if err != nil {
		return err
	}
	s.machine = machine
	fsmLog := s.logger.WithTag("fsm")

	s.machine.OnStateChange(func(from, to librefsm.StateID) {
		newState := stateIDToServiceState(to)
		oldState := stateIDToServiceState(from)

		s.mu.Lock()
		s.state = newState
		s.mu.Unlock()

		fsmLog.Infof("State transition: %s -> %s", oldState, newState)

		// Publish the known new state; getCurrentState() here would deadlock on the FSM
		if err := s.redis.PublishServiceState(newState); err != nil {
			s.logger.Errorf("Failed to publish state: %v", err)
		}
	})

	if err := s.machine.Start(ctx); err != nil {
		return err
	}

	s.logger.Infof("librefsm state machine started")
	return nil
}

// sendEvent sends an event to the FSM
func (s *TransferCaseSystem) sendEvent(event librefsm.EventID) error {
	return s.machine.SendSync(librefsm.Event{ID: event})
}

// === State Entry Actions ===

func (s *TransferCaseSystem) EnterReady(c *librefsm.Context) error {
	s.logger.Debugf("FSM: EnterReady")
	return nil
}

func (s *TransferCaseSystem) EnterShifting(c *librefsm.Context) error {
	s.logger.Debugf("FSM: EnterShifting")
	return nil
}

func (s *TransferCaseSystem) EnterCooldown(c *librefsm.Context) error {
	remaining := s.limiter.CooldownRemaining(s.clock.Now())
	s.logger.Infof("FSM: EnterCooldown, shifts rationed for %v", remaining)
	return nil
}

func (s *TransferCaseSystem) EnterLockout(c *librefsm.Context) error {
	s.logger.Errorf("FSM: EnterLockout - hold NEUTRAL or send reset to clear")
	s.display.SetMainMessage("LOCKED OUT")
	if err := s.redis.ReportFaultPresent(messaging.FaultShiftUnrecoverable, "shift failed, actuator position unknown"); err != nil {
		s.logger.Warnf("Failed to report lockout fault: %v", err)
	}
	return nil
}

// === State Exit Actions ===

func (s *TransferCaseSystem) ExitLockout(c *librefsm.Context) error {
	s.logger.Debugf("FSM: ExitLockout")
	if err := s.redis.ReportFaultAbsent(messaging.FaultShiftUnrecoverable); err != nil {
		s.logger.Warnf("Failed to clear lockout fault: %v", err)
	}
	return nil
}

// === Guards ===

func (s *TransferCaseSystem) IsCoolingDown(c *librefsm.Context) bool {
	return s.cooling.Load()
}

// === Transition Actions ===

func (s *TransferCaseSystem) OnReset(c *librefsm.Context) error {
	s.logger.Infof("Clearing lockout, actuator at %s", s.motor.GetPosition())
	s.motor.Reset()
	s.failedTarget = types.PositionInvalidInRange
	s.display.SetMainMessage("RESET")
	return nil
}
