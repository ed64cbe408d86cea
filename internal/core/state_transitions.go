package core

import (
	"context"
	"errors"
	"time"

	"github.com/librescoot/librefsm"

	"transfercase-service/internal/fsm"
	"transfercase-service/internal/motor"
	"transfercase-service/internal/types"
)

// shift drives the actuator to target and moves the state machine through
// Shifting and out again according to the outcome
func (s *TransferCaseSystem) shift(ctx context.Context, target types.Position, now time.Duration) {
	from := s.motor.LastValid()
	s.logger.Infof("Shifting %s -> %s", from, target)

	if s.limiter.Record(now) {
		s.logger.Warnf("Shift limit reached, cooling down for %v", s.cfg.Limiter.CooldownDuration.D())
	}
	if err := s.sendEvent(fsm.EvShiftStart); err != nil {
		s.logger.Errorf("Failed to enter shifting: %v", err)
		return
	}

	outcome, err := s.motor.AttemptShift(ctx, target, s.cfg.Motor.MaxSingleShiftAttempts)
	s.cooling.Store(s.limiter.InCooldown(s.clock.Now()))

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			s.logger.Infof("Shift to %s aborted", target)
		} else {
			s.logger.Errorf("Shift to %s not started: %v", target, err)
		}
		if err := s.sendEvent(fsm.EvShiftAborted); err != nil {
			s.logger.Warnf("Failed to leave shifting: %v", err)
		}
		return
	}

	if err := s.redis.PublishShiftOutcome(target, outcome.Result.String(), outcome.RecoveredTo); err != nil {
		s.logger.Warnf("Failed to publish shift outcome: %v", err)
	}

	switch outcome.Result {
	case motor.ResultSuccess:
		s.logger.Infof("Shift to %s complete", target)
	case motor.ResultFailedRecovered:
		s.logger.Warnf("Shift to %s failed, returned to %s", target, outcome.RecoveredTo)
		s.failedTarget = target
	case motor.ResultFailedUnrecoverable:
		s.logger.Errorf("Shift to %s failed, actuator position unknown", target)
	}

	if err := s.sendEvent(outcomeEvent(outcome.Result)); err != nil {
		s.logger.Warnf("Failed to leave shifting: %v", err)
	}
}

func outcomeEvent(r motor.Result) librefsm.EventID {
	switch r {
	case motor.ResultSuccess:
		return fsm.EvShiftSucceeded
	case motor.ResultFailedRecovered:
		return fsm.EvShiftRecovered
	default:
		return fsm.EvShiftUnrecoverable
	}
}

// getCurrentState returns the current state (thread-safe) using FSM
func (s *TransferCaseSystem) getCurrentState() types.ServiceState {
	if s.machine != nil {
		return stateIDToServiceState(s.machine.CurrentState())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
