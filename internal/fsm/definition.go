package fsm

import (
	"github.com/librescoot/librefsm"
)

// NewDefinition creates the service FSM definition.
// Shifts always end in Cooldown rather than Ready while the limiter is
// active; the guarded transition is listed first so it wins.
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateStartup).
		State(StateReady,
			librefsm.WithOnEnter(actions.EnterReady),
		).
		State(StateShifting,
			librefsm.WithOnEnter(actions.EnterShifting),
		).
		State(StateCooldown,
			librefsm.WithOnEnter(actions.EnterCooldown),
		).
		State(StateLockout,
			librefsm.WithOnEnter(actions.EnterLockout),
			librefsm.WithOnExit(actions.ExitLockout),
		).

		// === Transitions ===

		// From Startup
		Transition(StateStartup, EvBooted, StateReady).

		// Shift requests
		Transition(StateReady, EvShiftStart, StateShifting).
		Transition(StateCooldown, EvShiftStart, StateShifting).

		// Shift results
		Transition(StateShifting, EvShiftSucceeded, StateCooldown,
			librefsm.WithGuard(actions.IsCoolingDown),
		).
		Transition(StateShifting, EvShiftSucceeded, StateReady).
		Transition(StateShifting, EvShiftRecovered, StateCooldown,
			librefsm.WithGuard(actions.IsCoolingDown),
		).
		Transition(StateShifting, EvShiftRecovered, StateReady).
		Transition(StateShifting, EvShiftAborted, StateCooldown,
			librefsm.WithGuard(actions.IsCoolingDown),
		).
		Transition(StateShifting, EvShiftAborted, StateReady).
		Transition(StateShifting, EvShiftUnrecoverable, StateLockout).

		// Thermal limiter
		Transition(StateCooldown, EvCooldownEnd, StateReady).

		// Operator reset
		Transition(StateLockout, EvReset, StateCooldown,
			librefsm.WithGuard(actions.IsCoolingDown),
			librefsm.WithAction(actions.OnReset),
		).
		Transition(StateLockout, EvReset, StateReady,
			librefsm.WithAction(actions.OnReset),
		).

		// Initial state
		Initial(StateStartup)
}
