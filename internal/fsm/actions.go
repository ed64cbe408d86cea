package fsm

import "github.com/librescoot/librefsm"

// Actions defines the interface for service state machine actions.
// TransferCaseSystem implements this interface.
type Actions interface {
	// State entry actions
	EnterReady(c *librefsm.Context) error
	EnterShifting(c *librefsm.Context) error
	EnterCooldown(c *librefsm.Context) error
	EnterLockout(c *librefsm.Context) error

	// State exit actions
	ExitLockout(c *librefsm.Context) error

	// Guards
	IsCoolingDown(c *librefsm.Context) bool // True while the thermal limiter rations shifts

	// Transition actions
	OnReset(c *librefsm.Context) error // Clears the shift controller lockout
}
