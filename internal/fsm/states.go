package fsm

import "github.com/librescoot/librefsm"

// Service states
const (
	StateStartup  librefsm.StateID = "startup"
	StateReady    librefsm.StateID = "ready"
	StateShifting librefsm.StateID = "shifting"
	// Thermal limiter active, shifts are rationed
	StateCooldown librefsm.StateID = "cooldown"
	// A shift failed without recovery; waits for the reset gesture or command
	StateLockout librefsm.StateID = "lockout"
)

// Service events
const (
	EvBooted librefsm.EventID = "booted"

	// Shift lifecycle (from the control loop)
	EvShiftStart         librefsm.EventID = "shift-start"
	EvShiftSucceeded     librefsm.EventID = "shift-succeeded"
	EvShiftRecovered     librefsm.EventID = "shift-recovered"
	EvShiftUnrecoverable librefsm.EventID = "shift-unrecoverable"
	EvShiftAborted       librefsm.EventID = "shift-aborted"

	// Thermal limiter
	EvCooldownEnd librefsm.EventID = "cooldown-end"

	// Neutral long-press while locked out, or the redis "reset" command
	EvReset librefsm.EventID = "reset"
)
