package types

// ServiceState is the published mode of the transfer-case service
type ServiceState string

const (
	StateStartup  ServiceState = "startup"
	StateReady    ServiceState = "ready"
	StateShifting ServiceState = "shifting"
	StateCooldown ServiceState = "cooldown"
	StateLockout  ServiceState = "lockout"
)
