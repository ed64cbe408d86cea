package core

import (
	"context"
	"time"

	"transfercase-service/internal/messaging"
	"transfercase-service/internal/motor"
	"transfercase-service/internal/selector"
	"transfercase-service/internal/types"
)

// MessagingClient defines the interface for Redis messaging operations needed by TransferCaseSystem
type MessagingClient interface {
	SetCallbacks(callbacks messaging.Callbacks)
	StartListening() error
	Close() error

	// State and results
	PublishServiceState(state types.ServiceState) error
	PublishShiftOutcome(target types.Position, result string, recoveredTo types.Position) error

	// Faults
	ReportFaultPresent(code int, description string) error
	ReportFaultAbsent(code int) error
}

// Selector is the driver's mode selector
type Selector interface {
	SetCallbacks(callbacks selector.Callbacks)
	Tick(now time.Duration) types.Position
	Candidate() types.Position
}

// Shifter is the shift actuator
type Shifter interface {
	GetPosition() types.Position
	LastValid() types.Position
	LockedOut() bool
	Reset()
	AttemptShift(ctx context.Context, desired types.Position, maxAttempts int) (motor.ShiftOutcome, error)
}
