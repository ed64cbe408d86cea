package core

import (
	"strings"

	"transfercase-service/internal/config"
)

// handleResetRequest handles the "reset" command from Redis. The control
// loop applies it on its next tick.
func (s *TransferCaseSystem) handleResetRequest() error {
	s.logger.Infof("Reset requested via Redis")
	s.resetRequested.Store(true)
	return nil
}

// handleSettingsUpdate handles changes to the shared settings hash
func (s *TransferCaseSystem) handleSettingsUpdate(key string) error {
	s.logger.Debugf("Settings update: %s", key)
	if strings.HasPrefix(key, config.SettingsPrefix) {
		s.logger.Infof("Setting %s changed, restart the service to apply", key)
	}
	return nil
}

// handleOverrideChanged runs when the driver holds NEUTRAL long enough to
// toggle the neutral latch. While locked out the same gesture clears the
// lockout.
func (s *TransferCaseSystem) handleOverrideChanged(latched bool) {
	s.logger.Infof("Neutral latch %v", latched)
	if s.motor.LockedOut() {
		s.logger.Infof("Neutral gesture while locked out, requesting reset")
		s.resetRequested.Store(true)
	}
}
