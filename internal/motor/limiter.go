package motor

import (
	"time"

	"transfercase-service/internal/config"
)

// ShiftLimiter keeps the actuator inside its thermal rating. Once
// MaxShifts shifts fall inside Window, a cooldown starts during which at
// most CooldownMaxShifts are allowed per CooldownWindow.
type ShiftLimiter struct {
	cfg           config.LimiterConfig
	history       []time.Duration
	cooling       bool
	cooldownUntil time.Duration
}

func NewShiftLimiter(cfg config.LimiterConfig) *ShiftLimiter {
	return &ShiftLimiter{cfg: cfg}
}

func (l *ShiftLimiter) prune(now time.Duration) {
	keep := l.cfg.Window.D()
	if w := l.cfg.CooldownWindow.D(); w > keep {
		keep = w
	}
	i := 0
	for i < len(l.history) && now-l.history[i] >= keep {
		i++
	}
	l.history = l.history[i:]
}

func (l *ShiftLimiter) count(now, window time.Duration) int {
	n := 0
	for _, t := range l.history {
		if now-t < window {
			n++
		}
	}
	return n
}

// InCooldown reports whether the cooldown is active at now
func (l *ShiftLimiter) InCooldown(now time.Duration) bool {
	if l.cooling && now >= l.cooldownUntil {
		l.cooling = false
	}
	return l.cooling
}

// Allow reports whether a shift may start at now
func (l *ShiftLimiter) Allow(now time.Duration) bool {
	l.prune(now)
	if !l.InCooldown(now) {
		return true
	}
	return l.count(now, l.cfg.CooldownWindow.D()) < l.cfg.CooldownMaxShifts
}

// Record counts a shift started at now. It returns true when this shift
// started the cooldown.
func (l *ShiftLimiter) Record(now time.Duration) bool {
	l.prune(now)
	l.history = append(l.history, now)
	if l.InCooldown(now) || l.count(now, l.cfg.Window.D()) < l.cfg.MaxShifts {
		return false
	}
	l.cooling = true
	l.cooldownUntil = now + l.cfg.CooldownDuration.D()
	return true
}

// CooldownRemaining is zero outside a cooldown
func (l *ShiftLimiter) CooldownRemaining(now time.Duration) time.Duration {
	if !l.InCooldown(now) {
		return 0
	}
	return l.cooldownUntil - now
}
