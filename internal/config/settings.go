package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SettingsPrefix namespaces our fields inside the shared "settings" hash
const SettingsPrefix = "transfer-case."

type setter func(c *Config, value string) error

func durationSetter(field func(c *Config) *Duration) setter {
	return func(c *Config, value string) error {
		// Plain numbers are seconds, matching how the other services store timeouts
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			*field(c) = Duration(secs * float64(time.Second))
			return nil
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*field(c) = Duration(d)
		return nil
	}
}

func intSetter(field func(c *Config) *int) setter {
	return func(c *Config, value string) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(c) = v
		return nil
	}
}

func dutySetter(field func(c *Config) *uint8) setter {
	return func(c *Config, value string) error {
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		*field(c) = uint8(v)
		return nil
	}
}

func floatSetter(field func(c *Config) *float64) setter {
	return func(c *Config, value string) error {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		*field(c) = v
		return nil
	}
}

var settings = map[string]setter{
	"debounce-interval":         durationSetter(func(c *Config) *Duration { return &c.Selector.DebounceInterval }),
	"neutral-press-time":        durationSetter(func(c *Config) *Duration { return &c.Selector.NeutralPressTime }),
	"max-shift-time":            durationSetter(func(c *Config) *Duration { return &c.Motor.MaxShiftTime }),
	"retry-time":                durationSetter(func(c *Config) *Duration { return &c.Motor.RetryTime }),
	"brake-release-time":        durationSetter(func(c *Config) *Duration { return &c.Motor.BrakeReleaseTime }),
	"brake-engage-time":         durationSetter(func(c *Config) *Duration { return &c.Motor.BrakeEngageTime }),
	"max-single-shift-attempts": intSetter(func(c *Config) *int { return &c.Motor.MaxSingleShiftAttempts }),
	"max-return-shift-attempts": intSetter(func(c *Config) *int { return &c.Motor.MaxReturnShiftAttempts }),
	"min-duty":                  dutySetter(func(c *Config) *uint8 { return &c.Motor.MinDuty }),
	"max-duty":                  dutySetter(func(c *Config) *uint8 { return &c.Motor.MaxDuty }),
	"acceleration":              floatSetter(func(c *Config) *float64 { return &c.Motor.Acceleration }),
	"position-tolerance":        floatSetter(func(c *Config) *float64 { return &c.Motor.PositionTolerance }),
	"drift-tolerance":           floatSetter(func(c *Config) *float64 { return &c.Motor.DriftTolerance }),
}

// ApplySettings overrides fields from a settings hash. Keys without our
// prefix are ignored. The result is validated as a whole; on error the
// receiver is left untouched.
func (c *Config) ApplySettings(fields map[string]string) ([]string, error) {
	next := *c
	next.Motor.SpeedBands = append([]SpeedBand(nil), c.Motor.SpeedBands...)

	var applied []string
	for key, value := range fields {
		if !strings.HasPrefix(key, SettingsPrefix) {
			continue
		}
		name := strings.TrimPrefix(key, SettingsPrefix)
		set, ok := settings[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown setting %s", ErrInvalid, key)
		}
		if err := set(&next, strings.TrimSpace(value)); err != nil {
			return nil, fmt.Errorf("%w: setting %s=%q: %v", ErrInvalid, key, value, err)
		}
		applied = append(applied, name)
	}
	if len(applied) == 0 {
		return nil, nil
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	*c = next
	return applied, nil
}
