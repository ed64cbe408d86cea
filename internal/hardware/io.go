package hardware

import (
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"

	"transfercase-service/internal/logger"
)

// LinuxHardwareIO drives the shift motor and reads the sensors through the
// kernel's character-device GPIO, IIO ADC and sysfs PWM interfaces.
type LinuxHardwareIO struct {
	logger      *logger.Logger
	adcDevice   string
	pwmChip     string
	chips       map[int]*gpiocdev.Chip
	lines       map[string]*gpiocdev.Line
	pwmPeriodNs int64
	pwmExported map[string]int
	mu          sync.RWMutex
}

func NewLinuxHardwareIO(l *logger.Logger) *LinuxHardwareIO {
	return &LinuxHardwareIO{
		logger:      l,
		adcDevice:   AdcDevice,
		pwmChip:     PwmChipPath,
		chips:       make(map[int]*gpiocdev.Chip),
		lines:       make(map[string]*gpiocdev.Line),
		pwmPeriodNs: int64(time.Second / PwmFrequency),
		pwmExported: make(map[string]int),
	}
}

func (io *LinuxHardwareIO) Initialize() error {
	io.logger.Infof("Initializing hardware IO")

	for name, mapping := range DoMappings {
		chip, ok := io.chips[mapping.Chip]
		if !ok {
			var err error
			chip, err = gpiocdev.NewChip(fmt.Sprintf("gpiochip%d", mapping.Chip))
			if err != nil {
				return fmt.Errorf("failed to open GPIO chip %d: %w", mapping.Chip, err)
			}
			io.chips[mapping.Chip] = chip
		}

		// Low: brake engaged, indicators off
		line, err := chip.RequestLine(mapping.Line,
			gpiocdev.AsOutput(0),
			gpiocdev.WithConsumer("transfercase-service"))
		if err != nil {
			return fmt.Errorf("failed to request GPIO line %d: %w", mapping.Line, err)
		}

		io.lines[name] = line
		io.logger.Infof("Configured DO %s: chip=%d, line=%d", name, mapping.Chip, mapping.Line)
	}

	for name, channel := range PwmMappings {
		if err := io.exportPwm(channel); err != nil {
			return fmt.Errorf("failed to set up PWM %s: %w", name, err)
		}
		io.pwmExported[name] = channel
		io.logger.Infof("Configured PWM %s: channel=%d period=%dns", name, channel, io.pwmPeriodNs)
	}

	return nil
}

func (io *LinuxHardwareIO) exportPwm(channel int) error {
	dir := io.pwmChannelDir(channel)
	// Export fails with EBUSY when the channel is already exported, which is fine
	_ = writeSysfs(filepath.Join(io.pwmChip, "export"), strconv.Itoa(channel))

	if err := writeSysfs(filepath.Join(dir, "duty_cycle"), "0"); err != nil {
		return err
	}
	if err := writeSysfs(filepath.Join(dir, "period"), strconv.FormatInt(io.pwmPeriodNs, 10)); err != nil {
		return err
	}
	return writeSysfs(filepath.Join(dir, "enable"), "1")
}

func (io *LinuxHardwareIO) pwmChannelDir(channel int) string {
	return filepath.Join(io.pwmChip, fmt.Sprintf("pwm%d", channel))
}

func (io *LinuxHardwareIO) ReadAnalog(channel string) (uint16, error) {
	idx, ok := AdcMappings[channel]
	if !ok {
		return 0, fmt.Errorf("unknown analog channel: %s", channel)
	}
	return ReadAdcValue(io.adcDevice, idx)
}

func (io *LinuxHardwareIO) SetDigital(pin string, high bool) error {
	io.mu.RLock()
	line, ok := io.lines[pin]
	io.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown digital output channel: %s", pin)
	}

	val := 0
	if high {
		val = 1
	}

	if err := line.SetValue(val); err != nil {
		return fmt.Errorf("failed to set DO %s=%v: %w", pin, high, err)
	}

	io.logger.Debugf("Set DO %s=%v", pin, high)
	return nil
}

func (io *LinuxHardwareIO) SetPWM(pin string, duty uint8) error {
	io.mu.RLock()
	channel, ok := io.pwmExported[pin]
	io.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown PWM channel: %s", pin)
	}

	dutyNs := io.pwmPeriodNs * int64(duty) / 255
	path := filepath.Join(io.pwmChannelDir(channel), "duty_cycle")
	if err := writeSysfs(path, strconv.FormatInt(dutyNs, 10)); err != nil {
		return fmt.Errorf("failed to set PWM %s=%d: %w", pin, duty, err)
	}
	return nil
}

// Cleanup stops the motor and releases every line. All release errors are
// collected so one stuck line does not keep the others requested.
func (io *LinuxHardwareIO) Cleanup() error {
	io.mu.Lock()
	defer io.mu.Unlock()

	io.logger.Infof("Cleaning up hardware resources")

	var errs error
	for name, channel := range io.pwmExported {
		dir := io.pwmChannelDir(channel)
		errs = multierr.Append(errs, writeSysfs(filepath.Join(dir, "duty_cycle"), "0"))
		errs = multierr.Append(errs, writeSysfs(filepath.Join(dir, "enable"), "0"))
		io.logger.Infof("Disabled PWM %s", name)
	}

	for name, line := range io.lines {
		errs = multierr.Append(errs, line.Close())
		io.logger.Debugf("Closed GPIO line for %s", name)
	}

	for id, chip := range io.chips {
		errs = multierr.Append(errs, chip.Close())
		io.logger.Debugf("Closed GPIO chip %d", id)
	}

	io.logger.Infof("Hardware cleanup complete")
	return errs
}
