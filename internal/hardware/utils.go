package hardware

import (
	"fmt"
	"os"
	"strings"
)

func ReadAdcValue(device string, channel int) (uint16, error) {
	path := fmt.Sprintf("/sys/bus/iio/devices/%s/in_voltage%d_raw", device, channel)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return 0, fmt.Errorf("ADC sysfs not found: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed reading %s: %w", path, err)
	}

	var value uint16
	_, err = fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &value)
	if err != nil {
		return 0, fmt.Errorf("failed parsing ADC value: %w", err)
	}

	return value, nil
}

func writeSysfs(path string, value string) error {
	if err := os.WriteFile(path, []byte(value), 0); err != nil {
		return fmt.Errorf("failed writing %q to %s: %w", value, path, err)
	}
	return nil
}
