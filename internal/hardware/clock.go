package hardware

import (
	"time"

	"golang.org/x/sys/unix"
)

// MonotonicClock reads CLOCK_MONOTONIC directly so shift deadlines are not
// affected by wall clock steps (NTP, RTC sync after boot).
type MonotonicClock struct {
	origin  time.Duration
	started time.Time
}

func NewMonotonicClock() *MonotonicClock {
	c := &MonotonicClock{started: time.Now()}
	c.origin, _ = c.raw()
	return c
}

func (c *MonotonicClock) raw() (time.Duration, bool) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0, false
	}
	return time.Duration(ts.Nano()), true
}

func (c *MonotonicClock) Now() time.Duration {
	if now, ok := c.raw(); ok {
		return now - c.origin
	}
	// time.Since uses the runtime's monotonic reading
	return time.Since(c.started)
}

func (c *MonotonicClock) Sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
