package motor

import (
	"math"
	"time"

	"transfercase-service/internal/config"
)

// maxSpeed looks up the speed ceiling for the distance to the target
// center. Bands are ordered by falling distance; below the last band the
// actuator creeps.
func maxSpeed(distance float64, bands []config.SpeedBand, creep float64) float64 {
	distance = math.Min(math.Abs(distance), 1.0)
	for _, b := range bands {
		if distance > b.MinDistance {
			return b.MaxSpeed
		}
	}
	return creep
}

// ramp moves speed toward ceiling by at most accel per second. Only
// increases are rate-limited: a falling ceiling takes effect at once.
func ramp(speed, ceiling, accel float64, dt time.Duration) float64 {
	if dt > 0 {
		speed += accel * dt.Seconds()
	}
	return math.Max(0, math.Min(speed, ceiling))
}

// dutyFor maps a normalized speed onto the usable duty range. Zero speed
// is zero duty; any motion starts at minDuty, below which the motor stalls.
func dutyFor(speed float64, minDuty, maxDuty uint8) uint8 {
	if speed <= 0 {
		return 0
	}
	speed = math.Min(speed, 1.0)
	return uint8(math.Round(float64(minDuty) + speed*float64(maxDuty-minDuty)))
}
