package sim

import (
	"math"
	"time"
)

// ProjectBattery derives the current battery level from the level at run
// start, the drain rate in percent per second, and the elapsed wall-clock
// time. Pure and deterministic: max(0, round(start - elapsed*rate)), clamped
// to [0,100]. A positive rate is enforced where runs are configured, not here.
func ProjectBattery(startLevel, ratePctPerSec float64, elapsed time.Duration) float64 {
	level := math.Round(startLevel - elapsed.Seconds()*ratePctPerSec)
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
