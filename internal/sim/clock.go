package sim

import "time"

// Clock supplies the wall-clock time used for battery projection. Projection
// must never trust a client-supplied timestamp, so everything in this package
// reads time through this interface (and tests substitute a fake).
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns the system clock.
func RealClock() Clock { return realClock{} }
