package sim

import "errors"

// Conflict and validation errors surfaced to the HTTP layer as 400s.
var (
	ErrAlreadyRunning      = errors.New("vehicle is already running")
	ErrNotRunning          = errors.New("vehicle is not running")
	ErrInvalidDrainRate    = errors.New("drain rate must be greater than zero")
	ErrInvalidBatteryLevel = errors.New("battery level must be between 0 and 100")
	ErrBatteryDepleted     = errors.New("battery is depleted, set a battery level or reset before starting")
)
