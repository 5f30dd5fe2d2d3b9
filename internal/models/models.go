package models

import "time"

// VehicleState is the persisted per-user simulation record. One simulated
// vehicle per user key. BatteryLevel is only the last persisted snapshot;
// the live value is always re-derived from StartTime/StartBatteryLevel/DrainRate.
type VehicleState struct {
	Email             string     `json:"email"`
	IsRunning         bool       `json:"is_running"`
	StartTime         *time.Time `json:"start_time,omitempty"`
	StartBatteryLevel *float64   `json:"start_battery_level,omitempty"`
	DrainRate         float64    `json:"drain_rate"` // percent per second
	BatteryLevel      float64    `json:"battery_level"`
	NotificationSent  bool       `json:"notification_sent"`
	Latitude          *float64   `json:"latitude,omitempty"`
	Longitude         *float64   `json:"longitude,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NavigationTarget tracks an active route for a user's vehicle.
// VehicleReachedStation is a one-shot flag: set once by arrival detection,
// cleared only by an explicit end-navigation acknowledgment.
type NavigationTarget struct {
	Email                 string  `json:"email"`
	IsNavigating          bool    `json:"isNavigating"`
	StartLat              float64 `json:"start_lat"`
	StartLng              float64 `json:"start_lng"`
	EndLat                float64 `json:"end_lat"`
	EndLng                float64 `json:"end_lng"`
	VehicleReachedStation bool    `json:"vehicleReachedStation,omitempty"`
	ChargeHoldID          string  `json:"-"`
}

// Snapshot is what a status poll returns to the map client.
type Snapshot struct {
	IsRunning        bool     `json:"isRunning"`
	BatteryLevel     float64  `json:"batteryLevel"`
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	ArrivalCompleted bool     `json:"arrivalCompleted,omitempty"`
}

type Station struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	TotalSlots     int       `json:"total_slots"`
	AvailableSlots int       `json:"available_slots"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SlotUpdate is one entry of a bulk station inventory write.
type SlotUpdate struct {
	StationID      string `json:"id"`
	AvailableSlots int    `json:"available_slots"`
}

type User struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	PushToken string `json:"-"`
}

// Telemetry event kinds published to the event bus.
const (
	EventStart      = "start"
	EventStop       = "stop"
	EventLocation   = "location"
	EventLowBattery = "low_battery"
	EventArrival    = "arrival"
	EventDepletion  = "depletion"
	EventReset      = "reset"
)

// TelemetryEvent mirrors a vehicle state transition onto the event bus,
// keyed by email so per-vehicle ordering is preserved.
type TelemetryEvent struct {
	Email        string    `json:"email"`
	Kind         string    `json:"kind"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	BatteryLevel float64   `json:"battery_level"`
	Timestamp    time.Time `json:"timestamp"`
}
