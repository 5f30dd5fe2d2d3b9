package sim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ev-charging/internal/geo"
	"github.com/example/ev-charging/internal/models"
	"github.com/example/ev-charging/internal/observability"
	"github.com/example/ev-charging/internal/storage"
)

// Notifier receives low-battery alert jobs. Dispatch is asynchronous and
// best-effort; failures are observable to the queue, never to the poll.
type Notifier interface {
	NotifyLowBattery(email, token string, level float64)
}

// EventPublisher mirrors state transitions onto the telemetry bus.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.TelemetryEvent) error
}

// LiveMirror keeps the low-latency store in sync with the latest
// position/battery snapshot.
type LiveMirror interface {
	UpdateVehicle(ctx context.Context, v *models.VehicleState) error
}

// Billing places a payment hold when a vehicle arrives at a station and
// settles it when the client acknowledges the navigation.
type Billing interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// Engine owns the per-poll state projection: battery decay from elapsed
// wall-clock time, arrival detection, one-shot low-battery notification,
// and depletion. Handlers stay stateless; all shared state lives in the
// injected stores, and the one-shot flags go through the stores' conditional
// writes so concurrent polls cannot double-fire side effects.
type Engine struct {
	Vehicles storage.VehicleStore
	Nav      storage.NavigationStore
	Users    storage.UserStore

	Notifier Notifier       // optional
	Events   EventPublisher // optional
	Live     LiveMirror     // optional
	Billing  Billing        // optional

	Clock  Clock
	Logger *slog.Logger

	DefaultDrainRate    float64 // percent per second, used when /start omits one
	LowBatteryPct       float64
	ArrivalRadiusMeters float64
	HoldAmountCents     int64
	HoldCurrency        string
}

func (e *Engine) clock() Clock {
	if e.Clock == nil {
		return realClock{}
	}
	return e.Clock
}

func (e *Engine) log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) lowBatteryPct() float64 {
	if e.LowBatteryPct <= 0 {
		return 20
	}
	return e.LowBatteryPct
}

func (e *Engine) arrivalRadius() float64 {
	if e.ArrivalRadiusMeters <= 0 {
		return 50
	}
	return e.ArrivalRadiusMeters
}

func (e *Engine) defaultDrainRate() float64 {
	if e.DefaultDrainRate <= 0 {
		return 0.5
	}
	return e.DefaultDrainRate
}

// Start begins a run. The battery starts from the explicit initial level if
// given, otherwise from the last persisted level (100 for a fresh record).
// The notification flag resets so each run gets its own low-battery alert.
func (e *Engine) Start(ctx context.Context, email string, initialBattery, drainRate *float64) error {
	v, err := e.Vehicles.GetVehicle(ctx, email)
	if err != nil {
		return fmt.Errorf("load vehicle: %w", err)
	}
	if v != nil && v.IsRunning {
		return ErrAlreadyRunning
	}

	rate := e.defaultDrainRate()
	if drainRate != nil {
		if *drainRate <= 0 {
			return ErrInvalidDrainRate
		}
		rate = *drainRate
	} else if v != nil && v.DrainRate > 0 {
		rate = v.DrainRate
	}

	level := 100.0
	if initialBattery != nil {
		if *initialBattery < 0 || *initialBattery > 100 {
			return ErrInvalidBatteryLevel
		}
		level = *initialBattery
	} else if v != nil && v.BatteryLevel > 0 {
		level = v.BatteryLevel
	}
	if level <= 0 {
		return ErrBatteryDepleted
	}

	now := e.clock().Now()
	next := &models.VehicleState{
		Email:             email,
		IsRunning:         true,
		StartTime:         &now,
		StartBatteryLevel: &level,
		DrainRate:         rate,
		BatteryLevel:      level,
		NotificationSent:  false,
	}
	if v != nil {
		next.Latitude = v.Latitude
		next.Longitude = v.Longitude
	}
	if err := e.Vehicles.SaveVehicle(ctx, next); err != nil {
		return fmt.Errorf("save vehicle: %w", err)
	}
	e.mirror(ctx, next)
	e.publish(ctx, models.EventStart, next)
	return nil
}

// Stop ends a run manually, persisting the battery level projected at the
// moment of the call.
func (e *Engine) Stop(ctx context.Context, email string) error {
	v, err := e.Vehicles.GetVehicle(ctx, email)
	if err != nil {
		return fmt.Errorf("load vehicle: %w", err)
	}
	if v == nil || !v.IsRunning {
		return ErrNotRunning
	}
	level := e.projectedLevel(v)
	if err := e.finishRun(ctx, v, level); err != nil {
		return err
	}
	e.publish(ctx, models.EventStop, v)
	return nil
}

// Reset unconditionally returns the vehicle to idle with a full battery,
// clearing the notification flag and the last known position. An open
// charging hold is released.
func (e *Engine) Reset(ctx context.Context, email string) error {
	nav, err := e.Nav.GetNavigation(ctx, email)
	if err != nil {
		// an open hold may leak here; reset still proceeds so the vehicle
		// does not get stuck, but the failure has to be visible
		e.log().Warn("navigation load failed during reset, open charge hold not cancelled", "email", email, "error", err)
	}
	if nav != nil && nav.ChargeHoldID != "" && e.Billing != nil {
		if err := e.Billing.Cancel(ctx, nav.ChargeHoldID); err != nil {
			e.log().Warn("charge hold cancel failed", "email", email, "hold_id", nav.ChargeHoldID, "error", err)
		}
		nav.ChargeHoldID = ""
		if err := e.Nav.SaveNavigation(ctx, nav); err != nil {
			return fmt.Errorf("save navigation: %w", err)
		}
	}
	next := &models.VehicleState{
		Email:            email,
		IsRunning:        false,
		DrainRate:        e.defaultDrainRate(),
		BatteryLevel:     100,
		NotificationSent: false,
	}
	if err := e.Vehicles.SaveVehicle(ctx, next); err != nil {
		return fmt.Errorf("save vehicle: %w", err)
	}
	e.mirror(ctx, next)
	e.publish(ctx, models.EventReset, next)
	return nil
}

// Status is the poll entry point. It derives the current battery from
// elapsed time, runs the arrival, notification, and depletion checks in that
// order, persists the deltas, and returns the snapshot. Unknown users get a
// default idle snapshot so polling UIs never have to special-case 404s.
func (e *Engine) Status(ctx context.Context, email string) (models.Snapshot, error) {
	observability.StatusPollsTotal.Inc()

	v, err := e.Vehicles.GetVehicle(ctx, email)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load vehicle: %w", err)
	}
	if v == nil {
		return models.Snapshot{IsRunning: false, BatteryLevel: 100}, nil
	}

	nav, err := e.Nav.GetNavigation(ctx, email)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("load navigation: %w", err)
	}

	snap := models.Snapshot{
		IsRunning:    v.IsRunning,
		BatteryLevel: v.BatteryLevel,
		Latitude:     v.Latitude,
		Longitude:    v.Longitude,
	}
	// an unacknowledged arrival stays visible across polls; a single missed
	// response must not lose the event
	if nav != nil && nav.VehicleReachedStation {
		snap.ArrivalCompleted = true
	}
	if !v.IsRunning || v.StartTime == nil || v.StartBatteryLevel == nil {
		return snap, nil
	}

	level := ProjectBattery(*v.StartBatteryLevel, v.DrainRate, e.clock().Now().Sub(*v.StartTime))
	snap.BatteryLevel = level

	if arrived, err := e.checkArrival(ctx, v, nav, level); err != nil {
		return models.Snapshot{}, err
	} else if arrived {
		snap.IsRunning = false
		snap.ArrivalCompleted = true
		return snap, nil
	}

	if level <= e.lowBatteryPct() {
		if err := e.checkNotification(ctx, v, level); err != nil {
			return models.Snapshot{}, err
		}
	}

	if level <= 0 {
		snap.BatteryLevel = 0
		snap.IsRunning = false
		if err := e.finishRun(ctx, v, 0); err != nil {
			return models.Snapshot{}, err
		}
		observability.DepletionsTotal.Inc()
		e.publish(ctx, models.EventDepletion, v)
		return snap, nil
	}

	// still running: persist the derived level so the stored snapshot and
	// the live mirror track the decay. Field-level write only; a full save
	// here could overwrite a one-shot flag set by a racing poll.
	v.BatteryLevel = level
	if err := e.Vehicles.SaveVehicleSnapshot(ctx, v.Email, level); err != nil {
		return models.Snapshot{}, fmt.Errorf("save vehicle snapshot: %w", err)
	}
	e.mirror(ctx, v)
	return snap, nil
}

// checkArrival reports whether the vehicle is within the arrival radius of
// an active navigation target. Side effects (stop, charging hold, telemetry)
// fire only for the poll that wins the conditional flag write.
func (e *Engine) checkArrival(ctx context.Context, v *models.VehicleState, nav *models.NavigationTarget, level float64) (bool, error) {
	if nav == nil || !nav.IsNavigating || v.Latitude == nil || v.Longitude == nil {
		return false, nil
	}
	dist := geo.Haversine(*v.Latitude, *v.Longitude, nav.EndLat, nav.EndLng)
	if dist >= e.arrivalRadius() {
		return false, nil
	}
	if nav.VehicleReachedStation {
		// already arrived and still at the station; settle the run if an
		// earlier poll failed partway, but never re-fire the arrival side
		// effects. The radius check above keeps an unacknowledged arrival
		// from a previous run from stopping a fresh run elsewhere.
		if v.IsRunning {
			if err := e.finishRun(ctx, v, level); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	first, err := e.Nav.MarkArrived(ctx, v.Email)
	if err != nil {
		return false, fmt.Errorf("mark arrived: %w", err)
	}
	if err := e.finishRun(ctx, v, level); err != nil {
		return false, err
	}
	if first {
		observability.ArrivalsTotal.Inc()
		e.log().Info("vehicle reached station", "email", v.Email, "distance_m", dist, "battery", level)
		e.publish(ctx, models.EventArrival, v)
		e.openChargeHold(ctx, nav)
	}
	return true, nil
}

// checkNotification dispatches the one-shot low-battery alert. The flag is
// persisted first, so a dispatch failure can never cause a retry storm; it
// is logged and counted by the notify queue instead.
func (e *Engine) checkNotification(ctx context.Context, v *models.VehicleState, level float64) error {
	if v.NotificationSent {
		return nil
	}
	first, err := e.Vehicles.MarkNotificationSent(ctx, v.Email)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	v.NotificationSent = true
	if !first {
		return nil
	}
	observability.NotificationsTotal.Inc()
	e.publish(ctx, models.EventLowBattery, v)
	if e.Notifier == nil {
		return nil
	}
	u, err := e.Users.GetUser(ctx, v.Email)
	if err != nil {
		e.log().Warn("push token lookup failed", "email", v.Email, "error", err)
		return nil
	}
	if u == nil || u.PushToken == "" {
		// no registered device, not an error
		return nil
	}
	e.Notifier.NotifyLowBattery(v.Email, u.PushToken, level)
	return nil
}

// UpdateLocation records the client-reported position. Creates the record
// for unknown users so the map can place vehicles before their first run.
func (e *Engine) UpdateLocation(ctx context.Context, email string, lat, lng float64) error {
	v, err := e.Vehicles.GetVehicle(ctx, email)
	if err != nil {
		return fmt.Errorf("load vehicle: %w", err)
	}
	if v == nil {
		v = &models.VehicleState{Email: email, BatteryLevel: 100, DrainRate: e.defaultDrainRate()}
		v.Latitude = &lat
		v.Longitude = &lng
		if err := e.Vehicles.SaveVehicle(ctx, v); err != nil {
			return fmt.Errorf("save vehicle: %w", err)
		}
	} else {
		v.Latitude = &lat
		v.Longitude = &lng
		if err := e.Vehicles.SaveVehiclePosition(ctx, email, lat, lng); err != nil {
			return fmt.Errorf("save vehicle position: %w", err)
		}
	}
	e.mirror(ctx, v)
	e.publish(ctx, models.EventLocation, v)
	return nil
}

// UpdateBattery manually overrides the stored level. Only meaningful while
// idle: a running vehicle's level is derived, not stored, so the override is
// rejected to keep decay monotonic within a run.
func (e *Engine) UpdateBattery(ctx context.Context, email string, level float64) error {
	if level < 0 || level > 100 {
		return ErrInvalidBatteryLevel
	}
	v, err := e.Vehicles.GetVehicle(ctx, email)
	if err != nil {
		return fmt.Errorf("load vehicle: %w", err)
	}
	if v != nil && v.IsRunning {
		return ErrAlreadyRunning
	}
	if v == nil {
		v = &models.VehicleState{Email: email, DrainRate: e.defaultDrainRate()}
	}
	v.BatteryLevel = level
	if err := e.Vehicles.SaveVehicle(ctx, v); err != nil {
		return fmt.Errorf("save vehicle: %w", err)
	}
	e.mirror(ctx, v)
	return nil
}

// UpdateDrainRate changes the rate mid-run. The run is rebased onto the
// current projected level and the current time so the decay curve stays
// continuous and monotonic across the change.
func (e *Engine) UpdateDrainRate(ctx context.Context, email string, rate float64) error {
	if rate <= 0 {
		return ErrInvalidDrainRate
	}
	v, err := e.Vehicles.GetVehicle(ctx, email)
	if err != nil {
		return fmt.Errorf("load vehicle: %w", err)
	}
	if v == nil || !v.IsRunning {
		return ErrNotRunning
	}
	level := e.projectedLevel(v)
	now := e.clock().Now()
	v.StartTime = &now
	v.StartBatteryLevel = &level
	v.DrainRate = rate
	v.BatteryLevel = level
	if err := e.Vehicles.SaveVehicle(ctx, v); err != nil {
		return fmt.Errorf("save vehicle: %w", err)
	}
	return nil
}

// BeginNavigation sets a fresh route target for the vehicle.
func (e *Engine) BeginNavigation(ctx context.Context, email string, startLat, startLng, endLat, endLng float64) error {
	nav := &models.NavigationTarget{
		Email:        email,
		IsNavigating: true,
		StartLat:     startLat,
		StartLng:     startLng,
		EndLat:       endLat,
		EndLng:       endLng,
	}
	if err := e.Nav.SaveNavigation(ctx, nav); err != nil {
		return fmt.Errorf("save navigation: %w", err)
	}
	return nil
}

// NavigationStatus returns the active target, or a default idle target for
// unknown users.
func (e *Engine) NavigationStatus(ctx context.Context, email string) (*models.NavigationTarget, error) {
	nav, err := e.Nav.GetNavigation(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("load navigation: %w", err)
	}
	if nav == nil {
		return &models.NavigationTarget{Email: email, IsNavigating: false}, nil
	}
	return nav, nil
}

// EndNavigation is the client acknowledgment that retires an arrival: it
// clears the navigation and arrival flags, stops the vehicle if it is still
// running, and captures the charging hold opened at arrival.
func (e *Engine) EndNavigation(ctx context.Context, email string) error {
	nav, err := e.Nav.GetNavigation(ctx, email)
	if err != nil {
		return fmt.Errorf("load navigation: %w", err)
	}
	if nav != nil && nav.ChargeHoldID != "" && e.Billing != nil {
		if err := e.Billing.Capture(ctx, nav.ChargeHoldID); err != nil {
			e.log().Warn("charge hold capture failed", "email", email, "hold_id", nav.ChargeHoldID, "error", err)
		}
	}
	if err := e.Nav.ClearNavigation(ctx, email); err != nil {
		return fmt.Errorf("clear navigation: %w", err)
	}
	v, err := e.Vehicles.GetVehicle(ctx, email)
	if err != nil {
		return fmt.Errorf("load vehicle: %w", err)
	}
	if v != nil && v.IsRunning {
		if err := e.finishRun(ctx, v, e.projectedLevel(v)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) projectedLevel(v *models.VehicleState) float64 {
	if v.StartTime == nil || v.StartBatteryLevel == nil {
		return v.BatteryLevel
	}
	return ProjectBattery(*v.StartBatteryLevel, v.DrainRate, e.clock().Now().Sub(*v.StartTime))
}

// finishRun persists the idle state with the final battery level. Idempotent,
// safe to call from racing polls.
func (e *Engine) finishRun(ctx context.Context, v *models.VehicleState, level float64) error {
	v.IsRunning = false
	v.StartTime = nil
	v.StartBatteryLevel = nil
	v.BatteryLevel = level
	if err := e.Vehicles.SaveVehicle(ctx, v); err != nil {
		return fmt.Errorf("save vehicle: %w", err)
	}
	e.mirror(ctx, v)
	return nil
}

func (e *Engine) openChargeHold(ctx context.Context, nav *models.NavigationTarget) {
	if e.Billing == nil {
		return
	}
	amount := e.HoldAmountCents
	if amount <= 0 {
		amount = 500
	}
	currency := e.HoldCurrency
	if currency == "" {
		currency = "usd"
	}
	id, err := e.Billing.Hold(ctx, amount, currency, nav.Email)
	if err != nil {
		e.log().Warn("charge hold failed", "email", nav.Email, "error", err)
		return
	}
	nav.ChargeHoldID = id
	nav.VehicleReachedStation = true
	if err := e.Nav.SaveNavigation(ctx, nav); err != nil {
		e.log().Warn("charge hold persist failed", "email", nav.Email, "hold_id", id, "error", err)
	}
}

// publish and mirror are best-effort; the poll response never depends on
// the telemetry bus or the live mirror being up.
func (e *Engine) publish(ctx context.Context, kind string, v *models.VehicleState) {
	if e.Events == nil {
		return
	}
	ev := models.TelemetryEvent{
		Email:        v.Email,
		Kind:         kind,
		Latitude:     v.Latitude,
		Longitude:    v.Longitude,
		BatteryLevel: v.BatteryLevel,
		Timestamp:    e.clock().Now(),
	}
	if err := e.Events.PublishEvent(ctx, ev); err != nil {
		e.log().Warn("telemetry publish failed", "email", v.Email, "kind", kind, "error", err)
	}
}

func (e *Engine) mirror(ctx context.Context, v *models.VehicleState) {
	if e.Live == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.Live.UpdateVehicle(ctx, v); err != nil {
		e.log().Warn("live mirror update failed", "email", v.Email, "error", err)
	}
}
