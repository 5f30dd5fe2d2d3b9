package sim

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ev-charging/internal/models"
	"github.com/example/ev-charging/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	last  float64
}

func (n *fakeNotifier) NotifyLowBattery(email, token string, level float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	n.last = level
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type fakeBilling struct {
	mu       sync.Mutex
	holds    int
	captures int
	cancels  int
}

func (b *fakeBilling) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holds++
	return "pi_test", nil
}

func (b *fakeBilling) Capture(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.captures++
	return nil
}

func (b *fakeBilling) Cancel(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore, *fakeClock, *fakeNotifier) {
	t.Helper()
	ms := storage.NewMemoryStore()
	ms.SeedUser(models.User{Email: "demo@example.com", Name: "Demo", PushToken: "tok-1"})
	ms.SeedUser(models.User{Email: "silent@example.com", Name: "No Device"})
	clk := newFakeClock()
	notifier := &fakeNotifier{}
	e := &Engine{
		Vehicles: ms,
		Nav:      ms,
		Users:    ms,
		Notifier: notifier,
		Clock:    clk,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return e, ms, clk, notifier
}

func floatPtr(f float64) *float64 { return &f }

func TestStatusScenarioDecayAndDepletion(t *testing.T) {
	e, _, clk, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "demo@example.com", floatPtr(100), floatPtr(2)); err != nil {
		t.Fatalf("start: %v", err)
	}

	clk.Advance(10 * time.Second)
	snap, err := e.Status(ctx, "demo@example.com")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !snap.IsRunning || snap.BatteryLevel != 80 {
		t.Fatalf("after 10s expected running at 80, got running=%v level=%f", snap.IsRunning, snap.BatteryLevel)
	}

	clk.Advance(40 * time.Second)
	snap, err = e.Status(ctx, "demo@example.com")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.IsRunning || snap.BatteryLevel != 0 {
		t.Fatalf("after 50s expected stopped at 0, got running=%v level=%f", snap.IsRunning, snap.BatteryLevel)
	}

	// depletion is idempotent across further polls
	for i := 0; i < 3; i++ {
		clk.Advance(5 * time.Second)
		snap, err = e.Status(ctx, "demo@example.com")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snap.IsRunning || snap.BatteryLevel != 0 {
			t.Fatalf("poll %d after depletion: running=%v level=%f", i, snap.IsRunning, snap.BatteryLevel)
		}
	}
}

func TestStatusMonotonicAcrossPolls(t *testing.T) {
	e, _, clk, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "demo@example.com", floatPtr(90), floatPtr(1)); err != nil {
		t.Fatalf("start: %v", err)
	}
	prev := 90.0
	for i := 0; i < 30; i++ {
		clk.Advance(2 * time.Second)
		snap, err := e.Status(ctx, "demo@example.com")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snap.BatteryLevel > prev {
			t.Fatalf("battery rose from %f to %f", prev, snap.BatteryLevel)
		}
		prev = snap.BatteryLevel
	}
}

func TestLowBatteryNotificationOneShot(t *testing.T) {
	e, ms, clk, notifier := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "demo@example.com", floatPtr(100), floatPtr(2)); err != nil {
		t.Fatalf("start: %v", err)
	}

	clk.Advance(45 * time.Second) // projected 10%, below threshold
	for i := 0; i < 5; i++ {
		if _, err := e.Status(ctx, "demo@example.com"); err != nil {
			t.Fatalf("status: %v", err)
		}
	}
	if got := notifier.count(); got != 1 {
		t.Fatalf("expected exactly one notification, got %d", got)
	}

	v, _ := ms.GetVehicle(ctx, "demo@example.com")
	if !v.NotificationSent {
		t.Fatal("expected notification flag persisted")
	}

	// a new run re-arms the alert
	if err := e.Stop(ctx, "demo@example.com"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := e.Start(ctx, "demo@example.com", floatPtr(100), floatPtr(2)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	clk.Advance(45 * time.Second)
	if _, err := e.Status(ctx, "demo@example.com"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := notifier.count(); got != 2 {
		t.Fatalf("expected second run to notify once, got %d total", got)
	}
}

func TestLowBatteryNotificationConcurrentPolls(t *testing.T) {
	e, _, clk, notifier := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "demo@example.com", floatPtr(100), floatPtr(2)); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(42 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Status(ctx, "demo@example.com")
		}()
	}
	wg.Wait()
	if got := notifier.count(); got != 1 {
		t.Fatalf("expected one notification across concurrent polls, got %d", got)
	}
}

func TestMissingPushTokenSkipsSilently(t *testing.T) {
	e, _, clk, notifier := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "silent@example.com", floatPtr(100), floatPtr(2)); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(45 * time.Second)
	if _, err := e.Status(ctx, "silent@example.com"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if notifier.count() != 0 {
		t.Fatal("expected no dispatch without a push token")
	}
}

func TestArrivalDetectionAndAcknowledgment(t *testing.T) {
	e, ms, clk, _ := newTestEngine(t)
	billing := &fakeBilling{}
	e.Billing = billing
	ctx := context.Background()
	const email = "demo@example.com"

	if err := e.UpdateLocation(ctx, email, 12.9716, 77.5946); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if err := e.Start(ctx, email, floatPtr(100), floatPtr(0.5)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.BeginNavigation(ctx, email, 12.9716, 77.5946, 12.9716, 77.5951); err != nil {
		t.Fatalf("begin navigation: %v", err)
	}

	// ~54m out: no arrival yet
	clk.Advance(2 * time.Second)
	snap, err := e.Status(ctx, email)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.ArrivalCompleted || !snap.IsRunning {
		t.Fatalf("expected still running outside radius, got %+v", snap)
	}

	// move within ~40m of the destination
	if err := e.UpdateLocation(ctx, email, 12.9716, 77.59495); err != nil {
		t.Fatalf("update location: %v", err)
	}
	clk.Advance(2 * time.Second)
	snap, err = e.Status(ctx, email)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !snap.ArrivalCompleted || snap.IsRunning {
		t.Fatalf("expected arrival, got %+v", snap)
	}
	if billing.holds != 1 {
		t.Fatalf("expected one charge hold, got %d", billing.holds)
	}

	// flag stays visible, side effects never re-fire
	for i := 0; i < 3; i++ {
		clk.Advance(2 * time.Second)
		snap, err = e.Status(ctx, email)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if !snap.ArrivalCompleted || snap.IsRunning {
			t.Fatalf("poll %d lost arrival flag: %+v", i, snap)
		}
	}
	if billing.holds != 1 {
		t.Fatalf("arrival side effects re-fired: %d holds", billing.holds)
	}

	nav, _ := ms.GetNavigation(ctx, email)
	if !nav.VehicleReachedStation {
		t.Fatal("expected persisted arrival flag")
	}

	// acknowledgment retires the arrived state and settles the hold
	if err := e.EndNavigation(ctx, email); err != nil {
		t.Fatalf("end navigation: %v", err)
	}
	if billing.captures != 1 {
		t.Fatalf("expected hold capture, got %d", billing.captures)
	}
	snap, err = e.Status(ctx, email)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.ArrivalCompleted {
		t.Fatal("arrival flag should clear after acknowledgment")
	}
	nav, _ = ms.GetNavigation(ctx, email)
	if nav.IsNavigating || nav.VehicleReachedStation {
		t.Fatalf("navigation not cleared: %+v", nav)
	}
}

func TestArrivalConcurrentPollsSingleHold(t *testing.T) {
	e, _, clk, _ := newTestEngine(t)
	billing := &fakeBilling{}
	e.Billing = billing
	ctx := context.Background()
	const email = "demo@example.com"

	if err := e.UpdateLocation(ctx, email, 12.9716, 77.5951); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if err := e.Start(ctx, email, floatPtr(100), floatPtr(0.5)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.BeginNavigation(ctx, email, 12.9716, 77.5946, 12.9716, 77.5951); err != nil {
		t.Fatalf("begin navigation: %v", err)
	}
	clk.Advance(2 * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Status(ctx, email)
		}()
	}
	wg.Wait()
	if billing.holds != 1 {
		t.Fatalf("expected one hold across concurrent polls, got %d", billing.holds)
	}
}

func TestNewRunSurvivesUnacknowledgedArrival(t *testing.T) {
	e, _, clk, _ := newTestEngine(t)
	billing := &fakeBilling{}
	e.Billing = billing
	ctx := context.Background()
	const email = "demo@example.com"

	if err := e.UpdateLocation(ctx, email, 12.9716, 77.5951); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if err := e.Start(ctx, email, floatPtr(100), floatPtr(0.5)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.BeginNavigation(ctx, email, 12.9716, 77.5946, 12.9716, 77.5951); err != nil {
		t.Fatalf("begin navigation: %v", err)
	}
	clk.Advance(2 * time.Second)
	snap, err := e.Status(ctx, email)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !snap.ArrivalCompleted || snap.IsRunning {
		t.Fatalf("expected arrival, got %+v", snap)
	}

	// arrival never acknowledged; drive a few km away and start a fresh run
	if err := e.UpdateLocation(ctx, email, 12.9400, 77.6100); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if err := e.Start(ctx, email, floatPtr(100), floatPtr(0.5)); err != nil {
		t.Fatalf("restart: %v", err)
	}
	clk.Advance(2 * time.Second)
	snap, err = e.Status(ctx, email)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !snap.IsRunning || snap.BatteryLevel != 99 {
		t.Fatalf("stale arrival flag stopped the fresh run: %+v", snap)
	}

	// returning to the station settles the run without re-firing side effects
	if err := e.UpdateLocation(ctx, email, 12.9716, 77.5951); err != nil {
		t.Fatalf("update location: %v", err)
	}
	clk.Advance(2 * time.Second)
	snap, err = e.Status(ctx, email)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.IsRunning {
		t.Fatalf("expected run to settle back at the station, got %+v", snap)
	}
	if billing.holds != 1 {
		t.Fatalf("expected the original hold only, got %d", billing.holds)
	}
}

type failingNavStore struct {
	storage.NavigationStore
	err error
}

func (f failingNavStore) GetNavigation(ctx context.Context, email string) (*models.NavigationTarget, error) {
	return nil, f.err
}

func TestResetProceedsWhenNavigationLoadFails(t *testing.T) {
	e, ms, _, _ := newTestEngine(t)
	e.Nav = failingNavStore{NavigationStore: ms, err: errors.New("nav store down")}
	ctx := context.Background()
	const email = "demo@example.com"

	if err := e.Start(ctx, email, floatPtr(50), floatPtr(2)); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Reset(ctx, email); err != nil {
		t.Fatalf("reset: %v", err)
	}
	v, _ := ms.GetVehicle(ctx, email)
	if v.IsRunning || v.BatteryLevel != 100 {
		t.Fatalf("reset did not complete: %+v", v)
	}
}

func TestResetClearsFlagsAndPosition(t *testing.T) {
	e, ms, clk, _ := newTestEngine(t)
	ctx := context.Background()
	const email = "demo@example.com"

	if err := e.UpdateLocation(ctx, email, 12.9716, 77.5946); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if err := e.Start(ctx, email, floatPtr(100), floatPtr(2)); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(45 * time.Second)
	if _, err := e.Status(ctx, email); err != nil {
		t.Fatalf("status: %v", err)
	}

	if err := e.Reset(ctx, email); err != nil {
		t.Fatalf("reset: %v", err)
	}
	v, _ := ms.GetVehicle(ctx, email)
	if v.IsRunning || v.BatteryLevel != 100 || v.NotificationSent {
		t.Fatalf("reset left state dirty: %+v", v)
	}
	if v.Latitude != nil || v.Longitude != nil {
		t.Fatal("reset should clear position")
	}
}

func TestStartWhileRunningConflicts(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "demo@example.com", nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(ctx, "demo@example.com", nil, nil); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStopWhileIdleConflicts(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	if err := e.Stop(context.Background(), "demo@example.com"); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestUpdateDrainRateRequiresRunning(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.UpdateDrainRate(ctx, "demo@example.com", 2); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := e.Start(ctx, "demo@example.com", nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.UpdateDrainRate(ctx, "demo@example.com", 0); err != ErrInvalidDrainRate {
		t.Fatalf("expected ErrInvalidDrainRate, got %v", err)
	}
}

func TestUpdateDrainRateRebasesProjection(t *testing.T) {
	e, _, clk, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "demo@example.com", floatPtr(100), floatPtr(1)); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(10 * time.Second) // projected 90
	if err := e.UpdateDrainRate(ctx, "demo@example.com", 2); err != nil {
		t.Fatalf("update drain rate: %v", err)
	}
	clk.Advance(5 * time.Second) // 90 - 5*2 = 80
	snap, err := e.Status(ctx, "demo@example.com")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.BatteryLevel != 80 {
		t.Fatalf("expected continuous decay to 80, got %f", snap.BatteryLevel)
	}
}

func TestUpdateBatteryRejectedWhileRunning(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "demo@example.com", nil, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.UpdateBattery(ctx, "demo@example.com", 50); err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestUnknownUserGetsDefaultSnapshot(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	snap, err := e.Status(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.IsRunning || snap.BatteryLevel != 100 {
		t.Fatalf("expected default idle snapshot, got %+v", snap)
	}
}

func TestStopPersistsProjectedLevel(t *testing.T) {
	e, ms, clk, _ := newTestEngine(t)
	ctx := context.Background()
	if err := e.Start(ctx, "demo@example.com", floatPtr(100), floatPtr(2)); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.Advance(15 * time.Second)
	if err := e.Stop(ctx, "demo@example.com"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	v, _ := ms.GetVehicle(ctx, "demo@example.com")
	if v.IsRunning || v.BatteryLevel != 70 {
		t.Fatalf("expected stopped at 70, got %+v", v)
	}
}
