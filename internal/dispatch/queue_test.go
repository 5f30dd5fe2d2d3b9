package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakePusher struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakePusher) Push(ctx context.Context, token string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("push fail")
	}
	return nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifyQueueDelivers(t *testing.T) {
	p := &fakePusher{}
	q := NewNotifyQueue(p, discardLogger(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	q.NotifyLowBattery("demo@example.com", "tok", 15)
	waitFor(t, func() bool { return p.count() == 1 })
}

func TestNotifyQueueFailureIsNonFatal(t *testing.T) {
	p := &fakePusher{fail: true}
	q := NewNotifyQueue(p, discardLogger(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	// a failed dispatch is logged and counted; the queue keeps working
	q.NotifyLowBattery("demo@example.com", "tok", 15)
	q.NotifyLowBattery("demo@example.com", "tok", 14)
	waitFor(t, func() bool { return p.count() == 2 })
}

func TestNotifyQueueStopsOnCancel(t *testing.T) {
	p := &fakePusher{}
	q := NewNotifyQueue(p, discardLogger(), 4)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()
	q.Wait()
}
