package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/ev-charging/internal/observability"
)

type notifyJob struct {
	email string
	token string
	level float64
}

// NotifyQueue makes the fire-and-forget push dispatch explicit: jobs go
// through a buffered channel to a single worker, so dispatch failures are
// logged and counted instead of silently swallowed, and a slow FCM call
// never blocks a status poll.
type NotifyQueue struct {
	pusher Pusher
	logger *slog.Logger
	jobs   chan notifyJob
	done   chan struct{}
}

func NewNotifyQueue(pusher Pusher, logger *slog.Logger, buffer int) *NotifyQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &NotifyQueue{
		pusher: pusher,
		logger: logger,
		jobs:   make(chan notifyJob, buffer),
		done:   make(chan struct{}),
	}
}

// Start runs the worker until ctx is canceled.
func (q *NotifyQueue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		for {
			select {
			case <-ctx.Done():
				return
			case job := <-q.jobs:
				q.deliver(job)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (q *NotifyQueue) Wait() { <-q.done }

// NotifyLowBattery enqueues a low-battery alert. Non-blocking: if the queue
// is full the job is dropped and counted, the poll must not stall.
func (q *NotifyQueue) NotifyLowBattery(email, token string, level float64) {
	select {
	case q.jobs <- notifyJob{email: email, token: token, level: level}:
	default:
		observability.NotifyFailures.Inc()
		q.logger.Warn("notify queue full, dropping alert", "email", email)
	}
}

func (q *NotifyQueue) deliver(job notifyJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data := map[string]string{
		"type":          "low_battery",
		"battery_level": strconv.FormatFloat(job.level, 'f', 0, 64),
	}
	if err := q.pusher.Push(ctx, job.token, data); err != nil {
		observability.NotifyFailures.Inc()
		q.logger.Warn("push dispatch failed", "email", job.email, "error", err)
		return
	}
	q.logger.Info("low battery alert sent", "email", job.email, "battery", job.level)
}
