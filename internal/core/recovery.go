package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type RemoteHealth interface {
	Healthy(ctx context.Context) bool
}

// RecoveryCoordinator watches the remote service after an upstream failure
// until it answers healthy again. One episode runs at a time.
type RecoveryCoordinator struct {
	remote   RemoteHealth
	hub      Broadcaster
	outbox   Kicker
	interval time.Duration
	timeout  time.Duration
	clock    Clock
	log      *slog.Logger

	active  atomic.Bool
	trigger chan struct{}
}

func NewRecoveryCoordinator(remote RemoteHealth, hub Broadcaster, outbox Kicker, interval, timeout time.Duration, logger *slog.Logger) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		remote:   remote,
		hub:      hub,
		outbox:   outbox,
		interval: interval,
		timeout:  timeout,
		clock:    RealClock(),
		log:      logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Activate starts a recovery episode. It reports false when one is already running.
func (r *RecoveryCoordinator) Activate() bool {
	if !r.active.CompareAndSwap(false, true) {
		r.log.Info("recovery polling already active")
		return false
	}
	select {
	case r.trigger <- struct{}{}:
	default:
	}
	return true
}

func (r *RecoveryCoordinator) Active() bool {
	return r.active.Load()
}

func (r *RecoveryCoordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.trigger:
			r.safePoll(ctx)
		}
	}
}

func (r *RecoveryCoordinator) safePoll(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("recovery polling panicked", "panic", p)
			r.active.Store(false)
		}
	}()
	r.poll(ctx)
}

func (r *RecoveryCoordinator) poll(ctx context.Context) {
	r.log.Info("starting server recovery polling", "interval", r.interval)

	for {
		if err := r.clock.Sleep(ctx, r.interval); err != nil {
			r.log.Info("server recovery polling stopped", "error", err)
			return
		}

		r.log.Info("checking server availability")
		if runCheck(ctx, r.remote.Healthy, r.timeout) {
			break
		}
		r.log.Debug("server still unavailable", "retry_in", r.interval)
	}

	r.log.Info("server is back online")
	r.active.Store(false)
	r.hub.Broadcast(ctx, Message{Event: EventHealthy})
	r.outbox.Kick()
	r.log.Info("server recovery polling stopped")
}
