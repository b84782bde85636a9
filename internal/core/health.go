package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Check answers a yes/no question about the outside world. A check that
// panics or outlives its timeout counts as false.
type Check func(ctx context.Context) bool

type healthState int

const (
	healthUnknown healthState = iota
	healthHealthy
	healthUnhealthy
)

func (s healthState) String() string {
	switch s {
	case healthHealthy:
		return "healthy"
	case healthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

type HealthReport struct {
	Internet bool `json:"internet"`
	Printer  bool `json:"printer"`
}

func (r HealthReport) Healthy() bool {
	return r.Internet && r.Printer
}

type HealthProbe struct {
	internet     Check
	printer      Check
	hub          Broadcaster
	outbox       Kicker
	notifier     OutOfServiceNotifier
	suppression  *SuppressionFlag
	interval     time.Duration
	checkTimeout time.Duration
	clock        Clock
	log          *slog.Logger

	mu   sync.Mutex
	last healthState
	wg   sync.WaitGroup
}

func NewHealthProbe(internet, printer Check, hub Broadcaster, outbox Kicker, notifier OutOfServiceNotifier, suppression *SuppressionFlag, interval, checkTimeout time.Duration, logger *slog.Logger) *HealthProbe {
	return &HealthProbe{
		internet:     internet,
		printer:      printer,
		hub:          hub,
		outbox:       outbox,
		notifier:     notifier,
		suppression:  suppression,
		interval:     interval,
		checkTimeout: checkTimeout,
		clock:        RealClock(),
		log:          logger,
	}
}

func (p *HealthProbe) Evaluate(ctx context.Context) HealthReport {
	return HealthReport{
		Internet: runCheck(ctx, p.internet, p.checkTimeout),
		Printer:  runCheck(ctx, p.printer, p.checkTimeout),
	}
}

// LastBroadcast is the state most recently announced to subscribers.
func (p *HealthProbe) LastBroadcast() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last.String()
}

// Tick evaluates health once and broadcasts only if the state changed since
// the last broadcast. A degradation seen while suppression is on is neither
// announced nor remembered, so it is reconsidered on the next tick.
func (p *HealthProbe) Tick(ctx context.Context) {
	report := p.Evaluate(ctx)
	now := healthUnhealthy
	if report.Healthy() {
		now = healthHealthy
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if now == p.last {
		return
	}

	if now == healthHealthy {
		p.log.Info("system healthy")
		p.hub.Broadcast(ctx, Message{Event: EventHealthy})
		p.outbox.Kick()
		p.last = now
		return
	}

	if p.suppression.IsSet() {
		p.log.Info("degradation suppressed while a print job is being resolved",
			"internet", report.Internet, "printer", report.Printer)
		return
	}

	p.log.Error("system out of service", "internet", report.Internet, "printer", report.Printer)
	p.hub.Broadcast(ctx, Message{Event: EventOutOfService})
	p.notifyOutOfService(ctx, report)
	p.last = now
}

func (p *HealthProbe) notifyOutOfService(ctx context.Context, report HealthReport) {
	if p.notifier == nil {
		return
	}
	msg := fmt.Sprintf("Kiosk out of service: internet=%t printer=%t", report.Internet, report.Printer)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.notifier.NotifyOutOfService(ctx, msg); err != nil {
			p.log.Error("failed to report out of service", "error", err)
		}
	}()
}

func (p *HealthProbe) Run(ctx context.Context) error {
	p.log.Info("health probe started", "interval", p.interval)
	defer p.wg.Wait()

	for {
		p.safeTick(ctx)
		if err := p.clock.Sleep(ctx, p.interval); err != nil {
			return nil
		}
	}
}

func (p *HealthProbe) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("health tick panicked", "panic", r)
		}
	}()
	p.Tick(ctx)
}

func runCheck(ctx context.Context, check Check, timeout time.Duration) bool {
	if check == nil {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- false
			}
		}()
		done <- check(cctx)
	}()

	select {
	case ok := <-done:
		return ok
	case <-cctx.Done():
		return false
	}
}
