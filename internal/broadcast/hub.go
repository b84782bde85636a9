package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orrn/kiosk/internal/core"
)

const (
	defaultSendTimeout = 2 * time.Second
	maxConcurrentSends = 16
)

type Subscriber interface {
	ID() string
	Send(ctx context.Context, msg core.Message) error
}

// Hub fans event messages out to every connected subscriber. A failing
// subscriber stays registered until its own connection handler disconnects it.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	sendTimeout time.Duration
	log         *slog.Logger
}

func NewHub(sendTimeout time.Duration, logger *slog.Logger) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	return &Hub{
		subscribers: make(map[string]Subscriber),
		sendTimeout: sendTimeout,
		log:         logger,
	}
}

func (h *Hub) Connect(s Subscriber) {
	h.mu.Lock()
	h.subscribers[s.ID()] = s
	count := len(h.subscribers)
	h.mu.Unlock()

	h.log.Info("subscriber connected", "subscriber", s.ID(), "subscribers", count)
}

// Disconnect is a no-op for a subscriber that is not registered.
func (h *Hub) Disconnect(s Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[s.ID()]
	delete(h.subscribers, s.ID())
	count := len(h.subscribers)
	h.mu.Unlock()

	if ok {
		h.log.Info("subscriber disconnected", "subscriber", s.ID(), "subscribers", count)
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) Broadcast(ctx context.Context, msg core.Message) {
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	h.log.Info("broadcasting", "event", msg.Event, "subscribers", len(targets))
	if len(targets) == 0 {
		return
	}

	// Sends are bounded by sendTimeout, not by the caller's cancellation.
	base := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(maxConcurrentSends)
	for _, s := range targets {
		g.Go(func() error {
			h.send(base, s, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Hub) send(ctx context.Context, s Subscriber, msg core.Message) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("subscriber send panicked", "subscriber", s.ID(), "panic", r)
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	if err := s.Send(sctx, msg); err != nil {
		h.log.Warn("failed to deliver event", "subscriber", s.ID(), "event", msg.Event, "error", err)
	}
}
