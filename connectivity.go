package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultProbeInterval is how often Connectivity.Watch probes the API.
const DefaultProbeInterval = 15 * time.Second

// Connectivity is the process-wide online/offline signal. Listeners run
// synchronously, in registration order, on every transition.
type Connectivity struct {
	logger *slog.Logger

	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
}

// NewConnectivity creates a signal with the given initial state.
func NewConnectivity(online bool, logger *slog.Logger) *Connectivity {
	if logger == nil {
		logger = discardLogger()
	}
	return &Connectivity{online: online, logger: logger.With("component", "connectivity")}
}

// Online reports the current state.
func (c *Connectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// OnChange registers fn for state transitions.
func (c *Connectivity) OnChange(fn func(online bool)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// SetOnline records the state and notifies listeners when it changed.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	listeners := append([]func(bool){}, c.listeners...)
	c.mu.Unlock()

	c.logger.Info("connectivity changed", "online", online)
	for _, fn := range listeners {
		safeCall(c.logger, "connectivity listener", func() { fn(online) })
	}
}

// Watch calls probe every interval until ctx is done. A nil error means
// online; any error means offline.
func (c *Connectivity) Watch(ctx context.Context, interval time.Duration, probe func(context.Context) error) {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := probe(pctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Debug("connectivity probe failed", "error", err)
		}
		c.SetOnline(err == nil)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
