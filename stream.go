package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Stream event names sent by the server.
const (
	streamEventNotification = "notification"
	streamEventUnreadCount  = "unread-count"
)

// DefaultHeartbeatInterval is how often a connected stream runs its liveness check.
const DefaultHeartbeatInterval = 30 * time.Second

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures a StreamClient. Zero values take the defaults.
type StreamConfig struct {
	Transport         Transport
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	BackoffFactor     float64
	HeartbeatInterval time.Duration
	// StaleTimeout forces a reconnect when nothing arrived on a connected
	// stream for this long. Zero disables the check.
	StaleTimeout time.Duration
	// HTTPClient must not carry a Timeout; streams are long-lived.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *Metrics
}

func (c *StreamConfig) defaults() {
	if c.Transport == "" {
		c.Transport = TransportSSE
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// StreamClient
// ============================================================================

// StreamClient keeps a server-push connection to the notification stream open,
// reconnecting with exponential backoff after every failure.
//
// All work belonging to one connection attempt is tagged with an epoch.
// Connect, Disconnect and failures advance the epoch, so timers and read
// loops of a superseded attempt find a stale epoch and do nothing.
type StreamClient struct {
	emitter
	cfg       StreamConfig
	transport streamTransport
	logger    *slog.Logger

	mu          sync.Mutex
	state       ConnState
	epoch       uint64
	parent      context.Context
	cancel      context.CancelFunc
	retry       *time.Timer
	backoff     *backoff
	lastEventID string
	lastData    time.Time

	handlersMu     sync.RWMutex
	onNotification []func(Notification)
	onUnreadCount  []func(int)
}

// NewStreamClient creates a stream client for the given API client.
// Call Connect to open the connection.
func NewStreamClient(c *Client, config *StreamConfig) *StreamClient {
	var cfg StreamConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	s := &StreamClient{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "stream"),
		state:   StateDisconnected,
		backoff: newBackoff(cfg.ReconnectDelay, cfg.MaxReconnectDelay, cfg.BackoffFactor),
	}
	s.emitter.init(s.logger)

	switch cfg.Transport {
	case TransportWebSocket:
		s.transport = &wsTransport{
			baseURL:    c.baseURL,
			token:      c.token,
			httpClient: cfg.HTTPClient,
			activity:   s.touch,
			logger:     s.logger,
		}
	default:
		s.transport = &sseTransport{
			baseURL:    c.baseURL,
			token:      c.token,
			httpClient: cfg.HTTPClient,
			activity:   s.touch,
		}
	}
	return s
}

// OnNotification registers a handler for decoded "notification" events.
// Handlers run on the stream's read goroutine in arrival order.
func (s *StreamClient) OnNotification(h func(Notification)) {
	s.handlersMu.Lock()
	s.onNotification = append(s.onNotification, h)
	s.handlersMu.Unlock()
}

// OnUnreadCount registers a handler for "unread-count" events.
func (s *StreamClient) OnUnreadCount(h func(int)) {
	s.handlersMu.Lock()
	s.onUnreadCount = append(s.onUnreadCount, h)
	s.handlersMu.Unlock()
}

// OnStateChange registers a handler for connection state transitions.
func (s *StreamClient) OnStateChange(h func(ConnState)) {
	s.On(EventStateChanged, func(_ string, payload any) {
		if st, ok := payload.(ConnState); ok {
			h(st)
		}
	})
}

// State returns the current connection state.
func (s *StreamClient) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastEventID returns the resume cursor sent on the next connect.
func (s *StreamClient) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// SetLastEventID seeds the resume cursor, e.g. from a previous run.
func (s *StreamClient) SetLastEventID(id string) {
	s.mu.Lock()
	s.lastEventID = id
	s.mu.Unlock()
}

// Connect opens the stream. An existing connection and any pending reconnect
// are torn down first. When the attempt fails a reconnect is scheduled and
// the error is returned. ctx bounds the lifetime of this and every later
// automatic reconnect.
func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	s.stopLocked()
	s.parent = ctx
	epoch := s.epoch
	changed := s.state != StateConnecting
	s.state = StateConnecting
	s.mu.Unlock()

	if changed {
		s.emit(EventStateChanged, StateConnecting)
		s.restate(epoch)
	}
	return s.dial(epoch)
}

// Attach binds ctx as the lifetime of later reconnects without dialing.
// NetworkOnline and Resume then open the stream even when Connect never ran,
// e.g. for a client that started offline.
func (s *StreamClient) Attach(ctx context.Context) {
	s.mu.Lock()
	s.parent = ctx
	s.mu.Unlock()
}

// Disconnect closes the stream and cancels heartbeat and reconnect timers.
// It is safe to call any number of times.
func (s *StreamClient) Disconnect() {
	s.mu.Lock()
	s.epoch++
	s.stopLocked()
	changed := s.state != StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if changed {
		s.cfg.Metrics.setConnected(false)
		s.emit(EventStateChanged, StateDisconnected)
	}
}

// Suspend is called when the host UI is hidden. The stream stays open;
// this is the hook for pausing non-essential work.
func (s *StreamClient) Suspend() {
	s.logger.Debug("stream suspended")
}

// Resume is called when the host UI becomes visible again. A stream that is
// not connected reconnects immediately, skipping any backoff wait.
func (s *StreamClient) Resume() {
	if s.State() == StateConnected {
		return
	}
	s.reconnectNow()
}

// NetworkOnline reconnects immediately after connectivity returns. The
// backoff starts over from the initial delay.
func (s *StreamClient) NetworkOnline() {
	s.mu.Lock()
	s.backoff.reset()
	s.mu.Unlock()
	s.reconnectNow()
}

// NetworkOffline drops the connection without waiting for a stream error.
func (s *StreamClient) NetworkOffline() {
	s.Disconnect()
}

func (s *StreamClient) reconnectNow() {
	s.mu.Lock()
	parent := s.parent
	s.mu.Unlock()
	if parent == nil || parent.Err() != nil {
		return
	}
	// The error is already logged and a retry is scheduled.
	_ = s.Connect(parent)
}

// stopLocked cancels the live connection and the pending reconnect timer.
// Cancelling the connection context also ends its read loop and heartbeat.
func (s *StreamClient) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *StreamClient) dial(epoch uint64) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	connCtx, cancel := context.WithCancel(s.parent)
	s.cancel = cancel
	lastID := s.lastEventID
	s.mu.Unlock()

	src, err := s.transport.open(connCtx, lastID)
	if err != nil {
		s.logger.Warn("notification stream connect failed", "error", err)
		s.fail(epoch)
		return err
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		cancel()
		src.close()
		return nil
	}
	s.backoff.reset()
	s.state = StateConnected
	s.lastData = time.Now()
	s.mu.Unlock()

	s.logger.Info("notification stream connected", "last_event_id", lastID)
	s.cfg.Metrics.setConnected(true)
	s.emit(EventStateChanged, StateConnected)
	if s.restate(epoch) {
		src.close()
		return nil
	}

	go s.readLoop(epoch, src)
	go s.heartbeatLoop(connCtx, epoch)
	return nil
}

// restate runs after a state change was announced outside the lock. When a
// Disconnect superseded epoch in the meantime, the gauge and listeners are
// brought back in line with the disconnected state. It reports whether epoch
// is stale.
func (s *StreamClient) restate(epoch uint64) bool {
	s.mu.Lock()
	stale := epoch != s.epoch
	state := s.state
	s.mu.Unlock()
	if !stale {
		return false
	}
	if state == StateDisconnected {
		s.cfg.Metrics.setConnected(false)
		s.emit(EventStateChanged, StateDisconnected)
	}
	return true
}

// fail handles the end of a connection attempt: the live connection is
// dropped and a reconnect is scheduled with the current backoff delay.
func (s *StreamClient) fail(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.stopLocked()
	wasConnected := s.state == StateConnected

	if s.parent.Err() != nil {
		s.state = StateDisconnected
		s.mu.Unlock()
		s.cfg.Metrics.setConnected(false)
		s.emit(EventStateChanged, StateDisconnected)
		return
	}

	next := s.epoch
	delay := s.backoff.next()
	info := ReconnectInfo{Attempt: s.backoff.attempt, Delay: delay}
	s.retry = time.AfterFunc(delay, func() { s.dial(next) })
	s.state = StateConnecting
	s.mu.Unlock()

	s.cfg.Metrics.setConnected(false)
	s.cfg.Metrics.reconnect()
	if wasConnected {
		s.emit(EventStateChanged, StateDisconnected)
		s.emit(EventStateChanged, StateConnecting)
	}
	s.logger.Info("notification stream reconnect scheduled", "attempt", info.Attempt, "delay", delay)
	s.emit(EventReconnecting, info)
}

func (s *StreamClient) readLoop(epoch uint64, src eventSource) {
	defer src.close()
	for {
		ev, err := src.next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.logger.Warn("notification stream read failed", "error", err)
			} else {
				s.logger.Info("notification stream closed")
			}
			s.fail(epoch)
			return
		}

		s.mu.Lock()
		current := epoch == s.epoch
		s.mu.Unlock()
		if !current {
			return
		}
		s.handleEvent(ev)
	}
}

func (s *StreamClient) heartbeatLoop(ctx context.Context, epoch uint64) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			current := epoch == s.epoch && s.state == StateConnected
			idle := time.Since(s.lastData)
			s.mu.Unlock()
			if !current {
				return
			}

			s.emit(EventHeartbeat, nil)
			if s.cfg.StaleTimeout > 0 && idle > s.cfg.StaleTimeout {
				s.logger.Warn("notification stream stale, reconnecting", "idle", idle)
				s.fail(epoch)
				return
			}
		}
	}
}

func (s *StreamClient) touch() {
	s.mu.Lock()
	s.lastData = time.Now()
	s.mu.Unlock()
}

// handleEvent decodes one stream event and hands it to the registered
// handlers. A payload that fails to decode is logged and dropped; it never
// affects the connection.
func (s *StreamClient) handleEvent(ev streamEvent) {
	if ev.HasID {
		s.mu.Lock()
		s.lastEventID = ev.ID
		s.mu.Unlock()
	}
	if !ev.HasData {
		return
	}
	s.cfg.Metrics.event(ev.Name)

	switch ev.Name {
	case streamEventNotification:
		var n Notification
		if err := json.Unmarshal([]byte(ev.Data), &n); err != nil {
			s.logger.Warn("dropping malformed notification event", "error", err, "event_id", ev.ID)
			s.cfg.Metrics.malformed()
			return
		}
		s.handlersMu.RLock()
		handlers := append([]func(Notification){}, s.onNotification...)
		s.handlersMu.RUnlock()
		for _, h := range handlers {
			safeCall(s.logger, streamEventNotification, func() { h(n) })
		}

	case streamEventUnreadCount:
		var p UnreadCountEvent
		if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
			s.logger.Warn("dropping malformed unread-count event", "error", err, "event_id", ev.ID)
			s.cfg.Metrics.malformed()
			return
		}
		s.handlersMu.RLock()
		handlers := append([]func(int){}, s.onUnreadCount...)
		s.handlersMu.RUnlock()
		for _, h := range handlers {
			safeCall(s.logger, streamEventUnreadCount, func() { h(p.Count) })
		}

	default:
		s.logger.Debug("ignoring stream event", "event", ev.Name)
	}
}
