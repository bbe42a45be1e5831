package notify

import (
	"io"
	"log/slog"
	"sync"
)

// Event names emitted by StreamClient and OfflineQueue.
const (
	EventStateChanged  = "connection.state"
	EventReconnecting  = "connection.reconnecting"
	EventHeartbeat     = "connection.heartbeat"
	EventNetworkOnline = "network.online"
	EventNetworkOff    = "network.offline"
	EventQueued        = "queue.enqueued"
	EventSyncStart     = "sync.start"
	EventSyncComplete  = "sync.complete"
)

// EventHandler receives emitted events. The payload type depends on the event:
// ConnState, ReconnectInfo, QueuedAction, SyncResult or nil.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	logger    *slog.Logger
}

func (e *emitter) init(logger *slog.Logger) {
	e.listeners = make(map[string][]EventHandler)
	e.logger = logger
}

// On registers a handler for the named event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		safeCall(e.logger, event, func() { h(event, payload) })
	}
}

// safeCall runs fn and logs instead of propagating a panic from user callbacks.
func safeCall(logger *slog.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "handler", what, "panic", r)
		}
	}()
	fn()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
