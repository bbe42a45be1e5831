package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultListCap bounds the in-memory notification list.
	DefaultListCap = 50
	// DefaultPollInterval is the fallback unread-count refresh period.
	DefaultPollInterval = 60 * time.Second
)

// NotificationsAPI is the server surface the Tracker confirms state against.
// *Client implements it.
type NotificationsAPI interface {
	UnreadCount(ctx context.Context) (int, error)
	List(ctx context.Context, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, id NotificationID) error
	MarkAllRead(ctx context.Context) error
}

// TrackerConfig configures a Tracker. Zero values take the defaults.
type TrackerConfig struct {
	ListCap      int
	PollInterval time.Duration
	// Presenter shows toasts or desktop notifications for new arrivals.
	Presenter Presenter
	Logger    *slog.Logger
	Metrics   *Metrics
}

func (c *TrackerConfig) defaults() {
	if c.ListCap <= 0 {
		c.ListCap = DefaultListCap
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// Snapshot is an immutable view of tracker state handed to subscribers.
type Snapshot struct {
	// Version grows with every state change. Subscribers receive snapshots
	// in Version order.
	Version       uint64
	Unread        int
	Notifications []Notification
}

// Tracker holds the notification list and the unread counter. It performs no
// rendering; UI layers subscribe to snapshots.
//
// The list holds each ID at most once and never more than ListCap entries,
// newest first. The unread counter never goes below zero and is overwritten
// whenever the server reports a value.
type Tracker struct {
	api    NotificationsAPI
	cfg    TrackerConfig
	logger *slog.Logger

	mu      sync.Mutex
	items   []Notification
	unread  int
	version uint64

	// pubMu orders deliveries; a snapshot older than the last delivered
	// one is dropped.
	pubMu     sync.Mutex
	published uint64

	subsMu sync.RWMutex
	subs   []func(Snapshot)
}

// NewTracker creates a tracker confirming state against api.
func NewTracker(api NotificationsAPI, config *TrackerConfig) *Tracker {
	var cfg TrackerConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Tracker{
		api:    api,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "tracker"),
	}
}

// Subscribe registers fn to receive a snapshot after every state change.
// Subscribers are called one at a time and must not call the tracker's
// mutating methods.
func (t *Tracker) Subscribe(fn func(Snapshot)) {
	t.subsMu.Lock()
	t.subs = append(t.subs, fn)
	t.subsMu.Unlock()
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Unread returns the unread counter.
func (t *Tracker) Unread() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unread
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		Version:       t.version,
		Unread:        t.unread,
		Notifications: append([]Notification(nil), t.items...),
	}
}

// commitLocked records a state change and returns the snapshot to publish.
func (t *Tracker) commitLocked() Snapshot {
	t.version++
	return t.snapshotLocked()
}

func (t *Tracker) publish(s Snapshot) {
	t.pubMu.Lock()
	defer t.pubMu.Unlock()
	if s.Version <= t.published {
		return
	}
	t.published = s.Version

	t.cfg.Metrics.setUnread(s.Unread)
	t.subsMu.RLock()
	subs := append([]func(Snapshot){}, t.subs...)
	t.subsMu.RUnlock()
	for _, fn := range subs {
		safeCall(t.logger, "snapshot subscriber", func() { fn(s) })
	}
}

// LoadUnreadCount fetches the server counter and overwrites the local one.
func (t *Tracker) LoadUnreadCount(ctx context.Context) error {
	n, err := t.api.UnreadCount(ctx)
	if err != nil {
		t.logger.Warn("loading unread count failed", "error", err)
		return err
	}
	t.SetUnreadCount(n)
	return nil
}

// Load fetches the latest notifications and merges them into the list. The
// unread counter is left alone; the server counter covers these entries.
func (t *Tracker) Load(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = t.cfg.ListCap
	}
	list, err := t.api.List(ctx, limit)
	if err != nil {
		t.logger.Warn("loading notifications failed", "error", err)
		return err
	}

	t.mu.Lock()
	seen := make(map[NotificationID]bool, len(t.items))
	for _, n := range t.items {
		seen[n.ID] = true
	}
	merged := append([]Notification(nil), t.items...)
	for _, n := range list {
		if !seen[n.ID] {
			seen[n.ID] = true
			merged = append(merged, n)
		}
	}
	sortNewestFirst(merged)
	if len(merged) > t.cfg.ListCap {
		merged = merged[:t.cfg.ListCap]
	}
	t.items = merged
	s := t.commitLocked()
	t.mu.Unlock()

	t.publish(s)
	return nil
}

// SetUnreadCount overwrites the counter, e.g. from an "unread-count" event.
func (t *Tracker) SetUnreadCount(n int) {
	if n < 0 {
		n = 0
	}
	t.mu.Lock()
	t.unread = n
	s := t.commitLocked()
	t.mu.Unlock()
	t.publish(s)
}

// HandleNotification records a pushed notification: it is prepended, the
// list is trimmed to its cap, the counter grows when the entry is unread, and
// the presenter is asked to show it. A notification whose ID is already
// listed is ignored.
func (t *Tracker) HandleNotification(n Notification) {
	t.mu.Lock()
	for _, existing := range t.items {
		if existing.ID == n.ID {
			t.mu.Unlock()
			t.logger.Debug("ignoring duplicate notification", "id", n.ID)
			return
		}
	}

	items := make([]Notification, 0, min(len(t.items)+1, t.cfg.ListCap))
	items = append(items, n)
	items = append(items, t.items...)
	if len(items) > t.cfg.ListCap {
		items = items[:t.cfg.ListCap]
	}
	t.items = items
	if !n.Read {
		t.unread++
	}
	s := t.commitLocked()
	t.mu.Unlock()

	if t.cfg.Presenter != nil {
		safeCall(t.logger, "presenter", func() { t.cfg.Presenter.Present(n) })
	}
	t.publish(s)
}

// MarkAsRead clears the unread state of id locally, then confirms it with the
// server. The local change is kept even when confirmation fails; the next
// LoadUnreadCount reconciles the counter.
func (t *Tracker) MarkAsRead(ctx context.Context, id NotificationID) error {
	t.mu.Lock()
	alreadyRead := false
	for i := range t.items {
		if t.items[i].ID == id {
			alreadyRead = t.items[i].Read
			t.items[i].Read = true
			break
		}
	}
	if !alreadyRead && t.unread > 0 {
		t.unread--
	}
	s := t.commitLocked()
	t.mu.Unlock()
	t.publish(s)

	if err := t.api.MarkRead(ctx, id); err != nil {
		t.logger.Warn("confirming read failed", "id", id, "error", err)
		return err
	}
	return nil
}

// MarkAllAsRead clears every unread flag and the counter before confirming
// with the server.
func (t *Tracker) MarkAllAsRead(ctx context.Context) error {
	t.mu.Lock()
	for i := range t.items {
		t.items[i].Read = true
	}
	t.unread = 0
	s := t.commitLocked()
	t.mu.Unlock()
	t.publish(s)

	if err := t.api.MarkAllRead(ctx); err != nil {
		t.logger.Warn("confirming mark-all-read failed", "error", err)
		return err
	}
	return nil
}

// Poll refreshes the unread counter every PollInterval until ctx is done.
// A negative PollInterval disables polling.
func (t *Tracker) Poll(ctx context.Context) {
	if t.cfg.PollInterval < 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.LoadUnreadCount(ctx)
		}
	}
}

func sortNewestFirst(list []Notification) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
}
