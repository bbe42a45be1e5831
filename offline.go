package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// QueueStorageKey is the Storage key holding the serialized offline queue.
	QueueStorageKey = "offline-queue"

	DefaultSyncInterval = 30 * time.Second

	// QueuedHeader marks synthetic responses for requests that were queued.
	QueuedHeader = "X-Offline-Queued"
)

var (
	// ErrOffline is returned by Sync while the queue is offline.
	ErrOffline = errors.New("notify: offline")
	// ErrSyncInProgress is returned by Sync when another pass is running.
	ErrSyncInProgress = errors.New("notify: sync already in progress")
)

// QueueConfig configures an OfflineQueue. Zero values take the defaults.
type QueueConfig struct {
	// SyncInterval is the fallback timer that retries leftover actions
	// while online. Negative disables it.
	SyncInterval time.Duration
	// HTTPClient sends replays and online form submissions. Its transport
	// must not be the queue's own intercepting transport.
	HTTPClient *http.Client
	// StartOffline starts the queue in the offline state.
	StartOffline bool
	Logger       *slog.Logger
	Metrics      *Metrics
}

func (c *QueueConfig) defaults() {
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// ============================================================================
// Offline Queue
// ============================================================================

// OfflineQueue captures mutating requests made while offline, persists them,
// and replays them in order once connectivity returns.
//
// Replays are at-most-once per attempt but not exactly-once: when the server
// applies a request and the response is lost, the action stays queued and is
// sent again on the next pass. Each replay carries the action ID in an
// Idempotency-Key header for servers that deduplicate.
type OfflineQueue struct {
	emitter
	storage Storage
	cfg     QueueConfig
	logger  *slog.Logger

	mu      sync.Mutex
	actions []QueuedAction
	online  bool

	syncMu sync.Mutex

	// bgStop is closed by Stop; background syncs finish their current
	// replay and return. bg tracks them so Stop can wait.
	bgStop   chan struct{}
	stopped  bool
	bg       sync.WaitGroup
	running  bool
	loopDone chan struct{}
}

// NewOfflineQueue restores the queue persisted in storage.
func NewOfflineQueue(storage Storage, config *QueueConfig) (*OfflineQueue, error) {
	var cfg QueueConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	q := &OfflineQueue{
		storage: storage,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "offline_queue"),
		online:  !cfg.StartOffline,
		bgStop:  make(chan struct{}),
	}
	q.emitter.init(q.logger)

	raw, ok, err := storage.Get(QueueStorageKey)
	if err != nil {
		return nil, fmt.Errorf("loading offline queue: %w", err)
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.actions); err != nil {
			return nil, fmt.Errorf("decoding offline queue: %w", err)
		}
	}
	q.cfg.Metrics.setQueueDepth(len(q.actions))
	if len(q.actions) > 0 {
		q.logger.Info("restored offline queue", "pending", len(q.actions))
	}
	return q, nil
}

// Actions returns a copy of the pending actions in enqueue order.
func (q *OfflineQueue) Actions() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedAction(nil), q.actions...)
}

// Len returns the number of pending actions.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// IsOnline returns the connectivity flag.
func (q *OfflineQueue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// SetOnline updates the connectivity flag. Going online with pending actions
// starts a sync pass in the background.
func (q *OfflineQueue) SetOnline(online bool) {
	q.mu.Lock()
	if q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	pending := len(q.actions)
	q.mu.Unlock()

	if !online {
		q.logger.Info("offline; mutating requests will be queued")
		q.emit(EventNetworkOff, nil)
		return
	}

	q.logger.Info("back online", "pending", pending)
	q.emit(EventNetworkOnline, nil)
	if pending > 0 {
		q.syncAsync()
	}
}

// Enqueue appends an action and persists the queue. Missing ID and
// Timestamp are filled in.
func (q *OfflineQueue) Enqueue(a QueuedAction) (QueuedAction, error) {
	if a.ID == "" {
		a.ID = newActionID()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.Type == "" {
		a.Type = ActionFetchRequest
	}

	q.mu.Lock()
	q.actions = append(q.actions, a)
	if err := q.persistLocked(); err != nil {
		q.actions = q.actions[:len(q.actions)-1]
		q.mu.Unlock()
		return QueuedAction{}, err
	}
	depth := len(q.actions)
	q.mu.Unlock()

	q.cfg.Metrics.setQueueDepth(depth)
	q.logger.Info("queued offline action", "id", a.ID, "method", a.Method, "url", a.URL)
	q.emit(EventQueued, a)
	return a, nil
}

// Clear drops every pending action.
func (q *OfflineQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.actions
	q.actions = nil
	if err := q.persistLocked(); err != nil {
		q.actions = prev
		return err
	}
	q.cfg.Metrics.setQueueDepth(0)
	return nil
}

func (q *OfflineQueue) remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.actions {
		if a.ID == id {
			q.actions = append(q.actions[:i:i], q.actions[i+1:]...)
			break
		}
	}
	q.cfg.Metrics.setQueueDepth(len(q.actions))
	return q.persistLocked()
}

func (q *OfflineQueue) persistLocked() error {
	list := q.actions
	if list == nil {
		list = []QueuedAction{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encoding offline queue: %w", err)
	}
	if err := q.storage.Set(QueueStorageKey, string(data)); err != nil {
		return fmt.Errorf("persisting offline queue: %w", err)
	}
	return nil
}

// ── Sync ──────────────────────────────────────────────────

// Sync replays pending actions one at a time in enqueue order. Successful
// actions are removed; failed ones stay for the next pass. The result
// counts both.
func (q *OfflineQueue) Sync(ctx context.Context) (SyncResult, error) {
	return q.sync(ctx, nil)
}

// sync is Sync with an extra stop signal checked between replays. A replay
// that already started always completes and its outcome is persisted.
func (q *OfflineQueue) sync(ctx context.Context, stop <-chan struct{}) (SyncResult, error) {
	if !q.IsOnline() {
		return SyncResult{}, ErrOffline
	}
	if !q.syncMu.TryLock() {
		return SyncResult{}, ErrSyncInProgress
	}
	defer q.syncMu.Unlock()

	pending := q.Actions()
	if len(pending) == 0 {
		return SyncResult{}, nil
	}
	q.emit(EventSyncStart, len(pending))

	var res SyncResult
	for _, a := range pending {
		if ctx.Err() != nil || isClosed(stop) {
			break
		}
		if err := q.replay(ctx, a); err != nil {
			res.Failed++
			q.cfg.Metrics.replay(false)
			q.logger.Warn("replay failed", "id", a.ID, "method", a.Method, "url", a.URL, "error", err)
			continue
		}
		res.Success++
		q.cfg.Metrics.replay(true)
		if err := q.remove(a.ID); err != nil {
			q.logger.Error("replayed action not removed from storage", "id", a.ID, "error", err)
		}
	}

	q.logger.Info("offline sync finished", "success", res.Success, "failed", res.Failed)
	q.emit(EventSyncComplete, res)
	return res, ctx.Err()
}

// syncAsync starts a tracked background sync unless the queue is stopped.
func (q *OfflineQueue) syncAsync() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.logger.Debug("queue stopped, background sync skipped")
		return
	}
	stop := q.bgStop
	q.bg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.bg.Done()
		q.syncInBackground(stop)
	}()
}

func (q *OfflineQueue) syncInBackground(stop <-chan struct{}) {
	_, err := q.sync(context.Background(), stop)
	if err != nil && !errors.Is(err, ErrSyncInProgress) && !errors.Is(err, ErrOffline) {
		q.logger.Warn("offline sync aborted", "error", err)
	}
}

func (q *OfflineQueue) replay(ctx context.Context, a QueuedAction) error {
	var body io.Reader
	switch a.Type {
	case ActionFormSubmission:
		body = strings.NewReader(a.FormFields.Encode())
	default:
		if a.Body != "" {
			body = strings.NewReader(a.Body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, a.Method, a.URL, body)
	if err != nil {
		return fmt.Errorf("build replay request: %w", err)
	}
	for k, vs := range a.Headers {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if a.Type == ActionFormSubmission {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if req.Header.Get("Idempotency-Key") == "" {
		req.Header.Set("Idempotency-Key", a.ID)
	}

	resp, err := q.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// ── Fallback timer ────────────────────────────────────────

// Start runs the fallback sync timer until Stop is called. A stopped queue
// accepts background syncs again after Start.
func (q *OfflineQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		q.stopped = false
		q.bgStop = make(chan struct{})
	}
	if q.running || q.cfg.SyncInterval < 0 {
		return
	}
	q.running = true
	q.loopDone = make(chan struct{})
	go q.syncLoop(q.bgStop, q.loopDone)
}

// Stop halts the fallback timer and every background sync. A replay that is
// in flight completes and is persisted before Stop returns, so storage can be
// closed right after. It is safe to call more than once.
func (q *OfflineQueue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.bgStop)
	}
	q.running = false
	done := q.loopDone
	q.loopDone = nil
	q.mu.Unlock()

	if done != nil {
		<-done
	}
	q.bg.Wait()
}

func (q *OfflineQueue) syncLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if q.IsOnline() && q.Len() > 0 {
				q.syncInBackground(stop)
			}
		}
	}
}

// ── Interception ──────────────────────────────────────────

// Transport wraps base so that mutating requests made while offline are
// queued instead of sent. The caller gets a synthetic 202 Accepted response
// carrying the QueuedHeader.
func (q *OfflineQueue) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &offlineTransport{queue: q, base: base}
}

type offlineTransport struct {
	queue *OfflineQueue
	base  http.RoundTripper
}

func (t *offlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.queue.IsOnline() || !isMutating(req.Method) {
		return t.base.RoundTrip(req)
	}

	action, err := captureRequest(req)
	if err != nil {
		return nil, err
	}
	action, err = t.queue.Enqueue(action)
	if err != nil {
		return nil, err
	}
	return queuedResponse(req, action), nil
}

// SubmitForm posts form values to target. While offline the submission is
// queued and a synthetic 202 response is returned.
func (q *OfflineQueue) SubmitForm(ctx context.Context, target string, values url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build form request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	if q.IsOnline() {
		return q.cfg.HTTPClient.Do(req)
	}

	action, err := q.Enqueue(QueuedAction{
		Type:       ActionFormSubmission,
		URL:        target,
		Method:     http.MethodPost,
		FormFields: values,
	})
	if err != nil {
		return nil, err
	}
	return queuedResponse(req, action), nil
}

// captureRequest snapshots a request into a QueuedAction and closes its body.
func captureRequest(req *http.Request) (QueuedAction, error) {
	a := QueuedAction{
		Type:    ActionFetchRequest,
		URL:     req.URL.String(),
		Method:  req.Method,
		Headers: make(http.Header, len(req.Header)),
	}
	for k, vs := range req.Header {
		if k == "Content-Length" {
			continue
		}
		a.Headers[k] = append([]string(nil), vs...)
	}

	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return QueuedAction{}, fmt.Errorf("read request body: %w", err)
		}
		a.Body = string(data)
	}

	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		fields, err := url.ParseQuery(a.Body)
		if err == nil {
			a.Type = ActionFormSubmission
			a.FormFields = fields
			a.Body = ""
		}
	}
	return a, nil
}

func queuedResponse(req *http.Request, a QueuedAction) *http.Response {
	body, _ := json.Marshal(map[string]any{"queued": true, "id": a.ID})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(QueuedHeader, "true")
	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// newActionID returns a time-ordered identifier (UUIDv7).
func newActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
	}
	return id.String()
}
