package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// Test Helpers
// ============================================================================

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	ContentType string
	Idempotency string
	Custom      string
}

type replayServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	// failPaths answer 500.
	failPaths map[string]bool
}

func newReplayServer(failPaths ...string) *replayServer {
	rs := &replayServer{failPaths: map[string]bool{}}
	for _, p := range failPaths {
		rs.failPaths[p] = true
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			Body:        string(body),
			ContentType: r.Header.Get("Content-Type"),
			Idempotency: r.Header.Get("Idempotency-Key"),
			Custom:      r.Header.Get("X-Custom"),
		})
		fail := rs.failPaths[r.URL.Path]
		rs.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	return rs
}

func (rs *replayServer) recorded() []recordedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]recordedRequest(nil), rs.requests...)
}

func newTestQueue(t *testing.T, storage Storage, cfg *QueueConfig) *OfflineQueue {
	t.Helper()
	if cfg == nil {
		cfg = &QueueConfig{}
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = -1
	}
	q, err := NewOfflineQueue(storage, cfg)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

// ============================================================================
// Persistence
// ============================================================================

func TestOfflineQueuePersistence(t *testing.T) {
	t.Run("round trip through storage", func(t *testing.T) {
		storage := NewMemoryStorage()
		q := newTestQueue(t, storage, &QueueConfig{StartOffline: true})

		first, err := q.Enqueue(QueuedAction{URL: "https://x/a", Method: "POST", Body: `{"a":1}`, Headers: http.Header{"X-Custom": {"1"}}})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if _, err := q.Enqueue(QueuedAction{
			Type:       ActionFormSubmission,
			URL:        "https://x/form",
			Method:     "POST",
			FormFields: url.Values{"name": {"Ada"}, "tags": {"a", "b"}},
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if first.ID == "" || first.Timestamp.IsZero() || first.Type != ActionFetchRequest {
			t.Fatalf("defaults not filled: %+v", first)
		}

		restored := newTestQueue(t, storage, nil)
		got := restored.Actions()
		if len(got) != 2 {
			t.Fatalf("expected 2 restored actions, got %d", len(got))
		}
		if got[0].ID != first.ID || got[0].Body != `{"a":1}` || got[0].Headers.Get("X-Custom") != "1" {
			t.Fatalf("first action changed: %+v", got[0])
		}
		if !got[0].Timestamp.Equal(first.Timestamp) {
			t.Fatalf("timestamp changed: %v vs %v", got[0].Timestamp, first.Timestamp)
		}
		if got[1].Type != ActionFormSubmission || got[1].FormFields.Get("name") != "Ada" || len(got[1].FormFields["tags"]) != 2 {
			t.Fatalf("form action changed: %+v", got[1])
		}
	})

	t.Run("empty queue persists as empty list", func(t *testing.T) {
		storage := NewMemoryStorage()
		q := newTestQueue(t, storage, &QueueConfig{StartOffline: true})
		if _, err := q.Enqueue(QueuedAction{URL: "https://x", Method: "DELETE"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if err := q.Clear(); err != nil {
			t.Fatalf("clear: %v", err)
		}
		raw, ok, _ := storage.Get(QueueStorageKey)
		if !ok || raw != "[]" {
			t.Fatalf("expected stored [], got %q (ok=%v)", raw, ok)
		}
	})

	t.Run("corrupt storage is an error", func(t *testing.T) {
		storage := NewMemoryStorage()
		storage.Set(QueueStorageKey, "{broken")
		if _, err := NewOfflineQueue(storage, nil); err == nil {
			t.Fatal("expected decode error")
		}
	})

	t.Run("ids are unique and time ordered", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryStorage(), &QueueConfig{StartOffline: true})
		seen := map[string]bool{}
		prev := ""
		for i := 0; i < 20; i++ {
			a, err := q.Enqueue(QueuedAction{URL: "https://x", Method: "POST"})
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if seen[a.ID] {
				t.Fatalf("duplicate id %s", a.ID)
			}
			if a.ID < prev {
				t.Fatalf("ids not ordered: %s after %s", a.ID, prev)
			}
			seen[a.ID] = true
			prev = a.ID
		}
	})
}

// ============================================================================
// Sync
// ============================================================================

func TestOfflineQueueSync(t *testing.T) {
	t.Run("replays sequentially in order", func(t *testing.T) {
		srv := newReplayServer()
		defer srv.Close()

		q := newTestQueue(t, NewMemoryStorage(), &QueueConfig{StartOffline: true})
		for _, p := range []string{"/1", "/2", "/3"} {
			if _, err := q.Enqueue(QueuedAction{URL: srv.URL + p, Method: "POST", Body: p}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}

		q.SetOnline(true)
		waitFor(t, "queue drained", func() bool { return q.Len() == 0 })

		reqs := srv.recorded()
		if len(reqs) != 3 {
			t.Fatalf("expected 3 replays, got %d", len(reqs))
		}
		for i, want := range []string{"/1", "/2", "/3"} {
			if reqs[i].Path != want || reqs[i].Body != want {
				t.Fatalf("replay %d: expected %s, got %+v", i, want, reqs[i])
			}
			if reqs[i].Idempotency == "" {
				t.Fatalf("replay %d missing Idempotency-Key", i)
			}
		}
	})

	t.Run("partial failure keeps failed actions", func(t *testing.T) {
		srv := newReplayServer("/2")
		defer srv.Close()

		reg := prometheus.NewRegistry()
		metrics := NewMetrics(reg)
		storage := NewMemoryStorage()
		q := newTestQueue(t, storage, &QueueConfig{Metrics: metrics})
		for _, p := range []string{"/1", "/2", "/3"} {
			if _, err := q.Enqueue(QueuedAction{URL: srv.URL + p, Method: "PUT"}); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
		}

		var completed []SyncResult
		q.On(EventSyncComplete, func(_ string, p any) { completed = append(completed, p.(SyncResult)) })

		res, err := q.Sync(context.Background())
		if err != nil {
			t.Fatalf("sync: %v", err)
		}
		if res.Success != 2 || res.Failed != 1 {
			t.Fatalf("expected {2 1}, got %+v", res)
		}
		left := q.Actions()
		if len(left) != 1 || !strings.HasSuffix(left[0].URL, "/2") {
			t.Fatalf("expected only /2 left, got %+v", left)
		}

		restored := newTestQueue(t, storage, nil)
		if restored.Len() != 1 {
			t.Fatalf("storage not updated, %d actions persisted", restored.Len())
		}
		if len(completed) != 1 || completed[0] != res {
			t.Fatalf("expected one sync.complete event with %+v, got %+v", res, completed)
		}
		lines := res.Summary()
		if len(lines) != 2 || lines[0] != "Synchronized 2 actions" || lines[1] != "Failed to synchronize 1 action" {
			t.Fatalf("unexpected summary: %v", lines)
		}
		if v := testutil.ToFloat64(metrics.QueueDepth); v != 1 {
			t.Fatalf("expected queue depth 1, got %v", v)
		}
		if v := testutil.ToFloat64(metrics.Replays.WithLabelValues("failure")); v != 1 {
			t.Fatalf("expected 1 failed replay, got %v", v)
		}
	})

	t.Run("offline sync is refused", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryStorage(), &QueueConfig{StartOffline: true})
		if _, err := q.Sync(context.Background()); !errors.Is(err, ErrOffline) {
			t.Fatalf("expected ErrOffline, got %v", err)
		}
	})

	t.Run("empty queue is a no-op", func(t *testing.T) {
		q := newTestQueue(t, NewMemoryStorage(), nil)
		res, err := q.Sync(context.Background())
		if err != nil || res != (SyncResult{}) {
			t.Fatalf("expected empty result, got %+v, %v", res, err)
		}
	})

	t.Run("form submissions are re-encoded", func(t *testing.T) {
		srv := newReplayServer()
		defer srv.Close()

		q := newTestQueue(t, NewMemoryStorage(), &QueueConfig{StartOffline: true})
		resp, err := q.SubmitForm(context.Background(), srv.URL+"/tasks", url.Values{"title": {"Call back"}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if resp.StatusCode != http.StatusAccepted || resp.Header.Get(QueuedHeader) != "true" {
			t.Fatalf("expected queued 202, got %d", resp.StatusCode)
		}

		q.SetOnline(true)
		waitFor(t, "form replayed", func() bool { return q.Len() == 0 })

		reqs := srv.recorded()
		if len(reqs) != 1 {
			t.Fatalf("expected 1 replay, got %d", len(reqs))
		}
		if reqs[0].ContentType != "application/x-www-form-urlencoded" || reqs[0].Body != "title=Call+back" {
			t.Fatalf("unexpected form replay: %+v", reqs[0])
		}
	})
}

// ============================================================================
// Interception
// ============================================================================

func TestOfflineTransport(t *testing.T) {
	srv := newReplayServer()
	defer srv.Close()

	q := newTestQueue(t, NewMemoryStorage(), nil)
	client := &http.Client{Transport: q.Transport(nil)}

	t.Run("online requests pass through", func(t *testing.T) {
		resp, err := client.Post(srv.URL+"/live", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || q.Len() != 0 {
			t.Fatalf("expected passthrough, got %d with %d queued", resp.StatusCode, q.Len())
		}
	})

	q.SetOnline(false)

	t.Run("offline mutation is queued", func(t *testing.T) {
		var queued []QueuedAction
		q.On(EventQueued, func(_ string, p any) { queued = append(queued, p.(QueuedAction)) })

		req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/tasks/7", strings.NewReader(`{"done":true}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Custom", "yes")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("patch: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted || resp.Header.Get(QueuedHeader) != "true" {
			t.Fatalf("expected synthetic 202, got %d", resp.StatusCode)
		}
		var body struct {
			Queued bool   `json:"queued"`
			ID     string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || !body.Queued || body.ID == "" {
			t.Fatalf("unexpected body: %+v, %v", body, err)
		}

		actions := q.Actions()
		if len(actions) != 1 {
			t.Fatalf("expected 1 queued action, got %d", len(actions))
		}
		a := actions[0]
		if a.ID != body.ID || a.Method != http.MethodPatch || a.Body != `{"done":true}` || a.Headers.Get("X-Custom") != "yes" {
			t.Fatalf("unexpected action: %+v", a)
		}
		if len(queued) != 1 {
			t.Fatalf("expected queue.enqueued event, got %d", len(queued))
		}
	})

	t.Run("offline form post is captured as form", func(t *testing.T) {
		resp, err := client.PostForm(srv.URL+"/comments", url.Values{"text": {"hi"}})
		if err != nil {
			t.Fatalf("post form: %v", err)
		}
		resp.Body.Close()
		actions := q.Actions()
		a := actions[len(actions)-1]
		if a.Type != ActionFormSubmission || a.FormFields.Get("text") != "hi" || a.Body != "" {
			t.Fatalf("unexpected action: %+v", a)
		}
	})

	t.Run("offline reads are not queued", func(t *testing.T) {
		before := q.Len()
		resp, err := client.Get(srv.URL + "/tasks")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()
		if q.Len() != before {
			t.Fatal("GET must not be queued")
		}
	})

	t.Run("replay preserves captured request", func(t *testing.T) {
		results := make(chan SyncResult, 1)
		q.On(EventSyncComplete, func(_ string, p any) { results <- p.(SyncResult) })
		q.SetOnline(true)

		select {
		case res := <-results:
			if res.Success != 2 || res.Failed != 0 {
				t.Fatalf("expected {2 0}, got %+v", res)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("sync did not run after going online")
		}
		var patch *recordedRequest
		for _, r := range srv.recorded() {
			if r.Method == http.MethodPatch {
				r := r
				patch = &r
			}
		}
		if patch == nil || patch.Body != `{"done":true}` || patch.Custom != "yes" || patch.ContentType != "application/json" {
			t.Fatalf("unexpected replayed PATCH: %+v", patch)
		}
	})
}

func TestOfflineQueueFallbackTimer(t *testing.T) {
	srv := newReplayServer()
	defer srv.Close()

	storage := NewMemoryStorage()
	seed := newTestQueue(t, storage, &QueueConfig{StartOffline: true})
	if _, err := seed.Enqueue(QueuedAction{URL: srv.URL + "/late", Method: "POST"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	q := newTestQueue(t, storage, &QueueConfig{SyncInterval: 10 * time.Millisecond})
	q.Start()
	defer q.Stop()

	waitFor(t, "timer replay", func() bool { return q.Len() == 0 })
	q.Stop()
	q.Stop()
}

func TestOfflineTransportKeepsRepeatedHeaders(t *testing.T) {
	tags := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tags <- r.Header.Values("X-Tag")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := newTestQueue(t, NewMemoryStorage(), &QueueConfig{StartOffline: true})
	defer q.Stop()
	client := &http.Client{Transport: q.Transport(nil)}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/tags", strings.NewReader(`{}`))
	req.Header.Add("X-Tag", "urgent")
	req.Header.Add("X-Tag", "billing")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	if got := q.Actions()[0].Headers.Values("X-Tag"); len(got) != 2 {
		t.Fatalf("expected both header values captured, got %v", got)
	}

	q.SetOnline(true)
	select {
	case got := <-tags:
		if len(got) != 2 || got[0] != "urgent" || got[1] != "billing" {
			t.Fatalf("unexpected replayed header values: %v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued request never replayed")
	}
}

// ============================================================================
// Shutdown
// ============================================================================

func TestOfflineQueueStopWaitsForReplay(t *testing.T) {
	entered := make(chan string, 4)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- r.URL.Path
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	storage := NewMemoryStorage()
	q := newTestQueue(t, storage, &QueueConfig{StartOffline: true})
	for _, p := range []string{"/first", "/second"} {
		if _, err := q.Enqueue(QueuedAction{URL: srv.URL + p, Method: http.MethodPost}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	q.SetOnline(true)
	select {
	case p := <-entered:
		if p != "/first" {
			t.Fatalf("expected /first replayed first, got %s", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("sync did not start")
	}

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a replay was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the replay finished")
	}

	restored := newTestQueue(t, storage, nil)
	got := restored.Actions()
	if len(got) != 1 || got[0].URL != srv.URL+"/second" {
		t.Fatalf("expected only /second left in storage, got %+v", got)
	}
	if len(entered) != 0 {
		t.Fatal("replay continued after Stop")
	}

	q.SetOnline(false)
	q.SetOnline(true)
	time.Sleep(50 * time.Millisecond)
	if len(entered) != 0 {
		t.Fatal("stopped queue started a background sync")
	}
}
