package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNotifierEndToEnd(t *testing.T) {
	var streams atomic.Int32
	var mu sync.Mutex
	var confirmed []string

	mux := http.NewServeMux()
	mux.HandleFunc("/api/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{"unread": 5})
	})
	mux.HandleFunc("/api/notifications/stream", func(w http.ResponseWriter, r *http.Request) {
		startSSE(w)
		if streams.Add(1) == 1 {
			writeSSE(t, w, "notification", "n-1", notificationJSON("1", "Review PR"))
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("/api/notifications/", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		confirmed = append(confirmed, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var presented atomic.Int32
	client := NewClient("tok", WithBaseURL(srv.URL))
	n, err := New(client, Options{
		Presenter: PresenterFunc(func(Notification) { presented.Add(1) }),
		Stream:    fastStream(nil),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	n.Start(context.Background())
	defer n.Stop()

	waitFor(t, "pushed notification counted", func() bool { return n.Tracker.Unread() == 6 })
	if presented.Load() != 1 {
		t.Fatalf("expected 1 presentation, got %d", presented.Load())
	}

	n.SetOnline(false)
	if n.Stream.State() != StateDisconnected {
		t.Fatalf("expected stream closed while offline, got %s", n.Stream.State())
	}

	if err := n.Tracker.MarkAsRead(context.Background(), "1"); err != nil {
		t.Fatalf("offline mark read should be queued, got %v", err)
	}
	if n.Tracker.Unread() != 5 {
		t.Fatalf("expected optimistic 5 unread, got %d", n.Tracker.Unread())
	}
	if n.Queue.Len() != 1 {
		t.Fatalf("expected 1 queued action, got %d", n.Queue.Len())
	}

	n.SetOnline(true)
	waitFor(t, "queue replayed", func() bool { return n.Queue.Len() == 0 })
	waitFor(t, "stream reconnected", func() bool { return n.Stream.State() == StateConnected })

	mu.Lock()
	defer mu.Unlock()
	if len(confirmed) != 1 || confirmed[0] != "POST /api/notifications/1/read" {
		t.Fatalf("unexpected confirmations: %v", confirmed)
	}
}

func TestNotifierStopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n, err := New(NewClient("", WithBaseURL(srv.URL)), Options{Stream: fastStream(nil)})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	n.Start(context.Background())
	n.Start(context.Background())
	n.Stop()
	n.Stop()
	if n.Stream.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", n.Stream.State())
	}
}

func TestNotifierLifecycle(t *testing.T) {
	t.Run("started offline connects when back online", func(t *testing.T) {
		var streams atomic.Int32
		mux := http.NewServeMux()
		mux.HandleFunc("/api/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]int{"unread": 0})
		})
		mux.HandleFunc("/api/notifications/stream", func(w http.ResponseWriter, r *http.Request) {
			streams.Add(1)
			startSSE(w)
			<-r.Context().Done()
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		n, err := New(NewClient("tok", WithBaseURL(srv.URL)), Options{
			Stream: fastStream(nil),
			Queue:  &QueueConfig{StartOffline: true, SyncInterval: -1},
		})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		n.Start(context.Background())
		defer n.Stop()

		time.Sleep(30 * time.Millisecond)
		if n.Stream.State() != StateDisconnected || streams.Load() != 0 {
			t.Fatalf("expected no stream while offline, got %s", n.Stream.State())
		}

		n.SetOnline(true)
		waitFor(t, "stream connected", func() bool { return n.Stream.State() == StateConnected })
	})

	t.Run("stop waits for in-flight replay", func(t *testing.T) {
		entered := make(chan string, 4)
		release := make(chan struct{})
		mux := http.NewServeMux()
		mux.HandleFunc("/api/notifications/unread-count", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]int{"unread": 2})
		})
		mux.HandleFunc("/api/notifications/stream", func(w http.ResponseWriter, r *http.Request) {
			startSSE(w)
			<-r.Context().Done()
		})
		mux.HandleFunc("/api/notifications/", func(w http.ResponseWriter, r *http.Request) {
			entered <- r.URL.Path
			<-release
			w.WriteHeader(http.StatusNoContent)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		storage := NewMemoryStorage()
		n, err := New(NewClient("tok", WithBaseURL(srv.URL)), Options{
			Storage: storage,
			Stream:  fastStream(nil),
			Queue:   &QueueConfig{StartOffline: true, SyncInterval: -1},
		})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		n.Start(context.Background())

		for _, id := range []NotificationID{"1", "2"} {
			if err := n.Tracker.MarkAsRead(context.Background(), id); err != nil {
				t.Fatalf("mark %s read: %v", id, err)
			}
		}
		n.SetOnline(true)
		select {
		case <-entered:
		case <-time.After(3 * time.Second):
			t.Fatal("replay did not start")
		}

		stopped := make(chan struct{})
		go func() {
			n.Stop()
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
			t.Fatal("Stop did not return")
		}

		restored, err := NewOfflineQueue(storage, &QueueConfig{SyncInterval: -1})
		if err != nil {
			t.Fatalf("restore: %v", err)
		}
		left := restored.Actions()
		if len(left) != 1 || !strings.HasSuffix(left[0].URL, "/api/notifications/2/read") {
			t.Fatalf("expected only the second action left, got %+v", left)
		}
	})
}
