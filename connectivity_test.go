package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConnectivity(t *testing.T) {
	t.Run("notifies only on change", func(t *testing.T) {
		c := NewConnectivity(true, nil)
		var got []bool
		c.OnChange(func(online bool) { got = append(got, online) })

		c.SetOnline(true)
		c.SetOnline(false)
		c.SetOnline(false)
		c.SetOnline(true)

		if len(got) != 2 || got[0] != false || got[1] != true {
			t.Fatalf("unexpected transitions: %v", got)
		}
	})

	t.Run("probe drives state", func(t *testing.T) {
		c := NewConnectivity(true, nil)
		var fail atomic.Bool
		fail.Store(true)

		var mu sync.Mutex
		var got []bool
		c.OnChange(func(online bool) {
			mu.Lock()
			got = append(got, online)
			mu.Unlock()
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go c.Watch(ctx, 5*time.Millisecond, func(context.Context) error {
			if fail.Load() {
				return errors.New("unreachable")
			}
			return nil
		})

		waitFor(t, "offline", func() bool { return !c.Online() })
		fail.Store(false)
		waitFor(t, "online", func() bool { return c.Online() })

		mu.Lock()
		defer mu.Unlock()
		if len(got) != 2 {
			t.Fatalf("expected 2 transitions, got %v", got)
		}
	})
}
