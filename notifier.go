package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Options configures New. Nil component configs take their defaults.
type Options struct {
	// Storage persists the offline queue. Defaults to a MemoryStorage.
	Storage Storage
	Stream  *StreamConfig
	Tracker *TrackerConfig
	Queue   *QueueConfig
	// Presenter overrides Tracker.Presenter when set.
	Presenter Presenter
	// ProbeInterval enables a background connectivity probe against the
	// API. Zero leaves connectivity to explicit SetOnline calls.
	ProbeInterval time.Duration
	Logger        *slog.Logger
	Metrics       *Metrics
}

// Notifier wires the stream client, the tracker, the offline queue and the
// connectivity signal together. Build one per process and pass it to the
// code that needs it.
type Notifier struct {
	Client  *Client
	Stream  *StreamClient
	Tracker *Tracker
	Queue   *OfflineQueue
	Network *Connectivity

	logger        *slog.Logger
	probeInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New builds the component graph around c. The client's HTTP transport is
// wrapped so that mutating calls made through it while offline are queued.
func New(c *Client, opts Options) (*Notifier, error) {
	logger := opts.Logger
	if logger == nil {
		logger = c.logger
	}
	storage := opts.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}

	var qcfg QueueConfig
	if opts.Queue != nil {
		qcfg = *opts.Queue
	}
	if qcfg.Logger == nil {
		qcfg.Logger = logger
	}
	if qcfg.Metrics == nil {
		qcfg.Metrics = opts.Metrics
	}
	if qcfg.HTTPClient == nil {
		base := *c.httpClient
		qcfg.HTTPClient = &base
	}
	queue, err := NewOfflineQueue(storage, &qcfg)
	if err != nil {
		return nil, err
	}

	intercepted := *c.httpClient
	intercepted.Transport = queue.Transport(c.httpClient.Transport)
	c.httpClient = &intercepted

	var tcfg TrackerConfig
	if opts.Tracker != nil {
		tcfg = *opts.Tracker
	}
	if opts.Presenter != nil {
		tcfg.Presenter = opts.Presenter
	}
	if tcfg.Logger == nil {
		tcfg.Logger = logger
	}
	if tcfg.Metrics == nil {
		tcfg.Metrics = opts.Metrics
	}

	var scfg StreamConfig
	if opts.Stream != nil {
		scfg = *opts.Stream
	}
	if scfg.Logger == nil {
		scfg.Logger = logger
	}
	if scfg.Metrics == nil {
		scfg.Metrics = opts.Metrics
	}
	if scfg.HTTPClient == nil {
		scfg.HTTPClient = &http.Client{Transport: c.httpClient.Transport}
	}

	n := &Notifier{
		Client:        c,
		Stream:        NewStreamClient(c, &scfg),
		Tracker:       NewTracker(c, &tcfg),
		Queue:         queue,
		Network:       NewConnectivity(queue.IsOnline(), logger),
		logger:        logger,
		probeInterval: opts.ProbeInterval,
	}

	n.Stream.OnNotification(n.Tracker.HandleNotification)
	n.Stream.OnUnreadCount(n.Tracker.SetUnreadCount)
	n.Network.OnChange(func(online bool) {
		n.Queue.SetOnline(online)
		if online {
			go n.Stream.NetworkOnline()
		} else {
			n.Stream.NetworkOffline()
		}
	})
	return n, nil
}

// Start loads the unread counter, opens the stream and starts the fallback
// timers. Failures are logged and retried in the background.
func (n *Notifier) Start(ctx context.Context) {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return
	}
	n.running = true
	ctx, n.cancel = context.WithCancel(ctx)
	n.mu.Unlock()

	if err := n.Tracker.LoadUnreadCount(ctx); err != nil {
		n.logger.Warn("initial unread count unavailable", "error", err)
	}
	n.Queue.Start()
	n.Stream.Attach(ctx)
	if n.Network.Online() {
		if err := n.Stream.Connect(ctx); err != nil {
			n.logger.Warn("notification stream unavailable, retrying", "error", err)
		}
		if n.Queue.Len() > 0 {
			n.Queue.syncAsync()
		}
	} else {
		n.logger.Info("starting offline, stream opens when connectivity returns")
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Tracker.Poll(ctx)
	}()

	if n.probeInterval > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.Network.Watch(ctx, n.probeInterval, n.Client.Ping)
		}()
	}
}

// Stop tears everything down. Background replays finish before it returns,
// so the storage may be closed afterwards. It is safe to call more than once.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.cancel()
	n.mu.Unlock()

	n.Stream.Disconnect()
	n.Queue.Stop()
	n.wg.Wait()
}

// SetOnline forwards an external connectivity signal.
func (n *Notifier) SetOnline(online bool) {
	n.Network.SetOnline(online)
}

// Suspend is called when the user interface is hidden.
func (n *Notifier) Suspend() {
	n.Stream.Suspend()
}

// Resume is called when the user interface is shown again. The stream
// reconnects immediately if needed and the unread counter is refreshed.
func (n *Notifier) Resume(ctx context.Context) {
	n.Stream.Resume()
	if err := n.Tracker.LoadUnreadCount(ctx); err != nil {
		n.logger.Debug("unread refresh on resume failed", "error", err)
	}
}
