package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	notify "github.com/taskflow-crm/notify-go"
)

// lastEventIDKey persists the stream resume cursor between runs.
const lastEventIDKey = "stream-last-event-id"

var (
	watchTransport     string
	watchDesktop       bool
	watchMetricsAddr   string
	watchProbeInterval time.Duration
	watchLoad          int
)

func init() {
	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "Stream transport: sse or websocket (default from config)")
	watchCmd.Flags().BoolVar(&watchDesktop, "desktop", false, "Show desktop notifications via notify-send when permitted")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	watchCmd.Flags().DurationVar(&watchProbeInterval, "probe-interval", notify.DefaultProbeInterval, "Connectivity probe interval (0 disables)")
	watchCmd.Flags().IntVar(&watchLoad, "load", 0, "Fetch this many recent notifications on start")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream notifications live",
	Long: "Keep the notification stream open and print each notification as it arrives.\n" +
		"Reconnects automatically and replays the offline queue when the API is reachable again.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		logger := newLogger(logLevel, logFormat)

		storage, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer storage.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *notify.Metrics
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = notify.NewMetrics(reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: watchMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			defer srv.Shutdown(context.Background())
		}

		var outMu sync.Mutex
		printLine := func(s string) {
			outMu.Lock()
			fmt.Println(s)
			outMu.Unlock()
		}

		var presenter notify.Presenter = notify.PresenterFunc(func(n notify.Notification) {
			printLine(renderToast(notify.NewToast(n, time.Now())))
		})
		if watchDesktop {
			perms := notify.NewPermissionManager(storage, &terminalPrompter{in: os.Stdin, out: os.Stdout}, notify.PermissionDefault, logger)
			if _, err := perms.Request(ctx); err != nil {
				logger.Warn("permission prompt failed", "error", err)
			}
			presenter = &notify.GatedPresenter{
				Permissions: perms,
				Desktop:     desktopPresenter{logger: logger},
				Fallback:    presenter,
			}
		}

		streamCfg, err := streamConfig(cfg)
		if err != nil {
			return err
		}

		n, err := notify.New(client, notify.Options{
			Storage:       storage,
			Stream:        streamCfg,
			Presenter:     presenter,
			ProbeInterval: watchProbeInterval,
			Logger:        logger,
			Metrics:       metrics,
		})
		if err != nil {
			return err
		}

		if id, ok, err := storage.Get(lastEventIDKey); err == nil && ok {
			n.Stream.SetLastEventID(id)
		}

		n.Stream.OnStateChange(func(st notify.ConnState) { printLine(renderState(st)) })
		n.Stream.On(notify.EventReconnecting, func(_ string, payload any) {
			if info, ok := payload.(notify.ReconnectInfo); ok {
				printLine(metaStyle.Render(fmt.Sprintf("reconnecting in %s (attempt %d)", info.Delay, info.Attempt)))
			}
		})
		n.Queue.On(notify.EventNetworkOff, func(string, any) {
			printLine(metaStyle.Render("offline: changes will be queued"))
		})
		n.Queue.On(notify.EventSyncComplete, func(_ string, payload any) {
			if res, ok := payload.(notify.SyncResult); ok {
				for _, line := range res.Summary() {
					printLine(line)
				}
			}
		})

		var unreadMu sync.Mutex
		lastUnread := -1
		n.Tracker.Subscribe(func(s notify.Snapshot) {
			unreadMu.Lock()
			changed := s.Unread != lastUnread
			lastUnread = s.Unread
			unreadMu.Unlock()
			if changed {
				printLine(renderBadge(s.Unread))
			}
		})

		n.Start(ctx)
		if watchLoad > 0 {
			if err := n.Tracker.Load(ctx, watchLoad); err == nil {
				now := time.Now()
				for _, item := range n.Tracker.Snapshot().Notifications {
					printLine(renderListRow(item, now))
				}
			}
		}

		<-ctx.Done()
		n.Stop()
		if id := n.Stream.LastEventID(); id != "" {
			if err := storage.Set(lastEventIDKey, id); err != nil {
				logger.Warn("saving stream cursor failed", "error", err)
			}
		}
		return nil
	},
}

// streamConfig merges the --transport flag with the [stream] config section.
func streamConfig(cfg *Config) (*notify.StreamConfig, error) {
	sc := &notify.StreamConfig{Transport: notify.Transport(valueOrDefault(watchTransport, cfg.Stream.Transport))}
	switch sc.Transport {
	case "", notify.TransportSSE, notify.TransportWebSocket:
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: sse, websocket)", sc.Transport)
	}
	if cfg.Stream.StaleTimeout != "" {
		d, err := time.ParseDuration(cfg.Stream.StaleTimeout)
		if err != nil {
			return nil, fmt.Errorf("stream.stale_timeout: %w", err)
		}
		sc.StaleTimeout = d
	}
	return sc, nil
}
