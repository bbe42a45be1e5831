package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	notify "github.com/taskflow-crm/notify-go"
)

func init() {
	queueCmd.AddCommand(queueListCmd, queueSyncCmd, queueClearCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay requests queued while offline",
}

// openQueue opens the persisted offline queue with the fallback timer off.
func openQueue(cfg *Config) (*notify.OfflineQueue, func(), error) {
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	q, err := notify.NewOfflineQueue(storage, &notify.QueueConfig{
		SyncInterval: -1,
		Logger:       newLogger(logLevel, logFormat),
	})
	if err != nil {
		storage.Close()
		return nil, nil, err
	}
	return q, func() { storage.Close() }, nil
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		q, closeFn, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		actions := q.Actions()
		if len(actions) == 0 {
			fmt.Println("Offline queue is empty.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tMETHOD\tURL\tQUEUED")
		for _, a := range actions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Type, a.Method, a.URL, humanize.Time(a.Timestamp))
		}
		return w.Flush()
	},
}

var queueSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay pending actions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}
		q, closeFn, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		if q.Len() == 0 {
			fmt.Println("Nothing to synchronize.")
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("API unreachable, %d action(s) left queued: %w", q.Len(), err)
		}

		res, err := q.Sync(ctx)
		for _, line := range res.Summary() {
			fmt.Println(line)
		}
		if err != nil {
			return err
		}
		if res.Failed > 0 {
			return fmt.Errorf("%d action(s) remain queued", q.Len())
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending action",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		q, closeFn, err := openQueue(cfg)
		if err != nil {
			return err
		}
		defer closeFn()

		n := q.Len()
		if err := q.Clear(); err != nil {
			return err
		}
		fmt.Printf("Dropped %d queued action(s)\n", n)
		return nil
	},
}
