package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	notify "github.com/taskflow-crm/notify-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, offline queue and API status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:   %s\n", valueOrDefault(cfg.Default.BaseURL, notify.DefaultBaseURL))
		fmt.Printf("  Transport:  %s\n", valueOrDefault(cfg.Stream.Transport, string(notify.TransportSSE)))
		switch {
		case cfg.Default.UseKeyring:
			fmt.Println("  API Key:    (system keyring)")
		case cfg.Default.APIKey != "":
			fmt.Printf("  API Key:    %s\n", maskKey(cfg.Default.APIKey))
		default:
			fmt.Println("  API Key:    (not set)")
		}

		fmt.Println()
		fmt.Println("Offline queue:")
		if q, closeFn, err := openQueue(cfg); err != nil {
			fmt.Printf("  Error opening queue: %v\n", err)
		} else {
			fmt.Printf("  Pending:    %d\n", q.Len())
			closeFn()
		}

		client, _, err := getClient()
		if err != nil {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Ping(ctx); err != nil {
			fmt.Printf("  API:        unreachable (%v)\n", err)
			return nil
		}
		fmt.Println("  API:        reachable")
		n, err := client.UnreadCount(ctx)
		if err != nil {
			fmt.Printf("  Unread:     error: %v\n", err)
			return nil
		}
		fmt.Printf("  Unread:     %d\n", n)
		return nil
	},
}
