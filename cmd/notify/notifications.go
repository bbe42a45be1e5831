package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	notify "github.com/taskflow-crm/notify-go"
)

var listLimit int

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", notify.DefaultListCap, "Number of notifications to fetch")
	rootCmd.AddCommand(unreadCmd, listCmd, readCmd, readAllCmd)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the unread notification count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		n, err := client.UnreadCount(ctx)
		if err != nil {
			return fmt.Errorf("fetching unread count: %w", err)
		}
		fmt.Println(renderBadge(n))
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		tracker := notify.NewTracker(client, &notify.TrackerConfig{ListCap: listLimit})
		if err := tracker.LoadUnreadCount(ctx); err != nil {
			return fmt.Errorf("fetching unread count: %w", err)
		}
		if err := tracker.Load(ctx, listLimit); err != nil {
			return fmt.Errorf("fetching notifications: %w", err)
		}

		snap := tracker.Snapshot()
		fmt.Println(renderBadge(snap.Unread))
		if len(snap.Notifications) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		now := time.Now()
		for _, n := range snap.Notifications {
			fmt.Println(renderListRow(n, now))
		}
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <id>...",
	Short: "Mark notifications as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		for _, id := range args {
			if err := client.MarkRead(ctx, notify.NotificationID(id)); err != nil {
				return fmt.Errorf("marking %s as read: %w", id, err)
			}
			fmt.Printf("Marked %s as read\n", id)
		}
		return nil
	},
}

var readAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _, err := getClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		if err := client.MarkAllRead(ctx); err != nil {
			return fmt.Errorf("marking all as read: %w", err)
		}
		fmt.Println("All notifications marked as read")
		return nil
	},
}
