package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	notify "github.com/taskflow-crm/notify-go"
)

// terminalPrompter asks for desktop notification permission on the terminal.
// The native step succeeds when notify-send is installed.
type terminalPrompter struct {
	in  io.Reader
	out io.Writer
}

func (p *terminalPrompter) AskInApp(ctx context.Context) (bool, error) {
	fmt.Fprint(p.out, "Show desktop notifications for new activity? [y/N] ")
	line, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func (p *terminalPrompter) RequestNative(ctx context.Context) (notify.Permission, error) {
	if _, err := exec.LookPath("notify-send"); err != nil {
		fmt.Fprintln(p.out, "notify-send not found; falling back to terminal toasts")
		return notify.PermissionDenied, nil
	}
	return notify.PermissionGranted, nil
}

// desktopPresenter shows notifications through notify-send.
type desktopPresenter struct {
	logger *slog.Logger
}

func (d desktopPresenter) Present(n notify.Notification) {
	urgency := "normal"
	switch n.Priority {
	case notify.PriorityHigh:
		urgency = "critical"
	case notify.PriorityLow:
		urgency = "low"
	}
	t := notify.NewToast(n, n.CreatedAt)
	args := []string{"--app-name=taskflow", "-u", urgency, t.Title}
	if t.Message != "" {
		args = append(args, t.Message)
	}
	if err := exec.Command("notify-send", args...).Run(); err != nil {
		d.logger.Warn("desktop notification failed", "error", err)
	}
}
