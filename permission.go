package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Permission is the state of the desktop notification permission.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// PromptDismissedKey is the Storage key set when the user declines the
// in-app permission prompt.
const PromptDismissedKey = "notification-prompt-dismissed"

// Prompter asks the user for desktop notification permission. AskInApp shows
// the application's own explanation first; RequestNative is only called
// when the user accepts it.
type Prompter interface {
	AskInApp(ctx context.Context) (bool, error)
	RequestNative(ctx context.Context) (Permission, error)
}

// PermissionManager requests desktop notification permission at most once
// and remembers a dismissed prompt across restarts.
type PermissionManager struct {
	storage  Storage
	prompter Prompter
	logger   *slog.Logger

	mu    sync.Mutex
	state Permission
}

// NewPermissionManager creates a manager starting from the given state.
func NewPermissionManager(storage Storage, prompter Prompter, initial Permission, logger *slog.Logger) *PermissionManager {
	if initial == "" {
		initial = PermissionDefault
	}
	if logger == nil {
		logger = discardLogger()
	}
	return &PermissionManager{storage: storage, prompter: prompter, state: initial, logger: logger}
}

// Permission returns the current permission state.
func (m *PermissionManager) Permission() Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Request runs the prompt flow unless a decision already exists.
func (m *PermissionManager) Request(ctx context.Context) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != PermissionDefault {
		return m.state, nil
	}
	dismissed, _, err := m.storage.Get(PromptDismissedKey)
	if err != nil {
		return m.state, fmt.Errorf("reading prompt flag: %w", err)
	}
	if dismissed == "true" {
		return m.state, nil
	}

	ok, err := m.prompter.AskInApp(ctx)
	if err != nil {
		return m.state, fmt.Errorf("in-app prompt: %w", err)
	}
	if !ok {
		if err := m.storage.Set(PromptDismissedKey, "true"); err != nil {
			return m.state, fmt.Errorf("saving prompt flag: %w", err)
		}
		return m.state, nil
	}

	p, err := m.prompter.RequestNative(ctx)
	if err != nil {
		return m.state, fmt.Errorf("native permission request: %w", err)
	}
	m.state = p
	m.logger.Info("notification permission decided", "permission", p)
	return p, nil
}

// ResetPrompt forgets a dismissed prompt so Request asks again.
func (m *PermissionManager) ResetPrompt() error {
	return m.storage.Remove(PromptDismissedKey)
}

// GatedPresenter sends notifications to Desktop while permission is granted
// and to Fallback otherwise.
type GatedPresenter struct {
	Permissions *PermissionManager
	Desktop     Presenter
	Fallback    Presenter
}

func (g *GatedPresenter) Present(n Notification) {
	if g.Desktop != nil && g.Permissions != nil && g.Permissions.Permission() == PermissionGranted {
		g.Desktop.Present(n)
		return
	}
	if g.Fallback != nil {
		g.Fallback.Present(n)
	}
}
