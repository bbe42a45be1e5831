package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a failed API call. Status is the HTTP status code when
// the failure came from a server response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationType selects the icon and color of a notification.
type NotificationType string

const (
	TypeTaskAssigned NotificationType = "task_assigned"
	TypeTaskDue      NotificationType = "task_due"
	TypeComment      NotificationType = "comment"
	TypeMention      NotificationType = "mention"
	TypeSystem       NotificationType = "system"
)

// Priority of a notification. High priority toasts stay until dismissed.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Notification is a single server-pushed or fetched notification.
type Notification struct {
	ID        NotificationID   `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Priority  Priority         `json:"priority,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	Read      bool             `json:"read"`
	URL       string           `json:"url,omitempty"`
}

// UnmarshalJSON accepts both "url" and the older "link" field.
func (n *Notification) UnmarshalJSON(data []byte) error {
	type plain Notification
	var aux struct {
		plain
		Link string `json:"link"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*n = Notification(aux.plain)
	if n.URL == "" {
		n.URL = aux.Link
	}
	return nil
}

// NotificationID is an opaque notification identifier. The server sends
// either strings or numbers; both decode to the same textual form.
type NotificationID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *NotificationID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NotificationID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("notification id: %w", err)
	}
	*id = NotificationID(num.String())
	return nil
}

// UnreadCountEvent is the payload of the "unread-count" stream event.
type UnreadCountEvent struct {
	Count int `json:"count"`
}

// unreadCountResponse is the body of GET /api/notifications/unread-count.
type unreadCountResponse struct {
	Unread int `json:"unread"`
}

// ============================================================================
// Connection State
// ============================================================================

// ConnState represents the stream connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
)

// ReconnectInfo describes a scheduled reconnect attempt.
type ReconnectInfo struct {
	Attempt int
	Delay   time.Duration
}

// ============================================================================
// Offline Queue
// ============================================================================

// ActionType distinguishes how a queued action is replayed.
type ActionType string

const (
	ActionFormSubmission ActionType = "form-submission"
	ActionFetchRequest   ActionType = "fetch-request"
)

// QueuedAction is a mutating request captured while offline.
type QueuedAction struct {
	ID         string      `json:"id"`
	Type       ActionType  `json:"type"`
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       string      `json:"body,omitempty"`
	FormFields url.Values  `json:"formFields,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// SyncResult reports one replay pass over the offline queue.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Summary renders the result the way it is shown to users.
func (r SyncResult) Summary() []string {
	var lines []string
	if r.Success > 0 {
		lines = append(lines, "Synchronized "+strconv.Itoa(r.Success)+" "+plural(r.Success, "action"))
	}
	if r.Failed > 0 {
		lines = append(lines, "Failed to synchronize "+strconv.Itoa(r.Failed)+" "+plural(r.Failed, "action"))
	}
	return lines
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// isMutating reports whether a request with this method changes server state.
func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
