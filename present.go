package notify

import (
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/x/ansi"
	"github.com/dustin/go-humanize"
)

// Presenter shows a newly arrived notification to the user.
type Presenter interface {
	Present(n Notification)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(Notification)

func (f PresenterFunc) Present(n Notification) { f(n) }

// Toast is a display-safe rendering of a notification. Title and message are
// sanitized because they come from other users.
type Toast struct {
	ID         NotificationID
	Icon       string
	Title      string
	Message    string
	Priority   Priority
	When       string
	URL        string
	Persistent bool
}

var typeIcons = map[NotificationType]string{
	TypeTaskAssigned: "●",
	TypeTaskDue:      "⏰",
	TypeComment:      "✎",
	TypeMention:      "@",
	TypeSystem:       "ⓘ",
}

// NewToast builds the toast for n relative to now.
func NewToast(n Notification, now time.Time) Toast {
	icon, ok := typeIcons[n.Type]
	if !ok {
		icon = "•"
	}
	priority := n.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	return Toast{
		ID:         n.ID,
		Icon:       icon,
		Title:      Sanitize(n.Title),
		Message:    Sanitize(n.Message),
		Priority:   priority,
		When:       RelativeTime(n.CreatedAt, now),
		URL:        Sanitize(n.URL),
		Persistent: priority == PriorityHigh,
	}
}

// Sanitize strips terminal escape sequences and control characters from
// untrusted text and folds it onto one line.
func Sanitize(s string) string {
	s = ansi.Strip(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// RelativeTime formats t as "3 minutes ago". Zero times render empty.
func RelativeTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	if d := now.Sub(t); d >= 0 && d < time.Minute {
		return "just now"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
