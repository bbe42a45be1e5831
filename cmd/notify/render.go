package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	notify "github.com/taskflow-crm/notify-go"
)

var (
	colorGray   = lipgloss.Color("245")
	colorWhite  = lipgloss.Color("255")
	colorBlue   = lipgloss.Color("39")
	colorYellow = lipgloss.Color("214")
	colorRed    = lipgloss.Color("196")
	colorGreen  = lipgloss.Color("42")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorWhite)
	metaStyle  = lipgloss.NewStyle().Foreground(colorGray)
	linkStyle  = lipgloss.NewStyle().Foreground(colorBlue).Underline(true)
	badgeStyle = lipgloss.NewStyle().Bold(true).Foreground(colorWhite).Background(colorRed).Padding(0, 1)
)

func priorityColor(p notify.Priority) lipgloss.Color {
	switch p {
	case notify.PriorityHigh:
		return colorRed
	case notify.PriorityLow:
		return colorGray
	default:
		return colorYellow
	}
}

// renderToast draws a notification as a bordered box. High priority toasts
// get a thick border.
func renderToast(t notify.Toast) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(t.Icon + " " + t.Title))
	if t.Message != "" {
		b.WriteString("\n" + t.Message)
	}
	meta := t.When
	if t.Priority == notify.PriorityHigh {
		meta = strings.TrimSpace(meta + "  [high]")
	}
	if meta != "" {
		b.WriteString("\n" + metaStyle.Render(meta))
	}
	if t.URL != "" {
		b.WriteString("\n" + linkStyle.Render(t.URL))
	}

	border := lipgloss.RoundedBorder()
	if t.Persistent {
		border = lipgloss.ThickBorder()
	}
	return lipgloss.NewStyle().
		Border(border).
		BorderForeground(priorityColor(t.Priority)).
		Padding(0, 1).
		Render(b.String())
}

// renderBadge draws the unread counter. Zero renders as a quiet dash.
func renderBadge(n int) string {
	if n <= 0 {
		return metaStyle.Render("no unread notifications")
	}
	label := fmt.Sprintf("%d unread", n)
	if n > 99 {
		label = "99+ unread"
	}
	return badgeStyle.Render(label)
}

func renderState(st notify.ConnState) string {
	switch st {
	case notify.StateConnected:
		return lipgloss.NewStyle().Foreground(colorGreen).Render("● connected")
	case notify.StateConnecting:
		return lipgloss.NewStyle().Foreground(colorYellow).Render("◌ connecting")
	default:
		return lipgloss.NewStyle().Foreground(colorRed).Render("○ disconnected")
	}
}

// renderListRow renders one line of the notification list.
func renderListRow(n notify.Notification, now time.Time) string {
	t := notify.NewToast(n, now)
	marker := "•"
	style := titleStyle
	if n.Read {
		marker = " "
		style = metaStyle
	}
	return fmt.Sprintf("%s %-6s %s %s  %s",
		lipgloss.NewStyle().Foreground(colorBlue).Render(marker),
		string(n.ID),
		t.Icon,
		style.Render(t.Title),
		metaStyle.Render(t.When),
	)
}
