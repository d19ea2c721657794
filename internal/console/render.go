package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/medrx/adminchat/internal/chat/message"
	"github.com/medrx/adminchat/internal/chat/roster"
	"github.com/medrx/adminchat/internal/chat/transport"
)

// --- Styles ---

var (
	primaryColor = lipgloss.Color("#2563EB")
	selfColor    = lipgloss.Color("#10B981")
	mutedColor   = lipgloss.Color("#9CA3AF")
	errorColor   = lipgloss.Color("#EF4444")
	activeBorder = lipgloss.Color("#F59E0B")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	errorStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	badgeStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	onlineStyle = lipgloss.NewStyle().Foreground(selfColor)

	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1).
			MarginRight(1)

	selectedItemStyle = lipgloss.NewStyle().
				Foreground(selfColor).
				Bold(true).
				PaddingLeft(1).
				Border(lipgloss.NormalBorder(), false, false, false, true).
				BorderForeground(selfColor)

	unselectedItemStyle = lipgloss.NewStyle().PaddingLeft(2)

	chatWindowStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(mutedColor).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(mutedColor).
			Padding(0, 1)

	dayStyle = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	ownMessageStyle   = lipgloss.NewStyle().Foreground(selfColor)
	otherMessageStyle = lipgloss.NewStyle().Foreground(primaryColor)
)

// deliveryMark renders the delivery state of an own message.
func deliveryMark(s message.DeliveryState) string {
	switch s {
	case message.StateSending:
		return "…"
	case message.StateSent:
		return "✓"
	case message.StateDelivered:
		return "✓✓"
	case message.StateSeen:
		return "✓✓ seen"
	case message.StateFailed:
		return "! failed (ctrl+r to retry)"
	}
	return ""
}

// renderMessages lays out a conversation grouped by calendar day.
func renderMessages(msgs []message.Message, selfID, selfRole string, now time.Time) string {
	if len(msgs) == 0 {
		return mutedStyle.Render("No messages yet.")
	}
	var b strings.Builder
	for i, g := range message.GroupByDay(msgs, time.Local, now) {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(dayStyle.Render("── "+g.Label+" ──") + "\n")
		for _, m := range g.Messages {
			b.WriteString(messageLine(m, selfID, selfRole) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func messageLine(m message.Message, selfID, selfRole string) string {
	ts := "     "
	if !m.CreatedAt.IsZero() {
		ts = m.CreatedAt.Local().Format("15:04")
	}

	body := m.Body
	if m.Kind == message.KindFile && m.Attachment != nil {
		name := m.Attachment.FileName
		if name == "" {
			name = m.Attachment.URL
		}
		body = "[file] " + name
		if m.Body != "" {
			body += " " + m.Body
		}
	}
	if m.Kind == message.KindSystem {
		return mutedStyle.Render(fmt.Sprintf("%s  %s", ts, body))
	}
	if m.Edited {
		body += mutedStyle.Render(" (edited)")
	}

	if m.OwnedBy(selfID, selfRole) {
		mark := deliveryMark(m.DeliveryState)
		if m.DeliveryState == message.StateFailed {
			mark = errorStyle.Render(mark)
		} else {
			mark = mutedStyle.Render(mark)
		}
		return fmt.Sprintf("%s %s %s %s", mutedStyle.Render(ts), ownMessageStyle.Render("you:"), body, mark)
	}
	return fmt.Sprintf("%s %s %s", mutedStyle.Render(ts), otherMessageStyle.Render("doctor:"), body)
}

// rosterLine renders one sidebar row.
func rosterLine(e roster.Entry, selected bool) string {
	dot := mutedStyle.Render("○")
	if e.IsOnline {
		dot = onlineStyle.Render("●")
	}
	line := dot + " " + e.DisplayName
	if e.UnreadCount > 0 {
		line += badgeStyle.Render(fmt.Sprintf(" (%d)", e.UnreadCount))
	}
	if e.Typing {
		line += mutedStyle.Render(" typing…")
	} else if e.LastMessagePreview != "" {
		line += "\n   " + mutedStyle.Render(e.LastMessagePreview)
	}
	if selected {
		return selectedItemStyle.Render(line)
	}
	return unselectedItemStyle.Render(line)
}

func stateBanner(s transport.State) string {
	switch s {
	case transport.StateConnected:
		return ""
	case transport.StateConnecting:
		return errorStyle.Render("⟳ reconnecting…")
	default:
		return errorStyle.Render("✕ offline, messages will be sent on reconnect")
	}
}

// lastOwn returns the newest own message that can be edited or deleted.
func lastOwn(msgs []message.Message, selfID, selfRole string) (message.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].OwnedBy(selfID, selfRole) {
			return msgs[i], true
		}
	}
	return message.Message{}, false
}

// lastFailed returns the newest failed send.
func lastFailed(msgs []message.Message) (message.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].DeliveryState == message.StateFailed && msgs[i].Ident.IsPending() {
			return msgs[i], true
		}
	}
	return message.Message{}, false
}
