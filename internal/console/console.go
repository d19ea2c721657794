// Package console is a terminal front end for the admin chat desk.
package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/medrx/adminchat/internal/chat"
	"github.com/medrx/adminchat/internal/chat/roster"
	"github.com/medrx/adminchat/internal/chat/store"
	"github.com/medrx/adminchat/internal/chat/transport"
)

type pane int

const (
	paneRoster pane = iota
	paneChat
)

type changeMsg store.Change

type stateMsg transport.State

type tickMsg time.Time

type errMsg struct{ err error }

// Model is the bubbletea model of the console.
type Model struct {
	ctx      context.Context
	desk     *chat.Desk
	selfID   string
	selfRole string

	events chan tea.Msg
	unsubs []func()

	width, height int
	sidebarWidth  int
	focus         pane
	filtering     bool
	filter        textinput.Model
	input         textinput.Model
	viewport      viewport.Model
	cursor        int
	open          string
	openName      string
	state         transport.State
	status        string
}

// New creates the model and subscribes it to desk changes.
func New(ctx context.Context, desk *chat.Desk, selfID, selfRole string) *Model {
	filter := textinput.New()
	filter.Placeholder = "Search doctors..."
	filter.CharLimit = 64
	filter.Width = 24

	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.CharLimit = 2000
	input.Width = 50

	m := &Model{
		ctx:          ctx,
		desk:         desk,
		selfID:       selfID,
		selfRole:     selfRole,
		events:       make(chan tea.Msg, 256),
		filter:       filter,
		input:        input,
		viewport:     viewport.New(80, 20),
		sidebarWidth: 30,
		state:        desk.State(),
	}
	m.unsubs = append(m.unsubs, desk.Store.Subscribe(func(c store.Change) { m.post(changeMsg(c)) }))
	if off, err := desk.OnState(func(s transport.State) { m.post(stateMsg(s)) }); err == nil {
		m.unsubs = append(m.unsubs, off)
	}
	return m
}

// post forwards an event without blocking the store; a dropped change is
// covered by the next redraw.
func (m *Model) post(msg tea.Msg) {
	select {
	case m.events <- msg:
	default:
	}
}

func (m *Model) listen() tea.Cmd {
	return func() tea.Msg { return <-m.events }
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Run starts the console and blocks until the user quits.
func Run(ctx context.Context, desk *chat.Desk, selfID, selfRole string) error {
	m := New(ctx, desk, selfID, selfRole)
	defer m.close()
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func (m *Model) close() {
	for _, off := range m.unsubs {
		off()
	}
}

// --- Init ---

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen(), tick())
}

// --- Update ---

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.filtering {
			return m, m.updateFilter(msg)
		}
		switch msg.String() {
		case "tab":
			m.toggleFocus()
			return m, nil
		}
		if m.focus == paneRoster {
			return m, m.updateRoster(msg)
		}
		return m, m.updateChat(msg)

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case changeMsg:
		if msg.ConversationID == "" || msg.ConversationID == m.open {
			m.refreshChat()
		}
		cmds = append(cmds, m.listen())

	case stateMsg:
		m.state = transport.State(msg)
		cmds = append(cmds, m.listen())

	case tickMsg:
		cmds = append(cmds, tick())

	case errMsg:
		m.status = msg.err.Error()
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) toggleFocus() {
	if m.focus == paneRoster && m.open != "" {
		m.focus = paneChat
		m.input.Focus()
		return
	}
	m.focus = paneRoster
	m.input.Blur()
}

func (m *Model) rows() []roster.Entry {
	return m.desk.Roster.Rows(m.filter.Value())
}

func (m *Model) updateFilter(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc":
		m.filtering = false
		m.filter.SetValue("")
		m.filter.Blur()
		m.cursor = 0
		return nil
	case "enter":
		m.filtering = false
		m.filter.Blur()
		return nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.cursor = 0
	return cmd
}

func (m *Model) updateRoster(msg tea.KeyMsg) tea.Cmd {
	rows := m.rows()
	switch msg.String() {
	case "q":
		return tea.Quit
	case "/":
		m.filtering = true
		m.filter.Focus()
		return textinput.Blink
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(rows)-1 {
			m.cursor++
		}
	case "enter", "l", "right":
		if m.cursor < len(rows) {
			e := rows[m.cursor]
			if e.CounterpartID != m.open {
				m.open = e.CounterpartID
				m.openName = e.DisplayName
				m.input.SetValue("")
				m.desk.Open(e.CounterpartID)
				m.refreshChat()
			}
			m.focus = paneChat
			m.input.Focus()
		}
	}
	return nil
}

func (m *Model) updateChat(msg tea.KeyMsg) tea.Cmd {
	comp := m.desk.Composer
	switch msg.String() {
	case "esc":
		if comp.Editing() != "" {
			comp.CancelEdit()
			m.input.SetValue("")
			return nil
		}
		m.focus = paneRoster
		m.input.Blur()
		return nil

	case "enter":
		if !comp.CanSend() {
			return nil
		}
		m.input.SetValue("")
		m.status = ""
		ctx := m.ctx
		return func() tea.Msg {
			if err := comp.Submit(ctx); err != nil {
				return errMsg{err}
			}
			return nil
		}

	case "ctrl+e":
		last, ok := lastOwn(m.desk.Store.Messages(m.open), m.selfID, m.selfRole)
		if !ok {
			return nil
		}
		if err := comp.StartEdit(last); err != nil {
			m.status = err.Error()
			return nil
		}
		m.input.SetValue(last.Body)
		m.input.CursorEnd()
		return nil

	case "ctrl+d":
		last, ok := lastOwn(m.desk.Store.Messages(m.open), m.selfID, m.selfRole)
		if !ok {
			return nil
		}
		ctx := m.ctx
		return func() tea.Msg {
			if err := comp.Delete(ctx, last); err != nil {
				return errMsg{err}
			}
			return nil
		}

	case "ctrl+r":
		failed, ok := lastFailed(m.desk.Store.Messages(m.open))
		if !ok {
			return nil
		}
		if err := comp.Retry(failed.TempID()); err != nil {
			m.status = err.Error()
		}
		return nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if v := m.input.Value(); v != comp.Draft() {
		comp.SetDraft(v)
	}
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return tea.Batch(cmds...)
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	m.sidebarWidth = w / 4
	if m.sidebarWidth < 25 {
		m.sidebarWidth = 25
	}
	chatWidth := w - m.sidebarWidth - 4
	if chatWidth < 20 {
		chatWidth = 20
	}
	vpHeight := h - 2 - 6
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.viewport = viewport.New(chatWidth-2, vpHeight)
	m.input.Width = chatWidth - 6
	m.refreshChat()
}

func (m *Model) refreshChat() {
	if m.open == "" {
		return
	}
	m.viewport.SetContent(renderMessages(m.desk.Store.Messages(m.open), m.selfID, m.selfRole, time.Now()))
	m.viewport.GotoBottom()
}

// --- View ---

func (m *Model) View() string {
	return lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), m.chatView())
}

func (m *Model) sidebarView() string {
	border := mutedColor
	if m.focus == paneRoster {
		border = activeBorder
	}
	style := sidebarStyle.Copy().BorderForeground(border).Width(m.sidebarWidth - 2)
	if m.height > 2 {
		style = style.Height(m.height - 2)
	}

	var s strings.Builder
	title := "Doctors"
	if n := m.desk.Roster.TotalUnread(); n > 0 {
		title += badgeStyle.Render(fmt.Sprintf(" %d", n))
	}
	s.WriteString(titleStyle.Render(title) + "\n")
	if m.filtering || m.filter.Value() != "" {
		s.WriteString(m.filter.View() + "\n")
	}
	s.WriteString("\n")

	rows := m.rows()
	if len(rows) == 0 {
		s.WriteString(mutedStyle.Render("No doctors."))
	}
	for i, e := range rows {
		s.WriteString(rosterLine(e, i == m.cursor) + "\n")
	}
	return style.Render(s.String())
}

func (m *Model) chatView() string {
	width := m.width - m.sidebarWidth - 4
	if width < 20 {
		width = 20
	}
	style := chatWindowStyle.Copy().Width(width)
	if m.height > 2 {
		style = style.Height(m.height - 2)
	}
	if m.open == "" {
		return style.Render(mutedStyle.Render("Select a doctor to start chatting"))
	}
	if m.focus == paneChat {
		style = style.BorderForeground(activeBorder)
	} else {
		style = style.BorderForeground(mutedColor)
	}

	headerText := m.openName
	if m.desk.Roster.IsOnline(m.open) {
		headerText += " " + onlineStyle.Render("online")
	}
	if banner := stateBanner(m.state); banner != "" {
		headerText += "  " + banner
	}
	if err := m.desk.Store.LoadError(m.open); err != nil {
		headerText += "  " + errorStyle.Render("history unavailable")
	}
	header := headerStyle.Copy().Width(width - 2).Render(headerText)

	var footer strings.Builder
	if e, ok := m.desk.Roster.Entry(m.open); ok && e.Typing {
		footer.WriteString(mutedStyle.Render("typing…") + "\n")
	}
	if m.desk.Composer.Editing() != "" {
		footer.WriteString(mutedStyle.Render("editing (esc to cancel)") + "\n")
	}
	if m.status != "" {
		footer.WriteString(errorStyle.Render(m.status) + "\n")
	}
	footer.WriteString(m.input.View())

	return style.Render(lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		m.viewport.View(),
		footerStyle.Copy().Width(width-2).Render(footer.String()),
	))
}
