// Package tui renders a live monitor of the fleet: sim time, speed, and a
// table of sessions with their latest screens and actions.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"bbsfleet/internal/pool"
	"bbsfleet/internal/simclock"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
)

type updateMsg pool.Update

type tickMsg time.Time

// Model is the bubbletea model for the fleet monitor.
type Model struct {
	pool    *pool.Pool
	clock   *simclock.Clock
	updates <-chan pool.Update

	sessions map[string]pool.SessionInfo
	events   []string
	screen   viewport.Model
	focusID  string
	width    int
	height   int
}

// NewModel builds the monitor over a running pool and clock.
func NewModel(p *pool.Pool, clock *simclock.Clock) Model {
	return Model{
		pool:     p,
		clock:    clock,
		updates:  p.Updates(),
		sessions: make(map[string]pool.SessionInfo),
		screen:   viewport.New(82, 12),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), tick())
}

func (m Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		update, ok := <-m.updates
		if !ok {
			return nil
		}
		return updateMsg(update)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.screen.Width = msg.Width - 2
		return m, nil

	case tickMsg:
		return m, tick()

	case updateMsg:
		info := msg.Info
		m.sessions[info.ID] = info
		if m.focusID == "" || m.focusID == info.ID {
			m.focusID = info.ID
			if info.CurrentScreen != "" {
				m.screen.SetContent(info.CurrentScreen)
				m.screen.GotoBottom()
			}
		}
		if msg.Event != nil {
			line := fmt.Sprintf("%s %s %s",
				msg.Event.Timestamp.Format("15:04:05"), info.Handle, msg.Event.Type)
			if msg.Event.Text != "" && len(msg.Event.Text) < 60 {
				line += ": " + msg.Event.Text
			}
			m.events = append(m.events, line)
			if len(m.events) > 8 {
				m.events = m.events[len(m.events)-8:]
			}
		}
		return m, m.waitForUpdate()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			if m.clock.IsPaused() {
				m.clock.Resume()
			} else {
				m.clock.Pause()
			}
		case "+":
			m.clock.SetSpeed(m.clock.Speed() * 2)
		case "-":
			if speed := m.clock.Speed(); speed > 1 {
				m.clock.SetSpeed(speed / 2)
			}
		case "t":
			m.clock.SetSpeed(0)
		case "tab":
			m.focusID = m.nextFocus()
			if info, ok := m.sessions[m.focusID]; ok {
				m.screen.SetContent(info.CurrentScreen)
			}
		}
	}
	return m, nil
}

// nextFocus cycles focus through sessions in stable (sorted) order.
func (m Model) nextFocus() string {
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	for i, id := range ids {
		if id == m.focusID {
			return ids[(i+1)%len(ids)]
		}
	}
	return ids[0]
}

func statusStyle(status pool.Status) lipgloss.Style {
	switch status {
	case pool.StatusActive, pool.StatusExtracting:
		return activeStyle
	case pool.StatusError:
		return errorStyle
	default:
		return doneStyle
	}
}

func (m Model) View() string {
	var b strings.Builder

	speed := "turbo"
	if s := m.clock.EffectiveSpeed(); s > 0 {
		speed = fmt.Sprintf("%gx", s)
	}
	pausedNote := ""
	if m.clock.IsPaused() {
		pausedNote = errorStyle.Render("  PAUSED")
	}
	b.WriteString(headerStyle.Render("bbsfleet"))
	fmt.Fprintf(&b, "  %s %s  %s %s%s\n\n",
		labelStyle.Render("sim"),
		m.clock.Now().Format("Mon 2006-01-02 15:04"),
		labelStyle.Render("speed"), speed, pausedNote)

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		info := m.sessions[id]
		marker := " "
		if id == m.focusID {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s %-14s %s turn %-3d %s\n",
			marker, info.Handle,
			statusStyle(info.Status).Render(fmt.Sprintf("%-11s", info.Status)),
			info.TurnCount, labelStyle.Render(info.LastAction))
	}
	if len(ids) == 0 {
		b.WriteString(labelStyle.Render("no sessions yet\n"))
	}

	if m.focusID != "" {
		b.WriteString("\n" + labelStyle.Render("── screen ──────────────────────────────") + "\n")
		b.WriteString(m.screen.View() + "\n")
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		for _, event := range m.events {
			b.WriteString(eventStyle.Render(event) + "\n")
		}
	}

	b.WriteString("\n" + helpStyle.Render("space pause · +/- speed · t turbo · tab focus · q quit"))
	return b.String()
}

// Run blocks until the user quits the monitor.
func Run(p *pool.Pool, clock *simclock.Clock) error {
	program := tea.NewProgram(NewModel(p, clock), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
