// Package inspect is a live bubbletea TUI showing call-stack depth,
// young/old heap occupancy, and card-table dirty-bit count while a program
// runs. Structure (Model/Update/View, lipgloss styling, a channel feeding
// tea.Msg updates) is grounded on
// wippyai-wasm-runtime/cmd/run/interactive.go.
package inspect

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const barWidth = 30

// Stats is one snapshot of engine state, pushed after each GC and each
// call by the component driving the inspector.
type Stats struct {
	CallDepth     int
	CallCapacity  int
	YoungUsed     int
	YoungCapacity int
	OldUsed       int
	OldCapacity   int
	DirtyCards    int
	TotalCards    int
	LastEvent     string
}

type statsMsg Stats

// Model is the bubbletea model for the inspector.
type Model struct {
	ch      <-chan Stats
	current Stats
	done    bool

	callBar  progress.Model
	youngBar progress.Model
	oldBar   progress.Model
}

// New builds a Model that reads snapshots from ch until it's closed.
func New(ch <-chan Stats) *Model {
	m := &Model{
		ch:       ch,
		callBar:  progress.New(progress.WithDefaultGradient()),
		youngBar: progress.New(progress.WithDefaultGradient()),
		oldBar:   progress.New(progress.WithDefaultGradient()),
	}
	m.callBar.Width = barWidth
	m.youngBar.Width = barWidth
	m.oldBar.Width = barWidth
	return m
}

func (m *Model) Init() tea.Cmd {
	return m.waitForStats(m.ch)
}

func (m *Model) waitForStats(ch <-chan Stats) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return tea.Quit()
		}
		return statsMsg(s)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statsMsg:
		m.current = Stats(msg)
		cmds := []tea.Cmd{
			m.waitForStats(m.ch),
			m.callBar.SetPercent(fraction(m.current.CallDepth, m.current.CallCapacity)),
			m.youngBar.SetPercent(fraction(m.current.YoungUsed, m.current.YoungCapacity)),
			m.oldBar.SetPercent(fraction(m.current.OldUsed, m.current.OldCapacity)),
		}
		return m, tea.Batch(cmds...)
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.done = true
			return m, tea.Quit
		}
	case progress.FrameMsg:
		var cmds []tea.Cmd
		if updated, cmd := m.callBar.Update(msg); cmd != nil {
			m.callBar = updated.(progress.Model)
			cmds = append(cmds, cmd)
		}
		if updated, cmd := m.youngBar.Update(msg); cmd != nil {
			m.youngBar = updated.(progress.Model)
			cmds = append(cmds, cmd)
		}
		if updated, cmd := m.oldBar.Update(msg); cmd != nil {
			m.oldBar = updated.(progress.Model)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func fraction(used, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	f := float64(used) / float64(capacity)
	if f > 1 {
		return 1
	}
	return f
}

func (m *Model) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("stackvm inspector"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "call stack : %s %d/%d\n", m.callBar.View(), m.current.CallDepth, m.current.CallCapacity)
	fmt.Fprintf(&b, "young heap : %s %d/%d\n", m.youngBar.View(), m.current.YoungUsed, m.current.YoungCapacity)
	fmt.Fprintf(&b, "old heap   : %s %d/%d\n", m.oldBar.View(), m.current.OldUsed, m.current.OldCapacity)
	fmt.Fprintf(&b, "dirty cards: %d/%d\n", m.current.DirtyCards, m.current.TotalCards)
	if m.current.LastEvent != "" {
		fmt.Fprintf(&b, "\nlast event: %s\n", m.current.LastEvent)
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q quit"))
	return b.String()
}
