package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pileofpwn/x86trace/internal/tracetypes"
)

var (
	watchHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))
	watchRegStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("116"))
	watchStackStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	watchHelpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// watchModel steps through an already-captured trace's snapshots:
// left/right move the cursor, a register pane and a stack pane render
// the snapshot at the cursor.
type watchModel struct {
	snapshots []tracetypes.Snapshot
	cursor    int
	viewport  viewport.Model
	ready     bool
}

func newWatchModel(snapshots []tracetypes.Snapshot) watchModel {
	return watchModel{snapshots: snapshots}
}

func (m watchModel) Init() tea.Cmd {
	return nil
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-3)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 3
		}
		m.viewport.SetContent(m.render())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "right", "l", "n", " ":
			if m.cursor < len(m.snapshots)-1 {
				m.cursor++
			}
		case "left", "h", "p":
			if m.cursor > 0 {
				m.cursor--
			}
		case "g", "home":
			m.cursor = 0
		case "G", "end":
			m.cursor = len(m.snapshots) - 1
		}
		if m.ready {
			m.viewport.SetContent(m.render())
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	if !m.ready {
		return "loading...\n"
	}
	header := watchHeaderStyle.Render(fmt.Sprintf("step %d/%d", m.cursor+1, len(m.snapshots)))
	help := watchHelpStyle.Render("←/→ step   g/G first/last   q quit")
	return header + "\n" + m.viewport.View() + "\n" + help
}

func (m watchModel) render() string {
	snap := m.snapshots[m.cursor]

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n\n", snap.RIP, snap.Instr)

	b.WriteString(watchRegStyle.Render("registers") + "\n")
	for _, r := range snap.Registers {
		fmt.Fprintf(&b, "  %-6s %s\n", r.Name, r.Value)
	}

	if len(snap.Stack) > 0 {
		b.WriteString("\n" + watchStackStyle.Render("stack") + "\n")
		for _, w := range snap.Stack {
			fmt.Fprintf(&b, "  %s  %s\n", w.Addr, w.Value)
		}
	}

	if snap.File != "" {
		fmt.Fprintf(&b, "\n%s:%d %s\n", snap.File, snap.Line, snap.Func)
	}

	return b.String()
}
