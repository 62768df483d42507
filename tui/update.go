package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const tabCount = 4

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, refreshCmd(m.loader)
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.scroll = 0
		case "shift+tab":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount
			m.scroll = 0
		case "1", "2", "3", "4":
			m.activeTab = int(msg.String()[0] - '1')
			m.scroll = 0
		case "j", "down":
			if m.scroll < m.maxScroll() {
				m.scroll++
			}
		case "k", "up":
			if m.scroll > 0 {
				m.scroll--
			}
		case "g":
			m.scroll = 0
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(refreshCmd(m.loader), tickCmd(m.refreshEvery))

	case SnapshotMsg:
		m.err = msg.Err
		if msg.Snap != nil {
			m.snap = msg.Snap
			m.lastRefresh = time.Now()
			if max := m.maxScroll(); m.scroll > max {
				m.scroll = max
			}
		}
		return m, nil
	}

	return m, nil
}

// maxScroll bounds scrolling by the active tab's row count
func (m Model) maxScroll() int {
	if m.snap == nil {
		return 0
	}

	var rows int
	switch m.activeTab {
	case 1:
		rows = len(m.snap.Recent)
	case 2:
		rows = len(m.snap.Schedules)
	case 3:
		rows = len(m.snap.Failures)
	}
	if rows == 0 {
		return 0
	}
	return rows - 1
}
