package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kkovacs/orcd/internal/ipcconn"
	"github.com/kkovacs/orcd/internal/wire"
)

const watchInterval = 2 * time.Second

var (
	watchTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))
	watchErrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	watchHelpStyle = lipgloss.NewStyle().Faint(true)
)

// watchStatus re-polls the server and renders the snapshot until the
// user quits.
func watchStatus(conn *ipcconn.Connection) error {
	m := newWatchModel(conn)
	_, err := tea.NewProgram(m).Run()
	return err
}

type snapshotMsg struct {
	lines     []wire.StatusMessage
	serverErr string
	err       error
}

type tickMsg struct{}

type watchModel struct {
	conn  *ipcconn.Connection
	table table.Model
	last  snapshotMsg
	polls int
}

func newWatchModel(conn *ipcconn.Connection) *watchModel {
	columns := []table.Column{
		{Title: "ID", Width: 6},
		{Title: "STATUS", Width: 10},
		{Title: "ERR", Width: 4},
		{Title: "WAIT", Width: 10},
		{Title: "EXEC", Width: 10},
		{Title: "COMMAND", Width: 40},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true)
	t.SetStyles(styles)
	return &watchModel{conn: conn, table: t}
}

func (m *watchModel) fetch() tea.Msg {
	lines, serverErr, err := fetchStatus(m.conn)
	return snapshotMsg{lines: lines, serverErr: serverErr, err: err}
}

func (m *watchModel) Init() tea.Cmd {
	return m.fetch
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case snapshotMsg:
		m.last = msg
		m.polls++
		rows := make([]table.Row, 0, len(msg.lines))
		for _, l := range msg.lines {
			errMark := ""
			if l.Error {
				errMark = "E"
			}
			rows = append(rows, table.Row{
				fmt.Sprint(l.ID),
				l.Status.String(),
				errMark,
				formatMicros(l.TimeWaiting),
				formatMicros(l.TimeExecuting),
				string(l.CommandLine),
			})
		}
		m.table.SetRows(rows)
		return m, tea.Tick(watchInterval, func(time.Time) tea.Msg { return tickMsg{} })
	case tickMsg:
		return m, m.fetch
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *watchModel) View() string {
	s := watchTitleStyle.Render("orcd tasks") +
		fmt.Sprintf("  (%s, poll #%d)\n", serverFifo, m.polls)
	if m.last.err != nil {
		s += watchErrStyle.Render(fmt.Sprintf("fetch failed: %v", m.last.err)) + "\n"
	}
	if m.last.serverErr != "" {
		s += watchErrStyle.Render(m.last.serverErr) + "\n"
	}
	s += m.table.View() + "\n"
	s += watchHelpStyle.Render("q to quit")
	return s
}
