package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-process/process"
	"github.com/wippyai/wasm-process/runtime"
)

const refreshInterval = 250 * time.Millisecond

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	statStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	tableBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#444444"))
)

type modelState int

const (
	stateMonitor modelState = iota
	stateCompose
)

type monitorModel struct {
	err    error
	rt     *runtime.Runtime
	mod    *runtime.Module
	entry  string
	args   []uint64
	notice string
	target process.PID
	procs  table.Model
	input  textinput.Model
	state  modelState
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func newMonitorModel(rt *runtime.Runtime, mod *runtime.Module, entry string, args []uint64) *monitorModel {
	cols := []table.Column{
		{Title: "PID", Width: 6},
		{Title: "Parent", Width: 6},
		{Title: "Module", Width: 18},
		{Title: "Entry", Width: 12},
		{Title: "State", Width: 18},
		{Title: "Mbox", Width: 5},
		{Title: "Links", Width: 5},
		{Title: "Mons", Width: 5},
		{Title: "Fuel", Width: 12},
		{Title: "Quanta", Width: 8},
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4"))
	t.SetStyles(styles)

	in := textinput.New()
	in.Placeholder = "payload"
	in.Prompt = "message: "
	in.Width = 40

	return &monitorModel{
		rt:    rt,
		mod:   mod,
		entry: entry,
		args:  args,
		procs: t,
		input: in,
		state: stateMonitor,
	}
}

func (m *monitorModel) Init() tea.Cmd {
	m.spawn()
	m.refresh()
	return tick()
}

func (m *monitorModel) spawn() {
	p, err := m.rt.Spawn(m.mod, m.entry, m.args...)
	if err != nil {
		m.err = err
		return
	}
	m.err = nil
	m.notice = fmt.Sprintf("spawned %s %s", p.PID(), m.entry)
}

func (m *monitorModel) refresh() {
	infos := m.rt.Processes()
	rows := make([]table.Row, 0, len(infos))
	for _, info := range infos {
		state := info.State.String()
		if info.Block != process.BlockNone {
			state += " (" + info.Block.String() + ")"
		}
		rows = append(rows, table.Row{
			strconv.FormatUint(uint64(info.PID), 10),
			strconv.FormatUint(uint64(info.Parent), 10),
			info.Module,
			info.Entry,
			state,
			strconv.Itoa(info.Mailbox),
			strconv.Itoa(info.Links),
			strconv.Itoa(info.Monitors),
			strconv.FormatInt(info.Fuel, 10),
			strconv.FormatUint(info.Quanta, 10),
		})
	}
	m.procs.SetRows(rows)
}

// selected returns the pid of the highlighted row.
func (m *monitorModel) selected() (process.PID, bool) {
	row := m.procs.SelectedRow()
	if row == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(row[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return process.PID(n), true
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refresh()
		return m, tick()

	case tea.KeyMsg:
		if m.state == stateCompose {
			return m.updateCompose(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "s":
			m.spawn()
			m.refresh()
			return m, nil

		case "k":
			if pid, ok := m.selected(); ok {
				if err := m.rt.Kill(pid, "killed from monitor"); err != nil {
					m.err = err
				} else {
					m.err = nil
					m.notice = "killed " + pid.String()
				}
			}
			return m, nil

		case "m", "enter":
			if pid, ok := m.selected(); ok {
				m.target = pid
				m.state = stateCompose
				m.input.SetValue("")
				return m, m.input.Focus()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.procs, cmd = m.procs.Update(msg)
	return m, cmd
}

func (m *monitorModel) updateCompose(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.state = stateMonitor
		m.input.Blur()
		return m, nil
	case "enter":
		if m.rt.Send(m.target, 1, []byte(m.input.Value())) {
			m.err = nil
			m.notice = "sent to " + m.target.String()
		} else {
			m.err = fmt.Errorf("process %s is gone, message dead-lettered", m.target)
		}
		m.state = stateMonitor
		m.input.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Processes"))
	b.WriteString(" ")
	b.WriteString(m.mod.Name())
	b.WriteString("\n\n")

	stats := m.rt.SchedulerStats()
	b.WriteString(statStyle.Render(fmt.Sprintf(
		"live %d • workers %d (%d idle) • queued %d • quanta %d • stolen %d • dead letters %d",
		len(m.procs.Rows()), stats.Workers, stats.Idle, stats.Queued,
		stats.Quanta, stats.Steals, len(m.rt.DeadLetters()))))
	b.WriteString("\n\n")

	b.WriteString(tableBorder.Render(m.procs.View()))
	b.WriteString("\n\n")

	if m.state == stateCompose {
		b.WriteString(fmt.Sprintf("To %s\n", m.target))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter send • esc cancel"))
		return b.String()
	}

	switch {
	case m.err != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	case m.notice != "":
		b.WriteString(noticeStyle.Render(m.notice))
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("↑/↓ select • s spawn " + m.entry + " • m message • k kill • q quit"))
	return b.String()
}

func runInteractive(rt *runtime.Runtime, mod *runtime.Module, entry string, args []uint64) error {
	p := tea.NewProgram(newMonitorModel(rt, mod, entry, args), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
