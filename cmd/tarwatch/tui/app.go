package tui

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/tarwatch/pkg/daemon/broadcaster"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/logging"
	"github.com/jamesainslie/tarwatch/pkg/tarwatch/types"
)

const (
	maxResults = 8
	maxLogs    = 200
)

// Options configures the dashboard.
type Options struct {
	WatchPath string
	DestDir   string
	Workers   int

	// Events delivers pipeline events for the watch root.
	Events <-chan *broadcaster.Event

	// Logs delivers log records as they are written.
	Logs <-chan logging.Entry

	// Backlog is shown before the first live record arrives.
	Backlog []logging.Entry
}

// job is one entry currently in the pipeline.
type job struct {
	id      string
	path    string
	status  types.Status
	detail  string
	started time.Time
}

// Model is the dashboard state.
type Model struct {
	opts Options

	jobs     map[string]*job
	results  []*types.ArchiveResult
	verified int
	failed   int

	logs     []logging.Entry
	showLogs bool

	spinner spinner.Model
	width   int
	height  int
}

type eventMsg struct{ ev *broadcaster.Event }
type logMsg struct{ entry logging.Entry }
type eventsClosedMsg struct{}

// NewModel creates the dashboard model.
func NewModel(opts Options) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(accentColor)

	logs := append([]logging.Entry(nil), opts.Backlog...)
	if len(logs) > maxLogs {
		logs = logs[len(logs)-maxLogs:]
	}

	return Model{
		opts:     opts,
		jobs:     make(map[string]*job),
		logs:     logs,
		showLogs: true,
		spinner:  s,
		width:    80,
		height:   24,
	}
}

// Init starts the spinner and the event listeners.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenEvents(), m.listenLogs())
}

func (m Model) listenEvents() tea.Cmd {
	events := m.opts.Events
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

func (m Model) listenLogs() tea.Cmd {
	logs := m.opts.Logs
	if logs == nil {
		return nil
	}
	return func() tea.Msg {
		return logMsg{entry: <-logs}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "l":
			m.showLogs = !m.showLogs
		}
		return m, nil

	case eventMsg:
		m.apply(msg.ev)
		return m, m.listenEvents()

	case eventsClosedMsg:
		return m, tea.Quit

	case logMsg:
		m.logs = append(m.logs, msg.entry)
		if len(m.logs) > maxLogs {
			m.logs = m.logs[len(m.logs)-maxLogs:]
		}
		return m, m.listenLogs()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// apply folds a pipeline event into the model.
func (m *Model) apply(ev *broadcaster.Event) {
	if ev.Status.Terminal() {
		delete(m.jobs, ev.Path)
		if ev.Status == types.StatusVerified {
			m.verified++
		} else {
			m.failed++
		}
		if ev.Result != nil {
			m.results = append([]*types.ArchiveResult{ev.Result}, m.results...)
			if len(m.results) > maxResults {
				m.results = m.results[:maxResults]
			}
		}
		return
	}

	j, ok := m.jobs[ev.Path]
	if !ok || j.id != ev.JobID {
		j = &job{id: ev.JobID, path: ev.Path, started: ev.Time}
		m.jobs[ev.Path] = j
	}
	j.status = ev.Status
	j.detail = ev.Detail
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(renderDivider(m.width))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("In progress (%d)", len(m.jobs))))
	b.WriteString("\n")
	b.WriteString(m.renderJobs())

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("Recent"))
	b.WriteString("\n")
	b.WriteString(m.renderResults())

	if m.showLogs {
		b.WriteString("\n")
		b.WriteString(renderDivider(m.width))
		b.WriteString("\n")
		used := strings.Count(b.String(), "\n")
		b.WriteString(renderLogPane(m.logs, m.width, m.height-used-2))
	}

	b.WriteString("\n")
	b.WriteString(renderKeyHints())
	return b.String()
}

func (m Model) renderHeader() string {
	name := titleStyle.Render("TARWATCH")
	stats := mutedTextStyle.Render(fmt.Sprintf("  %s  •  %d workers  •  ",
		truncatePath(m.opts.WatchPath, 40), m.opts.Workers))
	counts := successTextStyle.Render(fmt.Sprintf("%d verified", m.verified))
	if m.failed > 0 {
		counts += mutedTextStyle.Render("  •  ") + errorTextStyle.Render(fmt.Sprintf("%d failed", m.failed))
	}
	return " " + name + stats + counts
}

func (m Model) renderJobs() string {
	if len(m.jobs) == 0 {
		return mutedTextStyle.Render("  waiting for new entries") + "\n"
	}

	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].started.Before(jobs[k].started) })

	var b strings.Builder
	for _, j := range jobs {
		line := fmt.Sprintf(" %s %-12s %s", m.spinner.View(),
			statusStyle(j.status).Render(string(j.status)), truncatePath(j.path, m.width/2))
		if j.detail != "" {
			line += mutedTextStyle.Render("  " + j.detail)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderResults() string {
	if len(m.results) == 0 {
		return mutedTextStyle.Render("  nothing archived yet") + "\n"
	}

	var b strings.Builder
	for _, r := range m.results {
		mark := successTextStyle.Render("✓")
		if !r.Success {
			mark = errorTextStyle.Render("✗")
		}
		line := fmt.Sprintf(" %s %s  %s  %s", mark, truncatePath(r.Source, m.width/2),
			mutedTextStyle.Render(r.Snapshot.String()),
			mutedTextStyle.Render(humanize.Time(r.CompletedAt)))
		if r.Error != "" {
			line += "  " + errorTextStyle.Render(r.Error)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func renderKeyHints() string {
	return keyStyle.Render("[l]") + keyDescStyle.Render(" logs  ") +
		keyStyle.Render("[q]") + keyDescStyle.Render(" quit")
}

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(NewModel(opts),
		tea.WithAltScreen(),
		tea.WithContext(ctx),
	)

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
