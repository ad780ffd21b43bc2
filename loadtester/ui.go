package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxErrors = 5

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("111"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2).
			MarginBottom(1)
)

type batchMsg BatchResult
type doneMsg struct{}
type tickMsg time.Time

type model struct {
	spinner  spinner.Model
	progress progress.Model

	config  GeneratorConfig
	batches int

	completed int
	sent      int
	failed    int
	invalid   int
	errors    []string

	totalLatency time.Duration
	maxLatency   time.Duration

	start time.Time
	now   time.Time
	done  bool
	quit  func()
}

func newModel(config GeneratorConfig, batches int, quit func()) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	now := time.Now()
	return model{
		spinner:  s,
		progress: progress.New(progress.WithDefaultGradient()),
		config:   config,
		batches:  batches,
		start:    now,
		now:      now,
		quit:     quit,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.progress.Width = max(msg.Width-4, 10)
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			if m.quit != nil {
				m.quit()
			}
			return m, tea.Quit
		}
		return m, nil

	case batchMsg:
		m.record(BatchResult(msg))
		return m, nil

	case doneMsg:
		m.done = true
		m.now = time.Now()
		return m, nil

	case tickMsg:
		if m.done {
			return m, nil
		}
		m.now = time.Time(msg)
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) record(r BatchResult) {
	m.completed++
	m.sent += r.Sent
	m.failed += r.Failed
	m.invalid += r.Invalid
	m.totalLatency += r.Duration
	if r.Duration > m.maxLatency {
		m.maxLatency = r.Duration
	}
	if r.Err != nil {
		m.errors = append(m.errors, r.Err.Error())
		if len(m.errors) > maxErrors {
			m.errors = m.errors[len(m.errors)-maxErrors:]
		}
	}
}

func (m model) throughput() float64 {
	elapsed := m.now.Sub(m.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.sent) / elapsed
}

func (m model) avgLatency() time.Duration {
	if m.completed == 0 {
		return 0
	}
	return m.totalLatency / time.Duration(m.completed)
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("SQS Load Generator") + "\n")

	percent := 0.0
	if m.batches > 0 {
		percent = float64(m.completed) / float64(m.batches)
	}
	status := m.spinner.View()
	if m.done {
		status = successStyle.Render("done")
	}
	fmt.Fprintf(&b, "%s batches %d/%d (%.1f%%)\n", status, m.completed, m.batches, percent*100)
	b.WriteString(m.progress.ViewAs(percent) + "\n\n")

	stats := []string{
		row("Queue", m.config.QueueURL),
		row("Pattern", string(m.config.Pattern)),
		row("Sent", fmt.Sprintf("%d / %d", m.sent, m.config.Messages)),
		row("Non-JSON", fmt.Sprintf("%d", m.invalid)),
		row("Failed", fmt.Sprintf("%d", m.failed)),
		row("Throughput", fmt.Sprintf("%.1f msg/s", m.throughput())),
		row("Batch latency", fmt.Sprintf("avg %s, max %s", m.avgLatency().Round(time.Millisecond), m.maxLatency.Round(time.Millisecond))),
		row("Elapsed", m.now.Sub(m.start).Round(time.Second).String()),
	}
	b.WriteString(boxStyle.Render(strings.Join(stats, "\n")) + "\n")

	if len(m.errors) > 0 {
		lines := make([]string, 0, len(m.errors))
		for _, e := range m.errors {
			lines = append(lines, errorStyle.Render(e))
		}
		b.WriteString(boxStyle.Render(strings.Join(lines, "\n")) + "\n")
	}

	b.WriteString(labelStyle.Render("Press 'q' to quit"))
	return b.String()
}

func row(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-14s", label)) + valueStyle.Render(value)
}
