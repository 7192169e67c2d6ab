package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/airframesio/stumble-exporter/cmd/exporter"
)

const maxMessages = 6

type progressModel struct {
	events     <-chan exporter.Event
	cancel     context.CancelFunc
	runInfo    *RunInfo
	bar        progress.Model
	spinner    spinner.Model
	stage      string
	percent    int
	terminal   *exporter.Status
	result     *exporter.Result
	messages   []string
	startTime  time.Time
	width      int
	cancelling bool
	done       bool
}

type eventMsg struct {
	event exporter.Event
}

type runDoneMsg struct {
	result exporter.Result
}

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	bannerStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 2).
			Margin(1, 3)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true).
			Margin(0, 2)

	failureStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")).
			Bold(true).
			Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)
)

func newProgressModel(events <-chan exporter.Event, cancel context.CancelFunc, runInfo *RunInfo) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return progressModel{
		events:    events,
		cancel:    cancel,
		runInfo:   runInfo,
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithWidth(60)),
		spinner:   s,
		stage:     "Preparing export...",
		startTime: time.Now(),
	}
}

func waitForEvent(events <-chan exporter.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg{event: <-events}
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tea.EnterAltScreen,
		waitForEvent(m.events),
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(msg.Width-10, 80)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		model, cmd := m.bar.Update(msg)
		if bar, ok := model.(progress.Model); ok {
			m.bar = bar
		}
		return m, cmd
	case eventMsg:
		return m.handleEvent(msg.event)
	case runDoneMsg:
		m.result = &msg.result
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "ctrl+c" && msg.String() != "q" {
		return m, nil
	}
	if m.done {
		return m, tea.Quit
	}
	if !m.cancelling {
		m.cancelling = true
		m.stage = "Cancelling..."
		m.addMessage("⚠️  Cancellation requested")
		if m.cancel != nil {
			m.cancel()
		}
	}
	return m, nil
}

func (m progressModel) handleEvent(e exporter.Event) (tea.Model, tea.Cmd) {
	if m.runInfo != nil {
		applyEvent(m.runInfo, e)
		_ = WriteRunInfo(m.runInfo)
	}

	var cmds []tea.Cmd
	switch ev := e.(type) {
	case exporter.WriteProgress:
		m.percent = ev.Percent
		m.stage = fmt.Sprintf("%s%d%%", exporter.StatusWriting.Message(), ev.Percent)
		cmds = append(cmds, m.bar.SetPercent(float64(ev.Percent)/100))
	case exporter.Uploading:
		m.stage = exporter.StatusUploading.Message()
		m.addMessage("📝 Artifact written")
		m.addMessage("📤 " + exporter.StatusUploading.Message())
		cmds = append(cmds, m.bar.SetPercent(1))
	case exporter.Terminal:
		status := ev.Status
		m.terminal = &status
		m.stage = status.Title()
		// the run goroutine delivers runDoneMsg next
		return m, nil
	}

	cmds = append(cmds, waitForEvent(m.events))
	return m, tea.Batch(cmds...)
}

func (m *progressModel) addMessage(msg string) {
	m.messages = append(m.messages, msg)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

// applyEvent folds a pipeline event into the run-state record
func applyEvent(info *RunInfo, e exporter.Event) {
	switch ev := e.(type) {
	case exporter.WriteProgress:
		info.Stage = exporter.StatusWriting.Message()
		info.Percent = ev.Percent
	case exporter.Uploading:
		info.Stage = exporter.StatusUploading.Message()
		info.Percent = 100
	case exporter.Terminal:
		info.Stage = ev.Status.Title()
		info.Status = ev.Status.String()
		info.Message = ev.Status.Message()
		info.Finished = true
	}
}

// describeEvent renders an event as a single log line
func describeEvent(e exporter.Event) string {
	switch ev := e.(type) {
	case exporter.WriteProgress:
		return fmt.Sprintf("  📝 %s%d%%", exporter.StatusWriting.Message(), ev.Percent)
	case exporter.Uploading:
		return "  📤 " + exporter.StatusUploading.Message()
	case exporter.Terminal:
		if ev.Status == exporter.StatusSuccess {
			return "✅ " + ev.Status.Message()
		}
		return fmt.Sprintf("❌ %s: %s", ev.Status.Title(), ev.Status.Message())
	default:
		return fmt.Sprintf("%v", e)
	}
}

func (m progressModel) renderBanner() string {
	title := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true).Render("📡 Stumble Exporter")
	sub := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999")).Render("v" + Version + "  ·  WiGLE upload")
	return bannerStyle.Render(lipgloss.JoinVertical(lipgloss.Left, title, sub))
}

func (m progressModel) renderStatus() []string {
	if m.terminal == nil {
		line := fmt.Sprintf("%s %s", m.spinner.View(), m.stage)
		return []string{
			stageStyle.Render(line),
			"",
			"  " + m.bar.View(),
			progressInfoStyle.Render(fmt.Sprintf("Elapsed: %s", time.Since(m.startTime).Round(time.Second))),
		}
	}

	style := failureStyle
	if *m.terminal == exporter.StatusSuccess {
		style = successStyle
	}
	return []string{style.Render(fmt.Sprintf("%s: %s", m.terminal.Title(), m.terminal.Message()))}
}

func (m progressModel) View() string {
	sections := []string{m.renderBanner()}

	if len(m.messages) > 0 {
		for _, msg := range m.messages {
			sections = append(sections, "     "+msg)
		}
		sections = append(sections, "")
	}

	sections = append(sections, m.renderStatus()...)

	sections = append(sections, "")
	help := "   Press Ctrl+C or 'q' to cancel"
	if m.cancelling {
		help = "   Waiting for the run to stop..."
	}
	sections = append(sections, helpStyle.Render(help))

	return strings.Join(sections, "\n")
}

// runWithTUI runs the pipeline on a worker goroutine while the terminal UI
// observes its events. The pipeline result is returned once the run ends.
func runWithTUI(ctx context.Context, pipeline *exporter.Pipeline, creds exporter.Credentials, runInfo *RunInfo) exporter.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reporter := exporter.NewChannelReporter(exporter.EventBuffer)
	pipeline.WithReporter(reporter)

	// signals are handled by the caller's context
	program := tea.NewProgram(newProgressModel(reporter.Events(), cancel, runInfo), tea.WithoutSignalHandler())

	resultCh := make(chan exporter.Result, 1)
	go func() {
		result := pipeline.Run(ctx, creds)
		resultCh <- result
		program.Send(runDoneMsg{result: result})
	}()

	if _, err := program.Run(); err != nil {
		logger.Debug(fmt.Sprintf("TUI error: %v", err))
		cancel()
	}
	return <-resultCh
}

// runHeadless runs the pipeline with events written to the log, used in
// debug mode and when stdout is not a terminal
func runHeadless(ctx context.Context, pipeline *exporter.Pipeline, creds exporter.Credentials, runInfo *RunInfo) exporter.Result {
	reporter := exporter.NewChannelReporter(exporter.EventBuffer)
	pipeline.WithReporter(reporter)

	stop := make(chan struct{})
	finished := observeEvents(reporter.Events(), runInfo, stop)

	result := pipeline.Run(ctx, creds)
	close(stop)
	<-finished
	return result
}

// observeEvents logs events until a Terminal event arrives or stop is closed.
// Events still buffered when stop closes are drained first.
func observeEvents(events <-chan exporter.Event, runInfo *RunInfo, stop <-chan struct{}) <-chan struct{} {
	finished := make(chan struct{})

	handle := func(e exporter.Event) bool {
		if runInfo != nil {
			applyEvent(runInfo, e)
			_ = WriteRunInfo(runInfo)
		}
		switch e.(type) {
		case exporter.WriteProgress:
			logger.Debug(describeEvent(e))
		case exporter.Uploading:
			logger.Info(describeEvent(e))
		case exporter.Terminal:
			return true
		}
		return false
	}

	go func() {
		defer close(finished)
		for {
			select {
			case e := <-events:
				if handle(e) {
					return
				}
			case <-stop:
				for {
					select {
					case e := <-events:
						if handle(e) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()

	return finished
}
