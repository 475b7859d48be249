package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/matzehuels/webpm/pkg/events"
)

// consoleLines is the number of console events shown under the table.
const consoleLines = 5

type eventMsg events.Event

type installDoneMsg struct{ err error }

// targetRow is the latest state of one installed target.
type targetRow struct {
	name   string
	step   events.Step
	status events.Status
	text   string
}

// installModel is the bubbletea model of the --tui progress view.
type installModel struct {
	title   string
	start   time.Time
	rows    []*targetRow
	byKey   map[string]*targetRow
	console []string

	done    bool
	aborted bool
	err     error
	elapsed time.Duration
}

func newInstallModel(title string) installModel {
	return installModel{title: title, start: time.Now(), byKey: make(map[string]*targetRow)}
}

func (m installModel) Init() tea.Cmd {
	return nil
}

func (m installModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m.apply(events.Event(msg))
	case installDoneMsg:
		m.done = true
		m.err = msg.err
		m.elapsed = time.Since(m.start)
		return m, tea.Quit
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.aborted = true
			return m, tea.Quit
		}
	}
	return m, nil
}

// rowKey groups the events of one target.
func rowKey(e events.Event) (string, string) {
	switch {
	case e.TargetName != "":
		return "esm:" + e.TargetName, e.TargetName
	case e.IsBackend():
		return "backend:" + e.Name, e.Name + "#" + e.Version
	case e.IsPython():
		if e.Name == "" {
			return "python", "python runtime"
		}
		return "python:" + e.Name, e.Name
	case e.Step == events.StepLoadingGraphQuery || e.Step == events.StepLoadingGraphDone || e.Step == events.StepLoadingGraphError:
		return "loading-graph", "loading graph"
	}
	return "", ""
}

func (m *installModel) apply(e events.Event) {
	if e.Step == events.StepConsole {
		line := e.Text
		if e.WorkerID != "" {
			line = "[" + e.WorkerID + "] " + line
		}
		m.console = append(m.console, line)
		if len(m.console) > consoleLines {
			m.console = m.console[len(m.console)-consoleLines:]
		}
		return
	}
	key, name := rowKey(e)
	if key == "" {
		return
	}
	r, ok := m.byKey[key]
	if !ok {
		r = &targetRow{name: name}
		m.byKey[key] = r
		m.rows = append(m.rows, r)
	}
	r.step, r.status, r.text = e.Step, e.Status, e.Text
	if e.Error != "" {
		r.text = e.Error
	}
}

func statusIcon(s events.Status) string {
	switch s {
	case events.Succeeded:
		return styleIconSuccess.Render(iconSuccess)
	case events.Failed:
		return styleIconError.Render(iconError)
	default:
		return StyleDim.Render(iconPending)
	}
}

func (m installModel) View() string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render(m.title))
	b.WriteString("\n\n")

	rows := make([][]string, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, []string{r.name, statusIcon(r.status), strings.TrimSuffix(string(r.step), "Event"), r.text})
	}
	b.WriteString(renderTable([]string{"Target", "", "Step", "Detail"}, rows))
	b.WriteString("\n")

	for _, line := range m.console {
		b.WriteString(StyleDim.Render("  "+line) + "\n")
	}
	b.WriteString("\n")

	switch {
	case m.done && m.err != nil:
		b.WriteString(StyleError.Render(fmt.Sprintf("%s failed after %s", iconError, m.elapsed.Round(time.Millisecond))))
	case m.done:
		b.WriteString(StyleSuccess.Render(fmt.Sprintf("%s done in %s", iconSuccess, m.elapsed.Round(time.Millisecond))))
	default:
		b.WriteString(StyleDim.Render(printer.Sprintf("%d targets  q quit", len(m.rows))))
	}
	b.WriteString("\n")
	return b.String()
}

// runWithTUI runs fn while the progress view renders the events it
// emits. Quitting the view cancels fn.
func runWithTUI(ctx context.Context, title string, fn func(ctx context.Context, sink events.Sink) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newInstallModel(title), tea.WithContext(ctx), tea.WithOutput(os.Stderr))
	errc := make(chan error, 1)
	go func() {
		err := fn(ctx, events.SinkFunc(func(e events.Event) { p.Send(eventMsg(e)) }))
		p.Send(installDoneMsg{err: err})
		errc <- err
	}()

	final, err := p.Run()
	if m, ok := final.(installModel); ok && m.aborted {
		return context.Canceled
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("progress view: %w", err)
	}
	return <-errc
}
