// Package tui holds the terminal views: the live event watcher and the
// shared lipgloss styles used by CLI output.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/dopejs/keepsync/internal/events"
)

const defaultHistory = 20

type eventMsg events.Event

type streamEndMsg struct{ err error }

type watchModel struct {
	spinner spinner.Model
	source  <-chan events.Event
	errFn   func() error
	addr    string

	status  string
	message string
	history int
	events  []events.Event
	ended   bool
	err     error
}

func newWatchModel(addr string, source <-chan events.Event, errFn func() error, history int) watchModel {
	if history <= 0 {
		history = defaultHistory
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = warnStyle
	return watchModel{
		spinner: sp,
		source:  source,
		errFn:   errFn,
		addr:    addr,
		history: history,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.wait())
}

// wait blocks for the next event off the stream.
func (m watchModel) wait() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.source
		if !ok {
			var err error
			if m.errFn != nil {
				err = m.errFn()
			}
			return streamEndMsg{err: err}
		}
		return eventMsg(ev)
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "c":
			m.events = nil
		}
		return m, nil

	case eventMsg:
		ev := events.Event(msg)
		switch ev.Kind {
		case events.StatusChanged:
			m.status = ev.Status
			m.message = ev.Message
		case events.SyncCompleted:
			m.status = "synced"
			m.message = ""
		case events.SyncError:
			m.message = ev.Message
		}
		m.events = append(m.events, ev)
		if len(m.events) > m.history {
			m.events = m.events[len(m.events)-m.history:]
		}
		return m, m.wait()

	case streamEndMsg:
		m.ended = true
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("keepsync watch"))
	b.WriteString(dimStyle.Render("  " + m.addr))
	b.WriteString("\n\n")

	indicator := m.spinner.View()
	if m.status != "syncing" {
		indicator = " "
	}
	fmt.Fprintf(&b, "%s status %s", indicator, StateBadge(m.status))
	if m.message != "" {
		b.WriteString("  " + errorStyle.Render(m.message))
	}
	b.WriteString("\n\n")

	if len(m.events) == 0 {
		b.WriteString(dimStyle.Render("  waiting for events..."))
		b.WriteString("\n")
	}
	for _, ev := range m.events {
		b.WriteString(formatEvent(ev))
		b.WriteString("\n")
	}

	if m.ended {
		b.WriteString("\n")
		if m.err != nil {
			b.WriteString(errorStyle.Render("stream ended: " + m.err.Error()))
		} else {
			b.WriteString(dimStyle.Render("stream closed"))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("  c clear, q quit"))
	return b.String()
}

func formatEvent(ev events.Event) string {
	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	var style = valueStyle
	switch ev.Kind {
	case events.SyncError, events.RetryExhausted:
		style = errorStyle
	case events.CloudDataUpdated:
		style = warnStyle
	case events.SyncCompleted:
		style = successStyle
	}

	var detail []string
	if ev.Source != "" {
		detail = append(detail, "source="+ev.Source)
	}
	if len(ev.UpdatedKeys) > 0 {
		detail = append(detail, "keys="+strings.Join(ev.UpdatedKeys, ","))
	}
	if ev.Status != "" {
		detail = append(detail, "status="+ev.Status)
	}
	if ev.ItemID != "" {
		detail = append(detail, "item="+ev.ItemID)
	}
	if ev.ErrorKind != "" {
		detail = append(detail, "kind="+string(ev.ErrorKind))
	}
	if ev.Message != "" {
		detail = append(detail, ev.Message)
	}
	return fmt.Sprintf("  %s %s %s", dimStyle.Render(ts), style.Inherit(kindStyle).Render(string(ev.Kind)), strings.Join(detail, " "))
}

// RunWatch streams events from s until the user quits or the stream ends.
func RunWatch(addr string, s *Stream, history int) error {
	m := newWatchModel(addr, s.Events(), s.Err, history)
	result, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	if wm, ok := result.(watchModel); ok && wm.ended {
		return wm.err
	}
	return nil
}
