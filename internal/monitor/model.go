package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/kasa/internal/device"
	"github.com/muurk/kasa/internal/discovery"
	"github.com/muurk/kasa/internal/transport"
	"github.com/muurk/kasa/internal/ui"
)

// Source provides devices and lifecycle events; *client.Client implements it.
type Source interface {
	On(name string, handler discovery.Handler) func()
	Devices() []discovery.Record
}

// Messages
type eventMsg struct {
	name string
	ev   discovery.Event
}

type feedClosedMsg struct{}

type powerResultMsg struct {
	id  string
	on  bool
	err error
}

var watchedEvents = []string{
	discovery.EventDeviceNew, discovery.EventDeviceOnline, discovery.EventDeviceOffline,
	discovery.EventErrorName,
}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(ui.TextColor).
			Background(ui.PrimaryColor).
			Bold(true).
			Padding(0, 1)

	statusLineStyle = lipgloss.NewStyle().
			Foreground(ui.MutedColor).
			PaddingLeft(1)

	errorLineStyle = lipgloss.NewStyle().
			Foreground(ui.ErrorColor).
			PaddingLeft(1)
)

// Model is the Bubble Tea model of the monitor
type Model struct {
	source  Source
	events  <-chan eventMsg
	timeout time.Duration

	table   table.Model
	spinner spinner.Model
	help    help.Model
	keys    keyMap

	records []discovery.Record
	last    string
	err     error
	width   int
	height  int
}

// subscribe bridges discovery events into a channel the model reads from.
// Events are dropped when the buffer is full.
func subscribe(src Source, buffer int) (<-chan eventMsg, func()) {
	ch := make(chan eventMsg, buffer)
	done := make(chan struct{})
	var unsubs []func()
	for _, name := range watchedEvents {
		name := name
		unsubs = append(unsubs, src.On(name, func(ev discovery.Event) {
			select {
			case <-done:
			case ch <- eventMsg{name: name, ev: ev}:
			default:
			}
		}))
	}
	return ch, func() {
		for _, off := range unsubs {
			off()
		}
		close(done)
	}
}

// New creates a monitor model subscribed to src. timeout bounds power
// commands. Call stop once the program has exited.
func New(src Source, timeout time.Duration) (m Model, stop func()) {
	events, stop := subscribe(src, 64)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ui.PrimaryColor)

	columns := []table.Column{
		{Title: "ID", Width: 16},
		{Title: "Alias", Width: 18},
		{Title: "Type", Width: 8},
		{Title: "Address", Width: 21},
		{Title: "Status", Width: 9},
	}
	// Sized from the terminal until the first WindowSizeMsg arrives
	width, height := ui.GetTerminalSize()
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(tableHeight(height)),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ui.MutedColor).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(ui.TextColor).
		Background(ui.PrimaryColor)
	t.SetStyles(styles)

	m = Model{
		source:  src,
		events:  events,
		timeout: timeout,
		table:   t,
		spinner: s,
		help:    help.New(),
		keys:    defaultKeyMap(),
		width:   width,
		height:  height,
	}
	m.refresh()
	return m, stop
}

// tableHeight leaves room for the title, status lines and help.
func tableHeight(screen int) int {
	return max(screen-8, 3)
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

func waitForEvent(events <-chan eventMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return feedClosedMsg{}
		}
		return msg
	}
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.On):
			return m, m.setPower(true)
		case key.Matches(msg, m.keys.Off):
			return m, m.setPower(false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(tableHeight(msg.Height))

	case eventMsg:
		m.last = describe(msg)
		if msg.ev.Kind == discovery.EventError {
			m.err = msg.ev.Err
		}
		m.refresh()
		return m, waitForEvent(m.events)

	case feedClosedMsg:
		m.last = "discovery stopped"
		return m, nil

	case powerResultMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("%s: %s", msg.id, transport.GetShortErrorMessage(msg.err))
		} else {
			m.err = nil
			m.last = fmt.Sprintf("%s switched %s", msg.id, onOff(msg.on))
		}
		return m, nil

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// refresh rebuilds the table rows from the source, keeping the cursor.
func (m *Model) refresh() {
	m.records = m.source.Devices()
	rows := make([]table.Row, 0, len(m.records))
	for _, rec := range m.records {
		rows = append(rows, table.Row{
			rec.ID,
			rec.Alias(),
			rec.Category.String(),
			rec.Addr(),
			rec.Status.String(),
		})
	}
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

// selected returns the record under the cursor.
func (m Model) selected() (discovery.Record, bool) {
	c := m.table.Cursor()
	if c < 0 || c >= len(m.records) {
		return discovery.Record{}, false
	}
	return m.records[c], true
}

func (m Model) setPower(on bool) tea.Cmd {
	rec, ok := m.selected()
	if !ok || rec.Handle == nil {
		return nil
	}
	if rec.Category != device.CategoryPlug {
		return func() tea.Msg {
			return powerResultMsg{id: rec.ID, on: on, err: fmt.Errorf("%s is a %s, not a plug", rec.Alias(), rec.Category)}
		}
	}
	h := rec.Handle
	timeout := m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return powerResultMsg{id: rec.ID, on: on, err: h.SetPowerState(ctx, on)}
	}
}

// View implements tea.Model
func (m Model) View() string {
	var b strings.Builder

	online := 0
	for _, rec := range m.records {
		if rec.Status == discovery.StatusOnline {
			online++
		}
	}

	b.WriteString(titleStyle.Render("kasa watch"))
	b.WriteString(" ")
	b.WriteString(m.spinner.View())
	b.WriteString(statusLineStyle.Render(fmt.Sprintf("%d devices, %d online", len(m.records), online)))
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorLineStyle.Render(ui.FailureMarker + " " + m.err.Error()))
	} else if m.last != "" {
		b.WriteString(statusLineStyle.Render(m.last))
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func describe(msg eventMsg) string {
	if msg.ev.Kind == discovery.EventError {
		return "discovery error"
	}
	rec := msg.ev.Record
	return fmt.Sprintf("%s  %s %s (%s)", msg.ev.Time.Format("15:04:05"), rec.Category, msg.ev.Kind, rec.Alias())
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// Run subscribes to src and runs the monitor until the user quits or ctx
// is done.
func Run(ctx context.Context, src Source, timeout time.Duration) error {
	m, stop := New(src, timeout)
	defer stop()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
