package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// QueryStatus is the state of one device query in a batch
type QueryStatus int

const (
	QueryPending QueryStatus = iota
	QueryRunning
	QueryDone
	QueryFailed
)

// Query is one row of a batch progress display
type Query struct {
	Name    string
	Status  QueryStatus
	Message string // e.g. alias and model, or the short error
}

// Progress tracks a batch of device queries and renders a bar plus one
// line per device. Safe for concurrent updates.
type Progress struct {
	Label string
	Width int

	mu      sync.Mutex
	queries []Query
	bar     progress.Model
}

// NewProgress creates a progress display with one pending row per name
func NewProgress(label string, names []string) *Progress {
	queries := make([]Query, len(names))
	for i, name := range names {
		queries[i] = Query{Name: name}
	}
	p := &Progress{
		Label:   label,
		queries: queries,
	}
	return p.SetWidth(GetTerminalWidth())
}

// SetWidth sets the render width; the bar is clamped to 20..50 columns
func (p *Progress) SetWidth(width int) *Progress {
	p.Width = width
	barWidth := min(max(width-20, 20), 50)
	p.bar = progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(barWidth),
	)
	return p
}

// Start marks row i as running
func (p *Progress) Start(i int) { p.update(i, QueryRunning, "") }

// Done marks row i as answered
func (p *Progress) Done(i int, message string) { p.update(i, QueryDone, message) }

// Fail marks row i as failed
func (p *Progress) Fail(i int, message string) { p.update(i, QueryFailed, message) }

func (p *Progress) update(i int, status QueryStatus, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.queries) {
		return
	}
	p.queries[i].Status = status
	p.queries[i].Message = message
}

// Counts returns finished and failed rows
func (p *Progress) Counts() (finished, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range p.queries {
		switch q.Status {
		case QueryDone:
			finished++
		case QueryFailed:
			finished++
			failed++
		}
	}
	return finished, failed
}

// Percent returns the finished share, 0 for an empty batch
func (p *Progress) Percent() float64 {
	finished, _ := p.Counts()
	if len(p.queries) == 0 {
		return 0
	}
	return float64(finished) / float64(len(p.queries))
}

// Render returns the styled progress display
func (p *Progress) Render() string {
	var b strings.Builder

	if p.Label != "" {
		b.WriteString(HeaderTitleStyle.Render(p.Label))
		b.WriteString("\n\n")
	}

	finished, failed := p.Counts()
	bar := p.bar.ViewAs(p.Percent())
	counter := fmt.Sprintf("[%d/%d]", finished, len(p.queries))
	if failed > 0 {
		counter += ErrorMessageStyle.Render(fmt.Sprintf(" %d failed", failed))
	}
	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(bar + "  " + counter))
	b.WriteString("\n\n")

	p.mu.Lock()
	lines := make([]string, len(p.queries))
	for i, q := range p.queries {
		lines[i] = renderQuery(q)
	}
	p.mu.Unlock()
	b.WriteString(strings.Join(lines, "\n"))

	return b.String()
}

func renderQuery(q Query) string {
	marker, style := "·", MutedStyle
	switch q.Status {
	case QueryRunning:
		marker, style = "…", lipgloss.NewStyle().Foreground(WarningColor)
	case QueryDone:
		marker, style = SuccessMarker, lipgloss.NewStyle().Foreground(SuccessColor)
	case QueryFailed:
		marker, style = FailureMarker, ErrorTitleStyle
	}

	line := "  " + style.Render(marker) + " " + fmt.Sprintf("%-24s", q.Name)
	if q.Message != "" {
		line += " " + MutedStyle.Render(q.Message)
	}
	return line
}

// String implements fmt.Stringer
func (p *Progress) String() string {
	return p.Render()
}
