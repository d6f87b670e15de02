// Package tui renders a live sync status view.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/mmcdole/shopsync/internal/tui/styles"
)

const (
	defaultRefresh     = time.Second
	maxDeadLetterLines = 5
)

// Model is the bubbletea model for `shopsync watch`
type Model struct {
	src     StatusSource
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	refresh time.Duration
	now     func() time.Time

	state       domain.SyncState
	deadLetters []domain.DeadLetter
	lastReport  *domain.DrainReport
	lastErr     error
	syncing     bool
	width       int
}

// NewModel creates the status view. refresh <= 0 uses one second.
func NewModel(src StatusSource, refresh time.Duration) Model {
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.SpinnerStyle

	h := help.New()
	h.Styles.ShortKey = styles.HelpKeyStyle
	h.Styles.ShortDesc = styles.HelpDescStyle

	return Model{
		src:     src,
		keys:    DefaultKeyMap(),
		help:    h,
		spinner: sp,
		refresh: refresh,
		now:     time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, LoadStateCmd(m.src), TickCmd(m.refresh))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Sync):
			if m.syncing {
				return m, nil
			}
			m.syncing = true
			m.lastErr = nil
			return m, SyncNowCmd(m.src)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case TickMsg:
		return m, tea.Batch(LoadStateCmd(m.src), TickCmd(m.refresh))

	case StateLoadedMsg:
		m.state = msg.State
		m.deadLetters = msg.DeadLetters

	case SyncFinishedMsg:
		m.syncing = false
		report := msg.Report
		m.lastReport = &report
		return m, LoadStateCmd(m.src)

	case ErrMsg:
		m.syncing = false
		m.lastErr = msg
		return m, LoadStateCmd(m.src)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(styles.TitleStyle.Render("shopsync"))
	b.WriteString("  ")
	if m.state.IsOnline {
		b.WriteString(styles.OnlineBadge.Render("ONLINE"))
	} else {
		b.WriteString(styles.OfflineBadge.Render("OFFLINE"))
	}
	b.WriteString("\n\n")

	rows := []string{
		m.row("Phase", m.phaseView()),
		m.row("Queue depth", fmt.Sprintf("%d", m.state.QueueDepth)),
		m.row("Dead letters", m.deadLetterCount()),
		m.row("Last sync", m.lastSyncView()),
	}
	if m.lastReport != nil {
		r := m.lastReport
		rows = append(rows, m.row("Last drain", fmt.Sprintf("%s: %d ok, %d failed, %d held",
			r.Phase, r.Succeeded, r.Failed, r.Skipped)))
	}
	if m.lastErr != nil {
		rows = append(rows, styles.ErrorStyle.Render(m.lastErr.Error()))
	}
	b.WriteString(styles.PanelBorder.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	b.WriteString("\n")

	if len(m.deadLetters) > 0 {
		b.WriteString("\n")
		b.WriteString(styles.AccentStyle.Render("Dead letters"))
		b.WriteString("\n")
		width := m.width - 4
		if width <= 0 {
			width = 76
		}
		for i, dl := range m.deadLetters {
			if i == maxDeadLetterLines {
				b.WriteString(styles.DimStyle.Render(fmt.Sprintf("  ... %d more", len(m.deadLetters)-i)))
				b.WriteString("\n")
				break
			}
			line := fmt.Sprintf("  %s %s [%s] %s", dl.Mutation.Type, dl.Mutation.EntityKey, dl.Code, dl.Reason)
			b.WriteString(styles.DimStyle.Render(styles.Truncate(line, width)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func (m Model) row(label, value string) string {
	return styles.LabelStyle.Render(label) + value
}

func (m Model) phaseView() string {
	if m.syncing || m.state.Phase == domain.PhaseDraining {
		return m.spinner.View() + " " + styles.AccentStyle.Render("draining")
	}
	switch m.state.LastOutcome {
	case domain.PhaseSuccess:
		return "idle " + styles.SuccessStyle.Render("(last: success)")
	case domain.PhasePartialFailure:
		return "idle " + styles.ErrorStyle.Render("(last: partial failure)")
	}
	return m.state.Phase.String()
}

func (m Model) deadLetterCount() string {
	s := fmt.Sprintf("%d", m.state.DeadLetters)
	if m.state.DeadLetters > 0 {
		return styles.ErrorStyle.Render(s)
	}
	return s
}

func (m Model) lastSyncView() string {
	if m.state.LastSyncAt.IsZero() {
		return styles.DimStyle.Render("never")
	}
	return FormatAge(m.now().Sub(m.state.LastSyncAt)) + " ago"
}

// FormatAge renders a duration the way the status line shows it
func FormatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
