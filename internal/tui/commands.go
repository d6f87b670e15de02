package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mmcdole/shopsync/internal/domain"
)

const syncTimeout = 2 * time.Minute

// StatusSource is what the status view reads from
type StatusSource interface {
	GetSyncState() domain.SyncState
	DeadLetters() []domain.DeadLetter
	SyncNow(ctx context.Context) (domain.DrainReport, error)
}

// LoadStateCmd snapshots the sync state
func LoadStateCmd(src StatusSource) tea.Cmd {
	return func() tea.Msg {
		return StateLoadedMsg{State: src.GetSyncState(), DeadLetters: src.DeadLetters()}
	}
}

// SyncNowCmd runs a manual drain
func SyncNowCmd(src StatusSource) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		report, err := src.SyncNow(ctx)
		if err != nil {
			return ErrMsg{Err: err, Context: "syncing"}
		}
		return SyncFinishedMsg{Report: report}
	}
}

// TickCmd returns a command that sends a tick after a delay
func TickCmd(delay time.Duration) tea.Cmd {
	return tea.Tick(delay, func(t time.Time) tea.Msg {
		return TickMsg{}
	})
}
