package tui

import "github.com/mmcdole/shopsync/internal/domain"

// Message types for the TUI

// ErrMsg represents an error
type ErrMsg struct {
	Err     error
	Context string
}

// Error implements the error interface
func (e ErrMsg) Error() string {
	if e.Context != "" {
		return e.Context + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

// TickMsg triggers a state refresh
type TickMsg struct{}

// StateLoadedMsg carries a fresh SyncState snapshot
type StateLoadedMsg struct {
	State       domain.SyncState
	DeadLetters []domain.DeadLetter
}

// SyncFinishedMsg signals a manual drain completed
type SyncFinishedMsg struct {
	Report domain.DrainReport
}
