package domain

import "context"

// NetworkMonitor exposes reachability and online/offline transitions.
type NetworkMonitor interface {
	IsOnline() bool

	// Subscribe registers fn for transitions and returns its unsubscribe handle
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// ErrorReporter receives dead-lettered mutations (telemetry, user alerts).
type ErrorReporter interface {
	ReportDeadLetter(ctx context.Context, dl DeadLetter)
}

// NoOpReporter discards reports (for tests/batch operations).
type NoOpReporter struct{}

func (NoOpReporter) ReportDeadLetter(context.Context, DeadLetter) {}
