package domain

import "time"

// Phase is the orchestrator state machine position
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDraining
	PhaseSuccess
	PhasePartialFailure
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDraining:
		return "draining"
	case PhaseSuccess:
		return "success"
	case PhasePartialFailure:
		return "partial_failure"
	default:
		return "unknown"
	}
}

// Trigger names what woke the orchestrator
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerPeriodic
	TriggerForeground
	TriggerReconnect
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerPeriodic:
		return "periodic"
	case TriggerForeground:
		return "foreground"
	case TriggerReconnect:
		return "reconnect"
	default:
		return "unknown"
	}
}

// SyncState is the process-wide sync indicator shown by the UI
type SyncState struct {
	IsOnline    bool      `json:"isOnline"`
	LastSyncAt  time.Time `json:"lastSyncAt"`
	QueueDepth  int       `json:"queueDepth"`
	DeadLetters int       `json:"deadLetters"`
	Phase       Phase     `json:"phase"`
	LastOutcome Phase     `json:"lastOutcome"` // Success or PartialFailure of the last drain that ran
}

// DrainReport summarizes one drain cycle
type DrainReport struct {
	Trigger      Trigger
	Phase        Phase
	Attempted    int
	Succeeded    int
	Failed       int
	DeadLettered int
	Skipped      int  // Mutations held back behind a failed mutation of the same entity
	Interrupted  bool // Connectivity dropped with mutations still queued
	Started      time.Time
	Finished     time.Time
}
