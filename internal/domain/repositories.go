package domain

import (
	"context"
	"encoding/json"
)

// RemoteAPI is the sole network boundary of the sync core.
type RemoteAPI interface {
	// ApplyMutation applies m remotely and returns the authoritative entity state.
	// Errors carry the taxonomy codes (NetworkFailure, Timeout, ServerRejected).
	ApplyMutation(ctx context.Context, m QueuedMutation) (json.RawMessage, error)

	// FetchEntity returns ErrNotFound when the entity does not exist remotely
	FetchEntity(ctx context.Context, key string) (json.RawMessage, error)
}
