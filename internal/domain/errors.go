package domain

import (
	"context"
	"errors"

	platformerrors "github.com/jmgilman/go/errors"
)

// Sentinel errors for domain operations
var (
	// ErrCacheMiss signals the caller must fetch fresh data. It is not a failure.
	ErrCacheMiss = errors.New("cache miss")

	// ErrNotFound indicates the requested record or remote entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrDrainInProgress indicates another drain already holds the draining flag
	ErrDrainInProgress = errors.New("drain already in progress")

	// ErrQueueItemNotFound indicates the mutation id is not in the active queue
	ErrQueueItemNotFound = errors.New("mutation not in queue")
)

// CodeMaxRetriesExceeded marks a mutation that ran out of attempts.
const CodeMaxRetriesExceeded platformerrors.ErrorCode = "MAX_RETRIES_EXCEEDED"

// StorageFailure wraps a local read/write failure.
func StorageFailure(err error, message string) error {
	if err == nil {
		return nil
	}
	return platformerrors.Wrap(err, platformerrors.CodeDatabase, message)
}

// NetworkFailure wraps a transient transport failure.
func NetworkFailure(err error, message string) error {
	if err == nil {
		return platformerrors.New(platformerrors.CodeNetwork, message)
	}
	return platformerrors.Wrap(err, platformerrors.CodeNetwork, message)
}

// Timeout wraps a remote call that exceeded its deadline.
func Timeout(err error, message string) error {
	if err == nil {
		return platformerrors.New(platformerrors.CodeTimeout, message)
	}
	return platformerrors.Wrap(err, platformerrors.CodeTimeout, message)
}

// ServerRejected is a terminal rejection of a payload by the remote API.
func ServerRejected(message string) error {
	return platformerrors.New(platformerrors.CodeInvalidInput, message)
}

// Unauthorized is returned for 401/403 responses. Credentials can be refreshed
// out of band, so the mutation stays in the queue.
func Unauthorized(message string) error {
	return platformerrors.WithClassification(
		platformerrors.New(platformerrors.CodeUnauthorized, message),
		platformerrors.ClassificationRetryable,
	)
}

// InvalidMutation rejects a mutation before it is enqueued.
func InvalidMutation(message string) error {
	return platformerrors.New(platformerrors.CodeInvalidInput, message)
}

// MaxRetriesExceeded is recorded on a dead letter when attempts run out.
func MaxRetriesExceeded(last error) error {
	if last == nil {
		return platformerrors.New(CodeMaxRetriesExceeded, "max retries exceeded")
	}
	return platformerrors.Wrap(last, CodeMaxRetriesExceeded, "max retries exceeded")
}

// ClassifyApplyError normalizes an error returned by RemoteAPI.ApplyMutation.
// Errors without a platform code are treated as transient network failures so
// that an unclassified error never dead-letters a mutation.
func ClassifyApplyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		if platformerrors.GetCode(err) == platformerrors.CodeTimeout {
			return err
		}
		return Timeout(err, "remote call timed out")
	}
	if platformerrors.GetCode(err) == platformerrors.CodeUnknown {
		return NetworkFailure(err, "remote call failed")
	}
	return err
}

// IsTerminal reports whether err should move a mutation straight to dead-letter.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return !platformerrors.IsRetryable(ClassifyApplyError(err))
}

// IsStorageFailure reports whether err is a local persistence failure.
func IsStorageFailure(err error) bool {
	return platformerrors.GetCode(err) == platformerrors.CodeDatabase
}

// ErrorCode returns the taxonomy code carried by err, or "UNKNOWN".
func ErrorCode(err error) string {
	return string(platformerrors.GetCode(err))
}
