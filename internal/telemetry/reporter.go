package telemetry

import (
	"context"
	"log/slog"

	"github.com/mmcdole/shopsync/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reporter implements domain.ErrorReporter. Dead letters are logged and
// attached to the active span so they show up next to the drain that caused them.
type Reporter struct {
	logger *slog.Logger
	notify func(domain.DeadLetter) // Optional user-facing hook
}

// NewReporter creates a reporter. notify may be nil.
func NewReporter(logger *slog.Logger, notify func(domain.DeadLetter)) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger, notify: notify}
}

func (r *Reporter) ReportDeadLetter(ctx context.Context, dl domain.DeadLetter) {
	r.logger.Warn("mutation abandoned",
		"mutationID", dl.Mutation.ID,
		"type", dl.Mutation.Type,
		"entityKey", dl.Mutation.EntityKey,
		"attempts", dl.Mutation.Attempts,
		"code", dl.Code,
		"reason", dl.Reason,
	)

	span := trace.SpanFromContext(ctx)
	span.AddEvent("dead_letter.reported", trace.WithAttributes(
		attribute.String("mutation.id", dl.Mutation.ID),
		attribute.String("mutation.type", string(dl.Mutation.Type)),
		attribute.String("error.code", dl.Code),
	))

	if r.notify != nil {
		r.notify(dl)
	}
}
