package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetup_NoopWhenDisabled(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "no endpoint", opts: Options{Enabled: true}},
		{name: "explicitly disabled", opts: Options{Enabled: false, Endpoint: "http://localhost:4318"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestReporter_LogsAndAddsSpanEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	var buf bytes.Buffer
	var notified []string
	r := NewReporter(slog.New(slog.NewJSONHandler(&buf, nil)), func(dl domain.DeadLetter) {
		notified = append(notified, dl.Mutation.ID)
	})

	ctx, span := tp.Tracer("test").Start(context.Background(), "sync.drain")
	r.ReportDeadLetter(ctx, domain.DeadLetter{
		Mutation: domain.QueuedMutation{ID: "m1", Type: domain.UpdateProfile, EntityKey: domain.KeyProfile},
		Code:     "INVALID_INPUT",
		Reason:   "email: invalid",
	})
	span.End()

	assert.Contains(t, buf.String(), `"mutationID":"m1"`)
	assert.Equal(t, []string{"m1"}, notified)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "dead_letter.reported", spans[0].Events()[0].Name)
}
