// Package syncer drains the sync queue against the remote API.
//
// A single logical worker applies mutations in enqueue order. A mutation that
// fails blocks every later mutation for the same entity until the next cycle;
// unrelated entities keep draining.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmcdole/shopsync/internal/background"
	"github.com/mmcdole/shopsync/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBatchSize       = 20
	DefaultApplyTimeout    = 15 * time.Second
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour

	metaStateKey = "sync.state"
	tracerName   = "github.com/mmcdole/shopsync/internal/syncer"
)

// Queue is the subset of syncqueue.Manager the orchestrator drives
type Queue interface {
	PeekBatch(maxCount int) []domain.QueuedMutation
	MarkSucceeded(id string) error
	MarkFailed(id string, cause error) (bool, error)
	DeadLetter(id string, cause error) error
	LastDeadLetter(id string) (domain.DeadLetter, bool)
	Pending(entityKey string) []domain.QueuedMutation
	PurgeDeadLetters(cutoff time.Time) int
	Size() int
	DeadLetterCount() int
	Clear() error
}

// Cache is the subset of cache.Manager the orchestrator reconciles
type Cache interface {
	Confirm(key string, value json.RawMessage, confirmedSeq uint64) (bool, error)
	Revert(key string, seq uint64) bool
	SweepExpired() int
	Entries() []domain.CacheEntry
	Clear() error
}

// Scheduler delivers platform wake-ups
type Scheduler interface {
	Register(task background.Task) (unregister func())
	OnForeground(task background.Task) (unregister func())
}

// Config tunes the drain loop
type Config struct {
	BatchSize       int
	ApplyTimeout    time.Duration // Per remote call
	Retention       time.Duration // Dead letters older than this are purged
	CleanupInterval time.Duration
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = DefaultApplyTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Deps are the collaborators an Orchestrator owns for its lifetime
type Deps struct {
	Queue     Queue
	Cache     Cache
	Remote    domain.RemoteAPI
	Network   domain.NetworkMonitor
	Store     domain.KVStore // meta namespace for persisted SyncState
	Reporter  domain.ErrorReporter
	Scheduler Scheduler // Optional
	Logger    *slog.Logger
	Now       func() time.Time
}

// Orchestrator is the background sync worker.
type Orchestrator struct {
	queue     Queue
	cache     Cache
	remote    domain.RemoteAPI
	network   domain.NetworkMonitor
	store     domain.KVStore
	reporter  domain.ErrorReporter
	scheduler Scheduler
	logger    *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
	cfg       Config

	draining atomic.Bool
	triggers chan domain.Trigger

	mu    sync.Mutex
	state domain.SyncState
}

// New creates an orchestrator and restores the persisted SyncState.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Reporter == nil {
		deps.Reporter = domain.NoOpReporter{}
	}
	o := &Orchestrator{
		queue:     deps.Queue,
		cache:     deps.Cache,
		remote:    deps.Remote,
		network:   deps.Network,
		store:     deps.Store,
		reporter:  deps.Reporter,
		scheduler: deps.Scheduler,
		logger:    deps.Logger,
		now:       deps.Now,
		tracer:    otel.Tracer(tracerName),
		cfg:       cfg.normalized(),
		triggers:  make(chan domain.Trigger, 1),
	}
	o.loadState()
	return o
}

// State returns a snapshot of the process-wide sync state.
func (o *Orchestrator) State() domain.SyncState {
	o.mu.Lock()
	s := o.state
	o.mu.Unlock()

	s.IsOnline = o.network.IsOnline()
	s.QueueDepth = o.queue.Size()
	s.DeadLetters = o.queue.DeadLetterCount()
	return s
}

// Trigger requests a drain from Run's worker. Requests made while one is
// already pending are coalesced.
func (o *Orchestrator) Trigger(t domain.Trigger) {
	select {
	case o.triggers <- t:
	default:
	}
}

// Drain runs one cycle. It returns domain.ErrDrainInProgress if another drain
// holds the draining flag, and ctx.Err() if ctx was cancelled mid-cycle; the
// in-flight mutation is then left queued untouched.
func (o *Orchestrator) Drain(ctx context.Context, trigger domain.Trigger) (domain.DrainReport, error) {
	report := domain.DrainReport{Trigger: trigger, Phase: domain.PhaseIdle, Started: o.now()}
	if !o.draining.CompareAndSwap(false, true) {
		return report, domain.ErrDrainInProgress
	}
	defer o.draining.Store(false)

	ctx, span := o.tracer.Start(ctx, "sync.drain",
		trace.WithAttributes(attribute.String("sync.trigger", trigger.String())))
	defer span.End()

	if !o.network.IsOnline() {
		o.logger.Debug("skipping drain while offline", "trigger", trigger.String())
		report.Finished = o.now()
		span.SetAttributes(attribute.Bool("sync.offline", true))
		return report, nil
	}

	o.setPhase(domain.PhaseDraining)
	o.logger.Info("drain started", "trigger", trigger.String(), "queueDepth", o.queue.Size())

	err := o.drainLoop(ctx, &report)

	report.Finished = o.now()
	report.Phase = domain.PhaseSuccess
	if report.Failed > 0 || report.Interrupted {
		report.Phase = domain.PhasePartialFailure
	}
	o.finish(report, err)

	span.SetAttributes(
		attribute.Int("sync.attempted", report.Attempted),
		attribute.Int("sync.succeeded", report.Succeeded),
		attribute.Int("sync.failed", report.Failed),
		attribute.Int("sync.dead_lettered", report.DeadLettered),
		attribute.Int("sync.skipped", report.Skipped),
		attribute.Bool("sync.interrupted", report.Interrupted),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	o.logger.Info("drain finished",
		"trigger", trigger.String(),
		"phase", report.Phase.String(),
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"deadLettered", report.DeadLettered,
		"skipped", report.Skipped,
		"interrupted", report.Interrupted,
		"duration", report.Finished.Sub(report.Started),
	)
	return report, err
}

// drainLoop walks the queue oldest-first. The peek window widens only when
// every mutation in it was already handled this cycle, so the walk ends once
// the whole queue has been seen.
func (o *Orchestrator) drainLoop(ctx context.Context, report *domain.DrainReport) error {
	seen := make(map[string]bool)
	blocked := make(map[string]bool)
	window := o.cfg.BatchSize

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !o.network.IsOnline() {
			report.Interrupted = o.queue.Size() > 0
			o.logger.Info("went offline mid-drain, stopping", "remaining", o.queue.Size())
			return nil
		}

		batch := o.queue.PeekBatch(window)
		fresh := 0
		for _, m := range batch {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			fresh++

			if blocked[m.EntityKey] {
				report.Skipped++
				o.logger.Debug("holding mutation behind failed predecessor",
					"mutationID", m.ID, "entityKey", m.EntityKey)
				continue
			}
			if err := o.apply(ctx, m, report, blocked); err != nil {
				return err
			}
		}

		if fresh == 0 {
			if len(batch) < window {
				return nil
			}
			window += o.cfg.BatchSize
		}
	}
}

// apply sends one mutation and records its outcome. It returns a non-nil
// error only when ctx was cancelled; that mutation is left as it was.
func (o *Orchestrator) apply(ctx context.Context, m domain.QueuedMutation, report *domain.DrainReport, blocked map[string]bool) error {
	applyCtx, cancel := context.WithTimeout(ctx, o.cfg.ApplyTimeout)
	applyCtx, span := o.tracer.Start(applyCtx, "sync.apply", trace.WithAttributes(
		attribute.String("mutation.id", m.ID),
		attribute.String("mutation.type", string(m.Type)),
		attribute.String("mutation.entity_key", m.EntityKey),
		attribute.Int("mutation.attempts", m.Attempts),
	))
	serverState, err := o.remote.ApplyMutation(applyCtx, m)
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil && ctx.Err() != nil {
		// Outcome unknown; re-sent next cycle under the same idempotency key
		o.logger.Info("drain cancelled with mutation in flight", "mutationID", m.ID)
		return ctx.Err()
	}
	report.Attempted++

	if err == nil {
		if qerr := o.queue.MarkSucceeded(m.ID); qerr != nil {
			// Applied remotely but still queued: it will be re-sent, which is harmless
			o.logger.Error("failed to mark mutation succeeded", "mutationID", m.ID, "error", qerr)
			report.Failed++
			blocked[m.EntityKey] = true
			return nil
		}
		report.Succeeded++
		if _, cerr := o.cache.Confirm(m.EntityKey, serverState, m.Seq); cerr != nil {
			o.logger.Warn("failed to confirm cache entry", "entityKey", m.EntityKey, "error", cerr)
		}
		return nil
	}

	report.Failed++
	blocked[m.EntityKey] = true
	cause := domain.ClassifyApplyError(err)

	if domain.IsTerminal(cause) {
		if qerr := o.queue.DeadLetter(m.ID, cause); qerr != nil {
			o.logger.Error("failed to dead-letter mutation", "mutationID", m.ID, "error", qerr)
			return nil
		}
		o.abandon(ctx, m, report)
		return nil
	}

	deadLettered, qerr := o.queue.MarkFailed(m.ID, cause)
	if qerr != nil {
		o.logger.Error("failed to record mutation failure", "mutationID", m.ID, "error", qerr)
		return nil
	}
	if deadLettered {
		o.abandon(ctx, m, report)
		return nil
	}
	o.logger.Warn("mutation failed, will retry",
		"mutationID", m.ID, "type", m.Type, "attempts", m.Attempts+1, "code", domain.ErrorCode(cause), "error", err)
	return nil
}

// abandon cleans up after a dead-lettered mutation
func (o *Orchestrator) abandon(ctx context.Context, m domain.QueuedMutation, report *domain.DrainReport) {
	report.DeadLettered++
	o.cache.Revert(m.EntityKey, m.Seq)
	if dl, ok := o.queue.LastDeadLetter(m.ID); ok {
		trace.SpanFromContext(ctx).AddEvent("mutation.dead_lettered", trace.WithAttributes(
			attribute.String("mutation.id", m.ID),
			attribute.String("error.code", dl.Code),
		))
		o.reporter.ReportDeadLetter(ctx, dl)
	}
}

// Cleanup performs Idle-phase maintenance. It is skipped while a drain runs.
func (o *Orchestrator) Cleanup() (swept, purged int, ran bool) {
	if !o.draining.CompareAndSwap(false, true) {
		return 0, 0, false
	}
	defer o.draining.Store(false)

	swept = o.cache.SweepExpired() + o.sweepOrphaned()
	purged = o.queue.PurgeDeadLetters(o.now().Add(-o.cfg.Retention))
	if swept > 0 || purged > 0 {
		o.logger.Info("cleanup finished", "sweptCacheEntries", swept, "purgedDeadLetters", purged)
	}
	return swept, purged, true
}

// sweepOrphaned drops expired optimistic entries whose mutations are no longer
// queued, e.g. when the confirm write failed after the server applied them.
func (o *Orchestrator) sweepOrphaned() int {
	now := o.now()
	n := 0
	for _, e := range o.cache.Entries() {
		if e.Freshness != domain.Optimistic || !e.Expired(now) {
			continue
		}
		if len(o.queue.Pending(e.Key)) > 0 {
			continue
		}
		if o.cache.Revert(e.Key, e.MutationSeq) {
			o.logger.Debug("dropped orphaned optimistic entry", "key", e.Key, "mutationSeq", e.MutationSeq)
			n++
		}
	}
	return n
}

// Reset wipes the queue, cache and persisted SyncState (full local data wipe).
func (o *Orchestrator) Reset() error {
	if !o.draining.CompareAndSwap(false, true) {
		return domain.ErrDrainInProgress
	}
	defer o.draining.Store(false)

	if err := o.queue.Clear(); err != nil {
		return err
	}
	if err := o.cache.Clear(); err != nil {
		return err
	}
	if err := o.store.Delete(domain.NamespaceMeta, metaStateKey); err != nil {
		return domain.StorageFailure(err, "failed to clear sync state")
	}

	o.mu.Lock()
	o.state = domain.SyncState{}
	o.mu.Unlock()
	o.logger.Info("local sync data wiped")
	return nil
}

// Run is the long-lived worker. It subscribes to network transitions and
// scheduler wake-ups for its lifetime and releases every subscription on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	unsubscribe := o.network.Subscribe(func(online bool) {
		if online {
			o.Trigger(domain.TriggerReconnect)
		}
	})
	defer unsubscribe()

	if o.scheduler != nil {
		unregister := o.scheduler.Register(func(context.Context) {
			o.Trigger(domain.TriggerPeriodic)
		})
		defer unregister()

		unregisterFg := o.scheduler.OnForeground(func(context.Context) {
			o.Trigger(domain.TriggerForeground)
		})
		defer unregisterFg()
	}

	cleanup := time.NewTicker(o.cfg.CleanupInterval)
	defer cleanup.Stop()

	o.logger.Info("sync orchestrator started",
		"batchSize", o.cfg.BatchSize, "applyTimeout", o.cfg.ApplyTimeout)

	// Catch up on whatever a previous process left queued
	o.Trigger(domain.TriggerForeground)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("sync orchestrator stopped")
			return nil
		case trigger := <-o.triggers:
			if _, err := o.Drain(ctx, trigger); err != nil &&
				!errors.Is(err, domain.ErrDrainInProgress) && ctx.Err() == nil {
				o.logger.Error("drain failed", "trigger", trigger.String(), "error", err)
			}
		case <-cleanup.C:
			o.Cleanup()
		}
	}
}

// --- Private helpers ---

func (o *Orchestrator) setPhase(p domain.Phase) {
	o.mu.Lock()
	o.state.Phase = p
	o.mu.Unlock()
}

func (o *Orchestrator) finish(report domain.DrainReport, err error) {
	o.mu.Lock()
	o.state.Phase = domain.PhaseIdle
	if err == nil || report.Attempted > 0 {
		o.state.LastOutcome = report.Phase
	}
	if report.Phase == domain.PhaseSuccess && err == nil {
		o.state.LastSyncAt = report.Finished
	}
	o.state.QueueDepth = o.queue.Size()
	o.state.DeadLetters = o.queue.DeadLetterCount()
	o.state.IsOnline = o.network.IsOnline()
	snapshot := o.state
	o.mu.Unlock()

	o.persistState(snapshot)
}

func (o *Orchestrator) loadState() {
	if o.store == nil {
		return
	}
	data, err := o.store.Get(domain.NamespaceMeta, metaStateKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("failed to read sync state", "error", err)
		}
		return
	}
	var s domain.SyncState
	if err := json.Unmarshal(data, &s); err != nil {
		o.logger.Warn("discarding unreadable sync state", "error", err)
		return
	}
	// A persisted Draining phase means the previous process died mid-drain
	s.Phase = domain.PhaseIdle
	o.state = s
}

func (o *Orchestrator) persistState(s domain.SyncState) {
	if o.store == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	if err := o.store.Write(domain.NamespaceMeta, metaStateKey, data); err != nil {
		o.logger.Warn("failed to persist sync state", "error", err)
	}
}
