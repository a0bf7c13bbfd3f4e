package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ves-rates/internal/alerting"
	"ves-rates/internal/events"
	"ves-rates/internal/fetcher"
	"ves-rates/internal/metrics"
	"ves-rates/internal/storage"
)

// Publisher announces persisted cycles.
type Publisher interface {
	PublishRatesSynced(ctx context.Context, event events.RatesSynced) error
}

// Invalidator drops read caches after new rates were written.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Options wires the optional collaborators of an Orchestrator.
type Options struct {
	AdapterTimeout  time.Duration
	AdvisoryLockKey int64
	Locker          storage.AdvisoryLocker
	Publisher       Publisher
	Cache           Invalidator
	Notifier        alerting.Notifier
	Metrics         *metrics.SyncMetrics
}

// AdapterFailure records one adapter that produced no rows in a cycle.
type AdapterFailure struct {
	Adapter string
	Err     error
}

// SyncResult summarises one Sync call.
type SyncResult struct {
	CycleID   string
	SyncedAt  time.Time
	Quotes    int
	Persisted int
	Failures  []AdapterFailure
	Duration  time.Duration

	// Skipped is set when another cycle was already running.
	Skipped bool
}

// Orchestrator runs sync cycles: fan out to every adapter, stamp the batch
// and persist it. At most one cycle runs per process.
type Orchestrator struct {
	adapters []fetcher.Adapter
	store    storage.QuoteWriter
	opts     Options
	logger   zerolog.Logger

	running atomic.Bool
	now     func() time.Time
	newID   func() string
}

// New constructs the orchestrator.
func New(adapters []fetcher.Adapter, store storage.QuoteWriter, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Locker == nil {
		if l, ok := store.(storage.AdvisoryLocker); ok {
			opts.Locker = l
		}
	}
	return &Orchestrator{
		adapters: adapters,
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		now:      time.Now,
		newID:    newCycleID,
	}
}

func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Running reports whether a cycle is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// SyncTick adapts Sync to the scheduler callback.
func (o *Orchestrator) SyncTick(ctx context.Context, _ time.Time) error {
	_, err := o.Sync(ctx)
	return err
}

// CleanupTick returns a scheduler callback running Cleanup with retentionDays.
func (o *Orchestrator) CleanupTick(retentionDays int) func(context.Context, time.Time) error {
	return func(ctx context.Context, _ time.Time) error {
		_, err := o.Cleanup(ctx, retentionDays)
		return err
	}
}

// Sync runs one cycle. A call made while another cycle is running returns
// immediately with Skipped set. Adapter failures are reported on the result;
// the error is non-nil only when persistence failed.
func (o *Orchestrator) Sync(ctx context.Context) (SyncResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		o.logger.Warn().Msg("sync already running, skipping")
		o.opts.Metrics.RecordCycle(metrics.OutcomeSkipped, 0, 0, time.Time{})
		return SyncResult{Skipped: true}, nil
	}
	defer o.running.Store(false)

	unlock, proceed, err := o.acquireLock(ctx)
	if err != nil {
		o.opts.Metrics.RecordCycle(metrics.OutcomeFailed, 0, 0, time.Time{})
		return SyncResult{}, err
	}
	if !proceed {
		o.logger.Info().Msg("skip cycle because advisory lock held elsewhere")
		o.opts.Metrics.RecordCycle(metrics.OutcomeSkipped, 0, 0, time.Time{})
		return SyncResult{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	return o.runCycle(ctx)
}

func (o *Orchestrator) runCycle(ctx context.Context) (SyncResult, error) {
	started := time.Now()
	result := SyncResult{
		CycleID:  o.newID(),
		SyncedAt: o.now().UTC(),
	}
	log := o.logger.With().Str("cycle_id", result.CycleID).Logger()
	log.Info().Int("adapters", len(o.adapters)).Msg("sync cycle started")

	batch, failures := o.fetchAll(ctx, result.SyncedAt, log)
	result.Quotes = len(batch)
	result.Failures = failures

	if len(batch) == 0 {
		result.Duration = time.Since(started)
		log.Warn().Int("failed", len(failures)).Msg("no quotes fetched, nothing to persist")
		o.opts.Metrics.RecordCycle(metrics.OutcomeFailed, result.Duration, 0, result.SyncedAt)
		if len(o.adapters) > 0 {
			o.alert(ctx, result, alerting.ReasonAllAdaptersFailed, "")
		}
		return result, nil
	}

	if err := o.persist(ctx, batch, result.SyncedAt, &result, log); err != nil {
		result.Duration = time.Since(started)
		log.Error().Err(err).Int("quotes", len(batch)).Msg("sync cycle failed")
		o.opts.Metrics.RecordCycle(metrics.OutcomeFailed, result.Duration, 0, result.SyncedAt)
		o.alert(ctx, result, alerting.ReasonPersistFailed, err.Error())
		return result, fmt.Errorf("cycle %s: %w", result.CycleID, err)
	}

	result.Duration = time.Since(started)
	outcome := metrics.OutcomeSuccess
	if len(failures) > 0 {
		outcome = metrics.OutcomePartial
	}
	o.opts.Metrics.RecordCycle(outcome, result.Duration, result.Persisted, result.SyncedAt)

	o.afterPersist(ctx, batch, result, log)

	log.Info().
		Int("persisted", result.Persisted).
		Int("failed", len(failures)).
		Dur("duration", result.Duration).
		Msg("sync cycle completed")
	return result, nil
}

// Preview fans out to every adapter exactly like a cycle does and returns
// the stamped batch without persisting it or taking the single-flight guard.
func (o *Orchestrator) Preview(ctx context.Context) ([]storage.SyncedQuote, []AdapterFailure) {
	syncedAt := o.now().UTC()
	log := o.logger.With().Bool("dry_run", true).Logger()
	return o.fetchAll(ctx, syncedAt, log)
}

type adapterResult struct {
	quotes []fetcher.Quote
	err    error
}

// fetchAll invokes every adapter concurrently and waits for all of them.
// A failing or slow adapter never cancels its siblings.
func (o *Orchestrator) fetchAll(ctx context.Context, syncedAt time.Time, log zerolog.Logger) ([]storage.SyncedQuote, []AdapterFailure) {
	results := make([]adapterResult, len(o.adapters))

	var wg sync.WaitGroup
	for i, adapter := range o.adapters {
		wg.Add(1)
		go func(i int, adapter fetcher.Adapter) {
			defer wg.Done()
			results[i] = o.fetchOne(ctx, adapter)
		}(i, adapter)
	}
	wg.Wait()

	batch := make([]storage.SyncedQuote, 0, len(o.adapters)*2)
	var failures []AdapterFailure
	for i, res := range results {
		name := o.adapters[i].Name()
		if res.err != nil {
			log.Error().Err(res.err).Str("adapter", name).Msg("adapter fetch failed")
			failures = append(failures, AdapterFailure{Adapter: name, Err: res.err})
			continue
		}
		for _, q := range res.quotes {
			batch = append(batch, storage.SyncedQuote{
				ExchangeCode: q.ExchangeCode,
				CurrencyPair: q.CurrencyPair,
				BuyPrice:     q.BuyPrice,
				SellPrice:    q.SellPrice,
				Volume24h:    q.Volume24h,
				Source:       q.Source,
				SyncedAt:     syncedAt,
			})
		}
		log.Debug().Str("adapter", name).Int("quotes", len(res.quotes)).Msg("adapter fetch succeeded")
	}
	return batch, failures
}

func (o *Orchestrator) fetchOne(ctx context.Context, adapter fetcher.Adapter) (res adapterResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = adapterResult{err: fmt.Errorf("adapter %s panicked: %v", adapter.Name(), r)}
		}
		o.opts.Metrics.RecordAdapter(adapter.Name(), time.Since(start), res.err)
	}()

	if o.opts.AdapterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.AdapterTimeout)
		defer cancel()
	}

	quotes, err := adapter.Fetch(ctx)
	if err != nil {
		return adapterResult{err: err}
	}
	return adapterResult{quotes: quotes}
}

// persist runs upsert, history append and variation recompute in order and
// stops at the first failure. The cache is dropped as soon as the upsert
// commits so a later failure cannot leave it serving replaced rows.
func (o *Orchestrator) persist(ctx context.Context, batch []storage.SyncedQuote, syncedAt time.Time, result *SyncResult, log zerolog.Logger) error {
	written, err := o.store.Upsert(ctx, batch)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	result.Persisted = written
	o.invalidateCache(ctx, log)

	if err := o.store.AppendHistory(ctx, batch, syncedAt); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	if _, err := o.store.RecomputeVariations(ctx); err != nil {
		return fmt.Errorf("recompute variations: %w", err)
	}
	return nil
}

func (o *Orchestrator) invalidateCache(ctx context.Context, log zerolog.Logger) {
	if o.opts.Cache == nil {
		return
	}
	if err := o.opts.Cache.Invalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to invalidate rates cache")
	}
}

func (o *Orchestrator) afterPersist(ctx context.Context, batch []storage.SyncedQuote, result SyncResult, log zerolog.Logger) {
	// second drop evicts entries a reader filled from pre-commit rows
	// while the cycle was still running
	o.invalidateCache(ctx, log)

	if o.opts.Publisher != nil {
		failed := make([]string, 0, len(result.Failures))
		for _, f := range result.Failures {
			failed = append(failed, f.Adapter)
		}
		event := events.NewRatesSynced(result.CycleID, result.SyncedAt, batch, failed)
		if err := o.opts.Publisher.PublishRatesSynced(ctx, event); err != nil {
			log.Warn().Err(err).Msg("failed to publish rates synced event")
		}
	}
}

func (o *Orchestrator) alert(ctx context.Context, result SyncResult, reason, detail string) {
	if o.opts.Notifier == nil {
		return
	}
	note := alerting.Notification{
		CycleID:       result.CycleID,
		At:            result.SyncedAt,
		Reason:        reason,
		Quotes:        result.Quotes,
		AdditionalMsg: detail,
	}
	for _, f := range result.Failures {
		note.Failures = append(note.Failures, alerting.AdapterFailure{Adapter: f.Adapter, Error: f.Err.Error()})
	}
	if err := o.opts.Notifier.Notify(ctx, note); err != nil {
		o.logger.Error().Err(err).Str("cycle_id", result.CycleID).Msg("failed to dispatch alert")
	}
}

// Cleanup deletes history older than retentionDays. It does not take the
// single-flight guard and may overlap a running cycle.
func (o *Orchestrator) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	deleted, err := o.store.Cleanup(ctx, retentionDays)
	if err != nil {
		o.logger.Error().Err(err).Int("retention_days", retentionDays).Msg("history cleanup failed")
		return 0, err
	}
	o.opts.Metrics.RecordCleanup(deleted)
	o.logger.Info().Int64("deleted", deleted).Int("retention_days", retentionDays).Msg("history cleanup completed")
	return deleted, nil
}

func (o *Orchestrator) acquireLock(ctx context.Context) (func(), bool, error) {
	if o.opts.AdvisoryLockKey == 0 || o.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := o.opts.Locker.TryAdvisoryLock(ctx, o.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
