package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ves-rates/internal/alerting"
	"ves-rates/internal/events"
	"ves-rates/internal/fetcher"
	"ves-rates/internal/storage"
)

type fakeAdapter struct {
	name   string
	quotes []fetcher.Quote
	err    error
	block  chan struct{}
	start  chan struct{}
	panics bool
	calls  atomic.Int32
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Fetch(ctx context.Context) ([]fetcher.Quote, error) {
	a.calls.Add(1)
	if a.start != nil {
		close(a.start)
	}
	if a.panics {
		panic("selector exploded")
	}
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.quotes, a.err
}

type fakeStore struct {
	mu          sync.Mutex
	upserted    []storage.SyncedQuote
	history     []storage.SyncedQuote
	recordedAt  time.Time
	recomputes  int
	cleanupDays int
	upsertErr   error
	historyErr  error
}

func (s *fakeStore) Upsert(_ context.Context, batch []storage.SyncedQuote) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	s.upserted = append(s.upserted, batch...)
	return len(batch), nil
}

func (s *fakeStore) AppendHistory(_ context.Context, batch []storage.SyncedQuote, recordedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return s.historyErr
	}
	s.history = append(s.history, batch...)
	s.recordedAt = recordedAt
	return nil
}

func (s *fakeStore) RecomputeVariations(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recomputes++
	return 0, nil
}

func (s *fakeStore) Cleanup(_ context.Context, days int) (int64, error) {
	s.cleanupDays = days
	return 4, nil
}

type fakeLocker struct {
	acquired bool
	released bool
}

func (l *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.released = true }, true, nil
}

type fakePublisher struct{ events []events.RatesSynced }

func (p *fakePublisher) PublishRatesSynced(_ context.Context, e events.RatesSynced) error {
	p.events = append(p.events, e)
	return nil
}

type fakeCache struct{ invalidations int }

func (c *fakeCache) Invalidate(context.Context) error {
	c.invalidations++
	return nil
}

type fakeNotifier struct{ notes []alerting.Notification }

func (n *fakeNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

func quote(exchange, pair, buy string) fetcher.Quote {
	return fetcher.Quote{
		ExchangeCode: exchange,
		CurrencyPair: pair,
		BuyPrice:     decimal.RequireFromString(buy),
		SellPrice:    decimal.NewNullDecimal(decimal.RequireFromString(buy)),
		Source:       "test",
	}
}

func newTestOrchestrator(adapters []fetcher.Adapter, store storage.QuoteWriter, opts Options) *Orchestrator {
	o := New(adapters, store, opts, zerolog.Nop())
	fixed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return fixed }
	o.newID = func() string { return "cycle-test" }
	return o
}

func TestSyncToleratesOneFailingAdapter(t *testing.T) {
	bcv := &fakeAdapter{name: "bcv", quotes: []fetcher.Quote{
		quote("BCV", "USD/VES", "36.5"),
		quote("BCV", "EUR/VES", "39.2"),
	}}
	binance := &fakeAdapter{name: "binance", err: fetcher.ErrNoAdverts}
	italcambios := &fakeAdapter{name: "italcambios", quotes: []fetcher.Quote{quote("ITALCAMBIOS", "USD/VES", "36.9")}}

	store := &fakeStore{}
	publisher := &fakePublisher{}
	cache := &fakeCache{}
	o := newTestOrchestrator([]fetcher.Adapter{bcv, binance, italcambios}, store, Options{Publisher: publisher, Cache: cache})

	result, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync should not fail on adapter errors: %v", err)
	}
	if result.Persisted != 3 || len(store.upserted) != 3 || len(store.history) != 3 {
		t.Fatalf("expected 3 persisted quotes, got result=%d upserted=%d history=%d", result.Persisted, len(store.upserted), len(store.history))
	}
	if len(result.Failures) != 1 || result.Failures[0].Adapter != "binance" || !errors.Is(result.Failures[0].Err, fetcher.ErrNoAdverts) {
		t.Fatalf("unexpected failures: %+v", result.Failures)
	}
	for _, q := range store.upserted {
		if !q.SyncedAt.Equal(result.SyncedAt) {
			t.Fatalf("quote %s %s not stamped with cycle time", q.ExchangeCode, q.CurrencyPair)
		}
	}
	if !store.recordedAt.Equal(result.SyncedAt) {
		t.Fatalf("history recorded at %s, want %s", store.recordedAt, result.SyncedAt)
	}
	if store.recomputes != 1 {
		t.Fatalf("expected one variation recompute, got %d", store.recomputes)
	}
	if cache.invalidations != 2 {
		t.Fatalf("expected invalidation after upsert and after the cycle, got %d", cache.invalidations)
	}
	if len(publisher.events) != 1 || publisher.events[0].CycleID != "cycle-test" || len(publisher.events[0].FailedAdapters) != 1 {
		t.Fatalf("unexpected published events: %+v", publisher.events)
	}
}

func TestSyncIsSingleFlight(t *testing.T) {
	slow := &fakeAdapter{
		name:   "bcv",
		quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")},
		block:  make(chan struct{}),
		start:  make(chan struct{}),
	}
	store := &fakeStore{}
	o := newTestOrchestrator([]fetcher.Adapter{slow}, store, Options{})

	done := make(chan SyncResult, 1)
	go func() {
		result, _ := o.Sync(context.Background())
		done <- result
	}()

	<-slow.start
	if !o.Running() {
		t.Fatal("orchestrator should report a running cycle")
	}

	second, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("overlapping sync should not error: %v", err)
	}
	if !second.Skipped {
		t.Fatal("overlapping sync should be skipped")
	}

	close(slow.block)
	first := <-done
	if first.Skipped || first.Persisted != 1 {
		t.Fatalf("first sync should have persisted, got %+v", first)
	}
	if slow.calls.Load() != 1 {
		t.Fatalf("expected exactly one fetch, got %d", slow.calls.Load())
	}
	if o.Running() {
		t.Fatal("guard should be released")
	}
}

func TestSyncWithNoQuotesSkipsPersistence(t *testing.T) {
	store := &fakeStore{}
	notifier := &fakeNotifier{}
	adapters := []fetcher.Adapter{
		&fakeAdapter{name: "bcv", err: errors.New("status 503")},
		&fakeAdapter{name: "binance", err: fetcher.ErrNoAdverts},
	}
	o := newTestOrchestrator(adapters, store, Options{Notifier: notifier})

	result, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("empty batch is not an error: %v", err)
	}
	if len(result.Failures) != 2 || result.Persisted != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(store.upserted) != 0 || store.recomputes != 0 {
		t.Fatal("store must not be touched for an empty batch")
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Reason != alerting.ReasonAllAdaptersFailed {
		t.Fatalf("expected all-adapters-failed alert, got %+v", notifier.notes)
	}
	if len(notifier.notes[0].Failures) != 2 {
		t.Fatalf("alert should list both failures, got %+v", notifier.notes[0].Failures)
	}
}

func TestSyncPersistenceErrorReleasesGuard(t *testing.T) {
	boom := errors.New("connection reset")
	store := &fakeStore{upsertErr: boom}
	notifier := &fakeNotifier{}
	adapter := &fakeAdapter{name: "bcv", quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")}}
	o := newTestOrchestrator([]fetcher.Adapter{adapter}, store, Options{Notifier: notifier})

	_, err := o.Sync(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(store.history) != 0 || store.recomputes != 0 {
		t.Fatal("steps after a failed upsert must not run")
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Reason != alerting.ReasonPersistFailed {
		t.Fatalf("expected persist alert, got %+v", notifier.notes)
	}

	store.upsertErr = nil
	result, err := o.Sync(context.Background())
	if err != nil || result.Skipped {
		t.Fatalf("guard should be released after failure: %+v %v", result, err)
	}
}

func TestSyncHistoryErrorStopsRecompute(t *testing.T) {
	store := &fakeStore{historyErr: errors.New("disk full")}
	adapter := &fakeAdapter{name: "bcv", quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")}}
	o := newTestOrchestrator([]fetcher.Adapter{adapter}, store, Options{})

	if _, err := o.Sync(context.Background()); err == nil {
		t.Fatal("expected append history error")
	}
	if len(store.upserted) != 1 {
		t.Fatal("upsert should have committed before history failed")
	}
	if store.recomputes != 0 {
		t.Fatal("recompute must not run after history failure")
	}
}

func TestSyncInvalidatesCacheWhenHistoryFails(t *testing.T) {
	store := &fakeStore{historyErr: errors.New("disk full")}
	cache := &fakeCache{}
	publisher := &fakePublisher{}
	adapter := &fakeAdapter{name: "bcv", quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")}}
	o := newTestOrchestrator([]fetcher.Adapter{adapter}, store, Options{Cache: cache, Publisher: publisher})

	if _, err := o.Sync(context.Background()); err == nil {
		t.Fatal("expected append history error")
	}
	if cache.invalidations != 1 {
		t.Fatalf("committed upsert must drop the cache, got %d invalidations", cache.invalidations)
	}
	if len(publisher.events) != 0 {
		t.Fatalf("failed cycle must not publish, got %+v", publisher.events)
	}
}

func TestSyncUpsertErrorKeepsCache(t *testing.T) {
	store := &fakeStore{upsertErr: errors.New("conn reset")}
	cache := &fakeCache{}
	adapter := &fakeAdapter{name: "bcv", quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")}}
	o := newTestOrchestrator([]fetcher.Adapter{adapter}, store, Options{Cache: cache})

	if _, err := o.Sync(context.Background()); err == nil {
		t.Fatal("expected upsert error")
	}
	if cache.invalidations != 0 {
		t.Fatalf("nothing committed, cache should stay, got %d invalidations", cache.invalidations)
	}
}

func TestSyncRecoversAdapterPanic(t *testing.T) {
	store := &fakeStore{}
	adapters := []fetcher.Adapter{
		&fakeAdapter{name: "italcambios", panics: true},
		&fakeAdapter{name: "bcv", quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")}},
	}
	o := newTestOrchestrator(adapters, store, Options{})

	result, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("panic must be contained: %v", err)
	}
	if len(result.Failures) != 1 || result.Failures[0].Adapter != "italcambios" {
		t.Fatalf("expected panic recorded as failure, got %+v", result.Failures)
	}
	if result.Persisted != 1 {
		t.Fatalf("healthy adapter should persist, got %d", result.Persisted)
	}
}

func TestSyncAdapterTimeoutDoesNotBlockOthers(t *testing.T) {
	store := &fakeStore{}
	hanging := &fakeAdapter{name: "binance", block: make(chan struct{})}
	fast := &fakeAdapter{name: "bcv", quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")}}
	o := newTestOrchestrator([]fetcher.Adapter{hanging, fast}, store, Options{AdapterTimeout: 20 * time.Millisecond})

	result, err := o.Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(result.Failures) != 1 || !errors.Is(result.Failures[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout failure, got %+v", result.Failures)
	}
	if result.Persisted != 1 {
		t.Fatalf("fast adapter should persist, got %d", result.Persisted)
	}
}

func TestSyncSkipsWhenAdvisoryLockHeld(t *testing.T) {
	adapter := &fakeAdapter{name: "bcv", quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")}}
	locker := &fakeLocker{acquired: false}
	o := newTestOrchestrator([]fetcher.Adapter{adapter}, &fakeStore{}, Options{AdvisoryLockKey: 42, Locker: locker})

	result, err := o.Sync(context.Background())
	if err != nil || !result.Skipped {
		t.Fatalf("expected skipped cycle, got %+v %v", result, err)
	}
	if adapter.calls.Load() != 0 {
		t.Fatal("no fetch should happen without the lock")
	}

	locker.acquired = true
	if _, err := o.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !locker.released {
		t.Fatal("advisory lock should be released")
	}
}

func TestCleanupDelegatesToStore(t *testing.T) {
	store := &fakeStore{}
	o := newTestOrchestrator(nil, store, Options{})

	deleted, err := o.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 4 || store.cleanupDays != 30 {
		t.Fatalf("unexpected cleanup: deleted=%d days=%d", deleted, store.cleanupDays)
	}

	if err := o.CleanupTick(7)(context.Background(), time.Now()); err != nil {
		t.Fatalf("cleanup tick: %v", err)
	}
	if store.cleanupDays != 7 {
		t.Fatalf("tick should pass retention days, got %d", store.cleanupDays)
	}
}

func TestPreviewFetchesConcurrentlyWithoutPersisting(t *testing.T) {
	bcvStarted := make(chan struct{})
	binanceStarted := make(chan struct{})
	// each adapter waits for the other one to start
	bcv := &fakeAdapter{
		name:   "bcv",
		start:  bcvStarted,
		block:  binanceStarted,
		quotes: []fetcher.Quote{quote("BCV", "USD/VES", "36.5")},
	}
	binance := &fakeAdapter{
		name:   "binance",
		start:  binanceStarted,
		block:  bcvStarted,
		quotes: []fetcher.Quote{quote("BINANCE_P2P", "USDT/VES", "40.1")},
	}
	failing := &fakeAdapter{name: "italcambios", err: errors.New("502")}

	store := &fakeStore{}
	cache := &fakeCache{}
	o := newTestOrchestrator([]fetcher.Adapter{bcv, binance, failing}, store, Options{
		AdapterTimeout: 2 * time.Second,
		Cache:          cache,
	})

	batch, failures := o.Preview(context.Background())
	if len(batch) != 2 {
		t.Fatalf("expected both blocking adapters to finish, got %d quotes and failures %+v", len(batch), failures)
	}
	if len(failures) != 1 || failures[0].Adapter != "italcambios" {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if !batch[0].SyncedAt.Equal(batch[1].SyncedAt) {
		t.Fatalf("batch not stamped with one time: %s vs %s", batch[0].SyncedAt, batch[1].SyncedAt)
	}
	if len(store.upserted) != 0 || len(store.history) != 0 || cache.invalidations != 0 {
		t.Fatalf("preview must not persist: upserted=%d history=%d invalidations=%d", len(store.upserted), len(store.history), cache.invalidations)
	}
	if o.Running() {
		t.Fatal("preview must not hold the single-flight guard")
	}
}
