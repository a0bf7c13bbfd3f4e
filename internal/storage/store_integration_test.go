package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("TESTCONTAINERS") != "1" {
		t.Skip("set TESTCONTAINERS=1 to run integration tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("rates"),
		tcpostgres.WithUsername("rates"),
		tcpostgres.WithPassword("rates"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newTestStore(t *testing.T, now time.Time) *Store {
	store := NewStore(startPostgres(t))
	store.now = func() time.Time { return now }
	return store
}

func bcvQuote(buy string, at time.Time) SyncedQuote {
	return SyncedQuote{
		ExchangeCode: "BCV",
		CurrencyPair: "USD/VES",
		BuyPrice:     decimal.RequireFromString(buy),
		SellPrice:    decimal.NewNullDecimal(decimal.RequireFromString(buy)),
		Source:       "bcv_scrape",
		SyncedAt:     at,
	}
}

func TestStoreUpsertIsIdempotentPerMarket(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	italcambios := SyncedQuote{
		ExchangeCode: "ITALCAMBIOS",
		CurrencyPair: "USD/VES",
		BuyPrice:     decimal.RequireFromString("36.5"),
		SellPrice:    decimal.NewNullDecimal(decimal.RequireFromString("38.2")),
		Source:       "italcambios_scrape",
		SyncedAt:     now,
	}

	n, err := store.Upsert(ctx, []SyncedQuote{bcvQuote("36.1", now), italcambios})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = store.Upsert(ctx, []SyncedQuote{bcvQuote("36.4", now.Add(time.Minute))})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rates, err := store.ListCurrent(ctx, RateFilter{})
	require.NoError(t, err)
	require.Len(t, rates, 2)

	bcv, err := store.ListCurrent(ctx, RateFilter{ExchangeCode: "BCV", CurrencyPair: "USD/VES"})
	require.NoError(t, err)
	require.Len(t, bcv, 1)
	require.True(t, bcv[0].BuyPrice.Equal(decimal.RequireFromString("36.4")))
	require.True(t, bcv[0].Spread.Valid)
	require.True(t, bcv[0].Spread.Decimal.IsZero())

	ital, err := store.ListCurrent(ctx, RateFilter{ExchangeCode: "ITALCAMBIOS"})
	require.NoError(t, err)
	require.Len(t, ital, 1)
	require.True(t, ital[0].Spread.Decimal.Equal(decimal.RequireFromString("1.7")))
}

func TestStoreUpsertSameBatchTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	batch := []SyncedQuote{
		bcvQuote("36.1", now),
		{
			ExchangeCode: "BINANCE_P2P",
			CurrencyPair: "USDT/VES",
			BuyPrice:     decimal.RequireFromString("40.12345678"),
			SellPrice:    decimal.NewNullDecimal(decimal.RequireFromString("40.5")),
			Volume24h:    decimal.NewNullDecimal(decimal.RequireFromString("1234.5")),
			Source:       "binance_p2p_api",
			SyncedAt:     now,
		},
		{
			ExchangeCode: "ITALCAMBIOS",
			CurrencyPair: "EUR/VES",
			BuyPrice:     decimal.RequireFromString("39.8"),
			Source:       "italcambios_scrape",
			SyncedAt:     now,
		},
	}

	_, err := store.Upsert(ctx, batch)
	require.NoError(t, err)
	first, err := store.ListCurrent(ctx, RateFilter{})
	require.NoError(t, err)
	require.Len(t, first, 3)

	n, err := store.Upsert(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	second, err := store.ListCurrent(ctx, RateFilter{})
	require.NoError(t, err)

	require.Equal(t, first, second)
	for _, r := range second {
		if r.ExchangeCode == "ITALCAMBIOS" {
			require.False(t, r.SellPrice.Valid)
			require.False(t, r.Spread.Valid)
		}
	}
}

func TestStoreUpsertRollsBackWholeBatch(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	broken := bcvQuote("36.1", now)
	broken.CurrencyPair = "THIS/PAIR/IS/FAR/TOO/LONG/FOR/THE/COLUMN"

	_, err := store.Upsert(ctx, []SyncedQuote{bcvQuote("36.1", now), broken})
	require.Error(t, err)

	rates, err := store.ListCurrent(ctx, RateFilter{})
	require.NoError(t, err)
	require.Empty(t, rates)
}

func TestStoreAppendHistorySharesTimestamp(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	eur := bcvQuote("39.2", now)
	eur.CurrencyPair = "EUR/VES"
	require.NoError(t, store.AppendHistory(ctx, []SyncedQuote{bcvQuote("36.1", now), eur}, now))

	records, err := store.ListHistory(ctx, HistoryFilter{From: now.Add(-time.Hour), Interval: IntervalHourly})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.True(t, records[0].RecordedAt.Equal(records[1].RecordedAt))
}

func TestStoreRecomputeVariations(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	older := now.Add(-25 * time.Hour)
	require.NoError(t, store.AppendHistory(ctx, []SyncedQuote{bcvQuote("36.5", older)}, older))
	recent := now.Add(-time.Hour)
	require.NoError(t, store.AppendHistory(ctx, []SyncedQuote{bcvQuote("39", recent)}, recent))

	_, err := store.Upsert(ctx, []SyncedQuote{bcvQuote("40", now)})
	require.NoError(t, err)

	updated, err := store.RecomputeVariations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	rates, err := store.ListCurrent(ctx, RateFilter{ExchangeCode: "BCV"})
	require.NoError(t, err)
	require.Len(t, rates, 1)
	require.True(t, rates[0].Variation24h.Equal(decimal.RequireFromString("9.59")), rates[0].Variation24h.String())
}

func TestStoreRecomputeVariationsTinyBaseFitsColumn(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	older := now.Add(-25 * time.Hour)
	require.NoError(t, store.AppendHistory(ctx, []SyncedQuote{bcvQuote("0.00000001", older)}, older))
	_, err := store.Upsert(ctx, []SyncedQuote{bcvQuote("40", now)})
	require.NoError(t, err)

	updated, err := store.RecomputeVariations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	rates, err := store.ListCurrent(ctx, RateFilter{ExchangeCode: "BCV"})
	require.NoError(t, err)
	require.True(t, rates[0].Variation24h.Equal(decimal.RequireFromString("9999999999.99")), rates[0].Variation24h.String())
}

func TestStoreRecomputeVariationsWithoutBaseKeepsValue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	_, err := store.Upsert(ctx, []SyncedQuote{bcvQuote("40", now)})
	require.NoError(t, err)
	require.NoError(t, store.AppendHistory(ctx, []SyncedQuote{bcvQuote("40", now)}, now))

	updated, err := store.RecomputeVariations(ctx)
	require.NoError(t, err)
	require.Zero(t, updated)

	rates, err := store.ListCurrent(ctx, RateFilter{})
	require.NoError(t, err)
	require.True(t, rates[0].Variation24h.IsZero())
}

func TestStoreCleanupDeletesOldHistory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 2 * 24 * time.Hour} {
		at := now.Add(-age)
		require.NoError(t, store.AppendHistory(ctx, []SyncedQuote{bcvQuote("36", at)}, at))
	}

	deleted, err := store.Cleanup(ctx, 30)
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	deleted, err = store.Cleanup(ctx, 30)
	require.NoError(t, err)
	require.Zero(t, deleted)

	_, err = store.Cleanup(ctx, 0)
	require.Error(t, err)
}

func TestStoreListHistoryDailyAndStats(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, now)

	points := []struct {
		at  time.Time
		buy string
	}{
		{now.Add(-3*24*time.Hour + time.Hour), "36.0"},
		{now.Add(-3*24*time.Hour + 2*time.Hour), "36.2"},
		{now.Add(-2 * 24 * time.Hour), "37.0"},
		{now.Add(-time.Hour), "39.6"},
	}
	for _, p := range points {
		require.NoError(t, store.AppendHistory(ctx, []SyncedQuote{bcvQuote(p.buy, p.at)}, p.at))
	}

	daily, err := store.ListHistory(ctx, HistoryFilter{
		ExchangeCode: "BCV",
		CurrencyPair: "USD/VES",
		From:         now.Add(-7 * 24 * time.Hour),
		Interval:     IntervalDaily,
	})
	require.NoError(t, err)
	require.Len(t, daily, 3)
	require.True(t, daily[0].BuyPrice.Equal(decimal.RequireFromString("36.2")))

	hourly, err := store.ListHistory(ctx, HistoryFilter{From: now.Add(-7 * 24 * time.Hour), Interval: IntervalHourly})
	require.NoError(t, err)
	require.Len(t, hourly, 4)

	stats, err := store.Stats(ctx, "BCV", "USD/VES", 7)
	require.NoError(t, err)
	require.EqualValues(t, 4, stats.Records)
	require.True(t, stats.Min.Equal(decimal.RequireFromString("36")))
	require.True(t, stats.Max.Equal(decimal.RequireFromString("39.6")))
	require.True(t, stats.Change.Equal(decimal.RequireFromString("3.6")))
	require.True(t, stats.ChangePercent.Equal(decimal.RequireFromString("10")))

	empty, err := store.Stats(ctx, "BCV", "EUR/VES", 7)
	require.NoError(t, err)
	require.Zero(t, empty.Records)
	require.True(t, empty.ChangePercent.IsZero())
}

func TestStoreSeedExchanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Now())

	created, err := store.SeedExchanges(ctx)
	require.NoError(t, err)
	require.EqualValues(t, len(KnownExchanges), created)

	created, err = store.SeedExchanges(ctx)
	require.NoError(t, err)
	require.Zero(t, created)

	exchanges, err := store.ListExchanges(ctx)
	require.NoError(t, err)
	require.Len(t, exchanges, 3)
	require.Equal(t, "BCV", exchanges[0].Code)
	require.Equal(t, ExchangeTypeCrypto, exchanges[1].Type)
}

func TestStoreAdvisoryLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, time.Now())

	unlock, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.False(t, ok)

	unlock()
	unlock2, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.True(t, ok)
	unlock2()
}
