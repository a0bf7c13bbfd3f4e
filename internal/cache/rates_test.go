package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ves-rates/internal/cache"
	"ves-rates/internal/config"
	"ves-rates/internal/storage"
)

type countingReader struct {
	storage.QuoteReader
	calls atomic.Int32
	delay time.Duration
	rates []storage.Rate
}

func (r *countingReader) ListCurrent(_ context.Context, _ storage.RateFilter) ([]storage.Rate, error) {
	r.calls.Add(1)
	time.Sleep(r.delay)
	return r.rates, nil
}

func setup(t *testing.T, reader *countingReader) (*cache.Rates, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.RedisConfig{TTL: time.Minute, Prefix: "test"}
	return cache.NewRates(reader, client, cfg, zerolog.Nop()), mr
}

func sampleRates() []storage.Rate {
	return []storage.Rate{{
		ID:           1,
		ExchangeCode: "ITALCAMBIOS",
		CurrencyPair: "USD/VES",
		BuyPrice:     decimal.RequireFromString("36.5"),
		SellPrice:    decimal.NewNullDecimal(decimal.RequireFromString("38.2")),
		Spread:       decimal.NewNullDecimal(decimal.RequireFromString("1.7")),
		Variation24h: decimal.RequireFromString("0.5"),
		Source:       "italcambios_scrape",
		LastUpdated:  time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}}
}

func TestListCurrentCachesResult(t *testing.T) {
	reader := &countingReader{rates: sampleRates()}
	rates, mr := setup(t, reader)
	ctx := context.Background()

	first, err := rates.ListCurrent(ctx, storage.RateFilter{})
	require.NoError(t, err)
	second, err := rates.ListCurrent(ctx, storage.RateFilter{})
	require.NoError(t, err)

	require.EqualValues(t, 1, reader.calls.Load())
	require.Len(t, second, 1)
	require.True(t, second[0].Spread.Decimal.Equal(first[0].Spread.Decimal))
	require.False(t, second[0].Volume24h.Valid)

	require.True(t, mr.Exists("test:rates:|"))
	require.Equal(t, time.Minute, mr.TTL("test:rates:|"))
}

func TestListCurrentKeysByFilter(t *testing.T) {
	reader := &countingReader{rates: sampleRates()}
	rates, _ := setup(t, reader)
	ctx := context.Background()

	_, err := rates.ListCurrent(ctx, storage.RateFilter{ExchangeCode: "BCV"})
	require.NoError(t, err)
	_, err = rates.ListCurrent(ctx, storage.RateFilter{ExchangeCode: "ITALCAMBIOS"})
	require.NoError(t, err)

	require.EqualValues(t, 2, reader.calls.Load())
}

func TestListCurrentCoalescesMisses(t *testing.T) {
	reader := &countingReader{rates: sampleRates(), delay: 50 * time.Millisecond}
	rates, _ := setup(t, reader)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rates.ListCurrent(ctx, storage.RateFilter{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, reader.calls.Load())
}

func TestInvalidateDropsEntries(t *testing.T) {
	reader := &countingReader{rates: sampleRates()}
	rates, mr := setup(t, reader)
	ctx := context.Background()

	_, err := rates.ListCurrent(ctx, storage.RateFilter{})
	require.NoError(t, err)
	_, err = rates.ListCurrent(ctx, storage.RateFilter{ExchangeCode: "BCV"})
	require.NoError(t, err)
	require.NoError(t, mr.Set("other:key", "keep"))

	require.NoError(t, rates.Invalidate(ctx))
	require.False(t, mr.Exists("test:rates:|"))
	require.True(t, mr.Exists("other:key"))

	_, err = rates.ListCurrent(ctx, storage.RateFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 3, reader.calls.Load())
}

func TestListCurrentFallsBackWhenRedisIsDown(t *testing.T) {
	reader := &countingReader{rates: sampleRates()}
	rates, mr := setup(t, reader)
	mr.Close()

	got, err := rates.ListCurrent(context.Background(), storage.RateFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
