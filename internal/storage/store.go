package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertRateSQL = `INSERT INTO rates (
        exchange_code,
        currency_pair,
        buy_price,
        sell_price,
        spread,
        volume_24h,
        source,
        last_updated
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (exchange_code, currency_pair) DO UPDATE
    SET
        buy_price    = EXCLUDED.buy_price,
        sell_price   = EXCLUDED.sell_price,
        spread       = EXCLUDED.spread,
        volume_24h   = EXCLUDED.volume_24h,
        source       = EXCLUDED.source,
        last_updated = EXCLUDED.last_updated;`

	insertHistorySQL = `INSERT INTO rate_history (
        exchange_code,
        currency_pair,
        buy_price,
        sell_price,
        source,
        recorded_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listMarketsSQL = `SELECT
        exchange_code,
        currency_pair,
        buy_price::text
    FROM rates
    ORDER BY exchange_code, currency_pair;`

	latestHistoryBeforeSQL = `SELECT buy_price::text
    FROM rate_history
    WHERE exchange_code = $1
      AND currency_pair = $2
      AND recorded_at < $3
    ORDER BY recorded_at DESC, id DESC
    LIMIT 1;`

	updateVariationSQL = `UPDATE rates
    SET variation_24h = $3
    WHERE exchange_code = $1
      AND currency_pair = $2;`

	deleteHistoryBeforeSQL = `DELETE FROM rate_history WHERE recorded_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// QuoteWriter is the write side used by a sync cycle.
type QuoteWriter interface {
	Upsert(ctx context.Context, batch []SyncedQuote) (int, error)
	AppendHistory(ctx context.Context, batch []SyncedQuote, recordedAt time.Time) error
	RecomputeVariations(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// QuoteReader exposes the read projections.
type QuoteReader interface {
	ListCurrent(ctx context.Context, filter RateFilter) ([]Rate, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error)
	Stats(ctx context.Context, exchangeCode, currencyPair string, days int) (Stats, error)
}

// ExchangeRegistry manages the static exchanges table.
type ExchangeRegistry interface {
	SeedExchanges(ctx context.Context) (int64, error)
	ListExchanges(ctx context.Context) ([]Exchange, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store owns the rates, rate_history and exchanges tables.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// unlock best effort
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Upsert writes the batch into rates inside one transaction, keyed by
// (exchange_code, currency_pair). Any row failure rolls back the whole batch.
func (s *Store) Upsert(ctx context.Context, batch []SyncedQuote) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, q := range batch {
			if _, execErr := tx.Exec(ctx, upsertRateSQL,
				q.ExchangeCode,
				q.CurrencyPair,
				q.BuyPrice.String(),
				nullableDecimal(q.SellPrice),
				nullableDecimal(Spread(q.BuyPrice, q.SellPrice)),
				nullableDecimal(q.Volume24h),
				q.Source,
				q.SyncedAt,
			); execErr != nil {
				return fmt.Errorf("%s %s: %w", q.ExchangeCode, q.CurrencyPair, execErr)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert rates: %w", err)
	}
	return len(batch), nil
}

// AppendHistory inserts one history row per batch item, all sharing recordedAt.
func (s *Store) AppendHistory(ctx context.Context, batch []SyncedQuote, recordedAt time.Time) error {
	if len(batch) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	queued := &pgx.Batch{}
	for _, q := range batch {
		queued.Queue(insertHistorySQL,
			q.ExchangeCode,
			q.CurrencyPair,
			q.BuyPrice.String(),
			nullableDecimal(q.SellPrice),
			q.Source,
			recordedAt,
		)
	}

	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, queued)
		for range batch {
			if _, execErr := results.Exec(); execErr != nil {
				_ = results.Close()
				return execErr
			}
		}
		return results.Close()
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

type market struct {
	exchangeCode string
	currencyPair string
	buyPrice     decimal.Decimal
}

// RecomputeVariations refreshes variation_24h for every current row against
// the latest observation strictly older than 24h. Markets without a usable
// base keep their previous value. Returns the number of rows updated.
func (s *Store) RecomputeVariations(ctx context.Context) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	markets, err := s.listMarkets(ctx, pool)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().UTC().Add(-24 * time.Hour)
	updated := 0
	for _, m := range markets {
		var baseStr string
		scanErr := pool.QueryRow(ctx, latestHistoryBeforeSQL, m.exchangeCode, m.currencyPair, cutoff).Scan(&baseStr)
		if errors.Is(scanErr, pgx.ErrNoRows) {
			continue
		}
		if scanErr != nil {
			return updated, fmt.Errorf("latest history for %s %s: %w", m.exchangeCode, m.currencyPair, scanErr)
		}

		base, convErr := decimal.NewFromString(baseStr)
		if convErr != nil {
			return updated, fmt.Errorf("parse history buy price: %w", convErr)
		}

		variation, ok := Variation(m.buyPrice, base)
		if !ok {
			continue
		}

		if _, execErr := pool.Exec(ctx, updateVariationSQL, m.exchangeCode, m.currencyPair, variation.String()); execErr != nil {
			return updated, fmt.Errorf("update variation for %s %s: %w", m.exchangeCode, m.currencyPair, execErr)
		}
		updated++
	}
	return updated, nil
}

func (s *Store) listMarkets(ctx context.Context, pool *pgxpool.Pool) ([]market, error) {
	rows, err := pool.Query(ctx, listMarketsSQL)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	markets := make([]market, 0)
	for rows.Next() {
		var m market
		var buyStr string
		if err := rows.Scan(&m.exchangeCode, &m.currencyPair, &buyStr); err != nil {
			return nil, err
		}
		buy, err := decimal.NewFromString(buyStr)
		if err != nil {
			return nil, fmt.Errorf("parse buy price: %w", err)
		}
		m.buyPrice = buy
		markets = append(markets, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return markets, nil
}

// Cleanup deletes history rows older than retentionDays and returns the count.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	cutoff := s.now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	tag, err := pool.Exec(ctx, deleteHistoryBeforeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup history: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullableDecimal(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(v sql.NullString) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

var (
	_ QuoteWriter      = (*Store)(nil)
	_ QuoteReader      = (*Store)(nil)
	_ ExchangeRegistry = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
