package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	listCurrentSQL = `SELECT
        id,
        exchange_code,
        currency_pair,
        buy_price::text,
        sell_price::text,
        spread::text,
        variation_24h::text,
        volume_24h::text,
        source,
        last_updated
    FROM rates
    WHERE ($1::text = '' OR exchange_code = $1)
      AND ($2::text = '' OR currency_pair = $2)
    ORDER BY last_updated DESC, exchange_code, currency_pair;`

	listHistorySQL = `SELECT
        id,
        exchange_code,
        currency_pair,
        buy_price::text,
        sell_price::text,
        COALESCE(source, ''),
        recorded_at
    FROM rate_history
    WHERE recorded_at >= $1
      AND recorded_at <= $2
      AND ($3::text = '' OR exchange_code = $3)
      AND ($4::text = '' OR currency_pair = $4)
    ORDER BY recorded_at ASC, id ASC;`

	statsAggregateSQL = `SELECT
        MIN(buy_price)::text,
        MAX(buy_price)::text,
        ROUND(AVG(buy_price), 8)::text,
        COUNT(*)
    FROM rate_history
    WHERE exchange_code = $1
      AND currency_pair = $2
      AND recorded_at >= $3;`

	statsEndpointsSQL = `SELECT
        (SELECT buy_price::text FROM rate_history
          WHERE exchange_code = $1 AND currency_pair = $2 AND recorded_at >= $3
          ORDER BY recorded_at ASC, id ASC LIMIT 1),
        (SELECT buy_price::text FROM rate_history
          WHERE exchange_code = $1 AND currency_pair = $2 AND recorded_at >= $3
          ORDER BY recorded_at DESC, id DESC LIMIT 1);`
)

// ListCurrent returns current rows matching filter, most recently updated first.
func (s *Store) ListCurrent(ctx context.Context, filter RateFilter) ([]Rate, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCurrentSQL, filter.ExchangeCode, filter.CurrencyPair)
	if queryErr != nil {
		return nil, fmt.Errorf("list current rates: %w", queryErr)
	}
	defer rows.Close()

	rates := make([]Rate, 0)
	for rows.Next() {
		rate, scanErr := scanRate(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		rates = append(rates, rate)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rates, nil
}

// ListHistory returns history rows in [From, To] ordered by recorded_at. With
// IntervalDaily only the latest record per market and day is kept.
func (s *Store) ListHistory(ctx context.Context, filter HistoryFilter) ([]HistoryRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	to := filter.To
	if to.IsZero() {
		to = s.now().UTC()
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, filter.From, to, filter.ExchangeCode, filter.CurrencyPair)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", queryErr)
	}
	defer rows.Close()

	records := make([]HistoryRecord, 0)
	for rows.Next() {
		rec, scanErr := scanHistoryRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if filter.Interval == IntervalDaily {
		return CollapseDaily(records), nil
	}
	return records, nil
}

// Stats summarises a market's buy price over [now-days, now].
func (s *Store) Stats(ctx context.Context, exchangeCode, currencyPair string, days int) (Stats, error) {
	pool, err := s.getPool()
	if err != nil {
		return Stats{}, err
	}
	if days <= 0 {
		return Stats{}, fmt.Errorf("days must be positive, got %d", days)
	}

	since := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	stats := Stats{ExchangeCode: exchangeCode, CurrencyPair: currencyPair, Days: days}

	var minStr, maxStr, avgStr sql.NullString
	if scanErr := pool.QueryRow(ctx, statsAggregateSQL, exchangeCode, currencyPair, since).
		Scan(&minStr, &maxStr, &avgStr, &stats.Records); scanErr != nil {
		return Stats{}, fmt.Errorf("stats aggregate: %w", scanErr)
	}
	if stats.Records == 0 {
		return stats, nil
	}

	if stats.Min, err = decimalOrZero(minStr); err != nil {
		return Stats{}, fmt.Errorf("parse min: %w", err)
	}
	if stats.Max, err = decimalOrZero(maxStr); err != nil {
		return Stats{}, fmt.Errorf("parse max: %w", err)
	}
	if stats.Avg, err = decimalOrZero(avgStr); err != nil {
		return Stats{}, fmt.Errorf("parse avg: %w", err)
	}

	var firstStr, lastStr sql.NullString
	if scanErr := pool.QueryRow(ctx, statsEndpointsSQL, exchangeCode, currencyPair, since).
		Scan(&firstStr, &lastStr); scanErr != nil {
		return Stats{}, fmt.Errorf("stats endpoints: %w", scanErr)
	}
	first, err := decimalOrZero(firstStr)
	if err != nil {
		return Stats{}, fmt.Errorf("parse first: %w", err)
	}
	last, err := decimalOrZero(lastStr)
	if err != nil {
		return Stats{}, fmt.Errorf("parse last: %w", err)
	}
	applyChange(&stats, first, last)

	return stats, nil
}

func decimalOrZero(v sql.NullString) (decimal.Decimal, error) {
	if !v.Valid {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v.String)
}

func scanRate(rows pgx.Rows) (Rate, error) {
	var (
		rate         Rate
		buyStr       string
		sellStr      sql.NullString
		spreadStr    sql.NullString
		variationStr string
		volumeStr    sql.NullString
	)

	if err := rows.Scan(
		&rate.ID,
		&rate.ExchangeCode,
		&rate.CurrencyPair,
		&buyStr,
		&sellStr,
		&spreadStr,
		&variationStr,
		&volumeStr,
		&rate.Source,
		&rate.LastUpdated,
	); err != nil {
		return Rate{}, err
	}

	var err error
	if rate.BuyPrice, err = decimal.NewFromString(buyStr); err != nil {
		return Rate{}, fmt.Errorf("parse buy price: %w", err)
	}
	if rate.SellPrice, err = parseNullDecimal(sellStr); err != nil {
		return Rate{}, fmt.Errorf("parse sell price: %w", err)
	}
	if rate.Spread, err = parseNullDecimal(spreadStr); err != nil {
		return Rate{}, fmt.Errorf("parse spread: %w", err)
	}
	if rate.Variation24h, err = decimal.NewFromString(variationStr); err != nil {
		return Rate{}, fmt.Errorf("parse variation: %w", err)
	}
	if rate.Volume24h, err = parseNullDecimal(volumeStr); err != nil {
		return Rate{}, fmt.Errorf("parse volume: %w", err)
	}
	return rate, nil
}

func scanHistoryRecord(rows pgx.Rows) (HistoryRecord, error) {
	var (
		rec     HistoryRecord
		buyStr  string
		sellStr sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.ExchangeCode,
		&rec.CurrencyPair,
		&buyStr,
		&sellStr,
		&rec.Source,
		&rec.RecordedAt,
	); err != nil {
		return HistoryRecord{}, err
	}

	var err error
	if rec.BuyPrice, err = decimal.NewFromString(buyStr); err != nil {
		return HistoryRecord{}, fmt.Errorf("parse buy price: %w", err)
	}
	if rec.SellPrice, err = parseNullDecimal(sellStr); err != nil {
		return HistoryRecord{}, fmt.Errorf("parse sell price: %w", err)
	}
	return rec, nil
}
