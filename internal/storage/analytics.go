package storage

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)

	// maxVariation is the widest value variation_24h NUMERIC(12, 2) holds.
	maxVariation = decimal.RequireFromString("9999999999.99")
)

// Spread derives sell - buy. It is absent when the market has no sell price.
func Spread(buy decimal.Decimal, sell decimal.NullDecimal) decimal.NullDecimal {
	if !sell.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(sell.Decimal.Sub(buy))
}

// Variation computes round2(100 * (current - historical) / historical).
// ok is false when the historical price cannot serve as a base. Results
// past the column range are clamped to +/-maxVariation.
func Variation(current, historical decimal.Decimal) (decimal.Decimal, bool) {
	if !historical.IsPositive() {
		return decimal.Decimal{}, false
	}
	v := current.Sub(historical).Mul(hundred).Div(historical).Round(2)
	switch {
	case v.GreaterThan(maxVariation):
		v = maxVariation
	case v.LessThan(maxVariation.Neg()):
		v = maxVariation.Neg()
	}
	return v, true
}

// CollapseDaily keeps the latest record per market and UTC calendar day and
// returns them ordered by recorded_at ascending.
func CollapseDaily(records []HistoryRecord) []HistoryRecord {
	type dayKey struct {
		exchange string
		pair     string
		day      string
	}

	latest := make(map[dayKey]HistoryRecord, len(records))
	for _, rec := range records {
		key := dayKey{
			exchange: rec.ExchangeCode,
			pair:     rec.CurrencyPair,
			day:      rec.RecordedAt.UTC().Format(time.DateOnly),
		}
		existing, ok := latest[key]
		if !ok || existing.RecordedAt.Before(rec.RecordedAt) {
			latest[key] = rec
		}
	}

	out := make([]HistoryRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			if out[i].ExchangeCode == out[j].ExchangeCode {
				return out[i].CurrencyPair < out[j].CurrencyPair
			}
			return out[i].ExchangeCode < out[j].ExchangeCode
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out
}

// applyChange fills Change and ChangePercent from the earliest and latest
// buy prices in the window.
func applyChange(stats *Stats, first, last decimal.Decimal) {
	change := last.Sub(first)
	stats.Change = change.Round(4)
	stats.ChangePercent = decimal.Zero
	if first.IsPositive() {
		stats.ChangePercent = change.Div(first).Mul(hundred).Round(2)
	}
}
