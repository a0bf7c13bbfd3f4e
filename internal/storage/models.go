package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// SyncedQuote is one normalized quote stamped with its cycle timestamp.
type SyncedQuote struct {
	ExchangeCode string
	CurrencyPair string
	BuyPrice     decimal.Decimal
	SellPrice    decimal.NullDecimal
	Volume24h    decimal.NullDecimal
	Source       string
	SyncedAt     time.Time
}

// Rate is the current row for a market.
type Rate struct {
	ID           int64
	ExchangeCode string
	CurrencyPair string
	BuyPrice     decimal.Decimal
	SellPrice    decimal.NullDecimal
	Spread       decimal.NullDecimal
	Variation24h decimal.Decimal
	Volume24h    decimal.NullDecimal
	Source       string
	LastUpdated  time.Time
}

// AvgPrice is the buy/sell midpoint, or the buy price for single-rate markets.
func (r Rate) AvgPrice() decimal.Decimal {
	if r.SellPrice.Valid && !r.SellPrice.Decimal.IsZero() {
		return r.BuyPrice.Add(r.SellPrice.Decimal).Div(decimal.NewFromInt(2))
	}
	return r.BuyPrice
}

// HistoryRecord is one immutable observation of a market.
type HistoryRecord struct {
	ID           int64
	ExchangeCode string
	CurrencyPair string
	BuyPrice     decimal.Decimal
	SellPrice    decimal.NullDecimal
	Source       string
	RecordedAt   time.Time
}

// ExchangeType classifies a registry entry.
type ExchangeType string

const (
	ExchangeTypeFiat   ExchangeType = "fiat"
	ExchangeTypeCrypto ExchangeType = "crypto"
)

// Exchange is registry metadata for a known source.
type Exchange struct {
	ID                    int64
	Code                  string
	Name                  string
	Type                  ExchangeType
	Description           string
	Website               string
	IsActive              bool
	UpdateIntervalSeconds int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// RateFilter narrows ListCurrent. Empty fields match everything.
type RateFilter struct {
	ExchangeCode string
	CurrencyPair string
}

// Interval selects the granularity of ListHistory.
type Interval string

const (
	IntervalHourly Interval = "hourly"
	IntervalDaily  Interval = "daily"
)

// HistoryFilter narrows ListHistory to a market subset and a time window.
type HistoryFilter struct {
	ExchangeCode string
	CurrencyPair string
	From         time.Time
	To           time.Time
	Interval     Interval
}

// Stats summarises buy prices of one market over a window.
type Stats struct {
	ExchangeCode  string
	CurrencyPair  string
	Days          int
	Min           decimal.Decimal
	Max           decimal.Decimal
	Avg           decimal.Decimal
	Change        decimal.Decimal
	ChangePercent decimal.Decimal
	Records       int64
}
