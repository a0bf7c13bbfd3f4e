package api

import (
	"time"

	"ves-rates/internal/service"
	"ves-rates/internal/storage"
)

type rateDTO struct {
	ID           int64     `json:"id"`
	ExchangeCode string    `json:"exchange_code"`
	CurrencyPair string    `json:"currency_pair"`
	BuyPrice     number    `json:"buy_price"`
	SellPrice    *number   `json:"sell_price"`
	Spread       *number   `json:"spread"`
	Variation24h number    `json:"variation_24h"`
	Volume24h    *number   `json:"volume_24h"`
	AvgPrice     number    `json:"avg_price"`
	Source       string    `json:"source"`
	LastUpdated  time.Time `json:"last_updated"`
}

func toRateDTOs(rates []storage.Rate) []rateDTO {
	out := make([]rateDTO, 0, len(rates))
	for _, r := range rates {
		out = append(out, rateDTO{
			ID:           r.ID,
			ExchangeCode: r.ExchangeCode,
			CurrencyPair: r.CurrencyPair,
			BuyPrice:     num(r.BuyPrice),
			SellPrice:    nullNum(r.SellPrice),
			Spread:       nullNum(r.Spread),
			Variation24h: num(r.Variation24h),
			Volume24h:    nullNum(r.Volume24h),
			AvgPrice:     num(r.AvgPrice()),
			Source:       r.Source,
			LastUpdated:  r.LastUpdated.UTC(),
		})
	}
	return out
}

type historyDTO struct {
	ID           int64     `json:"id"`
	ExchangeCode string    `json:"exchange_code"`
	CurrencyPair string    `json:"currency_pair"`
	BuyPrice     number    `json:"buy_price"`
	SellPrice    *number   `json:"sell_price"`
	Source       string    `json:"source"`
	RecordedAt   time.Time `json:"recorded_at"`
}

func toHistoryDTOs(records []storage.HistoryRecord) []historyDTO {
	out := make([]historyDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, historyDTO{
			ID:           rec.ID,
			ExchangeCode: rec.ExchangeCode,
			CurrencyPair: rec.CurrencyPair,
			BuyPrice:     num(rec.BuyPrice),
			SellPrice:    nullNum(rec.SellPrice),
			Source:       rec.Source,
			RecordedAt:   rec.RecordedAt.UTC(),
		})
	}
	return out
}

type statsDTO struct {
	ExchangeCode  string `json:"exchange_code"`
	CurrencyPair  string `json:"currency_pair"`
	Days          int    `json:"days"`
	Min           number `json:"min"`
	Max           number `json:"max"`
	Avg           number `json:"avg"`
	Change        number `json:"change"`
	ChangePercent number `json:"changePercent"`
	Records       int64  `json:"records"`
}

func toStatsDTO(s storage.Stats) statsDTO {
	return statsDTO{
		ExchangeCode:  s.ExchangeCode,
		CurrencyPair:  s.CurrencyPair,
		Days:          s.Days,
		Min:           num(s.Min),
		Max:           num(s.Max),
		Avg:           num(s.Avg),
		Change:        num(s.Change),
		ChangePercent: num(s.ChangePercent),
		Records:       s.Records,
	}
}

type exchangeDTO struct {
	Code                  string `json:"code"`
	Name                  string `json:"name"`
	Type                  string `json:"type"`
	Description           string `json:"description,omitempty"`
	Website               string `json:"website,omitempty"`
	IsActive              bool   `json:"is_active"`
	UpdateIntervalSeconds int    `json:"update_interval_seconds"`
}

func toExchangeDTOs(exchanges []storage.Exchange) []exchangeDTO {
	out := make([]exchangeDTO, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, exchangeDTO{
			Code:                  ex.Code,
			Name:                  ex.Name,
			Type:                  string(ex.Type),
			Description:           ex.Description,
			Website:               ex.Website,
			IsActive:              ex.IsActive,
			UpdateIntervalSeconds: ex.UpdateIntervalSeconds,
		})
	}
	return out
}

type adapterFailureDTO struct {
	Adapter string `json:"adapter"`
	Error   string `json:"error"`
}

type syncDTO struct {
	CycleID    string              `json:"cycle_id"`
	SyncedAt   time.Time           `json:"synced_at"`
	Quotes     int                 `json:"quotes"`
	Persisted  int                 `json:"persisted"`
	Failures   []adapterFailureDTO `json:"failures"`
	DurationMS int64               `json:"duration_ms"`
}

func toSyncDTO(r service.SyncResult) syncDTO {
	failures := make([]adapterFailureDTO, 0, len(r.Failures))
	for _, f := range r.Failures {
		failures = append(failures, adapterFailureDTO{Adapter: f.Adapter, Error: f.Err.Error()})
	}
	return syncDTO{
		CycleID:    r.CycleID,
		SyncedAt:   r.SyncedAt,
		Quotes:     r.Quotes,
		Persisted:  r.Persisted,
		Failures:   failures,
		DurationMS: r.Duration.Milliseconds(),
	}
}
