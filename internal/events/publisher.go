package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"

	"ves-rates/internal/config"
	"ves-rates/internal/storage"
)

// SyncedQuote is the wire form of one persisted quote.
type SyncedQuote struct {
	ExchangeCode string              `json:"exchange_code"`
	CurrencyPair string              `json:"currency_pair"`
	BuyPrice     decimal.Decimal     `json:"buy_price"`
	SellPrice    decimal.NullDecimal `json:"sell_price"`
	Spread       decimal.NullDecimal `json:"spread"`
	Volume24h    decimal.NullDecimal `json:"volume_24h"`
	Source       string              `json:"source"`
}

// RatesSynced is emitted after a cycle persisted its batch.
type RatesSynced struct {
	CycleID        string        `json:"cycle_id"`
	SyncedAt       time.Time     `json:"synced_at"`
	Quotes         []SyncedQuote `json:"quotes"`
	FailedAdapters []string      `json:"failed_adapters"`
}

// NewRatesSynced converts a persisted batch into an event.
func NewRatesSynced(cycleID string, syncedAt time.Time, batch []storage.SyncedQuote, failed []string) RatesSynced {
	quotes := make([]SyncedQuote, 0, len(batch))
	for _, q := range batch {
		quotes = append(quotes, SyncedQuote{
			ExchangeCode: q.ExchangeCode,
			CurrencyPair: q.CurrencyPair,
			BuyPrice:     q.BuyPrice,
			SellPrice:    q.SellPrice,
			Spread:       storage.Spread(q.BuyPrice, q.SellPrice),
			Volume24h:    q.Volume24h,
			Source:       q.Source,
		})
	}
	if failed == nil {
		failed = []string{}
	}
	return RatesSynced{
		CycleID:        cycleID,
		SyncedAt:       syncedAt.UTC(),
		Quotes:         quotes,
		FailedAdapters: failed,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes RatesSynced events to a single topic.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher builds a publisher for cfg.Topic.
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
	}
}

// PublishRatesSynced writes the event keyed by cycle id.
func (p *KafkaPublisher) PublishRatesSynced(ctx context.Context, event RatesSynced) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal rates synced: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.CycleID),
		Value: value,
		Time:  event.SyncedAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write rates synced: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
