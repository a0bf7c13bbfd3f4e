package fetcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Exchange codes as stored in the exchanges registry.
const (
	ExchangeBCV         = "BCV"
	ExchangeBinanceP2P  = "BINANCE_P2P"
	ExchangeItalcambios = "ITALCAMBIOS"
)

// Currency pairs emitted by the adapters.
const (
	PairUSDVES  = "USD/VES"
	PairEURVES  = "EUR/VES"
	PairUSDTVES = "USDT/VES"
)

// Provenance tags written to the source column.
const (
	SourceBCVScrape         = "bcv_scrape"
	SourceBinanceP2PAPI     = "binance_p2p_api"
	SourceItalcambiosScrape = "italcambios_scrape"
)

var (
	// ErrPriceNotFound indicates an expected price field was absent from the document.
	ErrPriceNotFound = errors.New("price not found")
	// ErrNoAdverts indicates the P2P marketplace returned no listings.
	ErrNoAdverts = errors.New("no p2p adverts found")
)

var decimalPattern = regexp.MustCompile(`\d+[.,]\d+`)

// Quote is a normalized observation produced by an Adapter. It carries no
// timestamp; the orchestrator stamps the whole batch.
type Quote struct {
	ExchangeCode string
	CurrencyPair string
	BuyPrice     decimal.Decimal
	SellPrice    decimal.NullDecimal
	Volume24h    decimal.NullDecimal
	Source       string
}

// Adapter fetches and normalizes quotes from one external source.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context) ([]Quote, error)
}

// ParseLocaleDecimal parses numbers published with either a comma or a dot
// as decimal separator.
func ParseLocaleDecimal(raw string) (decimal.Decimal, error) {
	normalized := strings.Replace(strings.TrimSpace(raw), ",", ".", 1)
	value, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse decimal %q: %w", raw, err)
	}
	return value, nil
}

// extractDecimal returns the first decimal-looking token in text.
func extractDecimal(text string) (decimal.Decimal, bool) {
	match := decimalPattern.FindString(text)
	if match == "" {
		return decimal.Decimal{}, false
	}
	value, err := ParseLocaleDecimal(match)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return value, true
}
