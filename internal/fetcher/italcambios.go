package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultItalcambiosURL = "https://www.italcambio.com"
	italcambiosSelector   = "div.container-fluid.compra div.slide-track p.small"
)

var (
	compraPattern = regexp.MustCompile(`Compra:\s*(\d+[.,]\d+)`)
	ventaPattern  = regexp.MustCompile(`Venta:\s*(\d+[.,]\d+)`)

	errItalcambiosPrices = errors.New("Could not parse Italcambios prices") //nolint:staticcheck
)

// ItalcambiosOptions parameterise the exchange house scraper.
type ItalcambiosOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
	Retries   int
}

// Italcambios scrapes the buy/sell ticker from the Italcambios home page.
type Italcambios struct {
	url    string
	http   *httpClient
	logger zerolog.Logger
}

// NewItalcambios constructs the Italcambios adapter.
func NewItalcambios(opts ItalcambiosOptions, logger zerolog.Logger) *Italcambios {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = defaultItalcambiosURL
	}

	return &Italcambios{
		url: url,
		http: newHTTPClient(HTTPOptions{
			Timeout:   opts.Timeout,
			UserAgent: opts.UserAgent,
			Retries:   opts.Retries,
		}),
		logger: logger.With().Str("component", "fetcher_italcambios").Logger(),
	}
}

// Name implements Adapter.
func (i *Italcambios) Name() string { return ExchangeItalcambios }

// Fetch returns a single USD/VES quote with distinct buy and sell prices.
func (i *Italcambios) Fetch(ctx context.Context) ([]Quote, error) {
	body, err := i.http.get(ctx, i.url)
	if err != nil {
		return nil, fmt.Errorf("italcambios: fetch page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("italcambios: parse html: %w", err)
	}

	buy, sell, err := parseCompraVenta(doc.Find(italcambiosSelector).Text())
	if err != nil {
		return nil, fmt.Errorf("italcambios: %w", err)
	}

	i.logger.Debug().Str("buy", buy.String()).Str("sell", sell.String()).Msg("italcambios rates scraped")

	return []Quote{{
		ExchangeCode: ExchangeItalcambios,
		CurrencyPair: PairUSDVES,
		BuyPrice:     buy,
		SellPrice:    decimal.NewNullDecimal(sell),
		Source:       SourceItalcambiosScrape,
	}}, nil
}

func parseCompraVenta(text string) (decimal.Decimal, decimal.Decimal, error) {
	compra := compraPattern.FindStringSubmatch(text)
	venta := ventaPattern.FindStringSubmatch(text)
	if compra == nil || venta == nil {
		return decimal.Decimal{}, decimal.Decimal{}, errItalcambiosPrices
	}

	buy, err := ParseLocaleDecimal(compra[1])
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	sell, err := ParseLocaleDecimal(venta[1])
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	return buy, sell, nil
}

var _ Adapter = (*Italcambios)(nil)
