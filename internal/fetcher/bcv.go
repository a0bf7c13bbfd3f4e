package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const defaultBCVURL = "https://www.bcv.org.ve/"

// BCVOptions parameterise the central bank scraper.
type BCVOptions struct {
	URL                string
	Timeout            time.Duration
	UserAgent          string
	InsecureSkipVerify bool
	Retries            int
}

// BCV scrapes the official reference rates published by the Banco Central de Venezuela.
type BCV struct {
	url    string
	http   *httpClient
	logger zerolog.Logger
}

// NewBCV constructs the BCV adapter.
func NewBCV(opts BCVOptions, logger zerolog.Logger) *BCV {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = defaultBCVURL
	}

	return &BCV{
		url: url,
		http: newHTTPClient(HTTPOptions{
			Timeout:            opts.Timeout,
			UserAgent:          opts.UserAgent,
			InsecureSkipVerify: opts.InsecureSkipVerify,
			Retries:            opts.Retries,
		}),
		logger: logger.With().Str("component", "fetcher_bcv").Logger(),
	}
}

// Name implements Adapter.
func (b *BCV) Name() string { return ExchangeBCV }

// Fetch returns the USD and EUR reference rates. Both must be present.
func (b *BCV) Fetch(ctx context.Context) ([]Quote, error) {
	body, err := b.http.get(ctx, b.url)
	if err != nil {
		return nil, fmt.Errorf("bcv: fetch page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bcv: parse html: %w", err)
	}

	usd, err := referenceRate(doc, "#dolar")
	if err != nil {
		return nil, fmt.Errorf("bcv: %w", err)
	}
	eur, err := referenceRate(doc, "#euro")
	if err != nil {
		return nil, fmt.Errorf("bcv: %w", err)
	}

	quotes := []Quote{
		singleRateQuote(PairUSDVES, usd),
		singleRateQuote(PairEURVES, eur),
	}

	b.logger.Debug().Str("usd", usd.String()).Str("eur", eur.String()).Msg("bcv rates scraped")
	return quotes, nil
}

func referenceRate(doc *goquery.Document, selector string) (decimal.Decimal, error) {
	text := strings.TrimSpace(doc.Find(selector).First().Text())
	value, ok := extractDecimal(text)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", selector, ErrPriceNotFound)
	}
	return value, nil
}

// singleRateQuote models a source that publishes one reference rate: buy == sell.
func singleRateQuote(pair string, rate decimal.Decimal) Quote {
	return Quote{
		ExchangeCode: ExchangeBCV,
		CurrencyPair: pair,
		BuyPrice:     rate,
		SellPrice:    decimal.NewNullDecimal(rate),
		Source:       SourceBCVScrape,
	}
}

var _ Adapter = (*BCV)(nil)
