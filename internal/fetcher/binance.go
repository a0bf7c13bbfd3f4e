package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBinanceURL = "https://p2p.binance.com/bapi/c2c/v2/friendly/c2c/adv/search"
	binanceSuccess    = "000000"

	tradeTypeBuy  = "BUY"
	tradeTypeSell = "SELL"
)

// BinanceOptions parameterise the Binance P2P adapter.
type BinanceOptions struct {
	URL           string
	Timeout       time.Duration
	UserAgent     string
	Retries       int
	Fiat          string
	Asset         string
	Rows          int
	PublisherType string
	PayTypes      []string
}

// Binance queries the Binance P2P advert search for both trade directions.
type Binance struct {
	opts   BinanceOptions
	url    string
	http   *httpClient
	logger zerolog.Logger
}

// NewBinance constructs the Binance P2P adapter.
func NewBinance(opts BinanceOptions, logger zerolog.Logger) *Binance {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = defaultBinanceURL
	}
	if opts.Fiat == "" {
		opts.Fiat = "VES"
	}
	if opts.Asset == "" {
		opts.Asset = "USDT"
	}
	if opts.Rows <= 0 {
		opts.Rows = 10
	}
	if opts.PublisherType == "" {
		opts.PublisherType = "merchant"
	}
	if len(opts.PayTypes) == 0 {
		opts.PayTypes = []string{"PagoMovil"}
	}

	return &Binance{
		opts: opts,
		url:  url,
		http: newHTTPClient(HTTPOptions{
			Timeout:   opts.Timeout,
			UserAgent: opts.UserAgent,
			Retries:   opts.Retries,
		}),
		logger: logger.With().Str("component", "fetcher_binance").Logger(),
	}
}

// Name implements Adapter.
func (b *Binance) Name() string { return ExchangeBinanceP2P }

// Fetch issues the BUY and SELL searches concurrently and combines them
// into one quote. Either direction failing fails the call.
func (b *Binance) Fetch(ctx context.Context) ([]Quote, error) {
	var buy, sell decimal.Decimal

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		price, err := b.maxAdvertPrice(gctx, tradeTypeBuy)
		buy = price
		return err
	})
	g.Go(func() error {
		price, err := b.maxAdvertPrice(gctx, tradeTypeSell)
		sell = price
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("binance: %w", err)
	}

	b.logger.Debug().Str("buy", buy.String()).Str("sell", sell.String()).Msg("binance p2p prices fetched")

	return []Quote{{
		ExchangeCode: ExchangeBinanceP2P,
		CurrencyPair: b.opts.Asset + "/" + b.opts.Fiat,
		BuyPrice:     buy,
		SellPrice:    decimal.NewNullDecimal(sell),
		Source:       SourceBinanceP2PAPI,
	}}, nil
}

func (b *Binance) maxAdvertPrice(ctx context.Context, tradeType string) (decimal.Decimal, error) {
	req := advertSearchRequest{
		Fiat:          b.opts.Fiat,
		Asset:         b.opts.Asset,
		TradeType:     tradeType,
		Page:          1,
		Rows:          b.opts.Rows,
		PublisherType: b.opts.PublisherType,
		PayTypes:      b.opts.PayTypes,
	}

	var resp advertSearchResponse
	if err := b.http.postJSON(ctx, b.url, req, &resp); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s search: %w", tradeType, err)
	}
	if resp.Code != binanceSuccess || len(resp.Data) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%s search: %w", tradeType, ErrNoAdverts)
	}

	prices := make([]decimal.Decimal, 0, len(resp.Data))
	for _, ad := range resp.Data {
		price, err := decimal.NewFromString(ad.Adv.Price.String())
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%s search: parse price %q: %w", tradeType, ad.Adv.Price, err)
		}
		prices = append(prices, price)
	}

	return maxPrice(prices), nil
}

// maxPrice returns the highest advertised price. prices must be non-empty.
func maxPrice(prices []decimal.Decimal) decimal.Decimal {
	return decimal.Max(prices[0], prices[1:]...)
}

type advertSearchRequest struct {
	Fiat          string   `json:"fiat"`
	Asset         string   `json:"asset"`
	TradeType     string   `json:"tradeType"`
	Page          int      `json:"page"`
	Rows          int      `json:"rows"`
	PublisherType string   `json:"publisherType"`
	PayTypes      []string `json:"payTypes"`
}

type advertSearchResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    []struct {
		Adv struct {
			Price json.Number `json:"price"`
		} `json:"adv"`
	} `json:"data"`
}

var _ Adapter = (*Binance)(nil)
