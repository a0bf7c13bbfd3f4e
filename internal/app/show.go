package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"ves-rates/internal/fetcher"
	"ves-rates/internal/service"
	"ves-rates/internal/storage"
)

// Show prints the current rate of every market.
func (a *App) Show(ctx context.Context, filter storage.RateFilter) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rates, err := store.ListCurrent(ctx, filter)
	if err != nil {
		return err
	}
	printRates(os.Stdout, rates)
	return nil
}

// History prints history rows for the requested window.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	records, err := store.ListHistory(ctx, storage.HistoryFilter{
		ExchangeCode: strings.ToUpper(opts.ExchangeCode),
		CurrencyPair: strings.ToUpper(opts.CurrencyPair),
		From:         to.Add(-time.Duration(opts.Days) * 24 * time.Hour),
		To:           to,
		Interval:     opts.Interval,
	})
	if err != nil {
		return err
	}
	printHistory(os.Stdout, records)
	return nil
}

// Stats prints the buy price summary of one market.
func (a *App) Stats(ctx context.Context, exchangeCode, currencyPair string, days int) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.Stats(ctx, strings.ToUpper(exchangeCode), strings.ToUpper(currencyPair), days)
	if err != nil {
		return err
	}
	printStats(os.Stdout, stats)
	return nil
}

// Sync runs a single cycle. With DryRun the adapters are queried and the
// quotes printed without touching the database.
func (a *App) Sync(ctx context.Context, opts SyncOptions) error {
	if opts.DryRun {
		return a.dryRun(ctx, a.newAdapters(), os.Stdout)
	}

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.orch.Sync(ctx)
	if err != nil {
		return err
	}
	printSyncResult(os.Stdout, result)
	return nil
}

func (a *App) dryRun(ctx context.Context, adapters []fetcher.Adapter, w io.Writer) error {
	if len(adapters) == 0 {
		return errors.New("no rate sources enabled")
	}
	orch := service.New(adapters, nil, service.Options{
		AdapterTimeout: a.Config.Scheduler.AdapterTimeout,
	}, a.Logger)

	batch, failures := orch.Preview(ctx)
	printQuotes(w, batch)
	for _, f := range failures {
		fmt.Fprintf(w, "%s failed: %s\n", f.Adapter, sanitizeInline(f.Err.Error()))
	}
	return nil
}

func printRates(w io.Writer, rates []storage.Rate) {
	if len(rates) == 0 {
		fmt.Fprintln(w, "no rates found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Exchange\tPair\tBuy\tSell\tSpread\tVar24h%\tAvg\tUpdated (UTC)")
	for _, r := range rates {
		fmt.Fprintf(
			tw,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ExchangeCode,
			r.CurrencyPair,
			formatDecimal(r.BuyPrice, 4),
			formatNullDecimal(r.SellPrice, 4),
			formatNullDecimal(r.Spread, 4),
			formatDecimal(r.Variation24h, 2),
			formatDecimal(r.AvgPrice(), 4),
			r.LastUpdated.UTC().Format(time.RFC3339),
		)
	}
	tw.Flush()
}

func printHistory(w io.Writer, records []storage.HistoryRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no history found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Recorded (UTC)\tExchange\tPair\tBuy\tSell\tSource")
	for _, rec := range records {
		fmt.Fprintf(
			tw,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.RecordedAt.UTC().Format(time.RFC3339),
			rec.ExchangeCode,
			rec.CurrencyPair,
			formatDecimal(rec.BuyPrice, 4),
			formatNullDecimal(rec.SellPrice, 4),
			rec.Source,
		)
	}
	tw.Flush()
}

func printStats(w io.Writer, s storage.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Market\t%s %s\n", s.ExchangeCode, s.CurrencyPair)
	fmt.Fprintf(tw, "Window\t%d days (%d records)\n", s.Days, s.Records)
	fmt.Fprintf(tw, "Min\t%s\n", formatDecimal(s.Min, 4))
	fmt.Fprintf(tw, "Max\t%s\n", formatDecimal(s.Max, 4))
	fmt.Fprintf(tw, "Avg\t%s\n", formatDecimal(s.Avg, 4))
	fmt.Fprintf(tw, "Change\t%s (%s%%)\n", formatDecimal(s.Change, 4), formatDecimal(s.ChangePercent, 2))
	tw.Flush()
}

func printSyncResult(w io.Writer, r service.SyncResult) {
	if r.Skipped {
		fmt.Fprintln(w, "sync skipped: another cycle is running")
		return
	}
	fmt.Fprintf(w, "cycle %s at %s: %d quotes, %d persisted in %s\n",
		r.CycleID, r.SyncedAt.UTC().Format(time.RFC3339), r.Quotes, r.Persisted, r.Duration.Round(time.Millisecond))
	for _, f := range r.Failures {
		fmt.Fprintf(w, "  %s failed: %s\n", f.Adapter, sanitizeInline(f.Err.Error()))
	}
}

func printQuotes(w io.Writer, quotes []storage.SyncedQuote) {
	if len(quotes) == 0 {
		fmt.Fprintln(w, "no quotes fetched")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Exchange\tPair\tBuy\tSell\tSource")
	for _, q := range quotes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			q.ExchangeCode,
			q.CurrencyPair,
			formatDecimal(q.BuyPrice, 4),
			formatNullDecimal(q.SellPrice, 4),
			q.Source,
		)
	}
	tw.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatNullDecimal(d decimal.NullDecimal, places int32) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(places)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
