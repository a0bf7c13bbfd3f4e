package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"ves-rates/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders one market's history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.ExchangeCode == "" || opts.CurrencyPair == "" {
		return errors.New("--exchange and --pair are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListHistory(ctx, storage.HistoryFilter{
		ExchangeCode: strings.ToUpper(opts.ExchangeCode),
		CurrencyPair: strings.ToUpper(opts.CurrencyPair),
		From:         from,
		To:           to,
		Interval:     storage.IntervalHourly,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no history found for export window")
		return nil
	}

	downsampled := downsampleHistory(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleHistory(records []storage.HistoryRecord, max int) []storage.HistoryRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.HistoryRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeHistoryCSV(path string, records []storage.HistoryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"recorded_at", "exchange_code", "currency_pair", "buy_price", "sell_price", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		sell := ""
		if rec.SellPrice.Valid {
			sell = rec.SellPrice.Decimal.String()
		}
		record := []string{
			rec.RecordedAt.UTC().Format(time.RFC3339),
			rec.ExchangeCode,
			rec.CurrencyPair,
			rec.BuyPrice.String(),
			sell,
			rec.Source,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeHistoryPNG(path string, records []storage.HistoryRecord) error {
	if len(records) < 2 {
		return errors.New("at least two history points are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(records))
	buy := make([]float64, 0, len(records))
	var sellX []time.Time
	var sell []float64
	low, high := math.Inf(1), math.Inf(-1)

	for _, rec := range records {
		x = append(x, rec.RecordedAt)
		b := rec.BuyPrice.InexactFloat64()
		buy = append(buy, b)
		low, high = math.Min(low, b), math.Max(high, b)
		if rec.SellPrice.Valid {
			v := rec.SellPrice.Decimal.InexactFloat64()
			sellX = append(sellX, rec.RecordedAt)
			sell = append(sell, v)
			low, high = math.Min(low, v), math.Max(high, v)
		}
	}
	// go-chart rejects a zero-height axis, which a flat BCV rate produces
	pad := (high - low) * 0.05
	if pad == 0 {
		pad = math.Max(math.Abs(high)*0.01, 1)
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Buy",
			XValues: x,
			YValues: buy,
		},
	}
	// go-chart needs at least two points per series
	if len(sell) > 1 {
		series = append(series, chart.TimeSeries{
			Name:    "Sell",
			XValues: sellX,
			YValues: sell,
		})
	}

	first := records[0]
	graph := chart.Chart{
		Title:  first.ExchangeCode + " " + first.CurrencyPair,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "VES",
			ValueFormatter: rateFormatter,
			Range:          &chart.ContinuousRange{Min: low - pad, Max: high + pad},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
