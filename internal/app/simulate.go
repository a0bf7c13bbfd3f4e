package app

import (
	"context"
	"errors"
	"time"

	"ves-rates/internal/fetcher"
	"ves-rates/internal/service"
	"ves-rates/internal/storage"
)

// SimulateAlert 通过一次所有数据源都失败的同步周期触发告警流程。
func (a *App) SimulateAlert(ctx context.Context) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	adapters := a.newAdapters()
	failing := make([]fetcher.Adapter, 0, len(adapters))
	for _, adapter := range adapters {
		failing = append(failing, failingAdapter{name: adapter.Name()})
	}
	if len(failing) == 0 {
		failing = append(failing, failingAdapter{name: "simulated"})
	}

	orch := service.New(failing, discardWriter{}, service.Options{
		AdapterTimeout: time.Second,
		Notifier:       notifier,
	}, a.Logger)

	result, err := orch.Sync(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("cycle_id", result.CycleID).Int("failures", len(result.Failures)).Msg("simulated alert dispatched")
	return nil
}

type failingAdapter struct {
	name string
}

func (f failingAdapter) Name() string { return f.name }

func (f failingAdapter) Fetch(context.Context) ([]fetcher.Quote, error) {
	return nil, errSimulatedOutage
}

var errSimulatedOutage = errors.New("simulated outage")

// discardWriter accepts nothing; the simulated cycle never reaches persistence.
type discardWriter struct{}

func (discardWriter) Upsert(context.Context, []storage.SyncedQuote) (int, error) { return 0, nil }

func (discardWriter) AppendHistory(context.Context, []storage.SyncedQuote, time.Time) error {
	return nil
}

func (discardWriter) RecomputeVariations(context.Context) (int, error) { return 0, nil }

func (discardWriter) Cleanup(context.Context, int) (int64, error) { return 0, nil }

var _ storage.QuoteWriter = discardWriter{}
