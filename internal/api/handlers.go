package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"ves-rates/internal/fetcher"
	"ves-rates/internal/service"
	"ves-rates/internal/storage"
)

const (
	maxHistoryDays      = 30
	defaultHistoryDays  = 7
	defaultExchangeDays = 30
	defaultStatsDays    = 30
	syncTimeout         = 2 * time.Minute
	healthCheckTimeout  = 3 * time.Second
)

var errValidation = errors.New("validation failed")

// ExchangeLister reads the exchanges registry.
type ExchangeLister interface {
	ListExchanges(ctx context.Context) ([]storage.Exchange, error)
}

// Syncer triggers a sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (service.SyncResult, error)
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP handlers. Nil Syncer or
// Metrics disable the matching routes.
type Deps struct {
	Rates     storage.QuoteReader
	Exchanges ExchangeLister
	Syncer    Syncer
	Health    Pinger
	Metrics   http.Handler
}

// Server implements the read API handlers.
type Server struct {
	deps   Deps
	now    func() time.Time
	logger zerolog.Logger
}

// NewServer wires the handlers.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		deps:   deps,
		now:    time.Now,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

func (s *Server) listRates(w http.ResponseWriter, r *http.Request) {
	filter := storage.RateFilter{
		ExchangeCode: strings.TrimSpace(r.URL.Query().Get("exchange_code")),
		CurrencyPair: strings.TrimSpace(r.URL.Query().Get("currency_pair")),
	}
	s.writeRates(w, r, filter)
}

func (s *Server) exchangeRates(exchangeCode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeRates(w, r, storage.RateFilter{ExchangeCode: exchangeCode})
	}
}

func (s *Server) writeRates(w http.ResponseWriter, r *http.Request, filter storage.RateFilter) {
	rates, err := s.deps.Rates.ListCurrent(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list current rates", err)
		return
	}
	writeSuccess(w, http.StatusOK, toRateDTOs(rates), "")
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := parseDays(q.Get("days"), defaultHistoryDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	interval, err := parseInterval(q.Get("interval"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	s.writeHistory(w, r, storage.HistoryFilter{
		ExchangeCode: strings.TrimSpace(q.Get("exchange_code")),
		CurrencyPair: strings.TrimSpace(q.Get("currency_pair")),
		Interval:     interval,
	}, days)
}

func (s *Server) historyByExchange(w http.ResponseWriter, r *http.Request) {
	days, err := parseDays(r.URL.Query().Get("days"), defaultExchangeDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	s.writeHistory(w, r, storage.HistoryFilter{
		ExchangeCode: strings.ToUpper(chi.URLParam(r, "exchangeCode")),
		Interval:     storage.IntervalDaily,
	}, days)
}

func (s *Server) writeHistory(w http.ResponseWriter, r *http.Request, filter storage.HistoryFilter, days int) {
	now := s.now().UTC()
	filter.From = now.Add(-time.Duration(days) * 24 * time.Hour)
	filter.To = now

	records, err := s.deps.Rates.ListHistory(r.Context(), filter)
	if err != nil {
		s.internalError(w, r, "list history", err)
		return
	}
	writeSuccess(w, http.StatusOK, toHistoryDTOs(records), "")
}

func (s *Server) historyStats(w http.ResponseWriter, r *http.Request) {
	days, err := parseDays(r.URL.Query().Get("days"), defaultStatsDays)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}
	exchangeCode := strings.ToUpper(chi.URLParam(r, "exchangeCode"))
	pair := normalizePair(chi.URLParam(r, "currencyPair"))

	stats, err := s.deps.Rates.Stats(r.Context(), exchangeCode, pair, days)
	if err != nil {
		s.internalError(w, r, "history stats", err)
		return
	}
	writeSuccess(w, http.StatusOK, toStatsDTO(stats), "")
}

func (s *Server) listExchanges(w http.ResponseWriter, r *http.Request) {
	exchanges, err := s.deps.Exchanges.ListExchanges(r.Context())
	if err != nil {
		s.internalError(w, r, "list exchanges", err)
		return
	}
	writeSuccess(w, http.StatusOK, toExchangeDTOs(exchanges), "")
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	// the cycle outlives a disconnecting client
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), syncTimeout)
	defer cancel()

	result, err := s.deps.Syncer.Sync(ctx)
	if err != nil {
		s.internalError(w, r, "manual sync", err)
		return
	}
	if result.Skipped {
		writeError(w, http.StatusConflict, CodeSyncInProgress, "a sync cycle is already running")
		return
	}
	writeSuccess(w, http.StatusAccepted, toSyncDTO(result), "sync completed")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "database is down")
			return
		}
	}
	data := map[string]interface{}{"database": "up"}
	if rs, ok := s.deps.Syncer.(interface{ Running() bool }); ok {
		data["sync_running"] = rs.Running()
	}
	writeSuccess(w, http.StatusOK, data, "")
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("route %s %s not found", r.Method, r.URL.Path))
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error().Err(err).
		Str("op", op).
		Str("request_id", requestIDFrom(r.Context())).
		Msg("request failed")
	writeError(w, http.StatusInternalServerError, CodeInternal, op+" failed")
}

func parseDays(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: days must be an integer", errValidation)
	}
	if days < 1 || days > maxHistoryDays {
		return 0, fmt.Errorf("%w: days must be between 1 and %d", errValidation, maxHistoryDays)
	}
	return days, nil
}

func parseInterval(raw string) (storage.Interval, error) {
	switch storage.Interval(strings.ToLower(raw)) {
	case "", storage.IntervalDaily:
		return storage.IntervalDaily, nil
	case storage.IntervalHourly:
		return storage.IntervalHourly, nil
	default:
		return "", fmt.Errorf("%w: interval must be hourly or daily", errValidation)
	}
}

// normalizePair turns the path form USD-VES into USD/VES.
func normalizePair(raw string) string {
	return strings.ToUpper(strings.Replace(raw, "-", "/", 1))
}

var exchangeRoutes = map[string]string{
	"bcv":         fetcher.ExchangeBCV,
	"binance":     fetcher.ExchangeBinanceP2P,
	"italcambios": fetcher.ExchangeItalcambios,
}
