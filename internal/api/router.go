package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ves-rates/internal/config"
)

// NewRouter mounts the read API, the manual sync trigger, health and
// metrics endpoints.
func NewRouter(s *Server, cfg config.APIConfig, metricsPath string) http.Handler {
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 10
	}
	window := cfg.ThrottleWindow
	if window <= 0 {
		window = time.Minute
	}
	historyThrottle := newThrottle(limit, window)
	if trusted, err := parseTrustedProxies(cfg.TrustedProxies); err != nil {
		s.logger.Warn().Err(err).Msg("ignoring api.trusted_proxies")
	} else if len(trusted) > 0 {
		historyThrottle.key = proxyResolver{trusted: trusted}.clientIP
	}

	r := chi.NewRouter()
	r.Use(requestID())
	r.Use(recoverer(s.logger))
	r.Use(accessLog(s.logger))
	r.Use(cors())
	r.Use(middleware.Compress(5, "application/json"))

	r.NotFound(s.notFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeNotFound, "method not allowed")
	})

	r.Get("/health", s.health)
	if s.deps.Metrics != nil && metricsPath != "" {
		r.Method(http.MethodGet, metricsPath, s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/rates", s.listRates)
		for path, code := range exchangeRoutes {
			r.Get("/rates/"+path, s.exchangeRates(code))
		}

		r.Group(func(r chi.Router) {
			r.Use(historyThrottle.middleware)
			r.Get("/rates/history", s.history)
			r.Get("/rates/history/{exchangeCode}", s.historyByExchange)
			r.Get("/rates/history/{exchangeCode}/{currencyPair}/stats", s.historyStats)
		})

		if s.deps.Exchanges != nil {
			r.Get("/exchanges", s.listExchanges)
		}
		if s.deps.Syncer != nil {
			r.Post("/sync", s.triggerSync)
		}
	})

	return r
}

