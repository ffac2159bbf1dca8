// Package server provides the per-service HTTP surface: health, readiness,
// metrics, and the read-only operational endpoints (EOD status, positions
// as-of, analytic views, revaluation subscriptions). This is an internal
// operational edge, not the platform's public API gateway.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/meridian-am/fxhedge/internal/analytics"
	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/metrics"
	"github.com/meridian-am/fxhedge/internal/positions"
	"github.com/meridian-am/fxhedge/internal/reliability"
)

// Config holds server configuration.
type Config struct {
	Port       int
	ShardIndex int
	ShardTotal int
}

// Deps are the optional handler backends; nil entries skip their routes so
// each service mounts only what it owns.
type Deps struct {
	Health    *reliability.HealthService
	Metrics   *metrics.Metrics
	Analytics *analytics.Service
	Positions *positions.Store
	EodStatus *positions.EodStatusRepository
	PushHub   http.Handler
}

// Server is the HTTP server.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// New builds the router and server.
func New(cfg Config, deps Deps, log zerolog.Logger) *Server {
	log = log.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if deps.Health == nil {
			writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
			return
		}
		report := deps.Health.Check(req.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"shard_index": cfg.ShardIndex,
			"shard_total": cfg.ShardTotal,
		})
	})

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	if deps.EodStatus != nil {
		r.Get("/api/eod/{accountID}/{businessDate}", func(w http.ResponseWriter, req *http.Request) {
			accountID, err := strconv.ParseInt(chi.URLParam(req, "accountID"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid account id")
				return
			}
			st, err := deps.EodStatus.Get(accountID, chi.URLParam(req, "businessDate"))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if st == nil {
				writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.EodPending)})
				return
			}
			writeJSON(w, http.StatusOK, st)
		})
	}

	if deps.Positions != nil {
		r.Get("/api/positions/{accountID}", func(w http.ResponseWriter, req *http.Request) {
			accountID, err := strconv.ParseInt(chi.URLParam(req, "accountID"), 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid account id")
				return
			}
			businessDate := req.URL.Query().Get("asOf")
			var rows []domain.Position
			if businessDate == "" {
				rows, err = deps.Positions.GetActivePositions(accountID)
			} else {
				rows, err = deps.Positions.GetPositionsAsOf(accountID, businessDate)
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, rows)
		})
	}

	if deps.Analytics != nil {
		r.Route("/api/analytics", func(r chi.Router) {
			r.Get("/exposure/{accountID}", accountView(func(req *http.Request, id int64) (interface{}, error) {
				return deps.Analytics.CurrencyExposureView(id)
			}))
			r.Get("/hedge-coverage/{accountID}", accountView(func(req *http.Request, id int64) (interface{}, error) {
				return deps.Analytics.HedgeCoverageView(id)
			}))
			r.Get("/pnl/{accountID}", accountView(func(req *http.Request, id int64) (interface{}, error) {
				return deps.Analytics.PnlSummaryView(id)
			}))
			r.Get("/movers/{accountID}", accountView(func(req *http.Request, id int64) (interface{}, error) {
				topN, _ := strconv.Atoi(req.URL.Query().Get("top"))
				return deps.Analytics.ValuationMoversView(req.Context(), id, topN)
			}))
			r.Get("/maturities", func(w http.ResponseWriter, req *http.Request) {
				ladder, err := deps.Analytics.MaturityLadderView()
				if err != nil {
					writeError(w, http.StatusInternalServerError, err.Error())
					return
				}
				writeJSON(w, http.StatusOK, ladder)
			})
			r.Get("/rate-trend/{pair}", func(w http.ResponseWriter, req *http.Request) {
				period, _ := strconv.Atoi(req.URL.Query().Get("period"))
				trend, err := deps.Analytics.RateTrendView(chi.URLParam(req, "pair"), period)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err.Error())
					return
				}
				if trend == nil {
					writeError(w, http.StatusNotFound, "insufficient rate history")
					return
				}
				writeJSON(w, http.StatusOK, trend)
			})
		})
	}

	if deps.PushHub != nil {
		r.Handle("/ws/revaluations", deps.PushHub)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func accountView(fn func(req *http.Request, accountID int64) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		accountID, err := strconv.ParseInt(chi.URLParam(req, "accountID"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid account id")
			return
		}
		out, err := fn(req, accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
