// Package api is the HTTP surface: instrument search and run control.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"

	"rsitrader/internal/execution"
	"rsitrader/internal/model"
	"rsitrader/internal/runner"
	"rsitrader/internal/store/redis"
	"rsitrader/internal/trader"
)

// Runs starts, lists and cancels trading runs.
type Runs interface {
	Start(ctx context.Context, req runner.Request) trader.Result
	Active() []runner.RunInfo
	Cancel(runID string) error
}

// Instruments answers instrument searches.
type Instruments interface {
	Lookup(ctx context.Context, q model.InstrumentQuery) ([]model.Instrument, error)
}

// Decisions reads what a run has published.
type Decisions interface {
	Status(ctx context.Context, runID string, limit int64) (redis.RunStatus, error)
}

// Trades reads the order journal.
type Trades interface {
	Trades(ctx context.Context, runID string, limit int) ([]execution.TradeRecord, error)
}

// Server holds the handler dependencies.
type Server struct {
	runs        Runs
	instruments Instruments
	decisions   Decisions
	trades      Trades
	defaults    model.InstrumentQuery
	decoder     *schema.Decoder
}

// NewServer builds a Server. decisions may be nil when Redis is disabled.
// defaults fills query fields a run request leaves empty.
func NewServer(runs Runs, instruments Instruments, decisions Decisions, defaults model.InstrumentQuery) *Server {
	dec := schema.NewDecoder()
	dec.IgnoreUnknownKeys(true)
	return &Server{
		runs:        runs,
		instruments: instruments,
		decisions:   decisions,
		defaults:    defaults,
		decoder:     dec,
	}
}

// WithTrades exposes the order journal at /api/trades.
func (s *Server) WithTrades(t Trades) *Server {
	s.trades = t
	return s
}

// NewRouter sets up the API routes.
func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter()
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/instruments/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleStartRun).Methods(http.MethodPost)
	api.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.handleCancelRun).Methods(http.MethodDelete)
	if s.decisions != nil {
		api.HandleFunc("/runs/{id}/decisions", s.handleDecisions).Methods(http.MethodGet)
	}
	if s.trades != nil {
		api.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)
	}
	return router
}
