package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"rsitrader/internal/execution"
	"rsitrader/internal/instruments"
	"rsitrader/internal/model"
	"rsitrader/internal/runner"
)

// queryForm mirrors the instrument search form.
type queryForm struct {
	ExchangeSegment string `schema:"exchange_segment" json:"exchange_segment"`
	InstrumentType  string `schema:"instrument_type" json:"instrument_type"`
	Symbol          string `schema:"symbol" json:"symbol"`
	StrikePrice     int64  `schema:"strike_price" json:"strike_price"`
	OptionType      string `schema:"option_type" json:"option_type"`
}

func (f queryForm) query() model.InstrumentQuery {
	return model.InstrumentQuery{
		ExchangeSegment: f.ExchangeSegment,
		InstrumentType:  f.InstrumentType,
		Symbol:          f.Symbol,
		StrikePrice:     f.StrikePrice,
		OptionType:      f.OptionType,
	}
}

type runForm struct {
	queryForm
	Index *int `schema:"index" json:"index"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type searchResponse struct {
	Count       int                `json:"count"`
	Instruments []model.Instrument `json:"instruments"`
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	setResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var form queryForm
	if err := s.decode(r, &form); err != nil {
		setErrorResponse(w, http.StatusBadRequest, "invalid search request", err)
		return
	}

	rows, err := s.instruments.Lookup(r.Context(), form.query())
	switch {
	case errors.Is(err, instruments.ErrNoMatch):
		setErrorResponse(w, http.StatusNotFound, runner.MsgTokenInfo, err)
		return
	case err != nil:
		setErrorResponse(w, http.StatusInternalServerError, "instrument search failed", err)
		return
	}
	setResponse(w, http.StatusOK, searchResponse{Count: len(rows), Instruments: rows})
}

// handleStartRun blocks until the run terminates. The run is detached from
// the request so a dropped client does not abort it; DELETE /api/runs/{id}
// does.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var form runForm
	if err := s.decode(r, &form); err != nil {
		setErrorResponse(w, http.StatusBadRequest, "invalid run request", err)
		return
	}
	if form.Index == nil {
		setErrorResponse(w, http.StatusBadRequest, "invalid run request", errors.New("index is required"))
		return
	}

	req := runner.Request{Query: s.withDefaults(form.query()), Index: *form.Index}
	res := s.runs.Start(context.WithoutCancel(r.Context()), req)
	setResponse(w, http.StatusOK, res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	setResponse(w, http.StatusOK, map[string]any{"runs": s.runs.Active()})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.runs.Cancel(id); err != nil {
		if errors.Is(err, runner.ErrUnknownRun) {
			setErrorResponse(w, http.StatusNotFound, "run not found", err)
			return
		}
		setErrorResponse(w, http.StatusInternalServerError, "cancel failed", err)
		return
	}
	setResponse(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, err := parseLimit(r, 50)
	if err != nil {
		setErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
		return
	}

	st, err := s.decisions.Status(r.Context(), id, limit)
	if err != nil {
		setErrorResponse(w, http.StatusBadGateway, "decision store unavailable", err)
		return
	}
	if len(st.Fields) == 0 && len(st.Decisions) == 0 {
		setErrorResponse(w, http.StatusNotFound, "run not found", fmt.Errorf("no decisions for %s", id))
		return
	}
	setResponse(w, http.StatusOK, st)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100)
	if err != nil {
		setErrorResponse(w, http.StatusBadRequest, "invalid limit", err)
		return
	}
	rows, err := s.trades.Trades(r.Context(), r.URL.Query().Get("run_id"), int(limit))
	if err != nil {
		setErrorResponse(w, http.StatusInternalServerError, "trade journal unavailable", err)
		return
	}
	if rows == nil {
		rows = []execution.TradeRecord{}
	}
	setResponse(w, http.StatusOK, rows)
}

func parseLimit(r *http.Request, def int64) (int64, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit %q", v)
	}
	return n, nil
}

// decode reads a JSON body or a url-encoded form into dst.
func (s *Server) decode(r *http.Request, dst any) error {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	if err := s.decoder.Decode(dst, r.PostForm); err != nil {
		return fmt.Errorf("decode form: %w", err)
	}
	return nil
}

func (s *Server) withDefaults(q model.InstrumentQuery) model.InstrumentQuery {
	if q.ExchangeSegment == "" {
		q.ExchangeSegment = s.defaults.ExchangeSegment
	}
	if q.InstrumentType == "" {
		q.InstrumentType = s.defaults.InstrumentType
	}
	if q.Symbol == "" {
		q.Symbol = s.defaults.Symbol
	}
	if q.StrikePrice == 0 {
		q.StrikePrice = s.defaults.StrikePrice
	}
	if q.OptionType == "" {
		q.OptionType = s.defaults.OptionType
	}
	return q
}

func setResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func setErrorResponse(w http.ResponseWriter, status int, msg string, err error) {
	setResponse(w, status, errorResponse{Error: err.Error(), Message: msg})
}
