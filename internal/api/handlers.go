package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"riskgate/internal/engine"
	"riskgate/internal/risk"
	"riskgate/internal/store"
)

const defaultListLimit = 50

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/breaker", s.handleBreaker)
	mux.HandleFunc("GET /api/breaker/history", s.handleBreakerHistory)
	mux.HandleFunc("POST /api/breaker/halt", s.handleHalt)
	mux.HandleFunc("POST /api/breaker/resume", s.handleResume)
	mux.HandleFunc("GET /api/account", s.handleAccount)
	mux.HandleFunc("GET /api/exposure", s.handleExposure)
	mux.HandleFunc("POST /api/size", s.handleSize)
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("POST /api/positions/{symbol}/close", s.handleClosePosition)
	mux.HandleFunc("POST /api/trades", s.handleTradeResult)
	mux.HandleFunc("GET /api/daily", s.handleDaily)
	mux.HandleFunc("GET /api/walkforward", s.handleListRuns)
	mux.HandleFunc("GET /api/walkforward/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/params", s.handleParams)
	mux.HandleFunc("GET /ws/breaker", s.hub.ServeWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Risk.Breaker.Status()
	writeJSON(w, HealthResponse{
		Status:   "ok",
		Broker:   s.deps.Broker.Name(),
		State:    st.State,
		CanTrade: st.CanTrade,
	})
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.deps.Risk.Breaker.Status())
}

// handleBreakerHistory serves trigger events newest first, from the
// persistent store when one is configured.
func (s *Server) handleBreakerHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r)
	if s.deps.Triggers != nil {
		events, err := s.deps.Triggers.ListTriggers(r.Context(), limit)
		if err != nil {
			s.log.Error("listing triggers", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, nonNil(events))
		return
	}
	events := s.deps.Risk.Breaker.History()
	slices.Reverse(events)
	if len(events) > limit {
		events = events[:limit]
	}
	writeJSON(w, nonNil(events))
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var req HaltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "manual halt via api"
	}
	writeJSON(w, s.deps.Risk.Breaker.Halt(r.Context(), req.Reason))
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	st, err := s.deps.Risk.Breaker.Resume()
	if errors.Is(err, risk.ErrNotResumable) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Broker.GetAccount(r.Context())
	if err != nil {
		s.log.Error("fetching account", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	positions, err := s.deps.Broker.GetPositions(r.Context())
	if err != nil {
		s.log.Error("fetching positions", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, AccountResponse{Account: *acct, Positions: nonNil(positions)})
}

func (s *Server) handleExposure(w http.ResponseWriter, r *http.Request) {
	acct, err := s.deps.Broker.GetAccount(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	positions, err := s.deps.Broker.GetPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, s.deps.Risk.Exposure(positions, acct.Equity))
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	var req SizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	acct, err := s.deps.Broker.GetAccount(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	positions, err := s.deps.Broker.GetPositions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	rc := s.deps.Risk
	size, err := rc.SizeOrder(acct.Equity, req.EntryPrice, req.StopPrice, positions)
	if errors.Is(err, risk.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, SizeResponse{
		Symbol:     req.Symbol,
		Equity:     acct.Equity,
		Multiplier: rc.Breaker.PositionSizeMultiplier(),
		Size:       size,
		Exposure:   rc.CheckExposure(req.Symbol, size.PositionValue, acct.Equity, positions),
	})
}

// ---------------------------------------------------------------------------
// Order engine
// ---------------------------------------------------------------------------

func (s *Server) requireEngine(w http.ResponseWriter) bool {
	if s.deps.Engine == nil {
		writeError(w, http.StatusServiceUnavailable, "order engine not configured")
		return false
	}
	return true
}

// handleSubmitOrder runs an entry through the pre-trade pipeline. Risk
// rejections answer 422.
func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	var req engine.EntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	res, err := s.deps.Engine.SubmitEntry(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, res)
	case errors.Is(err, risk.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrTradingHalted),
		errors.Is(err, engine.ErrExposureLimit),
		errors.Is(err, engine.ErrZeroQuantity),
		errors.Is(err, engine.ErrDailyLossLimit):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("submitting order", "symbol", req.Symbol, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	res, err := s.deps.Engine.ClosePosition(r.Context(), r.PathValue("symbol"))
	if errors.Is(err, engine.ErrNoPosition) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("closing position", "symbol", r.PathValue("symbol"), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, res)
}

// handleTradeResult feeds an externally closed trade to the loss streak
// and daily accumulator. The result is kept when the follow-up poll fails,
// so the response is still the current status.
func (s *Server) handleTradeResult(w http.ResponseWriter, r *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	var req TradeResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	st, err := s.deps.Engine.RecordTradeResult(r.Context(), req.PnL)
	if err != nil {
		s.log.Warn("poll after trade result failed", "symbol", req.Symbol, "error", err)
	}
	writeJSON(w, st)
}

func (s *Server) handleDaily(w http.ResponseWriter, _ *http.Request) {
	if !s.requireEngine(w) {
		return
	}
	daily := s.deps.Engine.Daily()
	if daily == nil {
		writeError(w, http.StatusServiceUnavailable, "daily loss limit not configured")
		return
	}
	writeJSON(w, daily.Snapshot())
}

// ---------------------------------------------------------------------------
// Walk-forward runs and parameters
// ---------------------------------------------------------------------------

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), parseLimit(r))
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, nonNil(runs))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	rec, err := s.deps.Runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleParams(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Params == nil {
		writeError(w, http.StatusServiceUnavailable, "parameter store not configured")
		return
	}
	writeJSON(w, s.deps.Params.List())
}

// statusMessage is the websocket greeting.
func (s *Server) statusMessage() ([]byte, error) {
	return encodeStatus(s.deps.Risk.Breaker.Status())
}

func encodeStatus(st risk.Status) ([]byte, error) {
	return json.Marshal(st)
}

// parseLimit reads the "limit" query param, defaulting to 50.
func parseLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
