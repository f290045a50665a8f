package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"curvemarket/native/common"
	"curvemarket/native/ledger"
	"curvemarket/native/market"
	"curvemarket/observability"
	"curvemarket/services/marketd/trading"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
}

// Server exposes the market over HTTP: quotes, state and trades under
// /v1/market, operator controls under /v1/admin.
type Server struct {
	cfg     Config
	svc     *trading.Service
	hub     *Hub
	auth    *Authenticator
	limiter *RateLimiter
	log     *slog.Logger
}

// New constructs the HTTP server around the trading service.
func New(cfg Config, svc *trading.Service, auth *Authenticator, limiter *RateLimiter, hub *Hub, logger *slog.Logger) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("trading service required")
	}
	if auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if hub == nil {
		hub = NewHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		hub:     hub,
		auth:    auth,
		limiter: limiter,
		log:     logger.With("component", "http"),
	}, nil
}

// Hub returns the websocket hub so callers can wire it as an event sink.
func (s *Server) Hub() *Hub { return s.hub }

// Handler assembles the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.observe)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/v1/market", func(mr chi.Router) {
		if s.limiter != nil {
			mr.Use(s.limiter.Middleware("market"))
		}
		mr.Get("/state", s.handleState)
		mr.Get("/ratio", s.handleRatio)
		mr.Get("/raise", s.handleRaise)
		mr.Get("/stables", s.handleStables)
		mr.Get("/quote/{op}", s.handleQuote)
		mr.Post("/trades", s.handleTrade)
		mr.Get("/events", s.handleEvents)
	})
	r.Route("/v1/admin", func(ar chi.Router) {
		ar.Use(s.auth.Middleware)
		ar.Post("/startup", s.handleStartup)
		ar.Put("/options/market", s.handleMarketOptions)
		ar.Put("/options/adjust", s.handleAdjustOptions)
		ar.Put("/options/fees", s.handleFeeOptions)
		ar.Put("/stables/{symbol}", s.handleStableApprove)
		ar.Post("/pause", s.handlePause)
		ar.Post("/resume", s.handleResume)
		ar.Post("/lower", s.handleLower)
		ar.Post("/checkpoint", s.handleCheckpoint)
		ar.Get("/trades", s.handleTrades)
		ar.Get("/trades/export", s.handleExport)
		ar.Get("/journal", s.handleJournal)
		ar.Get("/volume", s.handleVolume)
	})
	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:    s.cfg.ListenAddress,
		Handler: otelhttp.NewHandler(s.Handler(), "marketd.http"),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("http server listening", "address", s.cfg.ListenAddress)
	err := srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// statusRecorder keeps the response status for metrics while delegating
// hijacking and flushing, which the websocket upgrade needs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		observability.HTTP().Observe(routePattern(r), r.Method, recorder.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ratioPayload struct {
	TargetBps            uint32 `json:"target_bps"`
	TargetAdjustedBps    uint32 `json:"target_adjusted_bps"`
	MinTargetBps         uint32 `json:"min_target_bps"`
	MaxTargetAdjustedBps uint32 `json:"max_target_adjusted_bps"`
	RaiseStepBps         uint32 `json:"raise_step_bps"`
	LowerStepBps         uint32 `json:"lower_step_bps"`
	LowerIntervalSeconds uint64 `json:"lower_interval_seconds"`
	LatestUpdate         int64  `json:"latest_update"`
}

type statePayload struct {
	Started     bool         `json:"started"`
	Paused      bool         `json:"paused"`
	Supply      string       `json:"supply"`
	Price       string       `json:"price"`
	Floor       string       `json:"floor"`
	Intercept   string       `json:"intercept"`
	Worth       string       `json:"worth"`
	Slope       string       `json:"slope"`
	TotalVolume string       `json:"total_volume"`
	Ratio       ratioPayload `json:"ratio"`
	BuyFeeBps   uint32       `json:"buy_fee_bps"`
	SellFeeBps  uint32       `json:"sell_fee_bps"`
	DevAccount  string       `json:"dev_account"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.State(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := statePayload{
		Started:     state.Started,
		Paused:      s.svc.Paused(r.Context()),
		Supply:      bigString(state.Supply),
		Price:       bigString(state.Curve.Price),
		Floor:       bigString(state.Curve.Floor),
		Intercept:   bigString(state.Curve.Intercept),
		Worth:       bigString(state.Curve.Worth),
		Slope:       bigString(state.Curve.Slope),
		TotalVolume: bigString(state.Curve.TotalVolume),
		Ratio: ratioPayload{
			TargetBps:            state.Ratio.Target,
			TargetAdjustedBps:    state.Ratio.TargetAdjusted,
			MinTargetBps:         state.Ratio.MinTarget,
			MaxTargetAdjustedBps: state.Ratio.MaxTargetAdjusted,
			RaiseStepBps:         state.Ratio.RaiseStep,
			LowerStepBps:         state.Ratio.LowerStep,
			LowerIntervalSeconds: state.Ratio.LowerInterval,
			LatestUpdate:         state.Ratio.LatestUpdate,
		},
		BuyFeeBps:  state.BuyFeeBps,
		SellFeeBps: state.SellFeeBps,
		DevAccount: state.DevAccount,
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleRatio(w http.ResponseWriter, r *http.Request) {
	bps, num, den, err := s.svc.FundingRatio(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bps":         bps,
		"numerator":   bigString(num),
		"denominator": bigString(den),
	})
}

func (s *Server) handleRaise(w http.ResponseWriter, r *http.Request) {
	estimate, err := s.svc.RaiseEstimate(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"supply":       bigString(estimate.Supply),
		"price":        bigString(estimate.Price),
		"worth":        bigString(estimate.Worth),
		"raised_floor": bigString(estimate.RaisedFloor),
	})
}

func (s *Server) handleStables(w http.ResponseWriter, r *http.Request) {
	tokens := s.svc.Stables(r.Context())
	payload := make([]map[string]any, 0, len(tokens))
	for _, token := range tokens {
		payload = append(payload, map[string]any{
			"symbol":       token.Symbol,
			"decimals":     token.Decimals,
			"buy_approved": token.BuyApproved,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	amount, err := parseBigAmount(r.URL.Query().Get("amount"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	switch chi.URLParam(r, "op") {
	case trading.OpBuy:
		quote, err := s.svc.QuoteBuy(r.Context(), token, amount)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"token":      quote.Token,
			"worth_in":   bigString(quote.WorthIn),
			"worth":      bigString(quote.Worth18),
			"amount_out": bigString(quote.AmountOut),
			"fee":        bigString(quote.Fee),
			"new_price":  bigString(quote.NewPrice),
		})
	case trading.OpSell:
		quote, err := s.svc.QuoteSell(r.Context(), token, amount)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":         quote.Token,
			"amount_in":     bigString(quote.AmountIn),
			"fee":           bigString(quote.Fee),
			"worth":         bigString(quote.Worth18),
			"worth_out":     bigString(quote.WorthOut),
			"new_price":     bigString(quote.NewPrice),
			"floor_touched": quote.FloorReset,
		})
	case trading.OpRealize:
		quote, err := s.svc.QuoteRealize(r.Context(), token, amount)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"token":    quote.Token,
			"amount":   bigString(quote.Amount),
			"worth":    bigString(quote.Worth18),
			"worth_in": bigString(quote.WorthIn),
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown quote operation"})
	}
}

type tradePayload struct {
	Key         string `json:"key"`
	Op          string `json:"op"`
	Account     string `json:"account"`
	Beneficiary string `json:"beneficiary"`
	Token       string `json:"token"`
	Amount      string `json:"amount"`
	Bound       string `json:"bound"`
}

type tradeResultPayload struct {
	Seq       int64     `json:"seq"`
	Key       string    `json:"key"`
	Op        string    `json:"op"`
	Token     string    `json:"token"`
	AmountIn  string    `json:"amount_in"`
	AmountOut string    `json:"amount_out"`
	Fee       string    `json:"fee"`
	Worth     string    `json:"worth"`
	Price     string    `json:"price"`
	Digest    string    `json:"digest"`
	Replayed  bool      `json:"replayed"`
	AppliedAt time.Time `json:"applied_at"`
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var payload tradePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	key := strings.TrimSpace(payload.Key)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	amount, err := parseBigAmount(payload.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var bound *big.Int
	if strings.TrimSpace(payload.Bound) != "" {
		if bound, err = parseBigAmount(payload.Bound); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	result, err := s.svc.Submit(r.Context(), trading.TradeRequest{
		Key:         key,
		Op:          payload.Op,
		Account:     payload.Account,
		Beneficiary: payload.Beneficiary,
		Token:       payload.Token,
		Amount:      amount,
		Bound:       bound,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeResultPayload{
		Seq:       result.Seq,
		Key:       result.Key,
		Op:        result.Op,
		Token:     result.Token,
		AmountIn:  bigString(result.AmountIn),
		AmountOut: bigString(result.AmountOut),
		Fee:       bigString(result.Fee),
		Worth:     bigString(result.Worth),
		Price:     bigString(result.Price),
		Digest:    result.Digest,
		Replayed:  result.Replayed,
		AppliedAt: result.AppliedAt,
	})
}

func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Worth  string `json:"worth"`
		Supply string `json:"supply"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	worth, err := parseBigAmount(payload.Worth)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	supply, err := parseBigAmount(payload.Supply)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.svc.Startup(r.Context(), worth, supply); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarketOptions(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Slope             string `json:"slope"`
		TargetBps         uint32 `json:"target_bps"`
		TargetAdjustedBps uint32 `json:"target_adjusted_bps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	slope, err := parseBigAmount(payload.Slope)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	err = s.svc.SetMarketOptions(r.Context(), market.MarketOptions{
		Slope:          slope,
		Target:         payload.TargetBps,
		TargetAdjusted: payload.TargetAdjustedBps,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdjustOptions(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MinTargetBps         uint32 `json:"min_target_bps"`
		MaxTargetAdjustedBps uint32 `json:"max_target_adjusted_bps"`
		RaiseStepBps         uint32 `json:"raise_step_bps"`
		LowerStepBps         uint32 `json:"lower_step_bps"`
		LowerIntervalSeconds uint64 `json:"lower_interval_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	err := s.svc.SetAdjustOptions(r.Context(), market.AdjustOptions{
		MinTarget:         payload.MinTargetBps,
		MaxTargetAdjusted: payload.MaxTargetAdjustedBps,
		RaiseStep:         payload.RaiseStepBps,
		LowerStep:         payload.LowerStepBps,
		LowerInterval:     payload.LowerIntervalSeconds,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFeeOptions(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		BuyFeeBps  uint32 `json:"buy_fee_bps"`
		SellFeeBps uint32 `json:"sell_fee_bps"`
		DevAccount string `json:"dev_account"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	err := s.svc.SetFeeOptions(r.Context(), market.FeeOptions{
		BuyFeeBps:  payload.BuyFeeBps,
		SellFeeBps: payload.SellFeeBps,
		DevAccount: payload.DevAccount,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStableApprove(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Approved bool `json:"approved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if err := s.svc.ApproveStable(r.Context(), chi.URLParam(r, "symbol"), payload.Approved); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.svc.Pause(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.svc.Resume(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLower(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ManualLower(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	seq, err := s.svc.Checkpoint(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"seq": seq})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	records, err := s.svc.Trades(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		payload = append(payload, map[string]any{
			"seq":         rec.Seq,
			"key":         rec.Key,
			"op":          rec.Op,
			"account":     rec.Account,
			"beneficiary": rec.Beneficiary,
			"dev_account": rec.DevAccount,
			"token":       rec.Token,
			"amount_in":   rec.AmountIn,
			"amount_out":  rec.AmountOut,
			"fee":         rec.Fee,
			"worth":       rec.Worth,
			"price":       rec.Price,
			"prev_digest": rec.PrevDigest,
			"digest":      rec.Digest,
			"created_at":  rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="trades.csv"`)
	if err := s.svc.ExportTrades(r.Context(), w); err != nil {
		s.log.Error("export trades", "error", err)
	}
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	count, err := s.svc.VerifyJournal(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"intact":  false,
			"records": count,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intact": true, "records": count})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("day")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid day, want YYYY-MM-DD"})
			return
		}
		day = parsed
	}
	volume, err := s.svc.DailyVolume(r.Context(), day)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"day":    day.Format("2006-01-02"),
		"volume": bigString(volume),
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, trading.ErrUnknownOp),
		errors.Is(err, trading.ErrAccountRequired),
		errors.Is(err, trading.ErrAmountRequired),
		errors.Is(err, market.ErrZeroAmount),
		errors.Is(err, market.ErrZeroWorth),
		errors.Is(err, market.ErrUnsupportedToken),
		errors.Is(err, market.ErrTokenNotApproved),
		errors.Is(err, market.ErrInvalidOptions),
		errors.Is(err, market.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrTokenUnknown):
		return http.StatusNotFound
	case errors.Is(err, market.ErrSlippageExceeded):
		return http.StatusConflict
	case errors.Is(err, market.ErrInsufficientSupply),
		errors.Is(err, market.ErrSupplyDepleted),
		errors.Is(err, market.ErrCurveInfeasible),
		errors.Is(err, market.ErrSupplyMismatch),
		errors.Is(err, market.ErrAlreadyStarted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, common.ErrQuotaRequestsExceeded),
		errors.Is(err, common.ErrQuotaWorthCapExceeded),
		errors.Is(err, common.ErrQuotaCounterOverflow):
		return http.StatusTooManyRequests
	case errors.Is(err, common.ErrModulePaused),
		errors.Is(err, market.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseBigAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
