package trading

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"curvemarket/core/events"
	"curvemarket/native/common"
	"curvemarket/native/ledger"
	"curvemarket/native/market"
	"curvemarket/observability"
	"curvemarket/observability/logging"
	"curvemarket/observability/metrics"
	"curvemarket/services/marketd/storage"
)

const marketModule = "market"

// Trade operations accepted by Submit.
const (
	OpBuy     = "buy"
	OpSell    = "sell"
	OpRealize = "realize"
	OpBurn    = "burn"
)

var (
	ErrUnknownOp        = errors.New("trading: unknown operation")
	ErrAccountRequired  = errors.New("trading: account required")
	ErrAmountRequired   = errors.New("trading: positive amount required")
	ErrEngineRequired   = errors.New("trading: engine required")
	ErrLedgerRequired   = errors.New("trading: token ledger required")
	ErrStoreRequired    = errors.New("trading: storage required")
	ErrRegistryRequired = errors.New("trading: stable registry required")
)

// TradeRequest describes one trade submission. An empty Key is assigned a
// fresh UUID; an empty Beneficiary defaults to the account. Amount is the
// stable deposit for buys and the token amount for sells, realizes and burns.
// Bound is the minimum acceptable output for buys and sells and the maximum
// stable charge for realizes; nil disables the check.
type TradeRequest struct {
	Key         string
	Op          string
	Account     string
	Beneficiary string
	Token       string
	Amount      *big.Int
	Bound       *big.Int
}

// TradeResult reports an applied trade. Replayed results are reconstructed
// from the journal without touching the engine.
type TradeResult struct {
	Seq       int64
	Key       string
	Op        string
	Account   string
	Token     string
	AmountIn  *big.Int
	AmountOut *big.Int
	Fee       *big.Int
	Worth     *big.Int
	Price     *big.Int
	Digest    string
	Replayed  bool
	AppliedAt time.Time
}

// Config wires the collaborators the trading service drives.
type Config struct {
	Engine             *market.Engine
	TokenLedger        *ledger.Ledger
	ClaimLedger        *ledger.Ledger
	Registry           *ledger.Registry
	Store              *storage.Storage
	Quota              common.Quota
	LowerInterval      time.Duration
	CheckpointInterval time.Duration
	Logger             *slog.Logger
}

// Service serializes trade submissions against the curve engine, journals the
// results and owns the pause switch and background maintenance loops.
type Service struct {
	mu       sync.RWMutex
	engine   *market.Engine
	token    *ledger.Ledger
	claim    *ledger.Ledger
	registry *ledger.Registry
	store    *storage.Storage

	quota  common.Quota
	usage  map[string]common.QuotaNow
	pauses common.PauseSet

	sink    events.Emitter
	metrics *metrics.MarketMetrics
	tracer  trace.Tracer
	clock   func() time.Time
	log     *slog.Logger

	lastDigest string

	lowerEvery      time.Duration
	checkpointEvery time.Duration
}

// New builds the service, takes over the engine's pause view and event stream
// and resumes the journal digest chain from storage.
func New(cfg Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, ErrEngineRequired
	}
	if cfg.TokenLedger == nil {
		return nil, ErrLedgerRequired
	}
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	svc := &Service{
		engine:          cfg.Engine,
		token:           cfg.TokenLedger,
		claim:           cfg.ClaimLedger,
		registry:        cfg.Registry,
		store:           cfg.Store,
		quota:           cfg.Quota,
		usage:           make(map[string]common.QuotaNow),
		pauses:          common.PauseSet{},
		metrics:         metrics.Market(),
		tracer:          otel.Tracer("marketd/trading"),
		clock:           time.Now,
		log:             logger.With("component", "trading"),
		lowerEvery:      cfg.LowerInterval,
		checkpointEvery: cfg.CheckpointInterval,
	}
	if svc.lowerEvery <= 0 {
		svc.lowerEvery = time.Minute
	}
	if svc.checkpointEvery <= 0 {
		svc.checkpointEvery = 5 * time.Minute
	}
	digest, err := cfg.Store.LastDigest(context.Background())
	if err != nil {
		return nil, fmt.Errorf("trading: resume journal: %w", err)
	}
	svc.lastDigest = digest
	cfg.Engine.SetPauses(svc.pauses)
	cfg.Engine.SetEmitter(svc)
	return svc, nil
}

// SetEventSink forwards engine events to an additional subscriber such as the
// websocket hub. Wire it before the service starts handling traffic.
func (s *Service) SetEventSink(sink events.Emitter) {
	if s == nil {
		return
	}
	s.sink = sink
}

// Emit counts the engine event and forwards it to the configured sink. Called
// synchronously from inside the engine while the trade lock is held, so sinks
// must not call back into the service.
func (s *Service) Emit(evt events.Event) {
	if s == nil || evt == nil {
		return
	}
	observability.Events().RecordEngineEvent(evt.EventType())
	if s.sink != nil {
		s.sink.Emit(evt)
	}
}

// Submit executes one trade. Requests repeating an already-journaled key
// return the recorded result without touching the engine.
func (s *Service) Submit(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	start := s.clock()
	op := strings.ToLower(strings.TrimSpace(req.Op))
	ctx, span := s.tracer.Start(ctx, "trading.submit",
		trace.WithAttributes(attribute.String("trade.op", op)))
	defer span.End()

	switch op {
	case OpBuy, OpSell, OpRealize, OpBurn:
	default:
		return nil, s.reject(span, op, ErrUnknownOp)
	}
	account := strings.TrimSpace(req.Account)
	if account == "" {
		return nil, s.reject(span, op, ErrAccountRequired)
	}
	beneficiary := strings.TrimSpace(req.Beneficiary)
	if beneficiary == "" {
		beneficiary = account
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, s.reject(span, op, ErrAmountRequired)
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		key = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found, err := s.store.TradeByKey(ctx, key)
	if err != nil {
		return nil, s.reject(span, op, fmt.Errorf("trading: journal lookup: %w", err))
	}
	if found {
		result, err := resultFromRecord(rec)
		if err != nil {
			return nil, s.reject(span, op, err)
		}
		result.Replayed = true
		span.SetAttributes(attribute.Bool("trade.replayed", true))
		return result, nil
	}

	worth18, err := s.previewWorthLocked(op, req.Token, req.Amount)
	if err != nil {
		return nil, s.reject(span, op, err)
	}
	now := s.clock()
	usage, err := s.quotaNextLocked(account, now, worth18)
	if err != nil {
		return nil, s.reject(span, op, err)
	}

	result, err := s.applyLocked(op, key, account, beneficiary, req, now)
	if err != nil {
		return nil, s.reject(span, op, err)
	}
	s.usage[account] = usage

	s.journalLocked(ctx, result, beneficiary)
	s.publishGaugesLocked()
	s.metrics.ObserveTrade(op, s.clock().Sub(start))
	s.log.Info("trade applied",
		"op", op,
		"token", result.Token,
		logging.MaskField("account", account),
		"worth", result.Worth.String(),
		"seq", result.Seq,
	)
	return result, nil
}

func (s *Service) reject(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.metrics.ObserveTradeError(op, errorReason(err))
	return err
}

// previewWorthLocked prices the trade without applying it so quota charging
// can happen before any state moves. Burns carry no stable worth.
func (s *Service) previewWorthLocked(op, token string, amount *big.Int) (*big.Int, error) {
	switch op {
	case OpBuy:
		quote, err := s.engine.QuoteBuy(token, amount)
		if err != nil {
			return nil, err
		}
		return quote.Worth18, nil
	case OpSell:
		quote, err := s.engine.QuoteSell(token, amount)
		if err != nil {
			return nil, err
		}
		return quote.Worth18, nil
	case OpRealize:
		quote, err := s.engine.QuoteRealize(token, amount)
		if err != nil {
			return nil, err
		}
		return quote.Worth18, nil
	default:
		return nil, nil
	}
}

func (s *Service) quotaNextLocked(account string, now time.Time, worth18 *big.Int) (common.QuotaNow, error) {
	epochSeconds := uint64(s.quota.EpochSeconds)
	if epochSeconds == 0 {
		epochSeconds = 60
	}
	epoch := uint64(now.Unix()) / epochSeconds
	return common.CheckQuota(s.quota, epoch, s.usage[account], 1, wholeWorth(worth18))
}

func (s *Service) applyLocked(op, key, account, beneficiary string, req TradeRequest, now time.Time) (*TradeResult, error) {
	result := &TradeResult{
		Key:       key,
		Op:        op,
		Account:   account,
		Fee:       big.NewInt(0),
		AppliedAt: now.UTC(),
	}
	switch op {
	case OpBuy:
		quote, err := s.engine.BuyFor(account, beneficiary, req.Token, req.Amount, req.Bound)
		if err != nil {
			return nil, err
		}
		result.Token = quote.Token
		result.AmountIn = quote.WorthIn
		result.AmountOut = quote.AmountOut
		result.Fee = quote.Fee
		result.Worth = quote.Worth18
	case OpSell:
		quote, err := s.engine.SellFor(account, beneficiary, req.Token, req.Amount, req.Bound)
		if err != nil {
			return nil, err
		}
		result.Token = quote.Token
		result.AmountIn = quote.AmountIn
		result.AmountOut = quote.WorthOut
		result.Fee = quote.Fee
		result.Worth = quote.Worth18
	case OpRealize:
		quote, err := s.engine.RealizeFor(account, beneficiary, req.Token, req.Amount, req.Bound)
		if err != nil {
			return nil, err
		}
		result.Token = quote.Token
		result.AmountIn = quote.Amount
		result.AmountOut = quote.Amount
		result.Worth = quote.Worth18
	case OpBurn:
		quote, err := s.engine.Burn(account, req.Amount)
		if err != nil {
			return nil, err
		}
		result.Token = s.token.Symbol()
		result.AmountIn = quote.Amount
		result.AmountOut = big.NewInt(0)
		result.Worth = big.NewInt(0)
	}
	if state, err := s.engine.State(); err == nil {
		result.Price = state.Curve.Price
	} else {
		result.Price = big.NewInt(0)
	}
	return result, nil
}

// journalLocked appends the trade to the digest-chained journal. The trade
// has already settled; a persistence failure is logged, not unwound.
func (s *Service) journalLocked(ctx context.Context, result *TradeResult, beneficiary string) {
	dev := ""
	if state, err := s.engine.State(); err == nil {
		dev = state.DevAccount
	}
	rec := storage.TradeRecord{
		Key:         result.Key,
		Op:          result.Op,
		Account:     result.Account,
		Beneficiary: beneficiary,
		DevAccount:  dev,
		Token:       result.Token,
		AmountIn:    result.AmountIn.String(),
		AmountOut:   result.AmountOut.String(),
		Fee:         result.Fee.String(),
		Worth:       result.Worth.String(),
		Price:       result.Price.String(),
		PrevDigest:  s.lastDigest,
		CreatedAt:   result.AppliedAt,
	}
	digest, err := tradeDigest(s.lastDigest, rec)
	if err != nil {
		s.log.Error("journal digest", "op", result.Op, "error", err)
		return
	}
	rec.Digest = digest
	result.Digest = digest
	seq, err := s.store.InsertTrade(ctx, rec)
	if err != nil {
		s.log.Error("journal trade", "op", result.Op, "error", err)
		return
	}
	result.Seq = seq
	s.lastDigest = digest
}

func (s *Service) publishGaugesLocked() {
	state, err := s.engine.State()
	if err != nil {
		return
	}
	s.metrics.SetCurve(state.Curve.Price, state.Curve.Floor, state.Curve.Intercept, state.Curve.Worth, state.Supply)
	s.metrics.SetTargets(state.Ratio.Target, state.Ratio.TargetAdjusted)
	if num, den, err := s.engine.CurrentFundingRatio(); err == nil {
		s.metrics.SetFundingRatio(ratioBps(num, den))
	}
}

// State returns a point-in-time copy of the engine state.
func (s *Service) State(ctx context.Context) (*market.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.State()
}

// QuoteBuy prices a stable deposit without applying it.
func (s *Service) QuoteBuy(ctx context.Context, token string, amount *big.Int) (*market.BuyQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.QuoteBuy(token, amount)
}

// QuoteSell prices a token sale without applying it.
func (s *Service) QuoteSell(ctx context.Context, token string, amount *big.Int) (*market.SellQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.QuoteSell(token, amount)
}

// QuoteRealize prices a claim conversion without applying it.
func (s *Service) QuoteRealize(ctx context.Context, token string, amount *big.Int) (*market.RealizeQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.QuoteRealize(token, amount)
}

// FundingRatio reports the live funding ratio in basis points alongside the
// exact rational it was derived from.
func (s *Service) FundingRatio(ctx context.Context) (bps uint32, num, den *big.Int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	num, den, err = s.engine.CurrentFundingRatio()
	if err != nil {
		return 0, nil, nil, err
	}
	return ratioBps(num, den), num, den, nil
}

// RaiseEstimate previews the next automatic floor raise.
func (s *Service) RaiseEstimate(ctx context.Context) (*market.RaiseEstimate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine.EstimateRaisePrice()
}

// Startup seeds the curve and immediately checkpoints so a restart resumes
// from the started state.
func (s *Service) Startup(ctx context.Context, worth18, supply *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Startup(worth18, supply); err != nil {
		return err
	}
	s.publishGaugesLocked()
	if _, err := s.checkpointLocked(ctx); err != nil {
		s.log.Error("checkpoint after startup", "error", err)
	}
	s.log.Info("market started", "worth", worth18.String(), "supply", supply.String())
	return nil
}

// SetMarketOptions forwards the curve shape options to the engine.
func (s *Service) SetMarketOptions(ctx context.Context, opts market.MarketOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.SetMarketOptions(opts)
}

// SetAdjustOptions forwards the controller bounds to the engine.
func (s *Service) SetAdjustOptions(ctx context.Context, opts market.AdjustOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.SetAdjustOptions(opts); err != nil {
		return err
	}
	s.publishGaugesLocked()
	return nil
}

// SetFeeOptions forwards the trade fee options to the engine.
func (s *Service) SetFeeOptions(ctx context.Context, opts market.FeeOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.SetFeeOptions(opts)
}

// Stables lists the registered settlement tokens sorted by symbol.
func (s *Service) Stables(ctx context.Context) []ledger.StableToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry.Tokens()
}

// ApproveStable flips a stable token's buy approval. Sales in the token keep
// working either way; only purchases are gated.
func (s *Service) ApproveStable(ctx context.Context, symbol string, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry == nil {
		return ErrRegistryRequired
	}
	if err := s.registry.Approve(symbol, approved); err != nil {
		return err
	}
	s.log.Info("stable approval updated", "token", strings.ToUpper(strings.TrimSpace(symbol)), "approved", approved)
	return nil
}

// Pause blocks trades and controller transitions until Resume.
func (s *Service) Pause(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses[marketModule] = true
	s.log.Warn("market paused")
}

// Resume lifts a pause.
func (s *Service) Resume(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pauses, marketModule)
	s.log.Info("market resumed")
}

// Paused reports the pause switch.
func (s *Service) Paused(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pauses.IsPaused(marketModule)
}

// ManualLower runs the controller's lowering transition outside the ticker.
func (s *Service) ManualLower(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.LowerAndAdjust(); err != nil {
		return err
	}
	s.publishGaugesLocked()
	return nil
}

// Checkpoint persists an engine snapshot and returns its sequence number.
func (s *Service) Checkpoint(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(ctx)
}

func (s *Service) checkpointLocked(ctx context.Context) (int64, error) {
	blob, err := s.engine.Snapshot()
	if err != nil {
		return 0, fmt.Errorf("trading: snapshot engine: %w", err)
	}
	seq, err := s.store.SaveSnapshot(ctx, blob, s.clock())
	if err != nil {
		return 0, fmt.Errorf("trading: save snapshot: %w", err)
	}
	return seq, nil
}

// Recover restores the engine from the latest stored snapshot and replays the
// verified journal through the ledgers so balances match the recorded trade
// history. The caller seeds the genesis supply before recovering; the report
// says whether a snapshot was found.
func (s *Service) Recover(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok, err := s.store.LatestSnapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("trading: load snapshot: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := s.engine.Restore(blob); err != nil {
		return false, fmt.Errorf("trading: restore engine: %w", err)
	}
	records, err := s.store.Trades(ctx, 0)
	if err != nil {
		return false, err
	}
	if _, err := verifyChain(records); err != nil {
		return false, err
	}
	if err := replayJournal(s.token, s.claim, records); err != nil {
		return false, err
	}
	s.publishGaugesLocked()
	s.log.Info("market recovered", "trades", len(records))
	return true, nil
}

// Trades lists journaled trades in sequence order; limit zero returns all.
func (s *Service) Trades(ctx context.Context, limit int) ([]storage.TradeRecord, error) {
	return s.store.Trades(ctx, limit)
}

// DailyVolume sums the stable worth traded during the UTC day of the instant.
func (s *Service) DailyVolume(ctx context.Context, day time.Time) (*big.Int, error) {
	return s.store.DailyVolume(ctx, day)
}

// ExportTrades streams the journal as CSV.
func (s *Service) ExportTrades(ctx context.Context, w io.Writer) error {
	return s.store.ExportTradesCSV(ctx, w)
}

// VerifyJournal recomputes the digest chain over the whole journal and
// returns the number of intact records.
func (s *Service) VerifyJournal(ctx context.Context) (int, error) {
	records, err := s.store.Trades(ctx, 0)
	if err != nil {
		return 0, err
	}
	return verifyChain(records)
}

// Run drives the controller's time decay and periodic checkpoints until the
// context ends. A final checkpoint is attempted on shutdown.
func (s *Service) Run(ctx context.Context) error {
	lower := time.NewTicker(s.lowerEvery)
	defer lower.Stop()
	checkpoint := time.NewTicker(s.checkpointEvery)
	defer checkpoint.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := s.Checkpoint(shutdownCtx); err != nil {
				s.log.Error("final checkpoint", "error", err)
			}
			cancel()
			return ctx.Err()
		case <-lower.C:
			s.lowerOnce()
		case <-checkpoint.C:
			if _, err := s.Checkpoint(ctx); err != nil {
				s.log.Error("periodic checkpoint", "error", err)
			}
		}
	}
}

func (s *Service) lowerOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.engine.LowerAndAdjust()
	switch {
	case err == nil:
		s.publishGaugesLocked()
	case errors.Is(err, market.ErrNotStarted), errors.Is(err, common.ErrModulePaused):
	default:
		s.log.Error("lower targets", "error", err)
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, common.ErrModulePaused):
		return "paused"
	case errors.Is(err, market.ErrNotStarted):
		return "not_started"
	case errors.Is(err, market.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, market.ErrCurveInfeasible):
		return "infeasible"
	case errors.Is(err, market.ErrUnsupportedToken), errors.Is(err, market.ErrTokenNotApproved):
		return "token"
	case errors.Is(err, market.ErrZeroAmount), errors.Is(err, market.ErrZeroWorth), errors.Is(err, ErrAmountRequired):
		return "amount"
	case errors.Is(err, market.ErrInsufficientSupply), errors.Is(err, market.ErrSupplyDepleted):
		return "supply"
	case errors.Is(err, market.ErrOverflow), errors.Is(err, market.ErrDivisionByZero):
		return "overflow"
	case errors.Is(err, common.ErrQuotaRequestsExceeded), errors.Is(err, common.ErrQuotaWorthCapExceeded), errors.Is(err, common.ErrQuotaCounterOverflow):
		return "quota"
	default:
		return "other"
	}
}

var wholeStable = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// wholeWorth truncates an 18-decimal worth to whole stable tokens for quota
// accounting, saturating at the counter's capacity.
func wholeWorth(worth18 *big.Int) uint64 {
	if worth18 == nil || worth18.Sign() <= 0 {
		return 0
	}
	whole := new(big.Int).Quo(worth18, wholeStable)
	if !whole.IsUint64() {
		return math.MaxUint64
	}
	return whole.Uint64()
}

// ratioBps renders the funding ratio rational as basis points for gauges,
// saturating on overflow.
func ratioBps(num, den *big.Int) uint32 {
	if num == nil || den == nil || den.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Int).Mul(num, big.NewInt(10000))
	scaled.Quo(scaled, den)
	if !scaled.IsUint64() || scaled.Uint64() > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(scaled.Uint64())
}
