package trading

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"curvemarket/core/events"
	"curvemarket/native/common"
	"curvemarket/native/ledger"
	"curvemarket/native/market"
	"curvemarket/services/marketd/storage"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type captureSink struct {
	types []string
}

func (c *captureSink) Emit(evt events.Event) { c.types = append(c.types, evt.EventType()) }

func (c *captureSink) has(eventType string) bool {
	for _, kind := range c.types {
		if kind == eventType {
			return true
		}
	}
	return false
}

func mustBig(t *testing.T, raw string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		t.Fatalf("bad integer literal %q", raw)
	}
	return v
}

type tradingEnv struct {
	svc      *Service
	engine   *market.Engine
	token    *ledger.Ledger
	claim    *ledger.Ledger
	registry *ledger.Registry
	store    *storage.Storage
	clock    *testClock
}

// newTradingEnv seeds a 1,000,000-token ledger against 1000 stables of
// backing on a slope of 1e9, the regime the controller tests exercise.
func newTradingEnv(t *testing.T) *tradingEnv {
	t.Helper()
	registry, err := ledger.NewRegistry(
		ledger.StableToken{Symbol: "USDC", Decimals: 6, BuyApproved: true},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	token := ledger.NewLedger("LAB")
	claim := ledger.NewLedger("PRLAB")
	if err := token.Mint("genesis", mustBig(t, "1000000000000000000000000")); err != nil {
		t.Fatalf("seed supply: %v", err)
	}
	if err := claim.Mint("carol", big.NewInt(1_000_000_000_000_000_000)); err != nil {
		t.Fatalf("seed claims: %v", err)
	}
	engine := market.NewEngine()
	engine.SetTokenLedger(token)
	engine.SetClaimLedger(claim)
	engine.SetStableRegistry(registry)
	clock := &testClock{now: time.Unix(1_750_000_000, 0)}
	engine.SetClock(clock.Now)
	if err := engine.SetMarketOptions(market.MarketOptions{
		Slope:          big.NewInt(1_000_000_000),
		Target:         120,
		TargetAdjusted: 125,
	}); err != nil {
		t.Fatalf("market options: %v", err)
	}
	if err := engine.SetAdjustOptions(market.AdjustOptions{
		MinTarget:         50,
		MaxTargetAdjusted: 10_000,
		RaiseStep:         25,
		LowerStep:         3,
		LowerInterval:     10,
	}); err != nil {
		t.Fatalf("adjust options: %v", err)
	}
	store, err := storage.Open("file:trading_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc, err := New(Config{
		Engine:      engine,
		TokenLedger: token,
		ClaimLedger: claim,
		Registry:    registry,
		Store:       store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	svc.clock = clock.Now
	return &tradingEnv{svc: svc, engine: engine, token: token, claim: claim, registry: registry, store: store, clock: clock}
}

func startedTradingEnv(t *testing.T) *tradingEnv {
	t.Helper()
	env := newTradingEnv(t)
	err := env.svc.Startup(context.Background(),
		mustBig(t, "1000000000000000000000"),
		mustBig(t, "1000000000000000000000000"))
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	return env
}

func TestSubmitBuyJournalsTrade(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()

	res, err := env.svc.Submit(ctx, TradeRequest{
		Key:     "buy-1",
		Op:      OpBuy,
		Account: "alice",
		Token:   "usdc",
		Amount:  big.NewInt(100_000_000),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Replayed {
		t.Fatalf("fresh trade reported as replay")
	}
	if res.Seq != 1 {
		t.Fatalf("unexpected seq: %d", res.Seq)
	}
	gross := mustBig(t, "84380386547758146649639")
	if res.AmountOut.Cmp(gross) != 0 {
		t.Fatalf("amount out: got %s want %s", res.AmountOut, gross)
	}
	if res.Worth.Cmp(mustBig(t, "100000000000000000000")) != 0 {
		t.Fatalf("unexpected worth: %s", res.Worth)
	}
	// The deposit pushes the funding ratio over the adjusted target, so the
	// journaled price already reflects the controller's re-solve.
	if res.Price.Cmp(big.NewInt(1_164_712_100_826_378)) != 0 {
		t.Fatalf("unexpected price: %s", res.Price)
	}
	if res.Digest == "" {
		t.Fatalf("missing digest")
	}

	if got := env.token.BalanceOf("alice"); got.Cmp(gross) != 0 {
		t.Fatalf("alice balance: got %s want %s", got, gross)
	}
	if got := env.token.TotalSupply(); got.Cmp(mustBig(t, "1084380386547758146649639")) != 0 {
		t.Fatalf("supply: got %s", got)
	}
	state, err := env.svc.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Curve.Floor.Cmp(big.NewInt(1_002_231_332_733_659)) != 0 {
		t.Fatalf("floor: got %s", state.Curve.Floor)
	}
	if state.Ratio.Target != 145 || state.Ratio.TargetAdjusted != 150 {
		t.Fatalf("targets: got %d/%d", state.Ratio.Target, state.Ratio.TargetAdjusted)
	}

	rec, ok, err := env.store.TradeByKey(ctx, "buy-1")
	if err != nil || !ok {
		t.Fatalf("journal lookup: ok=%v err=%v", ok, err)
	}
	if rec.Digest != res.Digest || rec.PrevDigest != "" {
		t.Fatalf("journal digests: %q prev %q", rec.Digest, rec.PrevDigest)
	}
	if rec.AmountIn != "100000000" || rec.Op != OpBuy || rec.Token != "USDC" {
		t.Fatalf("unexpected journal row: %+v", rec)
	}
	if rec.Beneficiary != "alice" || rec.DevAccount != "" {
		t.Fatalf("unexpected routing fields: %+v", rec)
	}
}

func TestSubmitReplaysByKey(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()
	req := TradeRequest{Key: "dup", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(100_000_000)}

	first, err := env.svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	supply := env.token.TotalSupply()

	second, err := env.svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected replay")
	}
	if second.AmountOut.Cmp(first.AmountOut) != 0 || second.Digest != first.Digest {
		t.Fatalf("replay mismatch: %+v vs %+v", second, first)
	}
	if got := env.token.TotalSupply(); got.Cmp(supply) != 0 {
		t.Fatalf("replay moved supply: %s -> %s", supply, got)
	}
	records, err := env.store.Trades(ctx, 0)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("journal rows: %d", len(records))
	}
}

func TestSubmitSellPaysOut(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()

	res, err := env.svc.Submit(ctx, TradeRequest{
		Key:     "sell-1",
		Op:      OpSell,
		Account: "genesis",
		Token:   "USDC",
		Amount:  mustBig(t, "1000000000000000000000"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.AmountOut.Cmp(big.NewInt(1_142_419)) != 0 {
		t.Fatalf("payout: got %s", res.AmountOut)
	}
	if res.Worth.Cmp(big.NewInt(1_142_419_333_848_296_000)) != 0 {
		t.Fatalf("worth: got %s", res.Worth)
	}
	if res.Price.Cmp(big.NewInt(1_141_919_333_848_296)) != 0 {
		t.Fatalf("price: got %s", res.Price)
	}
	if got := env.token.TotalSupply(); got.Cmp(mustBig(t, "999000000000000000000000")) != 0 {
		t.Fatalf("supply: got %s", got)
	}
}

func TestSubmitRealizeConverts(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()

	res, err := env.svc.Submit(ctx, TradeRequest{
		Key:         "realize-1",
		Op:          OpRealize,
		Account:     "carol",
		Beneficiary: "dan",
		Token:       "USDC",
		Amount:      big.NewInt(1_000_000_000_000_000_000),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.AmountIn.Cmp(big.NewInt(1_000_000_000_000_000_000)) != 0 ||
		res.AmountOut.Cmp(big.NewInt(1_000_000_000_000_000_000)) != 0 {
		t.Fatalf("amounts: in %s out %s", res.AmountIn, res.AmountOut)
	}
	if res.Worth.Cmp(big.NewInt(988_000_000_000_000)) != 0 {
		t.Fatalf("worth: got %s", res.Worth)
	}
	if got := env.claim.BalanceOf("carol"); got.Sign() != 0 {
		t.Fatalf("carol claims not burned: %s", got)
	}
	if got := env.token.BalanceOf("dan"); got.Cmp(big.NewInt(1_000_000_000_000_000_000)) != 0 {
		t.Fatalf("dan balance: %s", got)
	}
	if res.Price.Cmp(big.NewInt(1_142_919_333_848_296)) != 0 {
		t.Fatalf("price moved on realize: %s", res.Price)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Submit(ctx, TradeRequest{Op: "swap", Account: "alice", Amount: big.NewInt(1)}); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("unknown op: %v", err)
	}
	if _, err := env.svc.Submit(ctx, TradeRequest{Op: OpBuy, Amount: big.NewInt(1)}); !errors.Is(err, ErrAccountRequired) {
		t.Fatalf("missing account: %v", err)
	}
	if _, err := env.svc.Submit(ctx, TradeRequest{Op: OpBuy, Account: "alice", Token: "USDC"}); !errors.Is(err, ErrAmountRequired) {
		t.Fatalf("nil amount: %v", err)
	}
	if _, err := env.svc.Submit(ctx, TradeRequest{Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(0)}); !errors.Is(err, ErrAmountRequired) {
		t.Fatalf("zero amount: %v", err)
	}
	if _, err := env.svc.Submit(ctx, TradeRequest{Op: OpBuy, Account: "alice", Token: "DAI", Amount: big.NewInt(1_000_000)}); !errors.Is(err, market.ErrUnsupportedToken) {
		t.Fatalf("unsupported token: %v", err)
	}
	if _, err := env.svc.Submit(ctx, TradeRequest{
		Op: OpBuy, Account: "alice", Token: "USDC",
		Amount: big.NewInt(100_000_000),
		Bound:  mustBig(t, "90000000000000000000000"),
	}); !errors.Is(err, market.ErrSlippageExceeded) {
		t.Fatalf("slippage bound: %v", err)
	}
}

func TestSubmitQuotaRequests(t *testing.T) {
	env := startedTradingEnv(t)
	env.svc.quota = common.Quota{MaxRequestsPerMin: 1, EpochSeconds: 60}
	ctx := context.Background()

	if _, err := env.svc.Submit(ctx, TradeRequest{Key: "q1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := env.svc.Submit(ctx, TradeRequest{Key: "q2", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)})
	if !errors.Is(err, common.ErrQuotaRequestsExceeded) {
		t.Fatalf("expected request quota error, got %v", err)
	}
	// A new epoch resets the counter.
	env.clock.advance(61 * time.Second)
	if _, err := env.svc.Submit(ctx, TradeRequest{Key: "q3", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)}); err != nil {
		t.Fatalf("post-epoch submit: %v", err)
	}
}

func TestSubmitQuotaWorthCap(t *testing.T) {
	env := startedTradingEnv(t)
	env.svc.quota = common.Quota{MaxWorthPerEpoch: 150, EpochSeconds: 3600}
	ctx := context.Background()

	if _, err := env.svc.Submit(ctx, TradeRequest{Key: "w1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(100_000_000)}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := env.svc.Submit(ctx, TradeRequest{Key: "w2", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(100_000_000)})
	if !errors.Is(err, common.ErrQuotaWorthCapExceeded) {
		t.Fatalf("expected worth cap error, got %v", err)
	}
	// The rejected trade must not consume quota: 100 + 1 still fits.
	if _, err := env.svc.Submit(ctx, TradeRequest{Key: "w3", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)}); err != nil {
		t.Fatalf("small follow-up submit: %v", err)
	}
}

func TestSubmitWhilePaused(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()

	env.svc.Pause(ctx)
	if !env.svc.Paused(ctx) {
		t.Fatalf("pause not reported")
	}
	_, err := env.svc.Submit(ctx, TradeRequest{Key: "p1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)})
	if !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("expected pause error, got %v", err)
	}
	env.svc.Resume(ctx)
	if _, err := env.svc.Submit(ctx, TradeRequest{Key: "p2", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)}); err != nil {
		t.Fatalf("post-resume submit: %v", err)
	}
}

func TestSubmitBeforeStartup(t *testing.T) {
	env := newTradingEnv(t)
	_, err := env.svc.Submit(context.Background(), TradeRequest{Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)})
	if !errors.Is(err, market.ErrNotStarted) {
		t.Fatalf("expected not started, got %v", err)
	}
}

func TestApproveStableGatesBuys(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()

	if err := env.svc.ApproveStable(ctx, "usdc", false); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	stables := env.svc.Stables(ctx)
	if len(stables) != 1 || stables[0].BuyApproved {
		t.Fatalf("suspension not visible: %+v", stables)
	}
	_, err := env.svc.Submit(ctx, TradeRequest{Key: "g1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)})
	if !errors.Is(err, market.ErrTokenNotApproved) {
		t.Fatalf("expected buy gate, got %v", err)
	}
	// Exits stay open while purchases are suspended.
	if _, err := env.svc.QuoteSell(ctx, "USDC", mustBig(t, "1000000000000000000")); err != nil {
		t.Fatalf("sell quote: %v", err)
	}
	if err := env.svc.ApproveStable(ctx, "USDC", true); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	if _, err := env.svc.Submit(ctx, TradeRequest{Key: "g2", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(1_000_000)}); err != nil {
		t.Fatalf("post-approval submit: %v", err)
	}
	if err := env.svc.ApproveStable(ctx, "DAI", true); !errors.Is(err, ledger.ErrTokenUnknown) {
		t.Fatalf("expected unknown token, got %v", err)
	}
}

func TestBuyFeeRoutingThroughService(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()
	if err := env.svc.SetFeeOptions(ctx, market.FeeOptions{BuyFeeBps: 250, DevAccount: "dev"}); err != nil {
		t.Fatalf("fee options: %v", err)
	}
	res, err := env.svc.Submit(ctx, TradeRequest{Key: "fee-1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(100_000_000)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Fee.Cmp(mustBig(t, "2109509663693953666240")) != 0 {
		t.Fatalf("fee: got %s", res.Fee)
	}
	if res.AmountOut.Cmp(mustBig(t, "82270876884064192983399")) != 0 {
		t.Fatalf("net out: got %s", res.AmountOut)
	}
	if got := env.token.BalanceOf("dev"); got.Cmp(res.Fee) != 0 {
		t.Fatalf("dev balance: got %s want %s", got, res.Fee)
	}
}

func TestJournalChainVerifies(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()

	requests := []TradeRequest{
		{Key: "c1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(100_000_000)},
		{Key: "c2", Op: OpSell, Account: "genesis", Token: "USDC", Amount: mustBig(t, "1000000000000000000000")},
		{Key: "c3", Op: OpRealize, Account: "carol", Token: "USDC", Amount: big.NewInt(1_000_000_000_000_000_000)},
	}
	for _, req := range requests {
		if _, err := env.svc.Submit(ctx, req); err != nil {
			t.Fatalf("submit %s: %v", req.Key, err)
		}
	}
	count, err := env.svc.VerifyJournal(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if count != 3 {
		t.Fatalf("verified %d records", count)
	}
	records, err := env.store.Trades(ctx, 0)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if records[1].PrevDigest != records[0].Digest || records[2].PrevDigest != records[1].Digest {
		t.Fatalf("chain not linked: %+v", records)
	}
}

func TestCheckpointRestoresEngine(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Submit(ctx, TradeRequest{Key: "s1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(100_000_000)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	seq, err := env.svc.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	// Startup wrote snapshot 1; this is the post-trade one.
	if seq != 2 {
		t.Fatalf("unexpected snapshot seq: %d", seq)
	}
	blob, ok, err := env.store.LatestSnapshot(ctx)
	if err != nil || !ok {
		t.Fatalf("latest snapshot: ok=%v err=%v", ok, err)
	}

	restored := market.NewEngine()
	restored.SetTokenLedger(env.token)
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	want, err := env.svc.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	got, err := restored.State()
	if err != nil {
		t.Fatalf("restored state: %v", err)
	}
	if got.Curve.Price.Cmp(want.Curve.Price) != 0 ||
		got.Curve.Floor.Cmp(want.Curve.Floor) != 0 ||
		got.Curve.Worth.Cmp(want.Curve.Worth) != 0 {
		t.Fatalf("restored curve diverges: %+v vs %+v", got.Curve, want.Curve)
	}
	if got.Ratio.Target != want.Ratio.Target || got.Ratio.TargetAdjusted != want.Ratio.TargetAdjusted {
		t.Fatalf("restored targets diverge: %+v vs %+v", got.Ratio, want.Ratio)
	}
}

// TestRecoverRebuildsLedger simulates a process restart: a fresh engine and
// freshly seeded ledgers over the surviving journal must end up at the same
// balances and curve as the process that wrote it.
func TestRecoverRebuildsLedger(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()
	if err := env.svc.SetFeeOptions(ctx, market.FeeOptions{BuyFeeBps: 250, DevAccount: "dev"}); err != nil {
		t.Fatalf("fee options: %v", err)
	}
	requests := []TradeRequest{
		{Key: "r1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(100_000_000)},
		{Key: "r2", Op: OpSell, Account: "genesis", Token: "USDC", Amount: mustBig(t, "1000000000000000000000")},
		{Key: "r3", Op: OpRealize, Account: "carol", Beneficiary: "dan", Token: "USDC", Amount: big.NewInt(1_000_000_000_000_000_000)},
	}
	for _, req := range requests {
		if _, err := env.svc.Submit(ctx, req); err != nil {
			t.Fatalf("submit %s: %v", req.Key, err)
		}
	}
	if _, err := env.svc.Checkpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	registry, err := ledger.NewRegistry(
		ledger.StableToken{Symbol: "USDC", Decimals: 6, BuyApproved: true},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	token := ledger.NewLedger("LAB")
	claim := ledger.NewLedger("PRLAB")
	if err := token.Mint("genesis", mustBig(t, "1000000000000000000000000")); err != nil {
		t.Fatalf("seed supply: %v", err)
	}
	if err := claim.Mint("carol", big.NewInt(1_000_000_000_000_000_000)); err != nil {
		t.Fatalf("seed claims: %v", err)
	}
	engine := market.NewEngine()
	engine.SetTokenLedger(token)
	engine.SetClaimLedger(claim)
	engine.SetStableRegistry(registry)
	svc, err := New(Config{
		Engine:      engine,
		TokenLedger: token,
		ClaimLedger: claim,
		Store:       env.store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	recovered, err := svc.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !recovered {
		t.Fatalf("no snapshot found")
	}

	for _, account := range []string{"genesis", "alice", "carol", "dan", "dev"} {
		want := env.token.BalanceOf(account)
		if got := token.BalanceOf(account); got.Cmp(want) != 0 {
			t.Fatalf("%s balance: got %s want %s", account, got, want)
		}
	}
	if got := token.TotalSupply(); got.Cmp(env.token.TotalSupply()) != 0 {
		t.Fatalf("supply: got %s want %s", got, env.token.TotalSupply())
	}
	if got := claim.BalanceOf("carol"); got.Sign() != 0 {
		t.Fatalf("carol claims survived replay: %s", got)
	}
	want, err := env.svc.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	got, err := svc.State(ctx)
	if err != nil {
		t.Fatalf("recovered state: %v", err)
	}
	if got.Curve.Price.Cmp(want.Curve.Price) != 0 ||
		got.Curve.Floor.Cmp(want.Curve.Floor) != 0 ||
		got.Curve.Worth.Cmp(want.Curve.Worth) != 0 {
		t.Fatalf("recovered curve diverges: %+v vs %+v", got.Curve, want.Curve)
	}
	if got.Ratio.Target != want.Ratio.Target || got.Ratio.TargetAdjusted != want.Ratio.TargetAdjusted {
		t.Fatalf("recovered targets diverge: %+v vs %+v", got.Ratio, want.Ratio)
	}
	if got.Supply.Cmp(want.Supply) != 0 {
		t.Fatalf("recovered supply diverges: %s vs %s", got.Supply, want.Supply)
	}
}

func TestManualLowerDecaysTargets(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()
	sink := &captureSink{}
	env.svc.SetEventSink(sink)

	env.clock.advance(10 * time.Second)
	if err := env.svc.ManualLower(ctx); err != nil {
		t.Fatalf("manual lower: %v", err)
	}
	state, err := env.svc.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Ratio.Target != 117 || state.Ratio.TargetAdjusted != 122 {
		t.Fatalf("targets: got %d/%d", state.Ratio.Target, state.Ratio.TargetAdjusted)
	}
	if !sink.has(events.TypeTargetsLowered) {
		t.Fatalf("lowering event not forwarded: %v", sink.types)
	}
}

func TestEventSinkReceivesTradeEvents(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()
	sink := &captureSink{}
	env.svc.SetEventSink(sink)

	if _, err := env.svc.Submit(ctx, TradeRequest{Key: "e1", Op: OpBuy, Account: "alice", Token: "USDC", Amount: big.NewInt(100_000_000)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, kind := range []string{events.TypeMarketBought, events.TypeCurveAdjusted, events.TypeTargetsRaised} {
		if !sink.has(kind) {
			t.Fatalf("missing %s in %v", kind, sink.types)
		}
	}
}

func TestOptionsLockedAfterStartup(t *testing.T) {
	env := startedTradingEnv(t)
	ctx := context.Background()
	err := env.svc.SetMarketOptions(ctx, market.MarketOptions{Slope: big.NewInt(1), Target: 100, TargetAdjusted: 200})
	if !errors.Is(err, market.ErrAlreadyStarted) {
		t.Fatalf("expected already started, got %v", err)
	}
	if err := env.svc.SetFeeOptions(ctx, market.FeeOptions{SellFeeBps: 100, DevAccount: "dev"}); err != nil {
		t.Fatalf("fee options after startup: %v", err)
	}
}

func TestFundingRatioReportsBps(t *testing.T) {
	env := startedTradingEnv(t)
	bps, num, den, err := env.svc.FundingRatio(context.Background())
	if err != nil {
		t.Fatalf("funding ratio: %v", err)
	}
	if bps != 119 {
		t.Fatalf("bps: got %d", bps)
	}
	if num.Sign() <= 0 || den.Sign() <= 0 {
		t.Fatalf("ratio parts: %s / %s", num, den)
	}
}
