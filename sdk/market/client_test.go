package market

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"

	"curvemarket/native/ledger"
	nativemarket "curvemarket/native/market"
	"curvemarket/services/marketd/server"
	"curvemarket/services/marketd/storage"
	"curvemarket/services/marketd/trading"
)

const adminToken = "sdk-admin-token"

func mustBig(t *testing.T, raw string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		t.Fatalf("bad integer literal %q", raw)
	}
	return v
}

// newMarketServer stands up the real marketd handler over an in-memory store
// so the client is exercised against the wire format it will meet in
// production.
func newMarketServer(t *testing.T) (*trading.Service, *httptest.Server) {
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
	engine := nativemarket.NewEngine()
	engine.SetTokenLedger(token)
	engine.SetClaimLedger(claim)
	engine.SetStableRegistry(registry)
	if err := engine.SetMarketOptions(nativemarket.MarketOptions{
		Slope:          big.NewInt(1_000_000_000),
		Target:         120,
		TargetAdjusted: 125,
	}); err != nil {
		t.Fatalf("market options: %v", err)
	}
	if err := engine.SetAdjustOptions(nativemarket.AdjustOptions{
		MinTarget:         50,
		MaxTargetAdjusted: 10_000,
		RaiseStep:         25,
		LowerStep:         3,
		LowerInterval:     10,
	}); err != nil {
		t.Fatalf("adjust options: %v", err)
	}
	store, err := storage.Open("file:sdk_market_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc, err := trading.New(trading.Config{
		Engine:      engine,
		TokenLedger: token,
		ClaimLedger: claim,
		Registry:    registry,
		Store:       store,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("trading service: %v", err)
	}
	auth, err := server.NewAuthenticator(adminToken)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	srv, err := server.New(server.Config{}, svc, auth, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return svc, ts
}

func startedMarketServer(t *testing.T) (*trading.Service, *httptest.Server) {
	t.Helper()
	svc, ts := newMarketServer(t)
	err := svc.Startup(context.Background(),
		mustBig(t, "1000000000000000000000"),
		mustBig(t, "1000000000000000000000000"))
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	return svc, ts
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatalf("expected error for empty base URL")
	}
}

func TestClientReadsState(t *testing.T) {
	_, ts := startedMarketServer(t)
	client, err := New(ts.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()

	if err := client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	state, err := client.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.Started || state.Paused {
		t.Fatalf("unexpected flags: %+v", state)
	}
	if state.Price != "1142919333848296" || state.Floor != "988000000000000" {
		t.Fatalf("unexpected curve: price %s floor %s", state.Price, state.Floor)
	}
	if state.Ratio.TargetBps != 120 || state.Ratio.TargetAdjustedBps != 125 {
		t.Fatalf("unexpected targets: %+v", state.Ratio)
	}
	ratio, err := client.FundingRatio(ctx)
	if err != nil {
		t.Fatalf("funding ratio: %v", err)
	}
	if ratio.Bps != 119 {
		t.Fatalf("ratio bps: %d", ratio.Bps)
	}
	estimate, err := client.RaiseEstimate(ctx)
	if err != nil {
		t.Fatalf("raise estimate: %v", err)
	}
	if estimate.Supply == "" || estimate.RaisedFloor == "" {
		t.Fatalf("incomplete estimate: %+v", estimate)
	}
}

func TestClientQuotes(t *testing.T) {
	_, ts := startedMarketServer(t)
	client, err := New(ts.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()

	buy, err := client.QuoteBuy(ctx, "USDC", "100000000")
	if err != nil {
		t.Fatalf("quote buy: %v", err)
	}
	if buy.AmountOut != "84380386547758146649639" {
		t.Fatalf("buy amount out: %s", buy.AmountOut)
	}
	if buy.NewPrice != "1227299720396054" {
		t.Fatalf("buy new price: %s", buy.NewPrice)
	}
	sell, err := client.QuoteSell(ctx, "USDC", "1000000000000000000000")
	if err != nil {
		t.Fatalf("quote sell: %v", err)
	}
	if sell.WorthOut != "1142419" {
		t.Fatalf("sell worth out: %s", sell.WorthOut)
	}
	realize, err := client.QuoteRealize(ctx, "USDC", "1000000000000000000")
	if err != nil {
		t.Fatalf("quote realize: %v", err)
	}
	if realize.Worth != "988000000000000" {
		t.Fatalf("realize worth: %s", realize.Worth)
	}
	if _, err := client.QuoteBuy(ctx, "DAI", "100000000"); err == nil {
		t.Fatalf("unsupported stable accepted")
	}
}

func TestClientTradeReplay(t *testing.T) {
	_, ts := startedMarketServer(t)
	client, err := New(ts.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()

	first, err := client.Trade(ctx, TradeRequest{
		Key:     "sdk-buy-1",
		Op:      "buy",
		Account: "alice",
		Token:   "USDC",
		Amount:  "100000000",
	})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if first.Seq != 1 || first.Replayed {
		t.Fatalf("unexpected result: %+v", first)
	}
	if first.Price != "1164712100826378" {
		t.Fatalf("executed price: %s", first.Price)
	}
	second, err := client.Trade(ctx, TradeRequest{
		Key:     "sdk-buy-1",
		Op:      "buy",
		Account: "alice",
		Token:   "USDC",
		Amount:  "100000000",
	})
	if err != nil {
		t.Fatalf("replay trade: %v", err)
	}
	if !second.Replayed || second.Digest != first.Digest {
		t.Fatalf("replay mismatch: %+v vs %+v", second, first)
	}

	// The header key carries when the body omits one.
	headerKeyed, err := client.Trade(ctx, TradeRequest{
		Op:      "buy",
		Account: "alice",
		Token:   "USDC",
		Amount:  "1000000",
	}, WithIdempotencyKey("sdk-buy-2"))
	if err != nil {
		t.Fatalf("header keyed trade: %v", err)
	}
	if headerKeyed.Key != "sdk-buy-2" {
		t.Fatalf("header key ignored: %q", headerKeyed.Key)
	}
}

func TestClientAdminRoundTrip(t *testing.T) {
	svc, ts := startedMarketServer(t)
	ctx := context.Background()

	anon, err := New(ts.URL)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if err := anon.Pause(ctx); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401, got %v", err)
	}

	admin, err := New(ts.URL, WithBearerToken(adminToken))
	if err != nil {
		t.Fatalf("admin client: %v", err)
	}
	if err := admin.Pause(ctx); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !svc.Paused(ctx) {
		t.Fatalf("pause not applied")
	}
	if err := admin.Resume(ctx); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := admin.SetFeeOptions(ctx, 250, 0, "dev"); err != nil {
		t.Fatalf("fee options: %v", err)
	}
	state, err := admin.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.BuyFeeBps != 250 || state.DevAccount != "dev" {
		t.Fatalf("fees not applied: %+v", state)
	}

	stables, err := admin.Stables(ctx)
	if err != nil {
		t.Fatalf("stables: %v", err)
	}
	if len(stables) != 1 || stables[0].Symbol != "USDC" || !stables[0].BuyApproved {
		t.Fatalf("unexpected stables: %+v", stables)
	}
	if err := admin.ApproveStable(ctx, "USDC", false); err != nil {
		t.Fatalf("suspend stable: %v", err)
	}
	if stables, err = admin.Stables(ctx); err != nil || stables[0].BuyApproved {
		t.Fatalf("suspension not applied: %+v err=%v", stables, err)
	}
	if err := admin.ApproveStable(ctx, "USDC", true); err != nil {
		t.Fatalf("re-approve stable: %v", err)
	}
	if err := admin.ApproveStable(ctx, "DAI", true); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 for unknown stable, got %v", err)
	}

	if _, err := admin.Trade(ctx, TradeRequest{
		Key: "sdk-admin-buy", Op: "buy", Account: "alice", Token: "USDC", Amount: "100000000",
	}); err != nil {
		t.Fatalf("trade: %v", err)
	}
	records, err := admin.Trades(ctx, 0)
	if err != nil {
		t.Fatalf("trades: %v", err)
	}
	if len(records) != 1 || records[0].Key != "sdk-admin-buy" {
		t.Fatalf("unexpected records: %+v", records)
	}
	if records[0].Beneficiary != "alice" || records[0].DevAccount != "dev" {
		t.Fatalf("unexpected routing fields: %+v", records[0])
	}
	report, err := admin.VerifyJournal(ctx)
	if err != nil {
		t.Fatalf("verify journal: %v", err)
	}
	if !report.Intact || report.Records != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	volume, err := admin.DailyVolume(ctx, "")
	if err != nil {
		t.Fatalf("volume: %v", err)
	}
	if volume.Volume != "100000000000000000000" {
		t.Fatalf("unexpected volume: %s", volume.Volume)
	}
	// Startup wrote snapshot 1; this is the post-trade one.
	seq, err := admin.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if seq != 2 {
		t.Fatalf("unexpected snapshot seq: %d", seq)
	}
}
