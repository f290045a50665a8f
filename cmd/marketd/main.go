package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	marketcfg "curvemarket/config"
	"curvemarket/native/common"
	"curvemarket/native/ledger"
	"curvemarket/native/market"
	"curvemarket/observability/logging"
	telemetry "curvemarket/observability/otel"
	"curvemarket/services/marketd/config"
	"curvemarket/services/marketd/server"
	"curvemarket/services/marketd/storage"
	"curvemarket/services/marketd/trading"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/marketd/config.yaml", "path to marketd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("MARKETD_ENV"))
	logger := logging.Setup("marketd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("marketd: load config: %v", err)
	}

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if otlpEndpoint == "" {
		otlpEndpoint = cfg.Telemetry.Endpoint
	}
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := cfg.Telemetry.Insecure
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("marketd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	mkt, err := marketcfg.Load(cfg.MarketConfig)
	if err != nil {
		log.Fatalf("marketd: load market config: %v", err)
	}

	stables := make([]ledger.StableToken, 0, len(mkt.Stables))
	for _, stable := range mkt.Stables {
		stables = append(stables, ledger.StableToken{
			Symbol:      stable.Symbol,
			Decimals:    stable.Decimals,
			BuyApproved: stable.BuyApproved,
		})
	}
	registry, err := ledger.NewRegistry(stables...)
	if err != nil {
		log.Fatalf("marketd: stable registry: %v", err)
	}
	token := ledger.NewLedger(mkt.MarketToken)
	claim := ledger.NewLedger(mkt.ClaimToken)

	slope, err := mkt.SlopeInt()
	if err != nil {
		log.Fatalf("marketd: parse slope: %v", err)
	}
	engine := market.NewEngine()
	engine.SetTokenLedger(token)
	engine.SetClaimLedger(claim)
	engine.SetStableRegistry(registry)
	if err := engine.SetMarketOptions(market.MarketOptions{
		Slope:          slope,
		Target:         mkt.TargetBps,
		TargetAdjusted: mkt.TargetAdjustedBps,
	}); err != nil {
		log.Fatalf("marketd: market options: %v", err)
	}
	if err := engine.SetAdjustOptions(market.AdjustOptions{
		MinTarget:         mkt.Adjust.MinTargetBps,
		MaxTargetAdjusted: mkt.Adjust.MaxTargetAdjustedBps,
		RaiseStep:         mkt.Adjust.RaiseStepBps,
		LowerStep:         mkt.Adjust.LowerStepBps,
		LowerInterval:     mkt.Adjust.LowerIntervalSeconds,
	}); err != nil {
		log.Fatalf("marketd: adjust options: %v", err)
	}
	if mkt.Fees.BuyBps > 0 || mkt.Fees.SellBps > 0 {
		if err := engine.SetFeeOptions(market.FeeOptions{
			BuyFeeBps:  mkt.Fees.BuyBps,
			SellFeeBps: mkt.Fees.SellBps,
			DevAccount: mkt.Fees.DevAccount,
		}); err != nil {
			log.Fatalf("marketd: fee options: %v", err)
		}
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("marketd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("marketd: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	// Journal replay rebuilds balances on top of the genesis mint, so a
	// surviving snapshot without a Startup section cannot be recovered.
	if _, ok, err := store.LatestSnapshot(ctx); err != nil {
		log.Fatalf("marketd: probe snapshot: %v", err)
	} else if ok && mkt.Startup == nil {
		log.Fatalf("marketd: snapshot found but market config has no Startup section to reseed the supply")
	}

	var startupWorth, startupSupply *big.Int
	if mkt.Startup != nil {
		startupWorth, err = mkt.Startup.WorthInt()
		if err != nil {
			log.Fatalf("marketd: startup worth: %v", err)
		}
		startupSupply, err = mkt.Startup.SupplyInt()
		if err != nil {
			log.Fatalf("marketd: startup supply: %v", err)
		}
		if err := token.Mint(mkt.Startup.Account, startupSupply); err != nil {
			log.Fatalf("marketd: seed genesis supply: %v", err)
		}
	}

	svc, err := trading.New(trading.Config{
		Engine:      engine,
		TokenLedger: token,
		ClaimLedger: claim,
		Registry:    registry,
		Store:       store,
		Quota: common.Quota{
			MaxRequestsPerMin: cfg.Quota.MaxRequestsPerMinute,
			MaxWorthPerEpoch:  cfg.Quota.MaxWorthPerEpoch,
			EpochSeconds:      cfg.Quota.EpochSeconds,
		},
		LowerInterval:      cfg.Lowering.Duration,
		CheckpointInterval: cfg.Checkpoint.Duration,
		Logger:             logger,
	})
	if err != nil {
		log.Fatalf("marketd: trading service: %v", err)
	}

	recovered, err := svc.Recover(ctx)
	if err != nil {
		log.Fatalf("marketd: recover market: %v", err)
	}
	if !recovered && mkt.Startup != nil {
		if err := svc.Startup(ctx, startupWorth, startupSupply); err != nil {
			log.Fatalf("marketd: start market: %v", err)
		}
	}

	hub := server.NewHub()
	svc.SetEventSink(hub)

	auth, err := server.NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		log.Fatalf("marketd: configure admin auth: %v", err)
	}
	limits := make(map[string]server.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = server.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}
	limiter := server.NewRateLimiter(limits)

	srv, err := server.New(server.Config{ListenAddress: cfg.ListenAddress}, svc, auth, limiter, hub, logger)
	if err != nil {
		log.Fatalf("marketd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := svc.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("marketd: maintenance loop exited: %v", err)
			stop()
		}
	}()

	if err := srv.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("marketd: http server error: %v", err)
		os.Exit(1)
	}
}
