package market

import (
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
)

func TestSnapshotRoundTrip(t *testing.T) {
	env := startedEnv(t)
	if err := env.engine.SetFeeOptions(FeeOptions{BuyFeeBps: 50, SellFeeBps: 25, DevAccount: "dev"}); err != nil {
		t.Fatalf("set fees: %v", err)
	}
	blob, err := env.engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := NewEngine()
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.started {
		t.Fatalf("restored engine must be started")
	}
	if restored.state.Price.Cmp(env.engine.state.Price) != 0 {
		t.Fatalf("price mismatch: got %s want %s", restored.state.Price, env.engine.state.Price)
	}
	if restored.state.Floor.Cmp(env.engine.state.Floor) != 0 {
		t.Fatalf("floor mismatch: got %s want %s", restored.state.Floor, env.engine.state.Floor)
	}
	if restored.state.Intercept.Cmp(env.engine.state.Intercept) != 0 {
		t.Fatalf("intercept mismatch: got %s want %s", restored.state.Intercept, env.engine.state.Intercept)
	}
	if restored.state.Worth.Cmp(env.engine.state.Worth) != 0 {
		t.Fatalf("worth mismatch: got %s want %s", restored.state.Worth, env.engine.state.Worth)
	}
	if restored.state.Slope.Cmp(env.engine.state.Slope) != 0 {
		t.Fatalf("slope mismatch: got %s want %s", restored.state.Slope, env.engine.state.Slope)
	}
	if *restored.ratio != *env.engine.ratio {
		t.Fatalf("ratio mismatch: got %+v want %+v", restored.ratio, env.engine.ratio)
	}
	if restored.fees != env.engine.fees {
		t.Fatalf("fee mismatch: got %+v want %+v", restored.fees, env.engine.fees)
	}
}

func TestSnapshotRoundTripUnstarted(t *testing.T) {
	env := newTestEnv()
	if err := env.engine.SetAdjustOptions(AdjustOptions{MinTarget: 50, MaxTargetAdjusted: 400, RaiseStep: 10, LowerStep: 2, LowerInterval: 60}); err != nil {
		t.Fatalf("set adjust options: %v", err)
	}
	if err := env.engine.SetMarketOptions(MarketOptions{Slope: big.NewInt(7), Target: 100, TargetAdjusted: 200}); err != nil {
		t.Fatalf("set market options: %v", err)
	}
	blob, err := env.engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	restored := NewEngine()
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.started {
		t.Fatalf("restored engine must not be started")
	}
	if restored.state.Slope.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("slope mismatch: %s", restored.state.Slope)
	}
	if restored.ratio.Target != 100 || restored.ratio.LowerInterval != 60 {
		t.Fatalf("ratio mismatch: %+v", restored.ratio)
	}
}

func TestSnapshotClampsNegativeTimestamp(t *testing.T) {
	env := startedEnv(t)
	env.engine.ratio.LatestUpdate = -5
	blob, err := env.engine.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	restored := NewEngine()
	if err := restored.Restore(blob); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ratio.LatestUpdate != 0 {
		t.Fatalf("negative timestamp must clamp to zero: %d", restored.ratio.LatestUpdate)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	engine := NewEngine()
	if err := engine.Restore([]byte{0xff, 0x00, 0xba, 0xad}); err == nil {
		t.Fatalf("expected decode error")
	}
	if engine.started || engine.state.Price.Sign() != 0 {
		t.Fatalf("failed restore must leave the engine untouched")
	}
}

func validStoredSnapshot() storedMarketSnapshot {
	return storedMarketSnapshot{
		Started:           true,
		Price:             mustBigInt("2000000000000000000"),
		Floor:             mustBigInt("1000000000000000000"),
		Intercept:         big.NewInt(0),
		Worth:             mustBigInt("1000000000000000000"),
		Slope:             big.NewInt(1),
		TotalVolume:       big.NewInt(0),
		Target:            100,
		TargetAdjusted:    200,
		MinTarget:         50,
		MaxTargetAdjusted: 10_000,
		LatestUpdate:      1_700_000_000,
	}
}

func TestRestoreValidatesContents(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*storedMarketSnapshot)
		wantErr error
	}{
		{
			name:    "price at floor",
			mutate:  func(s *storedMarketSnapshot) { s.Price = mustBigInt("1000000000000000000") },
			wantErr: ErrInvalidOptions,
		},
		{
			name:    "zero floor",
			mutate:  func(s *storedMarketSnapshot) { s.Floor = big.NewInt(0) },
			wantErr: ErrInvalidOptions,
		},
		{
			name:    "zero target",
			mutate:  func(s *storedMarketSnapshot) { s.Target = 0 },
			wantErr: ErrInvalidOptions,
		},
		{
			name:    "timestamp past int64",
			mutate:  func(s *storedMarketSnapshot) { s.LatestUpdate = uint64(math.MaxInt64) + 1 },
			wantErr: ErrOverflow,
		},
		{
			name:    "fee above cap",
			mutate:  func(s *storedMarketSnapshot) { s.BuyFeeBps = 1_001; s.DevAccount = "dev" },
			wantErr: ErrInvalidOptions,
		},
		{
			name:    "fee without sink",
			mutate:  func(s *storedMarketSnapshot) { s.SellFeeBps = 10 },
			wantErr: ErrInvalidOptions,
		},
		{
			name:    "price beyond 256 bits",
			mutate:  func(s *storedMarketSnapshot) { s.Price = new(big.Int).Lsh(big.NewInt(1), 257) },
			wantErr: ErrOverflow,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stored := validStoredSnapshot()
			tc.mutate(&stored)
			blob, err := rlp.EncodeToBytes(&stored)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			engine := NewEngine()
			if err := engine.Restore(blob); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if engine.started {
				t.Fatalf("failed restore must leave the engine unstarted")
			}
		})
	}

	// The unmutated snapshot restores cleanly.
	blob, err := rlp.EncodeToBytes(validStoredSnapshot())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	engine := NewEngine()
	if err := engine.Restore(blob); err != nil {
		t.Fatalf("restore valid snapshot: %v", err)
	}
	if !engine.started {
		t.Fatalf("expected started engine")
	}
}
