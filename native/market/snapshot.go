package market

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

func snapshotBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// storedMarketSnapshot is the RLP layout persisted for the engine. RLP has no
// signed integers, so the update timestamp travels as uint64 seconds.
type storedMarketSnapshot struct {
	Started           bool
	Price             *big.Int
	Floor             *big.Int
	Intercept         *big.Int
	Worth             *big.Int
	Slope             *big.Int
	TotalVolume       *big.Int
	Target            uint32
	TargetAdjusted    uint32
	MinTarget         uint32
	MaxTargetAdjusted uint32
	RaiseStep         uint32
	LowerStep         uint32
	LowerInterval     uint64
	LatestUpdate      uint64
	BuyFeeBps         uint32
	SellFeeBps        uint32
	DevAccount        string
}

// Snapshot serializes the engine's curve, ratio and fee state.
func (e *Engine) Snapshot() ([]byte, error) {
	if e == nil {
		return nil, errNilEngine
	}
	latest := e.ratio.LatestUpdate
	if latest < 0 {
		latest = 0
	}
	stored := storedMarketSnapshot{
		Started:           e.started,
		Price:             snapshotBig(e.state.Price),
		Floor:             snapshotBig(e.state.Floor),
		Intercept:         snapshotBig(e.state.Intercept),
		Worth:             snapshotBig(e.state.Worth),
		Slope:             snapshotBig(e.state.Slope),
		TotalVolume:       snapshotBig(e.state.TotalVolume),
		Target:            e.ratio.Target,
		TargetAdjusted:    e.ratio.TargetAdjusted,
		MinTarget:         e.ratio.MinTarget,
		MaxTargetAdjusted: e.ratio.MaxTargetAdjusted,
		RaiseStep:         e.ratio.RaiseStep,
		LowerStep:         e.ratio.LowerStep,
		LowerInterval:     e.ratio.LowerInterval,
		LatestUpdate:      uint64(latest),
		BuyFeeBps:         e.fees.BuyFeeBps,
		SellFeeBps:        e.fees.SellFeeBps,
		DevAccount:        e.fees.DevAccount,
	}
	return rlp.EncodeToBytes(&stored)
}

// Restore replaces the engine state with a previously serialized snapshot.
// The snapshot is validated as a whole before anything is overwritten, so a
// corrupt blob leaves the engine untouched.
func (e *Engine) Restore(data []byte) error {
	if e == nil {
		return errNilEngine
	}
	var stored storedMarketSnapshot
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return err
	}
	price := snapshotBig(stored.Price)
	floor := snapshotBig(stored.Floor)
	intercept := snapshotBig(stored.Intercept)
	worth := snapshotBig(stored.Worth)
	slope := snapshotBig(stored.Slope)
	volume := snapshotBig(stored.TotalVolume)
	if err := checkRange(price, floor, intercept, worth, slope, volume); err != nil {
		return err
	}
	if stored.LatestUpdate > math.MaxInt64 {
		return ErrOverflow
	}
	fees := FeeOptions{
		BuyFeeBps:  stored.BuyFeeBps,
		SellFeeBps: stored.SellFeeBps,
		DevAccount: stored.DevAccount,
	}
	if err := fees.Validate(); err != nil {
		return err
	}
	if stored.Started {
		if slope.Sign() <= 0 || floor.Sign() <= 0 {
			return ErrInvalidOptions
		}
		if price.Cmp(floor) <= 0 {
			return ErrInvalidOptions
		}
		if !validRatioOrdering(stored.MinTarget, stored.Target, stored.TargetAdjusted, stored.MaxTargetAdjusted) {
			return ErrInvalidOptions
		}
	}

	e.started = stored.Started
	e.state.Price = price
	e.state.Floor = floor
	e.state.Intercept = intercept
	e.state.Worth = worth
	e.state.Slope = slope
	e.state.TotalVolume = volume
	e.ratio.Target = stored.Target
	e.ratio.TargetAdjusted = stored.TargetAdjusted
	e.ratio.MinTarget = stored.MinTarget
	e.ratio.MaxTargetAdjusted = stored.MaxTargetAdjusted
	e.ratio.RaiseStep = stored.RaiseStep
	e.ratio.LowerStep = stored.LowerStep
	e.ratio.LowerInterval = stored.LowerInterval
	e.ratio.LatestUpdate = int64(stored.LatestUpdate)
	e.fees = fees
	return nil
}
