package market

import (
	"math/big"
	"strings"
)

// maxFeeBps caps trade fees at 10%.
const maxFeeBps = uint32(1_000)

// MarketOptions seed the curve before startup. The slope is immutable once
// the market starts.
type MarketOptions struct {
	Slope          *big.Int
	Target         uint32
	TargetAdjusted uint32
}

// AdjustOptions bound the ratio controller's movements.
type AdjustOptions struct {
	MinTarget         uint32
	MaxTargetAdjusted uint32
	RaiseStep         uint32
	LowerStep         uint32
	LowerInterval     uint64
}

// FeeOptions route basis-point trade fees to the dev account.
type FeeOptions struct {
	BuyFeeBps  uint32
	SellFeeBps uint32
	DevAccount string
}

// Validate checks the option values that do not depend on engine state.
func (o MarketOptions) Validate() error {
	if o.Slope == nil || o.Slope.Sign() <= 0 {
		return ErrInvalidOptions
	}
	if err := checkRange(o.Slope); err != nil {
		return err
	}
	if o.Target == 0 || o.Target >= o.TargetAdjusted || o.TargetAdjusted > 10_000 {
		return ErrInvalidOptions
	}
	return nil
}

// Validate checks internal consistency of the controller bounds.
func (o AdjustOptions) Validate() error {
	if o.MinTarget == 0 || o.MinTarget > o.MaxTargetAdjusted || o.MaxTargetAdjusted > 10_000 {
		return ErrInvalidOptions
	}
	return nil
}

// Validate checks fee bounds and that a sink exists whenever a fee is set.
func (o FeeOptions) Validate() error {
	if o.BuyFeeBps > maxFeeBps || o.SellFeeBps > maxFeeBps {
		return ErrInvalidOptions
	}
	if (o.BuyFeeBps > 0 || o.SellFeeBps > 0) && strings.TrimSpace(o.DevAccount) == "" {
		return ErrInvalidOptions
	}
	return nil
}

// validRatioOrdering enforces minTarget <= target < targetAdjusted <=
// maxTargetAdjusted across a candidate target pair and controller bounds.
func validRatioOrdering(minTarget, target, targetAdjusted, maxTargetAdjusted uint32) bool {
	if minTarget == 0 || maxTargetAdjusted > 10_000 {
		return false
	}
	return minTarget <= target && target < targetAdjusted && targetAdjusted <= maxTargetAdjusted
}
