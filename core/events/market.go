package events

import (
	"math/big"
	"strconv"
	"strings"

	"curvemarket/core/types"
)

const (
	// TypeMarketStarted is emitted once when the curve is seeded.
	TypeMarketStarted = "market.started"
	// TypeMarketBought is emitted on every completed purchase.
	TypeMarketBought = "market.bought"
	// TypeMarketSold is emitted on every completed sale.
	TypeMarketSold = "market.sold"
	// TypeMarketRealized is emitted when claim tokens convert at the floor.
	TypeMarketRealized = "market.realized"
	// TypeMarketBurned is emitted when supply is burned without payout.
	TypeMarketBurned = "market.burned"
	// TypeCurveAdjusted is emitted when the controller re-solves the curve.
	TypeCurveAdjusted = "market.curve.adjusted"
	// TypeTargetsRaised is emitted when the ratio targets step up.
	TypeTargetsRaised = "market.targets.raised"
	// TypeTargetsLowered is emitted when the ratio targets decay.
	TypeTargetsLowered = "market.targets.lowered"
)

// MarketStarted reports the initial curve solved at startup.
type MarketStarted struct {
	Worth     *big.Int
	Supply    *big.Int
	Price     *big.Int
	Floor     *big.Int
	Intercept *big.Int
}

func (MarketStarted) EventType() string { return TypeMarketStarted }

func (e MarketStarted) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketStarted,
		Attributes: map[string]string{
			"worth":     bigAttr(e.Worth),
			"supply":    bigAttr(e.Supply),
			"price":     bigAttr(e.Price),
			"floor":     bigAttr(e.Floor),
			"intercept": bigAttr(e.Intercept),
		},
	}
}

// MarketBought reports a purchase: stable worth in, market tokens out.
type MarketBought struct {
	Payer       string
	Beneficiary string
	Token       string
	WorthIn     *big.Int
	Worth       *big.Int
	Amount      *big.Int
	Fee         *big.Int
	Price       *big.Int
}

func (MarketBought) EventType() string { return TypeMarketBought }

func (e MarketBought) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketBought,
		Attributes: map[string]string{
			"payer":       e.Payer,
			"beneficiary": e.Beneficiary,
			"token":       normalizeAsset(e.Token),
			"worthIn":     bigAttr(e.WorthIn),
			"worth":       bigAttr(e.Worth),
			"amount":      bigAttr(e.Amount),
			"fee":         bigAttr(e.Fee),
			"price":       bigAttr(e.Price),
		},
	}
}

// MarketSold reports a sale: market tokens in, stable worth out.
type MarketSold struct {
	Seller      string
	Beneficiary string
	Token       string
	Amount      *big.Int
	Fee         *big.Int
	Worth       *big.Int
	WorthOut    *big.Int
	Price       *big.Int
}

func (MarketSold) EventType() string { return TypeMarketSold }

func (e MarketSold) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketSold,
		Attributes: map[string]string{
			"seller":      e.Seller,
			"beneficiary": e.Beneficiary,
			"token":       normalizeAsset(e.Token),
			"amount":      bigAttr(e.Amount),
			"fee":         bigAttr(e.Fee),
			"worth":       bigAttr(e.Worth),
			"worthOut":    bigAttr(e.WorthOut),
			"price":       bigAttr(e.Price),
		},
	}
}

// MarketRealized reports a claim-token conversion at the floor price.
type MarketRealized struct {
	Caller      string
	Beneficiary string
	Token       string
	Amount      *big.Int
	Worth       *big.Int
	WorthIn     *big.Int
}

func (MarketRealized) EventType() string { return TypeMarketRealized }

func (e MarketRealized) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketRealized,
		Attributes: map[string]string{
			"caller":      e.Caller,
			"beneficiary": e.Beneficiary,
			"token":       normalizeAsset(e.Token),
			"amount":      bigAttr(e.Amount),
			"worth":       bigAttr(e.Worth),
			"worthIn":     bigAttr(e.WorthIn),
		},
	}
}

// MarketBurned reports a supply burn and the re-solved curve shape.
type MarketBurned struct {
	Owner       string
	Amount      *big.Int
	Price       *big.Int
	Floor       *big.Int
	FloorRaised bool
}

func (MarketBurned) EventType() string { return TypeMarketBurned }

func (e MarketBurned) Event() *types.Event {
	return &types.Event{
		Type: TypeMarketBurned,
		Attributes: map[string]string{
			"owner":       e.Owner,
			"amount":      bigAttr(e.Amount),
			"price":       bigAttr(e.Price),
			"floor":       bigAttr(e.Floor),
			"floorRaised": strconv.FormatBool(e.FloorRaised),
		},
	}
}

// CurveAdjusted reports a controller re-solve applied to the curve.
type CurveAdjusted struct {
	Price     *big.Int
	Floor     *big.Int
	Intercept *big.Int
}

func (CurveAdjusted) EventType() string { return TypeCurveAdjusted }

func (e CurveAdjusted) Event() *types.Event {
	return &types.Event{
		Type: TypeCurveAdjusted,
		Attributes: map[string]string{
			"price":     bigAttr(e.Price),
			"floor":     bigAttr(e.Floor),
			"intercept": bigAttr(e.Intercept),
		},
	}
}

// TargetsRaised reports an upward step of the ratio targets.
type TargetsRaised struct {
	Actor          string
	Target         uint32
	TargetAdjusted uint32
}

func (TargetsRaised) EventType() string { return TypeTargetsRaised }

func (e TargetsRaised) Event() *types.Event {
	return &types.Event{
		Type: TypeTargetsRaised,
		Attributes: map[string]string{
			"actor":          e.Actor,
			"target":         strconv.FormatUint(uint64(e.Target), 10),
			"targetAdjusted": strconv.FormatUint(uint64(e.TargetAdjusted), 10),
		},
	}
}

// TargetsLowered reports a time-decay step of the ratio targets.
type TargetsLowered struct {
	Target         uint32
	TargetAdjusted uint32
}

func (TargetsLowered) EventType() string { return TypeTargetsLowered }

func (e TargetsLowered) Event() *types.Event {
	return &types.Event{
		Type: TypeTargetsLowered,
		Attributes: map[string]string{
			"target":         strconv.FormatUint(uint64(e.Target), 10),
			"targetAdjusted": strconv.FormatUint(uint64(e.TargetAdjusted), 10),
		},
	}
}

func bigAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// normalizeAsset upper-cases a stable token symbol so event consumers see one
// canonical spelling regardless of how the request wrote it.
func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}
