package market

import "math/big"

// CurveState captures the piecewise-linear price curve. Prices, supplies and
// worth are 18-decimal fixed point; the slope is the amount of supply needed
// to move the price by one fixed-point unit.
type CurveState struct {
	Price       *big.Int // c, marginal price at the current supply
	Floor       *big.Int // f, floor price; zero until startup
	Intercept   *big.Int // p, supply at which the sloped segment meets the floor
	Worth       *big.Int // w, accumulated stable backing
	Slope       *big.Int // k, fixed once the market starts
	TotalVolume *big.Int // cumulative worth spent on buys
}

// Clone returns a deep copy so callers can hold state without aliasing the
// engine's books.
func (s *CurveState) Clone() *CurveState {
	if s == nil {
		return nil
	}
	clone := &CurveState{}
	clone.Price = copyBig(s.Price)
	clone.Floor = copyBig(s.Floor)
	clone.Intercept = copyBig(s.Intercept)
	clone.Worth = copyBig(s.Worth)
	clone.Slope = copyBig(s.Slope)
	clone.TotalVolume = copyBig(s.TotalVolume)
	return clone
}

// RatioState holds the funding-ratio targets steering the controller. Targets
// and steps are basis points; the interval is seconds.
type RatioState struct {
	Target            uint32
	TargetAdjusted    uint32
	MinTarget         uint32
	MaxTargetAdjusted uint32
	RaiseStep         uint32
	LowerStep         uint32
	LowerInterval     uint64
	LatestUpdate      int64 // unix seconds of the last controller mutation
}

// Clone returns a copy of the ratio parameters.
func (s *RatioState) Clone() *RatioState {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// MarketState is a point-in-time copy of the whole engine, including the
// circulating supply reported by the token ledger.
type MarketState struct {
	Started    bool
	Supply     *big.Int
	Curve      *CurveState
	Ratio      *RatioState
	BuyFeeBps  uint32
	SellFeeBps uint32
	DevAccount string
}

// BuyQuote prices a stable deposit against the curve. AmountOut is net of the
// fee; the fee is minted separately to the dev account.
type BuyQuote struct {
	Token     string
	WorthIn   *big.Int // stable amount in the token's own decimals
	Worth18   *big.Int
	AmountOut *big.Int
	Fee       *big.Int
	NewPrice  *big.Int
}

// SellQuote prices a market-token sale. WorthOut is the stable payout in the
// token's own decimals; the fee is routed to the dev account in market tokens.
type SellQuote struct {
	Token      string
	AmountIn   *big.Int
	Fee        *big.Int
	Worth18    *big.Int
	WorthOut   *big.Int
	NewPrice   *big.Int
	FloorReset bool // the sale touched the floor segment, so the intercept resets
}

// RealizeQuote prices a claim-token conversion at the floor. WorthIn is the
// stable owed by the caller, rounded up in the token's own decimals.
type RealizeQuote struct {
	Token   string
	Amount  *big.Int
	Worth18 *big.Int
	WorthIn *big.Int
}

// BurnQuote reports the curve produced by re-solving after a supply burn.
type BurnQuote struct {
	Amount       *big.Int
	NewPrice     *big.Int
	NewFloor     *big.Int
	NewIntercept *big.Int
	FloorRaised  bool // the floor-raising branch was taken instead of steepening
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
