package market

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"curvemarket/core/events"
	"curvemarket/native/common"
)

const moduleName = "market"

// TokenLedger is the mint/burn surface the engine drives for the market and
// claim tokens. Amounts and supply are 18-decimal base units.
type TokenLedger interface {
	Mint(account string, amount *big.Int) error
	BurnFrom(account string, amount *big.Int) error
	Transfer(from, to string, amount *big.Int) error
	TotalSupply() *big.Int
}

// StableRegistry resolves the stable tokens trades settle in.
type StableRegistry interface {
	Decimals(token string) (uint8, bool)
	BuyApproved(token string) bool
}

// Engine owns the curve and ratio state. It performs no locking of its own:
// hosts must serialize calls, because the curve math assumes one trade runs to
// completion before the next observes state.
type Engine struct {
	state   *CurveState
	ratio   *RatioState
	fees    FeeOptions
	started bool

	token   TokenLedger
	claim   TokenLedger
	stables StableRegistry
	pauses  common.PauseView
	emitter events.Emitter
	clock   func() time.Time
}

// NewEngine returns an engine with zeroed state. Collaborators are wired via
// the Set* methods before first use.
func NewEngine() *Engine {
	return &Engine{
		state: &CurveState{
			Price:       big.NewInt(0),
			Floor:       big.NewInt(0),
			Intercept:   big.NewInt(0),
			Worth:       big.NewInt(0),
			Slope:       big.NewInt(0),
			TotalVolume: big.NewInt(0),
		},
		ratio:   &RatioState{},
		emitter: events.NoopEmitter{},
		clock:   time.Now,
	}
}

// SetTokenLedger wires the market-token ledger.
func (e *Engine) SetTokenLedger(ledger TokenLedger) {
	if e == nil {
		return
	}
	e.token = ledger
}

// SetClaimLedger wires the claim-token ledger consumed by Realize.
func (e *Engine) SetClaimLedger(ledger TokenLedger) {
	if e == nil {
		return
	}
	e.claim = ledger
}

// SetStableRegistry wires the stable-token registry.
func (e *Engine) SetStableRegistry(registry StableRegistry) {
	if e == nil {
		return
	}
	e.stables = registry
}

// SetPauses wires the module pause view consulted before mutations.
func (e *Engine) SetPauses(pauses common.PauseView) {
	if e == nil {
		return
	}
	e.pauses = pauses
}

// SetEmitter wires the event emitter. A nil emitter silences events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetClock overrides the time source used by the ratio controller.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// SetMarketOptions seeds the slope and ratio targets. Rejected once trading
// has begun: the curve's shape parameters are fixed at startup.
func (e *Engine) SetMarketOptions(opts MarketOptions) error {
	if e == nil {
		return errNilEngine
	}
	if e.started {
		return ErrAlreadyStarted
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if e.ratio.MaxTargetAdjusted > 0 &&
		!validRatioOrdering(e.ratio.MinTarget, opts.Target, opts.TargetAdjusted, e.ratio.MaxTargetAdjusted) {
		return ErrInvalidOptions
	}
	e.state.Slope = copyBig(opts.Slope)
	e.ratio.Target = opts.Target
	e.ratio.TargetAdjusted = opts.TargetAdjusted
	return nil
}

// SetAdjustOptions updates the controller bounds. Valid at any time as long
// as the current targets stay inside the new bounds.
func (e *Engine) SetAdjustOptions(opts AdjustOptions) error {
	if e == nil {
		return errNilEngine
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	if e.ratio.Target > 0 &&
		!validRatioOrdering(opts.MinTarget, e.ratio.Target, e.ratio.TargetAdjusted, opts.MaxTargetAdjusted) {
		return ErrInvalidOptions
	}
	e.ratio.MinTarget = opts.MinTarget
	e.ratio.MaxTargetAdjusted = opts.MaxTargetAdjusted
	e.ratio.RaiseStep = opts.RaiseStep
	e.ratio.LowerStep = opts.LowerStep
	e.ratio.LowerInterval = opts.LowerInterval
	return nil
}

// SetFeeOptions updates trade fees and the dev account they accrue to.
func (e *Engine) SetFeeOptions(opts FeeOptions) error {
	if e == nil {
		return errNilEngine
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	opts.DevAccount = strings.TrimSpace(opts.DevAccount)
	e.fees = opts
	return nil
}

// Startup seeds the backing worth and solves the initial curve. It can only
// succeed once; the supplied supply must match what the ledger reports.
func (e *Engine) Startup(worth18, initialSupply *big.Int) error {
	if e == nil {
		return errNilEngine
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if e.started {
		return ErrAlreadyStarted
	}
	if e.token == nil {
		return errNilLedger
	}
	if worth18 == nil || worth18.Sign() <= 0 || initialSupply == nil || initialSupply.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err := checkRange(worth18, initialSupply); err != nil {
		return err
	}
	if !validRatioOrdering(e.ratio.MinTarget, e.ratio.Target, e.ratio.TargetAdjusted, e.ratio.MaxTargetAdjusted) {
		return ErrInvalidOptions
	}
	if e.state.Slope.Sign() <= 0 {
		return ErrInvalidOptions
	}
	supply, err := e.circulatingSupply()
	if err != nil {
		return err
	}
	if supply.Cmp(initialSupply) != 0 {
		return ErrSupplyMismatch
	}
	solved, err := EstimateAdjust(e.state.Slope, e.ratio.Target, worth18, initialSupply)
	if err != nil {
		return err
	}
	e.state.Price = solved.Price
	e.state.Floor = solved.Floor
	e.state.Intercept = solved.Intercept
	e.state.Worth = copyBig(worth18)
	e.started = true
	e.ratio.LatestUpdate = e.clock().Unix()
	e.emit(events.MarketStarted{
		Worth:     copyBig(worth18),
		Supply:    copyBig(initialSupply),
		Price:     copyBig(solved.Price),
		Floor:     copyBig(solved.Floor),
		Intercept: copyBig(solved.Intercept),
	})
	return nil
}

// Started reports whether the market has been seeded.
func (e *Engine) Started() bool {
	return e != nil && e.started
}

// State returns a deep copy of the engine state plus the ledger's supply.
func (e *Engine) State() (*MarketState, error) {
	if e == nil {
		return nil, errNilEngine
	}
	supply := big.NewInt(0)
	if e.token != nil {
		var err error
		if supply, err = e.circulatingSupply(); err != nil {
			return nil, err
		}
	}
	return &MarketState{
		Started:    e.started,
		Supply:     supply,
		Curve:      e.state.Clone(),
		Ratio:      e.ratio.Clone(),
		BuyFeeBps:  e.fees.BuyFeeBps,
		SellFeeBps: e.fees.SellFeeBps,
		DevAccount: e.fees.DevAccount,
	}, nil
}

// CurrentFundingRatio reports the live ratio as a rational over the ledger's
// circulating supply.
func (e *Engine) CurrentFundingRatio() (num, den *big.Int, err error) {
	if e == nil {
		return nil, nil, errNilEngine
	}
	if err := e.requireStarted(); err != nil {
		return nil, nil, err
	}
	supply, err := e.circulatingSupply()
	if err != nil {
		return nil, nil, err
	}
	return fundingRatio(e.state.Floor, e.state.Intercept, e.state.Slope, supply)
}

// EstimateRaisePrice previews where the unchanged curve first crosses the
// adjusted target and the floor an automatic raise would produce there. Pure.
func (e *Engine) EstimateRaisePrice() (*RaiseEstimate, error) {
	if e == nil {
		return nil, errNilEngine
	}
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	supply, price, worth, err := estimateRaise(e.state.Floor, e.state.Slope, e.state.Intercept, e.ratio.TargetAdjusted)
	if err != nil {
		return nil, err
	}
	solved, err := EstimateAdjust(e.state.Slope, e.ratio.Target, worth, supply)
	if err != nil {
		return nil, err
	}
	return &RaiseEstimate{
		Supply:      supply,
		Price:       price,
		Worth:       worth,
		RaisedFloor: solved.Floor,
	}, nil
}

// QuoteBuy prices a stable deposit without mutating anything.
func (e *Engine) QuoteBuy(token string, worthIn *big.Int) (*BuyQuote, error) {
	if e == nil {
		return nil, errNilEngine
	}
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	return e.priceBuy(token, worthIn)
}

// Buy purchases market tokens for the buyer's own account.
func (e *Engine) Buy(buyer, token string, worthIn, minOut *big.Int) (*BuyQuote, error) {
	return e.BuyFor(buyer, buyer, token, worthIn, minOut)
}

// BuyFor purchases market tokens, crediting the beneficiary. The stable leg
// is settled by the host before the call; the engine mints and re-prices.
func (e *Engine) BuyFor(payer, beneficiary, token string, worthIn, minOut *big.Int) (*BuyQuote, error) {
	if e == nil {
		return nil, errNilEngine
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	payer, err := normalizeAccount(payer)
	if err != nil {
		return nil, err
	}
	beneficiary, err = normalizeAccount(beneficiary)
	if err != nil {
		return nil, err
	}
	if err := checkBound(minOut); err != nil {
		return nil, err
	}
	quote, err := e.priceBuy(token, worthIn)
	if err != nil {
		return nil, err
	}
	if minOut != nil && quote.AmountOut.Cmp(minOut) < 0 {
		return nil, ErrSlippageExceeded
	}
	newWorth, err := checkedAdd(e.state.Worth, quote.Worth18)
	if err != nil {
		return nil, err
	}
	newVolume, err := checkedAdd(e.state.TotalVolume, quote.Worth18)
	if err != nil {
		return nil, err
	}
	if err := e.token.Mint(beneficiary, quote.AmountOut); err != nil {
		return nil, fmt.Errorf("market: mint to beneficiary: %w", err)
	}
	if quote.Fee.Sign() > 0 {
		if err := e.token.Mint(e.fees.DevAccount, quote.Fee); err != nil {
			return nil, fmt.Errorf("market: mint fee: %w", err)
		}
	}
	e.state.Price = copyBig(quote.NewPrice)
	e.state.Worth = newWorth
	e.state.TotalVolume = newVolume
	e.emit(events.MarketBought{
		Payer:       payer,
		Beneficiary: beneficiary,
		Token:       quote.Token,
		WorthIn:     copyBig(quote.WorthIn),
		Worth:       copyBig(quote.Worth18),
		Amount:      copyBig(quote.AmountOut),
		Fee:         copyBig(quote.Fee),
		Price:       copyBig(quote.NewPrice),
	})
	e.runController(beneficiary)
	return quote, nil
}

// QuoteSell prices a market-token sale without mutating anything.
func (e *Engine) QuoteSell(token string, amountIn *big.Int) (*SellQuote, error) {
	if e == nil {
		return nil, errNilEngine
	}
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	return e.priceSell(token, amountIn)
}

// Sell redeems market tokens for the seller's own account.
func (e *Engine) Sell(seller, token string, amountIn, minOut *big.Int) (*SellQuote, error) {
	return e.SellFor(seller, seller, token, amountIn, minOut)
}

// SellFor burns the net amount from the seller, routes the fee to the dev
// account and reports the stable payout owed to the beneficiary. When the
// sale touches the floor segment the intercept catches up to the post-sale
// supply and the marginal price is left where it was.
func (e *Engine) SellFor(seller, beneficiary, token string, amountIn, minOut *big.Int) (*SellQuote, error) {
	if e == nil {
		return nil, errNilEngine
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	seller, err := normalizeAccount(seller)
	if err != nil {
		return nil, err
	}
	beneficiary, err = normalizeAccount(beneficiary)
	if err != nil {
		return nil, err
	}
	if err := checkBound(minOut); err != nil {
		return nil, err
	}
	quote, err := e.priceSell(token, amountIn)
	if err != nil {
		return nil, err
	}
	if minOut != nil && quote.WorthOut.Cmp(minOut) < 0 {
		return nil, ErrSlippageExceeded
	}
	net := new(big.Int).Sub(quote.AmountIn, quote.Fee)
	newWorth, err := checkedSub(e.state.Worth, quote.Worth18)
	if err != nil {
		return nil, err
	}
	if err := e.token.BurnFrom(seller, net); err != nil {
		return nil, fmt.Errorf("market: burn from seller: %w", err)
	}
	if quote.Fee.Sign() > 0 {
		if err := e.token.Transfer(seller, e.fees.DevAccount, quote.Fee); err != nil {
			return nil, fmt.Errorf("market: route sell fee: %w", err)
		}
	}
	e.state.Worth = newWorth
	if quote.FloorReset {
		supply, err := e.circulatingSupply()
		if err == nil {
			e.state.Intercept = supply
		}
	} else {
		e.state.Price = copyBig(quote.NewPrice)
	}
	e.emit(events.MarketSold{
		Seller:      seller,
		Beneficiary: beneficiary,
		Token:       quote.Token,
		Amount:      copyBig(quote.AmountIn),
		Fee:         copyBig(quote.Fee),
		Worth:       copyBig(quote.Worth18),
		WorthOut:    copyBig(quote.WorthOut),
		Price:       copyBig(e.state.Price),
	})
	e.runController("")
	return quote, nil
}

// QuoteRealize prices a claim-token conversion without mutating anything.
func (e *Engine) QuoteRealize(token string, amount *big.Int) (*RealizeQuote, error) {
	if e == nil {
		return nil, errNilEngine
	}
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	return e.priceRealize(token, amount)
}

// Realize converts claim tokens for the caller's own account.
func (e *Engine) Realize(caller, token string, amount, maxWorth *big.Int) (*RealizeQuote, error) {
	return e.RealizeFor(caller, caller, token, amount, maxWorth)
}

// RealizeFor burns claim tokens from the caller and mints the same amount of
// market tokens to the beneficiary at the floor price. The floor intercept
// moves right so the mint cannot move the price.
func (e *Engine) RealizeFor(caller, beneficiary, token string, amount, maxWorth *big.Int) (*RealizeQuote, error) {
	if e == nil {
		return nil, errNilEngine
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	if e.claim == nil {
		return nil, errNilClaim
	}
	caller, err := normalizeAccount(caller)
	if err != nil {
		return nil, err
	}
	beneficiary, err = normalizeAccount(beneficiary)
	if err != nil {
		return nil, err
	}
	if err := checkBound(maxWorth); err != nil {
		return nil, err
	}
	quote, err := e.priceRealize(token, amount)
	if err != nil {
		return nil, err
	}
	if maxWorth != nil && quote.WorthIn.Cmp(maxWorth) > 0 {
		return nil, ErrSlippageExceeded
	}
	newWorth, err := checkedAdd(e.state.Worth, quote.Worth18)
	if err != nil {
		return nil, err
	}
	newIntercept, err := checkedAdd(e.state.Intercept, quote.Amount)
	if err != nil {
		return nil, err
	}
	if err := e.claim.BurnFrom(caller, quote.Amount); err != nil {
		return nil, fmt.Errorf("market: burn claim: %w", err)
	}
	if err := e.token.Mint(beneficiary, quote.Amount); err != nil {
		return nil, fmt.Errorf("market: mint realized: %w", err)
	}
	e.state.Worth = newWorth
	e.state.Intercept = newIntercept
	e.emit(events.MarketRealized{
		Caller:      caller,
		Beneficiary: beneficiary,
		Token:       quote.Token,
		Amount:      copyBig(quote.Amount),
		Worth:       copyBig(quote.Worth18),
		WorthIn:     copyBig(quote.WorthIn),
	})
	e.runController("")
	return quote, nil
}

// Burn removes supply without payout and re-solves the curve preserving the
// backing worth. Concentrating value must steepen the curve or raise the
// floor, never lower it.
func (e *Engine) Burn(owner string, amount *big.Int) (*BurnQuote, error) {
	if e == nil {
		return nil, errNilEngine
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	owner, err := normalizeAccount(owner)
	if err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if err := checkRange(amount); err != nil {
		return nil, err
	}
	supply, err := e.circulatingSupply()
	if err != nil {
		return nil, err
	}
	if amount.Cmp(supply) > 0 {
		return nil, ErrInsufficientSupply
	}
	after := new(big.Int).Sub(supply, amount)
	if after.Sign() == 0 {
		return nil, ErrSupplyDepleted
	}

	quote, err := e.solveBurn(after, amount)
	if err != nil {
		return nil, err
	}
	if err := e.token.BurnFrom(owner, amount); err != nil {
		return nil, fmt.Errorf("market: burn supply: %w", err)
	}
	e.state.Price = copyBig(quote.NewPrice)
	e.state.Floor = copyBig(quote.NewFloor)
	e.state.Intercept = copyBig(quote.NewIntercept)
	e.emit(events.MarketBurned{
		Owner:       owner,
		Amount:      copyBig(amount),
		Price:       copyBig(quote.NewPrice),
		Floor:       copyBig(quote.NewFloor),
		FloorRaised: quote.FloorRaised,
	})
	e.runController("")
	return quote, nil
}

// solveBurn re-solves the curve at the post-burn supply with worth held
// constant: x = sqrt(2*w*k*1e18 - 2*f*t*k). x < t steepens on the same
// floor; otherwise the floor itself must rise with p pinned to zero.
func (e *Engine) solveBurn(after, amount *big.Int) (*BurnQuote, error) {
	k := e.state.Slope
	lhs, err := checkedMul(two, e.state.Worth)
	if err != nil {
		return nil, err
	}
	if lhs, err = checkedMul(lhs, k); err != nil {
		return nil, err
	}
	if lhs, err = checkedMul(lhs, fixedOne); err != nil {
		return nil, err
	}
	rhs, err := checkedMul(two, e.state.Floor)
	if err != nil {
		return nil, err
	}
	if rhs, err = checkedMul(rhs, after); err != nil {
		return nil, err
	}
	if rhs, err = checkedMul(rhs, k); err != nil {
		return nil, err
	}
	radicand, err := checkedSub(lhs, rhs)
	if err != nil {
		return nil, ErrCurveInfeasible
	}
	x, err := sqrtFloor(radicand)
	if err != nil {
		return nil, err
	}
	if x.Sign() == 0 {
		return nil, ErrCurveInfeasible
	}

	if x.Cmp(after) < 0 {
		kf, err := checkedMul(k, e.state.Floor)
		if err != nil {
			return nil, err
		}
		price, err := checkedAdd(kf, x)
		if err != nil {
			return nil, err
		}
		price.Quo(price, k)
		if price.Cmp(e.state.Floor) <= 0 {
			return nil, ErrCurveInfeasible
		}
		return &BurnQuote{
			Amount:       copyBig(amount),
			NewPrice:     price,
			NewFloor:     copyBig(e.state.Floor),
			NewIntercept: new(big.Int).Sub(after, x),
		}, nil
	}

	afterSq, err := checkedMul(after, after)
	if err != nil {
		return nil, err
	}
	num, err := checkedSub(lhs, afterSq)
	if err != nil {
		return nil, ErrCurveInfeasible
	}
	den, err := checkedMul(two, after)
	if err != nil {
		return nil, err
	}
	if den, err = checkedMul(den, k); err != nil {
		return nil, err
	}
	floor := new(big.Int).Quo(num, den)
	if floor.Cmp(e.state.Floor) <= 0 {
		return nil, ErrCurveInfeasible
	}
	kf, err := checkedMul(k, floor)
	if err != nil {
		return nil, err
	}
	price, err := checkedAdd(kf, after)
	if err != nil {
		return nil, err
	}
	price.Quo(price, k)
	if price.Cmp(floor) <= 0 {
		return nil, ErrCurveInfeasible
	}
	return &BurnQuote{
		Amount:       copyBig(amount),
		NewPrice:     price,
		NewFloor:     floor,
		NewIntercept: big.NewInt(0),
		FloorRaised:  true,
	}, nil
}

// LowerAndAdjust manually runs the controller's lowering transition against
// the live supply. A no-op when the interval has not elapsed.
func (e *Engine) LowerAndAdjust() error {
	if e == nil {
		return errNilEngine
	}
	if err := common.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := e.requireStarted(); err != nil {
		return err
	}
	supply, err := e.circulatingSupply()
	if err != nil {
		return err
	}
	e.lowerAndAdjust(supply)
	return nil
}

func (e *Engine) priceBuy(token string, worthIn *big.Int) (*BuyQuote, error) {
	if e.stables == nil {
		return nil, errNilStables
	}
	symbol := normalizeToken(token)
	decimals, ok := e.stables.Decimals(symbol)
	if !ok {
		return nil, ErrUnsupportedToken
	}
	if !e.stables.BuyApproved(symbol) {
		return nil, ErrTokenNotApproved
	}
	if worthIn == nil || worthIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	worth18, err := convertDecimals(worthIn, decimals, fixedDecimals)
	if err != nil {
		return nil, err
	}
	if worth18.Sign() == 0 {
		return nil, ErrZeroWorth
	}

	k := e.state.Slope
	ck, err := checkedMul(e.state.Price, k)
	if err != nil {
		return nil, err
	}
	radicand, err := checkedMul(ck, ck)
	if err != nil {
		return nil, err
	}
	tail, err := checkedMul(two, worth18)
	if err != nil {
		return nil, err
	}
	if tail, err = checkedMul(tail, k); err != nil {
		return nil, err
	}
	if tail, err = checkedMul(tail, fixedOne); err != nil {
		return nil, err
	}
	if radicand, err = checkedAdd(radicand, tail); err != nil {
		return nil, err
	}
	a, err := sqrtFloor(radicand)
	if err != nil {
		return nil, err
	}
	if a.Cmp(ck) <= 0 {
		return nil, ErrZeroAmount
	}
	gross := new(big.Int).Sub(a, ck)
	newPrice := new(big.Int).Quo(a, k)
	fee, err := feePortion(gross, e.fees.BuyFeeBps)
	if err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(gross, fee)
	if net.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	return &BuyQuote{
		Token:     symbol,
		WorthIn:   copyBig(worthIn),
		Worth18:   worth18,
		AmountOut: net,
		Fee:       fee,
		NewPrice:  newPrice,
	}, nil
}

func (e *Engine) priceSell(token string, amountIn *big.Int) (*SellQuote, error) {
	if e.stables == nil {
		return nil, errNilStables
	}
	symbol := normalizeToken(token)
	decimals, ok := e.stables.Decimals(symbol)
	if !ok {
		return nil, ErrUnsupportedToken
	}
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if err := checkRange(amountIn); err != nil {
		return nil, err
	}
	fee, err := feePortion(amountIn, e.fees.SellFeeBps)
	if err != nil {
		return nil, err
	}
	net := new(big.Int).Sub(amountIn, fee)
	if net.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	supply, err := e.circulatingSupply()
	if err != nil {
		return nil, err
	}
	if net.Cmp(supply) > 0 {
		return nil, ErrInsufficientSupply
	}

	c, f, k := e.state.Price, e.state.Floor, e.state.Slope
	available := new(big.Int).Sub(supply, e.state.Intercept)
	if available.Sign() < 0 {
		available.SetInt64(0)
	}

	var worth18, newPrice *big.Int
	floorReset := false
	if net.Cmp(available) < 0 {
		newPrice = new(big.Int).Sub(c, new(big.Int).Quo(net, k))
		if newPrice.Cmp(f) < 0 {
			return nil, ErrCurveInfeasible
		}
		if worth18, err = mulDivFloor(new(big.Int).Add(c, newPrice), net, twoFixedOne); err != nil {
			return nil, err
		}
		// Rounding can land a sloped exit exactly on the floor; that is
		// a floor touch, not a price move.
		floorReset = newPrice.Cmp(f) == 0
	} else {
		slopeWorth, err := mulDivFloor(new(big.Int).Add(c, f), available, twoFixedOne)
		if err != nil {
			return nil, err
		}
		floorWorth, err := mulDivFloor(f, new(big.Int).Sub(net, available), fixedOne)
		if err != nil {
			return nil, err
		}
		worth18 = new(big.Int).Add(slopeWorth, floorWorth)
		newPrice = copyBig(f)
		floorReset = true
	}
	if worth18.Sign() == 0 || newPrice.Sign() == 0 {
		return nil, ErrZeroWorth
	}
	if worth18.Cmp(e.state.Worth) > 0 {
		return nil, ErrCurveInfeasible
	}
	worthOut, err := convertDecimals(worth18, fixedDecimals, decimals)
	if err != nil {
		return nil, err
	}
	if worthOut.Sign() == 0 {
		return nil, ErrZeroWorth
	}
	return &SellQuote{
		Token:      symbol,
		AmountIn:   copyBig(amountIn),
		Fee:        fee,
		Worth18:    worth18,
		WorthOut:   worthOut,
		NewPrice:   newPrice,
		FloorReset: floorReset,
	}, nil
}

func (e *Engine) priceRealize(token string, amount *big.Int) (*RealizeQuote, error) {
	if e.stables == nil {
		return nil, errNilStables
	}
	symbol := normalizeToken(token)
	decimals, ok := e.stables.Decimals(symbol)
	if !ok {
		return nil, ErrUnsupportedToken
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if err := checkRange(amount); err != nil {
		return nil, err
	}
	worth18, err := mulDivCeil(e.state.Floor, amount, fixedOne)
	if err != nil {
		return nil, err
	}
	worthIn, err := convertDecimalsCeil(worth18, fixedDecimals, decimals)
	if err != nil {
		return nil, err
	}
	if worthIn.Sign() == 0 {
		return nil, ErrZeroWorth
	}
	return &RealizeQuote{
		Token:   symbol,
		Amount:  copyBig(amount),
		Worth18: worth18,
		WorthIn: worthIn,
	}, nil
}

func (e *Engine) requireStarted() error {
	if e.token == nil {
		return errNilLedger
	}
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

func (e *Engine) circulatingSupply() (*big.Int, error) {
	if e.token == nil {
		return nil, errNilLedger
	}
	supply := e.token.TotalSupply()
	if supply == nil {
		supply = big.NewInt(0)
	}
	if err := checkRange(supply); err != nil {
		return nil, err
	}
	return new(big.Int).Set(supply), nil
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func normalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

func normalizeAccount(account string) (string, error) {
	trimmed := strings.TrimSpace(account)
	if trimmed == "" {
		return "", errInvalidAccount
	}
	return trimmed, nil
}

func checkBound(bound *big.Int) error {
	if bound == nil {
		return nil
	}
	return checkRange(bound)
}
