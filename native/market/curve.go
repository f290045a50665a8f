package market

import "math/big"

// AdjustResult is the curve triple produced by the adjustment solver.
type AdjustResult struct {
	Price     *big.Int
	Floor     *big.Int
	Intercept *big.Int
}

// RaiseEstimate previews the supply at which the current curve first reaches
// the adjusted target, the price and worth at that point, and the floor a
// re-solve against the base target would produce there.
type RaiseEstimate struct {
	Supply      *big.Int
	Price       *big.Int
	Worth       *big.Int
	RaisedFloor *big.Int
}

// EstimateAdjust solves for the unique curve whose price-supporting area is
// targetRatio basis points of worth at the given supply:
//
//	f = (1e18*w - 1e14*w*targetRatio) / t
//	temp = sqrtFloor(2*targetRatio*w*k*1e14), infeasible when t < temp
//	p = t - temp, c = (temp + k*f) / k
//
// The solver is pure; it reports ErrCurveInfeasible when no curve with a
// positive floor below the price exists for these inputs.
func EstimateAdjust(k *big.Int, targetRatio uint32, worth, supply *big.Int) (*AdjustResult, error) {
	if err := checkRange(k, worth, supply); err != nil {
		return nil, err
	}
	if k.Sign() == 0 || supply.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	ratio := new(big.Int).SetUint64(uint64(targetRatio))

	gross, err := checkedMul(fixedOne, worth)
	if err != nil {
		return nil, err
	}
	discount, err := checkedMul(ratioScale, worth)
	if err != nil {
		return nil, err
	}
	if discount, err = checkedMul(discount, ratio); err != nil {
		return nil, err
	}
	net, err := checkedSub(gross, discount)
	if err != nil {
		return nil, err
	}
	floor := new(big.Int).Quo(net, supply)

	radicand, err := checkedMul(two, ratio)
	if err != nil {
		return nil, err
	}
	if radicand, err = checkedMul(radicand, worth); err != nil {
		return nil, err
	}
	if radicand, err = checkedMul(radicand, k); err != nil {
		return nil, err
	}
	if radicand, err = checkedMul(radicand, ratioScale); err != nil {
		return nil, err
	}
	temp, err := sqrtFloor(radicand)
	if err != nil {
		return nil, err
	}
	if supply.Cmp(temp) < 0 {
		return nil, ErrCurveInfeasible
	}
	intercept := new(big.Int).Sub(supply, temp)

	kf, err := checkedMul(k, floor)
	if err != nil {
		return nil, err
	}
	price, err := checkedAdd(temp, kf)
	if err != nil {
		return nil, err
	}
	price.Quo(price, k)

	if floor.Sign() <= 0 || price.Cmp(floor) <= 0 {
		return nil, ErrCurveInfeasible
	}
	return &AdjustResult{Price: price, Floor: floor, Intercept: intercept}, nil
}

// fundingRatio reports the price-supporting share of backing as a rational
// num/den. Supply at or below the intercept carries no slope value, so the
// ratio there is 0/1.
func fundingRatio(floor, intercept, k, supply *big.Int) (num, den *big.Int, err error) {
	if err := checkRange(floor, intercept, k, supply); err != nil {
		return nil, nil, err
	}
	if supply.Cmp(intercept) <= 0 {
		return big.NewInt(0), big.NewInt(1), nil
	}
	span := new(big.Int).Sub(supply, intercept)
	num, err = checkedMul(span, span)
	if err != nil {
		return nil, nil, err
	}
	den, err = checkedMul(two, floor)
	if err != nil {
		return nil, nil, err
	}
	if den, err = checkedMul(den, supply); err != nil {
		return nil, nil, err
	}
	if den, err = checkedMul(den, k); err != nil {
		return nil, nil, err
	}
	if den, err = checkedAdd(den, num); err != nil {
		return nil, nil, err
	}
	return num, den, nil
}

// ratioExceeds reports whether num/den > bps/10000 without losing precision.
func ratioExceeds(num, den *big.Int, bps uint32) (bool, error) {
	lhs, err := checkedMul(num, basisPoints)
	if err != nil {
		return false, err
	}
	rhs, err := checkedMul(den, new(big.Int).SetUint64(uint64(bps)))
	if err != nil {
		return false, err
	}
	return lhs.Cmp(rhs) > 0, nil
}

// estimateRaise solves, on the unchanged curve, for the smallest additional
// sloped supply x = t*-p at which the funding ratio reaches targetAdjusted:
//
//	(10000-A)x² - 2*A*f*k*x - 2*A*f*k*p = 0, A = targetAdjusted
//
// taking the positive quadratic root, rounded up so the reported supply is at
// or past the crossing.
func estimateRaise(floor, k, intercept *big.Int, targetAdjusted uint32) (supply, price, worth *big.Int, err error) {
	if err := checkRange(floor, k, intercept); err != nil {
		return nil, nil, nil, err
	}
	if floor.Sign() == 0 || k.Sign() == 0 {
		return nil, nil, nil, ErrCurveInfeasible
	}
	if targetAdjusted >= 10_000 {
		return nil, nil, nil, ErrCurveInfeasible
	}
	adjusted := new(big.Int).SetUint64(uint64(targetAdjusted))
	lead := new(big.Int).Sub(basisPoints, adjusted)

	m, err := checkedMul(two, adjusted)
	if err != nil {
		return nil, nil, nil, err
	}
	if m, err = checkedMul(m, floor); err != nil {
		return nil, nil, nil, err
	}
	if m, err = checkedMul(m, k); err != nil {
		return nil, nil, nil, err
	}

	disc, err := checkedMul(m, m)
	if err != nil {
		return nil, nil, nil, err
	}
	tail, err := checkedMul(big.NewInt(4), lead)
	if err != nil {
		return nil, nil, nil, err
	}
	if tail, err = checkedMul(tail, m); err != nil {
		return nil, nil, nil, err
	}
	if tail, err = checkedMul(tail, intercept); err != nil {
		return nil, nil, nil, err
	}
	if disc, err = checkedAdd(disc, tail); err != nil {
		return nil, nil, nil, err
	}
	root, err := sqrtFloor(disc)
	if err != nil {
		return nil, nil, nil, err
	}

	span, err := checkedAdd(m, root)
	if err != nil {
		return nil, nil, nil, err
	}
	if span, err = mulDivCeil(span, one, new(big.Int).Mul(two, lead)); err != nil {
		return nil, nil, nil, err
	}
	if span.Sign() == 0 {
		return nil, nil, nil, ErrCurveInfeasible
	}

	supply, err = checkedAdd(intercept, span)
	if err != nil {
		return nil, nil, nil, err
	}
	kf, err := checkedMul(k, floor)
	if err != nil {
		return nil, nil, nil, err
	}
	price, err = checkedAdd(kf, span)
	if err != nil {
		return nil, nil, nil, err
	}
	price.Quo(price, k)

	// w* = (2*k*f*t* + x²) / (2*k*1e18)
	worth, err = checkedMul(two, kf)
	if err != nil {
		return nil, nil, nil, err
	}
	if worth, err = checkedMul(worth, supply); err != nil {
		return nil, nil, nil, err
	}
	spanSq, err := checkedMul(span, span)
	if err != nil {
		return nil, nil, nil, err
	}
	if worth, err = checkedAdd(worth, spanSq); err != nil {
		return nil, nil, nil, err
	}
	divisor, err := checkedMul(two, k)
	if err != nil {
		return nil, nil, nil, err
	}
	if worth, err = mulDivFloor(worth, one, new(big.Int).Mul(divisor, fixedOne)); err != nil {
		return nil, nil, nil, err
	}
	return supply, price, worth, nil
}
