package market

import (
	"math/big"

	"github.com/holiman/uint256"
)

// fixedDecimals is the canonical scale of curve state: prices, supplies and
// worth are all 18-decimal fixed point.
const fixedDecimals = uint8(18)

var (
	basisPoints = big.NewInt(10_000)
	fixedOne    = mustBigInt("1000000000000000000")  // 1e18
	ratioScale  = mustBigInt("100000000000000")      // 1e14 = fixedOne / basisPoints
	twoFixedOne = mustBigInt("2000000000000000000")  // 2e18, trapezoid divisor
	two         = big.NewInt(2)
	one         = big.NewInt(1)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// checkRange rejects nil, negative and >2^256-1 values so every computation
// keeps unsigned 256-bit semantics instead of wrapping.
func checkRange(values ...*big.Int) error {
	for _, v := range values {
		if v == nil || v.Sign() < 0 {
			return ErrOverflow
		}
		if _, overflow := uint256.FromBig(v); overflow {
			return ErrOverflow
		}
	}
	return nil
}

func checkedAdd(x, y *big.Int) (*big.Int, error) {
	if err := checkRange(x, y); err != nil {
		return nil, err
	}
	out := new(big.Int).Add(x, y)
	if err := checkRange(out); err != nil {
		return nil, err
	}
	return out, nil
}

func checkedSub(x, y *big.Int) (*big.Int, error) {
	if err := checkRange(x, y); err != nil {
		return nil, err
	}
	if x.Cmp(y) < 0 {
		return nil, ErrOverflow
	}
	return new(big.Int).Sub(x, y), nil
}

func checkedMul(x, y *big.Int) (*big.Int, error) {
	if err := checkRange(x, y); err != nil {
		return nil, err
	}
	out := new(big.Int).Mul(x, y)
	if err := checkRange(out); err != nil {
		return nil, err
	}
	return out, nil
}

// mulDivFloor computes x*y/d with a full-precision intermediate product; only
// the result must fit 256 bits.
func mulDivFloor(x, y, d *big.Int) (*big.Int, error) {
	if err := checkRange(x, y, d); err != nil {
		return nil, err
	}
	if d.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	out := new(big.Int).Mul(x, y)
	out.Quo(out, d)
	if err := checkRange(out); err != nil {
		return nil, err
	}
	return out, nil
}

// mulDivCeil is mulDivFloor rounding up when the division leaves a remainder.
func mulDivCeil(x, y, d *big.Int) (*big.Int, error) {
	if err := checkRange(x, y, d); err != nil {
		return nil, err
	}
	if d.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := new(big.Int).Mul(x, y)
	out, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, one)
	}
	if err := checkRange(out); err != nil {
		return nil, err
	}
	return out, nil
}

// sqrtFloor returns the integer square root of y. math/big's Sqrt already
// floors, so no Newton loop is needed here.
func sqrtFloor(y *big.Int) (*big.Int, error) {
	if err := checkRange(y); err != nil {
		return nil, err
	}
	return new(big.Int).Sqrt(y), nil
}

// convertDecimals rescales value between decimal conventions, flooring when
// precision is narrowed away.
func convertDecimals(value *big.Int, src, dst uint8) (*big.Int, error) {
	if err := checkRange(value); err != nil {
		return nil, err
	}
	switch {
	case src == dst:
		return new(big.Int).Set(value), nil
	case src < dst:
		return checkedMul(value, pow10(dst-src))
	default:
		return new(big.Int).Quo(value, pow10(src-dst)), nil
	}
}

// convertDecimalsCeil is convertDecimals rounding up on narrowing.
func convertDecimalsCeil(value *big.Int, src, dst uint8) (*big.Int, error) {
	if src <= dst {
		return convertDecimals(value, src, dst)
	}
	if err := checkRange(value); err != nil {
		return nil, err
	}
	scale := pow10(src - dst)
	out, rem := new(big.Int).QuoRem(value, scale, new(big.Int))
	if rem.Sign() != 0 {
		out.Add(out, one)
	}
	return out, nil
}

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// feePortion applies a basis-point fee to amount, flooring in the protocol's
// favour.
func feePortion(amount *big.Int, feeBps uint32) (*big.Int, error) {
	if feeBps == 0 {
		return big.NewInt(0), nil
	}
	return mulDivFloor(amount, new(big.Int).SetUint64(uint64(feeBps)), basisPoints)
}
