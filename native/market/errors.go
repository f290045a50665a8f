package market

import "errors"

// Sentinel errors returned by the engine. Hosts branch on these to map
// failures onto their own surfaces, so everything a caller may need to
// distinguish is exported.
var (
	ErrNotStarted         = errors.New("market: not started")
	ErrAlreadyStarted     = errors.New("market: already started")
	ErrInvalidOptions     = errors.New("market: invalid options")
	ErrUnsupportedToken   = errors.New("market: unsupported stable token")
	ErrTokenNotApproved   = errors.New("market: token not approved for buying")
	ErrZeroAmount         = errors.New("market: zero amount")
	ErrZeroWorth          = errors.New("market: zero worth")
	ErrInsufficientSupply = errors.New("market: amount exceeds circulating supply")
	ErrSupplyDepleted     = errors.New("market: burn would deplete supply")
	ErrSupplyMismatch     = errors.New("market: ledger supply mismatch")
	ErrCurveInfeasible    = errors.New("market: curve infeasible")
	ErrSlippageExceeded   = errors.New("market: slippage bound exceeded")
	ErrOverflow           = errors.New("market: value outside uint256 range")
	ErrDivisionByZero     = errors.New("market: division by zero")
)

var (
	errNilEngine      = errors.New("market: engine not initialised")
	errNilLedger      = errors.New("market: token ledger not configured")
	errNilClaim       = errors.New("market: claim ledger not configured")
	errNilStables     = errors.New("market: stable registry not configured")
	errInvalidAccount = errors.New("market: account required")
)
