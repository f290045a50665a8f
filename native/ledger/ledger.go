package ledger

import (
	"errors"
	"math/big"
	"strings"
	"sync"
)

var (
	ErrInvalidAccount      = errors.New("ledger: account required")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// Ledger is an in-memory token ledger tracking balances and total supply in
// 18-decimal base units. All methods are safe for concurrent use.
type Ledger struct {
	mu       sync.RWMutex
	symbol   string
	balances map[string]*big.Int
	supply   *big.Int
}

// NewLedger returns an empty ledger for the supplied token symbol.
func NewLedger(symbol string) *Ledger {
	return &Ledger{
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		balances: make(map[string]*big.Int),
		supply:   big.NewInt(0),
	}
}

// Symbol returns the ledger's token symbol.
func (l *Ledger) Symbol() string {
	if l == nil {
		return ""
	}
	return l.symbol
}

// Mint credits freshly created tokens to the account.
func (l *Ledger) Mint(account string, amount *big.Int) error {
	if l == nil {
		return errors.New("ledger not initialised")
	}
	account, amount, err := checkEntry(account, amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[account]
	if balance == nil {
		balance = big.NewInt(0)
		l.balances[account] = balance
	}
	balance.Add(balance, amount)
	l.supply.Add(l.supply, amount)
	return nil
}

// BurnFrom destroys tokens held by the account.
func (l *Ledger) BurnFrom(account string, amount *big.Int) error {
	if l == nil {
		return errors.New("ledger not initialised")
	}
	account, amount, err := checkEntry(account, amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance := l.balances[account]
	if balance == nil || balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	balance.Sub(balance, amount)
	l.supply.Sub(l.supply, amount)
	return nil
}

// Transfer moves tokens between accounts without changing supply.
func (l *Ledger) Transfer(from, to string, amount *big.Int) error {
	if l == nil {
		return errors.New("ledger not initialised")
	}
	from, amount, err := checkEntry(from, amount)
	if err != nil {
		return err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return ErrInvalidAccount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	source := l.balances[from]
	if source == nil || source.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	dest := l.balances[to]
	if dest == nil {
		dest = big.NewInt(0)
		l.balances[to] = dest
	}
	source.Sub(source, amount)
	dest.Add(dest, amount)
	return nil
}

// TotalSupply returns a copy of the circulating supply.
func (l *Ledger) TotalSupply() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.supply)
}

// BalanceOf returns a copy of the account's balance.
func (l *Ledger) BalanceOf(account string) *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	balance := l.balances[strings.TrimSpace(account)]
	if balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(balance)
}

func checkEntry(account string, amount *big.Int) (string, *big.Int, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return "", nil, ErrInvalidAccount
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", nil, ErrInvalidAmount
	}
	return account, amount, nil
}
