package ledger

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrTokenRequired = errors.New("ledger: token symbol required")
	ErrTokenUnknown  = errors.New("ledger: token not registered")
	ErrTokenExists   = errors.New("ledger: token already registered")
)

// StableToken describes a settlement token trades are denominated in.
type StableToken struct {
	Symbol      string
	Decimals    uint8
	BuyApproved bool
}

// Registry holds the stable tokens the market accepts. Sales are allowed in
// any registered token; purchases additionally require BuyApproved.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]StableToken
}

// NewRegistry builds a registry from the supplied tokens.
func NewRegistry(tokens ...StableToken) (*Registry, error) {
	r := &Registry{tokens: make(map[string]StableToken, len(tokens))}
	for _, token := range tokens {
		if err := r.Add(token); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers a new stable token.
func (r *Registry) Add(token StableToken) error {
	if r == nil {
		return errors.New("ledger: registry not initialised")
	}
	symbol := strings.ToUpper(strings.TrimSpace(token.Symbol))
	if symbol == "" {
		return ErrTokenRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[symbol]; exists {
		return ErrTokenExists
	}
	token.Symbol = symbol
	r.tokens[symbol] = token
	return nil
}

// Approve flips the buy approval for a registered token.
func (r *Registry) Approve(symbol string, approved bool) error {
	if r == nil {
		return errors.New("ledger: registry not initialised")
	}
	key := strings.ToUpper(strings.TrimSpace(symbol))
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[key]
	if !ok {
		return ErrTokenUnknown
	}
	token.BuyApproved = approved
	r.tokens[key] = token
	return nil
}

// Decimals reports the decimal count for a registered token.
func (r *Registry) Decimals(symbol string) (uint8, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return 0, false
	}
	return token.Decimals, true
}

// BuyApproved reports whether purchases may settle in the token.
func (r *Registry) BuyApproved(symbol string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	token, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	return ok && token.BuyApproved
}

// Tokens returns the registered tokens sorted by symbol.
func (r *Registry) Tokens() []StableToken {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StableToken, 0, len(r.tokens))
	for _, token := range r.tokens {
		out = append(out, token)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
