package engine

import (
	"strings"
	"time"
)

// Side identifies which outcome of a market an opportunity targets.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Market is a tradable prediction market as reported by the market source.
// The engine never mutates a Market; it is owned by the source.
type Market struct {
	ID       string
	Question string
	Tokens   []Token
	Volume   float64
	Active   bool
}

// Token is one mutually exclusive outcome of a market.
type Token struct {
	ID      string
	Outcome string
}

// PrimaryToken returns the YES-side token: the one whose outcome says "Yes",
// falling back to the first token when outcomes are unlabeled.
func (m Market) PrimaryToken() Token {
	for _, t := range m.Tokens {
		if strings.EqualFold(strings.TrimSpace(t.Outcome), "yes") {
			return t
		}
	}
	if len(m.Tokens) > 0 {
		return m.Tokens[0]
	}
	return Token{}
}

// CounterToken returns the NO-side token, falling back to the second token.
func (m Market) CounterToken() Token {
	for _, t := range m.Tokens {
		if strings.EqualFold(strings.TrimSpace(t.Outcome), "no") {
			return t
		}
	}
	if len(m.Tokens) > 1 {
		return m.Tokens[1]
	}
	return Token{}
}

// Tradable reports whether the market has the shape the analyzer requires.
func (m Market) Tradable() bool {
	return m.Active && strings.TrimSpace(m.ID) != "" && len(m.Tokens) >= 2
}

// Quote is one observed price for an outcome token, on the (0,1)
// probability scale. Freshness is the source's responsibility; the engine
// does not cache quotes across analysis calls.
type Quote struct {
	TokenID string
	Price   float64
	At      time.Time
}

// QuoteSet holds the quotes supplied for one analysis call, keyed by token ID.
type QuoteSet map[string]Quote

// Lookup returns the quoted price for a token, if present.
func (q QuoteSet) Lookup(tokenID string) (float64, bool) {
	quote, ok := q[tokenID]
	if !ok {
		return 0, false
	}
	return quote.Price, true
}
