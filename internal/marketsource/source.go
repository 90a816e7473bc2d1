package marketsource

import (
	"context"
	"errors"

	"edgeengine/internal/engine"
)

// ErrQuoteUnavailable means the source has no usable price for a token. The
// analyzer can still proceed when the other side of the market has one.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// Source supplies the scan loop with markets and prices. Implementations own
// freshness; the engine never caches quotes across cycles.
type Source interface {
	ListActiveMarkets(ctx context.Context) ([]engine.Market, error)
	GetQuote(ctx context.Context, tokenID string) (engine.Quote, error)
}

// CollectQuotes gathers quotes for both sides of a market into a QuoteSet.
// A side with no quote is simply absent; only a fully quoteless market is
// reported through the empty set.
func CollectQuotes(ctx context.Context, src Source, m engine.Market) (engine.QuoteSet, error) {
	quotes := engine.QuoteSet{}
	for _, tok := range []engine.Token{m.PrimaryToken(), m.CounterToken()} {
		if tok.ID == "" {
			continue
		}
		if _, ok := quotes[tok.ID]; ok {
			continue
		}
		q, err := src.GetQuote(ctx, tok.ID)
		if err != nil {
			if errors.Is(err, ErrQuoteUnavailable) {
				continue
			}
			return nil, err
		}
		quotes[tok.ID] = q
	}
	return quotes, nil
}
