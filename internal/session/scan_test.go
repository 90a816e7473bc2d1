package session

import (
	"context"
	"testing"
	"time"

	"edgeengine/internal/engine"
	"edgeengine/internal/marketsource"
)

// slowSource delays quotes for selected tokens until the caller's context
// expires.
type slowSource struct {
	quotes map[string]float64
	slow   map[string]bool
}

func (s *slowSource) ListActiveMarkets(ctx context.Context) ([]engine.Market, error) {
	return nil, nil
}

func (s *slowSource) GetQuote(ctx context.Context, tokenID string) (engine.Quote, error) {
	if err := ctx.Err(); err != nil {
		return engine.Quote{}, err
	}
	if s.slow[tokenID] {
		<-ctx.Done()
		return engine.Quote{}, ctx.Err()
	}
	price, ok := s.quotes[tokenID]
	if !ok {
		return engine.Quote{}, marketsource.ErrQuoteUnavailable
	}
	return engine.Quote{TokenID: tokenID, Price: price, At: time.Now().UTC()}, nil
}

func namedMarket(id string) engine.Market {
	return engine.Market{
		ID:       id,
		Question: "Will the team win the championship finals?",
		Volume:   300000,
		Active:   true,
		Tokens: []engine.Token{
			{ID: id + "-yes", Outcome: "Yes"},
			{ID: id + "-no", Outcome: "No"},
		},
	}
}

func TestScanMarketsDropsTimedOutMarket(t *testing.T) {
	src := &slowSource{
		quotes: map[string]float64{"fast-yes": 0.60, "fast-no": 0.40},
		slow:   map[string]bool{"stuck-yes": true, "stuck-no": true},
	}
	s := newTestSession(t, Config{PerMarketTimeout: 20 * time.Millisecond, ScanWorkers: 2}, src, nil, nil)

	opps := s.scanMarkets(context.Background(), []engine.Market{
		namedMarket("fast"),
		namedMarket("stuck"),
	})
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1 (stuck market dropped)", len(opps))
	}
	if opps[0].Market.ID != "fast" {
		t.Fatalf("surviving market = %s, want fast", opps[0].Market.ID)
	}
}

func TestScanMarketsParallelDeterministicRanking(t *testing.T) {
	src := &slowSource{quotes: map[string]float64{}}
	markets := make([]engine.Market, 0, 8)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		markets = append(markets, namedMarket(id))
		src.quotes[id+"-yes"] = 0.60
		src.quotes[id+"-no"] = 0.40
	}
	s := newTestSession(t, Config{ScanWorkers: 4}, src, nil, nil)

	opps := s.scanMarkets(context.Background(), markets)
	if len(opps) != len(markets) {
		t.Fatalf("opportunities = %d, want %d", len(opps), len(markets))
	}
	// Identical scores: ranking falls through to the market ID tiebreak,
	// so the order is reproducible regardless of worker interleaving.
	engine.RankOpportunities(opps)
	for i, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		if opps[i].Market.ID != id {
			t.Fatalf("position %d = %s, want %s", i, opps[i].Market.ID, id)
		}
	}
}

func TestScanMarketsHonorsCancellation(t *testing.T) {
	src := &slowSource{quotes: map[string]float64{"m-yes": 0.60}}
	s := newTestSession(t, Config{}, src, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opps := s.scanMarkets(ctx, []engine.Market{namedMarket("m")})
	if len(opps) != 0 {
		t.Fatalf("opportunities = %d after cancellation, want 0", len(opps))
	}
}
