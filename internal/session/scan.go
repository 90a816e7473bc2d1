package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"edgeengine/internal/engine"
	"edgeengine/internal/marketsource"
)

// scanMarkets analyzes all candidate markets on a bounded worker pool. Each
// market gets its own timeout; one that cannot be quoted and scored in time
// is dropped from this cycle. Rejections are filtered outcomes, not errors.
func (s *Session) scanMarkets(ctx context.Context, markets []engine.Market) []engine.Opportunity {
	jobs := make(chan engine.Market)
	results := make(chan engine.Opportunity, len(markets))

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.ScanWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				if opp, ok := s.analyzeOne(ctx, m); ok {
					results <- opp
				}
			}
		}()
	}

feed:
	for _, m := range markets {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- m:
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	opps := make([]engine.Opportunity, 0, len(results))
	for opp := range results {
		opps = append(opps, opp)
	}
	s.log.Debug("scan cycle complete",
		zap.Int("markets", len(markets)),
		zap.Int("opportunities", len(opps)))
	return opps
}

func (s *Session) analyzeOne(ctx context.Context, m engine.Market) (engine.Opportunity, bool) {
	mctx, cancel := context.WithTimeout(ctx, s.cfg.PerMarketTimeout)
	defer cancel()

	quotes, err := marketsource.CollectQuotes(mctx, s.source, m)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.log.Debug("quote collection failed",
				zap.String("market", m.ID),
				zap.Error(err))
		}
		return engine.Opportunity{}, false
	}

	opp, err := s.analyzer.Analyze(m, quotes)
	if err != nil {
		if errors.Is(err, engine.ErrBelowThreshold) {
			s.log.Debug("edge below threshold", zap.String("market", m.ID))
		} else {
			s.log.Debug("market rejected",
				zap.String("market", m.ID),
				zap.Error(err))
		}
		return engine.Opportunity{}, false
	}
	return *opp, true
}
