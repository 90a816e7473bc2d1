package engine

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is the analyzer's verdict on a single market: the side believed
// mispriced, the estimated fair probability, and the composite rank score.
// It is immutable once created and consumed at most once by the sizer and
// orchestrator.
type Opportunity struct {
	Market     Market
	TokenID    string
	Side       Side
	FairProb   float64
	Price      float64
	Edge       float64
	Sentiment  int
	Confidence float64
	RankScore  float64
	ScannedAt  time.Time
}

// Stake binds a bounded monetary amount to the opportunity it applies to.
type Stake struct {
	Opportunity Opportunity
	Amount      decimal.Decimal
}

// RankOpportunities sorts descending by rank score, breaking ties by higher
// volume and then by market ID so the order is total and reproducible.
func RankOpportunities(opps []Opportunity) {
	sort.Slice(opps, func(i, j int) bool {
		if opps[i].RankScore != opps[j].RankScore {
			return opps[i].RankScore > opps[j].RankScore
		}
		if opps[i].Market.Volume != opps[j].Market.Volume {
			return opps[i].Market.Volume > opps[j].Market.Volume
		}
		return opps[i].Market.ID < opps[j].Market.ID
	})
}

// Position records a completed execution. Appended to session state on
// success only; never mutated afterwards.
type Position struct {
	ID       string
	MarketID string
	TokenID  string
	Side     Side
	Amount   decimal.Decimal
	Edge     float64
	Backend  string
	TxRef    string
	OpenedAt time.Time
}
