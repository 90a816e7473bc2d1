package engine

import (
	"errors"
	"fmt"
	"time"
)

// Rejection reasons. ErrBelowThreshold is a filtered outcome rather than a
// fault; the session logs it at debug level and moves on.
var (
	ErrMarketShape     = errors.New("market is inactive or has fewer than two outcome tokens")
	ErrQuotesMissing   = errors.New("no usable quote for either outcome side")
	ErrPriceOutOfRange = errors.New("price outside the tradable band")
	ErrBelowThreshold  = errors.New("edge below minimum threshold")
)

// AnalyzerConfig holds the scoring parameters. Defaults mirror the values
// the engine has been tuned with; see config.Load for the operator surface.
type AnalyzerConfig struct {
	MinEdgeThreshold float64
	SentimentWeight  float64
	VolumeNormalizer float64
	ConfidenceCap    float64
	FixedBias        float64
	ProbFloor        float64
	ProbCeil         float64
	PriceFloor       float64
	PriceCeil        float64
}

func (c *AnalyzerConfig) applyDefaults() {
	if c.MinEdgeThreshold <= 0 {
		c.MinEdgeThreshold = 0.07
	}
	if c.SentimentWeight <= 0 {
		c.SentimentWeight = 0.03
	}
	if c.VolumeNormalizer <= 0 {
		c.VolumeNormalizer = 300000
	}
	if c.ConfidenceCap <= 0 {
		c.ConfidenceCap = 0.4
	}
	if c.FixedBias == 0 {
		c.FixedBias = 0.05
	}
	if c.ProbFloor <= 0 {
		c.ProbFloor = 0.05
	}
	if c.ProbCeil <= 0 || c.ProbCeil >= 1 {
		c.ProbCeil = 0.95
	}
	if c.PriceFloor <= 0 {
		c.PriceFloor = 0.01
	}
	if c.PriceCeil <= 0 || c.PriceCeil >= 1 {
		c.PriceCeil = 0.99
	}
}

// Analyzer scores markets into opportunities. It is a pure function of its
// inputs and configuration: same market, quotes, and config always produce
// the same opportunity or the same rejection.
type Analyzer struct {
	Config  AnalyzerConfig
	Lexicon Lexicon

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewAnalyzer(cfg AnalyzerConfig, lex Lexicon) *Analyzer {
	cfg.applyDefaults()
	if len(lex) == 0 {
		lex = DefaultLexicon()
	}
	return &Analyzer{Config: cfg, Lexicon: lex}
}

// Analyze scores one market against its current quotes. At most one side may
// be missing a quote, in which case its price is inferred as one minus the
// other side. Returns a rejection error when the market does not qualify.
func (a *Analyzer) Analyze(market Market, quotes QuoteSet) (*Opportunity, error) {
	if a == nil {
		return nil, ErrMarketShape
	}
	if !market.Tradable() {
		return nil, fmt.Errorf("market %s: %w", market.ID, ErrMarketShape)
	}

	yesTok := market.PrimaryToken()
	noTok := market.CounterToken()

	yesPrice, err := resolvePrice(quotes, yesTok.ID, noTok.ID)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", market.ID, err)
	}

	sentiment := a.Lexicon.Score(market.Question)
	volumeConf := volumeConfidence(market.Volume, a.Config.VolumeNormalizer, a.Config.ConfidenceCap)
	fair := clamp(0.5+float64(sentiment)*a.Config.SentimentWeight+volumeConf+a.Config.FixedBias,
		a.Config.ProbFloor, a.Config.ProbCeil)

	// The side believed mispriced: YES when the fair estimate exceeds the
	// observed YES price, NO otherwise. Edge is a signed fractional
	// mispricing on the cheap denominator.
	var (
		edge    float64
		side    Side
		tokenID string
		price   float64
	)
	if fair > yesPrice {
		edge = (fair - yesPrice) / yesPrice
		side = SideYes
		tokenID = yesTok.ID
		price = yesPrice
	} else {
		edge = (yesPrice - fair) / fair
		side = SideNo
		tokenID = noTok.ID
		price = 1 - yesPrice
	}

	if price < a.Config.PriceFloor || price > a.Config.PriceCeil {
		return nil, fmt.Errorf("market %s price %.4f: %w", market.ID, price, ErrPriceOutOfRange)
	}
	if edge < a.Config.MinEdgeThreshold {
		return nil, fmt.Errorf("market %s edge %.4f: %w", market.ID, edge, ErrBelowThreshold)
	}

	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now()
	}
	return &Opportunity{
		Market:     market,
		TokenID:    tokenID,
		Side:       side,
		FairProb:   fair,
		Price:      price,
		Edge:       edge,
		Sentiment:  sentiment,
		Confidence: volumeConf,
		RankScore:  edge * volumeConf,
		ScannedAt:  now,
	}, nil
}

// resolvePrice returns the YES-side price, inferring a missing side from the
// complement of the other. Both sides missing is a rejection.
func resolvePrice(quotes QuoteSet, yesTokenID, noTokenID string) (float64, error) {
	yesPrice, yesOK := quotes.Lookup(yesTokenID)
	noPrice, noOK := quotes.Lookup(noTokenID)
	switch {
	case yesOK:
		return yesPrice, nil
	case noOK:
		return 1 - noPrice, nil
	default:
		return 0, ErrQuotesMissing
	}
}

// volumeConfidence is monotonic in volume and saturates at cap.
func volumeConfidence(volume, normalizer, cap float64) float64 {
	if volume <= 0 || normalizer <= 0 {
		return 0
	}
	v := volume / normalizer
	if v > cap {
		return cap
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
