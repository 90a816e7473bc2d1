package engine

import (
	"errors"

	"github.com/shopspring/decimal"
)

// ErrStakeTooSmall signals that the sizing floor cannot be met. The session
// skips the opportunity without consuming a retry.
var ErrStakeTooSmall = errors.New("stake below minimum, too small to trade")

// StreakState carries the bounded stake multiplier across trades. The session
// owns and updates it; the sizer only reads it.
type StreakState struct {
	Multiplier float64
}

// SizerConfig bounds every stake the sizer can produce.
type SizerConfig struct {
	KellyShrinkFactor   float64
	MinStake            decimal.Decimal
	MaxStake            decimal.Decimal
	MaxBankrollFraction float64
}

func (c *SizerConfig) applyDefaults() {
	if c.KellyShrinkFactor <= 0 || c.KellyShrinkFactor > 1 {
		c.KellyShrinkFactor = 0.25
	}
	if c.MinStake.LessThanOrEqual(decimal.Zero) {
		c.MinStake = decimal.NewFromInt(1)
	}
	if c.MaxStake.LessThanOrEqual(decimal.Zero) {
		c.MaxStake = decimal.NewFromInt(30)
	}
	if c.MaxBankrollFraction <= 0 || c.MaxBankrollFraction > 1 {
		c.MaxBankrollFraction = 0.1
	}
}

// Sizer turns an opportunity into a bounded stake using fractional Kelly.
type Sizer struct {
	Config SizerConfig
}

func NewSizer(cfg SizerConfig) *Sizer {
	cfg.applyDefaults()
	return &Sizer{Config: cfg}
}

// Size computes the stake for one opportunity against the current bankroll.
// The raw fraction is edge × confidence × shrink, scaled by the streak
// multiplier, then clamped to [minStake, maxStake] and again to the bankroll
// fraction cap; the tighter bound always wins. When even the cap falls below
// the minimum stake the result is ErrStakeTooSmall.
func (s *Sizer) Size(opp Opportunity, bankroll decimal.Decimal, streak StreakState) (Stake, error) {
	if s == nil || bankroll.LessThanOrEqual(decimal.Zero) {
		return Stake{}, ErrStakeTooSmall
	}
	mult := streak.Multiplier
	if mult <= 0 {
		mult = 1
	}

	fraction := opp.Edge * opp.Confidence * s.Config.KellyShrinkFactor
	raw := bankroll.Mul(decimal.NewFromFloat(fraction * mult))

	ceiling := bankroll.Mul(decimal.NewFromFloat(s.Config.MaxBankrollFraction))
	if s.Config.MaxStake.LessThan(ceiling) {
		ceiling = s.Config.MaxStake
	}
	if ceiling.LessThan(s.Config.MinStake) {
		return Stake{}, ErrStakeTooSmall
	}

	amount := raw
	if amount.LessThan(s.Config.MinStake) {
		amount = s.Config.MinStake
	}
	if amount.GreaterThan(ceiling) {
		amount = ceiling
	}
	return Stake{Opportunity: opp, Amount: amount.Round(2)}, nil
}
