package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"edgeengine/internal/engine"
	"edgeengine/internal/execution"
	"edgeengine/internal/marketsource"
)

// State of the trading loop. Exactly one session runs per engine instance.
type State string

const (
	StateScanning  State = "scanning"
	StateRanking   State = "ranking"
	StateSizing    State = "sizing"
	StateExecuting State = "executing"
	StateSettling  State = "settling"
	StateHalted    State = "halted"
)

// HaltReason names the predicate that stopped the session. Halted is
// terminal; restarting the process starts a fresh session from a new
// bankroll snapshot.
type HaltReason string

const (
	HaltNone            HaltReason = ""
	HaltDailyLimit      HaltReason = "daily_trade_limit"
	HaltLowBalance      HaltReason = "low_balance"
	HaltDrawdown        HaltReason = "drawdown_stop"
	HaltBackendFailures HaltReason = "backend_failure_ceiling"
)

// ErrHalted is returned by Run when a halting predicate fired.
var ErrHalted = errors.New("trading session halted")

// Executor is the slice of the orchestrator the session consumes.
type Executor interface {
	Execute(ctx context.Context, req execution.Request, rateLimitStreak int) (execution.Outcome, error)
}

// Recorder is the optional persistence collaborator. A nil Recorder changes
// nothing about session behavior.
type Recorder interface {
	RecordPosition(ctx context.Context, pos engine.Position, attempts []execution.Attempt) error
	RecordCheckpoint(ctx context.Context, snap Snapshot) error
}

// Config bounds the session. Zero values fall back to the tuned defaults.
type Config struct {
	StartingBankroll decimal.Decimal
	InitialStake     decimal.Decimal
	MinStake         decimal.Decimal
	MaxStake         decimal.Decimal

	DailyTradeLimit       int
	DrawdownStopFraction  float64
	BackendFailureCeiling int

	// TradingInterval is the minimum spacing between trade attempts.
	TradingInterval time.Duration
	// IdleInterval is the wait when a cycle produces nothing to trade.
	IdleInterval time.Duration

	// Base stake drifts up after wins and down after losses, always
	// inside [MinStake, MaxStake].
	WinStakeFactor  float64
	LossStakeFactor float64

	// Streak multiplier bounds and per-outcome factors.
	WinMultiplierFactor  float64
	LossMultiplierFactor float64
	MinMultiplier        float64
	MaxMultiplier        float64

	// Scan pool shape.
	ScanWorkers      int
	PerMarketTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.StartingBankroll.LessThanOrEqual(decimal.Zero) {
		c.StartingBankroll = decimal.NewFromInt(100)
	}
	if c.InitialStake.LessThanOrEqual(decimal.Zero) {
		c.InitialStake = decimal.RequireFromString("2.5")
	}
	if c.MinStake.LessThanOrEqual(decimal.Zero) {
		c.MinStake = decimal.NewFromInt(1)
	}
	if c.MaxStake.LessThanOrEqual(decimal.Zero) {
		c.MaxStake = decimal.NewFromInt(30)
	}
	if c.DailyTradeLimit <= 0 {
		c.DailyTradeLimit = 150
	}
	if c.DrawdownStopFraction <= 0 || c.DrawdownStopFraction >= 1 {
		c.DrawdownStopFraction = 0.15
	}
	if c.BackendFailureCeiling <= 0 {
		c.BackendFailureCeiling = 10
	}
	if c.TradingInterval <= 0 {
		c.TradingInterval = 90 * time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 30 * time.Second
	}
	if c.WinStakeFactor <= 1 {
		c.WinStakeFactor = 1.15
	}
	if c.LossStakeFactor <= 0 || c.LossStakeFactor >= 1 {
		c.LossStakeFactor = 0.9
	}
	if c.WinMultiplierFactor <= 1 {
		c.WinMultiplierFactor = 1.1
	}
	if c.LossMultiplierFactor <= 0 || c.LossMultiplierFactor >= 1 {
		c.LossMultiplierFactor = 0.9
	}
	if c.MinMultiplier <= 0 {
		c.MinMultiplier = 0.5
	}
	if c.MaxMultiplier <= c.MinMultiplier {
		c.MaxMultiplier = 2.0
	}
	if c.ScanWorkers <= 0 {
		c.ScanWorkers = 4
	}
	if c.PerMarketTimeout <= 0 {
		c.PerMarketTimeout = 12 * time.Second
	}
}

// Snapshot is a point-in-time copy of session state for status logging and
// checkpointing.
type Snapshot struct {
	State               State
	HaltReason          HaltReason
	Bankroll            decimal.Decimal
	BaseStake           decimal.Decimal
	StreakMultiplier    float64
	TradesToday         int
	Wins                int
	Losses              int
	ConsecutiveFailures int
	RateLimitStreak     int
	OpenPositions       int
	LastTradeAt         time.Time
	UpdatedAt           time.Time
}

// Session owns all mutable trading state. The run loop is single-threaded;
// the mutex only serializes Snapshot readers against it.
type Session struct {
	cfg      Config
	log      *zap.Logger
	source   marketsource.Source
	analyzer *engine.Analyzer
	sizer    *engine.Sizer
	executor Executor
	recorder Recorder

	// sleep and now are injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu                  sync.Mutex
	state               State
	haltReason          HaltReason
	bankroll            decimal.Decimal
	baseStake           decimal.Decimal
	streak              engine.StreakState
	tradesToday         int
	wins                int
	losses              int
	consecutiveFailures int
	rateLimitStreak     int
	positions           []engine.Position
	lastTradeAt         time.Time
}

func New(cfg Config, source marketsource.Source, analyzer *engine.Analyzer, sizer *engine.Sizer, executor Executor, recorder Recorder, log *zap.Logger) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		cfg:       cfg,
		log:       log,
		source:    source,
		analyzer:  analyzer,
		sizer:     sizer,
		executor:  executor,
		recorder:  recorder,
		sleep:     sleepCtx,
		now:       func() time.Time { return time.Now().UTC() },
		state:     StateScanning,
		bankroll:  cfg.StartingBankroll,
		baseStake: cfg.InitialStake,
		streak:    engine.StreakState{Multiplier: 1},
	}
}

// Run drives the state machine until cancellation or a halt predicate.
// Cancellation is checked at the top of every scan and, through the
// orchestrator, between backend attempts.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.halted() {
			return ErrHalted
		}

		s.setState(StateScanning)
		markets, err := s.source.ListActiveMarkets(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("market source failed", zap.Error(err))
			if err := s.sleep(ctx, s.cfg.IdleInterval); err != nil {
				return err
			}
			continue
		}
		if len(markets) == 0 {
			s.log.Debug("no active markets")
			if err := s.sleep(ctx, s.cfg.IdleInterval); err != nil {
				return err
			}
			continue
		}

		s.setState(StateRanking)
		opps := s.scanMarkets(ctx, markets)
		engine.RankOpportunities(opps)
		if len(opps) == 0 {
			s.log.Debug("no qualifying opportunities", zap.Int("markets", len(markets)))
			if err := s.sleep(ctx, s.cfg.IdleInterval); err != nil {
				return err
			}
			continue
		}

		s.setState(StateSizing)
		stake, ok := s.pickStake(opps)
		if !ok {
			s.log.Debug("every ranked opportunity sized below minimum")
			if err := s.sleep(ctx, s.cfg.IdleInterval); err != nil {
				return err
			}
			continue
		}

		s.setState(StateExecuting)
		req := execution.Request{
			MarketID: stake.Opportunity.Market.ID,
			TokenID:  stake.Opportunity.TokenID,
			Side:     stake.Opportunity.Side,
			Amount:   stake.Amount,
			Price:    stake.Opportunity.Price,
		}
		outcome, execErr := s.executor.Execute(ctx, req, s.currentRateLimitStreak())
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateSettling)
		s.settle(ctx, stake, outcome, execErr)

		if s.halted() {
			s.logStatus("session halted")
			return ErrHalted
		}
		if err := s.waitForNextTrade(ctx); err != nil {
			return err
		}
	}
}

// pickStake walks the ranked list until one opportunity sizes above the
// floor. Too-small opportunities are skipped without consuming anything.
func (s *Session) pickStake(opps []engine.Opportunity) (engine.Stake, bool) {
	s.mu.Lock()
	bankroll := s.bankroll
	streak := s.streak
	s.mu.Unlock()

	for _, opp := range opps {
		stake, err := s.sizer.Size(opp, bankroll, streak)
		if err != nil {
			if errors.Is(err, engine.ErrStakeTooSmall) {
				s.log.Debug("stake too small",
					zap.String("market", opp.Market.ID),
					zap.Float64("edge", opp.Edge))
				continue
			}
			s.log.Warn("sizing failed", zap.String("market", opp.Market.ID), zap.Error(err))
			continue
		}
		return stake, true
	}
	return engine.Stake{}, false
}

// settle applies one execution outcome to session state and evaluates the
// halting predicates in their fixed order.
func (s *Session) settle(ctx context.Context, stake engine.Stake, outcome execution.Outcome, execErr error) {
	now := s.now()

	s.mu.Lock()
	s.tradesToday++
	s.lastTradeAt = now

	var pos *engine.Position
	if outcome.Success {
		p := engine.Position{
			ID:       uuid.NewString(),
			MarketID: stake.Opportunity.Market.ID,
			TokenID:  stake.Opportunity.TokenID,
			Side:     stake.Opportunity.Side,
			Amount:   stake.Amount,
			Edge:     stake.Opportunity.Edge,
			Backend:  outcome.Backend,
			TxRef:    outcome.TxRef,
			OpenedAt: now,
		}
		s.positions = append(s.positions, p)
		pos = &p

		s.bankroll = s.bankroll.Sub(stake.Amount)
		if s.bankroll.IsNegative() {
			s.bankroll = decimal.Zero
		}
		s.wins++
		s.consecutiveFailures = 0
		s.rateLimitStreak = 0
		s.streak.Multiplier = clampFloat(s.streak.Multiplier*s.cfg.WinMultiplierFactor,
			s.cfg.MinMultiplier, s.cfg.MaxMultiplier)
		s.baseStake = clampDecimal(s.baseStake.Mul(decimal.NewFromFloat(s.cfg.WinStakeFactor)),
			s.cfg.MinStake, s.cfg.MaxStake)
	} else {
		s.losses++
		s.consecutiveFailures++
		if outcome.RateLimited() {
			s.rateLimitStreak++
		}
		s.streak.Multiplier = clampFloat(s.streak.Multiplier*s.cfg.LossMultiplierFactor,
			s.cfg.MinMultiplier, s.cfg.MaxMultiplier)
		s.baseStake = clampDecimal(s.baseStake.Mul(decimal.NewFromFloat(s.cfg.LossStakeFactor)),
			s.cfg.MinStake, s.cfg.MaxStake)
	}
	s.evaluateHaltLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if outcome.Success {
		s.log.Info("trade settled",
			zap.String("market", stake.Opportunity.Market.ID),
			zap.String("side", string(stake.Opportunity.Side)),
			zap.String("amount", stake.Amount.String()),
			zap.String("backend", outcome.Backend),
			zap.String("tx_ref", outcome.TxRef),
			zap.String("bankroll", snap.Bankroll.String()))
	} else {
		s.log.Warn("trade failed",
			zap.String("market", stake.Opportunity.Market.ID),
			zap.String("amount", stake.Amount.String()),
			zap.Int("attempts", len(outcome.Attempts)),
			zap.Int("consecutive_failures", snap.ConsecutiveFailures),
			zap.Error(execErr))
	}

	if s.recorder != nil {
		if pos != nil {
			if err := s.recorder.RecordPosition(ctx, *pos, outcome.Attempts); err != nil {
				s.log.Warn("record position failed", zap.Error(err))
			}
		}
		if err := s.recorder.RecordCheckpoint(ctx, snap); err != nil {
			s.log.Warn("record checkpoint failed", zap.Error(err))
		}
	}
}

// evaluateHaltLocked checks the halting predicates in order; the first true
// one wins and becomes the recorded reason.
func (s *Session) evaluateHaltLocked() {
	if s.haltReason != HaltNone {
		return
	}
	lowBalance := s.cfg.MinStake.Mul(decimal.NewFromInt(2))
	drawdown := s.cfg.StartingBankroll.Mul(decimal.NewFromFloat(s.cfg.DrawdownStopFraction))
	switch {
	case s.tradesToday >= s.cfg.DailyTradeLimit:
		s.haltReason = HaltDailyLimit
	case s.bankroll.LessThan(lowBalance):
		s.haltReason = HaltLowBalance
	case s.bankroll.LessThan(drawdown):
		s.haltReason = HaltDrawdown
	case s.consecutiveFailures > s.cfg.BackendFailureCeiling:
		s.haltReason = HaltBackendFailures
	default:
		return
	}
	s.state = StateHalted
}

// waitForNextTrade enforces the minimum spacing between attempts. The clock
// starts at the last attempt of either outcome, so a failing chain is paced
// the same as fills.
func (s *Session) waitForNextTrade(ctx context.Context) error {
	s.mu.Lock()
	last := s.lastTradeAt
	s.mu.Unlock()
	wait := s.cfg.TradingInterval - s.now().Sub(last)
	if wait <= 0 {
		return nil
	}
	return s.sleep(ctx, wait)
}

func (s *Session) halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haltReason != HaltNone
}

func (s *Session) currentRateLimitStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rateLimitStreak
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateHalted {
		s.state = st
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:               s.state,
		HaltReason:          s.haltReason,
		Bankroll:            s.bankroll,
		BaseStake:           s.baseStake,
		StreakMultiplier:    s.streak.Multiplier,
		TradesToday:         s.tradesToday,
		Wins:                s.wins,
		Losses:              s.losses,
		ConsecutiveFailures: s.consecutiveFailures,
		RateLimitStreak:     s.rateLimitStreak,
		OpenPositions:       len(s.positions),
		LastTradeAt:         s.lastTradeAt,
		UpdatedAt:           s.now(),
	}
}

// LogStatus emits the periodic status line; wired to the cron runner.
func (s *Session) LogStatus() {
	s.logStatus("session status")
}

func (s *Session) logStatus(msg string) {
	snap := s.Snapshot()
	winRate := 0.0
	if snap.Wins+snap.Losses > 0 {
		winRate = float64(snap.Wins) / float64(snap.Wins+snap.Losses)
	}
	s.log.Info(msg,
		zap.String("state", string(snap.State)),
		zap.String("halt_reason", string(snap.HaltReason)),
		zap.String("bankroll", snap.Bankroll.String()),
		zap.String("base_stake", snap.BaseStake.String()),
		zap.Float64("streak_multiplier", snap.StreakMultiplier),
		zap.Int("trades_today", snap.TradesToday),
		zap.Int("wins", snap.Wins),
		zap.Int("losses", snap.Losses),
		zap.Float64("win_rate", winRate),
		zap.Int("open_positions", snap.OpenPositions))
}

// Checkpoint persists the current snapshot through the recorder, if any.
// Wired to the cron runner alongside LogStatus.
func (s *Session) Checkpoint(ctx context.Context) error {
	if s == nil || s.recorder == nil {
		return nil
	}
	return s.recorder.RecordCheckpoint(ctx, s.Snapshot())
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
