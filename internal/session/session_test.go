package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"edgeengine/internal/engine"
	"edgeengine/internal/execution"
	"edgeengine/internal/marketsource"
)

// stubSource serves fixed markets and quotes.
type stubSource struct {
	markets   []engine.Market
	quotes    map[string]float64
	listCalls int
}

func (s *stubSource) ListActiveMarkets(ctx context.Context) ([]engine.Market, error) {
	s.listCalls++
	return s.markets, nil
}

func (s *stubSource) GetQuote(ctx context.Context, tokenID string) (engine.Quote, error) {
	price, ok := s.quotes[tokenID]
	if !ok {
		return engine.Quote{}, marketsource.ErrQuoteUnavailable
	}
	return engine.Quote{TokenID: tokenID, Price: price, At: time.Now().UTC()}, nil
}

// scriptedExecutor returns queued outcomes in order and records the streak
// values it was called with.
type scriptedExecutor struct {
	t        *testing.T
	outcomes []execution.Outcome
	errs     []error
	calls    int
	streaks  []int
}

func (e *scriptedExecutor) Execute(ctx context.Context, req execution.Request, rateLimitStreak int) (execution.Outcome, error) {
	if e.calls >= len(e.outcomes) {
		e.t.Fatalf("executor called %d times, scripted for %d", e.calls+1, len(e.outcomes))
	}
	out := e.outcomes[e.calls]
	var err error
	if e.calls < len(e.errs) {
		err = e.errs[e.calls]
	}
	e.calls++
	e.streaks = append(e.streaks, rateLimitStreak)
	return out, err
}

type stubRecorder struct {
	positions   []engine.Position
	checkpoints []Snapshot
}

func (r *stubRecorder) RecordPosition(ctx context.Context, pos engine.Position, attempts []execution.Attempt) error {
	r.positions = append(r.positions, pos)
	return nil
}

func (r *stubRecorder) RecordCheckpoint(ctx context.Context, snap Snapshot) error {
	r.checkpoints = append(r.checkpoints, snap)
	return nil
}

func goodMarket() engine.Market {
	return engine.Market{
		ID:       "m1",
		Question: "Will the team win the championship finals?",
		Volume:   300000,
		Active:   true,
		Tokens: []engine.Token{
			{ID: "m1-yes", Outcome: "Yes"},
			{ID: "m1-no", Outcome: "No"},
		},
	}
}

func newTestSession(t *testing.T, cfg Config, src marketsource.Source, exec Executor, rec Recorder) *Session {
	t.Helper()
	s := New(cfg, src, engine.NewAnalyzer(engine.AnalyzerConfig{}, nil), engine.NewSizer(engine.SizerConfig{}), exec, rec, nil)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func TestRunSingleSuccessfulTrade(t *testing.T) {
	src := &stubSource{
		markets: []engine.Market{goodMarket()},
		quotes:  map[string]float64{"m1-yes": 0.60, "m1-no": 0.40},
	}
	exec := &scriptedExecutor{t: t, outcomes: []execution.Outcome{
		{Success: true, Backend: "clob_api", TxRef: "tx-1"},
	}}
	rec := &stubRecorder{}

	s := newTestSession(t, Config{DailyTradeLimit: 1}, src, exec, rec)
	err := s.Run(context.Background())
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run: %v, want ErrHalted", err)
	}

	snap := s.Snapshot()
	if snap.HaltReason != HaltDailyLimit {
		t.Fatalf("halt reason = %s, want daily_trade_limit", snap.HaltReason)
	}
	if snap.Wins != 1 || snap.Losses != 0 || snap.OpenPositions != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap.Bankroll.LessThan(decimal.NewFromInt(100)) {
		t.Fatalf("bankroll %s not reduced by the stake", snap.Bankroll)
	}
	if snap.Bankroll.IsNegative() {
		t.Fatalf("bankroll %s went negative", snap.Bankroll)
	}

	if len(rec.positions) != 1 {
		t.Fatalf("recorded positions = %d, want 1", len(rec.positions))
	}
	pos := rec.positions[0]
	if pos.MarketID != "m1" || pos.Backend != "clob_api" || pos.TxRef != "tx-1" {
		t.Fatalf("position = %+v", pos)
	}
	if pos.ID == "" {
		t.Fatalf("position missing ID")
	}
	if len(rec.checkpoints) == 0 {
		t.Fatalf("no checkpoint recorded")
	}
}

func TestRunHaltsOnConsecutiveFailures(t *testing.T) {
	src := &stubSource{
		markets: []engine.Market{goodMarket()},
		quotes:  map[string]float64{"m1-yes": 0.60, "m1-no": 0.40},
	}
	failed := execution.Outcome{Attempts: []execution.Attempt{
		{Backend: "clob_api", Class: execution.ClassRateLimited.String()},
	}}
	exec := &scriptedExecutor{
		t:        t,
		outcomes: []execution.Outcome{failed, failed},
		errs:     []error{execution.ErrAllBackendsFailed, execution.ErrAllBackendsFailed},
	}

	s := newTestSession(t, Config{BackendFailureCeiling: 1}, src, exec, nil)
	err := s.Run(context.Background())
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("Run: %v, want ErrHalted", err)
	}

	snap := s.Snapshot()
	if snap.HaltReason != HaltBackendFailures {
		t.Fatalf("halt reason = %s, want backend_failure_ceiling", snap.HaltReason)
	}
	if snap.Losses != 2 || snap.OpenPositions != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	// The first rate-limited outcome must feed the second call's backoff.
	if len(exec.streaks) != 2 || exec.streaks[0] != 0 || exec.streaks[1] != 1 {
		t.Fatalf("streaks passed to executor = %v, want [0 1]", exec.streaks)
	}
	// No position journaled without orchestrator success.
	if snap.Bankroll.Cmp(decimal.NewFromInt(100)) != 0 {
		t.Fatalf("bankroll %s changed on failed execution", snap.Bankroll)
	}
}

func TestRunStopsScanningAfterHalt(t *testing.T) {
	src := &stubSource{markets: []engine.Market{goodMarket()}, quotes: map[string]float64{"m1-yes": 0.60}}
	exec := &scriptedExecutor{t: t, outcomes: []execution.Outcome{
		{Success: true, Backend: "clob_api", TxRef: "tx-1"},
	}}

	s := newTestSession(t, Config{DailyTradeLimit: 1}, src, exec, nil)
	if err := s.Run(context.Background()); !errors.Is(err, ErrHalted) {
		t.Fatalf("first Run: %v", err)
	}
	listCallsAfterHalt := src.listCalls

	if err := s.Run(context.Background()); !errors.Is(err, ErrHalted) {
		t.Fatalf("second Run: %v", err)
	}
	if src.listCalls != listCallsAfterHalt {
		t.Fatalf("source scanned after halt")
	}
}

func TestHaltPredicateOrder(t *testing.T) {
	s := newTestSession(t, Config{DailyTradeLimit: 10}, &stubSource{}, nil, nil)

	// Both the daily limit and the low-balance predicate are true; the
	// daily limit is evaluated first and wins.
	s.mu.Lock()
	s.tradesToday = 10
	s.bankroll = decimal.NewFromInt(1)
	s.evaluateHaltLocked()
	reason := s.haltReason
	s.mu.Unlock()

	if reason != HaltDailyLimit {
		t.Fatalf("halt reason = %s, want daily_trade_limit", reason)
	}
}

func TestHaltOnDrawdown(t *testing.T) {
	s := newTestSession(t, Config{StartingBankroll: decimal.NewFromInt(1000)}, &stubSource{}, nil, nil)

	s.mu.Lock()
	s.bankroll = decimal.NewFromInt(100) // below 15% of 1000
	s.evaluateHaltLocked()
	reason := s.haltReason
	s.mu.Unlock()

	if reason != HaltDrawdown {
		t.Fatalf("halt reason = %s, want drawdown_stop", reason)
	}
}

func TestStreakMultiplierStaysBounded(t *testing.T) {
	exec := &scriptedExecutor{t: t}
	s := newTestSession(t, Config{DailyTradeLimit: 1000}, &stubSource{}, exec, nil)

	stake := engine.Stake{
		Opportunity: engine.Opportunity{Market: goodMarket(), TokenID: "m1-yes", Side: engine.SideYes, Edge: 0.2, Confidence: 0.4},
		Amount:      decimal.NewFromInt(1),
	}
	win := execution.Outcome{Success: true, Backend: "clob_api", TxRef: "tx"}
	lose := execution.Outcome{}

	for i := 0; i < 50; i++ {
		s.settle(context.Background(), stake, win, nil)
		if m := s.Snapshot().StreakMultiplier; m < s.cfg.MinMultiplier || m > s.cfg.MaxMultiplier {
			t.Fatalf("win %d: multiplier %v outside [%v, %v]", i, m, s.cfg.MinMultiplier, s.cfg.MaxMultiplier)
		}
	}
	for i := 0; i < 50; i++ {
		s.settle(context.Background(), stake, lose, fmt.Errorf("boom"))
		if m := s.Snapshot().StreakMultiplier; m < s.cfg.MinMultiplier || m > s.cfg.MaxMultiplier {
			t.Fatalf("loss %d: multiplier %v outside [%v, %v]", i, m, s.cfg.MinMultiplier, s.cfg.MaxMultiplier)
		}
	}
	if s.Snapshot().Bankroll.IsNegative() {
		t.Fatalf("bankroll went negative")
	}
}

func TestBaseStakeStaysBounded(t *testing.T) {
	exec := &scriptedExecutor{t: t}
	s := newTestSession(t, Config{DailyTradeLimit: 100000}, &stubSource{}, exec, nil)

	stake := engine.Stake{
		Opportunity: engine.Opportunity{Market: goodMarket(), TokenID: "m1-yes", Side: engine.SideYes},
		Amount:      decimal.Zero,
	}
	win := execution.Outcome{Success: true, Backend: "clob_api"}
	for i := 0; i < 40; i++ {
		s.settle(context.Background(), stake, win, nil)
	}
	if got := s.Snapshot().BaseStake; got.GreaterThan(s.cfg.MaxStake) {
		t.Fatalf("base stake %s exceeds max %s", got, s.cfg.MaxStake)
	}

	lose := execution.Outcome{}
	for i := 0; i < 40; i++ {
		s.settle(context.Background(), stake, lose, fmt.Errorf("boom"))
	}
	if got := s.Snapshot().BaseStake; got.LessThan(s.cfg.MinStake) {
		t.Fatalf("base stake %s below min %s", got, s.cfg.MinStake)
	}
}

func TestPickStakeSkipsTooSmall(t *testing.T) {
	s := newTestSession(t, Config{StartingBankroll: decimal.NewFromInt(5)}, &stubSource{}, nil, nil)

	opps := []engine.Opportunity{
		{Market: goodMarket(), TokenID: "m1-yes", Side: engine.SideYes, Edge: 0.2, Confidence: 0.4},
	}
	if _, ok := s.pickStake(opps); ok {
		t.Fatalf("stake accepted against a bankroll below the sizing floor")
	}
}

func TestWaitForNextTradePacesFailedAttempts(t *testing.T) {
	s := newTestSession(t, Config{TradingInterval: 90 * time.Second}, &stubSource{}, nil, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	stake := engine.Stake{
		Opportunity: engine.Opportunity{Market: goodMarket(), TokenID: "m1-yes", Side: engine.SideYes},
		Amount:      decimal.NewFromInt(2),
	}
	// A failed attempt still resets the pacing clock.
	s.settle(context.Background(), stake, execution.Outcome{}, fmt.Errorf("boom"))

	if err := s.waitForNextTrade(context.Background()); err != nil {
		t.Fatalf("waitForNextTrade: %v", err)
	}
	if len(slept) != 1 || slept[0] != 90*time.Second {
		t.Fatalf("slept = %v, want [90s]", slept)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	src := &stubSource{markets: []engine.Market{goodMarket()}, quotes: map[string]float64{"m1-yes": 0.60}}
	s := newTestSession(t, Config{}, src, &scriptedExecutor{t: t}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v, want context.Canceled", err)
	}
	if src.listCalls != 0 {
		t.Fatalf("source scanned after cancellation")
	}
}
