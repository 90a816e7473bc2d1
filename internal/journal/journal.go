package journal

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"edgeengine/internal/engine"
	"edgeengine/internal/execution"
	"edgeengine/internal/models"
	"edgeengine/internal/repository"
	"edgeengine/internal/session"
)

// Journal persists positions and session checkpoints. It is the optional
// collaborator behind session.Recorder; the engine behaves identically with
// journaling disabled.
type Journal struct {
	Repo   repository.Repository
	Logger *zap.Logger
}

func New(repo repository.Repository, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{Repo: repo, Logger: log}
}

func (j *Journal) RecordPosition(ctx context.Context, pos engine.Position, attempts []execution.Attempt) error {
	if j == nil || j.Repo == nil {
		return nil
	}
	trail, err := json.Marshal(attempts)
	if err != nil {
		trail = nil
	}
	return j.Repo.InsertPosition(ctx, &models.Position{
		ID:       pos.ID,
		MarketID: pos.MarketID,
		TokenID:  pos.TokenID,
		Side:     string(pos.Side),
		Amount:   pos.Amount,
		Edge:     pos.Edge,
		Backend:  pos.Backend,
		TxRef:    pos.TxRef,
		Attempts: datatypes.JSON(trail),
		OpenedAt: pos.OpenedAt,
	})
}

func (j *Journal) RecordCheckpoint(ctx context.Context, snap session.Snapshot) error {
	if j == nil || j.Repo == nil {
		return nil
	}
	var lastTrade *time.Time
	if !snap.LastTradeAt.IsZero() {
		t := snap.LastTradeAt
		lastTrade = &t
	}
	return j.Repo.InsertSessionCheckpoint(ctx, &models.SessionCheckpoint{
		State:               string(snap.State),
		HaltReason:          string(snap.HaltReason),
		Bankroll:            snap.Bankroll,
		BaseStake:           snap.BaseStake,
		StreakMultiplier:    snap.StreakMultiplier,
		TradesToday:         snap.TradesToday,
		Wins:                snap.Wins,
		Losses:              snap.Losses,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		RateLimitStreak:     snap.RateLimitStreak,
		OpenPositions:       snap.OpenPositions,
		LastTradeAt:         lastTrade,
	})
}

// LatestBankroll returns the bankroll of the newest checkpoint, if any.
// Startup uses it as the fresh bankroll snapshot after a crash.
func (j *Journal) LatestBankroll(ctx context.Context) (*models.SessionCheckpoint, error) {
	if j == nil || j.Repo == nil {
		return nil, nil
	}
	return j.Repo.LatestSessionCheckpoint(ctx)
}
