package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionCheckpoint is a periodic snapshot of the trading session counters.
// Checkpoints are append-only; crash recovery reads the newest row for a
// bankroll snapshot to restart from.
type SessionCheckpoint struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	State      string `gorm:"type:varchar(20);not null"`
	HaltReason string `gorm:"type:varchar(40)"`

	Bankroll         decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	BaseStake        decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	StreakMultiplier float64         `gorm:"type:double precision;not null;default:1"`

	TradesToday         int `gorm:"not null;default:0"`
	Wins                int `gorm:"not null;default:0"`
	Losses              int `gorm:"not null;default:0"`
	ConsecutiveFailures int `gorm:"not null;default:0"`
	RateLimitStreak     int `gorm:"not null;default:0"`
	OpenPositions       int `gorm:"not null;default:0"`

	LastTradeAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt   time.Time  `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (SessionCheckpoint) TableName() string {
	return "session_checkpoints"
}
