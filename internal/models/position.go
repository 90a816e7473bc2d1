package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Position is one executed trade. Attempts carries the orchestrator's full
// attempt trail for the winning execution, for post-hoc diagnostics.
type Position struct {
	ID       string `gorm:"type:varchar(36);primaryKey"`
	MarketID string `gorm:"type:varchar(100);not null;index"`
	TokenID  string `gorm:"type:varchar(100);not null;index"`

	Side     string          `gorm:"type:varchar(10);not null"`
	Amount   decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	Edge     float64         `gorm:"type:double precision;not null;default:0"`
	Backend  string          `gorm:"type:varchar(50);not null"`
	TxRef    string          `gorm:"type:varchar(200)"`
	Attempts datatypes.JSON  `gorm:"type:jsonb"`

	OpenedAt  time.Time `gorm:"type:timestamptz;not null"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (Position) TableName() string {
	return "positions"
}
