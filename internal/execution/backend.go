package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"edgeengine/internal/engine"
)

// FailureClass partitions submission failures by how the orchestrator should
// react. Retryable failures are retried on the same backend, rate-limited
// failures skip to the next backend and feed the session backoff streak,
// non-retryable failures abort the whole chain.
type FailureClass int

const (
	ClassNone FailureClass = iota
	ClassRetryable
	ClassRateLimited
	ClassNonRetryable
)

func (c FailureClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassRateLimited:
		return "rate_limited"
	case ClassNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// Request is one order handed to a backend. Amount is the stake in collateral
// units; Price is the quote the stake was sized against, which backends may
// use as a limit price.
type Request struct {
	MarketID string
	TokenID  string
	Side     engine.Side
	Amount   decimal.Decimal
	Price    float64
}

// Result is a backend's verdict on a single submission attempt. On failure
// Class must be set; Err carries the underlying cause for logging.
type Result struct {
	Success bool
	TxRef   string
	Class   FailureClass
	Err     error
}

// Backend places one order through a specific execution channel. Submit must
// honor ctx cancellation and must never retry internally; retries belong to
// the orchestrator.
type Backend interface {
	Name() string
	Submit(ctx context.Context, req Request) Result
}

// Attempt records one submission attempt for the trade journal.
type Attempt struct {
	Backend string        `json:"backend"`
	Class   string        `json:"class"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"latency_ns"`
	At      time.Time     `json:"at"`
}
