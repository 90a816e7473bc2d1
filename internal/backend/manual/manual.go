package manual

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"edgeengine/internal/execution"
)

// Name is the backend identifier used in config ordering and journals.
const Name = "manual"

// ErrUnconfirmed means no confirmation arrived for the published
// instruction, so the order is not considered placed.
var ErrUnconfirmed = fmt.Errorf("manual order not confirmed")

// ConfirmFunc asks an operator to place the order out of band and returns
// the external reference once it is done. Implementations decide the channel
// (terminal prompt, chat bot, ticket queue). A nil func means the backend
// only announces and never fills.
type ConfirmFunc func(ctx context.Context, req execution.Request) (string, error)

// Backend is the last resort in the chain: it publishes a precise order
// instruction and waits for a human acknowledgement. It never fabricates a
// fill.
type Backend struct {
	Logger  *zap.Logger
	Confirm ConfirmFunc
}

func New(log *zap.Logger, confirm ConfirmFunc) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{Logger: log, Confirm: confirm}
}

func (b *Backend) Name() string { return Name }

// Submit announces the order and blocks on confirmation. Without a confirm
// hook the result is a non-retryable failure, which ends the chain; there is
// nothing after the manual fallback.
func (b *Backend) Submit(ctx context.Context, req execution.Request) execution.Result {
	if b == nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: ErrUnconfirmed}
	}
	b.Logger.Warn("manual execution required",
		zap.String("market", req.MarketID),
		zap.String("token", req.TokenID),
		zap.String("side", string(req.Side)),
		zap.String("amount", req.Amount.String()),
		zap.Float64("price", req.Price))

	if b.Confirm == nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: ErrUnconfirmed}
	}
	ref, err := b.Confirm(ctx, req)
	if err != nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: err}
	}
	if ref == "" {
		return execution.Result{Class: execution.ClassNonRetryable, Err: ErrUnconfirmed}
	}
	return execution.Result{Success: true, TxRef: ref}
}
