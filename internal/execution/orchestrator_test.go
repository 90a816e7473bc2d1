package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"edgeengine/internal/engine"
)

// scriptedBackend returns its queued results in order and fails the test if
// called past the end of its script.
type scriptedBackend struct {
	t      *testing.T
	name   string
	script []Result
	calls  int
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Submit(ctx context.Context, req Request) Result {
	if b.calls >= len(b.script) {
		b.t.Fatalf("backend %s called %d times, scripted for %d", b.name, b.calls+1, len(b.script))
	}
	res := b.script[b.calls]
	b.calls++
	return res
}

func testRequest() Request {
	return Request{
		MarketID: "m1",
		TokenID:  "m1-yes",
		Side:     engine.SideYes,
		Amount:   decimal.NewFromInt(4),
		Price:    0.6,
	}
}

// noSleep replaces the orchestrator's sleep and records requested delays.
func noSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
}

func TestExecuteFirstBackendFills(t *testing.T) {
	primary := &scriptedBackend{t: t, name: "clob_api", script: []Result{
		{Success: true, TxRef: "tx-1"},
	}}
	fallback := &scriptedBackend{t: t, name: "relay", script: nil}

	o := NewOrchestrator([]Backend{primary, fallback}, Config{}, nil)
	out, err := o.Execute(context.Background(), testRequest(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.Success || out.Backend != "clob_api" || out.TxRef != "tx-1" {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(out.Attempts))
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback called %d times, want 0", fallback.calls)
	}
}

func TestExecuteRetriesThenFallsBack(t *testing.T) {
	primary := &scriptedBackend{t: t, name: "clob_api", script: []Result{
		{Class: ClassRetryable, Err: errors.New("gateway timeout")},
		{Class: ClassRetryable, Err: errors.New("gateway timeout")},
	}}
	fallback := &scriptedBackend{t: t, name: "relay", script: []Result{
		{Success: true, TxRef: "tx-2"},
	}}

	var slept []time.Duration
	o := NewOrchestrator([]Backend{primary, fallback}, Config{RetryDelay: time.Second}, nil)
	o.sleep = noSleep(&slept)

	out, err := o.Execute(context.Background(), testRequest(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Backend != "relay" {
		t.Fatalf("backend = %s, want relay", out.Backend)
	}
	if primary.calls != 2 {
		t.Fatalf("primary attempts = %d, want 2", primary.calls)
	}
	if len(out.Attempts) != 3 {
		t.Fatalf("attempt trail = %d, want 3", len(out.Attempts))
	}
	// One inter-attempt pause on the primary, growing from the base delay.
	if len(slept) != 1 || slept[0] != time.Second {
		t.Fatalf("slept = %v, want [1s]", slept)
	}
}

func TestExecuteNonRetryableAbortsChain(t *testing.T) {
	primary := &scriptedBackend{t: t, name: "clob_api", script: []Result{
		{Class: ClassNonRetryable, Err: errors.New("insufficient funds")},
	}}
	fallback := &scriptedBackend{t: t, name: "relay", script: nil}

	o := NewOrchestrator([]Backend{primary, fallback}, Config{}, nil)
	out, err := o.Execute(context.Background(), testRequest(), 0)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback called after rejection")
	}
	if len(out.Attempts) != 1 {
		t.Fatalf("attempt trail = %d, want 1", len(out.Attempts))
	}
}

func TestExecuteRateLimitSkipsToNextBackend(t *testing.T) {
	primary := &scriptedBackend{t: t, name: "clob_api", script: []Result{
		{Class: ClassRateLimited, Err: errors.New("429")},
	}}
	fallback := &scriptedBackend{t: t, name: "relay", script: []Result{
		{Success: true, TxRef: "tx-3"},
	}}

	o := NewOrchestrator([]Backend{primary, fallback}, Config{AttemptsPerBackend: 3}, nil)
	out, err := o.Execute(context.Background(), testRequest(), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("throttled backend retried %d times, want 1 attempt", primary.calls)
	}
	if !out.RateLimited() {
		t.Fatalf("outcome did not record the rate limit")
	}
}

func TestExecuteAllBackendsFail(t *testing.T) {
	primary := &scriptedBackend{t: t, name: "clob_api", script: []Result{
		{Class: ClassRetryable, Err: errors.New("boom")},
		{Class: ClassRetryable, Err: errors.New("boom")},
	}}
	fallback := &scriptedBackend{t: t, name: "relay", script: []Result{
		{Class: ClassRetryable, Err: errors.New("boom")},
		{Class: ClassRetryable, Err: errors.New("boom")},
	}}

	var slept []time.Duration
	o := NewOrchestrator([]Backend{primary, fallback}, Config{}, nil)
	o.sleep = noSleep(&slept)

	out, err := o.Execute(context.Background(), testRequest(), 0)
	if !errors.Is(err, ErrAllBackendsFailed) {
		t.Fatalf("err = %v, want ErrAllBackendsFailed", err)
	}
	if len(out.Attempts) != 4 {
		t.Fatalf("attempt trail = %d, want 4", len(out.Attempts))
	}
}

func TestExecuteBackoffOnStreak(t *testing.T) {
	primary := &scriptedBackend{t: t, name: "clob_api", script: []Result{
		{Success: true, TxRef: "tx-4"},
	}}

	var slept []time.Duration
	o := NewOrchestrator([]Backend{primary}, Config{BackoffBase: 5 * time.Second, BackoffMax: time.Minute}, nil)
	o.sleep = noSleep(&slept)
	o.jitter = func(d time.Duration) time.Duration { return d }

	if _, err := o.Execute(context.Background(), testRequest(), 3); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// 5s doubled twice for a streak of 3.
	if len(slept) != 1 || slept[0] != 20*time.Second {
		t.Fatalf("slept = %v, want [20s]", slept)
	}
}

func TestExecuteBackoffJitterStaysUnderCeiling(t *testing.T) {
	primary := &scriptedBackend{t: t, name: "clob_api", script: []Result{
		{Success: true, TxRef: "tx-6"},
	}}

	var slept []time.Duration
	o := NewOrchestrator([]Backend{primary}, Config{BackoffBase: 5 * time.Second, BackoffMax: 8 * time.Second}, nil)
	o.sleep = noSleep(&slept)
	// Worst-case jitter: half again on top of the capped delay.
	o.jitter = func(d time.Duration) time.Duration { return d + d/2 }

	if _, err := o.Execute(context.Background(), testRequest(), 2); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(slept) != 1 || slept[0] != 8*time.Second {
		t.Fatalf("slept = %v, want [8s]", slept)
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	primary := &scriptedBackend{t: t, name: "clob_api", script: []Result{
		{Success: true, TxRef: "tx-5"},
	}}
	o := NewOrchestrator([]Backend{primary}, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := o.Execute(ctx, testRequest(), 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.calls != 0 {
		t.Fatalf("backend called after cancellation")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 5 * time.Second
	max := time.Minute

	cases := []struct {
		streak int
		want   time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, time.Minute},
		{20, time.Minute},
	}
	for _, tc := range cases {
		if got := BackoffDelay(base, tc.streak, max); got != tc.want {
			t.Fatalf("BackoffDelay(streak=%d) = %s, want %s", tc.streak, got, tc.want)
		}
	}
}

func TestExecuteNoBackends(t *testing.T) {
	o := NewOrchestrator(nil, Config{}, nil)
	if _, err := o.Execute(context.Background(), testRequest(), 0); !errors.Is(err, ErrNoBackends) {
		t.Fatalf("err = %v, want ErrNoBackends", err)
	}
}
