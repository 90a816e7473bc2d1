package clobapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"edgeengine/internal/execution"
)

// Name is the backend identifier used in config ordering and journals.
const Name = "clob_api"

// Config for the CLOB REST backend.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond bounds outgoing order submissions client side so
	// the venue's limiter is rarely the one that trips.
	RequestsPerSecond float64
	Burst             int
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "https://clob.polymarket.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
}

// Client submits orders straight to the venue's CLOB REST API. It is the
// first backend in the default chain.
type Client struct {
	HTTP    *http.Client
	Logger  *zap.Logger
	Config  Config
	limiter *rate.Limiter
}

func New(cfg Config, log *zap.Logger) *Client {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		HTTP:    &http.Client{Timeout: cfg.Timeout},
		Logger:  log,
		Config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

func (c *Client) Name() string { return Name }

type orderPayload struct {
	TokenID string `json:"token_id"`
	Side    string `json:"side"`
	Size    string `json:"size"`
	Price   string `json:"price"`
}

type orderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderID"`
	Error   string `json:"errorMsg"`
}

// Submit places one limit order. Classification: 429 and 403 are rate
// limited (403 is how edge protection answers throttled clients here),
// 5xx and transport errors are retryable, explicit venue rejections are not.
func (c *Client) Submit(ctx context.Context, req execution.Request) execution.Result {
	if c == nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: fmt.Errorf("clob client not configured")}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return execution.Result{Class: execution.ClassRetryable, Err: err}
	}

	payload := orderPayload{
		TokenID: req.TokenID,
		Side:    "BUY",
		Size:    req.Amount.String(),
		Price:   fmt.Sprintf("%.4f", req.Price),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.Config.BaseURL, "/")+"/order", bytes.NewReader(body))
	if err != nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.Config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.Config.APIKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return execution.Result{Class: execution.ClassRetryable, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusForbidden:
		return execution.Result{Class: execution.ClassRateLimited, Err: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw))}
	case resp.StatusCode >= 500:
		return execution.Result{Class: execution.ClassRetryable, Err: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw))}
	case resp.StatusCode >= 400:
		return execution.Result{Class: execution.ClassNonRetryable, Err: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw))}
	}

	var parsed orderResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return execution.Result{Class: execution.ClassRetryable, Err: fmt.Errorf("decode order response: %w", err)}
	}
	if !parsed.Success {
		return execution.Result{Class: classifyVenueError(parsed.Error), Err: fmt.Errorf("venue: %s", parsed.Error)}
	}

	c.Logger.Debug("clob order accepted",
		zap.String("token", req.TokenID),
		zap.String("order_id", parsed.OrderID))
	return execution.Result{Success: true, TxRef: parsed.OrderID}
}

// classifyVenueError maps venue rejection strings onto failure classes.
// Balance and market problems will not fix themselves on retry.
func classifyVenueError(msg string) execution.FailureClass {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "insufficient"),
		strings.Contains(lower, "invalid market"),
		strings.Contains(lower, "market closed"),
		strings.Contains(lower, "not tradable"):
		return execution.ClassNonRetryable
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many"):
		return execution.ClassRateLimited
	default:
		return execution.ClassRetryable
	}
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
