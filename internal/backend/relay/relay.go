package relay

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

	"edgeengine/internal/execution"
)

// Name is the backend identifier used in config ordering and journals.
const Name = "relay"

// Config for the relay backend.
type Config struct {
	// Endpoint is the local driver's order URL, typically a headless
	// browser sidecar that walks the venue UI.
	Endpoint string
	Timeout  time.Duration
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = "http://127.0.0.1:8765/orders"
	}
	if c.Timeout <= 0 {
		// UI-driving sidecars are slow; give them room.
		c.Timeout = 90 * time.Second
	}
}

// Client hands orders to an out-of-process execution driver over HTTP. It
// sits behind the direct API backend and absorbs the cases where the venue
// front door throttles programmatic clients.
type Client struct {
	HTTP   *http.Client
	Logger *zap.Logger
	Config Config
}

func New(cfg Config, log *zap.Logger) *Client {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		HTTP:   &http.Client{Timeout: cfg.Timeout},
		Logger: log,
		Config: cfg,
	}
}

func (c *Client) Name() string { return Name }

type relayOrder struct {
	MarketID string `json:"market_id"`
	TokenID  string `json:"token_id"`
	Side     string `json:"side"`
	Amount   string `json:"amount"`
	Price    string `json:"price"`
}

type relayResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Reason    string `json:"reason"`
}

// Submit forwards one order to the driver and waits for its verdict. The
// driver answers "filled", "blocked" when the venue challenged it, or
// "failed" for anything else.
func (c *Client) Submit(ctx context.Context, req execution.Request) execution.Result {
	if c == nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: fmt.Errorf("relay client not configured")}
	}

	body, err := json.Marshal(relayOrder{
		MarketID: req.MarketID,
		TokenID:  req.TokenID,
		Side:     string(req.Side),
		Amount:   req.Amount.String(),
		Price:    fmt.Sprintf("%.4f", req.Price),
	})
	if err != nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return execution.Result{Class: execution.ClassNonRetryable, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		// The sidecar may simply not be running.
		return execution.Result{Class: execution.ClassRetryable, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return execution.Result{Class: execution.ClassRetryable, Err: fmt.Errorf("relay http %d", resp.StatusCode)}
	}

	var parsed relayResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return execution.Result{Class: execution.ClassRetryable, Err: fmt.Errorf("decode relay response: %w", err)}
	}

	switch parsed.Status {
	case "filled":
		c.Logger.Debug("relay order filled",
			zap.String("market", req.MarketID),
			zap.String("reference", parsed.Reference))
		return execution.Result{Success: true, TxRef: parsed.Reference}
	case "blocked":
		return execution.Result{Class: execution.ClassRateLimited, Err: fmt.Errorf("relay blocked: %s", parsed.Reason)}
	default:
		return execution.Result{Class: execution.ClassRetryable, Err: fmt.Errorf("relay %s: %s", parsed.Status, parsed.Reason)}
	}
}
