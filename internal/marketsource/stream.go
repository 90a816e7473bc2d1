package marketsource

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"edgeengine/internal/engine"
)

// DefaultMarketWSSURL is the venue's public market data stream.
const DefaultMarketWSSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

// StreamConfig for the quote overlay.
type StreamConfig struct {
	URL string
	// MaxQuoteAge bounds how stale a streamed quote may be before lookup
	// falls through to the wrapped source.
	MaxQuoteAge time.Duration
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

func (c *StreamConfig) applyDefaults() {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultMarketWSSURL
	}
	if c.MaxQuoteAge <= 0 {
		c.MaxQuoteAge = 2 * time.Minute
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// StreamOverlay wraps a Source with a websocket feed of live trade prices.
// Markets still come from the wrapped source; quotes prefer the stream when
// fresh enough and fall back to the source otherwise. Run must be started
// for the overlay to contribute anything; without it the overlay is a
// transparent pass-through.
type StreamOverlay struct {
	inner  Source
	logger *zap.Logger
	cfg    StreamConfig

	mu     sync.RWMutex
	quotes map[string]engine.Quote
	assets []string
	conn   *websocket.Conn
}

func NewStreamOverlay(inner Source, cfg StreamConfig, log *zap.Logger) *StreamOverlay {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamOverlay{
		inner:  inner,
		logger: log,
		cfg:    cfg,
		quotes: map[string]engine.Quote{},
	}
}

// ListActiveMarkets delegates to the wrapped source and retargets the stream
// subscription at the tokens of the returned markets. A changed asset set
// forces a reconnect so the new subscription takes effect.
func (s *StreamOverlay) ListActiveMarkets(ctx context.Context) ([]engine.Market, error) {
	markets, err := s.inner.ListActiveMarkets(ctx)
	if err != nil {
		return nil, err
	}

	assets := make([]string, 0, len(markets)*2)
	seen := map[string]struct{}{}
	for _, m := range markets {
		for _, tok := range m.Tokens {
			if tok.ID == "" {
				continue
			}
			if _, ok := seen[tok.ID]; ok {
				continue
			}
			seen[tok.ID] = struct{}{}
			assets = append(assets, tok.ID)
		}
	}
	sort.Strings(assets)

	s.mu.Lock()
	changed := !equalStrings(s.assets, assets)
	s.assets = assets
	conn := s.conn
	s.mu.Unlock()

	if changed && conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "resubscribe")
	}
	return markets, nil
}

// GetQuote prefers a fresh streamed price and falls back to the wrapped
// source.
func (s *StreamOverlay) GetQuote(ctx context.Context, tokenID string) (engine.Quote, error) {
	s.mu.RLock()
	q, ok := s.quotes[tokenID]
	s.mu.RUnlock()
	if ok && time.Since(q.At) <= s.cfg.MaxQuoteAge {
		return q, nil
	}
	return s.inner.GetQuote(ctx, tokenID)
}

// Run maintains the websocket connection until ctx is done, reconnecting
// with doubling jittered backoff.
func (s *StreamOverlay) Run(ctx context.Context) error {
	backoff := s.cfg.BackoffMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.connectAndConsume(ctx)
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err == nil {
			// The catalog has not loaded yet, so there was nothing to
			// subscribe to. Poll again with a fresh backoff.
			backoff = s.cfg.BackoffMin
			continue
		}
		s.logger.Warn("quote stream disconnected", zap.Error(err))
		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
		backoff = nextBackoff(backoff, s.cfg.BackoffMax)
	}
}

type subscribeRequest struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

type streamEnvelope struct {
	EventType string                       `json:"event_type"`
	AssetID   string                       `json:"asset_id"`
	Price     json.RawMessage              `json:"price"`
	Changes   []map[string]json.RawMessage `json:"changes"`
}

func (s *StreamOverlay) connectAndConsume(ctx context.Context) error {
	s.mu.RLock()
	assets := append([]string(nil), s.assets...)
	s.mu.RUnlock()
	if len(assets) == 0 {
		// Nothing to subscribe to yet; wait for the first catalog load.
		return sleepWithJitter(ctx, s.cfg.BackoffMin)
	}

	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	// Book snapshots on busy markets exceed the default read limit.
	conn.SetReadLimit(2 << 20)

	payload, err := json.Marshal(subscribeRequest{Type: "market", AssetsIDs: assets})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "marshal subscribe")
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return err
	}
	s.logger.Info("quote stream subscribed", zap.Int("assets", len(assets)))

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(data)) == "ping" {
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event_type":"pong"}`))
			continue
		}
		s.handleMessage(data)
	}
}

func (s *StreamOverlay) handleMessage(data []byte) {
	// Messages may arrive as a single envelope or a batch.
	var batch []streamEnvelope
	if err := json.Unmarshal(data, &batch); err != nil {
		var single streamEnvelope
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		batch = []streamEnvelope{single}
	}
	now := time.Now().UTC()
	for _, env := range batch {
		switch strings.ToLower(env.EventType) {
		case "last_trade_price":
			s.record(env.AssetID, parseStreamPrice(env.Price), now)
		case "price_change":
			// Book moves arrive batched in a changes array; older payloads
			// carry a single top-level pair.
			for _, ch := range env.Changes {
				tokenID := trimQuotes(firstRaw(ch, "asset_id", "token_id", "tokenId"))
				s.record(tokenID, parseStreamPrice(firstRaw(ch, "price", "p")), now)
			}
			if len(env.Changes) == 0 {
				s.record(env.AssetID, parseStreamPrice(env.Price), now)
			}
		}
	}
}

func (s *StreamOverlay) record(tokenID string, price float64, at time.Time) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" || price <= 0 || price >= 1 {
		return
	}
	s.mu.Lock()
	s.quotes[tokenID] = engine.Quote{TokenID: tokenID, Price: price, At: at}
	s.mu.Unlock()
}

func firstRaw(obj map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := obj[k]; ok && len(v) > 0 {
			return v
		}
	}
	return nil
}

func trimQuotes(raw json.RawMessage) string {
	return strings.Trim(string(raw), "\"")
}

func parseStreamPrice(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if v, err := strconv.ParseFloat(str, 64); err == nil {
			return v
		}
	}
	return 0
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleepWithJitter(ctx context.Context, base time.Duration) error {
	if base <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(base/2) + 1))
	timer := time.NewTimer(base + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
