package marketsource

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"edgeengine/internal/engine"
)

// FileConfig for the snapshot-backed source.
type FileConfig struct {
	// Path to a JSON snapshot of the market catalog, refreshed out of
	// band by whatever process exports it.
	Path      string
	MinVolume float64
}

func (c *FileConfig) applyDefaults() {
	if strings.TrimSpace(c.Path) == "" {
		c.Path = "current_markets.json"
	}
	if c.MinVolume <= 0 {
		c.MinVolume = 10000
	}
}

// FileSource serves markets and quotes from a local catalog snapshot. It
// exists for offline runs and for deployments where a separate exporter
// already maintains the snapshot; quotes come from the prices embedded in
// the file.
type FileSource struct {
	logger *zap.Logger
	cfg    FileConfig

	mu     sync.Mutex
	prices map[string]float64
	loaded time.Time
}

func NewFileSource(cfg FileConfig, log *zap.Logger) *FileSource {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &FileSource{logger: log, cfg: cfg}
}

type snapshotMarket struct {
	ID            string          `json:"id"`
	ConditionID   string          `json:"conditionId"`
	Question      string          `json:"question"`
	Active        bool            `json:"active"`
	Closed        bool            `json:"closed"`
	Volume        json.RawMessage `json:"volume"`
	ClobTokenIDs  json.RawMessage `json:"clobTokenIds"`
	Outcomes      json.RawMessage `json:"outcomes"`
	OutcomePrices json.RawMessage `json:"outcomePrices"`
}

// ListActiveMarkets re-reads the snapshot on every call so an updated file
// is picked up without restarting. Embedded outcome prices are cached for
// subsequent GetQuote calls within the same cycle.
func (s *FileSource) ListActiveMarkets(ctx context.Context) ([]engine.Market, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read market snapshot: %w", err)
	}

	var raw []snapshotMarket
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode market snapshot %s: %w", s.cfg.Path, err)
	}

	prices := map[string]float64{}
	out := make([]engine.Market, 0, len(raw))
	for _, sm := range raw {
		if !sm.Active || sm.Closed {
			continue
		}
		volume := parseLooseFloat(sm.Volume)
		if volume < s.cfg.MinVolume {
			continue
		}
		id := strings.TrimSpace(sm.ID)
		if id == "" {
			id = strings.TrimSpace(sm.ConditionID)
		}
		tokens := parseTokenList(sm.ClobTokenIDs, sm.Outcomes)
		m := engine.Market{
			ID:       id,
			Question: strings.TrimSpace(sm.Question),
			Tokens:   tokens,
			Volume:   volume,
			Active:   true,
		}
		if !m.Tradable() {
			continue
		}
		for i, p := range parseFloatArray(sm.OutcomePrices) {
			if i >= len(tokens) {
				break
			}
			if p > 0 && p < 1 {
				prices[tokens[i].ID] = p
			}
		}
		out = append(out, m)
	}

	s.mu.Lock()
	s.prices = prices
	s.loaded = time.Now().UTC()
	s.mu.Unlock()

	s.logger.Debug("market snapshot loaded",
		zap.String("path", s.cfg.Path),
		zap.Int("markets", len(out)),
		zap.Int("prices", len(prices)))
	return out, nil
}

// GetQuote answers from the prices captured at the last snapshot load.
func (s *FileSource) GetQuote(ctx context.Context, tokenID string) (engine.Quote, error) {
	if err := ctx.Err(); err != nil {
		return engine.Quote{}, err
	}
	s.mu.Lock()
	price, ok := s.prices[tokenID]
	at := s.loaded
	s.mu.Unlock()
	if !ok {
		return engine.Quote{}, fmt.Errorf("token %s: %w", tokenID, ErrQuoteUnavailable)
	}
	return engine.Quote{TokenID: tokenID, Price: price, At: at}, nil
}

// parseFloatArray accepts an array of numbers, an array of numeric strings,
// or a string containing either.
func parseFloatArray(raw json.RawMessage) []float64 {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		out = append(out, parseLooseFloat(item))
	}
	return out
}
