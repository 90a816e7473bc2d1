package marketsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"edgeengine/internal/engine"
)

// APIError is a non-2xx answer from the venue's REST API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

// RESTConfig for the live market source.
type RESTConfig struct {
	// GammaURL serves the market catalog.
	GammaURL string
	// CLOBURL serves prices and books.
	CLOBURL string
	Timeout time.Duration
	// MinVolume filters the catalog; thin markets never reach the
	// analyzer.
	MinVolume float64
	// MaxMarkets caps one scan's working set.
	MaxMarkets int
}

func (c *RESTConfig) applyDefaults() {
	if strings.TrimSpace(c.GammaURL) == "" {
		c.GammaURL = "https://gamma-api.polymarket.com"
	}
	if strings.TrimSpace(c.CLOBURL) == "" {
		c.CLOBURL = "https://clob.polymarket.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MinVolume <= 0 {
		c.MinVolume = 10000
	}
	if c.MaxMarkets <= 0 {
		c.MaxMarkets = 200
	}
}

// RESTSource reads the market catalog and quotes from the venue's public
// APIs. Quote lookup tries the price endpoint first, then the last trade,
// then the book midpoint.
type RESTSource struct {
	httpClient *http.Client
	logger     *zap.Logger
	cfg        RESTConfig
}

func NewRESTSource(cfg RESTConfig, log *zap.Logger) *RESTSource {
	cfg.applyDefaults()
	cfg.GammaURL = strings.TrimRight(cfg.GammaURL, "/")
	cfg.CLOBURL = strings.TrimRight(cfg.CLOBURL, "/")
	if log == nil {
		log = zap.NewNop()
	}
	return &RESTSource{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     log,
		cfg:        cfg,
	}
}

func (s *RESTSource) doRequest(ctx context.Context, base, path string, query url.Values) ([]byte, error) {
	fullURL := base + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

type gammaMarket struct {
	ID           string          `json:"id"`
	Question     string          `json:"question"`
	Active       bool            `json:"active"`
	Closed       bool            `json:"closed"`
	Volume       json.RawMessage `json:"volume"`
	ClobTokenIDs json.RawMessage `json:"clobTokenIds"`
	Outcomes     json.RawMessage `json:"outcomes"`
}

// ListActiveMarkets pulls the catalog, filters by activity and volume, and
// keeps at most MaxMarkets entries.
func (s *RESTSource) ListActiveMarkets(ctx context.Context) ([]engine.Market, error) {
	query := url.Values{}
	query.Set("active", "true")
	query.Set("closed", "false")
	query.Set("limit", strconv.Itoa(s.cfg.MaxMarkets))
	body, err := s.doRequest(ctx, s.cfg.GammaURL, "/markets", query)
	if err != nil {
		return nil, err
	}

	var raw []gammaMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}

	out := make([]engine.Market, 0, len(raw))
	for _, gm := range raw {
		if !gm.Active || gm.Closed {
			continue
		}
		volume := parseLooseFloat(gm.Volume)
		if volume < s.cfg.MinVolume {
			continue
		}
		tokens := parseTokenList(gm.ClobTokenIDs, gm.Outcomes)
		m := engine.Market{
			ID:       strings.TrimSpace(gm.ID),
			Question: strings.TrimSpace(gm.Question),
			Tokens:   tokens,
			Volume:   volume,
			Active:   true,
		}
		if !m.Tradable() {
			continue
		}
		out = append(out, m)
		if len(out) >= s.cfg.MaxMarkets {
			break
		}
	}
	s.logger.Debug("market catalog loaded", zap.Int("markets", len(out)))
	return out, nil
}

// GetQuote resolves a token price, falling back through endpoints in order
// of freshness. Every miss degrades to the next endpoint rather than failing
// the scan.
func (s *RESTSource) GetQuote(ctx context.Context, tokenID string) (engine.Quote, error) {
	if strings.TrimSpace(tokenID) == "" {
		return engine.Quote{}, ErrQuoteUnavailable
	}
	now := time.Now().UTC()

	if price, ok := s.fetchPrice(ctx, tokenID); ok {
		return engine.Quote{TokenID: tokenID, Price: price, At: now}, nil
	}
	if price, ok := s.fetchLastTrade(ctx, tokenID); ok {
		return engine.Quote{TokenID: tokenID, Price: price, At: now}, nil
	}
	if price, ok := s.fetchMidpoint(ctx, tokenID); ok {
		return engine.Quote{TokenID: tokenID, Price: price, At: now}, nil
	}
	return engine.Quote{}, fmt.Errorf("token %s: %w", tokenID, ErrQuoteUnavailable)
}

func (s *RESTSource) fetchPrice(ctx context.Context, tokenID string) (float64, bool) {
	query := url.Values{}
	query.Set("token_id", tokenID)
	query.Set("side", "buy")
	body, err := s.doRequest(ctx, s.cfg.CLOBURL, "/price", query)
	if err != nil {
		return 0, false
	}
	var parsed struct {
		Price json.RawMessage `json:"price"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}
	return validPrice(parseLooseFloat(parsed.Price))
}

func (s *RESTSource) fetchLastTrade(ctx context.Context, tokenID string) (float64, bool) {
	query := url.Values{}
	query.Set("token_id", tokenID)
	body, err := s.doRequest(ctx, s.cfg.CLOBURL, "/last-trade-price", query)
	if err != nil {
		return 0, false
	}
	var parsed struct {
		Price json.RawMessage `json:"price"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}
	return validPrice(parseLooseFloat(parsed.Price))
}

func (s *RESTSource) fetchMidpoint(ctx context.Context, tokenID string) (float64, bool) {
	query := url.Values{}
	query.Set("token_id", tokenID)
	body, err := s.doRequest(ctx, s.cfg.CLOBURL, "/book", query)
	if err != nil {
		return 0, false
	}
	var parsed struct {
		Bids []struct {
			Price json.RawMessage `json:"price"`
		} `json:"bids"`
		Asks []struct {
			Price json.RawMessage `json:"price"`
		} `json:"asks"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, false
	}
	if len(parsed.Bids) == 0 || len(parsed.Asks) == 0 {
		return 0, false
	}
	bid := parseLooseFloat(parsed.Bids[0].Price)
	ask := parseLooseFloat(parsed.Asks[0].Price)
	if bid <= 0 || ask <= 0 {
		return 0, false
	}
	return validPrice((bid + ask) / 2)
}

func validPrice(p float64) (float64, bool) {
	if p <= 0 || p >= 1 {
		return 0, false
	}
	return p, true
}

// parseLooseFloat accepts a JSON number or a numeric string.
func parseLooseFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if val, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return val
		}
	}
	return 0
}

// parseTokenList handles the catalog's two token encodings: a JSON array of
// objects, or parallel string-encoded arrays of IDs and outcome labels.
func parseTokenList(tokenIDs, outcomes json.RawMessage) []engine.Token {
	var objs []struct {
		TokenID string `json:"token_id"`
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(tokenIDs, &objs); err == nil && len(objs) > 0 && objs[0].TokenID != "" {
		out := make([]engine.Token, 0, len(objs))
		for _, o := range objs {
			out = append(out, engine.Token{ID: o.TokenID, Outcome: o.Outcome})
		}
		return out
	}

	ids := parseStringArray(tokenIDs)
	labels := parseStringArray(outcomes)
	out := make([]engine.Token, 0, len(ids))
	for i, id := range ids {
		tok := engine.Token{ID: id}
		if i < len(labels) {
			tok.Outcome = labels[i]
		}
		out = append(out, tok)
	}
	return out
}

// parseStringArray accepts either a JSON array of strings or a string that
// itself contains a JSON array, which is how the catalog serializes these.
func parseStringArray(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			return arr
		}
	}
	return nil
}
