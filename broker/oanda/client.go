// Package oanda reads candles from the OANDA v20 REST API. It serves the
// technical signal source; order routing stays with the configured broker.
package oanda

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

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/riskengine/broker"
	"github.com/rustyeddy/riskengine/market"
)

const (
	// PracticeURL is the URL for OANDA's practice/demo environment
	PracticeURL = "https://api-fxpractice.oanda.com"
	// LiveURL is the URL for OANDA's live trading environment
	LiveURL = "https://api-fxtrade.oanda.com"

	maxCount = 5000
)

// Granularity represents the time frame for candles
type Granularity string

const (
	M1  Granularity = "M1"
	M5  Granularity = "M5"
	M15 Granularity = "M15"
	M30 Granularity = "M30"
	H1  Granularity = "H1"
	H4  Granularity = "H4"
	D   Granularity = "D"
)

// ParseGranularity accepts OANDA names ("M15") and the short forms used in
// config ("15m", "1h", "4h", "1d").
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "m1":
		return M1, nil
	case "5m", "m5":
		return M5, nil
	case "15m", "m15":
		return M15, nil
	case "30m", "m30":
		return M30, nil
	case "1h", "60m", "h1":
		return H1, nil
	case "4h", "h4":
		return H4, nil
	case "1d", "24h", "d":
		return D, nil
	}
	return "", fmt.Errorf("unsupported granularity %q", s)
}

// PriceComponent represents the price component for candles
type PriceComponent string

const (
	MidPrice PriceComponent = "M"
	BidPrice PriceComponent = "B"
	AskPrice PriceComponent = "A"
)

// Client represents an OANDA API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ broker.CandleSource = (*Client)(nil)

// NewClient creates a new OANDA API client
func NewClient(token string, practice bool) *Client {
	baseURL := LiveURL
	if practice {
		baseURL = PracticeURL
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithBaseURL points the client somewhere else, e.g. a test server.
func (c *Client) WithBaseURL(u string) *Client {
	if u != "" {
		c.baseURL = strings.TrimRight(u, "/")
	}
	return c
}

// Instrument maps "EUR/USD", "eur-usd" or "EUR_USD" to OANDA's "EUR_USD".
func Instrument(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "_", "-", "_").Replace(s)
}

// CandlesRequest represents parameters for fetching historical candles
type CandlesRequest struct {
	Instrument  string
	Price       PriceComponent // default MidPrice
	Granularity Granularity    // default M15
	Count       int            // max 5000
}

type candleData struct {
	O string `json:"o"`
	H string `json:"h"`
	L string `json:"l"`
	C string `json:"c"`
}

type apiCandle struct {
	Complete bool       `json:"complete"`
	Volume   int        `json:"volume"`
	Time     string     `json:"time"`
	Mid      candleData `json:"mid,omitempty"`
	Bid      candleData `json:"bid,omitempty"`
	Ask      candleData `json:"ask,omitempty"`
}

type candlesResponse struct {
	Instrument  string      `json:"instrument"`
	Granularity string      `json:"granularity"`
	Candles     []apiCandle `json:"candles"`
}

// FetchCandles returns up to n completed candles for symbol, oldest first.
func (c *Client) FetchCandles(ctx context.Context, symbol, granularity string, n int) ([]market.Candle, error) {
	g, err := ParseGranularity(granularity)
	if err != nil {
		return nil, err
	}
	return c.GetCandles(ctx, CandlesRequest{
		Instrument:  Instrument(symbol),
		Granularity: g,
		Count:       n,
	})
}

// GetCandles fetches candles from OANDA. Incomplete candles are dropped.
func (c *Client) GetCandles(ctx context.Context, req CandlesRequest) ([]market.Candle, error) {
	if req.Instrument == "" {
		return nil, fmt.Errorf("instrument is required")
	}
	if req.Count <= 0 || req.Count > maxCount {
		return nil, fmt.Errorf("count must be between 1 and %d", maxCount)
	}
	if req.Price == "" {
		req.Price = MidPrice
	}
	if req.Granularity == "" {
		req.Granularity = M15
	}

	params := url.Values{}
	params.Set("price", string(req.Price))
	params.Set("granularity", string(req.Granularity))
	params.Set("count", strconv.Itoa(req.Count))
	apiURL := fmt.Sprintf("%s/v3/instruments/%s/candles?%s", c.baseURL, url.PathEscape(req.Instrument), params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Accept-Datetime-Format", "RFC3339")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp candlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	candles := make([]market.Candle, 0, len(apiResp.Candles))
	for _, ac := range apiResp.Candles {
		if !ac.Complete {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, ac.Time)
		if err != nil {
			return nil, fmt.Errorf("parse time %s: %w", ac.Time, err)
		}

		var pd candleData
		switch req.Price {
		case BidPrice:
			pd = ac.Bid
		case AskPrice:
			pd = ac.Ask
		default:
			pd = ac.Mid
		}
		ohlc, err := pd.parse()
		if err != nil {
			return nil, fmt.Errorf("candle %s: %w", ac.Time, err)
		}
		candles = append(candles, market.Candle{
			Open:   ohlc[0],
			High:   ohlc[1],
			Low:    ohlc[2],
			Close:  ohlc[3],
			Time:   t,
			Volume: float64(ac.Volume),
		})
	}
	return candles, nil
}

func (cd candleData) parse() ([4]float64, error) {
	var out [4]float64
	for i, s := range []string{cd.O, cd.H, cd.L, cd.C} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return out, fmt.Errorf("parse price %q: %w", s, err)
		}
		out[i] = d.InexactFloat64()
	}
	return out, nil
}
