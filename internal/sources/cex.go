package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/retry"
	"github.com/shopspring/decimal"
)

// CEXClient reads spot tickers from a Crypto.com Exchange compatible
// public API.
type CEXClient struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

// NewCEXClient creates an exchange ticker client.
func NewCEXClient(baseURL string, timeout time.Duration) *CEXClient {
	return &CEXClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.Default,
	}
}

// Ticker is the subset of an exchange ticker the service uses.
type Ticker struct {
	Instrument string              `json:"i"`
	Last       decimal.NullDecimal `json:"a"`
	Bid        decimal.NullDecimal `json:"b"`
	Ask        decimal.NullDecimal `json:"k"`
	Timestamp  int64               `json:"t"`
}

type cexTickerResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		Data []Ticker `json:"data"`
	} `json:"result"`
}

// Ticker fetches the ticker for an instrument such as "CRO_USD".
func (c *CEXClient) Ticker(ctx context.Context, instrument string) (Ticker, error) {
	endpoint := c.baseURL + "/get-tickers?" + url.Values{"instrument_name": {instrument}}.Encode()

	t, err := retry.Value(ctx, c.policy, func(ctx context.Context) (Ticker, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return Ticker{}, retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return Ticker{}, retry.Permanent(ctx.Err())
			}
			return Ticker{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Ticker{}, fmt.Errorf("cex api returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return Ticker{}, retry.Permanent(fmt.Errorf("cex api returned %d", resp.StatusCode))
		}

		var out cexTickerResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
			return Ticker{}, retry.Permanent(fmt.Errorf("malformed cex response: %w", err))
		}
		if out.Code != 0 {
			return Ticker{}, retry.Permanent(fmt.Errorf("cex api error %d: %s", out.Code, out.Message))
		}
		for _, t := range out.Result.Data {
			if strings.EqualFold(t.Instrument, instrument) {
				return t, nil
			}
		}
		return Ticker{}, retry.Permanent(ErrNoData)
	})
	if err != nil {
		return Ticker{}, wrap(NameCEX, "ticker", err)
	}
	return t, nil
}

// PriceUSD returns the last traded price of symbol against USD.
func (c *CEXClient) PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	t, err := c.Ticker(ctx, strings.ToUpper(symbol)+"_USD")
	if err != nil {
		return decimal.Zero, err
	}
	if !t.Last.Valid || !t.Last.Decimal.IsPositive() {
		return decimal.Zero, wrap(NameCEX, "price", ErrNoData)
	}
	return t.Last.Decimal, nil
}
