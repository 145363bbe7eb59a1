package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/retry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DexClient reads pair data from a DexScreener-compatible API.
type DexClient struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

// NewDexClient creates a DEX pair index client.
func NewDexClient(baseURL string, timeout time.Duration) *DexClient {
	return &DexClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		policy:     retry.Default,
	}
}

// DexPair is one trading pair for a token.
type DexPair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD  decimal.NullDecimal `json:"priceUsd"`
	Liquidity *struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
}

type dexTokenResponse struct {
	Pairs []DexPair `json:"pairs"`
}

// Pairs returns every pair indexed for token.
func (c *DexClient) Pairs(ctx context.Context, token common.Address) ([]DexPair, error) {
	endpoint := fmt.Sprintf("%s/tokens/%s", c.baseURL, token.Hex())

	return retry.Value(ctx, c.policy, func(ctx context.Context) ([]DexPair, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.Permanent(ctx.Err())
			}
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("dex api returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, retry.Permanent(fmt.Errorf("dex api returned %d", resp.StatusCode))
		}

		var out dexTokenResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
			return nil, retry.Permanent(fmt.Errorf("malformed dex response: %w", err))
		}
		return out.Pairs, nil
	})
}

// Liquidity sums USD liquidity across all pairs for token.
func (c *DexClient) Liquidity(ctx context.Context, token common.Address) (decimal.Decimal, error) {
	pairs, err := c.Pairs(ctx, token)
	if err != nil {
		return decimal.Zero, wrap(NameDex, "liquidity", err)
	}
	if len(pairs) == 0 {
		return decimal.Zero, wrap(NameDex, "liquidity", ErrNoData)
	}
	total := decimal.Zero
	for _, p := range pairs {
		if p.Liquidity != nil {
			total = total.Add(p.Liquidity.USD)
		}
	}
	return total, nil
}

// PriceUSD returns the USD price quoted by the deepest pair for token.
func (c *DexClient) PriceUSD(ctx context.Context, token common.Address) (decimal.Decimal, DexPair, error) {
	pairs, err := c.Pairs(ctx, token)
	if err != nil {
		return decimal.Zero, DexPair{}, wrap(NameDex, "price", err)
	}

	var best *DexPair
	for i := range pairs {
		p := &pairs[i]
		if !p.PriceUSD.Valid {
			continue
		}
		if best == nil || liquidityOf(p).GreaterThan(liquidityOf(best)) {
			best = p
		}
	}
	if best == nil {
		return decimal.Zero, DexPair{}, wrap(NameDex, "price", ErrNoData)
	}
	return best.PriceUSD.Decimal, *best, nil
}

func liquidityOf(p *DexPair) decimal.Decimal {
	if p.Liquidity == nil {
		return decimal.Zero
	}
	return p.Liquidity.USD
}
