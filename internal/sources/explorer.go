package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/retry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/ratelimit"
)

const maxExplorerBody = 4 << 20

// ExplorerClient talks to an Etherscan-compatible block explorer API.
type ExplorerClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    ratelimit.Limiter
	policy     retry.Policy
}

// NewExplorerClient creates an explorer client paced to rps requests per second.
func NewExplorerClient(baseURL, apiKey string, rps int, timeout time.Duration) *ExplorerClient {
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps)
	}
	return &ExplorerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		policy:     retry.Default,
	}
}

type explorerEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerSource struct {
	SourceCode   string `json:"SourceCode"`
	ABI          string `json:"ABI"`
	ContractName string `json:"ContractName"`
}

type explorerTx struct {
	Timestamp string `json:"timeStamp"`
	From      string `json:"from"`
	Hash      string `json:"hash"`
}

// HolderCount returns the token holder count reported by the explorer.
func (c *ExplorerClient) HolderCount(ctx context.Context, addr common.Address) (int64, error) {
	var raw string
	err := c.query(ctx, url.Values{
		"module":          {"token"},
		"action":          {"tokenholdercount"},
		"contractaddress": {addr.Hex()},
	}, &raw)
	if err != nil {
		return 0, wrap(NameExplorer, "holders", err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, wrap(NameExplorer, "holders", fmt.Errorf("bad holder count %q", raw))
	}
	return n, nil
}

// CreatedAt returns the timestamp of the first transaction touching addr.
func (c *ExplorerClient) CreatedAt(ctx context.Context, addr common.Address) (time.Time, error) {
	var txs []explorerTx
	err := c.query(ctx, url.Values{
		"module":     {"account"},
		"action":     {"txlist"},
		"address":    {addr.Hex()},
		"startblock": {"0"},
		"endblock":   {"99999999"},
		"sort":       {"asc"},
		"page":       {"1"},
		"offset":     {"1"},
	}, &txs)
	if err != nil {
		return time.Time{}, wrap(NameExplorer, "age", err)
	}
	if len(txs) == 0 {
		return time.Time{}, wrap(NameExplorer, "age", ErrNoData)
	}
	sec, err := strconv.ParseInt(txs[0].Timestamp, 10, 64)
	if err != nil {
		return time.Time{}, wrap(NameExplorer, "age", fmt.Errorf("bad timestamp %q", txs[0].Timestamp))
	}
	return time.Unix(sec, 0).UTC(), nil
}

// Verified reports whether the explorer has published source for addr.
func (c *ExplorerClient) Verified(ctx context.Context, addr common.Address) (bool, error) {
	var contracts []explorerSource
	err := c.query(ctx, url.Values{
		"module":  {"contract"},
		"action":  {"getsourcecode"},
		"address": {addr.Hex()},
	}, &contracts)
	if err != nil {
		return false, wrap(NameExplorer, "verified", err)
	}
	if len(contracts) == 0 {
		return false, nil
	}
	return strings.TrimSpace(contracts[0].SourceCode) != "", nil
}

// Code fetches bytecode through the explorer's eth_getCode proxy.
func (c *ExplorerClient) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	var hex string
	err := c.query(ctx, url.Values{
		"module":  {"proxy"},
		"action":  {"eth_getCode"},
		"address": {addr.Hex()},
		"tag":     {"latest"},
	}, &hex)
	if err != nil {
		return nil, wrap(NameExplorer, "code", err)
	}
	code, err := hexutil.Decode(hex)
	if err != nil {
		return nil, wrap(NameExplorer, "code", fmt.Errorf("bad code hex: %w", err))
	}
	return code, nil
}

func (c *ExplorerClient) query(ctx context.Context, params url.Values, out any) error {
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	endpoint := c.baseURL + "?" + params.Encode()

	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		c.limiter.Take()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxExplorerBody))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("explorer returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return retry.Permanent(fmt.Errorf("explorer returned %d", resp.StatusCode))
		}

		var env explorerEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return retry.Permanent(fmt.Errorf("malformed explorer response: %w", err))
		}
		if env.Status == "0" {
			return explorerStatusError(env)
		}
		if err := json.Unmarshal(env.Result, out); err != nil {
			return retry.Permanent(fmt.Errorf("malformed explorer result: %w", err))
		}
		return nil
	})
}

func explorerStatusError(env explorerEnvelope) error {
	msg := strings.ToLower(env.Message)
	var detail string
	_ = json.Unmarshal(env.Result, &detail)
	lowerDetail := strings.ToLower(detail)

	switch {
	case strings.Contains(msg, "no transactions found"), strings.Contains(msg, "no data found"),
		strings.Contains(msg, "no records found"):
		return retry.Permanent(ErrNoData)
	case strings.Contains(lowerDetail, "rate limit"):
		return errors.New("explorer rate limited")
	default:
		if detail == "" {
			detail = env.Message
		}
		return retry.Permanent(fmt.Errorf("explorer error: %s", detail))
	}
}
