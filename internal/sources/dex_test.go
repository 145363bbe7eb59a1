package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dexBody = `{"pairs":[
 {"chainId":"cronos","dexId":"vvs","pairAddress":"0x1","baseToken":{"address":"0xaa","symbol":"TKN"},"priceUsd":"1.25","liquidity":{"usd":150000.5}},
 {"chainId":"cronos","dexId":"mmf","pairAddress":"0x2","baseToken":{"address":"0xaa","symbol":"TKN"},"priceUsd":"1.30","liquidity":{"usd":2000}},
 {"chainId":"cronos","dexId":"new","pairAddress":"0x3","baseToken":{"address":"0xaa","symbol":"TKN"},"priceUsd":null,"liquidity":null}
]}`

func newTestDex(t *testing.T, status int, body string) *DexClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/tokens/"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c := NewDexClient(srv.URL, time.Second)
	c.policy = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	return c
}

func TestDex_LiquiditySumsPairs(t *testing.T) {
	c := newTestDex(t, http.StatusOK, dexBody)
	got, err := c.Liquidity(context.Background(), testToken)
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("152000.5")), "got %s", got)
}

func TestDex_NoPairs(t *testing.T) {
	c := newTestDex(t, http.StatusOK, `{"pairs":null}`)
	_, err := c.Liquidity(context.Background(), testToken)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestDex_PriceFromDeepestPair(t *testing.T) {
	c := newTestDex(t, http.StatusOK, dexBody)
	price, pair, err := c.PriceUSD(context.Background(), testToken)
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("1.25")))
	assert.Equal(t, "vvs", pair.DexID)
}

func TestDex_ServerError(t *testing.T) {
	c := newTestDex(t, http.StatusServiceUnavailable, ``)
	_, err := c.Liquidity(context.Background(), testToken)
	assert.Error(t, err)
}
