package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCEX(t *testing.T, status int, body string) *CEXClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/get-tickers", r.URL.Path)
		assert.Equal(t, "CRO_USD", r.URL.Query().Get("instrument_name"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	c := NewCEXClient(srv.URL, time.Second)
	c.policy = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	return c
}

func TestCEX_PriceUSD(t *testing.T) {
	c := newTestCEX(t, http.StatusOK,
		`{"code":0,"result":{"data":[{"i":"CRO_USD","a":"0.0925","b":"0.0924","k":"0.0926","t":1800000000000}]}}`)
	got, err := c.PriceUSD(context.Background(), "cro")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.RequireFromString("0.0925")), "got %s", got)
}

func TestCEX_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"exchange error code", http.StatusOK, `{"code":40004,"message":"invalid instrument"}`},
		{"instrument missing", http.StatusOK, `{"code":0,"result":{"data":[]}}`},
		{"no last price", http.StatusOK, `{"code":0,"result":{"data":[{"i":"CRO_USD","a":null}]}}`},
		{"client error", http.StatusBadRequest, `{}`},
		{"server error", http.StatusBadGateway, `{}`},
		{"malformed", http.StatusOK, `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCEX(t, tt.status, tt.body)
			_, err := c.PriceUSD(context.Background(), "CRO")
			require.Error(t, err)
			var fe *FetchError
			assert.True(t, errors.As(err, &fe))
			assert.Equal(t, NameCEX, fe.Source)
		})
	}
}
