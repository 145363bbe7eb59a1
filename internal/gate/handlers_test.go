package gate

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/auth"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/chain"
	"github.com/DeegaLabs/cronos-shield-sub001/internal/logging"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type wallet struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, addr: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}
}

func router(g *Gate) *gin.Engine {
	r := gin.New()
	v := auth.NewVerifier(auth.NewMemoryNonceStore(), 0)
	NewHandler(g, logging.Discard()).RegisterRoutes(r.Group("/v1"), v)
	return r
}

// postExecute sends body signed by w, or unsigned when w is nil.
func postExecute(t *testing.T, r *gin.Engine, w *wallet, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/gate/execute", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if w != nil {
		require.NoError(t, auth.SignRequest(req, raw, w.key, time.Now().Add(time.Minute)))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ExecuteOutcomes(t *testing.T) {
	alice := newWallet(t)

	t.Run("allowed", func(t *testing.T) {
		g, _ := setupFor(t, alice.addr, 10, &fakeExecutor{})
		w := postExecute(t, router(g), &alice, ExecuteRequest{User: alice.addr, Target: testTarget, Value: "1"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.True(t, res.Success)
		assert.Equal(t, "0xexec", res.TxHash)
	})

	t.Run("blocked", func(t *testing.T) {
		g, _ := setupFor(t, alice.addr, 80, &fakeExecutor{})
		r := router(g)
		w := postExecute(t, r, &alice, ExecuteRequest{User: alice.addr, Target: testTarget})
		require.Equal(t, http.StatusOK, w.Code)
		var res Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.False(t, res.Success)
		assert.True(t, res.Blocked)
		assert.Equal(t, 80, res.RiskScore)

		w = httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/gate/blocked?user="+alice.addr, nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
	})

	t.Run("reverted", func(t *testing.T) {
		exec := &fakeExecutor{hash: "0xbad", err: &chain.TxError{Op: chain.OpConfirm, TxHash: "0xbad", Err: chain.ErrReverted}}
		g, _ := setupFor(t, alice.addr, 10, exec)
		w := postExecute(t, router(g), &alice, ExecuteRequest{User: alice.addr, Target: testTarget, Value: "1"})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Contains(t, w.Body.String(), "execution_failed")
		assert.Contains(t, w.Body.String(), "0xbad")
	})

	t.Run("confirmation timeout is accepted as pending", func(t *testing.T) {
		exec := &fakeExecutor{hash: "0xslow", err: &chain.TxError{Op: chain.OpConfirm, TxHash: "0xslow", Nonce: 4, Err: chain.ErrTimeout}}
		g, v := setupFor(t, alice.addr, 10, exec)
		w := postExecute(t, router(g), &alice, ExecuteRequest{User: alice.addr, Target: testTarget, Value: "1"})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		var res Result
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.True(t, res.Pending)
		assert.Equal(t, "0xslow", res.TxHash)

		b, err := v.GetBalance(context.Background(), alice.addr)
		require.NoError(t, err)
		assert.Equal(t, "1", b.Held)
	})

	t.Run("missing fields", func(t *testing.T) {
		g, _ := setupFor(t, alice.addr, 10, &fakeExecutor{})
		w := postExecute(t, router(g), &alice, map[string]string{"user": alice.addr})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad value", func(t *testing.T) {
		g, _ := setupFor(t, alice.addr, 10, &fakeExecutor{})
		w := postExecute(t, router(g), &alice, ExecuteRequest{User: alice.addr, Target: testTarget, Value: "abc"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("insufficient", func(t *testing.T) {
		g, _ := setupFor(t, alice.addr, 10, &fakeExecutor{})
		w := postExecute(t, router(g), &alice, ExecuteRequest{User: alice.addr, Target: testTarget, Value: "5000"})
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Contains(t, w.Body.String(), "insufficient_balance")
	})
}

func TestHandler_ExecuteRequiresOwner(t *testing.T) {
	victim := newWallet(t)
	mallory := newWallet(t)

	t.Run("unsigned request", func(t *testing.T) {
		exec := &fakeExecutor{}
		g, v := setupFor(t, victim.addr, 10, exec)
		w := postExecute(t, router(g), nil, ExecuteRequest{User: victim.addr, Target: testTarget, Value: "500"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, 0, exec.count())

		b, err := v.GetBalance(context.Background(), victim.addr)
		require.NoError(t, err)
		assert.Equal(t, "1000", b.Available)
	})

	t.Run("signed by another wallet", func(t *testing.T) {
		exec := &fakeExecutor{}
		g, v := setupFor(t, victim.addr, 10, exec)
		w := postExecute(t, router(g), &mallory, ExecuteRequest{User: victim.addr, Target: testTarget, Value: "500"})
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), "forbidden")
		assert.Equal(t, 0, exec.count())

		b, err := v.GetBalance(context.Background(), victim.addr)
		require.NoError(t, err)
		assert.Equal(t, "1000", b.Available)
		assert.Equal(t, "0", b.Held)
	})

	t.Run("checksummed user matches signer", func(t *testing.T) {
		g, _ := setupFor(t, victim.addr, 10, &fakeExecutor{})
		checksummed := crypto.PubkeyToAddress(victim.key.PublicKey).Hex()
		w := postExecute(t, router(g), &victim, ExecuteRequest{User: checksummed, Target: testTarget, Value: "1"})
		assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})
}

func TestHandler_ListBlockedRejectsBadAddress(t *testing.T) {
	g, _ := setup(t, 10, &fakeExecutor{})
	w := httptest.NewRecorder()
	router(g).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/gate/blocked?user=xyz", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
