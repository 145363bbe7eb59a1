package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/DeegaLabs/cronos-shield-sub001/internal/retry"
	"github.com/DeegaLabs/cronos-shield-sub001/pkg/x402"
)

const (
	maxFacilitatorBody = 1 << 20

	// DefaultFacilitatorTimeout bounds a single facilitator round trip.
	DefaultFacilitatorTimeout = 30 * time.Second
)

// HTTPFacilitator talks to an x402 facilitator over HTTP. Verify is retried
// on transport errors; Settle is attempted once because a lost response
// may still have moved funds.
type HTTPFacilitator struct {
	baseURL      string
	client       *http.Client
	verifyPolicy retry.Policy
	settlePolicy retry.Policy
}

// NewHTTPFacilitator creates a facilitator client rooted at baseURL.
// Pass timeout=0 to use DefaultFacilitatorTimeout.
func NewHTTPFacilitator(baseURL string, timeout time.Duration) *HTTPFacilitator {
	if timeout == 0 {
		timeout = DefaultFacilitatorTimeout
	}
	return &HTTPFacilitator{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		verifyPolicy: retry.Default,
		settlePolicy: retry.Once,
	}
}

var _ Facilitator = (*HTTPFacilitator)(nil)

// Verify asks the facilitator whether header satisfies req.
func (f *HTTPFacilitator) Verify(ctx context.Context, header string, req x402.PaymentRequirements) (bool, string, error) {
	var out x402.VerifyResponse
	err := retry.Do(ctx, f.verifyPolicy, func(ctx context.Context) error {
		return f.post(ctx, "/verify", header, req, &out)
	})
	if err != nil {
		return false, "", err
	}
	return out.IsValid, out.InvalidReason, nil
}

// Settle submits the payment on chain and returns the transaction hash.
func (f *HTTPFacilitator) Settle(ctx context.Context, header string, req x402.PaymentRequirements) (string, error) {
	var out x402.FacilitatorSettleResponse
	err := retry.Do(ctx, f.settlePolicy, func(ctx context.Context) error {
		return f.post(ctx, "/settle", header, req, &out)
	})
	if err != nil {
		return "", err
	}
	if !out.Success || out.Hash() == "" {
		reason := out.Reason()
		if reason == "" {
			reason = "facilitator reported failure"
		}
		return "", errors.New(reason)
	}
	return out.Hash(), nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path, header string, req x402.PaymentRequirements, out any) error {
	body, err := json.Marshal(x402.FacilitatorRequest{
		X402Version:         x402.Version,
		PaymentHeader:       header,
		PaymentRequirements: req,
	})
	if err != nil {
		return retry.Permanent(fmt.Errorf("marshal facilitator request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X402-Version", fmt.Sprint(x402.Version))

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFacilitatorBody))
	if err != nil {
		return fmt.Errorf("read facilitator response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("facilitator %s returned %d", path, resp.StatusCode)
	}

	// 4xx bodies still carry isValid/errorReason; decode them as answers.
	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Permanent(fmt.Errorf("facilitator %s returned %d: malformed body", path, resp.StatusCode))
	}
	return nil
}
